package money

import "testing"

func TestFormat(t *testing.T) {
	tests := []struct {
		minor int64
		want  string
	}{
		{0, "0.00"},
		{5, "0.05"},
		{4999, "49.99"},
		{500000, "5000.00"},
		{-4999, "-49.99"},
	}
	for _, tt := range tests {
		if got := Format(tt.minor); got != tt.want {
			t.Errorf("Format(%d) = %q, want %q", tt.minor, got, tt.want)
		}
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"49.99", 4999, false},
		{"50", 5000, false},
		{"0.05", 5, false},
		{"-1.50", -150, false},
		{".50", 50, false},
		{"1.999", 0, true},
		{"", 0, true},
		{"abc", 0, true},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("Parse(%q): expected error, got %d", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("Parse(%q): unexpected error %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Parse(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestParseFormatRoundTrip(t *testing.T) {
	for _, minor := range []int64{0, 1, 99, 100, 4999, 123456789} {
		back, err := Parse(Format(minor))
		if err != nil {
			t.Fatalf("round trip %d: %v", minor, err)
		}
		if back != minor {
			t.Errorf("round trip %d -> %d", minor, back)
		}
	}
}
