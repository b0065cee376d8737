package pagination

import (
	"testing"
	"time"
)

func TestEncodeDecode(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Nanosecond)
	s := Encode(now, "txn_abc")

	c, err := Decode(s)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !c.CreatedAt.Equal(now) {
		t.Errorf("CreatedAt = %v, want %v", c.CreatedAt, now)
	}
	if c.ID != "txn_abc" {
		t.Errorf("ID = %q, want %q", c.ID, "txn_abc")
	}
}

func TestDecodeEmpty(t *testing.T) {
	c, err := Decode("")
	if err != nil || c != nil {
		t.Errorf("Decode(\"\") = %v, %v; want nil, nil", c, err)
	}
}

func TestDecodeInvalid(t *testing.T) {
	for _, s := range []string{"not-base64!!", "aGVsbG8="} {
		if _, err := Decode(s); err == nil {
			t.Errorf("Decode(%q): expected error", s)
		}
	}
}

type item struct {
	id string
	at time.Time
}

func TestComputePage(t *testing.T) {
	base := time.Now().UTC()
	items := []item{
		{"a", base},
		{"b", base.Add(time.Second)},
		{"c", base.Add(2 * time.Second)},
	}

	page, next, more := ComputePage(items, 2, func(i item) (time.Time, string) { return i.at, i.id })
	if len(page) != 2 || !more || next == "" {
		t.Fatalf("page=%d more=%v next=%q", len(page), more, next)
	}

	page, next, more = ComputePage(items, 5, func(i item) (time.Time, string) { return i.at, i.id })
	if len(page) != 3 || more || next != "" {
		t.Fatalf("full page: page=%d more=%v next=%q", len(page), more, next)
	}
}
