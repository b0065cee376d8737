package validation

import "testing"

func TestIsValidID(t *testing.T) {
	valid := []string{
		"txn_0123456789abcdef01234567",
		"wal_deadbeefdeadbeefdeadbeef",
		"11111111-2222-3333-4444-555555555555",
		"brand-42-profile",
	}
	for _, id := range valid {
		if !IsValidID(id) {
			t.Errorf("IsValidID(%q) = false, want true", id)
		}
	}

	invalid := []string{"", "x", "txn_XYZ", "has spaces", "a;drop table"}
	for _, id := range invalid {
		if IsValidID(id) {
			t.Errorf("IsValidID(%q) = true, want false", id)
		}
	}
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("brand_id", ""),
		PositiveAmount("amount", -5),
		MaxLength("notes", "ok", 100),
	)
	if len(errs) != 2 {
		t.Fatalf("expected 2 errors, got %d: %v", len(errs), errs)
	}
	if errs[0].Field != "brand_id" || errs[1].Field != "amount" {
		t.Errorf("unexpected error fields: %v", errs)
	}
}

func TestSanitizeString(t *testing.T) {
	got := SanitizeString("  hello\x00world  ", 8)
	if got != "hellowo" {
		t.Errorf("SanitizeString = %q", got)
	}
}

func TestPositiveAmount(t *testing.T) {
	if err := PositiveAmount("amount", 100)(); err != nil {
		t.Errorf("expected nil for positive amount, got %v", err)
	}
	if err := PositiveAmount("amount", 0)(); err == nil {
		t.Error("expected error for zero amount")
	}
}
