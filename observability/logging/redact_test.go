package logging

import "testing"

func TestIsSensitive(t *testing.T) {
	for _, key := range []string{"secret", "Private_Key", " mnemonic ", "auth_token"} {
		if !IsSensitive(key) {
			t.Errorf("IsSensitive(%q) = false, want true", key)
		}
	}
	for _, key := range []string{"phone", "address", "amount", ""} {
		if IsSensitive(key) {
			t.Errorf("IsSensitive(%q) = true, want false", key)
		}
	}
}

func TestMaskValue(t *testing.T) {
	if got := MaskValue("hunter2"); got != RedactedValue {
		t.Fatalf("MaskValue = %q, want %q", got, RedactedValue)
	}
	if got := MaskValue("  "); got != "  " {
		t.Fatalf("blank values must pass through, got %q", got)
	}
}

func TestFieldMasksSensitiveKeys(t *testing.T) {
	attr := Field("secret_key", "seed material")
	if attr.Value.String() != RedactedValue {
		t.Fatalf("sensitive field leaked: %q", attr.Value.String())
	}
	attr = Field("phone", "+14155550001")
	if attr.Value.String() != "+14155550001" {
		t.Fatalf("benign field mangled: %q", attr.Value.String())
	}
}

func TestMaskAddress(t *testing.T) {
	addr := "GOODADDRESSWITHPLENTYOFCHARACTERSXYZ"
	if got := MaskAddress(addr); got != "GOODAD..SXYZ" {
		t.Fatalf("MaskAddress = %q", got)
	}
	if MaskAddress("short") != RedactedValue {
		t.Fatal("short addresses must be fully redacted")
	}
	if MaskAddress("") != "" {
		t.Fatal("empty address must pass through")
	}
}
