package withdrawal

import "testing"

func TestGenerateCodeFormat(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 200; i++ {
		code, err := GenerateCode()
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if !ValidCodeFormat(code) {
			t.Fatalf("generated invalid code %q", code)
		}
		seen[code] = struct{}{}
	}
	// 200 draws from a million-code space should not all collide.
	if len(seen) < 2 {
		t.Fatalf("expected varied codes, got %d distinct", len(seen))
	}
}

func TestValidCodeFormat(t *testing.T) {
	valid := []string{"000000", "123456", "999999"}
	for _, code := range valid {
		if !ValidCodeFormat(code) {
			t.Fatalf("expected %q to be valid", code)
		}
	}
	invalid := []string{"", "12345", "1234567", "12345a", "12 456", "12345\n", "١٢٣٤٥٦"}
	for _, code := range invalid {
		if ValidCodeFormat(code) {
			t.Fatalf("expected %q to be invalid", code)
		}
	}
}
