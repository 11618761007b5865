package util

import "testing"

func TestValidUUID(t *testing.T) {
	cases := []struct {
		name  string
		value string
		valid bool
	}{
		{name: "generated", value: NewUUID(), valid: true},
		{name: "empty", value: "", valid: false},
		{name: "braced", value: "{" + NewUUID() + "}", valid: false},
		{name: "version id", value: NewVersionID(), valid: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ValidUUID(tc.value); got != tc.valid {
				t.Fatalf("ValidUUID(%q) = %v, want %v", tc.value, got, tc.valid)
			}
		})
	}
}

func TestNewVersionIDIsDistinct(t *testing.T) {
	first := NewVersionID()
	second := NewVersionID()
	if first == second {
		t.Fatalf("expected distinct version ids, got %q twice", first)
	}
	if len(first) != 26 {
		t.Fatalf("expected 26 character ulid, got %q", first)
	}
}
