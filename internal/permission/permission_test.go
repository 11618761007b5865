package permission

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name     string
		held     Level
		required Level
		allow    bool
	}{
		{name: "view view", held: LevelView, required: LevelView, allow: true},
		{name: "view edit", held: LevelView, required: LevelEdit, allow: false},
		{name: "edit view", held: LevelEdit, required: LevelView, allow: true},
		{name: "edit admin", held: LevelEdit, required: LevelAdmin, allow: false},
		{name: "admin edit", held: LevelAdmin, required: LevelEdit, allow: true},
		{name: "none view", held: "", required: LevelView, allow: false},
		{name: "bogus required", held: LevelAdmin, required: "owner", allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.held, tc.required); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.held, tc.required, got, tc.allow)
			}
		})
	}
}

func TestAtLeast(t *testing.T) {
	got := AtLeast(LevelEdit)
	if len(got) != 2 || got[0] != LevelEdit || got[1] != LevelAdmin {
		t.Fatalf("AtLeast(edit) = %v", got)
	}
	if !Valid("view") || Valid("owner") {
		t.Fatal("Valid mismatch")
	}
}
