// Package permission models explicit per-document grants.
package permission

type Level string

const (
	LevelView  Level = "view"
	LevelEdit  Level = "edit"
	LevelAdmin Level = "admin"
)

func rank(level Level) int {
	switch level {
	case LevelAdmin:
		return 3
	case LevelEdit:
		return 2
	case LevelView:
		return 1
	default:
		return 0
	}
}

// Can reports whether a held level satisfies the required one. Admin implies
// edit and edit implies view.
func Can(held, required Level) bool {
	if rank(required) == 0 {
		return false
	}
	return rank(held) >= rank(required)
}

func Valid(level string) bool {
	return rank(Level(level)) > 0
}

// AtLeast lists level and every level above it.
func AtLeast(level Level) []Level {
	var out []Level
	for _, candidate := range []Level{LevelView, LevelEdit, LevelAdmin} {
		if Can(candidate, level) {
			out = append(out, candidate)
		}
	}
	return out
}
