package graph

import (
	"time"

	"metagraph/api/internal/store"
)

// Equality compares content only. Version ids, update and persist times and
// annotations never take part, and reference lists compare as sets.

func commonEqual(a, b *store.Document) bool {
	return a.Kind == b.Kind &&
		a.UUID == b.UUID &&
		a.Name == b.Name &&
		a.Description == b.Description &&
		datesEqual(a.PublicDate, b.PublicDate)
}

func datesEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func setEqual(a, b []string) bool {
	left := toSet(a)
	right := toSet(b)
	if len(left) != len(right) {
		return false
	}
	for value := range left {
		if !right[value] {
			return false
		}
	}
	return true
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, value := range values {
		set[value] = true
	}
	return set
}

// hasDuplicate reports the first value present more than once.
func hasDuplicate(values []string) (string, bool) {
	seen := make(map[string]bool, len(values))
	for _, value := range values {
		if seen[value] {
			return value, true
		}
		seen[value] = true
	}
	return "", false
}

// optionsEqual matches options by name at every level; leaves must also keep
// their uuid.
func optionsEqual(a, b []store.Option) bool {
	if len(a) != len(b) {
		return false
	}
	byName := make(map[string]store.Option, len(b))
	for _, option := range b {
		byName[option.Name] = option
	}
	for _, left := range a {
		right, ok := byName[left.Name]
		if !ok || left.UUID != right.UUID || !optionsEqual(left.Options, right.Options) {
			return false
		}
	}
	return true
}

// recordFieldsEqual compares two projections position by position; both
// follow the field order of their template.
func recordFieldsEqual(a, b []store.RecordField) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		left, right := a[i], b[i]
		if left.UUID != right.UUID || left.Name != right.Name || left.Description != right.Description || left.Type != right.Type {
			return false
		}
		if left.Value != right.Value {
			return false
		}
		if !fileEqual(left.File, right.File) {
			return false
		}
		if !setEqual(optionValueUUIDs(left.Values), optionValueUUIDs(right.Values)) {
			return false
		}
		if !imagesEqual(left.Images, right.Images) {
			return false
		}
	}
	return true
}

func fileEqual(a, b *store.FileRef) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func imagesEqual(a, b []store.FileRef) bool {
	if len(a) != len(b) {
		return false
	}
	byUUID := make(map[string]store.FileRef, len(b))
	for _, image := range b {
		byUUID[image.UUID] = image
	}
	for _, image := range a {
		other, ok := byUUID[image.UUID]
		if !ok || other.Name != image.Name {
			return false
		}
	}
	return true
}

func optionValueUUIDs(values []store.OptionValue) []string {
	uuids := make([]string, len(values))
	for i, value := range values {
		uuids[i] = value.UUID
	}
	return uuids
}
