package util

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewUUID allocates a logical document identifier.
func NewUUID() string {
	return uuid.NewString()
}

// ValidUUID reports whether value parses as a canonical UUID.
func ValidUUID(value string) bool {
	if len(value) != 36 {
		return false
	}
	_, err := uuid.Parse(value)
	return err == nil
}

// NewVersionID allocates a snapshot identifier. The id is taken when a draft
// row is first saved and kept when that row is persisted, so it orders by
// draft creation, not by persist date.
func NewVersionID() string {
	return ulid.Make().String()
}

func NewRequestID() string {
	bytes := make([]byte, 8)
	_, _ = rand.Read(bytes)
	return hex.EncodeToString(bytes)
}
