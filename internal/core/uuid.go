package core

import "github.com/google/uuid"

// NewUUIDv7 returns a time-ordered UUID string.
func NewUUIDv7() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// IsValidUUID reports whether s parses as a UUID of any version.
func IsValidUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
