package core

import "github.com/google/uuid"

// NewUUIDv7 returns a new time-ordered UUID string.
func NewUUIDv7() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// IsValidUUID reports whether s parses as any UUID.
func IsValidUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
