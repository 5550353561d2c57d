package domain

import "github.com/google/uuid"

// NewUUID returns a random UUID string for entity IDs.
func NewUUID() string {
	return uuid.NewString()
}
