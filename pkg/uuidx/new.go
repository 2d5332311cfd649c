package uuidx

import "github.com/google/uuid"

// New generates a new UUID using the version 7 format and returns it.
// It panics if the UUID generation fails.
func New() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewString generates a new UUID using the version 7 format and returns it as a string.
func NewString() string {
	return New().String()
}

// NewName returns a version 7 UUID prefixed with prefix, used for broker-assigned
// queue names and consumer tags.
func NewName(prefix string) string {
	if prefix == "" {
		return NewString()
	}
	return prefix + NewString()
}
