package bus

import "github.com/google/uuid"

// IDGenerator produces correlation ids.
type IDGenerator interface {
	Generate() string
}

// UUIDGenerator generates UUIDv7 correlation ids.
//
// UUIDv7 is time-sortable, so ids issued later compare greater.
type UUIDGenerator struct{}

// Generate returns a new UUIDv7 string.
func (UUIDGenerator) Generate() string {
	return NewCorrelationID()
}

// NewCorrelationID returns a fresh UUIDv7 string.
//
// Panics only if the system's entropy source fails.
func NewCorrelationID() string {
	return uuid.Must(uuid.NewV7()).String()
}
