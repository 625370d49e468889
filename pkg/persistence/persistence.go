// Package persistence defines durable storage for measurement history.
package persistence

import (
	"errors"
	"time"
)

// ErrNotFound is returned when an item is not found.
var ErrNotFound = errors.New("item not found")

// Sample is one persisted measurement, flattened for storage so the
// store does not depend on the driver package.
type Sample struct {
	ID            string
	Timestamp     time.Time
	Voltage       float64
	Current       float64
	PowerActive   float64
	EnergyActive  float64
	Frequency     float64
	PowerFactor   float64
	EnergyDeltaWs float64
	Alarm         bool
}

// Store defines the interface for measurement persistence.
type Store interface {
	// Save persists one sample.
	Save(sample *Sample) error

	// Recent retrieves the newest samples, newest first.
	Recent(limit int) ([]*Sample, error)

	// Close closes the store.
	Close() error
}
