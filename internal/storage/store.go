package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// Store represents the root storage interface.
type Store interface {
	Close() error
	Counters() CounterStore
}

// CounterStore is a durable key-value store for counter records,
// addressed by a namespace and a logical key.
type CounterStore interface {
	// Load returns the record stored under namespace/key, or ErrNotFound.
	Load(ctx context.Context, namespace, key string) (*StatsRecord, error)
	// Save replaces the record stored under namespace/key.
	Save(ctx context.Context, namespace, key string, record StatsRecord) error
}
