package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("store: record not found")

// Store persists trade records.
type Store interface {
	// Create inserts a new record. ID, Status and timestamps are filled in
	// when empty.
	Create(ctx context.Context, rec *TradeRecord) error

	// Update applies a lifecycle event to a record and returns the result.
	Update(ctx context.Context, id string, u Update) (*TradeRecord, error)

	// Get returns a record by ID.
	Get(ctx context.Context, id string) (*TradeRecord, error)

	// QueryTradesByUser returns a user's records, newest first. limit <= 0
	// means no limit.
	QueryTradesByUser(ctx context.Context, userID string, limit int) ([]TradeRecord, error)

	// ListStale returns preparing records created before now-olderThan.
	ListStale(ctx context.Context, olderThan time.Duration) ([]TradeRecord, error)

	// ConfirmedHistory returns confirmed records oldest first. An empty
	// userID returns every user's history.
	ConfirmedHistory(ctx context.Context, userID string) ([]TradeRecord, error)

	Close() error
}

// Open creates a store for driver: "sqlite", "postgres" or "memory".
func Open(driver, dsn, logLevel string) (Store, error) {
	switch driver {
	case "memory", "":
		return NewMemory(), nil
	case "sqlite", "postgres", "postgresql":
		return OpenGorm(driver, dsn, logLevel)
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", driver)
	}
}
