// Package deadletter parks routed deliveries that failed every attempt so
// that an operator can inspect and replay them.
package deadletter

import (
	"errors"
	"time"

	"github.com/randalmurphal/eventflow/pkg/eventflow/event"
)

// Store holds failed deliveries.
// Implementations must be safe for concurrent use.
type Store interface {
	// Put parks an entry. An empty ID is replaced with a generated one.
	Put(entry Entry) (string, error)

	// List returns up to limit entries, oldest first. limit <= 0 means all.
	List(limit int) ([]Entry, error)

	// Delete removes an entry. Returns nil if the entry doesn't exist.
	Delete(id string) error

	// Count returns the number of parked entries.
	Count() (int, error)

	// Close releases any resources (connections, files).
	Close() error
}

// Entry is one failed delivery.
type Entry struct {
	ID       string
	RouteID  string
	Target   string
	Event    event.Event
	Attempts int
	Error    string
	FailedAt time.Time
}

// ErrStoreClosed indicates the store has been closed.
var ErrStoreClosed = errors.New("dead-letter store closed")

func prepare(entry Entry) Entry {
	if entry.ID == "" {
		entry.ID = event.NewID()
	}
	if entry.FailedAt.IsZero() {
		entry.FailedAt = time.Now().UTC()
	}
	return entry
}
