// ABOUTME: Store interface and query types for the protocol event ledger
// ABOUTME: Implemented by SQLiteStore

package store

import (
	"context"
	"errors"

	"github.com/2389/smbctl/internal/events"
)

// ErrEventNotFound is returned when a requested event does not exist
var ErrEventNotFound = errors.New("event not found")

// EventFilter narrows ListEvents. Empty fields match everything.
type EventFilter struct {
	Project string
	Agent   string
	Kind    events.Kind
	Limit   int // 1-500, defaults to 50
}

// Store is the ledger persistence interface.
type Store interface {
	SaveEvent(ctx context.Context, event *events.Event) error
	GetEvent(ctx context.Context, id string) (*events.Event, error)
	ListEvents(ctx context.Context, filter EventFilter) ([]*events.Event, error)
	Close() error
}
