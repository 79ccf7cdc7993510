// ABOUTME: Protocol-level domain events and an in-memory fan-out broadcaster
// ABOUTME: Delivers check-ins, dispatches, and responses to the shell and the ledger

// Package events carries protocol transitions from the watcher and
// dispatcher to whoever is listening.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Kind categorizes a domain event.
type Kind string

const (
	KindCheckedIn        Kind = "checked_in"
	KindCommandSent      Kind = "command_sent"
	KindCommandCompleted Kind = "command_completed"
	KindResponseMissing  Kind = "response_missing"
	KindParseError       Kind = "parse_error"
)

// Event is one protocol transition.
type Event struct {
	ID        string
	Kind      Kind
	Project   string
	Agent     string
	Text      string // command text, response body, or error detail
	Timestamp time.Time
}

// New stamps an event with a fresh id and the current time.
func New(kind Kind, project, agent, text string) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Kind:      kind,
		Project:   project,
		Agent:     agent,
		Text:      text,
		Timestamp: time.Now().UTC(),
	}
}

// AllProjects subscribes to every project.
const AllProjects = ""

// Broadcaster provides in-memory pub/sub for domain events. Subscribers
// register for one project or AllProjects.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *Event // project -> subID -> ch
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan *Event),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers for events of project. The subscription is removed
// and its channel closed when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, project string) (<-chan *Event, string) {
	subID := uuid.New().String()
	ch := make(chan *Event, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[project]; !ok {
		b.subscribers[project] = make(map[string]chan *Event)
	}
	b.subscribers[project][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "project", project, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(project, subID)
	}()

	return ch, subID
}

// Publish sends event to subscribers of its project and of AllProjects.
// Non-blocking: events are dropped for subscribers whose channels are full.
func (b *Broadcaster) Publish(event *Event) {
	// Sends happen under the read lock so Unsubscribe cannot close a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()

	keys := []string{event.Project}
	if event.Project != AllProjects {
		keys = append(keys, AllProjects)
	}
	for _, key := range keys {
		for _, ch := range b.subscribers[key] {
			select {
			case ch <- event:
			default:
				b.logger.Warn("dropped event for slow subscriber",
					"kind", event.Kind,
					"project", event.Project,
					"event_id", event.ID)
			}
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(project, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[project]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}
	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, project)
	}
}

// SubscriberCount returns the number of subscribers for project.
func (b *Broadcaster) SubscriberCount(project string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[project])
}
