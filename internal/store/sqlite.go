// ABOUTME: SQLite implementation of the ledger Store using modernc.org/sqlite
// ABOUTME: Creates its schema on open and records events streamed from the broadcaster

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/2389/smbctl/internal/events"
)

// timestampLayout keeps nanoseconds at fixed width so text order is time order.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite ledger initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS events (
			event_id  TEXT PRIMARY KEY,
			kind      TEXT NOT NULL,
			project   TEXT NOT NULL,
			agent     TEXT NOT NULL,
			text      TEXT NOT NULL DEFAULT '',
			timestamp TEXT NOT NULL,

			CHECK (kind IN (
				'checked_in',
				'command_sent',
				'command_completed',
				'response_missing',
				'parse_error'
			))
		);

		CREATE INDEX IF NOT EXISTS idx_events_agent ON events(project, agent, timestamp);
		CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveEvent persists a ledger event
func (s *SQLiteStore) SaveEvent(ctx context.Context, event *events.Event) error {
	query := `
		INSERT INTO events (event_id, kind, project, agent, text, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		string(event.Kind),
		event.Project,
		event.Agent,
		event.Text,
		event.Timestamp.UTC().Format(timestampLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}

	s.logger.Debug("saved ledger event",
		"event_id", event.ID,
		"kind", event.Kind,
		"project", event.Project,
		"agent", event.Agent,
	)
	return nil
}

// GetEvent retrieves a single event by ID
func (s *SQLiteStore) GetEvent(ctx context.Context, id string) (*events.Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT event_id, kind, project, agent, text, timestamp
		FROM events
		WHERE event_id = ?
	`, id)

	event, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying event: %w", err)
	}
	return event, nil
}

// ListEvents returns matching events, newest first
func (s *SQLiteStore) ListEvents(ctx context.Context, filter EventFilter) ([]*events.Event, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	var (
		where []string
		args  []any
	)
	if filter.Project != "" {
		where = append(where, "project = ?")
		args = append(args, filter.Project)
	}
	if filter.Agent != "" {
		where = append(where, "agent = ?")
		args = append(args, filter.Agent)
	}
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(filter.Kind))
	}

	query := `SELECT event_id, kind, project, agent, text, timestamp FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var out []*events.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		out = append(out, event)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(sc scanner) (*events.Event, error) {
	var (
		event events.Event
		kind  string
		ts    string
	)
	if err := sc.Scan(&event.ID, &kind, &event.Project, &event.Agent, &event.Text, &ts); err != nil {
		return nil, err
	}
	event.Kind = events.Kind(kind)
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("parsing timestamp: %w", err)
	}
	event.Timestamp = t
	return &event, nil
}

// Record saves every event from sub until the channel closes or ctx ends.
// Failed inserts are logged and skipped.
func (s *SQLiteStore) Record(ctx context.Context, sub <-chan *events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub:
			if !ok {
				return
			}
			if err := s.SaveEvent(ctx, event); err != nil {
				s.logger.Warn("ledger write failed", "event_id", event.ID, "error", err)
			}
		}
	}
}
