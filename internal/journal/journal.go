// Package journal records session lifecycle events for audit. Events are
// advisory: a journal failure is logged and never blocks the session layer.
package journal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// EventType classifies a session lifecycle event.
type EventType string

const (
	EventLogon      EventType = "LOGON"
	EventLogout     EventType = "LOGOUT"
	EventDisconnect EventType = "DISCONNECT"
	EventReject     EventType = "REJECT"
	EventResend     EventType = "RESEND"
)

// Event is one journaled occurrence on a session.
type Event struct {
	ID           uuid.UUID
	SessionKey   string
	ConnectionID int64
	Type         EventType
	Detail       string
	OccurredAt   time.Time
}

// Journal sinks session events.
type Journal interface {
	Record(ctx context.Context, event Event) error
	Close()
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS session_events (
	id UUID PRIMARY KEY,
	session_key TEXT NOT NULL,
	connection_id BIGINT NOT NULL,
	event_type TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	occurred_at TIMESTAMPTZ NOT NULL
)`

const insertEventSQL = `
INSERT INTO session_events (id, session_key, connection_id, event_type, detail, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6)`

// PostgresJournal writes events to the session_events table.
type PostgresJournal struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

// NewPostgresJournal connects to the database and ensures the events table
// exists.
func NewPostgresJournal(ctx context.Context, dsn string, log *zap.Logger) (*PostgresJournal, error) {
	if log == nil {
		log = zap.NewNop()
	}
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing journal dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting journal pool: %w", err)
	}
	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating session_events table: %w", err)
	}
	return &PostgresJournal{pool: pool, log: log}, nil
}

// Record inserts one event, filling in the id and timestamp when unset.
func (j *PostgresJournal) Record(ctx context.Context, event Event) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	_, err := j.pool.Exec(ctx, insertEventSQL,
		event.ID, event.SessionKey, event.ConnectionID, string(event.Type), event.Detail, event.OccurredAt)
	if err != nil {
		j.log.Warn("journal insert failed",
			zap.String("session_key", event.SessionKey),
			zap.String("event_type", string(event.Type)),
			zap.Error(err))
		return fmt.Errorf("inserting session event: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (j *PostgresJournal) Close() {
	j.pool.Close()
}

// Nop discards every event, used when no journal database is configured.
type Nop struct{}

// Record discards the event.
func (Nop) Record(ctx context.Context, event Event) error { return nil }

// Close does nothing.
func (Nop) Close() {}

// Memory collects events in process, used by tests and single-node runs that
// want the recent event history without a database.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

// NewMemory builds an empty in-process journal.
func NewMemory() *Memory {
	return &Memory{}
}

// Record appends the event, filling in the id and timestamp when unset.
func (m *Memory) Record(ctx context.Context, event Event) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

// Close does nothing.
func (m *Memory) Close() {}

// Events returns a copy of everything recorded so far.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}
