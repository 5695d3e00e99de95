package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Store persists audit events.
type Store interface {
	// Append is idempotent on Event.ID so redelivered messages are harmless.
	Append(ctx context.Context, e Event) error
	ListBySession(ctx context.Context, sessionID string) ([]Event, error)
	// Purge deletes events whose retention ended before the given time.
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// MemoryStore keeps events in process.
type MemoryStore struct {
	mu     sync.RWMutex
	events map[string]Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string]Event)}
}

func (s *MemoryStore) Append(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[e.ID]; !ok {
		s.events[e.ID] = e
	}
	return nil
}

func (s *MemoryStore) ListBySession(_ context.Context, sessionID string) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	for _, e := range s.events {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// All returns every stored event, oldest first.
func (s *MemoryStore) All() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Event, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *MemoryStore) Purge(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, e := range s.events {
		if e.ExpiresAt.Before(before) {
			delete(s.events, id)
			n++
		}
	}
	return n, nil
}

// PostgresStore writes to the audit_events table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, e Event) error {
	flags, err := json.Marshal(e.Flags)
	if err != nil {
		return fmt.Errorf("marshal flags: %w", err)
	}
	snapshot := e.Snapshot
	if len(snapshot) == 0 {
		snapshot = json.RawMessage(`{}`)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_events (
			id, event_type, session_id, person_id, actor_id, device_hash, outcome,
			code, message, flags, suspicion_score, snapshot, created_at, expires_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (id) DO NOTHING
	`, e.ID, string(e.Type), e.SessionID, e.PersonID, e.ActorID, e.DeviceHash, e.Outcome,
		e.Code, e.Message, flags, e.SuspicionScore, []byte(snapshot), e.CreatedAt, e.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListBySession(ctx context.Context, sessionID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, session_id, person_id, actor_id, device_hash, outcome,
		       code, message, flags, suspicion_score, snapshot, created_at, expires_at
		FROM audit_events
		WHERE session_id = $1
		ORDER BY created_at
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var typ string
		var flags, snapshot []byte
		if err := rows.Scan(&e.ID, &typ, &e.SessionID, &e.PersonID, &e.ActorID, &e.DeviceHash, &e.Outcome,
			&e.Code, &e.Message, &flags, &e.SuspicionScore, &snapshot, &e.CreatedAt, &e.ExpiresAt); err != nil {
			return nil, err
		}
		e.Type = Type(typ)
		if err := json.Unmarshal(flags, &e.Flags); err != nil {
			return nil, fmt.Errorf("decode flags: %w", err)
		}
		e.Snapshot = json.RawMessage(snapshot)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_events WHERE expires_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge audit events: %w", err)
	}
	return res.RowsAffected()
}
