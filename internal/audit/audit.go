// Package audit records every attendance attempt and security-relevant action.
// Events are handed to a queue and persisted by a background worker, so audit
// trouble never reaches the request path.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"attendguard/internal/queue"
)

// MessageType tags audit messages on the shared queue.
const MessageType = "audit"

// Type names what happened.
type Type string

const (
	TypeAttendanceAccepted    Type = "attendance.accepted"
	TypeAttendanceRejected    Type = "attendance.rejected"
	TypeThrottleBlocked       Type = "throttle.blocked"
	TypeDeviceRegistered      Type = "device.registered"
	TypeDeviceLimitExceeded   Type = "device.limit_exceeded"
	TypeDeviceTrustLowered    Type = "device.trust_lowered"
	TypeSessionCreated        Type = "session.created"
	TypeSessionTokenRotated   Type = "session.token_rotated"
	TypeSessionTokenRefreshed Type = "session.token_refreshed"
	TypeSessionStopped        Type = "session.stopped"
	TypeSessionCancelled      Type = "session.cancelled"
	TypeSessionExpired        Type = "session.expired"
	TypeFailedAttemptQueued   Type = "failed_attempt.queued"
	TypeFailedAttemptAccepted Type = "failed_attempt.accepted"
	TypeFailedAttemptRejected Type = "failed_attempt.rejected"
	TypeRecordNoteAdded       Type = "record.note_added"
)

// Event is one append-only audit entry.
type Event struct {
	ID             string          `json:"id"`
	Type           Type            `json:"type"`
	SessionID      string          `json:"session_id,omitempty"`
	PersonID       string          `json:"person_id,omitempty"`
	ActorID        string          `json:"actor_id,omitempty"`
	DeviceHash     string          `json:"device_hash,omitempty"`
	Outcome        string          `json:"outcome,omitempty"`
	Code           string          `json:"code,omitempty"`
	Message        string          `json:"message,omitempty"`
	Flags          []string        `json:"flags,omitempty"`
	SuspicionScore int             `json:"suspicion_score,omitempty"`
	Snapshot       json.RawMessage `json:"snapshot,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	ExpiresAt      time.Time       `json:"expires_at"`
}

// Emitter is what domain code depends on.
type Emitter interface {
	Emit(ctx context.Context, e Event)
}

// Observer counts audit outcomes.
type Observer interface {
	AuditEnqueued()
	AuditDropped()
}

type nopObserver struct{}

func (nopObserver) AuditEnqueued() {}
func (nopObserver) AuditDropped()  {}

// Logger publishes events to a queue. It never blocks the caller for longer
// than the publish timeout and never returns an error.
type Logger struct {
	q         queue.Queue
	retention time.Duration
	timeout   time.Duration
	obs       Observer
	log       *slog.Logger
	now       func() time.Time
}

// LoggerConfig tunes the publisher.
type LoggerConfig struct {
	Retention      time.Duration
	PublishTimeout time.Duration
}

// NewLogger creates a publisher.
func NewLogger(q queue.Queue, cfg LoggerConfig, obs Observer, logger *slog.Logger) *Logger {
	if cfg.Retention <= 0 {
		cfg.Retention = 90 * 24 * time.Hour
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 100 * time.Millisecond
	}
	if obs == nil {
		obs = nopObserver{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{
		q:         q,
		retention: cfg.Retention,
		timeout:   cfg.PublishTimeout,
		obs:       obs,
		log:       logger,
		now:       time.Now,
	}
}

// Emit stamps and enqueues the event.
func (l *Logger) Emit(ctx context.Context, e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.now().UTC()
	}
	if e.ExpiresAt.IsZero() {
		e.ExpiresAt = e.CreatedAt.Add(l.retention)
	}

	body, err := json.Marshal(e)
	if err != nil {
		l.drop(e, err)
		return
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
	defer cancel()
	if err := l.q.Publish(pctx, queue.Message{Type: MessageType, Body: body}); err != nil {
		l.drop(e, err)
		return
	}
	l.obs.AuditEnqueued()
}

func (l *Logger) drop(e Event, err error) {
	l.obs.AuditDropped()
	l.log.Warn("audit event dropped", "type", e.Type, "session_id", e.SessionID, "person_id", e.PersonID, "error", err)
}

// Discard is an Emitter that does nothing.
type Discard struct{}

func (Discard) Emit(context.Context, Event) {}
