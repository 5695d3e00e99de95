package attendance

import (
	"context"
	"time"

	"attendguard/internal/token"
)

// Store persists sessions, records and failed attempts. InsertRecord and
// AcceptAttempt must return replay.ErrDuplicate when the (session, person) pair
// already has a record.
type Store interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	// UpdateToken replaces the token state if the stored rotation count still
	// equals expectedRotation, else ErrConflict.
	UpdateToken(ctx context.Context, id string, expectedRotation int, st token.State) error
	// SetSessionState moves an active session to state; ErrInvalidState otherwise.
	SetSessionState(ctx context.Context, id string, state SessionState, at time.Time) error
	ListActiveSessions(ctx context.Context) ([]Session, error)
	// ExpireSessions flips active sessions that ended before now and returns their ids.
	ExpireSessions(ctx context.Context, now time.Time) ([]string, error)

	HasRecord(ctx context.Context, sessionID, personID string) (bool, error)
	InsertRecord(ctx context.Context, r *Record) error
	GetRecord(ctx context.Context, id string) (*Record, error)
	AppendRecordNote(ctx context.Context, id string, n Note) (*Record, error)
	// SessionDeviceUsers lists people with a record in the session made from hash.
	SessionDeviceUsers(ctx context.Context, sessionID, hash string) ([]string, error)
	// LatestRecord is the person's most recent record in any session.
	LatestRecord(ctx context.Context, personID string) (*Record, error)

	InsertFailedAttempt(ctx context.Context, a *FailedAttempt) error
	GetFailedAttempt(ctx context.Context, id string) (*FailedAttempt, error)
	ListFailedAttempts(ctx context.Context, sessionID string, status AttemptStatus) ([]FailedAttempt, error)
	// AcceptAttempt inserts r and resolves the pending attempt in one transaction.
	AcceptAttempt(ctx context.Context, attemptID string, r *Record, reviewerID, note string, at time.Time) error
	// RejectAttempt resolves a pending attempt as rejected.
	RejectAttempt(ctx context.Context, attemptID, reviewerID, reason string, at time.Time) error
}
