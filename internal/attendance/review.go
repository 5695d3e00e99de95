package attendance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"attendguard/internal/audit"
	"attendguard/internal/auth"
	"attendguard/internal/device"
	"attendguard/internal/replay"
)

const (
	maxBulk     = 100
	maxNoteSize = 1000
)

// noteTooLong measures in characters so non-Latin notes get the same budget.
func noteTooLong(s string) bool { return utf8.RuneCountInString(s) > maxNoteSize }

// BulkFailure is one item a bulk operation could not resolve.
type BulkFailure struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// BulkResult reports per-item outcomes of a bulk review.
type BulkResult struct {
	Succeeded []string      `json:"succeeded"`
	Failed    []BulkFailure `json:"failed,omitempty"`
}

// canReview allows reviewers, admins and the session owner.
func canReview(actor Actor, sess *Session) bool {
	switch actor.Role {
	case auth.RoleReviewer, auth.RoleAdmin:
		return true
	case auth.RoleFaculty:
		return sess.OwnerID == actor.PersonID
	}
	return false
}

func (s *Service) reviewSession(ctx context.Context, actor Actor, sessionID string) (*Session, error) {
	if _, err := uuid.Parse(sessionID); err != nil {
		return nil, ErrSessionNotFound
	}
	sctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	sess, err := s.store.GetSession(sctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !canReview(actor, sess) {
		return nil, ErrForbidden
	}
	return sess, nil
}

// ListFailedAttempts lists a session's failed attempts, optionally by status.
func (s *Service) ListFailedAttempts(ctx context.Context, actor Actor, sessionID string, status AttemptStatus) ([]FailedAttempt, error) {
	switch status {
	case "", AttemptPending, AttemptAccepted, AttemptRejected:
	default:
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}
	if _, err := s.reviewSession(ctx, actor, sessionID); err != nil {
		return nil, err
	}
	sctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	return s.store.ListFailedAttempts(sctx, sessionID, status)
}

func (s *Service) pendingAttempt(ctx context.Context, actor Actor, attemptID string) (*FailedAttempt, *Session, error) {
	if _, err := uuid.Parse(attemptID); err != nil {
		return nil, nil, ErrAttemptNotFound
	}
	sctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	a, err := s.store.GetFailedAttempt(sctx, attemptID)
	if err != nil {
		return nil, nil, err
	}
	sess, err := s.reviewSession(ctx, actor, a.SessionID)
	if err != nil {
		return nil, nil, err
	}
	if a.Status != AttemptPending {
		return nil, nil, ErrInvalidState
	}
	return a, sess, nil
}

// AcceptFailedAttempt turns a pending attempt into a record marked by the reviewer.
// The record goes through the replay guard, so a person who has since marked
// successfully gets ErrAlreadyMarked.
func (s *Service) AcceptFailedAttempt(ctx context.Context, actor Actor, attemptID, note string) (*Record, error) {
	a, sess, err := s.pendingAttempt(ctx, actor, attemptID)
	if err != nil {
		return nil, err
	}
	note = strings.TrimSpace(note)
	if noteTooLong(note) {
		return nil, fmt.Errorf("%w: note too long", ErrInvalidInput)
	}

	now := s.now().UTC()
	rec := &Record{
		ID:                uuid.NewString(),
		SessionID:         a.SessionID,
		PersonID:          a.PersonID,
		Status:            StatusPresent,
		MarkedAt:          now,
		MinutesAfterStart: a.MinutesAfterStart,
		Location:          a.Location,
		Flags:             []Flag{},
		MarkedBy:          MarkedByReviewer,
	}
	if a.MinutesAfterStart > sess.LateThreshold {
		rec.Status = StatusLate
	}
	if a.Device != nil && device.ValidHash(a.Device.Fingerprint) {
		rec.DeviceHash = a.Device.Fingerprint
	}
	if note != "" {
		rec.Notes = []Note{{AuthorID: actor.PersonID, Text: note, At: now}}
	}

	var writeErr error
	key := replay.Key{SessionID: a.SessionID, PersonID: a.PersonID}
	err = s.guard.Commit(ctx, key, func(wctx context.Context) error {
		writeErr = s.store.AcceptAttempt(wctx, a.ID, rec, actor.PersonID, note, now)
		return writeErr
	})
	switch {
	case err == nil:
	case errors.Is(writeErr, ErrInvalidState), errors.Is(writeErr, ErrAttemptNotFound):
		return nil, writeErr
	default:
		return nil, err
	}

	s.audit.Emit(ctx, audit.Event{
		Type:      audit.TypeFailedAttemptAccepted,
		SessionID: a.SessionID,
		PersonID:  a.PersonID,
		ActorID:   actor.PersonID,
		Outcome:   string(rec.Status),
		Code:      string(a.Code),
		Message:   note,
	})
	s.log.Info("failed attempt accepted", "attempt_id", a.ID, "reviewer_id", actor.PersonID, "status", rec.Status)
	return rec, nil
}

// RejectFailedAttempt closes a pending attempt without creating a record.
func (s *Service) RejectFailedAttempt(ctx context.Context, actor Actor, attemptID, reason string) error {
	a, _, err := s.pendingAttempt(ctx, actor, attemptID)
	if err != nil {
		return err
	}
	reason = strings.TrimSpace(reason)
	if noteTooLong(reason) {
		return fmt.Errorf("%w: reason too long", ErrInvalidInput)
	}
	sctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	if err := s.store.RejectAttempt(sctx, a.ID, actor.PersonID, reason, s.now().UTC()); err != nil {
		return err
	}
	s.audit.Emit(ctx, audit.Event{
		Type:      audit.TypeFailedAttemptRejected,
		SessionID: a.SessionID,
		PersonID:  a.PersonID,
		ActorID:   actor.PersonID,
		Code:      string(a.Code),
		Message:   reason,
	})
	return nil
}

// BulkAccept accepts each attempt independently.
func (s *Service) BulkAccept(ctx context.Context, actor Actor, ids []string, note string) (BulkResult, error) {
	return s.bulk(ctx, ids, func(id string) error {
		_, err := s.AcceptFailedAttempt(ctx, actor, id, note)
		return err
	})
}

// BulkReject rejects each attempt independently.
func (s *Service) BulkReject(ctx context.Context, actor Actor, ids []string, reason string) (BulkResult, error) {
	return s.bulk(ctx, ids, func(id string) error {
		return s.RejectFailedAttempt(ctx, actor, id, reason)
	})
}

func (s *Service) bulk(ctx context.Context, ids []string, fn func(id string) error) (BulkResult, error) {
	res := BulkResult{Succeeded: []string{}}
	if len(ids) == 0 || len(ids) > maxBulk {
		return res, fmt.Errorf("%w: between 1 and %d ids required", ErrInvalidInput, maxBulk)
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := fn(id); err != nil {
			res.Failed = append(res.Failed, BulkFailure{ID: id, Error: err.Error()})
			continue
		}
		res.Succeeded = append(res.Succeeded, id)
	}
	return res, nil
}

// AddRecordNote appends a reviewer note to a record.
func (s *Service) AddRecordNote(ctx context.Context, actor Actor, recordID, text string) (*Record, error) {
	text = strings.TrimSpace(text)
	if text == "" || noteTooLong(text) {
		return nil, fmt.Errorf("%w: note must be 1-%d characters", ErrInvalidInput, maxNoteSize)
	}
	if _, err := uuid.Parse(recordID); err != nil {
		return nil, ErrRecordNotFound
	}
	sctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	rec, err := s.store.GetRecord(sctx, recordID)
	if err != nil {
		return nil, err
	}
	if _, err := s.reviewSession(ctx, actor, rec.SessionID); err != nil {
		return nil, err
	}
	rec, err = s.store.AppendRecordNote(sctx, recordID, Note{AuthorID: actor.PersonID, Text: text, At: s.now().UTC()})
	if err != nil {
		return nil, err
	}
	s.audit.Emit(ctx, audit.Event{Type: audit.TypeRecordNoteAdded, SessionID: rec.SessionID, PersonID: rec.PersonID, ActorID: actor.PersonID})
	return rec, nil
}
