package attendance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"attendguard/internal/audit"
	"attendguard/internal/auth"
	"attendguard/internal/directory"
	"attendguard/internal/geo"
	"attendguard/internal/token"
)

const rotateAttempts = 3

// CreateSessionInput is the owner's request to open a session. Omitted fields fall
// back to the course registry and service defaults.
type CreateSessionInput struct {
	CourseID        string        `json:"course_id" binding:"required"`
	Geofence        *geo.Fence    `json:"geofence"`
	DurationMinutes int           `json:"duration_minutes" binding:"omitempty,gt=0"`
	SecurityLevel   SecurityLevel `json:"security_level"`
	LateThreshold   *int          `json:"late_threshold_minutes" binding:"omitempty,gte=0"`
	DeviceBinding   *bool         `json:"device_binding"`
	LocationBinding *bool         `json:"location_binding"`
	StartAt         *time.Time    `json:"start_at"`
	Audience        *Audience     `json:"audience"`
}

// CreateSession opens a session owned by actor and issues its first token.
func (s *Service) CreateSession(ctx context.Context, actor Actor, in CreateSessionInput) (*Session, error) {
	if actor.Role != auth.RoleFaculty && actor.Role != auth.RoleAdmin {
		return nil, ErrForbidden
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	course, err := s.courses.Course(ctx, in.CourseID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown course %q", ErrInvalidInput, in.CourseID)
		}
		return nil, fmt.Errorf("lookup course: %w", err)
	}

	now := s.now().UTC()
	sess := &Session{
		ID:              uuid.NewString(),
		SchemaVersion:   SchemaVersion,
		CourseID:        course.ID,
		OwnerID:         actor.PersonID,
		StartTime:       now,
		SecurityLevel:   LevelStandard,
		DeviceBinding:   true,
		LocationBinding: true,
		LateThreshold:   s.cfg.DefaultLate,
		State:           StateActive,
		IsActive:        true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if in.StartAt != nil {
		sess.StartTime = in.StartAt.UTC()
	}
	duration := s.cfg.DefaultDuration
	if in.DurationMinutes > 0 {
		duration = time.Duration(in.DurationMinutes) * time.Minute
	}
	if duration > s.cfg.MaxDuration {
		return nil, fmt.Errorf("%w: duration exceeds %s", ErrInvalidInput, s.cfg.MaxDuration)
	}
	sess.EndTime = sess.StartTime.Add(duration)
	if !sess.EndTime.After(now) {
		return nil, fmt.Errorf("%w: session would already be over", ErrInvalidInput)
	}

	if in.SecurityLevel != "" {
		if !in.SecurityLevel.Valid() {
			return nil, fmt.Errorf("%w: unknown security level %q", ErrInvalidInput, in.SecurityLevel)
		}
		sess.SecurityLevel = in.SecurityLevel
	}
	if in.LateThreshold != nil {
		sess.LateThreshold = *in.LateThreshold
	}
	if in.DeviceBinding != nil {
		sess.DeviceBinding = *in.DeviceBinding
	}
	if in.LocationBinding != nil {
		sess.LocationBinding = *in.LocationBinding
	}

	fence, err := fenceFor(course, in.Geofence)
	if err != nil && sess.LocationBinding {
		return nil, err
	}
	sess.Fence = fence

	sess.Audience = Audience{Year: course.Year, Batches: course.Batches, Elective: course.Elective}
	if course.Branch != "" {
		sess.Audience.Branches = []string{course.Branch}
	}
	if in.Audience != nil {
		sess.Audience = *in.Audience
	}

	st, err := s.tokens.Issue(sess.ID, token.State{})
	if err != nil {
		return nil, err
	}
	sess.Token = st

	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	s.audit.Emit(ctx, audit.Event{
		Type:      audit.TypeSessionCreated,
		SessionID: sess.ID,
		ActorID:   actor.PersonID,
		Outcome:   string(sess.SecurityLevel),
	})
	s.log.Info("session created", "session_id", sess.ID, "course_id", sess.CourseID, "owner_id", sess.OwnerID)
	return sess, nil
}

func fenceFor(course directory.Course, override *geo.Fence) (geo.Fence, error) {
	if override != nil {
		if override.Radius <= 0 {
			return geo.Fence{}, fmt.Errorf("%w: geofence radius must be positive", ErrInvalidInput)
		}
		return *override, nil
	}
	if course.Center == nil || course.Radius <= 0 {
		return geo.Fence{}, fmt.Errorf("%w: course %s has no default geofence", ErrInvalidInput, course.ID)
	}
	return geo.Fence{Center: *course.Center, Radius: course.Radius, RequiredAccuracy: course.RequiredAccuracy}, nil
}

// Session returns a session visible to its owner or an admin.
func (s *Service) Session(ctx context.Context, actor Actor, id string) (*Session, error) {
	return s.ownedSession(ctx, actor, id)
}

func (s *Service) ownedSession(ctx context.Context, actor Actor, id string) (*Session, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrSessionNotFound
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.Role != auth.RoleAdmin && sess.OwnerID != actor.PersonID {
		return nil, ErrForbidden
	}
	return sess, nil
}

// IssueToken returns the code to display, rotating it first when it is due.
func (s *Service) IssueToken(ctx context.Context, actor Actor, sessionID string) (token.Display, error) {
	sess, err := s.ownedSession(ctx, actor, sessionID)
	if err != nil {
		return token.Display{}, err
	}
	if !sess.IsActive {
		return token.Display{}, ErrInvalidState
	}
	sess, err = s.rotate(ctx, sess, false)
	if err != nil {
		return token.Display{}, err
	}
	return s.tokens.Display(sess.ID, sess.Token), nil
}

// RefreshToken forces a rotation.
func (s *Service) RefreshToken(ctx context.Context, actor Actor, sessionID string) (token.Display, error) {
	sess, err := s.ownedSession(ctx, actor, sessionID)
	if err != nil {
		return token.Display{}, err
	}
	if !sess.IsActive {
		return token.Display{}, ErrInvalidState
	}
	sess, err = s.rotate(ctx, sess, true)
	if err != nil {
		return token.Display{}, err
	}
	return s.tokens.Display(sess.ID, sess.Token), nil
}

// rotate issues the next token with an optimistic check on the rotation count. A
// lost race on a forced rotation still yields a fresh token, so the winner's is
// returned.
func (s *Service) rotate(ctx context.Context, sess *Session, force bool) (*Session, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	for range rotateAttempts {
		if !force && !s.tokens.Due(sess.Token) {
			return sess, nil
		}
		next, err := s.tokens.Issue(sess.ID, sess.Token)
		if err != nil {
			return nil, err
		}
		err = s.store.UpdateToken(ctx, sess.ID, sess.Token.RotationCount, next)
		if err == nil {
			sess.Token = next
			typ := audit.TypeSessionTokenRotated
			if force {
				typ = audit.TypeSessionTokenRefreshed
			}
			s.audit.Emit(ctx, audit.Event{Type: typ, SessionID: sess.ID, ActorID: sess.OwnerID})
			return sess, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, fmt.Errorf("rotate token: %w", err)
		}
		reloaded, err := s.store.GetSession(ctx, sess.ID)
		if err != nil {
			return nil, err
		}
		if force {
			return reloaded, nil
		}
		sess = reloaded
	}
	return nil, ErrConflict
}

// StopSession ends a session early.
func (s *Service) StopSession(ctx context.Context, actor Actor, sessionID string) error {
	return s.closeSession(ctx, actor, sessionID, StateStopped, audit.TypeSessionStopped)
}

// CancelSession ends a session that should not count.
func (s *Service) CancelSession(ctx context.Context, actor Actor, sessionID string) error {
	return s.closeSession(ctx, actor, sessionID, StateCancelled, audit.TypeSessionCancelled)
}

func (s *Service) closeSession(ctx context.Context, actor Actor, sessionID string, state SessionState, typ audit.Type) error {
	sess, err := s.ownedSession(ctx, actor, sessionID)
	if err != nil {
		return err
	}
	sctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	if err := s.store.SetSessionState(sctx, sess.ID, state, s.now().UTC()); err != nil {
		return err
	}
	s.audit.Emit(ctx, audit.Event{Type: typ, SessionID: sess.ID, ActorID: actor.PersonID})
	s.log.Info("session closed", "session_id", sess.ID, "state", state)
	return nil
}

// SweepResult counts what one sweep changed.
type SweepResult struct {
	Expired int
	Rotated int
}

// Sweep expires finished sessions and rotates due tokens on the rest.
func (s *Service) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	sctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	ids, err := s.store.ExpireSessions(sctx, s.now().UTC())
	if err != nil {
		return res, fmt.Errorf("expire sessions: %w", err)
	}
	for _, id := range ids {
		s.audit.Emit(ctx, audit.Event{Type: audit.TypeSessionExpired, SessionID: id})
	}
	res.Expired = len(ids)

	active, err := s.store.ListActiveSessions(sctx)
	if err != nil {
		return res, fmt.Errorf("list active sessions: %w", err)
	}
	for i := range active {
		sess := &active[i]
		if !s.tokens.Due(sess.Token) {
			continue
		}
		if _, err := s.rotate(ctx, sess, false); err != nil {
			s.log.Warn("sweep rotation failed", "session_id", sess.ID, "error", err)
			continue
		}
		res.Rotated++
	}
	return res, nil
}

// RunSweeper calls Sweep every interval until ctx ends.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			res, err := s.Sweep(ctx)
			if err != nil {
				s.log.Error("session sweep failed", "error", err)
				continue
			}
			if res.Expired > 0 || res.Rotated > 0 {
				s.log.Info("session sweep", "expired", res.Expired, "rotated", res.Rotated)
			}
		}
	}
}
