package attendance

import (
	"context"
	"sort"
	"sync"
	"time"

	"attendguard/internal/replay"
	"attendguard/internal/token"
)

type pairKey struct{ session, person string }

// MemoryStore is an in-process Store for tests and single-node development. The
// pair index plays the role of the UNIQUE constraint.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
	records  map[string]Record
	byPair   map[pairKey]string
	attempts map[string]FailedAttempt
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]Session),
		records:  make(map[string]Record),
		byPair:   make(map[pairKey]string),
		attempts: make(map[string]FailedAttempt),
	}
}

func (m *MemoryStore) CreateSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = *s
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return &s, nil
}

func (m *MemoryStore) UpdateToken(_ context.Context, id string, expectedRotation int, st token.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if s.Token.RotationCount != expectedRotation {
		return ErrConflict
	}
	s.Token = st
	s.UpdatedAt = st.IssuedAt
	m.sessions[id] = s
	return nil
}

func (m *MemoryStore) SetSessionState(_ context.Context, id string, state SessionState, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if !s.IsActive {
		return ErrInvalidState
	}
	s.State = state
	s.IsActive = state == StateActive
	s.UpdatedAt = at
	m.sessions[id] = s
	return nil
}

func (m *MemoryStore) ListActiveSessions(_ context.Context) ([]Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Session
	for _, s := range m.sessions {
		if s.IsActive {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (m *MemoryStore) ExpireSessions(_ context.Context, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, s := range m.sessions {
		if s.IsActive && now.After(s.EndTime) {
			s.IsActive = false
			s.State = StateExpired
			s.UpdatedAt = now
			m.sessions[id] = s
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) HasRecord(_ context.Context, sessionID, personID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byPair[pairKey{sessionID, personID}]
	return ok, nil
}

func (m *MemoryStore) insertLocked(r *Record) error {
	k := pairKey{r.SessionID, r.PersonID}
	if _, ok := m.byPair[k]; ok {
		return replay.ErrDuplicate
	}
	m.byPair[k] = r.ID
	m.records[r.ID] = cloneRecord(*r)
	return nil
}

func (m *MemoryStore) InsertRecord(_ context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(r)
}

func (m *MemoryStore) GetRecord(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	r = cloneRecord(r)
	return &r, nil
}

func (m *MemoryStore) AppendRecordNote(_ context.Context, id string, n Note) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	r = cloneRecord(r)
	r.Notes = append(r.Notes, n)
	m.records[id] = r
	out := cloneRecord(r)
	return &out, nil
}

func (m *MemoryStore) SessionDeviceUsers(_ context.Context, sessionID, hash string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for _, r := range m.records {
		if r.SessionID == sessionID && r.DeviceHash == hash && hash != "" {
			out = append(out, r.PersonID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) LatestRecord(_ context.Context, personID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *Record
	for _, r := range m.records {
		if r.PersonID != personID {
			continue
		}
		if latest == nil || r.MarkedAt.After(latest.MarkedAt) {
			c := cloneRecord(r)
			latest = &c
		}
	}
	if latest == nil {
		return nil, ErrRecordNotFound
	}
	return latest, nil
}

func (m *MemoryStore) InsertFailedAttempt(_ context.Context, a *FailedAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[a.ID] = *a
	return nil
}

func (m *MemoryStore) GetFailedAttempt(_ context.Context, id string) (*FailedAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.attempts[id]
	if !ok {
		return nil, ErrAttemptNotFound
	}
	return &a, nil
}

func (m *MemoryStore) ListFailedAttempts(_ context.Context, sessionID string, status AttemptStatus) ([]FailedAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []FailedAttempt
	for _, a := range m.attempts {
		if a.SessionID != sessionID {
			continue
		}
		if status != "" && a.Status != status {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AttemptedAt.Before(out[j].AttemptedAt) })
	return out, nil
}

func (m *MemoryStore) AcceptAttempt(_ context.Context, attemptID string, r *Record, reviewerID, note string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[attemptID]
	if !ok {
		return ErrAttemptNotFound
	}
	if a.Status != AttemptPending {
		return ErrInvalidState
	}
	if err := m.insertLocked(r); err != nil {
		return err
	}
	a.Status = AttemptAccepted
	a.ReviewerID = reviewerID
	a.ReviewNote = note
	a.ResolvedAt = &at
	a.RecordID = r.ID
	m.attempts[attemptID] = a
	return nil
}

func (m *MemoryStore) RejectAttempt(_ context.Context, attemptID, reviewerID, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[attemptID]
	if !ok {
		return ErrAttemptNotFound
	}
	if a.Status != AttemptPending {
		return ErrInvalidState
	}
	a.Status = AttemptRejected
	a.ReviewerID = reviewerID
	a.ReviewNote = reason
	a.ResolvedAt = &at
	m.attempts[attemptID] = a
	return nil
}

func cloneRecord(r Record) Record {
	r.Flags = append([]Flag(nil), r.Flags...)
	r.Notes = append([]Note(nil), r.Notes...)
	return r
}
