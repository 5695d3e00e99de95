package device

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and single-node development.
type MemoryStore struct {
	mu   sync.RWMutex
	regs map[string]*Registration
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{regs: make(map[string]*Registration)}
}

func memKey(personID, hash string) string { return personID + "\x00" + hash }

func (s *MemoryStore) Get(_ context.Context, personID, hash string) (*Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reg, ok := s.regs[memKey(personID, hash)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *reg
	return &cp, nil
}

func (s *MemoryStore) Create(_ context.Context, reg *Registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := memKey(reg.PersonID, reg.DeviceHash)
	if _, ok := s.regs[k]; ok {
		return ErrDuplicate
	}
	cp := *reg
	s.regs[k] = &cp
	return nil
}

func (s *MemoryStore) Touch(_ context.Context, personID, hash string, at time.Time) (*Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.regs[memKey(personID, hash)]
	if !ok {
		return nil, ErrNotFound
	}
	reg.UsageCount++
	reg.LastSeen = at
	cp := *reg
	return &cp, nil
}

func (s *MemoryStore) CountActive(_ context.Context, personID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, reg := range s.regs {
		if reg.PersonID == personID && reg.Status == StatusActive {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) AdjustTrust(_ context.Context, personID, hash string, delta, blockAt int, reason string) (*Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.regs[memKey(personID, hash)]
	if !ok {
		return nil, ErrNotFound
	}
	reg.TrustScore = clampTrust(reg.TrustScore + delta)
	if reg.Status == StatusActive && reg.TrustScore <= blockAt {
		reg.Status = StatusBlocked
		reg.StatusReason = reason
	}
	cp := *reg
	return &cp, nil
}

func (s *MemoryStore) SetState(_ context.Context, personID, hash string, trust int, status Status, reason string) (*Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.regs[memKey(personID, hash)]
	if !ok {
		return nil, ErrNotFound
	}
	reg.TrustScore = clampTrust(trust)
	reg.Status = status
	reg.StatusReason = reason
	cp := *reg
	return &cp, nil
}

func (s *MemoryStore) ListByHash(_ context.Context, hash string) ([]Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Registration
	for _, reg := range s.regs {
		if reg.DeviceHash == hash {
			out = append(out, *reg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FirstSeen.Before(out[j].FirstSeen) })
	return out, nil
}
