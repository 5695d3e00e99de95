// Package device tracks which devices each person uses and how far they can be
// trusted. Trust only ever goes down, except through an administrative reset.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound  = errors.New("device registration not found")
	ErrDuplicate = errors.New("device registration already exists")
)

// Status of a registration.
type Status string

const (
	StatusActive  Status = "active"
	StatusBlocked Status = "blocked"
	StatusRevoked Status = "revoked"
)

const (
	MaxTrust = 100
	MinTrust = 0

	ReasonDeviceLimit = "DEVICE_LIMIT"
)

var hashPattern = regexp.MustCompile(`^[0-9a-fA-F]{32,128}$`)

// ValidHash reports whether a fingerprint hash has the expected shape.
func ValidHash(h string) bool { return hashPattern.MatchString(h) }

// Metadata describes the device as reported by the client.
type Metadata struct {
	Type      string `json:"type,omitempty"`
	Platform  string `json:"platform,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// Registration binds a device hash to a person.
type Registration struct {
	ID           string    `json:"id"`
	PersonID     string    `json:"person_id"`
	DeviceHash   string    `json:"device_hash"`
	Metadata     Metadata  `json:"metadata"`
	TrustScore   int       `json:"trust_score"`
	Status       Status    `json:"status"`
	StatusReason string    `json:"status_reason,omitempty"`
	UsageCount   int       `json:"usage_count"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
}

// Store persists registrations. AdjustTrust must apply the delta atomically.
type Store interface {
	Get(ctx context.Context, personID, hash string) (*Registration, error)
	Create(ctx context.Context, reg *Registration) error
	Touch(ctx context.Context, personID, hash string, at time.Time) (*Registration, error)
	CountActive(ctx context.Context, personID string) (int, error)
	AdjustTrust(ctx context.Context, personID, hash string, delta, blockAt int, reason string) (*Registration, error)
	SetState(ctx context.Context, personID, hash string, trust int, status Status, reason string) (*Registration, error)
	ListByHash(ctx context.Context, hash string) ([]Registration, error)
}

// RegisterResult is the outcome of Register.
type RegisterResult struct {
	Success      bool          `json:"success"`
	IsNew        bool          `json:"is_new"`
	Reason       string        `json:"reason,omitempty"`
	Registration *Registration `json:"registration,omitempty"`
}

// Assessment is a read-only view of a device before anything is written.
type Assessment struct {
	Existing    *Registration
	ActiveCount int
	AtLimit     bool
	OtherUsers  []string
}

// Registry is the only writer of device trust.
type Registry struct {
	store   Store
	cap     int
	blockAt int
	now     func() time.Time
	log     *slog.Logger
}

// Config tunes the registry.
type Config struct {
	MaxActiveDevices int
	BlockThreshold   int
}

// NewRegistry creates a registry.
func NewRegistry(store Store, cfg Config, logger *slog.Logger) *Registry {
	if cfg.MaxActiveDevices <= 0 {
		cfg.MaxActiveDevices = 3
	}
	if cfg.BlockThreshold <= 0 {
		cfg.BlockThreshold = 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:   store,
		cap:     cfg.MaxActiveDevices,
		blockAt: cfg.BlockThreshold,
		now:     time.Now,
		log:     logger,
	}
}

// Inspect gathers everything the pipeline needs to judge a device without
// mutating anything.
func (r *Registry) Inspect(ctx context.Context, personID, hash string) (Assessment, error) {
	var a Assessment

	reg, err := r.store.Get(ctx, personID, hash)
	switch {
	case err == nil:
		a.Existing = reg
	case !errors.Is(err, ErrNotFound):
		return a, fmt.Errorf("lookup device: %w", err)
	}

	count, err := r.store.CountActive(ctx, personID)
	if err != nil {
		return a, fmt.Errorf("count devices: %w", err)
	}
	a.ActiveCount = count
	a.AtLimit = a.Existing == nil && count >= r.cap

	users, err := r.GetUsers(ctx, hash)
	if err != nil {
		return a, err
	}
	for _, u := range users {
		if u != personID {
			a.OtherUsers = append(a.OtherUsers, u)
		}
	}
	return a, nil
}

// Register records that personID used the device. A person at the device cap gets
// Success=false with ReasonDeviceLimit; callers treat that as a flag.
func (r *Registry) Register(ctx context.Context, personID, hash string, meta Metadata) (RegisterResult, error) {
	now := r.now().UTC()

	reg, err := r.store.Touch(ctx, personID, hash, now)
	if err == nil {
		return RegisterResult{Success: true, Registration: reg}, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return RegisterResult{}, fmt.Errorf("touch device: %w", err)
	}

	count, err := r.store.CountActive(ctx, personID)
	if err != nil {
		return RegisterResult{}, fmt.Errorf("count devices: %w", err)
	}
	if count >= r.cap {
		r.log.Warn("device limit reached", "person_id", personID, "active", count, "cap", r.cap)
		return RegisterResult{Success: false, Reason: ReasonDeviceLimit}, nil
	}

	reg = &Registration{
		ID:         uuid.NewString(),
		PersonID:   personID,
		DeviceHash: hash,
		Metadata:   meta,
		TrustScore: MaxTrust,
		Status:     StatusActive,
		UsageCount: 1,
		FirstSeen:  now,
		LastSeen:   now,
	}
	if err := r.store.Create(ctx, reg); err != nil {
		if errors.Is(err, ErrDuplicate) {
			// lost a race with a concurrent first use
			reg, err = r.store.Touch(ctx, personID, hash, now)
			if err != nil {
				return RegisterResult{}, fmt.Errorf("touch device: %w", err)
			}
			return RegisterResult{Success: true, Registration: reg}, nil
		}
		return RegisterResult{}, fmt.Errorf("create device: %w", err)
	}
	return RegisterResult{Success: true, IsNew: true, Registration: reg}, nil
}

// DecreaseTrust lowers trust by amount, clamped to [0,100]. The registration is
// blocked once trust falls to the block threshold.
func (r *Registry) DecreaseTrust(ctx context.Context, personID, hash string, amount int, reason string) (*Registration, error) {
	if amount < 0 {
		amount = -amount
	}
	reg, err := r.store.AdjustTrust(ctx, personID, hash, -amount, r.blockAt, reason)
	if err != nil {
		return nil, fmt.Errorf("decrease trust: %w", err)
	}
	if reg.Status == StatusBlocked {
		r.log.Warn("device blocked", "person_id", personID, "device_hash", hash, "trust", reg.TrustScore, "reason", reason)
	}
	return reg, nil
}

// ResetTrust restores a registration to full trust and active status.
func (r *Registry) ResetTrust(ctx context.Context, personID, hash string) (*Registration, error) {
	return r.store.SetState(ctx, personID, hash, MaxTrust, StatusActive, "administrative reset")
}

// Revoke permanently disables a registration.
func (r *Registry) Revoke(ctx context.Context, personID, hash, reason string) (*Registration, error) {
	reg, err := r.store.Get(ctx, personID, hash)
	if err != nil {
		return nil, err
	}
	return r.store.SetState(ctx, personID, hash, reg.TrustScore, StatusRevoked, reason)
}

// Get returns a single registration.
func (r *Registry) Get(ctx context.Context, personID, hash string) (*Registration, error) {
	return r.store.Get(ctx, personID, hash)
}

// GetUsers returns every person that has registered the device hash.
func (r *Registry) GetUsers(ctx context.Context, hash string) ([]string, error) {
	regs, err := r.store.ListByHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("list device users: %w", err)
	}
	seen := make(map[string]struct{}, len(regs))
	users := make([]string, 0, len(regs))
	for _, reg := range regs {
		if _, ok := seen[reg.PersonID]; ok {
			continue
		}
		seen[reg.PersonID] = struct{}{}
		users = append(users, reg.PersonID)
	}
	return users, nil
}

func clampTrust(v int) int {
	if v < MinTrust {
		return MinTrust
	}
	if v > MaxTrust {
		return MaxTrust
	}
	return v
}
