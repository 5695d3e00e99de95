// Package replay blocks duplicate attendance submissions using a fast cache in
// front of the durable store. The durable store is authoritative: a cache hit
// that the store does not confirm is stale and gets cleared, and the cache is
// only written after the durable write has succeeded.
package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	// ErrAlreadyMarked means a record for the (session, person) pair exists.
	ErrAlreadyMarked = errors.New("attendance already marked")
	// ErrDuplicate is returned by durable writers on a uniqueness violation.
	ErrDuplicate = errors.New("duplicate attendance record")
	// ErrUnavailable means the durable store could not answer in time.
	ErrUnavailable = errors.New("attendance store unavailable")
)

// Key identifies one attendance slot.
type Key struct {
	SessionID string
	PersonID  string
}

func (k Key) String() string { return k.SessionID + ":" + k.PersonID }

// Durable answers whether a record exists for a key.
type Durable interface {
	HasRecord(ctx context.Context, sessionID, personID string) (bool, error)
}

// Cache is the fast tier. Implementations may be lossy; errors are treated as
// misses.
type Cache interface {
	IsMarked(ctx context.Context, key Key) (bool, error)
	Mark(ctx context.Context, key Key, ttl time.Duration) error
	Clear(ctx context.Context, key Key) error
}

// Observer receives guard events for metrics.
type Observer interface {
	StaleCacheCleared()
	CacheError(op string)
	DurableDuplicate()
}

type nopObserver struct{}

func (nopObserver) StaleCacheCleared() {}
func (nopObserver) CacheError(string)  {}
func (nopObserver) DurableDuplicate()  {}

// Config bounds every store call.
type Config struct {
	DurableTimeout time.Duration
	CacheTimeout   time.Duration
	MarkerTTL      time.Duration
}

// Guard coordinates the two tiers.
type Guard struct {
	durable Durable
	cache   Cache
	cfg     Config
	obs     Observer
	log     *slog.Logger
}

// NewGuard builds a guard. cache may be nil, in which case every lookup misses.
func NewGuard(durable Durable, cache Cache, cfg Config, obs Observer, logger *slog.Logger) *Guard {
	if cfg.DurableTimeout <= 0 {
		cfg.DurableTimeout = 3 * time.Second
	}
	if cfg.CacheTimeout <= 0 {
		cfg.CacheTimeout = 250 * time.Millisecond
	}
	if cfg.MarkerTTL <= 0 {
		cfg.MarkerTTL = 24 * time.Hour
	}
	if obs == nil {
		obs = nopObserver{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{durable: durable, cache: cache, cfg: cfg, obs: obs, log: logger}
}

// Check returns ErrAlreadyMarked when the pair already has a record. It never
// trusts the cache alone.
func (g *Guard) Check(ctx context.Context, key Key) error {
	exists, err := g.durableHas(ctx, key)
	if err != nil {
		return err
	}
	if exists {
		g.cacheMark(ctx, key)
		return ErrAlreadyMarked
	}

	if g.cacheIsMarked(ctx, key) {
		// The marker outlived a durable write that never landed.
		g.obs.StaleCacheCleared()
		g.log.Warn("clearing stale replay marker", "session_id", key.SessionID, "person_id", key.PersonID)
		g.cacheClear(ctx, key)
	}
	return nil
}

// Commit runs the durable write and, only after it succeeds, records the cache
// marker. The marker is per (session, person), so one token use per person is
// all it admits. A duplicate from the writer is reported as ErrAlreadyMarked.
func (g *Guard) Commit(ctx context.Context, key Key, write func(ctx context.Context) error) error {
	if err := g.Check(ctx, key); err != nil {
		return err
	}

	wctx, cancel := context.WithTimeout(ctx, g.cfg.DurableTimeout)
	err := write(wctx)
	cancel()
	if err != nil {
		if errors.Is(err, ErrDuplicate) {
			g.obs.DurableDuplicate()
			g.cacheMark(ctx, key)
			return ErrAlreadyMarked
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	// From here on the record is final; the cache write is best effort and must
	// not be cut short by the caller going away.
	g.cacheMark(context.WithoutCancel(ctx), key)
	return nil
}

func (g *Guard) durableHas(ctx context.Context, key Key) (bool, error) {
	dctx, cancel := context.WithTimeout(ctx, g.cfg.DurableTimeout)
	defer cancel()
	exists, err := g.durable.HasRecord(dctx, key.SessionID, key.PersonID)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return exists, nil
}

func (g *Guard) cacheIsMarked(ctx context.Context, key Key) bool {
	if g.cache == nil {
		return false
	}
	cctx, cancel := context.WithTimeout(ctx, g.cfg.CacheTimeout)
	defer cancel()
	marked, err := g.cache.IsMarked(cctx, key)
	if err != nil {
		g.obs.CacheError("is_marked")
		g.log.Debug("replay cache read failed", "key", key.String(), "error", err)
		return false
	}
	return marked
}

func (g *Guard) cacheMark(ctx context.Context, key Key) {
	if g.cache == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, g.cfg.CacheTimeout)
	defer cancel()
	if err := g.cache.Mark(cctx, key, g.cfg.MarkerTTL); err != nil {
		g.obs.CacheError("mark")
		g.log.Warn("replay cache write failed", "key", key.String(), "error", err)
	}
}

func (g *Guard) cacheClear(ctx context.Context, key Key) {
	if g.cache == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, g.cfg.CacheTimeout)
	defer cancel()
	if err := g.cache.Clear(cctx, key); err != nil {
		g.obs.CacheError("clear")
		g.log.Warn("replay cache clear failed", "key", key.String(), "error", err)
	}
}
