// Package throttle limits how often one person may hit the attendance pipeline.
// Each rule is an independent sliding window with its own budget, window length
// and block duration. Breaching a rule blocks the key for the rule's block
// duration and fires the block hook.
package throttle

import (
	"context"
	"log/slog"
	"time"
)

// Rule is one sliding-window budget.
type Rule struct {
	Name   string
	Limit  int
	Window time.Duration
	Block  time.Duration
}

// Config holds the three per-person rules.
type Config struct {
	Attempts       Rule
	Failures       Rule
	DeviceSwitches Rule
}

// DefaultConfig returns the production rules.
func DefaultConfig() Config {
	return Config{
		Attempts:       Rule{Name: "attempts", Limit: 10, Window: time.Minute, Block: time.Minute},
		Failures:       Rule{Name: "failures", Limit: 5, Window: 5 * time.Minute, Block: 5 * time.Minute},
		DeviceSwitches: Rule{Name: "device_switches", Limit: 3, Window: 24 * time.Hour, Block: time.Hour},
	}
}

// Decision is the outcome of a throttle call.
type Decision struct {
	Blocked    bool
	RetryAfter time.Duration
	Rule       string
}

// Store keeps window counters and block markers.
type Store interface {
	// Add records cost hits at now and returns the number of hits inside the window.
	Add(ctx context.Context, key string, cost int, window time.Duration, now time.Time) (int, error)
	Block(ctx context.Context, key string, until time.Time) error
	BlockedUntil(ctx context.Context, key string, now time.Time) (time.Time, error)
	Reset(ctx context.Context, key string) error
}

// BlockHook is called once each time a key becomes blocked.
type BlockHook func(ctx context.Context, key string, rule Rule, reason string)

// Throttle applies rules to keys. Store failures are logged and treated as
// allowed; the throttle is an abuse brake, not a correctness guarantee.
type Throttle struct {
	store Store
	cfg   Config
	hook  BlockHook
	now   func() time.Time
	log   *slog.Logger
}

// Option configures a Throttle.
type Option func(*Throttle)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Throttle) { t.now = now }
}

// WithBlockHook registers a hook for new blocks.
func WithBlockHook(h BlockHook) Option {
	return func(t *Throttle) { t.hook = h }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Throttle) { t.log = l }
}

// New creates a throttle.
func New(store Store, cfg Config, opts ...Option) *Throttle {
	t := &Throttle{store: store, cfg: cfg, now: time.Now, log: slog.Default()}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Config returns the active rules.
func (t *Throttle) Config() Config { return t.cfg }

func counterKey(rule Rule, key string) string { return "throttle:" + rule.Name + ":" + key }
func blockKey(rule Rule, key string) string   { return "throttle:block:" + rule.Name + ":" + key }

// IsBlocked reports whether any rule currently blocks the person.
func (t *Throttle) IsBlocked(ctx context.Context, personID string) Decision {
	now := t.now()
	for _, rule := range []Rule{t.cfg.Attempts, t.cfg.Failures, t.cfg.DeviceSwitches} {
		if d := t.blocked(ctx, rule, personID, now); d.Blocked {
			return d
		}
	}
	return Decision{}
}

// Attempt counts one submission attempt.
func (t *Throttle) Attempt(ctx context.Context, personID string) Decision {
	return t.Hit(ctx, t.cfg.Attempts, personID, 1, "attempt limit exceeded")
}

// Track counts a failed submission. cost is the weight of the failure class;
// zero-cost failures are not counted.
func (t *Throttle) Track(ctx context.Context, personID string, cost int, reason string) Decision {
	if cost <= 0 {
		return Decision{}
	}
	return t.Hit(ctx, t.cfg.Failures, personID, cost, reason)
}

// TrackDeviceSwitch counts a submission from a device other than the person's
// last one.
func (t *Throttle) TrackDeviceSwitch(ctx context.Context, personID string) Decision {
	return t.Hit(ctx, t.cfg.DeviceSwitches, personID, 1, "device switch limit exceeded")
}

// Reset clears every counter and block for the person.
func (t *Throttle) Reset(ctx context.Context, personID string) error {
	for _, rule := range []Rule{t.cfg.Attempts, t.cfg.Failures, t.cfg.DeviceSwitches} {
		if err := t.store.Reset(ctx, counterKey(rule, personID)); err != nil {
			return err
		}
		if err := t.store.Reset(ctx, blockKey(rule, personID)); err != nil {
			return err
		}
	}
	return nil
}

// Hit adds cost to rule for key. When the window count goes over the limit the
// key is blocked for rule.Block.
func (t *Throttle) Hit(ctx context.Context, rule Rule, key string, cost int, reason string) Decision {
	if rule.Limit <= 0 {
		return Decision{}
	}
	now := t.now()
	if d := t.blocked(ctx, rule, key, now); d.Blocked {
		return d
	}

	count, err := t.store.Add(ctx, counterKey(rule, key), cost, rule.Window, now)
	if err != nil {
		t.log.Warn("throttle store add failed", "rule", rule.Name, "key", key, "error", err)
		return Decision{}
	}
	if count <= rule.Limit {
		return Decision{}
	}

	if err := t.store.Block(ctx, blockKey(rule, key), now.Add(rule.Block)); err != nil {
		t.log.Warn("throttle store block failed", "rule", rule.Name, "key", key, "error", err)
	}
	// the window restarts once the block lifts
	if err := t.store.Reset(ctx, counterKey(rule, key)); err != nil {
		t.log.Warn("throttle store reset failed", "rule", rule.Name, "key", key, "error", err)
	}
	t.log.Warn("throttle block", "rule", rule.Name, "key", key, "count", count, "block", rule.Block, "reason", reason)
	if t.hook != nil {
		t.hook(ctx, key, rule, reason)
	}
	return Decision{Blocked: true, RetryAfter: rule.Block, Rule: rule.Name}
}

func (t *Throttle) blocked(ctx context.Context, rule Rule, key string, now time.Time) Decision {
	until, err := t.store.BlockedUntil(ctx, blockKey(rule, key), now)
	if err != nil {
		t.log.Warn("throttle store lookup failed", "rule", rule.Name, "key", key, "error", err)
		return Decision{}
	}
	if !until.After(now) {
		return Decision{}
	}
	return Decision{Blocked: true, RetryAfter: retryAfter(until.Sub(now)), Rule: rule.Name}
}

// retryAfter rounds up to whole seconds.
func retryAfter(d time.Duration) time.Duration {
	if r := d % time.Second; r != 0 {
		d += time.Second - r
	}
	return d
}
