// Package token issues and validates the rotating proof-of-freshness codes shown on
// the session owner's screen.
//
// A token is HMAC-SHA256(K, sessionID|nonce|timestampMillis) where K is derived per
// session from the master secret with HKDF. The display lifetime (rotation interval)
// is independent from the verification window width so that a code can stay on
// screen longer than a single verifiable window.
package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"time"

	"golang.org/x/crypto/hkdf"
)

var (
	ErrSessionInactive   = errors.New("session is not active")
	ErrMalformed         = errors.New("token proof is malformed")
	ErrExpired           = errors.New("token has expired")
	ErrClockTamper       = errors.New("token timestamp is in the future")
	ErrWindowMismatch    = errors.New("token is outside the accepted window")
	ErrUnknownNonce      = errors.New("token nonce does not belong to this session")
	ErrSignatureMismatch = errors.New("token signature mismatch")
	ErrNotIssued         = errors.New("no token issued for session")
)

// Config holds the timing policy for tokens.
type Config struct {
	// RotationInterval is how long a displayed code stays valid.
	RotationInterval time.Duration
	// SecurityWindow is the width of one verification bucket.
	SecurityWindow time.Duration
	// Grace is extra slack on top of RotationInterval for slow scans.
	Grace time.Duration
	// ToleranceWindows is the accepted bucket distance. Zero derives it from the
	// rotation interval and grace.
	ToleranceWindows int
	// MaxFutureSkew is how far ahead of the server clock a timestamp may be.
	MaxFutureSkew time.Duration
}

// DefaultConfig returns the standard policy.
func DefaultConfig() Config {
	return Config{
		RotationInterval: 120 * time.Second,
		SecurityWindow:   30 * time.Second,
		Grace:            10 * time.Second,
		MaxFutureSkew:    30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RotationInterval <= 0 {
		c.RotationInterval = d.RotationInterval
	}
	if c.SecurityWindow <= 0 {
		c.SecurityWindow = d.SecurityWindow
	}
	if c.Grace < 0 {
		c.Grace = 0
	}
	if c.MaxFutureSkew <= 0 {
		c.MaxFutureSkew = d.MaxFutureSkew
	}
	if c.ToleranceWindows <= 0 {
		c.ToleranceWindows = int(math.Ceil(float64(c.RotationInterval+c.Grace) / float64(c.SecurityWindow)))
	}
	return c
}

// State is the per-session token state persisted with the session.
type State struct {
	Token            string        `json:"token"`
	Nonce            string        `json:"nonce"`
	IssuedAt         time.Time     `json:"issued_at"`
	ExpiresAt        time.Time     `json:"expires_at"`
	RotationInterval time.Duration `json:"rotation_interval"`
	SecurityWindow   time.Duration `json:"security_window"`
	RotationCount    int           `json:"rotation_count"`
	PreviousNonce    string        `json:"previous_nonce,omitempty"`
	PreviousIssuedAt time.Time     `json:"previous_issued_at,omitempty"`
}

// Issued reports whether a token has ever been issued.
func (s State) Issued() bool { return s.Nonce != "" }

// Proof is what a client submits after scanning the displayed code.
type Proof struct {
	Token     string `json:"token"`
	Nonce     string `json:"nonce"`
	Timestamp int64  `json:"timestamp"`
}

// Display is the payload rendered into the visual code.
type Display struct {
	SessionID string    `json:"sessionId"`
	Token     string    `json:"token"`
	Nonce     string    `json:"nonce"`
	Timestamp int64     `json:"timestamp"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Encode returns a compact base64url form suitable for a QR code.
func (d Display) Encode() (string, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// DecodeDisplay parses the output of Display.Encode.
func DecodeDisplay(s string) (Display, error) {
	var d Display
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := json.Unmarshal(b, &d); err != nil {
		return d, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return d, nil
}

// Authority signs and verifies session tokens.
type Authority struct {
	secret []byte
	cfg    Config
	now    func() time.Time
	random io.Reader
}

// Option customizes an Authority.
type Option func(*Authority)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Authority) { a.now = now }
}

// WithRandom overrides the nonce source.
func WithRandom(r io.Reader) Option {
	return func(a *Authority) { a.random = r }
}

// NewAuthority builds an Authority. The secret must be at least 32 bytes.
func NewAuthority(secret []byte, cfg Config, opts ...Option) (*Authority, error) {
	if len(secret) < 32 {
		return nil, errors.New("token secret must be at least 32 bytes")
	}
	a := &Authority{
		secret: append([]byte(nil), secret...),
		cfg:    cfg.withDefaults(),
		now:    time.Now,
		random: rand.Reader,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Config returns the effective configuration.
func (a *Authority) Config() Config { return a.cfg }

// Issue generates the next token for a session. prev carries the rotation count and
// becomes the overlap nonce.
func (a *Authority) Issue(sessionID string, prev State) (State, error) {
	buf := make([]byte, 16)
	if _, err := io.ReadFull(a.random, buf); err != nil {
		return State{}, fmt.Errorf("generate nonce: %w", err)
	}
	nonce := hex.EncodeToString(buf)
	now := a.now().UTC().Truncate(time.Millisecond)

	sig, err := a.sign(sessionID, nonce, now.UnixMilli())
	if err != nil {
		return State{}, err
	}

	next := State{
		Token:            sig,
		Nonce:            nonce,
		IssuedAt:         now,
		ExpiresAt:        now.Add(a.cfg.RotationInterval),
		RotationInterval: a.cfg.RotationInterval,
		SecurityWindow:   a.cfg.SecurityWindow,
		RotationCount:    prev.RotationCount + 1,
	}
	if prev.Issued() {
		next.PreviousNonce = prev.Nonce
		next.PreviousIssuedAt = prev.IssuedAt
	}
	return next, nil
}

// Due reports whether the displayed token should be rotated.
func (a *Authority) Due(s State) bool {
	return !s.Issued() || !a.now().Before(s.ExpiresAt)
}

// Display builds the payload for the owner's screen.
func (a *Authority) Display(sessionID string, s State) Display {
	return Display{
		SessionID: sessionID,
		Token:     s.Token,
		Nonce:     s.Nonce,
		Timestamp: s.IssuedAt.UnixMilli(),
		ExpiresAt: s.ExpiresAt,
	}
}

// Validate checks a submitted proof against the session's current state.
func (a *Authority) Validate(sessionID string, active bool, s State, p Proof) error {
	if !active {
		return ErrSessionInactive
	}
	if !s.Issued() {
		return ErrNotIssued
	}
	if p.Token == "" || p.Nonce == "" || p.Timestamp <= 0 {
		return ErrMalformed
	}

	now := a.now()
	ts := time.UnixMilli(p.Timestamp)

	if ts.Sub(now) > a.cfg.MaxFutureSkew {
		return ErrClockTamper
	}
	if now.Sub(ts) > a.cfg.RotationInterval+a.cfg.Grace {
		return ErrExpired
	}

	window := a.cfg.SecurityWindow.Milliseconds()
	current := floorDiv(now.UnixMilli(), window)
	issued := floorDiv(p.Timestamp, window)
	if abs(current-issued) > int64(a.cfg.ToleranceWindows) {
		return ErrWindowMismatch
	}

	switch {
	case hmac.Equal([]byte(p.Nonce), []byte(s.Nonce)):
	case s.PreviousNonce != "" && hmac.Equal([]byte(p.Nonce), []byte(s.PreviousNonce)):
	default:
		return ErrUnknownNonce
	}

	want, err := a.sign(sessionID, p.Nonce, p.Timestamp)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(want), []byte(p.Token)) {
		return ErrSignatureMismatch
	}
	return nil
}

func (a *Authority) sign(sessionID, nonce string, ts int64) (string, error) {
	key, err := a.sessionKey(sessionID)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(sessionID))
	mac.Write([]byte{'|'})
	mac.Write([]byte(nonce))
	mac.Write([]byte{'|'})
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

func (a *Authority) sessionKey(sessionID string) ([]byte, error) {
	r := hkdf.New(sha256.New, a.secret, nil, []byte("attendguard/session-token/"+sessionID))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	return key, nil
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
