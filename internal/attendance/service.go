// Package attendance runs the presence validation pipeline and the session owner
// and reviewer operations around it.
package attendance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"attendguard/internal/audit"
	"attendguard/internal/auth"
	"attendguard/internal/device"
	"attendguard/internal/directory"
	"attendguard/internal/geo"
	"attendguard/internal/replay"
	"attendguard/internal/throttle"
	"attendguard/internal/token"
)

// Weights are the suspicion points per soft flag.
type Weights struct {
	DeviceLimitExceeded   int
	DeviceSwitch          int
	LowDeviceTrust        int
	DeviceSharedInSession int
	MultiStudentDevice    int
	SpoofCap              int
	LowGPSAccuracy        int
}

// DefaultWeights returns the production weights.
func DefaultWeights() Weights {
	return Weights{
		DeviceLimitExceeded:   20,
		DeviceSwitch:          10,
		LowDeviceTrust:        15,
		DeviceSharedInSession: 50,
		MultiStudentDevice:    25,
		SpoofCap:              40,
		LowGPSAccuracy:        10,
	}
}

// Config holds pipeline policy knobs.
type Config struct {
	Weights             Weights
	SuspiciousThreshold int
	LowTrustThreshold   int
	TrustDecayDivisor   int
	StoreTimeout        time.Duration
	DefaultDuration     time.Duration
	MaxDuration         time.Duration
	DefaultLate         int
}

func (c Config) withDefaults() Config {
	if c.Weights == (Weights{}) {
		c.Weights = DefaultWeights()
	}
	if c.SuspiciousThreshold <= 0 {
		c.SuspiciousThreshold = 50
	}
	if c.LowTrustThreshold <= 0 {
		c.LowTrustThreshold = 50
	}
	if c.TrustDecayDivisor <= 0 {
		c.TrustDecayDivisor = 5
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 3 * time.Second
	}
	if c.DefaultDuration <= 0 {
		c.DefaultDuration = time.Hour
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = 6 * time.Hour
	}
	if c.DefaultLate <= 0 {
		c.DefaultLate = 10
	}
	return c
}

// Observer receives pipeline outcomes for metrics.
type Observer interface {
	SubmissionAccepted(status string, score int)
	SubmissionRejected(code, class string)
	SubmissionDuration(d time.Duration)
}

type nopObserver struct{}

func (nopObserver) SubmissionAccepted(string, int)    {}
func (nopObserver) SubmissionRejected(string, string) {}
func (nopObserver) SubmissionDuration(time.Duration)  {}

// Deps are the collaborators of a Service.
type Deps struct {
	Store    Store
	Tokens   *token.Authority
	Devices  *device.Registry
	Guard    *replay.Guard
	Throttle *throttle.Throttle
	People   directory.People
	Courses  directory.Courses
	Audit    audit.Emitter
	Observer Observer
	Logger   *slog.Logger
	Clock    func() time.Time
}

// Service coordinates attendance checks, sessions and review.
type Service struct {
	store    Store
	tokens   *token.Authority
	devices  *device.Registry
	guard    *replay.Guard
	throttle *throttle.Throttle
	people   directory.People
	courses  directory.Courses
	audit    audit.Emitter
	obs      Observer
	log      *slog.Logger
	cfg      Config
	now      func() time.Time
}

// NewService wires a service. Audit, Observer, Logger and Clock are optional.
func NewService(d Deps, cfg Config) *Service {
	s := &Service{
		store:    d.Store,
		tokens:   d.Tokens,
		devices:  d.Devices,
		guard:    d.Guard,
		throttle: d.Throttle,
		people:   d.People,
		courses:  d.Courses,
		audit:    d.Audit,
		obs:      d.Observer,
		log:      d.Logger,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
	}
	if s.audit == nil {
		s.audit = audit.Discard{}
	}
	if s.obs == nil {
		s.obs = nopObserver{}
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if d.Clock != nil {
		s.now = d.Clock
	}
	return s
}

// submission carries pipeline state between stages.
type submission struct {
	actor      Actor
	in         Submission
	session    *Session
	now        time.Time
	minutes    int
	sample     *geo.Sample
	hash       string
	validation Validation
	flags      []Flag
	score      int
	distance   float64
	allowed    float64
	previous   *Record
	trustHit   bool
	// lowTrust is the share of score that only restates the device's own trust.
	lowTrust   int
}

func (p *submission) flag(f Flag, weight int) {
	p.flags = append(p.flags, f)
	p.score += weight
}

// Submit runs the validation pipeline. Rejections come back as *Rejection; any
// other error is a context error.
func (s *Service) Submit(ctx context.Context, actor Actor, in Submission) (Result, error) {
	started := time.Now()
	defer func() { s.obs.SubmissionDuration(time.Since(started)) }()

	p := &submission{actor: actor, in: in, now: s.now().UTC()}
	if in.Location != nil {
		sample := in.Location.Sample(p.now)
		p.sample = &sample
	}

	for _, stage := range []func(context.Context, *submission) *Rejection{
		s.checkRole,
		s.checkThrottle,
		s.checkSession,
		s.checkTime,
		s.checkToken,
		s.checkReplay,
		s.checkDeviceFormat,
		s.checkSessionSharing,
		s.checkCrossSession,
		s.checkEligibility,
		s.checkLocation,
	} {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		if rej := stage(ctx, p); rej != nil {
			if errors.Is(rej, context.Canceled) || errors.Is(rej, context.DeadlineExceeded) {
				return Result{}, ctx.Err()
			}
			s.rejected(ctx, p, rej)
			return Result{}, rej
		}
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	return s.commit(ctx, p)
}

func (s *Service) checkRole(_ context.Context, p *submission) *Rejection {
	if p.actor.Role != auth.RoleStudent {
		return reject(CodeInvalidRole, "only students can mark attendance")
	}
	return nil
}

func (s *Service) checkThrottle(ctx context.Context, p *submission) *Rejection {
	if s.throttle == nil {
		return nil
	}
	d := s.throttle.IsBlocked(ctx, p.actor.PersonID)
	if !d.Blocked {
		d = s.throttle.Attempt(ctx, p.actor.PersonID)
	}
	if d.Blocked {
		return rateLimited(d)
	}
	return nil
}

func rateLimited(d throttle.Decision) *Rejection {
	r := reject(CodeRateLimited, fmt.Sprintf("too many attempts; try again in %s", d.RetryAfter))
	r.RetryAfter = d.RetryAfter
	return r
}

func (s *Service) checkSession(ctx context.Context, p *submission) *Rejection {
	if _, err := uuid.Parse(p.in.SessionID); err != nil {
		return reject(CodeSessionNotFound, "session not found")
	}
	sctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	sess, err := s.store.GetSession(sctx, p.in.SessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return reject(CodeSessionNotFound, "session not found")
		}
		return s.storeError(ctx, "load session", err)
	}
	p.session = sess
	if !sess.IsActive {
		return reject(CodeSessionInactive, "this session is no longer taking attendance")
	}
	p.validation.Session = true
	return nil
}

func (s *Service) checkTime(_ context.Context, p *submission) *Rejection {
	sess := p.session
	p.minutes = int(p.now.Sub(sess.StartTime) / time.Minute)
	if p.now.Before(sess.StartTime) {
		p.minutes = 0
		return reject(CodeOutsideTimeWindow, "this session has not started yet")
	}
	if p.now.After(sess.EndTime) {
		return reject(CodeOutsideTimeWindow, "this session has ended")
	}
	p.validation.Time = true
	return nil
}

func (s *Service) checkToken(_ context.Context, p *submission) *Rejection {
	proof := token.Proof{Token: p.in.Token, Nonce: p.in.Nonce, Timestamp: p.in.Timestamp}
	err := s.tokens.Validate(p.session.ID, p.session.IsActive, p.session.Token, proof)
	switch {
	case err == nil:
		p.validation.Token = true
		return nil
	case errors.Is(err, token.ErrExpired):
		return rejectWith(CodeTokenExpired, "the code has expired; scan the current one", err)
	case errors.Is(err, token.ErrClockTamper):
		return rejectWith(CodeClockTamper, "device clock is ahead of the server; fix the clock and retry", err)
	case errors.Is(err, token.ErrSessionInactive):
		return rejectWith(CodeSessionInactive, "this session is no longer taking attendance", err)
	default:
		return rejectWith(CodeInvalidToken, "the scanned code is not valid for this session", err)
	}
}

func (s *Service) checkReplay(ctx context.Context, p *submission) *Rejection {
	err := s.guard.Check(ctx, replay.Key{SessionID: p.session.ID, PersonID: p.actor.PersonID})
	switch {
	case err == nil:
		p.validation.Replay = true
		return nil
	case errors.Is(err, replay.ErrAlreadyMarked):
		return reject(CodeAlreadyMarked, "attendance already marked for this session")
	default:
		return s.storeError(ctx, "replay check", err)
	}
}

func (s *Service) checkDeviceFormat(_ context.Context, p *submission) *Rejection {
	fp := p.in.Device.Fingerprint
	if !p.session.DeviceBinding {
		if device.ValidHash(fp) {
			p.hash = fp
		}
		p.validation.Device = true
		return nil
	}
	if !device.ValidHash(fp) {
		return reject(CodeInvalidDevice, "device fingerprint is missing or malformed")
	}
	p.hash = fp
	return nil
}

func (s *Service) checkSessionSharing(ctx context.Context, p *submission) *Rejection {
	if !p.session.DeviceBinding {
		return nil
	}
	sctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	users, err := s.store.SessionDeviceUsers(sctx, p.session.ID, p.hash)
	if err != nil {
		return s.storeError(ctx, "session device lookup", err)
	}
	for _, u := range users {
		if u == p.actor.PersonID {
			continue
		}
		if p.session.SecurityLevel.Strict() {
			return reject(CodeDeviceSharedInSession, "this device was already used by another student in this session")
		}
		p.flag(FlagDeviceSharedInSession, s.cfg.Weights.DeviceSharedInSession)
		break
	}
	return nil
}

func (s *Service) checkCrossSession(ctx context.Context, p *submission) *Rejection {
	if !p.session.DeviceBinding {
		return nil
	}
	sctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	a, err := s.devices.Inspect(sctx, p.actor.PersonID, p.hash)
	if err != nil {
		return s.storeError(ctx, "device lookup", err)
	}
	if a.Existing != nil && a.Existing.Status != device.StatusActive {
		return reject(CodeDeviceBlocked, "this device has been blocked; contact your instructor")
	}
	if len(a.OtherUsers) > 0 {
		if p.session.SecurityLevel.Strict() {
			return reject(CodeDeviceOwnershipConflict, "this device is registered to another student")
		}
		p.flag(FlagMultiStudentDevice, s.cfg.Weights.MultiStudentDevice)
		p.trustHit = true
	}
	if a.AtLimit {
		p.flag(FlagDeviceLimitExceeded, s.cfg.Weights.DeviceLimitExceeded)
	}
	if a.Existing != nil && a.Existing.TrustScore < s.cfg.LowTrustThreshold {
		p.flag(FlagLowDeviceTrust, s.cfg.Weights.LowDeviceTrust)
		p.lowTrust = s.cfg.Weights.LowDeviceTrust
	}

	prev, err := s.store.LatestRecord(sctx, p.actor.PersonID)
	switch {
	case err == nil:
		p.previous = prev
	case !errors.Is(err, ErrRecordNotFound):
		return s.storeError(ctx, "latest record", err)
	}
	if p.previous != nil && p.previous.DeviceHash != "" && p.previous.DeviceHash != p.hash {
		p.flag(FlagDeviceSwitch, s.cfg.Weights.DeviceSwitch)
		if s.throttle != nil {
			if d := s.throttle.TrackDeviceSwitch(ctx, p.actor.PersonID); d.Blocked {
				return rateLimited(d)
			}
		}
	}
	p.validation.Device = true
	return nil
}

func (s *Service) checkEligibility(ctx context.Context, p *submission) *Rejection {
	sctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	profile, err := s.people.Profile(sctx, p.actor.PersonID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return reject(CodeNotEligible, "no academic profile found for you")
		}
		return s.storeError(ctx, "profile lookup", err)
	}
	if ok, why := Eligible(profile, p.session.CourseID, p.session.Audience); !ok {
		return reject(CodeNotEligible, why)
	}
	p.validation.Eligibility = true
	return nil
}

func (s *Service) checkLocation(ctx context.Context, p *submission) *Rejection {
	if !p.session.LocationBinding {
		if p.sample != nil && geo.ValidateFormat(*p.sample) != nil {
			p.sample = nil
		}
		p.validation.Location = true
		return nil
	}
	if p.sample == nil {
		return reject(CodeInvalidLocation, "location is required for this session")
	}
	if p.previous == nil {
		sctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
		prev, err := s.store.LatestRecord(sctx, p.actor.PersonID)
		cancel()
		switch {
		case err == nil:
			p.previous = prev
		case !errors.Is(err, ErrRecordNotFound):
			return s.storeError(ctx, "latest record", err)
		}
	}
	var previous *geo.Sample
	if p.previous != nil {
		previous = p.previous.Location
	}

	res := geo.Validate(p.session.Fence, *p.sample, previous, geo.DeviceType(p.in.Device.Type), p.session.SecurityLevel.Strict())
	p.distance = res.Distance
	p.allowed = res.AllowedRadius
	if !res.Valid {
		r := reject(Code(res.Reason), res.Message)
		r.Distance = res.Distance
		r.AllowedRadius = res.AllowedRadius
		return r
	}
	for _, f := range res.Flags {
		switch f {
		case geo.FlagSpoofingSuspected:
			p.flag(FlagSpoofingSuspected, min(res.Spoof.Score, s.cfg.Weights.SpoofCap))
		case geo.FlagLowAccuracy:
			p.flag(FlagLowGPSAccuracy, s.cfg.Weights.LowGPSAccuracy)
		}
	}
	p.validation.Location = true
	return nil
}

// classify applies the lateness and suspicion rules.
func (s *Service) classify(p *submission) Status {
	switch {
	case p.score >= s.cfg.SuspiciousThreshold:
		return StatusSuspicious
	case p.minutes > p.session.LateThreshold:
		return StatusLate
	default:
		return StatusPresent
	}
}

func (s *Service) commit(ctx context.Context, p *submission) (Result, error) {
	p.score = min(p.score, 100)
	status := s.classify(p)
	rec := &Record{
		ID:                uuid.NewString(),
		SessionID:         p.session.ID,
		PersonID:          p.actor.PersonID,
		Status:            status,
		MarkedAt:          p.now,
		MinutesAfterStart: p.minutes,
		Location:          p.sample,
		DeviceHash:        p.hash,
		Validation:        p.validation,
		Flags:             p.flags,
		SuspicionScore:    p.score,
		MarkedBy:          MarkedBySelf,
	}

	key := replay.Key{SessionID: p.session.ID, PersonID: p.actor.PersonID}
	err := s.guard.Commit(ctx, key, func(wctx context.Context) error {
		return s.store.InsertRecord(wctx, rec)
	})
	if err != nil {
		var rej *Rejection
		switch {
		case errors.Is(err, replay.ErrAlreadyMarked):
			rej = reject(CodeAlreadyMarked, "attendance already marked for this session")
		case ctx.Err() != nil:
			return Result{}, ctx.Err()
		default:
			rej = s.storeError(ctx, "commit record", err)
		}
		s.rejected(ctx, p, rej)
		return Result{}, rej
	}

	s.afterCommit(context.WithoutCancel(ctx), p, rec)

	return Result{
		RecordID:          rec.ID,
		Status:            status,
		Distance:          math.Round(p.distance),
		AllowedRadius:     math.Round(p.allowed),
		MinutesAfterStart: p.minutes,
		SuspicionScore:    p.score,
		Flags:             p.flags,
		Message:           acceptedMessage(status, p.minutes),
	}, nil
}

func acceptedMessage(status Status, minutes int) string {
	switch status {
	case StatusLate:
		return fmt.Sprintf("attendance marked late (%d minutes after start)", minutes)
	case StatusSuspicious:
		return "attendance marked and sent for review"
	default:
		return "attendance marked"
	}
}

// afterCommit records the device and lowers its trust. Nothing here can undo the
// record, so failures are logged only.
func (s *Service) afterCommit(ctx context.Context, p *submission, rec *Record) {
	s.obs.SubmissionAccepted(string(rec.Status), rec.SuspicionScore)

	if p.hash != "" && s.devices != nil {
		dctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
		defer cancel()
		meta := device.Metadata{Type: p.in.Device.Type, Platform: p.in.Device.Platform, UserAgent: p.in.Device.UserAgent}
		res, err := s.devices.Register(dctx, p.actor.PersonID, p.hash, meta)
		switch {
		case err != nil:
			s.log.Warn("device register failed", "person_id", p.actor.PersonID, "error", err)
		case res.IsNew:
			s.audit.Emit(ctx, audit.Event{Type: audit.TypeDeviceRegistered, PersonID: p.actor.PersonID, DeviceHash: p.hash})
		case !res.Success:
			s.audit.Emit(ctx, audit.Event{Type: audit.TypeDeviceLimitExceeded, SessionID: rec.SessionID, PersonID: p.actor.PersonID, DeviceHash: p.hash})
		}

		// decay only on fresh evidence; low trust alone must not feed back into itself
		if decay := rec.SuspicionScore - p.lowTrust; err == nil && res.Success && decay > 0 {
			amount := int(math.Ceil(float64(decay) / float64(s.cfg.TrustDecayDivisor)))
			reg, err := s.devices.DecreaseTrust(dctx, p.actor.PersonID, p.hash, amount, string(rec.Status))
			if err != nil {
				s.log.Warn("device trust decrease failed", "person_id", p.actor.PersonID, "error", err)
			} else if p.trustHit || reg.Status != device.StatusActive {
				s.audit.Emit(ctx, audit.Event{
					Type:           audit.TypeDeviceTrustLowered,
					SessionID:      rec.SessionID,
					PersonID:       p.actor.PersonID,
					DeviceHash:     p.hash,
					SuspicionScore: reg.TrustScore,
					Outcome:        string(reg.Status),
				})
			}
		}
	}

	s.audit.Emit(ctx, audit.Event{
		Type:           audit.TypeAttendanceAccepted,
		SessionID:      rec.SessionID,
		PersonID:       rec.PersonID,
		DeviceHash:     rec.DeviceHash,
		Outcome:        string(rec.Status),
		Flags:          flagStrings(rec.Flags),
		SuspicionScore: rec.SuspicionScore,
		Snapshot:       snapshot(p),
	})
	s.log.Info("attendance marked",
		"session_id", rec.SessionID, "person_id", rec.PersonID, "status", rec.Status, "score", rec.SuspicionScore)
}

// rejected does the bookkeeping for a failed submission: throttle accounting,
// audit, metrics and, for reviewable codes, a failed attempt.
func (s *Service) rejected(ctx context.Context, p *submission, rej *Rejection) {
	ctx = context.WithoutCancel(ctx)
	s.obs.SubmissionRejected(string(rej.Code), string(rej.Class))

	if s.throttle != nil && rej.Code != CodeRateLimited && rej.Code != CodeInvalidRole {
		s.throttle.Track(ctx, p.actor.PersonID, rej.Class.ThrottleCost(), string(rej.Code))
	}

	var sessionID string
	if p.session != nil {
		sessionID = p.session.ID
	}
	s.audit.Emit(ctx, audit.Event{
		Type:           audit.TypeAttendanceRejected,
		SessionID:      sessionID,
		PersonID:       p.actor.PersonID,
		DeviceHash:     p.in.Device.Fingerprint,
		Outcome:        string(rej.Class),
		Code:           string(rej.Code),
		Message:        rej.Message,
		Flags:          flagStrings(p.flags),
		SuspicionScore: p.score,
		Snapshot:       snapshot(p),
	})

	level := slog.LevelInfo
	if rej.Class == ClassSecurity || rej.Class == ClassInfra {
		level = slog.LevelWarn
	}
	s.log.Log(ctx, level, "attendance rejected",
		"session_id", sessionID, "person_id", p.actor.PersonID, "code", rej.Code, "class", rej.Class, "error", rej.cause)

	if p.session == nil || !rej.Code.Reviewable() {
		return
	}
	dev := p.in.Device
	attempt := &FailedAttempt{
		ID:                uuid.NewString(),
		SessionID:         p.session.ID,
		PersonID:          p.actor.PersonID,
		Code:              rej.Code,
		Message:           rej.Message,
		Location:          p.sample,
		Device:            &dev,
		MinutesAfterStart: max(p.minutes, 0),
		AttemptedAt:       p.now,
		Status:            AttemptPending,
	}
	fctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	if err := s.store.InsertFailedAttempt(fctx, attempt); err != nil {
		s.log.Warn("failed attempt not queued", "session_id", p.session.ID, "person_id", p.actor.PersonID, "error", err)
		return
	}
	s.audit.Emit(ctx, audit.Event{Type: audit.TypeFailedAttemptQueued, SessionID: p.session.ID, PersonID: p.actor.PersonID, Code: string(rej.Code)})
}

func (s *Service) storeError(ctx context.Context, op string, err error) *Rejection {
	if ctx.Err() != nil {
		return rejectWith(CodeStoreUnavailable, "request cancelled", ctx.Err())
	}
	return rejectWith(CodeStoreUnavailable, "attendance is temporarily unavailable; try again shortly", fmt.Errorf("%s: %w", op, err))
}

func flagStrings(flags []Flag) []string {
	out := make([]string, len(flags))
	for i, f := range flags {
		out[i] = string(f)
	}
	return out
}

func snapshot(p *submission) json.RawMessage {
	b, err := json.Marshal(struct {
		Validation Validation  `json:"validation"`
		Minutes    int         `json:"minutes_after_start"`
		Location   *geo.Sample `json:"location,omitempty"`
		Distance   float64     `json:"distance,omitempty"`
		Allowed    float64     `json:"allowed_radius,omitempty"`
		Device     DeviceInfo  `json:"device"`
	}{p.validation, p.minutes, p.sample, p.distance, p.allowed, p.in.Device})
	if err != nil {
		return nil
	}
	return b
}
