package attendance

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"attendguard/internal/audit"
	"attendguard/internal/device"
	"attendguard/internal/directory"
	"attendguard/internal/geo"
	"attendguard/internal/replay"
	"attendguard/internal/throttle"
	"attendguard/internal/token"
)

const (
	courseID   = "CS301"
	facultyID  = "fac-1"
	reviewerID = "rev-1"
)

var campus = geo.Point{Lat: 12.971598, Lng: 77.594562}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordingEmitter) Emit(_ context.Context, e audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingEmitter) types() []audit.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]audit.Type, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

// replayEvents counts replay guard events.
type replayEvents struct {
	mu                      sync.Mutex
	stale, errs, duplicates int
}

func (r *replayEvents) StaleCacheCleared() { r.mu.Lock(); r.stale++; r.mu.Unlock() }
func (r *replayEvents) CacheError(string)  { r.mu.Lock(); r.errs++; r.mu.Unlock() }
func (r *replayEvents) DurableDuplicate()  { r.mu.Lock(); r.duplicates++; r.mu.Unlock() }

func (r *replayEvents) staleCleared() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stale
}

type harness struct {
	clock    *fakeClock
	store    *MemoryStore
	cache    *replay.MemoryCache
	replay   *replayEvents
	devices  *device.Registry
	dir      *directory.Static
	throttle *throttle.Throttle
	audit    *recordingEmitter
	svc      *Service
}

func newHarness(t *testing.T, tcfg throttle.Config) *harness {
	t.Helper()
	h := &harness{
		clock: &fakeClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)},
		store: NewMemoryStore(),
		cache:  replay.NewMemoryCache(),
		replay: &replayEvents{},
		dir:    directory.NewStatic(),
		audit:  &recordingEmitter{},
	}
	tokens, err := token.NewAuthority([]byte(strings.Repeat("s", 32)), token.DefaultConfig(), token.WithClock(h.clock.Now))
	require.NoError(t, err)
	h.devices = device.NewRegistry(device.NewMemoryStore(), device.Config{}, nil)
	h.throttle = throttle.New(throttle.NewMemoryStore(), tcfg, throttle.WithClock(h.clock.Now))

	h.dir.PutCourse(directory.Course{
		ID:      courseID,
		Name:    "Operating Systems",
		Branch:  "CSE",
		Year:    3,
		Batches: []string{"A"},
		Center:  &campus,
		Radius:  50,
	})
	for _, id := range []string{"stu-1", "stu-2", "stu-3"} {
		h.dir.PutProfile(directory.Profile{PersonID: id, Role: "student", Branch: "CSE", Year: 3, Batch: "A"})
	}

	h.svc = NewService(Deps{
		Store:    h.store,
		Tokens:   tokens,
		Devices:  h.devices,
		Guard:    replay.NewGuard(h.store, h.cache, replay.Config{}, h.replay, nil),
		Throttle: h.throttle,
		People:   h.dir,
		Courses:  h.dir,
		Audit:    h.audit,
		Clock:    h.clock.Now,
	}, Config{})
	return h
}

func lenientThrottle() throttle.Config {
	cfg := throttle.DefaultConfig()
	cfg.Attempts.Limit = 1000
	cfg.Failures.Limit = 1000
	cfg.DeviceSwitches.Limit = 1000
	return cfg
}

func faculty() Actor          { return Actor{PersonID: facultyID, Role: "faculty"} }
func student(id string) Actor { return Actor{PersonID: id, Role: "student"} }
func reviewer() Actor         { return Actor{PersonID: reviewerID, Role: "reviewer"} }

func ptr[T any](v T) *T { return &v }

func fingerprint(c string) string { return strings.Repeat(c, 64) }

func (h *harness) openSession(t *testing.T, edit func(*CreateSessionInput)) *Session {
	t.Helper()
	in := CreateSessionInput{CourseID: courseID}
	if edit != nil {
		edit(&in)
	}
	sess, err := h.svc.CreateSession(context.Background(), faculty(), in)
	require.NoError(t, err)
	return sess
}

// submission builds a valid proof against the session's current token.
func (h *harness) submission(t *testing.T, sessionID, fp string) Submission {
	t.Helper()
	sess, err := h.store.GetSession(context.Background(), sessionID)
	require.NoError(t, err)
	return Submission{
		SessionID: sess.ID,
		Token:     sess.Token.Token,
		Nonce:     sess.Token.Nonce,
		Timestamp: sess.Token.IssuedAt.UnixMilli(),
		Location: &Location{
			Lat:      ptr(12.971612),
			Lng:      ptr(77.594571),
			Accuracy: ptr(12.5),
		},
		Device: DeviceInfo{Fingerprint: fp, Type: "mobile", Platform: "android"},
	}
}

func requireCode(t *testing.T, err error, code Code) *Rejection {
	t.Helper()
	rej, ok := AsRejection(err)
	require.True(t, ok, "expected a rejection, got %v", err)
	require.Equal(t, code, rej.Code)
	return rej
}

type SubmitSuite struct {
	suite.Suite
	h    *harness
	sess *Session
	ctx  context.Context
}

func TestSubmitSuite(t *testing.T) {
	suite.Run(t, new(SubmitSuite))
}

func (s *SubmitSuite) SetupTest() {
	s.h = newHarness(s.T(), lenientThrottle())
	s.sess = s.h.openSession(s.T(), nil)
	s.ctx = context.Background()
}

func (s *SubmitSuite) submit(personID, fp string, edit func(*Submission)) (Result, error) {
	in := s.h.submission(s.T(), s.sess.ID, fp)
	if edit != nil {
		edit(&in)
	}
	return s.h.svc.Submit(s.ctx, student(personID), in)
}

func (s *SubmitSuite) TestPresent() {
	res, err := s.submit("stu-1", fingerprint("a"), nil)
	s.Require().NoError(err)

	s.Equal(StatusPresent, res.Status)
	s.Zero(res.SuspicionScore)
	s.Empty(res.Flags)
	s.InDelta(2, res.Distance, 2)
	s.Equal(50.0, res.AllowedRadius)

	rec, err := s.h.store.GetRecord(s.ctx, res.RecordID)
	s.Require().NoError(err)
	s.Equal(MarkedBySelf, rec.MarkedBy)
	s.Equal(Validation{Session: true, Time: true, Token: true, Replay: true, Device: true, Eligibility: true, Location: true}, rec.Validation)
	s.Equal(fingerprint("a"), rec.DeviceHash)

	reg, err := s.h.devices.Get(s.ctx, "stu-1", fingerprint("a"))
	s.Require().NoError(err)
	s.Equal(device.MaxTrust, reg.TrustScore)

	marked, err := s.h.cache.IsMarked(s.ctx, replay.Key{SessionID: s.sess.ID, PersonID: "stu-1"})
	s.Require().NoError(err)
	s.True(marked)
	s.Contains(s.h.audit.types(), audit.TypeAttendanceAccepted)
	s.Contains(s.h.audit.types(), audit.TypeDeviceRegistered)
}

func (s *SubmitSuite) TestSecondSubmissionAlreadyMarked() {
	_, err := s.submit("stu-1", fingerprint("a"), nil)
	s.Require().NoError(err)

	_, err = s.submit("stu-1", fingerprint("a"), nil)
	rej := requireCode(s.T(), err, CodeAlreadyMarked)
	s.Equal(ClassSecurity, rej.Class)
	s.ErrorIs(err, ErrAlreadyMarked)
}

func (s *SubmitSuite) TestOnlyStudentsMayMark() {
	in := s.h.submission(s.T(), s.sess.ID, fingerprint("a"))
	_, err := s.h.svc.Submit(s.ctx, faculty(), in)
	requireCode(s.T(), err, CodeInvalidRole)
}

func (s *SubmitSuite) TestUnknownSession() {
	_, err := s.submit("stu-1", fingerprint("a"), func(in *Submission) { in.SessionID = "not-a-uuid" })
	requireCode(s.T(), err, CodeSessionNotFound)

	_, err = s.submit("stu-1", fingerprint("a"), func(in *Submission) { in.SessionID = "0c8e3f5d-3a0e-4c55-9b5d-0d2f6f0e9a41" })
	requireCode(s.T(), err, CodeSessionNotFound)
}

func (s *SubmitSuite) TestLate() {
	start := s.h.clock.Now().Add(-15 * time.Minute)
	s.sess = s.h.openSession(s.T(), func(in *CreateSessionInput) { in.StartAt = &start })

	res, err := s.submit("stu-1", fingerprint("a"), nil)
	s.Require().NoError(err)
	s.Equal(StatusLate, res.Status)
	s.Equal(15, res.MinutesAfterStart)
}

func (s *SubmitSuite) TestNotStartedYet() {
	start := s.h.clock.Now().Add(10 * time.Minute)
	s.sess = s.h.openSession(s.T(), func(in *CreateSessionInput) { in.StartAt = &start })

	_, err := s.submit("stu-1", fingerprint("a"), nil)
	requireCode(s.T(), err, CodeOutsideTimeWindow)
}

func (s *SubmitSuite) TestTokenFailures() {
	s.Run("tampered signature", func() {
		_, err := s.submit("stu-1", fingerprint("a"), func(in *Submission) { in.Token = strings.Repeat("0", 64) })
		requireCode(s.T(), err, CodeInvalidToken)
	})
	s.Run("future timestamp", func() {
		_, err := s.submit("stu-1", fingerprint("a"), func(in *Submission) {
			in.Timestamp = s.h.clock.Now().Add(time.Minute).UnixMilli()
		})
		requireCode(s.T(), err, CodeClockTamper)
	})
	s.Run("expired", func() {
		in := s.h.submission(s.T(), s.sess.ID, fingerprint("a"))
		s.h.clock.Advance(131 * time.Second)
		_, err := s.h.svc.Submit(s.ctx, student("stu-1"), in)
		requireCode(s.T(), err, CodeTokenExpired)
	})
}

func (s *SubmitSuite) TestOutsideGeofence() {
	_, err := s.submit("stu-1", fingerprint("a"), func(in *Submission) {
		in.Location.Lat = ptr(12.973397)
		in.Location.Lng = ptr(77.594562)
	})
	rej := requireCode(s.T(), err, CodeOutsideGeofence)
	s.InDelta(200, rej.Distance, 1)
	s.Equal(50.0, rej.AllowedRadius)

	attempts, err := s.h.store.ListFailedAttempts(s.ctx, s.sess.ID, AttemptPending)
	s.Require().NoError(err)
	s.Require().Len(attempts, 1)
	s.Equal(CodeOutsideGeofence, attempts[0].Code)
	s.Equal("stu-1", attempts[0].PersonID)
}

func (s *SubmitSuite) TestMissingLocation() {
	_, err := s.submit("stu-1", fingerprint("a"), func(in *Submission) { in.Location = nil })
	rej := requireCode(s.T(), err, CodeInvalidLocation)
	s.Equal(ClassClient, rej.Class)
}

func (s *SubmitSuite) TestLocationOptionalWhenUnbound() {
	s.sess = s.h.openSession(s.T(), func(in *CreateSessionInput) { in.LocationBinding = ptr(false) })

	res, err := s.submit("stu-1", fingerprint("a"), func(in *Submission) { in.Location = nil })
	s.Require().NoError(err)
	s.Equal(StatusPresent, res.Status)
}

func (s *SubmitSuite) TestMalformedDevice() {
	_, err := s.submit("stu-1", "not-a-hash", nil)
	requireCode(s.T(), err, CodeInvalidDevice)
}

func (s *SubmitSuite) TestSharedDeviceStandard() {
	_, err := s.submit("stu-1", fingerprint("a"), nil)
	s.Require().NoError(err)

	res, err := s.submit("stu-2", fingerprint("a"), nil)
	s.Require().NoError(err)
	s.Equal(StatusSuspicious, res.Status)
	s.ElementsMatch([]Flag{FlagDeviceSharedInSession, FlagMultiStudentDevice}, res.Flags)
	s.Equal(75, res.SuspicionScore)

	reg, err := s.h.devices.Get(s.ctx, "stu-2", fingerprint("a"))
	s.Require().NoError(err)
	s.Equal(85, reg.TrustScore)
}

func (s *SubmitSuite) TestSharedDeviceStrict() {
	s.sess = s.h.openSession(s.T(), func(in *CreateSessionInput) { in.SecurityLevel = LevelStrict })

	_, err := s.submit("stu-1", fingerprint("a"), nil)
	s.Require().NoError(err)

	_, err = s.submit("stu-2", fingerprint("a"), nil)
	requireCode(s.T(), err, CodeDeviceSharedInSession)
}

func (s *SubmitSuite) TestOwnershipConflictAcrossSessions() {
	_, err := s.submit("stu-1", fingerprint("a"), nil)
	s.Require().NoError(err)

	s.Run("standard flags and lowers trust", func() {
		s.sess = s.h.openSession(s.T(), nil)
		res, err := s.submit("stu-2", fingerprint("a"), nil)
		s.Require().NoError(err)
		s.Equal([]Flag{FlagMultiStudentDevice}, res.Flags)
		s.Equal(25, res.SuspicionScore)
		s.Equal(StatusPresent, res.Status)

		reg, err := s.h.devices.Get(s.ctx, "stu-2", fingerprint("a"))
		s.Require().NoError(err)
		s.Equal(95, reg.TrustScore)
		s.Contains(s.h.audit.types(), audit.TypeDeviceTrustLowered)
	})
	s.Run("paranoid rejects", func() {
		s.sess = s.h.openSession(s.T(), func(in *CreateSessionInput) { in.SecurityLevel = LevelParanoid })
		_, err := s.submit("stu-3", fingerprint("a"), nil)
		rej := requireCode(s.T(), err, CodeDeviceOwnershipConflict)
		s.Equal(ClassSecurity, rej.Class)
	})
}

func (s *SubmitSuite) TestLowTrustAloneDoesNotDecay() {
	_, err := s.submit("stu-1", fingerprint("a"), nil)
	s.Require().NoError(err)
	_, err = s.h.devices.DecreaseTrust(s.ctx, "stu-1", fingerprint("a"), 60, "earlier incidents")
	s.Require().NoError(err)

	for range 3 {
		s.sess = s.h.openSession(s.T(), nil)
		res, err := s.submit("stu-1", fingerprint("a"), nil)
		s.Require().NoError(err)
		s.Equal([]Flag{FlagLowDeviceTrust}, res.Flags)
		s.Equal(15, res.SuspicionScore)
	}

	reg, err := s.h.devices.Get(s.ctx, "stu-1", fingerprint("a"))
	s.Require().NoError(err)
	s.Equal(40, reg.TrustScore)
	s.Equal(device.StatusActive, reg.Status)
}

func (s *SubmitSuite) TestLowTrustWithFreshEvidenceDecaysByTheEvidence() {
	_, err := s.submit("stu-1", fingerprint("a"), nil)
	s.Require().NoError(err)

	s.sess = s.h.openSession(s.T(), nil)
	_, err = s.submit("stu-2", fingerprint("a"), nil)
	s.Require().NoError(err)
	reg, err := s.h.devices.DecreaseTrust(s.ctx, "stu-2", fingerprint("a"), 55, "earlier incidents")
	s.Require().NoError(err)
	s.Require().Equal(40, reg.TrustScore)

	s.sess = s.h.openSession(s.T(), nil)
	res, err := s.submit("stu-2", fingerprint("a"), nil)
	s.Require().NoError(err)
	s.ElementsMatch([]Flag{FlagMultiStudentDevice, FlagLowDeviceTrust}, res.Flags)
	s.Equal(40, res.SuspicionScore)

	// only the 25 points of MULTI_STUDENT_DEVICE count: ceil(25/5)
	reg, err = s.h.devices.Get(s.ctx, "stu-2", fingerprint("a"))
	s.Require().NoError(err)
	s.Equal(35, reg.TrustScore)
}

func (s *SubmitSuite) TestBlockedDevice() {
	_, err := s.submit("stu-1", fingerprint("a"), nil)
	s.Require().NoError(err)
	_, err = s.h.devices.Revoke(s.ctx, "stu-1", fingerprint("a"), "reported lost")
	s.Require().NoError(err)

	s.sess = s.h.openSession(s.T(), nil)
	_, err = s.submit("stu-1", fingerprint("a"), nil)
	requireCode(s.T(), err, CodeDeviceBlocked)
}

func (s *SubmitSuite) TestDeviceSwitch() {
	_, err := s.submit("stu-1", fingerprint("a"), nil)
	s.Require().NoError(err)

	s.h.clock.Advance(time.Minute)
	s.sess = s.h.openSession(s.T(), nil)
	res, err := s.submit("stu-1", fingerprint("b"), nil)
	s.Require().NoError(err)
	s.Equal([]Flag{FlagDeviceSwitch}, res.Flags)
	s.Equal(10, res.SuspicionScore)
}

func (s *SubmitSuite) TestEligibility() {
	s.h.dir.PutProfile(directory.Profile{PersonID: "ece-1", Branch: "ECE", Year: 3, Batch: "A"})
	s.h.dir.PutProfile(directory.Profile{PersonID: "ece-2", Branch: "ECE", Year: 3, Batch: "A", Electives: []string{courseID}})

	_, err := s.submit("ece-1", fingerprint("c"), nil)
	requireCode(s.T(), err, CodeNotEligible)

	_, err = s.submit("ece-2", fingerprint("d"), nil)
	s.NoError(err)

	_, err = s.submit("ghost", fingerprint("e"), nil)
	requireCode(s.T(), err, CodeNotEligible)
}

func (s *SubmitSuite) TestStaleCacheDoesNotBlock() {
	key := replay.Key{SessionID: s.sess.ID, PersonID: "stu-1"}
	s.Require().NoError(s.h.cache.Mark(s.ctx, key, time.Hour))

	_, err := s.submit("stu-1", fingerprint("a"), nil)
	s.Require().NoError(err)
	s.Equal(1, s.h.replay.staleCleared(), "stale marker cleared before commit")

	has, err := s.h.store.HasRecord(s.ctx, s.sess.ID, "stu-1")
	s.Require().NoError(err)
	s.True(has)
	marked, err := s.h.cache.IsMarked(s.ctx, key)
	s.Require().NoError(err)
	s.True(marked, "marker now backed by the durable record")
}

func (s *SubmitSuite) TestInactiveSession() {
	s.Require().NoError(s.h.svc.StopSession(s.ctx, faculty(), s.sess.ID))

	_, err := s.submit("stu-1", fingerprint("a"), nil)
	requireCode(s.T(), err, CodeSessionInactive)
}

func (s *SubmitSuite) TestCancelledContextHasNoSideEffects() {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	before := len(s.h.audit.types())

	in := s.h.submission(s.T(), s.sess.ID, fingerprint("a"))
	_, err := s.h.svc.Submit(ctx, student("stu-1"), in)
	s.ErrorIs(err, context.Canceled)

	has, err := s.h.store.HasRecord(s.ctx, s.sess.ID, "stu-1")
	s.Require().NoError(err)
	s.False(has)
	s.Len(s.h.audit.types(), before)
}

type failingStore struct {
	*MemoryStore
}

func (failingStore) HasRecord(context.Context, string, string) (bool, error) {
	return false, errors.New("connection refused")
}

func TestStoreOutageFailsClosed(t *testing.T) {
	h := newHarness(t, lenientThrottle())
	sess := h.openSession(t, nil)

	broken := failingStore{h.store}
	h.svc.store = broken
	h.svc.guard = replay.NewGuard(broken, nil, replay.Config{}, nil, nil)

	_, err := h.svc.Submit(context.Background(), student("stu-1"), h.submission(t, sess.ID, fingerprint("a")))
	rej := requireCode(t, err, CodeStoreUnavailable)
	assert.Equal(t, ClassInfra, rej.Class)
}

func TestConcurrentSubmissionsOneRecord(t *testing.T) {
	h := newHarness(t, lenientThrottle())
	sess := h.openSession(t, nil)
	in := h.submission(t, sess.ID, fingerprint("a"))

	const n = 20
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		marked   int
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.Submit(context.Background(), student("stu-1"), in)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				accepted++
				return
			}
			if rej, ok := AsRejection(err); ok && rej.Code == CodeAlreadyMarked {
				marked++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, accepted)
	assert.Equal(t, n-1, marked)

	users, err := h.store.SessionDeviceUsers(context.Background(), sess.ID, fingerprint("a"))
	require.NoError(t, err)
	assert.Equal(t, []string{"stu-1"}, users)
}

func TestEleventhAttemptRateLimited(t *testing.T) {
	h := newHarness(t, throttle.DefaultConfig())
	sess := h.openSession(t, nil)
	in := h.submission(t, sess.ID, "bad")

	for i := range 10 {
		_, err := h.svc.Submit(context.Background(), student("stu-1"), in)
		rej, ok := AsRejection(err)
		require.True(t, ok)
		require.Equal(t, CodeInvalidDevice, rej.Code, "attempt %d", i+1)
	}

	_, err := h.svc.Submit(context.Background(), student("stu-1"), in)
	rej := requireCode(t, err, CodeRateLimited)
	assert.Equal(t, 60*time.Second, rej.RetryAfter)

	_, err = h.svc.Submit(context.Background(), student("stu-2"), h.submission(t, sess.ID, fingerprint("a")))
	assert.NoError(t, err)
}

func TestSecurityFailuresTripFailureRule(t *testing.T) {
	h := newHarness(t, throttle.DefaultConfig())
	sess := h.openSession(t, nil)
	in := h.submission(t, sess.ID, fingerprint("a"))
	in.Token = strings.Repeat("0", 64)

	for range 3 {
		_, err := h.svc.Submit(context.Background(), student("stu-1"), in)
		requireCode(t, err, CodeInvalidToken)
	}
	_, err := h.svc.Submit(context.Background(), student("stu-1"), h.submission(t, sess.ID, fingerprint("a")))
	rej := requireCode(t, err, CodeRateLimited)
	assert.Equal(t, 5*time.Minute, rej.RetryAfter)
}

func TestSpoofedLocationFlaggedInStandard(t *testing.T) {
	h := newHarness(t, lenientThrottle())
	sess := h.openSession(t, nil)
	in := h.submission(t, sess.ID, fingerprint("a"))
	in.Location.Accuracy = ptr(1.0)
	in.Location.Altitude = ptr(0.0)

	res, err := h.svc.Submit(context.Background(), student("stu-1"), in)
	require.NoError(t, err)
	assert.Equal(t, []Flag{FlagSpoofingSuspected}, res.Flags)
	assert.Equal(t, 30, res.SuspicionScore)
	assert.Equal(t, StatusPresent, res.Status)
}

func TestClassify(t *testing.T) {
	svc := NewService(Deps{}, Config{})
	sess := &Session{LateThreshold: 10}

	cases := []struct {
		name    string
		minutes int
		score   int
		want    Status
	}{
		{"on time", 3, 0, StatusPresent},
		{"at threshold", 10, 0, StatusPresent},
		{"late", 11, 20, StatusLate},
		{"suspicious beats late", 30, 50, StatusSuspicious},
		{"suspicious on time", 0, 75, StatusSuspicious},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := &submission{session: sess, minutes: tc.minutes, score: tc.score}
			assert.Equal(t, tc.want, svc.classify(p))
		})
	}
}
