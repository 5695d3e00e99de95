package attendance

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/suite"

	"attendguard/internal/audit"
	"attendguard/internal/directory"
)

type ReviewSuite struct {
	suite.Suite
	h    *harness
	sess *Session
	ctx  context.Context
}

func TestReviewSuite(t *testing.T) {
	suite.Run(t, new(ReviewSuite))
}

func (s *ReviewSuite) SetupTest() {
	s.h = newHarness(s.T(), lenientThrottle())
	s.sess = s.h.openSession(s.T(), nil)
	s.ctx = context.Background()
	s.h.dir.PutProfile(directory.Profile{PersonID: "ece-1", Branch: "ECE", Year: 3, Batch: "A"})
	s.h.dir.PutProfile(directory.Profile{PersonID: "ece-2", Branch: "ECE", Year: 3, Batch: "B"})
}

// fail records a NOT_ELIGIBLE attempt for personID and returns its id.
func (s *ReviewSuite) fail(personID, fp string) string {
	_, err := s.h.svc.Submit(s.ctx, student(personID), s.h.submission(s.T(), s.sess.ID, fp))
	requireCode(s.T(), err, CodeNotEligible)

	attempts, err := s.h.store.ListFailedAttempts(s.ctx, s.sess.ID, AttemptPending)
	s.Require().NoError(err)
	for _, a := range attempts {
		if a.PersonID == personID {
			return a.ID
		}
	}
	s.FailNow("no pending attempt for " + personID)
	return ""
}

func (s *ReviewSuite) TestAccept() {
	id := s.fail("ece-1", fingerprint("a"))

	rec, err := s.h.svc.AcceptFailedAttempt(s.ctx, reviewer(), id, "lab partner confirmed presence")
	s.Require().NoError(err)
	s.Equal(StatusPresent, rec.Status)
	s.Equal(MarkedByReviewer, rec.MarkedBy)
	s.Equal(fingerprint("a"), rec.DeviceHash)
	s.Require().Len(rec.Notes, 1)
	s.Equal(reviewerID, rec.Notes[0].AuthorID)

	a, err := s.h.store.GetFailedAttempt(s.ctx, id)
	s.Require().NoError(err)
	s.Equal(AttemptAccepted, a.Status)
	s.Equal(rec.ID, a.RecordID)
	s.Equal(reviewerID, a.ReviewerID)
	s.NotNil(a.ResolvedAt)

	_, err = s.h.svc.AcceptFailedAttempt(s.ctx, reviewer(), id, "")
	s.ErrorIs(err, ErrInvalidState)

	_, err = s.h.svc.Submit(s.ctx, student("ece-1"), s.h.submission(s.T(), s.sess.ID, fingerprint("a")))
	requireCode(s.T(), err, CodeAlreadyMarked)
	s.Contains(s.h.audit.types(), audit.TypeFailedAttemptAccepted)
}

func (s *ReviewSuite) TestAcceptKeepsOriginalTiming() {
	id := s.fail("ece-1", fingerprint("a"))
	s.Require().NoError(s.h.store.SetSessionState(s.ctx, s.sess.ID, StateStopped, s.h.clock.Now()))

	sess, err := s.h.store.GetSession(s.ctx, s.sess.ID)
	s.Require().NoError(err)
	a, err := s.h.store.GetFailedAttempt(s.ctx, id)
	s.Require().NoError(err)
	a.MinutesAfterStart = sess.LateThreshold + 5
	s.Require().NoError(s.h.store.InsertFailedAttempt(s.ctx, a))

	rec, err := s.h.svc.AcceptFailedAttempt(s.ctx, reviewer(), id, "")
	s.Require().NoError(err)
	s.Equal(StatusLate, rec.Status)
	s.Empty(rec.Notes)
}

func (s *ReviewSuite) TestAcceptAfterSelfMarkIsAlreadyMarked() {
	id := s.fail("ece-1", fingerprint("a"))
	s.h.dir.PutProfile(directory.Profile{PersonID: "ece-1", Branch: "ECE", Year: 3, Batch: "A", Electives: []string{courseID}})

	_, err := s.h.svc.Submit(s.ctx, student("ece-1"), s.h.submission(s.T(), s.sess.ID, fingerprint("a")))
	s.Require().NoError(err)

	_, err = s.h.svc.AcceptFailedAttempt(s.ctx, reviewer(), id, "")
	s.ErrorIs(err, ErrAlreadyMarked)

	a, err := s.h.store.GetFailedAttempt(s.ctx, id)
	s.Require().NoError(err)
	s.Equal(AttemptPending, a.Status)
}

func (s *ReviewSuite) TestReject() {
	id := s.fail("ece-1", fingerprint("a"))

	s.Require().NoError(s.h.svc.RejectFailedAttempt(s.ctx, reviewer(), id, "not in this batch"))
	a, err := s.h.store.GetFailedAttempt(s.ctx, id)
	s.Require().NoError(err)
	s.Equal(AttemptRejected, a.Status)
	s.Equal("not in this batch", a.ReviewNote)

	s.ErrorIs(s.h.svc.RejectFailedAttempt(s.ctx, reviewer(), id, ""), ErrInvalidState)
	has, err := s.h.store.HasRecord(s.ctx, s.sess.ID, "ece-1")
	s.Require().NoError(err)
	s.False(has)
}

func (s *ReviewSuite) TestPermissions() {
	id := s.fail("ece-1", fingerprint("a"))

	_, err := s.h.svc.AcceptFailedAttempt(s.ctx, student("stu-1"), id, "")
	s.ErrorIs(err, ErrForbidden)
	_, err = s.h.svc.AcceptFailedAttempt(s.ctx, Actor{PersonID: "fac-2", Role: "faculty"}, id, "")
	s.ErrorIs(err, ErrForbidden)
	_, err = s.h.svc.ListFailedAttempts(s.ctx, student("stu-1"), s.sess.ID, "")
	s.ErrorIs(err, ErrForbidden)

	list, err := s.h.svc.ListFailedAttempts(s.ctx, faculty(), s.sess.ID, AttemptPending)
	s.Require().NoError(err)
	s.Len(list, 1)

	_, err = s.h.svc.ListFailedAttempts(s.ctx, faculty(), s.sess.ID, "archived")
	s.ErrorIs(err, ErrInvalidInput)
	_, err = s.h.svc.AcceptFailedAttempt(s.ctx, reviewer(), "missing", "")
	s.ErrorIs(err, ErrAttemptNotFound)
}

func (s *ReviewSuite) TestBulk() {
	first := s.fail("ece-1", fingerprint("a"))
	second := s.fail("ece-2", fingerprint("b"))

	res, err := s.h.svc.BulkReject(s.ctx, reviewer(), []string{first, second, first, "missing"}, "wrong section")
	s.Require().NoError(err)
	s.ElementsMatch([]string{first, second}, res.Succeeded)
	s.Require().Len(res.Failed, 1)
	s.Equal("missing", res.Failed[0].ID)

	res, err = s.h.svc.BulkAccept(s.ctx, reviewer(), []string{first}, "")
	s.Require().NoError(err)
	s.Empty(res.Succeeded)
	s.Len(res.Failed, 1)

	_, err = s.h.svc.BulkAccept(s.ctx, reviewer(), nil, "")
	s.ErrorIs(err, ErrInvalidInput)
}

func (s *ReviewSuite) TestNoteLimitCountsCharacters() {
	// 1000 Devanagari characters are 3000 bytes
	long := strings.Repeat("अ", maxNoteSize)

	res, err := s.h.svc.Submit(s.ctx, student("stu-1"), s.h.submission(s.T(), s.sess.ID, fingerprint("a")))
	s.Require().NoError(err)
	rec, err := s.h.svc.AddRecordNote(s.ctx, reviewer(), res.RecordID, long)
	s.Require().NoError(err)
	s.Equal(long, rec.Notes[0].Text)

	id := s.fail("ece-1", fingerprint("b"))
	_, err = s.h.svc.AcceptFailedAttempt(s.ctx, reviewer(), id, long)
	s.Require().NoError(err)

	id = s.fail("ece-2", fingerprint("c"))
	s.ErrorIs(s.h.svc.RejectFailedAttempt(s.ctx, reviewer(), id, long+"अ"), ErrInvalidInput)
	s.NoError(s.h.svc.RejectFailedAttempt(s.ctx, reviewer(), id, long))
}

func (s *ReviewSuite) TestAddRecordNote() {
	res, err := s.h.svc.Submit(s.ctx, student("stu-1"), s.h.submission(s.T(), s.sess.ID, fingerprint("a")))
	s.Require().NoError(err)

	rec, err := s.h.svc.AddRecordNote(s.ctx, reviewer(), res.RecordID, "  sat near the door  ")
	s.Require().NoError(err)
	s.Require().Len(rec.Notes, 1)
	s.Equal("sat near the door", rec.Notes[0].Text)

	_, err = s.h.svc.AddRecordNote(s.ctx, reviewer(), res.RecordID, "   ")
	s.ErrorIs(err, ErrInvalidInput)
	_, err = s.h.svc.AddRecordNote(s.ctx, reviewer(), res.RecordID, strings.Repeat("x", maxNoteSize+1))
	s.ErrorIs(err, ErrInvalidInput)
	_, err = s.h.svc.AddRecordNote(s.ctx, student("stu-1"), res.RecordID, "present")
	s.ErrorIs(err, ErrForbidden)
	_, err = s.h.svc.AddRecordNote(s.ctx, reviewer(), "missing", "present")
	s.ErrorIs(err, ErrRecordNotFound)
	s.Contains(s.h.audit.types(), audit.TypeRecordNoteAdded)
}
