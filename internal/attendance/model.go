package attendance

import (
	"time"

	"attendguard/internal/geo"
	"attendguard/internal/token"
)

// SchemaVersion is stamped on every session row.
const SchemaVersion = 1

// SecurityLevel selects how soft signals are treated.
type SecurityLevel string

const (
	LevelStandard SecurityLevel = "standard"
	LevelStrict   SecurityLevel = "strict"
	LevelParanoid SecurityLevel = "paranoid"
)

// Valid reports whether l is a known level.
func (l SecurityLevel) Valid() bool {
	return l == LevelStandard || l == LevelStrict || l == LevelParanoid
}

// Strict is true for strict and paranoid sessions.
func (l SecurityLevel) Strict() bool { return l == LevelStrict || l == LevelParanoid }

// SessionState is the lifecycle position of a session.
type SessionState string

const (
	StateActive    SessionState = "active"
	StateStopped   SessionState = "stopped"
	StateCancelled SessionState = "cancelled"
	StateExpired   SessionState = "expired"
)

// Audience describes who may attend. Empty lists match everyone.
type Audience struct {
	Branches []string `json:"branches,omitempty"`
	Year     int      `json:"year,omitempty"`
	Batches  []string `json:"batches,omitempty"`
	Elective bool     `json:"elective,omitempty"`
}

// Session is one scheduled event.
type Session struct {
	ID              string        `json:"id"`
	SchemaVersion   int           `json:"schema_version"`
	CourseID        string        `json:"course_id"`
	OwnerID         string        `json:"owner_id"`
	StartTime       time.Time     `json:"start_time"`
	EndTime         time.Time     `json:"end_time"`
	Fence           geo.Fence     `json:"geofence"`
	SecurityLevel   SecurityLevel `json:"security_level"`
	DeviceBinding   bool          `json:"device_binding"`
	LocationBinding bool          `json:"location_binding"`
	LateThreshold   int           `json:"late_threshold_minutes"`
	Audience        Audience      `json:"audience"`
	Token           token.State   `json:"-"`
	State           SessionState  `json:"state"`
	IsActive        bool          `json:"is_active"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Status of an attendance record.
type Status string

const (
	StatusPresent    Status = "PRESENT"
	StatusLate       Status = "LATE"
	StatusSuspicious Status = "SUSPICIOUS"
	StatusRejected   Status = "REJECTED"
)

// MarkedBy says who created a record.
type MarkedBy string

const (
	MarkedBySelf     MarkedBy = "self"
	MarkedByReviewer MarkedBy = "reviewer"
	MarkedBySystem   MarkedBy = "system"
)

// Flag is a soft security signal attached to a record.
type Flag string

const (
	FlagDeviceLimitExceeded   Flag = "DEVICE_LIMIT_EXCEEDED"
	FlagDeviceSwitch          Flag = "DEVICE_SWITCH"
	FlagLowDeviceTrust        Flag = "LOW_DEVICE_TRUST"
	FlagDeviceSharedInSession Flag = "DEVICE_SHARED_IN_SESSION"
	FlagMultiStudentDevice    Flag = "MULTI_STUDENT_DEVICE"
	FlagSpoofingSuspected     Flag = Flag(geo.FlagSpoofingSuspected)
	FlagLowGPSAccuracy        Flag = Flag(geo.FlagLowAccuracy)
	FlagClockSkew             Flag = "CLOCK_SKEW"
)

// Validation holds one boolean per pipeline stage.
type Validation struct {
	Session     bool `json:"session"`
	Time        bool `json:"time"`
	Token       bool `json:"token"`
	Replay      bool `json:"replay"`
	Device      bool `json:"device"`
	Eligibility bool `json:"eligibility"`
	Location    bool `json:"location"`
}

// Note is a reviewer annotation.
type Note struct {
	AuthorID string    `json:"author_id"`
	Text     string    `json:"text"`
	At       time.Time `json:"at"`
}

// Record is the single attendance entry for a (session, person) pair.
type Record struct {
	ID                string      `json:"id"`
	SessionID         string      `json:"session_id"`
	PersonID          string      `json:"person_id"`
	Status            Status      `json:"status"`
	MarkedAt          time.Time   `json:"marked_at"`
	MinutesAfterStart int         `json:"minutes_after_start"`
	Location          *geo.Sample `json:"location,omitempty"`
	DeviceHash        string      `json:"device_hash,omitempty"`
	Validation        Validation  `json:"validation"`
	Flags             []Flag      `json:"security_flags"`
	SuspicionScore    int         `json:"suspicion_score"`
	MarkedBy          MarkedBy    `json:"marked_by"`
	Notes             []Note      `json:"notes,omitempty"`
}

// AttemptStatus is the review state of a failed attempt.
type AttemptStatus string

const (
	AttemptPending  AttemptStatus = "pending"
	AttemptAccepted AttemptStatus = "accepted"
	AttemptRejected AttemptStatus = "rejected"
)

// DeviceInfo is the device part of a submission.
type DeviceInfo struct {
	Fingerprint string `json:"fingerprint"`
	Type        string `json:"type,omitempty"`
	Platform    string `json:"platform,omitempty"`
	UserAgent   string `json:"user_agent,omitempty"`
}

// FailedAttempt is a rejected submission waiting for a reviewer.
type FailedAttempt struct {
	ID                string        `json:"id"`
	SessionID         string        `json:"session_id"`
	PersonID          string        `json:"person_id"`
	Code              Code          `json:"code"`
	Message           string        `json:"message"`
	Location          *geo.Sample   `json:"location,omitempty"`
	Device            *DeviceInfo   `json:"device,omitempty"`
	MinutesAfterStart int           `json:"minutes_after_start"`
	AttemptedAt       time.Time     `json:"attempted_at"`
	Status            AttemptStatus `json:"status"`
	ReviewerID        string        `json:"reviewer_id,omitempty"`
	ReviewNote        string        `json:"review_note,omitempty"`
	ResolvedAt        *time.Time    `json:"resolved_at,omitempty"`
	RecordID          string        `json:"record_id,omitempty"`
}

// Location is the submitted location reading. Coordinates are pointers so a
// missing field is distinguishable from zero.
type Location struct {
	Lat      *float64 `json:"lat" binding:"required"`
	Lng      *float64 `json:"lng" binding:"required"`
	Accuracy *float64 `json:"accuracy"`
	Altitude *float64 `json:"altitude"`
	Heading  *float64 `json:"heading"`
	Speed    *float64 `json:"speed"`
}

// Sample converts the reading into a geo sample taken at.
func (l Location) Sample(at time.Time) geo.Sample {
	s := geo.Sample{
		Accuracy:  l.Accuracy,
		Altitude:  l.Altitude,
		Heading:   l.Heading,
		Speed:     l.Speed,
		Timestamp: at,
	}
	if l.Lat != nil {
		s.Lat = *l.Lat
	}
	if l.Lng != nil {
		s.Lng = *l.Lng
	}
	return s
}

// Submission is a claimed-presence request.
type Submission struct {
	SessionID string     `json:"session_id" binding:"required"`
	Token     string     `json:"token" binding:"required"`
	Nonce     string     `json:"nonce" binding:"required"`
	Timestamp int64      `json:"timestamp" binding:"required,gt=0"`
	Location  *Location  `json:"location"`
	Device    DeviceInfo `json:"device"`
}

// Actor is the authenticated caller.
type Actor struct {
	PersonID string
	Role     string
}

// Result is returned for an accepted submission.
type Result struct {
	RecordID          string  `json:"record_id"`
	Status            Status  `json:"status"`
	Distance          float64 `json:"distance"`
	AllowedRadius     float64 `json:"allowed_radius,omitempty"`
	MinutesAfterStart int     `json:"minutes_after_start"`
	SuspicionScore    int     `json:"suspicion_score"`
	Flags             []Flag  `json:"security_flags,omitempty"`
	Message           string  `json:"message"`
}
