package attendance

import (
	"errors"
	"fmt"
	"time"

	"attendguard/internal/replay"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrRecordNotFound  = errors.New("attendance record not found")
	ErrAttemptNotFound = errors.New("failed attempt not found")
	ErrForbidden       = errors.New("not allowed for this caller")
	ErrInvalidState    = errors.New("invalid state for this operation")
	ErrInvalidInput    = errors.New("invalid input")
	ErrConflict        = errors.New("concurrent update")
	ErrAlreadyMarked   = replay.ErrAlreadyMarked
)

// Code is a machine-readable rejection reason.
type Code string

const (
	CodeInvalidRole             Code = "INVALID_ROLE"
	CodeRateLimited             Code = "RATE_LIMITED"
	CodeSessionNotFound         Code = "SESSION_NOT_FOUND"
	CodeSessionInactive         Code = "SESSION_INACTIVE"
	CodeOutsideTimeWindow       Code = "OUTSIDE_TIME_WINDOW"
	CodeInvalidToken            Code = "INVALID_TOKEN"
	CodeTokenExpired            Code = "TOKEN_EXPIRED"
	CodeClockTamper             Code = "CLOCK_TAMPER"
	CodeAlreadyMarked           Code = "ALREADY_MARKED"
	CodeInvalidDevice           Code = "INVALID_DEVICE"
	CodeDeviceSharedInSession   Code = "DEVICE_SHARED_IN_SESSION"
	CodeDeviceOwnershipConflict Code = "DEVICE_OWNERSHIP_CONFLICT"
	CodeDeviceBlocked           Code = "DEVICE_BLOCKED"
	CodeNotEligible             Code = "NOT_ELIGIBLE"
	CodeInvalidLocation         Code = "INVALID_LOCATION"
	CodeOutsideGeofence         Code = "OUTSIDE_GEOFENCE"
	CodeLocationSuspicious      Code = "LOCATION_SUSPICIOUS"
	CodeLowAccuracy             Code = "LOW_ACCURACY"
	CodeStoreUnavailable        Code = "STORE_UNAVAILABLE"
)

// Class groups codes by how they are handled.
type Class string

const (
	ClassClient   Class = "client"
	ClassPolicy   Class = "policy"
	ClassSecurity Class = "security"
	ClassInfra    Class = "infra"
)

// ThrottleCost is the failure-window weight of a class.
func (c Class) ThrottleCost() int {
	switch c {
	case ClassSecurity:
		return 2
	case ClassPolicy:
		return 1
	default:
		return 0
	}
}

var codeClass = map[Code]Class{
	CodeInvalidRole:             ClassPolicy,
	CodeRateLimited:             ClassPolicy,
	CodeSessionNotFound:         ClassPolicy,
	CodeSessionInactive:         ClassPolicy,
	CodeOutsideTimeWindow:       ClassPolicy,
	CodeInvalidToken:            ClassSecurity,
	CodeTokenExpired:            ClassSecurity,
	CodeClockTamper:             ClassSecurity,
	CodeAlreadyMarked:           ClassSecurity,
	CodeInvalidDevice:           ClassClient,
	CodeDeviceSharedInSession:   ClassSecurity,
	CodeDeviceOwnershipConflict: ClassSecurity,
	CodeDeviceBlocked:           ClassSecurity,
	CodeNotEligible:             ClassPolicy,
	CodeInvalidLocation:         ClassClient,
	CodeOutsideGeofence:         ClassPolicy,
	CodeLocationSuspicious:      ClassSecurity,
	CodeLowAccuracy:             ClassPolicy,
	CodeStoreUnavailable:        ClassInfra,
}

// Class returns the class of a code.
func (c Code) Class() Class {
	if cl, ok := codeClass[c]; ok {
		return cl
	}
	return ClassPolicy
}

// Reviewable reports whether a rejection with this code is queued for review.
func (c Code) Reviewable() bool {
	switch c {
	case CodeOutsideTimeWindow, CodeInvalidToken, CodeTokenExpired,
		CodeInvalidDevice, CodeDeviceSharedInSession, CodeDeviceOwnershipConflict,
		CodeNotEligible, CodeOutsideGeofence, CodeLocationSuspicious, CodeLowAccuracy:
		return true
	}
	return false
}

// Rejection is a typed pipeline failure.
type Rejection struct {
	Code          Code          `json:"code"`
	Class         Class         `json:"class"`
	Message       string        `json:"message"`
	RetryAfter    time.Duration `json:"-"`
	Distance      float64       `json:"distance,omitempty"`
	AllowedRadius float64       `json:"allowed_radius,omitempty"`
	cause         error
}

func (r *Rejection) Error() string {
	if r.cause != nil {
		return fmt.Sprintf("%s: %s: %v", r.Code, r.Message, r.cause)
	}
	return fmt.Sprintf("%s: %s", r.Code, r.Message)
}

func (r *Rejection) Unwrap() error { return r.cause }

func reject(code Code, msg string) *Rejection {
	return &Rejection{Code: code, Class: code.Class(), Message: msg}
}

func rejectWith(code Code, msg string, cause error) *Rejection {
	r := reject(code, msg)
	r.cause = cause
	return r
}

// AsRejection unwraps err into a *Rejection.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	ok := errors.As(err, &r)
	return r, ok
}
