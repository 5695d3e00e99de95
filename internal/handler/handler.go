// Package handler exposes the attendance service over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"

	"attendguard/internal/attendance"
	"attendguard/internal/auth"
	"attendguard/internal/replay"
)

// maxBody caps request bodies. Bulk review bodies are the largest.
const maxBody = 64 << 10

// Config carries the auth settings the routes need.
type Config struct {
	JWTIssuer     string
	JWTSigningKey string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	// DevTokens mounts POST /v1/dev/tokens. Never enable it in production.
	DevTokens bool
}

// Check reports whether a dependency is reachable.
type Check func(ctx context.Context) bool

// Handler holds the HTTP endpoints.
type Handler struct {
	svc    *attendance.Service
	cfg    Config
	checks map[string]Check
	log    *slog.Logger
}

// New creates a handler. checks feed /healthz.
func New(svc *attendance.Service, cfg Config, checks map[string]Check, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, cfg: cfg, checks: checks, log: logger}
}

// Register mounts every route on r.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/healthz", h.health)

	v1 := r.Group("/v1")
	if h.cfg.DevTokens {
		v1.POST("/dev/tokens", h.devToken)
	}

	authed := v1.Group("", auth.PersonAuth(h.cfg.JWTSigningKey, h.cfg.JWTIssuer))
	// the pipeline checks the role itself so refusals are audited
	authed.POST("/attendance", h.submit)

	staff := authed.Group("", auth.RequireRole(auth.RoleFaculty))
	staff.POST("/sessions", h.createSession)
	staff.GET("/sessions/:id", h.getSession)
	staff.GET("/sessions/:id/token", h.issueToken)
	staff.POST("/sessions/:id/token/refresh", h.refreshToken)
	staff.POST("/sessions/:id/stop", h.stopSession)
	staff.POST("/sessions/:id/cancel", h.cancelSession)

	review := authed.Group("", auth.RequireRole(auth.RoleFaculty, auth.RoleReviewer))
	review.GET("/sessions/:id/failed-attempts", h.listFailedAttempts)
	review.POST("/failed-attempts/bulk-accept", h.bulkAccept)
	review.POST("/failed-attempts/bulk-reject", h.bulkReject)
	review.POST("/failed-attempts/:id/accept", h.acceptAttempt)
	review.POST("/failed-attempts/:id/reject", h.rejectAttempt)
	review.POST("/records/:id/notes", h.addNote)
}

func (h *Handler) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	body := gin.H{"status": "ok"}
	for name, check := range h.checks {
		ok := check(ctx)
		body[name] = ok
		if !ok {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	c.JSON(status, body)
}

func actorFrom(c *gin.Context) attendance.Actor {
	claims, _ := auth.ClaimsFrom(c)
	return attendance.Actor{PersonID: claims.Subject, Role: claims.Role}
}

// decodeStrict decodes the body into v, rejecting unknown fields and trailing
// data, then runs the gin binding validator.
func decodeStrict(c *gin.Context, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(c.Writer, c.Request.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("decode body: trailing data after JSON object")
	}
	if binding.Validator == nil {
		return nil
	}
	return binding.Validator.ValidateStruct(v)
}

// decodeOptional is decodeStrict for endpoints whose body may be empty.
func decodeOptional(c *gin.Context, v any) error {
	if c.Request.ContentLength == 0 {
		return nil
	}
	return decodeStrict(c, v)
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "BAD_REQUEST"})
}

// rejectionStatus maps a pipeline rejection to an HTTP status.
func rejectionStatus(r *attendance.Rejection) int {
	switch r.Code {
	case attendance.CodeRateLimited:
		return http.StatusTooManyRequests
	case attendance.CodeStoreUnavailable:
		return http.StatusServiceUnavailable
	case attendance.CodeSessionNotFound:
		return http.StatusNotFound
	case attendance.CodeSessionInactive, attendance.CodeAlreadyMarked,
		attendance.CodeDeviceSharedInSession, attendance.CodeDeviceOwnershipConflict:
		return http.StatusConflict
	case attendance.CodeInvalidDevice:
		return http.StatusBadRequest
	case attendance.CodeInvalidLocation, attendance.CodeLowAccuracy:
		return http.StatusUnprocessableEntity
	}
	switch r.Class {
	case attendance.ClassClient:
		return http.StatusBadRequest
	case attendance.ClassInfra:
		return http.StatusServiceUnavailable
	default:
		return http.StatusForbidden
	}
}

// writeError renders err. Unknown errors are logged and hidden from the caller.
func (h *Handler) writeError(c *gin.Context, err error) {
	if rej, ok := attendance.AsRejection(err); ok {
		body := gin.H{"error": rej.Message, "code": rej.Code, "class": rej.Class}
		if rej.Code == attendance.CodeOutsideGeofence {
			body["distance"] = rej.Distance
			body["allowed_radius"] = rej.AllowedRadius
		}
		if rej.RetryAfter > 0 {
			secs := int(math.Ceil(rej.RetryAfter.Seconds()))
			c.Header("Retry-After", fmt.Sprint(secs))
			body["retry_after_seconds"] = secs
		}
		c.AbortWithStatusJSON(rejectionStatus(rej), body)
		return
	}

	status, code := http.StatusInternalServerError, "INTERNAL"
	switch {
	case errors.Is(err, attendance.ErrSessionNotFound):
		status, code = http.StatusNotFound, "SESSION_NOT_FOUND"
	case errors.Is(err, attendance.ErrRecordNotFound):
		status, code = http.StatusNotFound, "RECORD_NOT_FOUND"
	case errors.Is(err, attendance.ErrAttemptNotFound):
		status, code = http.StatusNotFound, "ATTEMPT_NOT_FOUND"
	case errors.Is(err, attendance.ErrForbidden):
		status, code = http.StatusForbidden, "FORBIDDEN"
	case errors.Is(err, attendance.ErrAlreadyMarked):
		status, code = http.StatusConflict, "ALREADY_MARKED"
	case errors.Is(err, attendance.ErrInvalidState):
		status, code = http.StatusConflict, "INVALID_STATE"
	case errors.Is(err, attendance.ErrConflict):
		status, code = http.StatusConflict, "CONFLICT"
	case errors.Is(err, attendance.ErrInvalidInput):
		status, code = http.StatusBadRequest, "BAD_REQUEST"
	case errors.Is(err, replay.ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		status, code = http.StatusServiceUnavailable, "STORE_UNAVAILABLE"
	case errors.Is(err, context.Canceled):
		// client went away; nobody reads the response
		status, code = 499, "CANCELLED"
	}
	if status >= http.StatusInternalServerError {
		h.log.ErrorContext(c.Request.Context(), "request failed", "path", c.FullPath(), "error", err)
		_ = c.Error(err)
		c.AbortWithStatusJSON(status, gin.H{"error": http.StatusText(status), "code": code})
		return
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error(), "code": code})
}
