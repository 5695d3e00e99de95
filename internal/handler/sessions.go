package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"attendguard/internal/attendance"
	"attendguard/internal/token"
)

func (h *Handler) createSession(c *gin.Context) {
	var in attendance.CreateSessionInput
	if err := decodeStrict(c, &in); err != nil {
		badRequest(c, err)
		return
	}
	sess, err := h.svc.CreateSession(c.Request.Context(), actorFrom(c), in)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (h *Handler) getSession(c *gin.Context) {
	sess, err := h.svc.Session(c.Request.Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// tokenResponse carries the display payload and its QR-ready encoding.
type tokenResponse struct {
	token.Display
	Code string `json:"code"`
}

func (h *Handler) writeToken(c *gin.Context, d token.Display, err error) {
	if err != nil {
		h.writeError(c, err)
		return
	}
	code, err := d.Encode()
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, tokenResponse{Display: d, Code: code})
}

func (h *Handler) issueToken(c *gin.Context) {
	d, err := h.svc.IssueToken(c.Request.Context(), actorFrom(c), c.Param("id"))
	h.writeToken(c, d, err)
}

func (h *Handler) refreshToken(c *gin.Context) {
	d, err := h.svc.RefreshToken(c.Request.Context(), actorFrom(c), c.Param("id"))
	h.writeToken(c, d, err)
}

func (h *Handler) stopSession(c *gin.Context) {
	if err := h.svc.StopSession(c.Request.Context(), actorFrom(c), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) cancelSession(c *gin.Context) {
	if err := h.svc.CancelSession(c.Request.Context(), actorFrom(c), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
