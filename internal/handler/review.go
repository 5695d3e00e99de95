package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"attendguard/internal/attendance"
)

type noteBody struct {
	Note string `json:"note" binding:"max=1000"`
}

type reasonBody struct {
	Reason string `json:"reason" binding:"max=1000"`
}

type bulkBody struct {
	IDs    []string `json:"ids" binding:"required,min=1,max=100"`
	Note   string   `json:"note" binding:"max=1000"`
	Reason string   `json:"reason" binding:"max=1000"`
}

type recordNoteBody struct {
	Text string `json:"text" binding:"required,max=1000"`
}

func (h *Handler) listFailedAttempts(c *gin.Context) {
	status := attendance.AttemptStatus(c.Query("status"))
	list, err := h.svc.ListFailedAttempts(c.Request.Context(), actorFrom(c), c.Param("id"), status)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if list == nil {
		list = []attendance.FailedAttempt{}
	}
	c.JSON(http.StatusOK, gin.H{"failed_attempts": list})
}

func (h *Handler) acceptAttempt(c *gin.Context) {
	var body noteBody
	if err := decodeOptional(c, &body); err != nil {
		badRequest(c, err)
		return
	}
	rec, err := h.svc.AcceptFailedAttempt(c.Request.Context(), actorFrom(c), c.Param("id"), body.Note)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (h *Handler) rejectAttempt(c *gin.Context) {
	var body reasonBody
	if err := decodeOptional(c, &body); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.svc.RejectFailedAttempt(c.Request.Context(), actorFrom(c), c.Param("id"), body.Reason); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) bulkAccept(c *gin.Context) {
	var body bulkBody
	if err := decodeStrict(c, &body); err != nil {
		badRequest(c, err)
		return
	}
	res, err := h.svc.BulkAccept(c.Request.Context(), actorFrom(c), body.IDs, body.Note)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) bulkReject(c *gin.Context) {
	var body bulkBody
	if err := decodeStrict(c, &body); err != nil {
		badRequest(c, err)
		return
	}
	res, err := h.svc.BulkReject(c.Request.Context(), actorFrom(c), body.IDs, body.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) addNote(c *gin.Context) {
	var body recordNoteBody
	if err := decodeStrict(c, &body); err != nil {
		badRequest(c, err)
		return
	}
	rec, err := h.svc.AddRecordNote(c.Request.Context(), actorFrom(c), c.Param("id"), body.Text)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}
