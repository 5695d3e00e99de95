package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"attendguard/internal/auth"
)

type devTokenBody struct {
	PersonID string `json:"person_id" binding:"required,max=64"`
	Role     string `json:"role" binding:"required"`
}

// devToken mints a token pair for any person and role. Mounted only outside
// production.
func (h *Handler) devToken(c *gin.Context) {
	var body devTokenBody
	if err := decodeStrict(c, &body); err != nil {
		badRequest(c, err)
		return
	}
	pair, err := auth.Issue(body.PersonID, body.Role, h.cfg.JWTIssuer, h.cfg.JWTSigningKey, h.cfg.AccessTTL, h.cfg.RefreshTTL)
	if errors.Is(err, auth.ErrUnknownRole) {
		badRequest(c, err)
		return
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, pair)
}
