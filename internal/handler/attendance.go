package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	useragent "github.com/mssola/useragent"

	"attendguard/internal/attendance"
	"attendguard/internal/geo"
)

func (h *Handler) submit(c *gin.Context) {
	var in attendance.Submission
	if err := decodeStrict(c, &in); err != nil {
		badRequest(c, err)
		return
	}
	fillDevice(&in.Device, c.Request.UserAgent())

	res, err := h.svc.Submit(c.Request.Context(), actorFrom(c), in)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// fillDevice completes device metadata the client left out from the request's
// User-Agent. The fingerprint is never derived.
func fillDevice(d *attendance.DeviceInfo, header string) {
	if d.UserAgent == "" {
		d.UserAgent = header
	}
	if d.UserAgent == "" || (d.Type != "" && d.Platform != "") {
		return
	}
	ua := useragent.New(d.UserAgent)
	if d.Platform == "" {
		d.Platform = ua.OS()
	}
	if d.Type == "" {
		switch {
		case ua.Platform() == "iPad":
			d.Type = string(geo.DeviceTablet)
		case ua.Mobile():
			d.Type = string(geo.DeviceMobile)
		default:
			d.Type = string(geo.DeviceDesktop)
		}
	}
}
