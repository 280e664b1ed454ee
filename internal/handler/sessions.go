package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"schoolpass/internal/admission"
	"schoolpass/internal/auth"
	"schoolpass/internal/scan"
)

type openSessionRequest struct {
	Facing string `json:"facing"`
}

type sessionResponse struct {
	scan.Snapshot
	Capture scan.Status `json:"capture"`
}

// OpenSession starts a scanning session for the caller. The scanner identity
// is read from the user record so assignment changes apply immediately.
func (h *Handler) OpenSession(c *gin.Context) {
	var req openSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			bindError(c, err)
			return
		}
	}
	facing := scan.Facing(req.Facing)
	if facing != "" && facing != scan.FacingEnvironment && facing != scan.FacingUser {
		c.JSON(http.StatusBadRequest, gin.H{"error": "facing must be environment or user"})
		return
	}
	claims, _ := auth.ClaimsFrom(c)
	u, err := h.roster.GetUser(c.Request.Context(), claims.UserID())
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unknown user"})
		return
	}
	s, err := h.sessions.Open(c.Request.Context(), admission.ScannerFor(u), facing)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.respondSession(c, http.StatusCreated, s)
}

// session loads the caller's own session; other users' sessions are not
// visible.
func (h *Handler) session(c *gin.Context) (*scan.Session, bool) {
	claims, _ := auth.ClaimsFrom(c)
	s, ok := h.sessions.Get(c.Param("id"))
	if !ok || s.Scanner().ID != claims.UserID() {
		h.writeError(c, scan.ErrSessionNotFound)
		return nil, false
	}
	return s, true
}

func (h *Handler) respondSession(c *gin.Context, status int, s *scan.Session) {
	capture, err := h.sessions.CaptureStatus(s.ID())
	if err != nil {
		capture = scan.Status{}
	}
	c.JSON(status, sessionResponse{Snapshot: s.Snapshot(), Capture: capture})
}

func (h *Handler) GetSession(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	h.respondSession(c, http.StatusOK, s)
}

type frameRequest struct {
	Payload string `json:"payload" binding:"required"`
}

// SubmitFrame delivers one decoded payload. Frames that arrive while a scan
// is being decided or displayed are dropped and reported as not accepted.
func (h *Handler) SubmitFrame(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	var req frameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	accepted, err := h.sessions.Deliver(s.ID(), req.Payload)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accepted": accepted, "session": s.Snapshot()})
}

type deviceErrorRequest struct {
	Reason  string `json:"reason" binding:"required"`
	Message string `json:"message"`
}

// ReportDeviceError records a camera failure seen by the station.
func (h *Handler) ReportDeviceError(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	var req deviceErrorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	s.ReportCaptureError(scan.ErrorFor(req.Reason))
	h.respondSession(c, http.StatusOK, s)
}

func (h *Handler) RetrySession(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	if err := s.Retry(c.Request.Context()); err != nil {
		h.writeError(c, err)
		return
	}
	h.respondSession(c, http.StatusOK, s)
}

func (h *Handler) CloseSession(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	if err := h.sessions.Close(c.Request.Context(), s.ID()); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
