package handler

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"schoolpass/internal/auth"
	"schoolpass/internal/badge"
	"schoolpass/internal/export"
	"schoolpass/internal/records"
	"schoolpass/internal/roster"
)

func (h *Handler) RegisterStudent(c *gin.Context) {
	var in roster.StudentInput
	if err := c.ShouldBindJSON(&in); err != nil {
		bindError(c, err)
		return
	}
	st, err := h.roster.RegisterStudent(c.Request.Context(), in)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, st)
}

func (h *Handler) ListStudents(c *gin.Context) {
	students, err := h.roster.ListStudents(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"students": students})
}

func (h *Handler) GetStudent(c *gin.Context) {
	st, err := h.roster.GetStudent(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handler) UpdateStudent(c *gin.Context) {
	var in roster.StudentInput
	if err := c.ShouldBindJSON(&in); err != nil {
		bindError(c, err)
		return
	}
	st, err := h.roster.UpdateStudent(c.Request.Context(), c.Param("id"), in)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handler) DeleteStudent(c *gin.Context) {
	if err := h.roster.DeleteStudent(c.Request.Context(), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type paymentRequest struct {
	Paid *bool `json:"paid" binding:"required"`
}

func (h *Handler) SetPayment(c *gin.Context) {
	kind, ok := records.ParseResourceKind(c.Param("resource"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "resource must be transport or meal"})
		return
	}
	var req paymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	st, err := h.roster.SetPayment(c.Request.Context(), c.Param("id"), kind, *req.Paid)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handler) RegenerateID(c *gin.Context) {
	st, err := h.roster.RegenerateID(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handler) badgePNG(c *gin.Context) (records.Student, []byte, bool) {
	st, err := h.roster.GetStudent(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return records.Student{}, nil, false
	}
	png, err := badge.PNG(st.ID, h.qrSize)
	if err != nil {
		h.writeError(c, err)
		return records.Student{}, nil, false
	}
	return st, png, true
}

func (h *Handler) StudentQR(c *gin.Context) {
	_, png, ok := h.badgePNG(c)
	if !ok {
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}

func (h *Handler) PublishQR(c *gin.Context) {
	if h.publisher == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "image storage not configured"})
		return
	}
	st, png, ok := h.badgePNG(c)
	if !ok {
		return
	}
	res, err := h.publisher.Publish(c.Request.Context(), png, "student-"+st.ID)
	if err != nil {
		h.logger.Warn("badge publish failed", zap.String("student_id", st.ID), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "image upload failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": res.SecureURL, "public_id": res.PublicID})
}

func (h *Handler) CreateUser(c *gin.Context) {
	var in roster.UserInput
	if err := c.ShouldBindJSON(&in); err != nil {
		bindError(c, err)
		return
	}
	u, err := h.roster.CreateUser(c.Request.Context(), in)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, u)
}

func (h *Handler) ListUsers(c *gin.Context) {
	users, err := h.roster.ListUsers(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

func (h *Handler) DeleteUser(c *gin.Context) {
	claims, _ := auth.ClaimsFrom(c)
	if claims.UserID() == c.Param("id") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot delete your own account"})
		return
	}
	if err := h.roster.DeleteUser(c.Request.Context(), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	if n := h.sessions.CloseFor(c.Request.Context(), c.Param("id")); n > 0 {
		h.logger.Info("closed sessions of deleted user", zap.String("user_id", c.Param("id")), zap.Int("sessions", n))
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) GetSettings(c *gin.Context) {
	s, err := h.roster.GetSettings(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

type settingsRequest struct {
	TermEndDate *time.Time `json:"term_end_date"`
}

func (h *Handler) PutSettings(c *gin.Context) {
	var req settingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	s, err := h.roster.SetTermEnd(c.Request.Context(), req.TermEndDate)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *Handler) ResetTerm(c *gin.Context) {
	res, err := h.roster.ApplyTermReset(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	if res.Applied {
		h.metrics.TermResets.Inc()
	}
	c.JSON(http.StatusOK, gin.H{"applied": res.Applied, "cleared": len(res.Changed), "settings": res.Settings})
}

func logLimit(c *gin.Context, fallback int) int {
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func (h *Handler) ListLogs(c *gin.Context) {
	logs, err := h.roster.ListScanLogs(c.Request.Context(), logLimit(c, records.DefaultLogLimit))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

func (h *Handler) ExportLogs(c *gin.Context) {
	logs, err := h.roster.ListScanLogs(c.Request.Context(), logLimit(c, 1000))
	if err != nil {
		h.writeError(c, err)
		return
	}
	data, err := export.ScanLogsXLSX(logs, time.UTC)
	if err != nil {
		h.writeError(c, err)
		return
	}
	name := fmt.Sprintf("scan-logs-%s.xlsx", time.Now().UTC().Format("20060102-150405"))
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", data)
}
