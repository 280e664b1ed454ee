// Package handler exposes the HTTP API over gin.
package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"schoolpass/internal/auth"
	"schoolpass/internal/badge"
	"schoolpass/internal/httpmiddleware"
	"schoolpass/internal/metrics"
	"schoolpass/internal/records"
	"schoolpass/internal/roster"
	"schoolpass/internal/scan"
)

// HealthCheck reports whether one dependency is reachable.
type HealthCheck = func(ctx context.Context) bool

// Deps are the collaborators of the HTTP layer.
type Deps struct {
	Roster       *roster.Service
	Sessions     *scan.Manager
	Signer       *auth.Signer
	LoginLimiter *httpmiddleware.TokenBucket
	Publisher    *badge.Publisher // nil when Cloudinary is not configured
	Metrics      *metrics.Metrics
	Logger       *zap.Logger
	QRSize       int
	Health       map[string]HealthCheck
}

type Handler struct {
	roster    *roster.Service
	sessions  *scan.Manager
	signer    *auth.Signer
	limiter   *httpmiddleware.TokenBucket
	publisher *badge.Publisher
	metrics   *metrics.Metrics
	logger    *zap.Logger
	qrSize    int
	health    map[string]HealthCheck
}

func New(d Deps) *Handler {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Metrics == nil {
		d.Metrics = metrics.New(nil)
	}
	if d.LoginLimiter == nil {
		d.LoginLimiter = httpmiddleware.NewTokenBucket(10, 10, nil)
	}
	return &Handler{
		roster:    d.Roster,
		sessions:  d.Sessions,
		signer:    d.Signer,
		limiter:   d.LoginLimiter,
		publisher: d.Publisher,
		metrics:   d.Metrics,
		logger:    d.Logger,
		qrSize:    d.QRSize,
		health:    d.Health,
	}
}

// Register mounts every route on r.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/healthz", h.Healthz)

	v1 := r.Group("/v1")
	v1.POST("/auth/login", h.Login)
	v1.POST("/auth/refresh", h.Refresh)

	authed := v1.Group("", auth.Authenticate(h.signer))

	sessions := authed.Group("/sessions")
	sessions.POST("", h.OpenSession)
	sessions.GET("/:id", h.GetSession)
	sessions.POST("/:id/frames", h.SubmitFrame)
	sessions.POST("/:id/device-error", h.ReportDeviceError)
	sessions.POST("/:id/retry", h.RetrySession)
	sessions.DELETE("/:id", h.CloseSession)

	viewers := authed.Group("", auth.Require(auth.CanView))
	viewers.GET("/logs", h.ListLogs)
	viewers.GET("/logs/export.xlsx", h.ExportLogs)

	admin := authed.Group("", auth.Require(auth.CanManage))
	admin.POST("/students", h.RegisterStudent)
	admin.GET("/students", h.ListStudents)
	admin.GET("/students/:id", h.GetStudent)
	admin.PUT("/students/:id", h.UpdateStudent)
	admin.DELETE("/students/:id", h.DeleteStudent)
	admin.PUT("/students/:id/payments/:resource", h.SetPayment)
	admin.POST("/students/:id/regenerate-id", h.RegenerateID)
	admin.GET("/students/:id/qr.png", h.StudentQR)
	admin.POST("/students/:id/qr/publish", h.PublishQR)

	admin.POST("/users", h.CreateUser)
	admin.GET("/users", h.ListUsers)
	admin.DELETE("/users/:id", h.DeleteUser)

	admin.GET("/settings", h.GetSettings)
	admin.PUT("/settings", h.PutSettings)
	admin.POST("/term/reset", h.ResetTerm)
}

func (h *Handler) Healthz(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{"status": "ok"}
	for name, check := range h.health {
		ok := check(c.Request.Context())
		body[name] = ok
		if !ok {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	c.JSON(status, body)
}

// writeError maps domain errors to status codes.
func (h *Handler) writeError(c *gin.Context, err error) {
	var verr *roster.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "fields": verr.FieldErrors})
	case errors.Is(err, records.ErrNotFound), errors.Is(err, scan.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, records.ErrDuplicateAdminNumber):
		c.JSON(http.StatusConflict, gin.H{"error": "admin number already registered"})
	case errors.Is(err, records.ErrDuplicateEmail):
		c.JSON(http.StatusConflict, gin.H{"error": "email already in use"})
	case errors.Is(err, roster.ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid email or pin"})
	case errors.Is(err, scan.ErrInvalidState), errors.Is(err, scan.ErrClosed):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		h.logger.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func bindError(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}
