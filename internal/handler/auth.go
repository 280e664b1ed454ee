package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"schoolpass/internal/auth"
	"schoolpass/internal/records"
	"schoolpass/internal/roster"
)

type loginRequest struct {
	Email string `json:"email" binding:"required"`
	PIN   string `json:"pin" binding:"required"`
}

// Login exchanges an email and PIN for tokens. Attempts are throttled per
// client and email.
func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	key := c.ClientIP() + "|" + records.NormalizeEmail(req.Email)
	if !h.limiter.Allow(key) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many attempts, try again later"})
		return
	}

	u, err := h.roster.Authenticate(c.Request.Context(), req.Email, req.PIN)
	if err != nil {
		if errors.Is(err, roster.ErrInvalidCredentials) {
			h.logger.Info("login rejected", zap.String("email", records.NormalizeEmail(req.Email)))
		}
		h.writeError(c, err)
		return
	}
	h.limiter.Reset(key)
	h.issue(c, u)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// Refresh issues new tokens from a refresh token. The user is reloaded so
// role and assignment changes take effect.
func (h *Handler) Refresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	claims, err := h.signer.Parse(req.RefreshToken, auth.TypeRefresh)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	u, err := h.roster.GetUser(c.Request.Context(), claims.UserID())
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	h.issue(c, u)
}

func (h *Handler) issue(c *gin.Context, u records.User) {
	tokens, err := h.signer.Issue(u)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token":  tokens.AccessToken,
		"refresh_token": tokens.RefreshToken,
		"expires_at":    tokens.AccessExp.Unix(),
		"user":          u,
	})
}
