// Package cue plays the audio/visual feedback for a scan outcome.
package cue

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"schoolpass/internal/admission"
)

// Player is fire-and-forget; Play must not block and never reports failure.
type Player interface {
	Play(class admission.Cue)
}

// Nop is used when no speaker endpoint is configured.
type Nop struct{}

func (Nop) Play(admission.Cue) {}

// HTTPPlayer posts cues to a station speaker service.
type HTTPPlayer struct {
	client *resty.Client
	logger *zap.Logger
}

// NewHTTPPlayer creates a player for the speaker service at baseURL.
func NewHTTPPlayer(baseURL string, logger *zap.Logger) *HTTPPlayer {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(2*time.Second).
		SetHeader("Content-Type", "application/json")
	return &HTTPPlayer{client: client, logger: logger}
}

// Play sends the cue in the background.
func (p *HTTPPlayer) Play(class admission.Cue) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := p.Send(ctx, class); err != nil {
			p.logger.Debug("cue not played", zap.String("cue", string(class)), zap.Error(err))
		}
	}()
}

// Send posts one cue and waits for the response.
func (p *HTTPPlayer) Send(ctx context.Context, class admission.Cue) error {
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(map[string]string{"cue": string(class)}).
		Post("/cue")
	if err != nil {
		return fmt.Errorf("cue request failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("cue service error %s", resp.Status())
	}
	return nil
}
