package roster

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"schoolpass/internal/events"
	"schoolpass/internal/metrics"
	"schoolpass/internal/records"
)

// Sweeper runs the term reset on a fixed interval and whenever the settings
// collection changes.
type Sweeper struct {
	svc      *Service
	bus      events.Bus
	clock    clock.Clock
	interval time.Duration
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewSweeper builds a sweeper. bus may be nil, in which case only the
// interval triggers a sweep.
func NewSweeper(svc *Service, bus events.Bus, clk clock.Clock, interval time.Duration, m *metrics.Metrics, logger *zap.Logger) *Sweeper {
	if clk == nil {
		clk = clock.New()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	if m == nil {
		m = metrics.New(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{svc: svc, bus: bus, clock: clk, interval: interval, metrics: m, logger: logger}
}

// Sweep runs one reset and records the outcome.
func (w *Sweeper) Sweep(ctx context.Context, trigger string) {
	res, err := w.svc.ApplyTermReset(ctx)
	if err != nil {
		w.logger.Error("term reset failed", zap.String("trigger", trigger), zap.Error(err))
		return
	}
	if res.Applied {
		w.metrics.TermResets.Inc()
		w.logger.Info("term reset applied", zap.String("trigger", trigger), zap.Int("students_cleared", len(res.Changed)))
	}
}

// Run sweeps once, then on every tick and settings change until ctx ends.
func (w *Sweeper) Run(ctx context.Context) error {
	var changes <-chan events.Change
	if w.bus != nil {
		ch, err := w.bus.Subscribe(ctx)
		if err != nil {
			return err
		}
		changes = ch
	}
	ticker := w.clock.Ticker(w.interval)
	defer ticker.Stop()

	w.Sweep(ctx, "startup")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.Sweep(ctx, "interval")
		case c, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			if c.Collection == records.CollectionSettings {
				w.Sweep(ctx, "settings_changed")
			}
		}
	}
}
