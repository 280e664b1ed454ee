// Package app wires the storage and notification backends shared by the
// api and worker binaries.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"schoolpass/internal/config"
	"schoolpass/internal/events"
	"schoolpass/internal/records"
	"schoolpass/internal/store"
)

// Backends are the opened connections plus the store and bus built on them.
type Backends struct {
	Store records.Store
	Bus   events.Bus
	DB    *store.DB
	Redis *store.Redis
}

// Open connects the configured store and events backends. Every write to
// the returned Store publishes a change on Bus.
func Open(ctx context.Context, cfg config.App, migrate bool, logger *zap.Logger) (*Backends, error) {
	b := &Backends{}

	var base records.Store
	switch cfg.StoreBackend {
	case "memory":
		logger.Warn("using in-memory record store; data is lost on restart")
		base = records.NewMemory()
	case "postgres", "":
		db, err := store.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		b.DB = db
		pg := records.NewPostgres(db.Client)
		if migrate {
			if err := pg.Migrate(ctx); err != nil {
				b.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}
		base = pg
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}

	switch cfg.EventsBackend {
	case "memory":
		b.Bus = events.NewInMemory(64)
	case "redis", "":
		b.Redis = store.NewRedis(cfg.RedisAddr)
		if !b.Redis.Healthy(ctx) {
			logger.Warn("redis not reachable; change notifications will fail until it is", zap.String("addr", cfg.RedisAddr))
		}
		b.Bus = events.NewRedis(b.Redis.Client, cfg.EventsChannel)
	default:
		b.Close()
		return nil, fmt.Errorf("unknown events backend %q", cfg.EventsBackend)
	}

	b.Store = records.WithNotifications(base, b.Bus, logger)
	return b, nil
}

// HealthChecks lists the connections that /healthz reports on.
func (b *Backends) HealthChecks() map[string]func(context.Context) bool {
	checks := make(map[string]func(context.Context) bool)
	if b.DB != nil {
		checks["postgres"] = b.DB.Healthy
	}
	if b.Redis != nil {
		checks["redis"] = b.Redis.Healthy
	}
	return checks
}

// Close releases the connections.
func (b *Backends) Close() {
	if b.Redis != nil {
		_ = b.Redis.Close()
	}
	if b.DB != nil {
		_ = b.DB.Close()
	}
}
