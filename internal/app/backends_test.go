package app

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"schoolpass/internal/config"
	"schoolpass/internal/records"
)

func TestOpen_MemoryBackends(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b, err := Open(ctx, config.App{StoreBackend: "memory", EventsBackend: "memory"}, true, zap.NewNop())
	require.NoError(t, err)
	defer b.Close()
	assert.Empty(t, b.HealthChecks())

	changes, err := b.Bus.Subscribe(ctx)
	require.NoError(t, err)
	require.NoError(t, b.Store.CreateStudent(ctx, records.Student{ID: "s1", Name: "Amani", AdminNumber: "A1"}))

	select {
	case c := <-changes:
		assert.Equal(t, records.CollectionStudents, c.Collection)
		assert.Equal(t, "s1", c.ID)
	case <-time.After(time.Second):
		t.Fatal("no change published")
	}
}

func TestOpen_RedisEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	b, err := Open(context.Background(), config.App{StoreBackend: "memory", EventsBackend: "redis", RedisAddr: mr.Addr()}, false, zap.NewNop())
	require.NoError(t, err)
	defer b.Close()

	checks := b.HealthChecks()
	require.Contains(t, checks, "redis")
	assert.True(t, checks["redis"](context.Background()))
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), config.App{StoreBackend: "mongo"}, false, zap.NewNop())
	assert.ErrorContains(t, err, "mongo")

	_, err = Open(context.Background(), config.App{StoreBackend: "memory", EventsBackend: "kafka"}, false, zap.NewNop())
	assert.ErrorContains(t, err, "kafka")
}
