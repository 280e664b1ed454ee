package roster

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"schoolpass/internal/events"
	"schoolpass/internal/metrics"
	"schoolpass/internal/records"
)

func TestSweeper_SettingsChangeTriggersReset(t *testing.T) {
	mem := records.NewMemory()
	bus := events.NewInMemory(8)
	store := records.WithNotifications(mem, bus, zap.NewNop())
	svc := NewService(store, zap.NewNop())
	svc.now = func() time.Time { return fixedNow }
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := svc.RegisterStudent(ctx, StudentInput{Name: "Amani", AdminNumber: "A1"})
	require.NoError(t, err)
	_, err = svc.SetPayment(ctx, st.ID, records.Transport, true)
	require.NoError(t, err)

	m := metrics.New(nil)
	mock := clock.NewMock()
	w := NewSweeper(svc, bus, mock, time.Hour, m, nil)
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// the change may land before Run subscribes, so publish until it is seen
	end := fixedNow.Add(-time.Minute)
	require.Eventually(t, func() bool {
		if _, err := svc.SetTermEnd(ctx, &end); err != nil {
			return false
		}
		return testutil.ToFloat64(m.TermResets) == 1
	}, 2*time.Second, 50*time.Millisecond)

	got, err := svc.GetStudent(ctx, st.ID)
	require.NoError(t, err)
	assert.False(t, got.Transport.IsPaid)
	assert.NotNil(t, got.Transport.LastPaymentDate)

	cancel()
	require.NoError(t, <-done)
}

func TestSweeper_IntervalTick(t *testing.T) {
	svc, mem := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New(nil)
	mock := clock.NewMock()
	w := NewSweeper(svc, nil, mock, time.Hour, m, nil)
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	end := fixedNow.Add(-time.Minute)
	require.NoError(t, mem.PutSettings(ctx, records.Settings{TermEndDate: &end}))
	require.Eventually(t, func() bool {
		mock.Add(time.Hour)
		return testutil.ToFloat64(m.TermResets) == 1
	}, 2*time.Second, 20*time.Millisecond)

	s, err := mem.GetSettings(ctx)
	require.NoError(t, err)
	assert.True(t, s.TermResetProcessed)

	cancel()
	require.NoError(t, <-done)
}
