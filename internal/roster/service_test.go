package roster

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"schoolpass/internal/records"
)

var fixedNow = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *records.Memory) {
	t.Helper()
	mem := records.NewMemory()
	svc := NewService(mem, zap.NewNop())
	svc.now = func() time.Time { return fixedNow }
	svc.hashCost = bcrypt.MinCost
	return svc, mem
}

func TestRegisterStudent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	st, err := svc.RegisterStudent(ctx, StudentInput{Name: " Amani ", AdminNumber: "ADM-1", BusNumber: "BUS-01"})
	require.NoError(t, err)
	assert.NotEmpty(t, st.ID)
	assert.Equal(t, "Amani", st.Name)
	assert.False(t, st.Transport.IsPaid)
	assert.False(t, st.Meal.IsPaid)
	assert.Equal(t, fixedNow, st.CreatedAt)

	_, err = svc.RegisterStudent(ctx, StudentInput{Name: "Other", AdminNumber: "adm-1"})
	assert.ErrorIs(t, err, records.ErrDuplicateAdminNumber)
}

func TestRegisterStudent_ValidationBeforeWrite(t *testing.T) {
	svc, mem := newTestService(t)
	_, err := svc.RegisterStudent(context.Background(), StudentInput{BusName: "Blue Line"})

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.FieldErrors, "name")
	assert.Contains(t, verr.FieldErrors, "admin_number")
	assert.Contains(t, verr.FieldErrors, "bus_number")

	all, err := mem.ListStudents(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestUpdateStudent_KeepsPaymentState(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	st, err := svc.RegisterStudent(ctx, StudentInput{Name: "Amani", AdminNumber: "ADM-1"})
	require.NoError(t, err)
	_, err = svc.SetPayment(ctx, st.ID, records.Meal, true)
	require.NoError(t, err)
	_, err = svc.RegisterStudent(ctx, StudentInput{Name: "Baraka", AdminNumber: "ADM-2"})
	require.NoError(t, err)

	updated, err := svc.UpdateStudent(ctx, st.ID, StudentInput{Name: "Amani W.", AdminNumber: "ADM-1", Class: "6B"})
	require.NoError(t, err)
	assert.Equal(t, "6B", updated.Class)
	assert.True(t, updated.Meal.IsPaid)

	_, err = svc.UpdateStudent(ctx, st.ID, StudentInput{Name: "Amani", AdminNumber: "ADM-2"})
	assert.ErrorIs(t, err, records.ErrDuplicateAdminNumber)

	_, err = svc.UpdateStudent(ctx, "missing", StudentInput{Name: "X", AdminNumber: "ADM-9"})
	assert.ErrorIs(t, err, records.ErrNotFound)
}

func TestSetPayment_HistoryOnlyOnTransitionIntoPaid(t *testing.T) {
	svc, mem := newTestService(t)
	ctx := context.Background()
	st, err := svc.RegisterStudent(ctx, StudentInput{Name: "Amani", AdminNumber: "ADM-1"})
	require.NoError(t, err)

	for _, paid := range []bool{true, true, false, true} {
		_, err := svc.SetPayment(ctx, st.ID, records.Transport, paid)
		require.NoError(t, err)
	}
	stored, err := mem.GetStudent(ctx, st.ID)
	require.NoError(t, err)
	assert.True(t, stored.Transport.IsPaid)
	assert.Len(t, stored.Transport.History, 2)
	assert.Empty(t, stored.Meal.History)

	_, err = svc.SetPayment(ctx, "missing", records.Meal, true)
	assert.ErrorIs(t, err, records.ErrNotFound)
}

func TestRegenerateID_InvalidatesOldCode(t *testing.T) {
	svc, mem := newTestService(t)
	ctx := context.Background()
	st, err := svc.RegisterStudent(ctx, StudentInput{Name: "Amani", AdminNumber: "ADM-1"})
	require.NoError(t, err)

	fresh, err := svc.RegenerateID(ctx, st.ID)
	require.NoError(t, err)
	assert.NotEqual(t, st.ID, fresh.ID)
	assert.Equal(t, "Amani", fresh.Name)

	old, err := mem.GetStudent(ctx, st.ID)
	require.NoError(t, err)
	assert.Nil(t, old)

	_, err = svc.RegenerateID(ctx, "missing")
	assert.ErrorIs(t, err, records.ErrNotFound)
}

func TestSetTermEnd_NewDateOpensNewTerm(t *testing.T) {
	svc, mem := newTestService(t)
	ctx := context.Background()
	end := fixedNow.Add(-time.Hour)
	require.NoError(t, mem.PutSettings(ctx, records.Settings{TermEndDate: &end, TermResetProcessed: true}))

	same, err := svc.SetTermEnd(ctx, &end)
	require.NoError(t, err)
	assert.True(t, same.TermResetProcessed)

	next := fixedNow.Add(90 * 24 * time.Hour)
	s, err := svc.SetTermEnd(ctx, &next)
	require.NoError(t, err)
	assert.False(t, s.TermResetProcessed)
	require.NotNil(t, s.TermEndDate)
	assert.True(t, next.Equal(*s.TermEndDate))
}

func TestApplyTermReset(t *testing.T) {
	svc, mem := newTestService(t)
	ctx := context.Background()
	a, err := svc.RegisterStudent(ctx, StudentInput{Name: "Amani", AdminNumber: "ADM-1"})
	require.NoError(t, err)
	b, err := svc.RegisterStudent(ctx, StudentInput{Name: "Baraka", AdminNumber: "ADM-2"})
	require.NoError(t, err)
	_, err = svc.SetPayment(ctx, a.ID, records.Transport, true)
	require.NoError(t, err)
	_, err = svc.SetPayment(ctx, a.ID, records.Meal, true)
	require.NoError(t, err)

	end := fixedNow.Add(time.Hour)
	_, err = svc.SetTermEnd(ctx, &end)
	require.NoError(t, err)

	res, err := svc.ApplyTermReset(ctx)
	require.NoError(t, err)
	assert.False(t, res.Applied, "term has not ended yet")

	svc.now = func() time.Time { return end.Add(time.Minute) }
	res, err = svc.ApplyTermReset(ctx)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, []string{a.ID}, res.Changed)

	stored, err := mem.GetStudent(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, stored.Transport.IsPaid)
	assert.False(t, stored.Meal.IsPaid)
	assert.Len(t, stored.Transport.History, 1)
	assert.NotNil(t, stored.Transport.LastPaymentDate)

	untouched, err := mem.GetStudent(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, untouched.Transport.IsPaid)

	settings, err := mem.GetSettings(ctx)
	require.NoError(t, err)
	assert.True(t, settings.TermResetProcessed)

	// paid again after the sweep: a second run must not clear it
	_, err = svc.SetPayment(ctx, a.ID, records.Transport, true)
	require.NoError(t, err)
	res, err = svc.ApplyTermReset(ctx)
	require.NoError(t, err)
	assert.False(t, res.Applied)
	stored, err = mem.GetStudent(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, stored.Transport.IsPaid)
}
