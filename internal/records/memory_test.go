package records

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_StudentLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.CreateStudent(ctx, Student{ID: "s1", Name: "Amani", AdminNumber: "adm-1"}))
	assert.ErrorIs(t, m.CreateStudent(ctx, Student{ID: "s2", Name: "Other", AdminNumber: " ADM-1 "}), ErrDuplicateAdminNumber)

	st, err := m.GetStudentByAdminNumber(ctx, "ADM-1")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, "s1", st.ID)

	// returned copies do not alias the stored record
	st.Transport.SetPaid(true, time.Now())
	again, err := m.GetStudent(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, again.Transport.IsPaid)

	require.NoError(t, m.ReplaceStudentID(ctx, "s1", "s9"))
	gone, err := m.GetStudent(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, gone)
	moved, err := m.GetStudent(ctx, "s9")
	require.NoError(t, err)
	assert.Equal(t, "Amani", moved.Name)

	require.NoError(t, m.DeleteStudent(ctx, "s9"))
	assert.ErrorIs(t, m.DeleteStudent(ctx, "s9"), ErrNotFound)
}

func TestMemory_RecordAdmissionTouchesOnlyOneService(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.CreateStudent(ctx, Student{ID: "s1", AdminNumber: "A"}))

	at := time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)
	require.NoError(t, m.RecordAdmission(ctx, "s1", Meal, at))

	st, err := m.GetStudent(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, st.Meal.LastScanTime)
	assert.True(t, at.Equal(*st.Meal.LastScanTime))
	assert.Nil(t, st.Transport.LastScanTime)

	assert.ErrorIs(t, m.RecordAdmission(ctx, "missing", Meal, at), ErrNotFound)
}

func TestMemory_UpdateStudentKeepsScanTimes(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.CreateStudent(ctx, Student{ID: "s1", AdminNumber: "A"}))
	stale, err := m.GetStudent(ctx, "s1")
	require.NoError(t, err)

	at := time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)
	require.NoError(t, m.RecordAdmission(ctx, "s1", Transport, at))

	stale.Transport.SetPaid(true, at.Add(time.Minute))
	require.NoError(t, m.UpdateStudent(ctx, *stale))

	st, err := m.GetStudent(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, st.Transport.IsPaid)
	require.NotNil(t, st.Transport.LastScanTime)
	assert.True(t, at.Equal(*st.Transport.LastScanTime))
}

func TestMemory_UpdateStudentHistoryIsAppendOnly(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)
	st := Student{ID: "s1", AdminNumber: "A"}
	st.Transport.SetPaid(true, base)
	require.NoError(t, m.CreateStudent(ctx, st))

	stale, err := m.GetStudent(ctx, "s1")
	require.NoError(t, err)

	fresh, err := m.GetStudent(ctx, "s1")
	require.NoError(t, err)
	fresh.Transport.SetPaid(false, base.Add(time.Hour))
	fresh.Transport.SetPaid(true, base.Add(2*time.Hour))
	require.NoError(t, m.UpdateStudent(ctx, *fresh))

	// an older snapshot carries fewer entries and must not shrink history
	stale.Transport.History = nil
	stale.Meal.SetPaid(true, base.Add(3*time.Hour))
	require.NoError(t, m.UpdateStudent(ctx, *stale))

	got, err := m.GetStudent(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got.Transport.History, 2)
	assert.Equal(t, base, got.Transport.History[0].At)
	assert.Equal(t, base.Add(2*time.Hour), got.Transport.History[1].At)
	require.Len(t, got.Meal.History, 1)
	assert.Equal(t, base.Add(3*time.Hour), got.Meal.History[0].At)
}

func TestMemory_UsersAreCaseInsensitiveByEmail(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.CreateUser(ctx, User{ID: "u1", Email: "Ops@School.org", Role: RoleOperator}))
	assert.ErrorIs(t, m.CreateUser(ctx, User{ID: "u2", Email: "ops@school.org"}), ErrDuplicateEmail)

	u, err := m.GetUserByEmail(ctx, "OPS@SCHOOL.ORG")
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, "u1", u.ID)
}

func TestMemory_ScanLogsNewestFirstWithLimit(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, m.AppendScanLog(ctx, ScanLog{ID: id}))
	}

	logs, err := m.ListScanLogs(ctx, 2)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "c", logs[0].ID)
	assert.Equal(t, "b", logs[1].ID)

	all, err := m.ListScanLogs(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestMemory_SettingsRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	s, err := m.GetSettings(ctx)
	require.NoError(t, err)
	assert.Nil(t, s.TermEndDate)

	end := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, m.PutSettings(ctx, Settings{TermEndDate: &end}))
	end = end.Add(time.Hour)

	s, err = m.GetSettings(ctx)
	require.NoError(t, err)
	require.NotNil(t, s.TermEndDate)
	assert.Equal(t, 0, s.TermEndDate.Hour())
}
