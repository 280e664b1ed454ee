package records

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is a mutex-guarded in-process Store for development and tests.
type Memory struct {
	mu       sync.RWMutex
	students map[string]Student
	users    map[string]User
	settings Settings
	logs     []ScanLog // oldest first; reversed on read
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		students: make(map[string]Student),
		users:    make(map[string]User),
	}
}

func (m *Memory) GetStudent(ctx context.Context, id string) (*Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.students[id]
	if !ok {
		return nil, nil
	}
	cp := st.Clone()
	return &cp, nil
}

func (m *Memory) GetStudentByAdminNumber(ctx context.Context, adminNumber string) (*Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key := NormalizeAdminNumber(adminNumber)
	for _, st := range m.students {
		if NormalizeAdminNumber(st.AdminNumber) == key {
			cp := st.Clone()
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *Memory) ListStudents(ctx context.Context) ([]Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Student, 0, len(m.students))
	for _, st := range m.students {
		out = append(out, st.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) CreateStudent(ctx context.Context, st Student) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := NormalizeAdminNumber(st.AdminNumber)
	for _, existing := range m.students {
		if existing.ID == st.ID || NormalizeAdminNumber(existing.AdminNumber) == key {
			return ErrDuplicateAdminNumber
		}
	}
	m.students[st.ID] = st.Clone()
	return nil
}

// UpdateStudent keeps stored scan times and only appends history entries
// beyond what is already stored.
func (m *Memory) UpdateStudent(ctx context.Context, st Student) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.students[st.ID]
	if !ok {
		return ErrNotFound
	}
	key := NormalizeAdminNumber(st.AdminNumber)
	for id, existing := range m.students {
		if id != st.ID && NormalizeAdminNumber(existing.AdminNumber) == key {
			return ErrDuplicateAdminNumber
		}
	}
	next := st.Clone()
	next.Transport.LastScanTime = cur.Transport.LastScanTime
	next.Meal.LastScanTime = cur.Meal.LastScanTime
	for _, kind := range []ResourceKind{Transport, Meal} {
		stored := cur.Service(kind).History
		events := next.Service(kind).History
		merged := append([]PaymentEvent(nil), stored...)
		if len(events) > len(stored) {
			merged = append(merged, events[len(stored):]...)
		}
		next.Service(kind).History = merged
	}
	m.students[st.ID] = next
	return nil
}

func (m *Memory) ReplaceStudentID(ctx context.Context, oldID, newID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.students[oldID]
	if !ok {
		return ErrNotFound
	}
	delete(m.students, oldID)
	st.ID = newID
	m.students[newID] = st
	return nil
}

func (m *Memory) DeleteStudent(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.students[id]; !ok {
		return ErrNotFound
	}
	delete(m.students, id)
	return nil
}

func (m *Memory) RecordAdmission(ctx context.Context, studentID string, kind ResourceKind, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.students[studentID]
	if !ok {
		return ErrNotFound
	}
	t := at
	st.Service(kind).LastScanTime = &t
	m.students[studentID] = st
	return nil
}

func (m *Memory) GetUser(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (m *Memory) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key := NormalizeEmail(email)
	for _, u := range m.users {
		if NormalizeEmail(u.Email) == key {
			cp := u
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *Memory) ListUsers(ctx context.Context) ([]User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return NormalizeEmail(out[i].Email) < NormalizeEmail(out[j].Email) })
	return out, nil
}

func (m *Memory) CreateUser(ctx context.Context, u User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := NormalizeEmail(u.Email)
	for _, existing := range m.users {
		if existing.ID == u.ID || NormalizeEmail(existing.Email) == key {
			return ErrDuplicateEmail
		}
	}
	m.users[u.ID] = u
	return nil
}

func (m *Memory) DeleteUser(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[id]; !ok {
		return ErrNotFound
	}
	delete(m.users, id)
	return nil
}

func (m *Memory) GetSettings(ctx context.Context) (Settings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.settings
	if s.TermEndDate != nil {
		t := *s.TermEndDate
		s.TermEndDate = &t
	}
	return s, nil
}

func (m *Memory) PutSettings(ctx context.Context, s Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.TermEndDate != nil {
		t := *s.TermEndDate
		s.TermEndDate = &t
	}
	m.settings = s
	return nil
}

func (m *Memory) AppendScanLog(ctx context.Context, entry ScanLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, entry)
	return nil
}

func (m *Memory) ListScanLogs(ctx context.Context, limit int) ([]ScanLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		limit = DefaultLogLimit
	}
	if limit > len(m.logs) {
		limit = len(m.logs)
	}
	out := make([]ScanLog, 0, limit)
	for i := len(m.logs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.logs[i])
	}
	return out, nil
}
