package scan

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"schoolpass/internal/admission"
)

// ErrSessionNotFound is returned for unknown or already closed session ids.
var ErrSessionNotFound = errors.New("scan: session not found")

type entry struct {
	session *Session
	capture *RemoteCapture
	userID  string
	seen    time.Time
	seq     uint64
	idle    *clock.Timer
}

// Manager keeps the open browser-station sessions. A session with no
// station activity for IdleTimeout is closed.
type Manager struct {
	opts Options

	mu       sync.Mutex
	sessions map[string]*entry
	seq      uint64
}

// NewManager creates a registry whose sessions share opts.
func NewManager(opts Options) *Manager {
	return &Manager{opts: opts.withDefaults(), sessions: make(map[string]*entry)}
}

// Open creates and starts a session for scanner. When the user is at the
// session cap their least recently active session is closed first.
func (m *Manager) Open(ctx context.Context, scanner admission.Scanner, facing Facing) (*Session, error) {
	opts := m.opts
	if facing != "" {
		opts.Facing = facing
	}
	capture := NewRemoteCapture(m.opts.Metrics.FramesDropped.Inc)
	s := NewSession(uuid.NewString(), scanner, capture, opts)
	id := s.ID()

	m.mu.Lock()
	evicted := m.overflowLocked(scanner.ID)
	m.seq++
	e := &entry{session: s, capture: capture, userID: scanner.ID, seen: m.opts.Clock.Now(), seq: m.seq}
	e.idle = m.opts.Clock.AfterFunc(m.opts.IdleTimeout, func() { m.expire(id) })
	m.sessions[id] = e
	m.mu.Unlock()
	m.opts.Metrics.SessionsActive.Inc()

	for _, old := range evicted {
		m.opts.Logger.Info("scan session evicted",
			zap.String("session_id", old.session.ID()),
			zap.String("scanner_id", scanner.ID),
		)
		m.finish(ctx, old)
	}

	if err := s.Start(ctx); err != nil {
		_ = m.Close(ctx, id)
		return nil, err
	}
	m.opts.Logger.Info("scan session opened",
		zap.String("session_id", id),
		zap.String("scanner_id", scanner.ID),
		zap.String("role", string(scanner.Role)),
	)
	return s, nil
}

// overflowLocked removes the user's least recently active sessions so one
// more fits under the cap.
func (m *Manager) overflowLocked(userID string) []*entry {
	var mine []*entry
	for _, e := range m.sessions {
		if e.userID == userID {
			mine = append(mine, e)
		}
	}
	n := len(mine) - m.opts.MaxSessionsPerUser + 1
	if n <= 0 {
		return nil
	}
	sort.Slice(mine, func(i, j int) bool { return mine[i].seq < mine[j].seq })
	for _, e := range mine[:n] {
		m.removeLocked(e.session.ID())
	}
	return mine[:n]
}

// touchLocked marks station activity and pushes back the idle deadline.
func (m *Manager) touchLocked(e *entry) {
	m.seq++
	e.seq = m.seq
	e.seen = m.opts.Clock.Now()
	e.idle.Reset(m.opts.IdleTimeout)
}

func (m *Manager) expire(id string) {
	m.mu.Lock()
	e, ok := m.sessions[id]
	if !ok || m.opts.Clock.Since(e.seen) < m.opts.IdleTimeout {
		m.mu.Unlock()
		return
	}
	m.removeLocked(id)
	m.mu.Unlock()

	m.opts.Logger.Info("scan session expired", zap.String("session_id", id), zap.String("scanner_id", e.userID))
	m.opts.Metrics.SessionsExpired.Inc()
	m.finish(context.Background(), e)
}

func (m *Manager) removeLocked(id string) (*entry, bool) {
	e, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	delete(m.sessions, id)
	e.idle.Stop()
	return e, true
}

func (m *Manager) finish(ctx context.Context, e *entry) error {
	m.opts.Metrics.SessionsActive.Dec()
	return e.session.Close(ctx)
}

// Get looks up an open session and counts as station activity.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	m.touchLocked(e)
	return e.session, true
}

// Deliver submits a decoded payload from the station.
func (m *Manager) Deliver(id, payload string) (bool, error) {
	m.mu.Lock()
	e, ok := m.sessions[id]
	if ok {
		m.touchLocked(e)
	}
	m.mu.Unlock()
	if !ok {
		return false, ErrSessionNotFound
	}
	return e.capture.Deliver(payload), nil
}

// CaptureStatus returns the station-facing stream state.
func (m *Manager) CaptureStatus(id string) (Status, error) {
	m.mu.Lock()
	e, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return Status{}, ErrSessionNotFound
	}
	return e.capture.Status(), nil
}

// Close ends and forgets a session.
func (m *Manager) Close(ctx context.Context, id string) error {
	m.mu.Lock()
	e, ok := m.removeLocked(id)
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	return m.finish(ctx, e)
}

// CloseFor ends every session opened by userID and returns how many were
// closed.
func (m *Manager) CloseFor(ctx context.Context, userID string) int {
	m.mu.Lock()
	var closing []*entry
	for id, e := range m.sessions {
		if e.userID == userID {
			m.removeLocked(id)
			closing = append(closing, e)
		}
	}
	m.mu.Unlock()
	for _, e := range closing {
		if err := m.finish(ctx, e); err != nil {
			m.opts.Logger.Warn("close session failed", zap.String("session_id", e.session.ID()), zap.Error(err))
		}
	}
	return len(closing)
}

// CloseAll ends every open session.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		if err := m.Close(ctx, id); err != nil && !errors.Is(err, ErrSessionNotFound) {
			m.opts.Logger.Warn("close session failed", zap.String("session_id", id), zap.Error(err))
		}
	}
}

// Len is the number of open sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
