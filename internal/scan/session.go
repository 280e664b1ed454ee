// Package scan runs the per-station scanning loop: it takes decoded QR
// payloads from a capture stream, applies the admission decision once per
// physical scan, records the result and re-arms the stream after the outcome
// has been on screen for the display window.
package scan

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"schoolpass/internal/admission"
	"schoolpass/internal/cue"
	"schoolpass/internal/metrics"
	"schoolpass/internal/records"
)

// State of a session.
type State string

const (
	Idle              State = "idle"
	Starting          State = "starting"
	Streaming         State = "streaming"
	Deciding          State = "deciding"
	DisplayingOutcome State = "displaying_outcome"
	Failed            State = "error"
	Closed            State = "closed"
)

// DefaultDisplayWindow is how long an outcome stays on screen.
const DefaultDisplayWindow = 3 * time.Second

// Session registry limits used by Manager.
const (
	DefaultIdleTimeout        = 10 * time.Minute
	DefaultMaxSessionsPerUser = 3
)

var (
	ErrClosed       = errors.New("scan: session closed")
	ErrInvalidState = errors.New("scan: operation not allowed in current state")
)

const lookupUnavailable = "record lookup unavailable"

// Display is the outcome currently shown at the station.
type Display struct {
	Outcome admission.Outcome `json:"outcome"`
	Cue     admission.Cue     `json:"cue"`
	Student *records.Student  `json:"student,omitempty"`
	At      time.Time         `json:"at"`
}

// Snapshot is a consistent copy of the session state.
type Snapshot struct {
	ID             string        `json:"id"`
	State          State         `json:"state"`
	Failure        FailureReason `json:"failure,omitempty"`
	FailureMessage string        `json:"failure_message,omitempty"`
	Display        *Display      `json:"display,omitempty"`
	Scanner        string        `json:"scanner_id"`
}

// Options carries a session's collaborators.
type Options struct {
	Store         records.Store
	Cue           cue.Player
	Clock         clock.Clock
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
	DisplayWindow time.Duration
	CooldownHours int
	Facing        Facing
	CaptureConfig CaptureConfig

	// IdleTimeout closes a managed session with no station activity.
	IdleTimeout        time.Duration
	// MaxSessionsPerUser caps one user's open sessions; the least recently
	// active one is closed to make room.
	MaxSessionsPerUser int
}

func (o Options) withDefaults() Options {
	if o.Cue == nil {
		o.Cue = cue.Nop{}
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.New(nil)
	}
	if o.DisplayWindow <= 0 {
		o.DisplayWindow = DefaultDisplayWindow
	}
	if o.CooldownHours <= 0 {
		o.CooldownHours = admission.DefaultCooldownHours
	}
	if o.Facing == "" {
		o.Facing = FacingEnvironment
	}
	if o.CaptureConfig == (CaptureConfig{}) {
		o.CaptureConfig = DefaultCaptureConfig
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.MaxSessionsPerUser <= 0 {
		o.MaxSessionsPerUser = DefaultMaxSessionsPerUser
	}
	return o
}

// Session is the scanning state machine for one station. All state is
// guarded by mu; store calls run without it and are discarded if the
// session was closed meanwhile.
type Session struct {
	id      string
	scanner admission.Scanner
	capture Capture
	opts    Options
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	failure  FailureReason
	failMsg  string
	display  *Display
	inFlight bool
	gen      uint64
	timer    *clock.Timer
}

// NewSession creates an idle session.
func NewSession(id string, scanner admission.Scanner, capture Capture, opts Options) *Session {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:      id,
		scanner: scanner,
		capture: capture,
		opts:    opts,
		logger:  opts.Logger.With(zap.String("session_id", id), zap.String("scanner_id", scanner.ID)),
		ctx:     ctx,
		cancel:  cancel,
		state:   Idle,
	}
}

func (s *Session) ID() string                 { return s.id }
func (s *Session) Scanner() admission.Scanner { return s.scanner }

// Start acquires the capture device. A device failure moves the session to
// the error state; it is not returned.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case Closed:
		return ErrClosed
	case Idle:
		s.startLocked(ctx)
		return nil
	default:
		return ErrInvalidState
	}
}

// Retry restarts a failed session.
func (s *Session) Retry(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case Closed:
		return ErrClosed
	case Failed:
		s.failure = FailureNone
		s.failMsg = ""
		s.startLocked(ctx)
		return nil
	default:
		return ErrInvalidState
	}
}

func (s *Session) startLocked(ctx context.Context) {
	s.state = Starting
	err := s.capture.Start(ctx, s.opts.Facing, s.opts.CaptureConfig, s.HandleDecoded)
	if err != nil {
		s.failLocked(err)
		return
	}
	s.state = Streaming
}

func (s *Session) failLocked(err error) {
	s.state = Failed
	s.failure = Classify(err)
	s.failMsg = err.Error()
	s.inFlight = false
	s.display = nil
	s.logger.Warn("capture failed", zap.String("reason", string(s.failure)), zap.Error(err))
}

// ReportCaptureError records a device failure raised by the station after
// the stream started.
func (s *Session) ReportCaptureError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Starting && s.state != Streaming {
		s.logger.Debug("capture error ignored", zap.String("state", string(s.state)), zap.Error(err))
		return
	}
	if stopErr := s.capture.Stop(s.ctx); stopErr != nil && !errors.Is(stopErr, ErrNotActive) {
		s.logger.Warn("capture stop failed", zap.Error(stopErr))
	}
	s.failLocked(err)
}

// HandleDecoded is the capture's decode callback. Only one payload is
// processed at a time; frames that arrive while a cycle is running, or while
// the session is not streaming, are dropped.
func (s *Session) HandleDecoded(payload string) bool {
	s.mu.Lock()
	if s.state != Streaming || s.inFlight {
		s.mu.Unlock()
		s.opts.Metrics.FramesDropped.Inc()
		return false
	}
	s.inFlight = true
	s.state = Deciding
	gen := s.gen
	s.capture.Pause(true)
	s.mu.Unlock()

	s.runCycle(gen, payload)
	return true
}

func (s *Session) runCycle(gen uint64, payload string) {
	ctx := s.ctx
	now := s.opts.Clock.Now().UTC()
	payload = strings.TrimSpace(payload)

	var student *records.Student
	var outcome admission.Outcome
	var lookupErr error
	if payload != "" {
		student, lookupErr = s.opts.Store.GetStudent(ctx, payload)
	}
	if lookupErr != nil {
		s.storeFailed("lookup", lookupErr)
		student = nil
		outcome = admission.Outcome{Kind: admission.NotFound, Message: lookupUnavailable}
	} else {
		outcome = admission.Decide(payload, student, s.scanner, now, s.opts.CooldownHours)
	}

	if !s.current(gen) {
		return
	}
	recorded := false
	if outcome.Admitted() {
		if err := s.opts.Store.RecordAdmission(ctx, student.ID, outcome.Resource, now); err != nil {
			s.storeFailed("record_admission", err)
		} else {
			recorded = true
			t := now
			student.Service(outcome.Resource).LastScanTime = &t
		}
	}

	// A recorded admission is always logged, even if the session closed
	// meanwhile. Otherwise a closed session ends the cycle here.
	logCtx := ctx
	if recorded {
		logCtx = context.WithoutCancel(ctx)
	} else if !s.current(gen) {
		return
	}
	if err := s.opts.Store.AppendScanLog(logCtx, s.logEntry(now, student, outcome)); err != nil {
		s.storeFailed("append_scan_log", err)
	}

	s.mu.Lock()
	if s.gen != gen || s.state != Deciding {
		s.mu.Unlock()
		return
	}
	s.display = &Display{Outcome: outcome, Cue: outcome.Cue(), Student: student, At: now}
	s.state = DisplayingOutcome
	s.timer = s.opts.Clock.AfterFunc(s.opts.DisplayWindow, func() { s.rearm(gen) })
	s.mu.Unlock()

	s.opts.Metrics.ScanOutcomes.WithLabelValues(string(outcome.Kind), string(outcome.Resource)).Inc()
	s.opts.Cue.Play(outcome.Cue())
	s.logger.Info("scan decided",
		zap.String("outcome", string(outcome.Kind)),
		zap.String("resource", string(outcome.Resource)),
		zap.Bool("found", student != nil),
	)
}

func (s *Session) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen && s.state == Deciding
}

func (s *Session) storeFailed(op string, err error) {
	s.opts.Metrics.StoreFailures.WithLabelValues(op).Inc()
	s.logger.Error("record store failure", zap.String("op", op), zap.Error(err))
}

func (s *Session) logEntry(now time.Time, student *records.Student, outcome admission.Outcome) records.ScanLog {
	entry := records.ScanLog{
		ID:           uuid.NewString(),
		At:           now,
		StudentName:  records.UnknownName,
		Class:        records.UnknownValue,
		Location:     records.UnknownValue,
		Resource:     string(outcome.Resource),
		Outcome:      string(outcome.Kind),
		Message:      outcome.Message,
		OperatorID:   s.scanner.ID,
		OperatorName: s.scanner.Name,
	}
	if entry.Resource == "" {
		if kind, ok := s.scanner.Role.CheckedResource(s.scanner.AssignedResource); ok {
			entry.Resource = string(kind)
		}
	}
	if student != nil {
		entry.StudentID = student.ID
		entry.StudentName = student.Name
		entry.Class = student.Class
		entry.Location = student.Location
	}
	return entry
}

// rearm ends the display window. A timer from an earlier generation is a
// no-op.
func (s *Session) rearm(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.state != DisplayingOutcome {
		return
	}
	s.timer = nil
	s.display = nil
	s.inFlight = false
	if err := s.capture.Resume(); err != nil {
		s.logger.Warn("resume failed, restarting capture", zap.Error(err))
		if stopErr := s.capture.Stop(s.ctx); stopErr != nil && !errors.Is(stopErr, ErrNotActive) {
			s.logger.Debug("stop before restart failed", zap.Error(stopErr))
		}
		s.startLocked(s.ctx)
		return
	}
	s.state = Streaming
}

// Close ends the session from any state. A pending display timer is
// cancelled and an in-flight cycle has no further effect.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Closed {
		return nil
	}
	prior := s.state
	s.state = Closed
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.cancel()
	s.display = nil
	s.inFlight = false

	var stopErr error
	switch prior {
	case Starting, Streaming, Deciding, DisplayingOutcome:
		if err := s.capture.Stop(ctx); err != nil && !errors.Is(err, ErrNotActive) {
			stopErr = err
			s.logger.Warn("capture stop failed on close", zap.Error(err))
		}
	}
	s.capture.Clear()
	s.logger.Info("session closed", zap.String("from", string(prior)))
	return stopErr
}

// Snapshot returns the current state for rendering.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		ID:             s.id,
		State:          s.state,
		Failure:        s.failure,
		FailureMessage: s.failMsg,
		Scanner:        s.scanner.ID,
	}
	if s.display != nil {
		d := *s.display
		if d.Student != nil {
			st := d.Student.Clone()
			d.Student = &st
		}
		snap.Display = &d
	}
	return snap
}
