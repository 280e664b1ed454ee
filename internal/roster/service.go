// Package roster is the administrative side of the system: student
// registration and payments, staff accounts and the term calendar.
package roster

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"schoolpass/internal/records"
	"schoolpass/internal/term"
)

// ValidationError lists rejected input fields. It is returned before any
// store write.
type ValidationError struct {
	FieldErrors map[string]string
}

func (e *ValidationError) Error() string {
	fields := make([]string, 0, len(e.FieldErrors))
	for f := range e.FieldErrors {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = f + ": " + e.FieldErrors[f]
	}
	return "invalid input: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, msg string) {
	if e.FieldErrors == nil {
		e.FieldErrors = make(map[string]string)
	}
	e.FieldErrors[field] = msg
}

func (e *ValidationError) orNil() error {
	if len(e.FieldErrors) == 0 {
		return nil
	}
	return e
}

// Service coordinates roster changes against the record store.
type Service struct {
	store    records.Store
	logger   *zap.Logger
	now      func() time.Time
	hashCost int

	resetMu sync.Mutex
}

// NewService creates a roster service.
func NewService(store records.Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, logger: logger, now: time.Now, hashCost: defaultHashCost}
}

// StudentInput is the editable part of a student record.
type StudentInput struct {
	Name          string `json:"name"`
	Class         string `json:"class"`
	AdminNumber   string `json:"admin_number"`
	Gender        string `json:"gender"`
	Location      string `json:"location"`
	BusNumber     string `json:"bus_number"`
	BusName       string `json:"bus_name"`
	GuardianName  string `json:"guardian_name"`
	GuardianPhone string `json:"guardian_phone"`
}

func (in StudentInput) trimmed() StudentInput {
	return StudentInput{
		Name:          strings.TrimSpace(in.Name),
		Class:         strings.TrimSpace(in.Class),
		AdminNumber:   strings.TrimSpace(in.AdminNumber),
		Gender:        strings.TrimSpace(in.Gender),
		Location:      strings.TrimSpace(in.Location),
		BusNumber:     strings.TrimSpace(in.BusNumber),
		BusName:       strings.TrimSpace(in.BusName),
		GuardianName:  strings.TrimSpace(in.GuardianName),
		GuardianPhone: strings.TrimSpace(in.GuardianPhone),
	}
}

func (in StudentInput) validate() error {
	var verr ValidationError
	if in.Name == "" {
		verr.add("name", "required")
	}
	if in.AdminNumber == "" {
		verr.add("admin_number", "required")
	}
	if in.BusName != "" && in.BusNumber == "" {
		verr.add("bus_number", "required when bus_name is set")
	}
	return verr.orNil()
}

func (in StudentInput) applyTo(st *records.Student) {
	st.Name = in.Name
	st.Class = in.Class
	st.AdminNumber = in.AdminNumber
	st.Gender = in.Gender
	st.Location = in.Location
	st.BusNumber = in.BusNumber
	st.BusName = in.BusName
	st.GuardianName = in.GuardianName
	st.GuardianPhone = in.GuardianPhone
}

// RegisterStudent creates a student with a fresh QR identifier. Both
// services start unpaid.
func (s *Service) RegisterStudent(ctx context.Context, in StudentInput) (records.Student, error) {
	in = in.trimmed()
	if err := in.validate(); err != nil {
		return records.Student{}, err
	}
	existing, err := s.store.GetStudentByAdminNumber(ctx, in.AdminNumber)
	if err != nil {
		return records.Student{}, err
	}
	if existing != nil {
		return records.Student{}, fmt.Errorf("admin number %s: %w", in.AdminNumber, records.ErrDuplicateAdminNumber)
	}

	st := records.Student{ID: uuid.NewString(), CreatedAt: s.now().UTC()}
	in.applyTo(&st)
	if err := s.store.CreateStudent(ctx, st); err != nil {
		return records.Student{}, err
	}
	s.logger.Info("student registered", zap.String("student_id", st.ID), zap.String("admin_number", st.AdminNumber))
	return st, nil
}

// GetStudent returns records.ErrNotFound for unknown ids.
func (s *Service) GetStudent(ctx context.Context, id string) (records.Student, error) {
	st, err := s.store.GetStudent(ctx, id)
	if err != nil {
		return records.Student{}, err
	}
	if st == nil {
		return records.Student{}, records.ErrNotFound
	}
	return *st, nil
}

func (s *Service) ListStudents(ctx context.Context) ([]records.Student, error) {
	return s.store.ListStudents(ctx)
}

// UpdateStudent replaces the profile fields. Payment and scan state are
// left alone.
func (s *Service) UpdateStudent(ctx context.Context, id string, in StudentInput) (records.Student, error) {
	in = in.trimmed()
	if err := in.validate(); err != nil {
		return records.Student{}, err
	}
	st, err := s.GetStudent(ctx, id)
	if err != nil {
		return records.Student{}, err
	}
	if records.NormalizeAdminNumber(in.AdminNumber) != records.NormalizeAdminNumber(st.AdminNumber) {
		other, err := s.store.GetStudentByAdminNumber(ctx, in.AdminNumber)
		if err != nil {
			return records.Student{}, err
		}
		if other != nil && other.ID != id {
			return records.Student{}, fmt.Errorf("admin number %s: %w", in.AdminNumber, records.ErrDuplicateAdminNumber)
		}
	}
	in.applyTo(&st)
	if err := s.store.UpdateStudent(ctx, st); err != nil {
		return records.Student{}, err
	}
	return st, nil
}

// SetPayment toggles a service's paid flag. History grows only when the
// flag goes from unpaid to paid.
func (s *Service) SetPayment(ctx context.Context, id string, kind records.ResourceKind, paid bool) (records.Student, error) {
	st, err := s.GetStudent(ctx, id)
	if err != nil {
		return records.Student{}, err
	}
	st.Service(kind).SetPaid(paid, s.now().UTC())
	if err := s.store.UpdateStudent(ctx, st); err != nil {
		return records.Student{}, err
	}
	s.logger.Info("payment updated",
		zap.String("student_id", id),
		zap.String("resource", string(kind)),
		zap.Bool("paid", paid),
	)
	return st, nil
}

// RegenerateID issues a new QR identifier. Codes printed with the old id
// stop resolving.
func (s *Service) RegenerateID(ctx context.Context, id string) (records.Student, error) {
	newID := uuid.NewString()
	if err := s.store.ReplaceStudentID(ctx, id, newID); err != nil {
		return records.Student{}, err
	}
	s.logger.Info("student id regenerated", zap.String("old_id", id), zap.String("new_id", newID))
	return s.GetStudent(ctx, newID)
}

func (s *Service) DeleteStudent(ctx context.Context, id string) error {
	return s.store.DeleteStudent(ctx, id)
}

// ListScanLogs returns the newest entries first.
func (s *Service) ListScanLogs(ctx context.Context, limit int) ([]records.ScanLog, error) {
	return s.store.ListScanLogs(ctx, limit)
}

func (s *Service) GetSettings(ctx context.Context) (records.Settings, error) {
	return s.store.GetSettings(ctx)
}

// SetTermEnd sets the end of the current term. Moving the date opens a new
// term, so the reset guard is cleared.
func (s *Service) SetTermEnd(ctx context.Context, end *time.Time) (records.Settings, error) {
	cur, err := s.store.GetSettings(ctx)
	if err != nil {
		return records.Settings{}, err
	}
	next := records.Settings{TermResetProcessed: cur.TermResetProcessed}
	if end != nil {
		t := end.UTC()
		next.TermEndDate = &t
	}
	if !sameTime(cur.TermEndDate, next.TermEndDate) {
		next.TermResetProcessed = false
	}
	if err := s.store.PutSettings(ctx, next); err != nil {
		return records.Settings{}, err
	}
	return next, nil
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// ApplyTermReset runs the end-of-term sweep against the store. Students are
// written before the settings flag so an interrupted sweep is retried.
func (s *Service) ApplyTermReset(ctx context.Context) (term.Result, error) {
	s.resetMu.Lock()
	defer s.resetMu.Unlock()

	settings, err := s.store.GetSettings(ctx)
	if err != nil {
		return term.Result{}, fmt.Errorf("read settings: %w", err)
	}
	now := s.now().UTC()
	if !term.Due(settings, now) {
		return term.Result{Settings: settings}, nil
	}
	students, err := s.store.ListStudents(ctx)
	if err != nil {
		return term.Result{}, fmt.Errorf("list students: %w", err)
	}

	res := term.MaybeReset(settings, students, now)
	if !res.Applied {
		return res, nil
	}
	changed := make(map[string]bool, len(res.Changed))
	for _, id := range res.Changed {
		changed[id] = true
	}
	for _, st := range res.Students {
		if !changed[st.ID] {
			continue
		}
		if err := s.store.UpdateStudent(ctx, st); err != nil && !errors.Is(err, records.ErrNotFound) {
			return term.Result{}, fmt.Errorf("reset student %s: %w", st.ID, err)
		}
	}
	if err := s.store.PutSettings(ctx, res.Settings); err != nil {
		return term.Result{}, fmt.Errorf("mark term processed: %w", err)
	}
	s.logger.Info("term reset applied", zap.Int("students_cleared", len(res.Changed)))
	return res, nil
}
