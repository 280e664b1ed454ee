package records

import (
	"strings"
	"time"
)

// ResourceKind names one of the two independently tracked services.
type ResourceKind string

const (
	Transport ResourceKind = "transport"
	Meal      ResourceKind = "meal"
)

// ParseResourceKind accepts "transport" or "meal" in any case.
func ParseResourceKind(s string) (ResourceKind, bool) {
	switch ResourceKind(strings.ToLower(strings.TrimSpace(s))) {
	case Transport:
		return Transport, true
	case Meal:
		return Meal, true
	}
	return "", false
}

// PaymentEvent is one transition into paid.
type PaymentEvent struct {
	At time.Time `json:"at"`
}

// ServiceState tracks eligibility and admission for one resource kind.
type ServiceState struct {
	IsPaid          bool           `json:"is_paid"`
	LastPaymentDate *time.Time     `json:"last_payment_date,omitempty"`
	History         []PaymentEvent `json:"history"`
	LastScanTime    *time.Time     `json:"last_scan_time,omitempty"`
}

// Clone returns a deep copy.
func (s ServiceState) Clone() ServiceState {
	out := ServiceState{IsPaid: s.IsPaid}
	if s.LastPaymentDate != nil {
		t := *s.LastPaymentDate
		out.LastPaymentDate = &t
	}
	if s.LastScanTime != nil {
		t := *s.LastScanTime
		out.LastScanTime = &t
	}
	if s.History != nil {
		out.History = make([]PaymentEvent, len(s.History))
		copy(out.History, s.History)
	}
	return out
}

// SetPaid applies an admin toggle. History and LastPaymentDate only move on a
// transition into paid.
func (s *ServiceState) SetPaid(paid bool, at time.Time) {
	if paid && !s.IsPaid {
		t := at
		s.LastPaymentDate = &t
		s.History = append(s.History, PaymentEvent{At: at})
	}
	s.IsPaid = paid
}

// Student is a registered student. ID is the opaque value embedded in the
// student's QR code.
type Student struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Class         string       `json:"class"`
	AdminNumber   string       `json:"admin_number"`
	Gender        string       `json:"gender,omitempty"`
	Location      string       `json:"location,omitempty"`
	BusNumber     string       `json:"bus_number,omitempty"`
	BusName       string       `json:"bus_name,omitempty"`
	GuardianName  string       `json:"guardian_name,omitempty"`
	GuardianPhone string       `json:"guardian_phone,omitempty"`
	Transport     ServiceState `json:"transport"`
	Meal          ServiceState `json:"meal"`
	CreatedAt     time.Time    `json:"created_at"`
}

// Service returns the state for kind.
func (s *Student) Service(kind ResourceKind) *ServiceState {
	if kind == Meal {
		return &s.Meal
	}
	return &s.Transport
}

// Clone returns a deep copy so callers can mutate without aliasing store state.
func (s Student) Clone() Student {
	out := s
	out.Transport = s.Transport.Clone()
	out.Meal = s.Meal.Clone()
	return out
}

// NormalizeAdminNumber is the comparison key for admin number uniqueness.
func NormalizeAdminNumber(n string) string {
	return strings.ToLower(strings.TrimSpace(n))
}

// NormalizeEmail is the comparison key for login emails.
func NormalizeEmail(e string) string {
	return strings.ToLower(strings.TrimSpace(e))
}

// User is a login account; operators scan, admins manage.
type User struct {
	ID               string    `json:"id"`
	Email            string    `json:"email"`
	Name             string    `json:"name"`
	Role             Role      `json:"role"`
	AssignedResource string    `json:"assigned_resource,omitempty"`
	PINHash          string    `json:"-"`
	CreatedAt        time.Time `json:"created_at"`
}

// Settings holds the term boundary used by the reset sweep.
type Settings struct {
	TermEndDate        *time.Time `json:"term_end_date,omitempty"`
	TermResetProcessed bool       `json:"term_reset_processed"`
}

// ScanLog is an immutable audit entry written for every processed decode.
type ScanLog struct {
	ID           string    `json:"id"`
	At           time.Time `json:"at"`
	StudentID    string    `json:"student_id,omitempty"`
	StudentName  string    `json:"student_name"`
	Class        string    `json:"class"`
	Location     string    `json:"location"`
	Resource     string    `json:"resource"`
	Outcome      string    `json:"outcome"`
	Message      string    `json:"message"`
	OperatorID   string    `json:"operator_id"`
	OperatorName string    `json:"operator_name"`
}

// Placeholders used in log entries when the payload did not resolve.
const (
	UnknownName  = "Unknown"
	UnknownValue = "-"
)
