// Package admission decides whether a scanned student is admitted to a
// transport or meal service. Everything here is pure: no I/O, no mutation.
package admission

import (
	"fmt"
	"strings"
	"time"

	"schoolpass/internal/records"
)

// Kind tags an Outcome.
type Kind string

const (
	NotFound      Kind = "not_found"
	InfoOnly      Kind = "info_only"
	WrongResource Kind = "wrong_resource"
	NotEligible   Kind = "not_eligible"
	Repeated      Kind = "repeated"
	Approved      Kind = "approved"
)

// Cue is the feedback class a station plays for an outcome.
type Cue string

const (
	CueApproved Cue = "approved"
	CueBlocked  Cue = "blocked"
	CueDenied   Cue = "denied"
)

// Scanner is the identity of whoever is holding the camera.
type Scanner struct {
	ID               string
	Name             string
	Role             records.Role
	AssignedResource string
}

// ScannerFor builds a Scanner from a user record.
func ScannerFor(u records.User) Scanner {
	return Scanner{ID: u.ID, Name: u.Name, Role: u.Role, AssignedResource: u.AssignedResource}
}

// Outcome is the decision for one decoded payload.
type Outcome struct {
	Kind Kind `json:"kind"`
	// Resource is the kind that was checked; empty for NotFound and InfoOnly.
	Resource records.ResourceKind `json:"resource,omitempty"`
	// Expected is the student's own assignment for WrongResource.
	Expected       string `json:"expected,omitempty"`
	RemainingHours int    `json:"remaining_hours,omitempty"`
	Message        string `json:"message"`
}

// Cue classifies the outcome for audio/visual feedback.
func (o Outcome) Cue() Cue {
	switch o.Kind {
	case Approved, InfoOnly:
		return CueApproved
	case Repeated, WrongResource:
		return CueBlocked
	default:
		return CueDenied
	}
}

// Admitted reports whether the outcome must update lastScanTime.
func (o Outcome) Admitted() bool {
	return o.Kind == Approved
}

// Decide evaluates a decoded payload against the looked-up student. student is
// nil when the payload did not resolve. The first matching rule wins:
// not found, info-only role, wrong bus, unpaid, cooldown, approved.
func Decide(payload string, student *records.Student, scanner Scanner, now time.Time, windowHours int) Outcome {
	if student == nil {
		return Outcome{Kind: NotFound, Message: fmt.Sprintf("No student found for code %q", truncate(payload, 40))}
	}

	caps := scanner.Role.Can()
	if caps.InfoOnlyScans {
		return Outcome{Kind: InfoOnly, Message: fmt.Sprintf("Record found: %s (%s)", student.Name, student.Class)}
	}

	kind, ok := scanner.Role.CheckedResource(scanner.AssignedResource)
	if !ok {
		// Roles without scan capabilities never admit anyone.
		return Outcome{Kind: NotEligible, Message: "Scanner role cannot admit students"}
	}

	if kind == records.Transport && !sameResource(student.BusNumber, scanner.AssignedResource) {
		expected := strings.TrimSpace(student.BusNumber)
		msg := fmt.Sprintf("Wrong bus: %s is assigned to %s", student.Name, expected)
		if expected == "" {
			msg = fmt.Sprintf("Wrong bus: %s has no bus assignment", student.Name)
		}
		return Outcome{Kind: WrongResource, Resource: kind, Expected: expected, Message: msg}
	}

	svc := student.Service(kind)
	if !svc.IsPaid {
		return Outcome{Kind: NotEligible, Resource: kind, Message: fmt.Sprintf("%s has not paid for %s", student.Name, kind)}
	}

	if cd := Evaluate(svc.LastScanTime, now, windowHours); cd.Blocked {
		return Outcome{
			Kind:           Repeated,
			Resource:       kind,
			RemainingHours: cd.RemainingHours,
			Message:        fmt.Sprintf("%s already scanned for %s; try again in %dh", student.Name, kind, cd.RemainingHours),
		}
	}

	return Outcome{Kind: Approved, Resource: kind, Message: fmt.Sprintf("%s approved for %s", student.Name, kind)}
}

func sameResource(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// truncate keeps at most n runes of s.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
