package records

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by writes that target a missing record.
	ErrNotFound = errors.New("records: not found")
	// ErrDuplicateAdminNumber is returned when an admin number is already registered.
	ErrDuplicateAdminNumber = errors.New("records: duplicate admin number")
	// ErrDuplicateEmail is returned when a login email is already taken.
	ErrDuplicateEmail = errors.New("records: duplicate email")
)

// Collection names used for change notifications.
const (
	CollectionStudents = "students"
	CollectionUsers    = "users"
	CollectionSettings = "settings"
	CollectionScanLogs = "scan_logs"
)

// Store owns all persisted state. Reads of a missing record return nil, nil.
type Store interface {
	GetStudent(ctx context.Context, id string) (*Student, error)
	GetStudentByAdminNumber(ctx context.Context, adminNumber string) (*Student, error)
	ListStudents(ctx context.Context) ([]Student, error)
	CreateStudent(ctx context.Context, st Student) error
	// UpdateStudent writes profile, payment flags and new history entries.
	// Last-scan times are owned by RecordAdmission and left unchanged.
	UpdateStudent(ctx context.Context, st Student) error
	// ReplaceStudentID moves a student to a new opaque id, invalidating QR
	// codes issued with the old one.
	ReplaceStudentID(ctx context.Context, oldID, newID string) error
	DeleteStudent(ctx context.Context, id string) error
	// RecordAdmission sets lastScanTime for one resource kind.
	RecordAdmission(ctx context.Context, studentID string, kind ResourceKind, at time.Time) error

	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	ListUsers(ctx context.Context) ([]User, error)
	CreateUser(ctx context.Context, u User) error
	DeleteUser(ctx context.Context, id string) error

	GetSettings(ctx context.Context) (Settings, error)
	PutSettings(ctx context.Context, s Settings) error

	AppendScanLog(ctx context.Context, entry ScanLog) error
	// ListScanLogs returns entries newest first. limit <= 0 means a default page.
	ListScanLogs(ctx context.Context, limit int) ([]ScanLog, error)
}

// DefaultLogLimit is the page size used when ListScanLogs gets limit <= 0.
const DefaultLogLimit = 50
