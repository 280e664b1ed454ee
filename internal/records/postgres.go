package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Postgres persists records through database/sql with the pgx driver.
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates a store over an open pool.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// migrations are applied in order; index+1 is the schema version.
var migrations = []string{
	`
	CREATE TABLE IF NOT EXISTS students (
		id                     TEXT PRIMARY KEY,
		name                   TEXT NOT NULL,
		class                  TEXT NOT NULL DEFAULT '',
		admin_number           TEXT NOT NULL,
		admin_key              TEXT NOT NULL UNIQUE,
		gender                 TEXT NOT NULL DEFAULT '',
		location               TEXT NOT NULL DEFAULT '',
		bus_number             TEXT NOT NULL DEFAULT '',
		bus_name               TEXT NOT NULL DEFAULT '',
		guardian_name          TEXT NOT NULL DEFAULT '',
		guardian_phone         TEXT NOT NULL DEFAULT '',
		transport_paid         BOOLEAN NOT NULL DEFAULT FALSE,
		transport_last_payment TIMESTAMPTZ,
		transport_last_scan    TIMESTAMPTZ,
		meal_paid              BOOLEAN NOT NULL DEFAULT FALSE,
		meal_last_payment      TIMESTAMPTZ,
		meal_last_scan         TIMESTAMPTZ,
		created_at             TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE TABLE IF NOT EXISTS payment_history (
		seq        BIGSERIAL PRIMARY KEY,
		student_id TEXT NOT NULL REFERENCES students(id) ON DELETE CASCADE ON UPDATE CASCADE,
		resource   TEXT NOT NULL,
		paid_at    TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_payment_history_student ON payment_history(student_id, resource, seq);
	CREATE TABLE IF NOT EXISTS users (
		id                TEXT PRIMARY KEY,
		email             TEXT NOT NULL,
		email_key         TEXT NOT NULL UNIQUE,
		name              TEXT NOT NULL DEFAULT '',
		role              TEXT NOT NULL,
		assigned_resource TEXT NOT NULL DEFAULT '',
		pin_hash          TEXT NOT NULL,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE TABLE IF NOT EXISTS settings (
		id                   INT PRIMARY KEY CHECK (id = 1),
		term_end_date        TIMESTAMPTZ,
		term_reset_processed BOOLEAN NOT NULL DEFAULT FALSE
	);
	CREATE TABLE IF NOT EXISTS scan_logs (
		seq           BIGSERIAL,
		id            TEXT PRIMARY KEY,
		occurred_at   TIMESTAMPTZ NOT NULL,
		student_id    TEXT NOT NULL DEFAULT '',
		student_name  TEXT NOT NULL,
		class         TEXT NOT NULL,
		location      TEXT NOT NULL,
		resource      TEXT NOT NULL DEFAULT '',
		outcome       TEXT NOT NULL,
		message       TEXT NOT NULL,
		operator_id   TEXT NOT NULL,
		operator_name TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_scan_logs_time ON scan_logs(occurred_at DESC, seq DESC);
	`,
}

// Migrate brings the schema up to the latest version.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	var current int
	if err := p.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	for i := current; i < len(migrations); i++ {
		version := i + 1
		tx, err := p.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

const studentColumns = `id, name, class, admin_number, gender, location, bus_number, bus_name, guardian_name, guardian_phone,
	transport_paid, transport_last_payment, transport_last_scan, meal_paid, meal_last_payment, meal_last_scan, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStudent(row rowScanner) (Student, error) {
	var st Student
	var tPay, tScan, mPay, mScan sql.NullTime
	err := row.Scan(&st.ID, &st.Name, &st.Class, &st.AdminNumber, &st.Gender, &st.Location, &st.BusNumber, &st.BusName,
		&st.GuardianName, &st.GuardianPhone,
		&st.Transport.IsPaid, &tPay, &tScan, &st.Meal.IsPaid, &mPay, &mScan, &st.CreatedAt)
	if err != nil {
		return Student{}, err
	}
	st.Transport.LastPaymentDate = timePtr(tPay)
	st.Transport.LastScanTime = timePtr(tScan)
	st.Meal.LastPaymentDate = timePtr(mPay)
	st.Meal.LastScanTime = timePtr(mScan)
	return st, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (p *Postgres) GetStudent(ctx context.Context, id string) (*Student, error) {
	return p.getStudentWhere(ctx, `id = $1`, id)
}

func (p *Postgres) GetStudentByAdminNumber(ctx context.Context, adminNumber string) (*Student, error) {
	return p.getStudentWhere(ctx, `admin_key = $1`, NormalizeAdminNumber(adminNumber))
}

func (p *Postgres) getStudentWhere(ctx context.Context, where string, arg any) (*Student, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+studentColumns+` FROM students WHERE `+where, arg)
	st, err := scanStudent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	history, err := p.history(ctx, `WHERE student_id = $1`, st.ID)
	if err != nil {
		return nil, err
	}
	attachHistory(&st, history[st.ID])
	return &st, nil
}

type historyRow struct {
	resource ResourceKind
	at       time.Time
}

func (p *Postgres) history(ctx context.Context, where string, args ...any) (map[string][]historyRow, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT student_id, resource, paid_at FROM payment_history `+where+` ORDER BY seq`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string][]historyRow)
	for rows.Next() {
		var id string
		var h historyRow
		if err := rows.Scan(&id, &h.resource, &h.at); err != nil {
			return nil, err
		}
		out[id] = append(out[id], h)
	}
	return out, rows.Err()
}

func attachHistory(st *Student, rows []historyRow) {
	for _, h := range rows {
		svc := st.Service(h.resource)
		svc.History = append(svc.History, PaymentEvent{At: h.at.UTC()})
	}
}

func (p *Postgres) ListStudents(ctx context.Context) ([]Student, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+studentColumns+` FROM students ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var students []Student
	for rows.Next() {
		st, err := scanStudent(rows)
		if err != nil {
			return nil, err
		}
		students = append(students, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	history, err := p.history(ctx, ``)
	if err != nil {
		return nil, err
	}
	for i := range students {
		attachHistory(&students[i], history[students[i].ID])
	}
	return students, nil
}

func (p *Postgres) CreateStudent(ctx context.Context, st Student) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now().UTC()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO students (id, name, class, admin_number, admin_key, gender, location, bus_number, bus_name,
			guardian_name, guardian_phone, transport_paid, transport_last_payment, transport_last_scan,
			meal_paid, meal_last_payment, meal_last_scan, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
	`, st.ID, st.Name, st.Class, st.AdminNumber, NormalizeAdminNumber(st.AdminNumber), st.Gender, st.Location,
		st.BusNumber, st.BusName, st.GuardianName, st.GuardianPhone,
		st.Transport.IsPaid, nullTime(st.Transport.LastPaymentDate), nullTime(st.Transport.LastScanTime),
		st.Meal.IsPaid, nullTime(st.Meal.LastPaymentDate), nullTime(st.Meal.LastScanTime), st.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateAdminNumber
		}
		return err
	}
	if err := appendHistory(ctx, tx, st.ID, Transport, st.Transport.History, 0); err != nil {
		return err
	}
	if err := appendHistory(ctx, tx, st.ID, Meal, st.Meal.History, 0); err != nil {
		return err
	}
	return tx.Commit()
}

func appendHistory(ctx context.Context, tx *sql.Tx, id string, kind ResourceKind, events []PaymentEvent, from int) error {
	for _, ev := range events[from:] {
		if _, err := tx.ExecContext(ctx, `INSERT INTO payment_history (student_id, resource, paid_at) VALUES ($1, $2, $3)`,
			id, string(kind), ev.At); err != nil {
			return err
		}
	}
	return nil
}

// UpdateStudent writes profile and service columns. History is append-only:
// only entries beyond what is already stored are inserted.
func (p *Postgres) UpdateStudent(ctx context.Context, st Student) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE students SET name = $2, class = $3, admin_number = $4, admin_key = $5, gender = $6, location = $7,
			bus_number = $8, bus_name = $9, guardian_name = $10, guardian_phone = $11,
			transport_paid = $12, transport_last_payment = $13,
			meal_paid = $14, meal_last_payment = $15
		WHERE id = $1
	`, st.ID, st.Name, st.Class, st.AdminNumber, NormalizeAdminNumber(st.AdminNumber), st.Gender, st.Location,
		st.BusNumber, st.BusName, st.GuardianName, st.GuardianPhone,
		st.Transport.IsPaid, nullTime(st.Transport.LastPaymentDate),
		st.Meal.IsPaid, nullTime(st.Meal.LastPaymentDate))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateAdminNumber
		}
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	for _, kind := range []ResourceKind{Transport, Meal} {
		var stored int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM payment_history WHERE student_id = $1 AND resource = $2`,
			st.ID, string(kind)).Scan(&stored); err != nil {
			return err
		}
		events := st.Service(kind).History
		if stored < len(events) {
			if err := appendHistory(ctx, tx, st.ID, kind, events, stored); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

func (p *Postgres) ReplaceStudentID(ctx context.Context, oldID, newID string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE students SET id = $2 WHERE id = $1`, oldID, newID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) DeleteStudent(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM students WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordAdmission is the only writer of the last-scan columns.
func (p *Postgres) RecordAdmission(ctx context.Context, studentID string, kind ResourceKind, at time.Time) error {
	var query string
	switch kind {
	case Transport:
		query = `UPDATE students SET transport_last_scan = $2 WHERE id = $1`
	case Meal:
		query = `UPDATE students SET meal_last_scan = $2 WHERE id = $1`
	default:
		return fmt.Errorf("records: unknown resource kind %q", kind)
	}
	res, err := p.db.ExecContext(ctx, query, studentID, at)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const userColumns = `id, email, name, role, assigned_resource, pin_hash, created_at`

func scanUser(row rowScanner) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.Role, &u.AssignedResource, &u.PINHash, &u.CreatedAt)
	return u, err
}

func (p *Postgres) GetUser(ctx context.Context, id string) (*User, error) {
	return p.getUserWhere(ctx, `id = $1`, id)
}

func (p *Postgres) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return p.getUserWhere(ctx, `email_key = $1`, NormalizeEmail(email))
}

func (p *Postgres) getUserWhere(ctx context.Context, where string, arg any) (*User, error) {
	u, err := scanUser(p.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE `+where, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

func (p *Postgres) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY email_key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (p *Postgres) CreateUser(ctx context.Context, u User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO users (id, email, email_key, name, role, assigned_resource, pin_hash, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, u.ID, u.Email, NormalizeEmail(u.Email), u.Name, string(u.Role), u.AssignedResource, u.PINHash, u.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateEmail
	}
	return err
}

func (p *Postgres) DeleteUser(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) GetSettings(ctx context.Context) (Settings, error) {
	var end sql.NullTime
	var s Settings
	err := p.db.QueryRowContext(ctx, `SELECT term_end_date, term_reset_processed FROM settings WHERE id = 1`).
		Scan(&end, &s.TermResetProcessed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Settings{}, nil
		}
		return Settings{}, err
	}
	s.TermEndDate = timePtr(end)
	return s, nil
}

func (p *Postgres) PutSettings(ctx context.Context, s Settings) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO settings (id, term_end_date, term_reset_processed)
		VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET
			term_end_date = EXCLUDED.term_end_date,
			term_reset_processed = EXCLUDED.term_reset_processed
	`, nullTime(s.TermEndDate), s.TermResetProcessed)
	return err
}

func (p *Postgres) AppendScanLog(ctx context.Context, e ScanLog) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO scan_logs (id, occurred_at, student_id, student_name, class, location, resource, outcome, message,
			operator_id, operator_name)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, e.ID, e.At, e.StudentID, e.StudentName, e.Class, e.Location, e.Resource, e.Outcome, e.Message,
		e.OperatorID, e.OperatorName)
	return err
}

func (p *Postgres) ListScanLogs(ctx context.Context, limit int) ([]ScanLog, error) {
	if limit <= 0 {
		limit = DefaultLogLimit
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, occurred_at, student_id, student_name, class, location, resource, outcome, message,
			operator_id, operator_name
		FROM scan_logs
		ORDER BY occurred_at DESC, seq DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var logs []ScanLog
	for rows.Next() {
		var e ScanLog
		if err := rows.Scan(&e.ID, &e.At, &e.StudentID, &e.StudentName, &e.Class, &e.Location, &e.Resource,
			&e.Outcome, &e.Message, &e.OperatorID, &e.OperatorName); err != nil {
			return nil, err
		}
		logs = append(logs, e)
	}
	return logs, rows.Err()
}
