package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"qrattend/internal/model"
)

// SQL persists students, sessions and attendance in Postgres or SQLite.
type SQL struct {
	db *DB
}

// NewSQL creates the schema if needed and returns a store over db.
func NewSQL(ctx context.Context, db *DB) (*SQL, error) {
	s := &SQL{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQL) migrate(ctx context.Context) error {
	ts := "TIMESTAMPTZ"
	if s.db.Dialect == SQLite {
		ts = "DATETIME"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS students (
			id            TEXT PRIMARY KEY,
			name          TEXT NOT NULL,
			student_id    TEXT UNIQUE NOT NULL,
			email         TEXT UNIQUE NOT NULL,
			device_id     TEXT UNIQUE,
			is_active     BOOLEAN NOT NULL DEFAULT TRUE,
			registered_at ` + ts + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id                  TEXT PRIMARY KEY,
			name                TEXT NOT NULL,
			instructor_id       TEXT NOT NULL,
			code                TEXT NOT NULL,
			is_active           BOOLEAN NOT NULL DEFAULT TRUE,
			created_at          ` + ts + ` NOT NULL,
			ended_at            ` + ts + `,
			present_count       INTEGER NOT NULL DEFAULT 0,
			require_verification BOOLEAN NOT NULL DEFAULT TRUE,
			verification_timeout INTEGER NOT NULL DEFAULT 10,
			allow_multiple      BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_sessions_single_active ON sessions (is_active) WHERE is_active`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_sessions_active_code ON sessions (code) WHERE is_active`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions (created_at)`,
		`CREATE TABLE IF NOT EXISTS attendance (
			id            TEXT PRIMARY KEY,
			student_id    TEXT NOT NULL REFERENCES students(id),
			student_name  TEXT NOT NULL,
			session_id    TEXT NOT NULL REFERENCES sessions(id),
			code          TEXT NOT NULL,
			ip_address    TEXT NOT NULL,
			device_id     TEXT NOT NULL,
			face_verified BOOLEAN NOT NULL DEFAULT FALSE,
			verification_time DOUBLE PRECISION NOT NULL DEFAULT 0,
			recorded_at   ` + ts + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_attendance_student_session ON attendance (student_id, session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_attendance_session ON attendance (session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_attendance_time ON attendance (recorded_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Client.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQL) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.Client.ExecContext(ctx, s.db.rebind(query), args...)
}

func (s *SQL) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.Client.QueryRowContext(ctx, s.db.rebind(query), args...)
}

func (s *SQL) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.Client.QueryContext(ctx, s.db.rebind(query), args...)
}

// -------- Students --------

const studentColumns = `id, name, student_id, email, device_id, is_active, registered_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStudent(row rowScanner) (*model.Student, error) {
	var (
		st     model.Student
		device sql.NullString
	)
	if err := row.Scan(&st.ID, &st.Name, &st.StudentID, &st.Email, &device, &st.Active, &st.RegisteredAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	st.DeviceID = device.String
	return &st, nil
}

func (s *SQL) CreateStudent(ctx context.Context, st *model.Student) error {
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	if st.RegisteredAt.IsZero() {
		st.RegisteredAt = time.Now().UTC()
	}
	st.Email = strings.ToLower(st.Email)
	st.Active = true

	// a student number must not double as another student's email
	var clashes int
	err := s.queryRow(ctx, `
		SELECT COUNT(*) FROM students WHERE email = ? OR LOWER(student_id) = ?
	`, strings.ToLower(st.StudentID), st.Email).Scan(&clashes)
	if err != nil {
		return err
	}
	if clashes > 0 {
		return ErrConflict
	}

	_, err = s.exec(ctx, `
		INSERT INTO students (id, name, student_id, email, is_active, registered_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, st.ID, st.Name, st.StudentID, st.Email, st.Active, st.RegisteredAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (s *SQL) FindStudent(ctx context.Context, key string) (*model.Student, error) {
	return scanStudent(s.queryRow(ctx, `
		SELECT `+studentColumns+` FROM students
		WHERE id = ? OR student_id = ? OR email = ?
		ORDER BY CASE WHEN id = ? THEN 0 WHEN student_id = ? THEN 1 ELSE 2 END
		LIMIT 1
	`, key, key, strings.ToLower(key), key, key))
}

func (s *SQL) ListActiveStudents(ctx context.Context) ([]model.Student, error) {
	rows, err := s.query(ctx, `SELECT `+studentColumns+` FROM students WHERE is_active = ? ORDER BY registered_at DESC`, true)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.Student, 0)
	for rows.Next() {
		st, err := scanStudent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

func (s *SQL) FindStudentByDevice(ctx context.Context, deviceID string) (*model.Student, error) {
	return scanStudent(s.queryRow(ctx, `SELECT `+studentColumns+` FROM students WHERE device_id = ?`, deviceID))
}

func (s *SQL) BindDevice(ctx context.Context, studentID, deviceID string) error {
	res, err := s.exec(ctx, `
		UPDATE students SET device_id = ?
		WHERE id = ? AND (device_id IS NULL OR device_id = ?)
	`, deviceID, studentID, deviceID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDeviceTaken
		}
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if _, err := s.FindStudent(ctx, studentID); err != nil {
		return err
	}
	return ErrDeviceTaken
}

func (s *SQL) UnbindDevice(ctx context.Context, studentID, deviceID string) error {
	_, err := s.exec(ctx, `UPDATE students SET device_id = NULL WHERE id = ? AND device_id = ?`, studentID, deviceID)
	return err
}

// -------- Sessions --------

const sessionColumns = `id, name, instructor_id, code, is_active, created_at, ended_at, present_count,
	require_verification, verification_timeout, allow_multiple`

func scanSession(row rowScanner) (*model.Session, error) {
	var (
		ses   model.Session
		ended sql.NullTime
	)
	err := row.Scan(&ses.ID, &ses.Name, &ses.InstructorID, &ses.Code, &ses.Active, &ses.CreatedAt, &ended,
		&ses.PresentCount, &ses.Settings.RequireVerification, &ses.Settings.VerificationTimeoutSeconds,
		&ses.Settings.AllowMultipleAttendance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if ended.Valid {
		t := ended.Time
		ses.EndedAt = &t
	}
	return &ses, nil
}

func (s *SQL) CreateSession(ctx context.Context, ses *model.Session) error {
	_, err := s.exec(ctx, `
		INSERT INTO sessions (id, name, instructor_id, code, is_active, created_at, present_count,
			require_verification, verification_timeout, allow_multiple)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ses.ID, ses.Name, ses.InstructorID, ses.Code, ses.Active, ses.CreatedAt, ses.PresentCount,
		ses.Settings.RequireVerification, ses.Settings.VerificationTimeoutSeconds, ses.Settings.AllowMultipleAttendance)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (s *SQL) FindActiveSession(ctx context.Context) (*model.Session, error) {
	return scanSession(s.queryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE is_active = ? LIMIT 1`, true))
}

func (s *SQL) FindActiveSessionByCode(ctx context.Context, code string) (*model.Session, error) {
	return scanSession(s.queryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE code = ? AND is_active = ? LIMIT 1`, code, true))
}

func (s *SQL) DeactivateActiveSessions(ctx context.Context, endedAt time.Time) (int64, error) {
	res, err := s.exec(ctx, `UPDATE sessions SET is_active = ?, ended_at = ? WHERE is_active = ?`, false, endedAt, true)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQL) UpdatePresentCount(ctx context.Context, sessionID string, count int) error {
	res, err := s.exec(ctx, `UPDATE sessions SET present_count = ? WHERE id = ?`, count, sessionID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQL) ListSessions(ctx context.Context, limit int) ([]model.Session, error) {
	rows, err := s.query(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY created_at DESC LIMIT ?`,
		clampLimit(limit, MaxSessionList))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.Session, 0)
	for rows.Next() {
		ses, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ses)
	}
	return out, rows.Err()
}

// -------- Attendance --------

const attendanceColumns = `id, student_id, student_name, session_id, code, ip_address, device_id,
	face_verified, verification_time, recorded_at`

func scanAttendance(row rowScanner) (*model.AttendanceRecord, error) {
	var r model.AttendanceRecord
	err := row.Scan(&r.ID, &r.StudentID, &r.StudentName, &r.SessionID, &r.Code, &r.SourceAddress,
		&r.DeviceID, &r.Verified, &r.VerificationElapsed, &r.RecordedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &r, nil
}

func (s *SQL) CreateAttendance(ctx context.Context, rec *model.AttendanceRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	_, err := s.exec(ctx, `
		INSERT INTO attendance (id, student_id, student_name, session_id, code, ip_address, device_id,
			face_verified, verification_time, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.StudentID, rec.StudentName, rec.SessionID, rec.Code, rec.SourceAddress, rec.DeviceID,
		rec.Verified, rec.VerificationElapsed, rec.RecordedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (s *SQL) FindAttendance(ctx context.Context, studentID, sessionID string) (*model.AttendanceRecord, error) {
	return scanAttendance(s.queryRow(ctx, `
		SELECT `+attendanceColumns+` FROM attendance
		WHERE student_id = ? AND session_id = ?
		LIMIT 1
	`, studentID, sessionID))
}

func (s *SQL) CountAttendance(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM attendance WHERE session_id = ?`, sessionID).Scan(&n)
	return n, err
}

// ListAttendance returns records newest first with basic filters.
func (s *SQL) ListAttendance(ctx context.Context, f model.AttendanceFilter) ([]model.AttendanceRecord, error) {
	query := `SELECT ` + attendanceColumns + ` FROM attendance`
	var (
		args    []any
		clauses []string
	)
	if f.SessionID != "" {
		clauses = append(clauses, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.StudentID != "" {
		clauses = append(clauses, "student_id = ?")
		args = append(args, f.StudentID)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY recorded_at DESC LIMIT ?"
	args = append(args, clampLimit(f.Limit, MaxAttendanceList))

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.AttendanceRecord, 0)
	for rows.Next() {
		r, err := scanAttendance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *SQL) Ping(ctx context.Context) error { return s.db.Client.PingContext(ctx) }

func (s *SQL) Close() error { return s.db.Close() }
