package store

import (
	"context"
	"errors"
	"time"

	"qrattend/internal/model"
)

var (
	// ErrNotFound is returned when a lookup matches nothing.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a create would violate a uniqueness rule.
	ErrConflict = errors.New("store: conflict")
	// ErrDeviceTaken is returned by BindDevice when the device already
	// belongs to another student, or the student to another device.
	ErrDeviceTaken = errors.New("store: device already bound")
)

// Store is the persistence collaborator of the integrity engine. Every
// method is individually atomic; multi-step invariants are serialized by
// the callers.
type Store interface {
	CreateStudent(ctx context.Context, st *model.Student) error
	// FindStudent matches the internal id, the student number or the email.
	FindStudent(ctx context.Context, key string) (*model.Student, error)
	ListActiveStudents(ctx context.Context) ([]model.Student, error)
	FindStudentByDevice(ctx context.Context, deviceID string) (*model.Student, error)
	// BindDevice sets the student's device only if the student has none and
	// the device is unused.
	BindDevice(ctx context.Context, studentID, deviceID string) error
	// UnbindDevice clears the binding only if it still equals deviceID.
	UnbindDevice(ctx context.Context, studentID, deviceID string) error

	CreateSession(ctx context.Context, s *model.Session) error
	FindActiveSession(ctx context.Context) (*model.Session, error)
	FindActiveSessionByCode(ctx context.Context, code string) (*model.Session, error)
	DeactivateActiveSessions(ctx context.Context, endedAt time.Time) (int64, error)
	UpdatePresentCount(ctx context.Context, sessionID string, count int) error
	ListSessions(ctx context.Context, limit int) ([]model.Session, error)

	CreateAttendance(ctx context.Context, rec *model.AttendanceRecord) error
	FindAttendance(ctx context.Context, studentID, sessionID string) (*model.AttendanceRecord, error)
	CountAttendance(ctx context.Context, sessionID string) (int, error)
	ListAttendance(ctx context.Context, f model.AttendanceFilter) ([]model.AttendanceRecord, error)

	Ping(ctx context.Context) error
	Close() error
}

const (
	// MaxAttendanceList caps attendance listings.
	MaxAttendanceList = 100
	// MaxSessionList caps session listings.
	MaxSessionList = 50
)

func clampLimit(limit, max int) int {
	if limit <= 0 || limit > max {
		return max
	}
	return limit
}
