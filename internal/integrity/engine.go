// Package integrity is the single entry point for check-ins and session
// management. It composes the abuse guard, session registry, device binder
// and attendance ledger, and turns every failure into a classified
// *apperr.Error.
package integrity

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"qrattend/internal/apperr"
	"qrattend/internal/attendance"
	"qrattend/internal/device"
	"qrattend/internal/events"
	"qrattend/internal/guard"
	"qrattend/internal/metrics"
	"qrattend/internal/model"
	"qrattend/internal/session"
	"qrattend/internal/store"
)

// Engine is the session and attendance integrity engine.
type Engine struct {
	store    store.Store
	guard    *guard.Guard
	sessions *session.Registry
	ledger   *attendance.Ledger
	pub      events.Publisher
	log      *slog.Logger
}

// Deps are the collaborators of an Engine. Store is required; the rest
// default to a DefaultConfig guard, a fresh registry, no-op events and
// slog.Default.
type Deps struct {
	Store     store.Store
	Guard     *guard.Guard
	Sessions  *session.Registry
	Publisher events.Publisher
	Logger    *slog.Logger
}

// New wires an engine from deps.
func New(d Deps) *Engine {
	if d.Guard == nil {
		d.Guard = guard.New(guard.DefaultConfig())
	}
	if d.Sessions == nil {
		d.Sessions = session.NewRegistry(d.Store)
	}
	if d.Publisher == nil {
		d.Publisher = events.Discard{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Engine{
		store:    d.Store,
		guard:    d.Guard,
		sessions: d.Sessions,
		ledger:   attendance.NewLedger(d.Store, d.Sessions, device.NewBinder(d.Store), d.Publisher, d.Logger),
		pub:      d.Publisher,
		log:      d.Logger,
	}
}

// classify makes sure err is an *apperr.Error and logs internal failures.
func (e *Engine) classify(ctx context.Context, op string, err error, attrs ...any) error {
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		ae = apperr.Wrap(apperr.PersistenceFailure, op, err)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			ae = apperr.Wrap(apperr.Unexpected, op, err)
		}
	}
	if ae.Kind.Internal() {
		e.log.ErrorContext(ctx, op+" failed", append(attrs, "kind", string(ae.Kind), "error", err)...)
	}
	return ae
}

// CheckIn runs one check-in attempt through the guard and the ledger. A
// denial by the guard returns immediately with no other side effect.
func (e *Engine) CheckIn(ctx context.Context, a attendance.Attempt) (*model.AttendanceRecord, error) {
	start := time.Now()
	defer func() { metrics.CheckInDuration.Observe(time.Since(start).Seconds()) }()

	a.StudentID = strings.TrimSpace(a.StudentID)
	a.Code = strings.TrimSpace(a.Code)
	a.DeviceID = strings.TrimSpace(a.DeviceID)

	if err := e.guard.Admit(a.Source); err != nil {
		metrics.CheckIns.WithLabelValues(string(apperr.KindOf(err))).Inc()
		e.log.InfoContext(ctx, "check-in denied", "source", a.Source, "reason", string(apperr.KindOf(err)))
		return nil, err
	}

	if a.Verify != nil {
		v, err := a.Verify(ctx)
		if err != nil {
			e.log.WarnContext(ctx, "liveness check failed", "source", a.Source, "error", err)
			v = attendance.Verification{}
		}
		a.Verified, a.VerificationElapsed = v.Verified, v.Elapsed
	}

	rec, err := e.ledger.Record(ctx, a)
	if err != nil {
		err = e.classify(ctx, "check-in", err, "source", a.Source, "student", a.StudentID)
		kind := apperr.KindOf(err)
		if kind.CountsAsFailure() {
			e.guard.RecordFailure(a.Source)
			metrics.GuardFailures.Inc()
		}
		metrics.CheckIns.WithLabelValues(string(kind)).Inc()
		return nil, err
	}

	metrics.CheckIns.WithLabelValues("ok").Inc()
	e.log.InfoContext(ctx, "attendance marked",
		"student", rec.StudentID, "session", rec.SessionID, "source", rec.SourceAddress)
	return rec, nil
}

// OpenSession starts a new session, superseding any open one.
func (e *Engine) OpenSession(ctx context.Context, instructorID, name string, settings *model.Settings) (*model.Session, error) {
	instructorID, name = strings.TrimSpace(instructorID), strings.TrimSpace(name)
	if instructorID == "" || name == "" {
		return nil, apperr.New(apperr.InvalidRequest, "instructorId and sessionName are required")
	}
	if settings != nil && settings.VerificationTimeoutSeconds < 0 {
		return nil, apperr.New(apperr.InvalidRequest, "verification_timeout_seconds must not be negative")
	}

	s, err := e.sessions.Open(ctx, instructorID, name, settings)
	if err != nil {
		return nil, e.classify(ctx, "open session", err, "instructor", instructorID)
	}
	metrics.SessionsOpened.Inc()
	metrics.ActiveSession.Set(1)
	e.log.InfoContext(ctx, "session opened", "session", s.ID, "instructor", instructorID, "name", name)
	events.Send(ctx, e.pub, e.log, events.SessionOpened(s))
	return s, nil
}

// CloseSession deactivates the open session. Closing with nothing open
// succeeds and publishes nothing.
func (e *Engine) CloseSession(ctx context.Context) error {
	closed, err := e.sessions.Close(ctx)
	if err != nil {
		return e.classify(ctx, "close session", err)
	}
	metrics.ActiveSession.Set(0)
	if closed {
		e.log.InfoContext(ctx, "session closed")
		events.Send(ctx, e.pub, e.log, events.SessionClosed())
	}
	return nil
}

// Status returns the active session, or nil.
func (e *Engine) Status(ctx context.Context) (*model.Session, error) {
	s, err := e.sessions.Current(ctx)
	if err != nil {
		return nil, e.classify(ctx, "session status", err)
	}
	return s, nil
}

// Sessions lists sessions newest first.
func (e *Engine) Sessions(ctx context.Context, limit int) ([]model.Session, error) {
	list, err := e.sessions.List(ctx, limit)
	if err != nil {
		return nil, e.classify(ctx, "list sessions", err)
	}
	return list, nil
}

// RegisterStudent creates a student. An existing student number or email
// yields a Conflict error.
func (e *Engine) RegisterStudent(ctx context.Context, name, studentID, email string) (*model.Student, error) {
	st := &model.Student{
		Name:      strings.TrimSpace(name),
		StudentID: strings.TrimSpace(studentID),
		Email:     strings.TrimSpace(email),
	}
	if st.Name == "" || st.StudentID == "" || st.Email == "" {
		return nil, apperr.New(apperr.InvalidRequest, "name, studentId and email are required")
	}
	if err := e.store.CreateStudent(ctx, st); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, apperr.New(apperr.Conflict, "student with this ID or email already exists")
		}
		return nil, e.classify(ctx, "register student", err, "student", st.StudentID)
	}
	return st, nil
}

// Students lists active students newest first.
func (e *Engine) Students(ctx context.Context) ([]model.Student, error) {
	list, err := e.store.ListActiveStudents(ctx)
	if err != nil {
		return nil, e.classify(ctx, "list students", err)
	}
	return list, nil
}

// Attendance lists records newest first. The student filter accepts any
// key FindStudent understands.
func (e *Engine) Attendance(ctx context.Context, f model.AttendanceFilter) ([]model.AttendanceRecord, error) {
	if f.StudentID != "" {
		st, err := e.store.FindStudent(ctx, f.StudentID)
		switch {
		case err == nil:
			f.StudentID = st.ID
		case !errors.Is(err, store.ErrNotFound):
			return nil, e.classify(ctx, "list attendance", err)
		}
	}
	recs, err := e.ledger.List(ctx, f)
	if err != nil {
		return nil, e.classify(ctx, "list attendance", err)
	}
	return recs, nil
}

// Ping reports whether the store is reachable.
func (e *Engine) Ping(ctx context.Context) error {
	return e.store.Ping(ctx)
}
