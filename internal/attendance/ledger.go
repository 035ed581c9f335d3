// Package attendance records verified presences and keeps each session's
// present count in line with its records.
package attendance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/moby/locker"

	"qrattend/internal/apperr"
	"qrattend/internal/device"
	"qrattend/internal/events"
	"qrattend/internal/model"
	"qrattend/internal/session"
	"qrattend/internal/store"
)

// Attempt is one check-in as presented by a student.
type Attempt struct {
	StudentID           string
	Code                string
	DeviceID            string
	Source              string
	Verified            bool
	VerificationElapsed float64

	// Verify, when set, replaces Verified and VerificationElapsed with an
	// out-of-band liveness result. It runs only for admitted attempts.
	Verify func(ctx context.Context) (Verification, error)
}

// Verification is the outcome of a liveness check.
type Verification struct {
	Verified bool
	Elapsed  float64 // seconds
}

// Ledger coordinates code validation, device binding and deduplication for
// each attendance write.
type Ledger struct {
	store    store.Store
	sessions *session.Registry
	devices  *device.Binder
	pub      events.Publisher
	log      *slog.Logger
	now      func() time.Time

	students *locker.Locker // serializes attempts per student
	counts   *locker.Locker // serializes present-count updates per session
}

// NewLedger creates a ledger. A nil publisher discards events.
func NewLedger(s store.Store, sessions *session.Registry, devices *device.Binder, pub events.Publisher, logger *slog.Logger) *Ledger {
	if pub == nil {
		pub = events.Discard{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:    s,
		sessions: sessions,
		devices:  devices,
		pub:      pub,
		log:      logger,
		now:      time.Now,
		students: locker.New(),
		counts:   locker.New(),
	}
}

func persistence(op string, err error) error {
	return apperr.Wrap(apperr.PersistenceFailure, op, err)
}

// Record validates an attempt and persists a new attendance record. Errors
// are *apperr.Error values whose kind tells the caller which check failed,
// in the order the checks run.
func (l *Ledger) Record(ctx context.Context, a Attempt) (*model.AttendanceRecord, error) {
	if a.StudentID == "" || a.Code == "" || a.DeviceID == "" {
		return nil, apperr.New(apperr.InvalidRequest, "missing required fields")
	}

	ses, err := l.sessions.FindByCode(ctx, a.Code)
	if err != nil {
		return nil, persistence("find session", err)
	}
	if ses == nil {
		return nil, apperr.New(apperr.SessionInvalid, "QR code is not active or invalid")
	}

	st, err := l.store.FindStudent(ctx, a.StudentID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !st.Active) {
		return nil, apperr.New(apperr.StudentNotFound, "student not found")
	}
	if err != nil {
		return nil, persistence("find student", err)
	}

	rec, err := l.recordLocked(ctx, ses, st, a)
	if err != nil {
		return nil, err
	}
	events.Send(ctx, l.pub, l.log, events.Marked(rec))
	return rec, nil
}

func (l *Ledger) recordLocked(ctx context.Context, ses *model.Session, st *model.Student, a Attempt) (*model.AttendanceRecord, error) {
	l.students.Lock(st.ID)
	defer l.students.Unlock(st.ID)

	created, err := l.devices.CheckOrBind(ctx, st.ID, a.DeviceID)
	if err != nil {
		if k := apperr.KindOf(err); k == apperr.DeviceConflict || k == apperr.StudentNotFound {
			return nil, err
		}
		return nil, persistence("bind device", err)
	}

	rec, err := l.write(ctx, ses, st, a)
	if err != nil {
		if created && apperr.KindOf(err) != apperr.DuplicateAttendance {
			if rerr := l.devices.Release(ctx, st.ID, a.DeviceID); rerr != nil {
				l.log.ErrorContext(ctx, "device binding rollback failed",
					"student", st.ID, "device", a.DeviceID, "error", rerr)
			}
		}
		return nil, err
	}

	l.refreshCount(ctx, ses.ID)
	return rec, nil
}

// write re-reads the session under the student lock so an attempt that
// raced a close is rejected instead of landing on an inactive session.
func (l *Ledger) write(ctx context.Context, ses *model.Session, st *model.Student, a Attempt) (*model.AttendanceRecord, error) {
	cur, err := l.sessions.FindByCode(ctx, a.Code)
	if err != nil {
		return nil, persistence("find session", err)
	}
	if cur == nil || cur.ID != ses.ID {
		return nil, apperr.New(apperr.SessionInvalid, "QR code is not active or invalid")
	}

	if !ses.Settings.AllowMultipleAttendance {
		_, err := l.store.FindAttendance(ctx, st.ID, ses.ID)
		if err == nil {
			return nil, apperr.New(apperr.DuplicateAttendance, "attendance already marked for this session")
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, persistence("find attendance", err)
		}
	}

	rec := &model.AttendanceRecord{
		StudentID:           st.ID,
		StudentName:         st.Name,
		SessionID:           ses.ID,
		Code:                a.Code,
		SourceAddress:       a.Source,
		DeviceID:            a.DeviceID,
		Verified:            a.Verified,
		VerificationElapsed: a.VerificationElapsed,
		RecordedAt:          l.now().UTC(),
	}
	if err := l.store.CreateAttendance(ctx, rec); err != nil {
		return nil, persistence("create attendance", err)
	}
	return rec, nil
}

// refreshCount recomputes the session's present count from its records.
// The record is already committed, so a failure here is logged and left
// for the next check-in to correct.
func (l *Ledger) refreshCount(ctx context.Context, sessionID string) {
	l.counts.Lock(sessionID)
	defer l.counts.Unlock(sessionID)

	n, err := l.store.CountAttendance(ctx, sessionID)
	if err == nil {
		err = l.store.UpdatePresentCount(ctx, sessionID, n)
	}
	if err != nil {
		l.log.ErrorContext(ctx, "present count update failed", "session", sessionID, "error", err)
	}
}

// List returns records newest first, capped at store.MaxAttendanceList.
func (l *Ledger) List(ctx context.Context, f model.AttendanceFilter) ([]model.AttendanceRecord, error) {
	recs, err := l.store.ListAttendance(ctx, f)
	if err != nil {
		return nil, persistence("list attendance", fmt.Errorf("filter %+v: %w", f, err))
	}
	return recs, nil
}
