// Package device binds device identifiers to students. A student gets at
// most one device and a device serves at most one student, for good.
package device

import (
	"context"
	"errors"
	"fmt"

	"github.com/moby/locker"

	"qrattend/internal/apperr"
	"qrattend/internal/store"
)

// Binder checks and commits device bindings.
type Binder struct {
	store store.Store
	locks *locker.Locker
}

// NewBinder creates a binder over s.
func NewBinder(s store.Store) *Binder {
	return &Binder{store: s, locks: locker.New()}
}

func conflict() error {
	return apperr.New(apperr.DeviceConflict, "device already registered to another student")
}

// CheckOrBind accepts deviceID for the student, binding it if the student
// has no device yet. created reports whether this call made the binding.
// A mismatch in either direction returns a DeviceConflict error.
func (b *Binder) CheckOrBind(ctx context.Context, studentID, deviceID string) (created bool, err error) {
	b.locks.Lock(deviceID)
	defer b.locks.Unlock(deviceID)

	st, err := b.store.FindStudent(ctx, studentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, apperr.New(apperr.StudentNotFound, "student not found")
		}
		return false, fmt.Errorf("find student: %w", err)
	}
	if st.DeviceID != "" {
		if st.DeviceID != deviceID {
			return false, conflict()
		}
		return false, nil
	}

	owner, err := b.store.FindStudentByDevice(ctx, deviceID)
	switch {
	case err == nil && owner.ID != st.ID:
		return false, conflict()
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return false, fmt.Errorf("find device owner: %w", err)
	}

	if err := b.store.BindDevice(ctx, st.ID, deviceID); err != nil {
		if errors.Is(err, store.ErrDeviceTaken) {
			return false, conflict()
		}
		return false, fmt.Errorf("bind device: %w", err)
	}
	return true, nil
}

// Release undoes a binding made by CheckOrBind. It is a no-op if the
// student is no longer bound to deviceID.
func (b *Binder) Release(ctx context.Context, studentID, deviceID string) error {
	b.locks.Lock(deviceID)
	defer b.locks.Unlock(deviceID)
	if err := b.store.UnbindDevice(ctx, studentID, deviceID); err != nil {
		return fmt.Errorf("unbind device: %w", err)
	}
	return nil
}
