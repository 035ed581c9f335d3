// Package session owns the lifecycle of attendance sessions and their
// one-time codes.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"qrattend/internal/model"
	"qrattend/internal/store"
)

// Registry opens and closes sessions. Open and close run under one mutex so
// at most one session is ever active; lookups go straight to the store and
// therefore only see committed state.
type Registry struct {
	store   store.Store
	now     func() time.Time
	newCode func() string
	mu      sync.Mutex
}

// Option customizes a Registry.
type Option func(*Registry)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithCodeGenerator replaces the random code source.
func WithCodeGenerator(gen func() string) Option {
	return func(r *Registry) { r.newCode = gen }
}

// NewRegistry creates a registry over s.
func NewRegistry(s store.Store, opts ...Option) *Registry {
	r := &Registry{store: s, now: time.Now, newCode: uuid.NewString}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Open deactivates any active session and starts a new one with a fresh
// code. A zero settings value is replaced by model.DefaultSettings.
func (r *Registry) Open(ctx context.Context, instructorID, name string, settings *model.Settings) (*model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	if _, err := r.store.DeactivateActiveSessions(ctx, now); err != nil {
		return nil, fmt.Errorf("deactivate sessions: %w", err)
	}

	s := &model.Session{
		ID:           uuid.NewString(),
		Name:         name,
		InstructorID: instructorID,
		Code:         r.newCode(),
		Active:       true,
		CreatedAt:    now,
		Settings:     model.DefaultSettings(),
	}
	if settings != nil {
		s.Settings = *settings
	}
	if err := r.store.CreateSession(ctx, s); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return s, nil
}

// Close deactivates the active session. It reports whether a session was
// closed; closing with nothing active is a successful no-op.
func (r *Registry) Close(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, err := r.store.DeactivateActiveSessions(ctx, r.now().UTC())
	if err != nil {
		return false, fmt.Errorf("deactivate sessions: %w", err)
	}
	return n > 0, nil
}

// Current returns the active session, or nil when none is open.
func (r *Registry) Current(ctx context.Context) (*model.Session, error) {
	s, err := r.store.FindActiveSession(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return s, err
}

// FindByCode returns the session only if code belongs to the currently
// active session, nil otherwise.
func (r *Registry) FindByCode(ctx context.Context, code string) (*model.Session, error) {
	if code == "" {
		return nil, nil
	}
	s, err := r.store.FindActiveSessionByCode(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return s, err
}

// List returns sessions newest first.
func (r *Registry) List(ctx context.Context, limit int) ([]model.Session, error) {
	return r.store.ListSessions(ctx, limit)
}
