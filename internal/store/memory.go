package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"qrattend/internal/model"
)

// Memory is an in-process Store for development and tests. State is lost
// on restart.
type Memory struct {
	mu         sync.RWMutex
	students   []*model.Student  // registration order
	devices    map[string]string // device id -> student id
	sessions   []*model.Session  // creation order
	attendance []*model.AttendanceRecord
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{devices: make(map[string]string)}
}

func (m *Memory) CreateStudent(_ context.Context, st *model.Student) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	email := strings.ToLower(st.Email)
	number := strings.ToLower(st.StudentID)
	for _, s := range m.students {
		if s.StudentID == st.StudentID || s.Email == email ||
			s.Email == number || strings.ToLower(s.StudentID) == email {
			return ErrConflict
		}
	}
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	if st.RegisteredAt.IsZero() {
		st.RegisteredAt = time.Now().UTC()
	}
	st.Email = email
	st.Active = true
	cp := *st
	m.students = append(m.students, &cp)
	return nil
}

// findStudentLocked prefers an id match, then a student number, then an
// email.
func (m *Memory) findStudentLocked(key string) *model.Student {
	lower := strings.ToLower(key)
	var byNumber, byEmail *model.Student
	for _, s := range m.students {
		switch {
		case s.ID == key:
			return s
		case s.StudentID == key && byNumber == nil:
			byNumber = s
		case s.Email == lower && byEmail == nil:
			byEmail = s
		}
	}
	if byNumber != nil {
		return byNumber
	}
	return byEmail
}

func (m *Memory) FindStudent(_ context.Context, key string) (*model.Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.findStudentLocked(key)
	if s == nil {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *Memory) ListActiveStudents(_ context.Context) ([]model.Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Student, 0, len(m.students))
	for i := len(m.students) - 1; i >= 0; i-- {
		if m.students[i].Active {
			out = append(out, *m.students[i])
		}
	}
	return out, nil
}

func (m *Memory) FindStudentByDevice(_ context.Context, deviceID string) (*model.Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.devices[deviceID]
	if !ok {
		return nil, ErrNotFound
	}
	for _, s := range m.students {
		if s.ID == id {
			cp := *s
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) BindDevice(_ context.Context, studentID, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var st *model.Student
	for _, s := range m.students {
		if s.ID == studentID {
			st = s
			break
		}
	}
	if st == nil {
		return ErrNotFound
	}
	if owner, ok := m.devices[deviceID]; ok && owner != studentID {
		return ErrDeviceTaken
	}
	if st.DeviceID != "" && st.DeviceID != deviceID {
		return ErrDeviceTaken
	}
	st.DeviceID = deviceID
	m.devices[deviceID] = studentID
	return nil
}

func (m *Memory) UnbindDevice(_ context.Context, studentID, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.students {
		if s.ID == studentID && s.DeviceID == deviceID {
			s.DeviceID = ""
			delete(m.devices, deviceID)
			return nil
		}
	}
	return nil
}

func (m *Memory) CreateSession(_ context.Context, s *model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.sessions {
		if existing.ID == s.ID {
			return ErrConflict
		}
		if s.Active && existing.Active && existing.Code == s.Code {
			return ErrConflict
		}
	}
	cp := *s
	m.sessions = append(m.sessions, &cp)
	return nil
}

func (m *Memory) FindActiveSession(_ context.Context) (*model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.sessions) - 1; i >= 0; i-- {
		if m.sessions[i].Active {
			cp := *m.sessions[i]
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) FindActiveSessionByCode(_ context.Context, code string) (*model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.sessions) - 1; i >= 0; i-- {
		if s := m.sessions[i]; s.Active && s.Code == code {
			cp := *s
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) DeactivateActiveSessions(_ context.Context, endedAt time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, s := range m.sessions {
		if s.Active {
			s.Active = false
			t := endedAt
			s.EndedAt = &t
			n++
		}
	}
	return n, nil
}

func (m *Memory) UpdatePresentCount(_ context.Context, sessionID string, count int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.ID == sessionID {
			s.PresentCount = count
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) ListSessions(_ context.Context, limit int) ([]model.Session, error) {
	limit = clampLimit(limit, MaxSessionList)
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Session, 0, limit)
	for i := len(m.sessions) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, *m.sessions[i])
	}
	return out, nil
}

func (m *Memory) CreateAttendance(_ context.Context, rec *model.AttendanceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	cp := *rec
	m.attendance = append(m.attendance, &cp)
	return nil
}

func (m *Memory) FindAttendance(_ context.Context, studentID, sessionID string) (*model.AttendanceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.attendance {
		if r.StudentID == studentID && r.SessionID == sessionID {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) CountAttendance(_ context.Context, sessionID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, r := range m.attendance {
		if r.SessionID == sessionID {
			n++
		}
	}
	return n, nil
}

func (m *Memory) ListAttendance(_ context.Context, f model.AttendanceFilter) ([]model.AttendanceRecord, error) {
	limit := clampLimit(f.Limit, MaxAttendanceList)
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.AttendanceRecord, 0)
	for i := len(m.attendance) - 1; i >= 0 && len(out) < limit; i-- {
		r := m.attendance[i]
		if f.SessionID != "" && r.SessionID != f.SessionID {
			continue
		}
		if f.StudentID != "" && r.StudentID != f.StudentID {
			continue
		}
		out = append(out, *r)
	}
	return out, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
