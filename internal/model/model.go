package model

import "time"

// Student represents a registered student.
type Student struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	StudentID    string    `json:"student_id"`
	Email        string    `json:"email"`
	DeviceID     string    `json:"device_id,omitempty"` // empty until the first successful check-in
	Active       bool      `json:"is_active"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Settings control how a session accepts check-ins.
type Settings struct {
	RequireVerification        bool `json:"require_verification"`
	VerificationTimeoutSeconds int  `json:"verification_timeout_seconds"`
	AllowMultipleAttendance    bool `json:"allow_multiple_attendance"`
}

// DefaultSettings are applied when a session is opened without settings.
func DefaultSettings() Settings {
	return Settings{
		RequireVerification:        true,
		VerificationTimeoutSeconds: 10,
	}
}

// Session is one attendance window with a single valid code.
type Session struct {
	ID           string     `json:"session_id"`
	Name         string     `json:"session_name"`
	InstructorID string     `json:"instructor_id"`
	Code         string     `json:"code"`
	Active       bool       `json:"is_active"`
	CreatedAt    time.Time  `json:"created_at"`
	EndedAt      *time.Time `json:"ended_at"`
	PresentCount int        `json:"present_count"`
	Settings     Settings   `json:"settings"`
}

// AttendanceRecord is one verified presence of a student in a session.
type AttendanceRecord struct {
	ID                  string    `json:"id"`
	StudentID           string    `json:"student_id"`
	StudentName         string    `json:"student_name"`
	SessionID           string    `json:"session_id"`
	Code                string    `json:"code"`
	SourceAddress       string    `json:"ip_address"`
	DeviceID            string    `json:"device_id"`
	Verified            bool      `json:"face_verified"`
	VerificationElapsed float64   `json:"verification_time"` // seconds
	RecordedAt          time.Time `json:"timestamp"`
}

// AttendanceFilter narrows attendance listings. Empty fields match all.
type AttendanceFilter struct {
	SessionID string
	StudentID string
	Limit     int
}
