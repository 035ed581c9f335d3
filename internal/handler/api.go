package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"qrattend/internal/attendance"
	"qrattend/internal/auth"
	"qrattend/internal/httpmiddleware"
	"qrattend/internal/model"
)

type registerRequest struct {
	Name      string `json:"name" binding:"required,notblank"`
	StudentID string `json:"studentId" binding:"required,notblank"`
	Email     string `json:"email" binding:"required,email"`
}

func (h *Handler) RegisterStudent(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, bindError(err))
		return
	}
	st, err := h.engine.RegisterStudent(c.Request.Context(), req.Name, req.StudentID, req.Email)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, st)
}

func (h *Handler) ListStudents(c *gin.Context) {
	list, err := h.engine.Students(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

// settingsRequest lets clients send a partial settings object; omitted
// fields keep their defaults.
type settingsRequest struct {
	RequireVerification        *bool `json:"require_verification"`
	VerificationTimeoutSeconds *int  `json:"verification_timeout_seconds" binding:"omitempty,min=0"`
	AllowMultipleAttendance    *bool `json:"allow_multiple_attendance"`
}

func (s *settingsRequest) merge() *model.Settings {
	if s == nil {
		return nil
	}
	out := model.DefaultSettings()
	if s.RequireVerification != nil {
		out.RequireVerification = *s.RequireVerification
	}
	if s.VerificationTimeoutSeconds != nil {
		out.VerificationTimeoutSeconds = *s.VerificationTimeoutSeconds
	}
	if s.AllowMultipleAttendance != nil {
		out.AllowMultipleAttendance = *s.AllowMultipleAttendance
	}
	return &out
}

type openSessionRequest struct {
	InstructorID string           `json:"instructorId"`
	SessionName  string           `json:"sessionName" binding:"required,notblank"`
	Settings     *settingsRequest `json:"settings"`
}

func (h *Handler) OpenSession(c *gin.Context) {
	var req openSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, bindError(err))
		return
	}
	if claims, ok := auth.FromContext(c); ok {
		if req.InstructorID == "" {
			req.InstructorID = claims.Subject
		}
		if req.InstructorID != claims.Subject {
			c.JSON(http.StatusForbidden, gin.H{"error": gin.H{"kind": "Forbidden", "message": "instructor mismatch"}})
			return
		}
	}

	s, err := h.engine.OpenSession(c.Request.Context(), req.InstructorID, req.SessionName, req.Settings.merge())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"sessionId": s.ID, "code": s.Code, "session": s})
}

func (h *Handler) CloseSession(c *gin.Context) {
	if err := h.engine.CloseSession(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handler) SessionStatus(c *gin.Context) {
	s, err := h.engine.Status(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": s != nil, "session": s})
}

func (h *Handler) ListSessions(c *gin.Context) {
	list, err := h.engine.Sessions(c.Request.Context(), queryLimit(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

type checkInRequest struct {
	StudentID           string   `json:"studentId"`
	Code                string   `json:"code"`
	DeviceID            string   `json:"deviceId"`
	Verified            bool     `json:"verified"`
	VerificationElapsed *float64 `json:"verificationElapsed"`
	ImageURL            string   `json:"imageUrl"`
}

// CheckIn never rejects a request on its own: even a malformed body is
// handed to the engine so that it is admitted and counted by the abuse
// guard like any other invalid attempt.
func (h *Handler) CheckIn(c *gin.Context) {
	ctx := c.Request.Context()
	var req checkInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		req = checkInRequest{}
	}

	a := attendance.Attempt{
		StudentID: req.StudentID,
		Code:      req.Code,
		DeviceID:  req.DeviceID,
		Source:    httpmiddleware.Source(c),
		Verified:  req.Verified,
	}
	if req.VerificationElapsed != nil && *req.VerificationElapsed >= 0 {
		a.VerificationElapsed = *req.VerificationElapsed
	}
	if req.ImageURL != "" && h.face != nil && !h.face.Skip {
		imageURL := req.ImageURL
		a.Verify = func(ctx context.Context) (attendance.Verification, error) {
			res, err := h.face.Liveness(ctx, imageURL)
			if err != nil {
				return attendance.Verification{}, err
			}
			return attendance.Verification{Verified: res.IsLive, Elapsed: res.Elapsed.Seconds()}, nil
		}
	}

	rec, err := h.engine.CheckIn(ctx, a)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (h *Handler) ListAttendance(c *gin.Context) {
	f := model.AttendanceFilter{
		SessionID: c.Query("sessionId"),
		StudentID: c.Query("studentId"),
		Limit:     queryLimit(c),
	}
	recs, err := h.engine.Attendance(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, recs)
}
