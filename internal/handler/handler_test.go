package handler

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"qrattend/internal/auth"
	"qrattend/internal/events"
	"qrattend/internal/faceclient"
	"qrattend/internal/guard"
	"qrattend/internal/httpmiddleware"
	"qrattend/internal/integrity"
	"qrattend/internal/session"
	"qrattend/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testAPI struct {
	router *gin.Engine
	broker *events.Broker
}

func newAPI(t *testing.T, instructor gin.HandlerFunc) *testAPI {
	t.Helper()
	s := store.NewMemory()
	broker := events.NewBroker(16)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := integrity.New(integrity.Deps{
		Store:     s,
		Guard:     guard.New(guard.DefaultConfig()),
		Sessions:  session.NewRegistry(s, session.WithCodeGenerator(func() string { return "ABC" })),
		Publisher: broker,
		Logger:    logger,
	})
	r := gin.New()
	r.Use(httpmiddleware.ClientSource(true))
	New(eng, Options{Broker: broker, Logger: logger}).Routes(r, instructor)
	return &testAPI{router: r, broker: broker}
}

type apiError struct {
	Error struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

func (a *testAPI) do(t *testing.T, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-For", "203.0.113.7")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func expect(t *testing.T, w *httptest.ResponseRecorder, status int, kind string) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("status = %d, want %d: %s", w.Code, status, w.Body.String())
	}
	if kind == "" {
		return
	}
	var e apiError
	if err := json.Unmarshal(w.Body.Bytes(), &e); err != nil {
		t.Fatal(err)
	}
	if e.Error.Kind != kind {
		t.Fatalf("kind = %q, want %q: %s", e.Error.Kind, kind, w.Body.String())
	}
}

func TestAttendanceFlow(t *testing.T) {
	api := newAPI(t, nil)

	expect(t, api.do(t, http.MethodPost, "/api/students", `{"name":"Ada","studentId":"S1","email":"ada@uni.test"}`), http.StatusCreated, "")
	expect(t, api.do(t, http.MethodPost, "/api/students", `{"name":"Bob","studentId":"S1","email":"bob@uni.test"}`), http.StatusBadRequest, "Conflict")
	expect(t, api.do(t, http.MethodPost, "/api/students", `{"name":"  ","studentId":"S2","email":"x@uni.test"}`), http.StatusBadRequest, "InvalidRequest")
	expect(t, api.do(t, http.MethodPost, "/api/students", `{"name":"Cy","studentId":"S3","email":"not-an-email"}`), http.StatusBadRequest, "InvalidRequest")

	w := api.do(t, http.MethodPost, "/api/sessions", `{"instructorId":"T1","sessionName":"Math","settings":{"verification_timeout_seconds":30}}`)
	expect(t, w, http.StatusCreated, "")
	var opened struct {
		SessionID string `json:"sessionId"`
		Code      string `json:"code"`
		Session   struct {
			Settings struct {
				RequireVerification        bool `json:"require_verification"`
				VerificationTimeoutSeconds int  `json:"verification_timeout_seconds"`
			} `json:"settings"`
		} `json:"session"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &opened); err != nil {
		t.Fatal(err)
	}
	if opened.Code != "ABC" || opened.SessionID == "" {
		t.Fatalf("open = %s", w.Body.String())
	}
	if !opened.Session.Settings.RequireVerification || opened.Session.Settings.VerificationTimeoutSeconds != 30 {
		t.Fatalf("partial settings not merged with defaults: %s", w.Body.String())
	}

	w = api.do(t, http.MethodPost, "/api/checkins", `{"studentId":"S1","code":"ABC","deviceId":"D1","verified":true,"verificationElapsed":1.5}`)
	expect(t, w, http.StatusCreated, "")
	var rec map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &rec)
	if rec["ip_address"] != "203.0.113.7" || rec["face_verified"] != true || rec["verification_time"] != 1.5 {
		t.Fatalf("record = %s", w.Body.String())
	}

	expect(t, api.do(t, http.MethodPost, "/api/checkins", `{"studentId":"S1","code":"ABC","deviceId":"D1"}`), http.StatusBadRequest, "DuplicateAttendance")
	expect(t, api.do(t, http.MethodPost, "/api/checkins", `{"studentId":"S1","code":"ABC","deviceId":"D2"}`), http.StatusBadRequest, "DeviceConflict")
	expect(t, api.do(t, http.MethodPost, "/api/checkins", `{"studentId":"S9","code":"ABC","deviceId":"D9"}`), http.StatusNotFound, "StudentNotFound")
	expect(t, api.do(t, http.MethodPost, "/api/checkins", `{not json`), http.StatusBadRequest, "InvalidRequest")

	w = api.do(t, http.MethodGet, "/api/sessions/status", "")
	expect(t, w, http.StatusOK, "")
	if !strings.Contains(w.Body.String(), `"present_count":1`) || !strings.Contains(w.Body.String(), `"active":true`) {
		t.Fatalf("status = %s", w.Body.String())
	}

	w = api.do(t, http.MethodGet, "/api/attendance?studentId=S1", "")
	expect(t, w, http.StatusOK, "")
	var recs []map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &recs)
	if len(recs) != 1 {
		t.Fatalf("attendance = %s", w.Body.String())
	}

	expect(t, api.do(t, http.MethodPost, "/api/sessions/close", ""), http.StatusOK, "")
	expect(t, api.do(t, http.MethodPost, "/api/sessions/close", ""), http.StatusOK, "")
	w = api.do(t, http.MethodGet, "/api/sessions/status", "")
	if !strings.Contains(w.Body.String(), `"active":false`) || !strings.Contains(w.Body.String(), `"session":null`) {
		t.Fatalf("status after close = %s", w.Body.String())
	}
	expect(t, api.do(t, http.MethodPost, "/api/checkins", `{"studentId":"S1","code":"ABC","deviceId":"D1"}`), http.StatusBadRequest, "SessionInvalid")

	w = api.do(t, http.MethodGet, "/api/sessions", "")
	expect(t, w, http.StatusOK, "")
	if !strings.Contains(w.Body.String(), `"is_active":false`) {
		t.Fatalf("sessions = %s", w.Body.String())
	}
}

func TestCheckInBlockedAfterFailures(t *testing.T) {
	api := newAPI(t, nil)
	expect(t, api.do(t, http.MethodPost, "/api/sessions", `{"instructorId":"T1","sessionName":"Math"}`), http.StatusCreated, "")

	for i := 0; i < 5; i++ {
		expect(t, api.do(t, http.MethodPost, "/api/checkins", `{"studentId":"S1","code":"NOPE","deviceId":"D1"}`), http.StatusBadRequest, "SessionInvalid")
	}
	expect(t, api.do(t, http.MethodPost, "/api/checkins", `{"studentId":"S1","code":"ABC","deviceId":"D1"}`), http.StatusTooManyRequests, "Blocked")

	w := api.do(t, http.MethodPost, "/api/checkins", `{"studentId":"S1","code":"ABC","deviceId":"D1"}`, "X-Forwarded-For", "198.51.100.1")
	expect(t, w, http.StatusNotFound, "StudentNotFound")
}

func TestSessionRoutesRequireInstructor(t *testing.T) {
	const key = "k"
	api := newAPI(t, auth.Instructor(key, "qrattend"))

	expect(t, api.do(t, http.MethodPost, "/api/sessions", `{"sessionName":"Math"}`), http.StatusUnauthorized, "Unauthorized")
	expect(t, api.do(t, http.MethodPost, "/api/sessions/close", ""), http.StatusUnauthorized, "Unauthorized")

	tok, err := auth.Issue("T1", auth.RoleInstructor, "qrattend", key, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	bearer := "Bearer " + tok.Value
	w := api.do(t, http.MethodPost, "/api/sessions", `{"sessionName":"Math"}`, "Authorization", bearer)
	expect(t, w, http.StatusCreated, "")
	if !strings.Contains(w.Body.String(), `"instructor_id":"T1"`) {
		t.Fatalf("instructor not taken from token: %s", w.Body.String())
	}
	expect(t, api.do(t, http.MethodPost, "/api/sessions", `{"instructorId":"T2","sessionName":"Math"}`, "Authorization", bearer), http.StatusForbidden, "Forbidden")

	// Status stays public.
	expect(t, api.do(t, http.MethodGet, "/api/sessions/status", ""), http.StatusOK, "")
}

func TestHealthz(t *testing.T) {
	api := newAPI(t, nil)
	w := api.do(t, http.MethodGet, "/healthz", "")
	expect(t, w, http.StatusOK, "")
	if !strings.Contains(w.Body.String(), `"store":true`) {
		t.Fatalf("healthz = %s", w.Body.String())
	}
}

func TestStream(t *testing.T) {
	api := newAPI(t, nil)
	expect(t, api.do(t, http.MethodPost, "/api/sessions", `{"instructorId":"T1","sessionName":"Math"}`), http.StatusCreated, "")

	srv := httptest.NewServer(api.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}

	lines := bufio.NewScanner(resp.Body)
	next := func() string {
		for lines.Scan() {
			if ev, ok := strings.CutPrefix(lines.Text(), "event:"); ok {
				return strings.TrimSpace(ev)
			}
		}
		t.Fatalf("stream ended: %v", lines.Err())
		return ""
	}

	if got := next(); got != events.QRActive {
		t.Fatalf("first event = %q", got)
	}

	closeReq := httptest.NewRequest(http.MethodPost, "/api/sessions/close", bytes.NewReader(nil))
	api.router.ServeHTTP(httptest.NewRecorder(), closeReq)

	if got := next(); got != events.QRInactive {
		t.Fatalf("second event = %q", got)
	}
}

func TestLivenessOnlyForAdmittedCheckIns(t *testing.T) {
	var calls atomic.Int32
	face := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"is_live":true,"confidence":0.98}`)
	}))
	defer face.Close()

	s := store.NewMemory()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := integrity.New(integrity.Deps{
		Store:    s,
		Guard:    guard.New(guard.Config{Window: time.Minute, MaxRequests: 1}),
		Sessions: session.NewRegistry(s, session.WithCodeGenerator(func() string { return "ABC" })),
		Logger:   logger,
	})
	r := gin.New()
	r.Use(httpmiddleware.ClientSource(true))
	New(eng, Options{Face: faceclient.New(face.URL, false, time.Second), Logger: logger}).Routes(r, nil)
	api := &testAPI{router: r}

	expect(t, api.do(t, http.MethodPost, "/api/students", `{"name":"Ada","studentId":"S1","email":"ada@uni.test"}`), http.StatusCreated, "")
	expect(t, api.do(t, http.MethodPost, "/api/sessions", `{"instructorId":"T1","sessionName":"Math"}`), http.StatusCreated, "")

	body := `{"studentId":"S1","code":"ABC","deviceId":"D1","imageUrl":"https://img.test/ada.jpg"}`
	w := api.do(t, http.MethodPost, "/api/checkins", body)
	expect(t, w, http.StatusCreated, "")
	if !strings.Contains(w.Body.String(), `"face_verified":true`) {
		t.Fatalf("liveness result not applied: %s", w.Body.String())
	}

	for i := 0; i < 19; i++ {
		expect(t, api.do(t, http.MethodPost, "/api/checkins", body), http.StatusTooManyRequests, "RateLimited")
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("face service calls = %d, want 1", n)
	}
}
