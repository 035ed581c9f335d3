package httpmiddleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"qrattend/internal/guard"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestClientSource(t *testing.T) {
	tests := []struct {
		name       string
		trustProxy bool
		remote     string
		xff        string
		want       string
	}{
		{"peer address", false, "10.1.2.3:5555", "", "10.1.2.3"},
		{"forwarded ignored", false, "10.1.2.3:5555", "8.8.8.8", "10.1.2.3"},
		{"forwarded first hop", true, "10.1.2.3:5555", "8.8.8.8, 10.0.0.1", "8.8.8.8"},
		{"proxy without header", true, "10.1.2.3:5555", "", "10.1.2.3"},
		{"no address", false, "", "", "127.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			r.Use(ClientSource(tt.trustProxy))
			r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, Source(c)) })

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if got := w.Body.String(); got != tt.want {
				t.Fatalf("source = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRateLimit(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	g := guard.New(guard.Config{Window: time.Minute, MaxRequests: 2}, guard.WithClock(func() time.Time { return now }))

	r := gin.New()
	r.Use(ClientSource(false), RateLimit(g, "/free"))
	r.GET("/limited", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/free", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(path string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "10.0.0.9:1234"
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	for i := 0; i < 2; i++ {
		if code := do("/limited"); code != http.StatusOK {
			t.Fatalf("request %d = %d", i, code)
		}
	}
	if code := do("/limited"); code != http.StatusTooManyRequests {
		t.Fatalf("over limit = %d", code)
	}
	if code := do("/free"); code != http.StatusOK {
		t.Fatalf("skipped path = %d", code)
	}
	now = now.Add(time.Minute)
	if code := do("/limited"); code != http.StatusOK {
		t.Fatalf("after window = %d", code)
	}
}

func TestSecurityHeaders(t *testing.T) {
	r := gin.New()
	r.Use(SecurityHeaders())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Header().Get("X-Content-Type-Options") != "nosniff" || w.Header().Get("X-Frame-Options") != "DENY" {
		t.Fatalf("headers = %v", w.Header())
	}
	if w.Header().Get("Strict-Transport-Security") != "" {
		t.Fatal("HSTS outside release mode")
	}
}
