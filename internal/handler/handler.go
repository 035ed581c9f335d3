// Package handler exposes the integrity engine over HTTP with gin.
package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"qrattend/internal/apperr"
	"qrattend/internal/events"
	"qrattend/internal/faceclient"
	"qrattend/internal/integrity"
	"qrattend/internal/store"
)

// Handler serves the attendance API.
type Handler struct {
	engine *integrity.Engine
	broker *events.Broker
	face   *faceclient.Client
	redis  *store.Redis
	log    *slog.Logger
}

// Options carries the optional collaborators of a Handler.
type Options struct {
	Broker *events.Broker     // enables GET /api/events
	Face   *faceclient.Client // liveness for check-ins carrying imageUrl
	Redis  *store.Redis       // reported by /healthz
	Logger *slog.Logger
}

// New creates a handler for engine.
func New(engine *integrity.Engine, opts Options) *Handler {
	registerValidators()
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Handler{
		engine: engine,
		broker: opts.Broker,
		face:   opts.Face,
		redis:  opts.Redis,
		log:    opts.Logger,
	}
}

// Routes mounts the API on r. instructor, when non-nil, guards the session
// management routes.
func (h *Handler) Routes(r gin.IRouter, instructor gin.HandlerFunc) {
	r.GET("/healthz", h.Healthz)

	api := r.Group("/api")
	api.POST("/students", h.RegisterStudent)
	api.GET("/students", h.ListStudents)

	manage := []gin.HandlerFunc{}
	if instructor != nil {
		manage = append(manage, instructor)
	}
	api.POST("/sessions", append(manage, h.OpenSession)...)
	api.POST("/sessions/close", append(manage, h.CloseSession)...)
	api.GET("/sessions/status", h.SessionStatus)
	api.GET("/sessions", h.ListSessions)

	api.POST("/checkins", h.CheckIn)
	api.GET("/attendance", h.ListAttendance)
	api.GET("/events", h.Stream)
}

// CheckInPath is the route guarded by the engine's own abuse guard.
const CheckInPath = "/api/checkins"

var validatorsOnce sync.Once

// registerValidators adds the notblank rule to gin's validator.
func registerValidators() {
	validatorsOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		_ = v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
			return strings.TrimSpace(fl.Field().String()) != ""
		})
	})
}

func writeError(c *gin.Context, err error) {
	kind, msg := apperr.Public(err)
	c.JSON(kind.HTTPStatus(), gin.H{"error": gin.H{"kind": kind, "message": msg}})
}

// bindError turns a binding failure into an InvalidRequest error naming the
// offending fields.
func bindError(err error) error {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return apperr.Wrap(apperr.InvalidRequest, "malformed request body", err)
	}
	fields := make([]string, 0, len(ve))
	for _, fe := range ve {
		fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
	}
	return apperr.New(apperr.InvalidRequest, "invalid fields: "+strings.Join(fields, ", "))
}

func queryLimit(c *gin.Context) int {
	n, err := strconv.Atoi(c.Query("limit"))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// Healthz reports the store and, when configured, redis and the face
// service.
func (h *Handler) Healthz(c *gin.Context) {
	ctx := c.Request.Context()
	storeHealthy := h.engine.Ping(ctx) == nil
	body := gin.H{"status": "ok", "store": storeHealthy}
	status := http.StatusOK
	if h.redis != nil {
		redisHealthy := h.redis.Healthy(ctx)
		body["redis"] = redisHealthy
		if !redisHealthy {
			status = http.StatusServiceUnavailable
		}
	}
	if h.face != nil && !h.face.Skip {
		body["face"] = h.face.Health(ctx) == nil
	}
	if !storeHealthy {
		status = http.StatusServiceUnavailable
	}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	c.JSON(status, body)
}
