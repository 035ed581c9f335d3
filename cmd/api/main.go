package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"qrattend/internal/auth"
	"qrattend/internal/config"
	"qrattend/internal/events"
	"qrattend/internal/faceclient"
	"qrattend/internal/guard"
	"qrattend/internal/handler"
	"qrattend/internal/httpmiddleware"
	"qrattend/internal/integrity"
	"qrattend/internal/store"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	// Set Gin mode based on environment
	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func newLogger(cfg config.App) *slog.Logger {
	if cfg.Env == "production" || cfg.Env == "prod" {
		return slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func openStore(ctx context.Context, cfg config.App) (store.Store, error) {
	var (
		db  *store.DB
		err error
	)
	switch cfg.StoreBackend {
	case config.BackendMemory:
		return store.NewMemory(), nil
	case config.BackendPostgres:
		db, err = store.NewDB(cfg.DatabaseURL)
	case config.BackendSQLite:
		db, err = store.NewSQLiteDB(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
	if err != nil {
		if db != nil {
			_ = db.Close()
		}
		return nil, fmt.Errorf("connect %s: %w", cfg.StoreBackend, err)
	}
	s, err := store.NewSQL(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func runHTTP(cfg config.App) error {
	ctx := context.Background()
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	log.Printf("store backend: %s", cfg.StoreBackend)

	redisClient := store.NewRedis(cfg.RedisAddr, "", 0)
	defer redisClient.Close()

	broker := events.NewBroker(64)
	pub := events.Multi{broker}
	var redisEvents *events.Async
	if cfg.EventsBackend == config.BackendRedis {
		// check-ins only enqueue; a slow or unreachable redis drops events instead
		redisEvents = events.NewAsync(events.NewRedisQueue(redisClient.Client, cfg.EventsKey, 10000), 1024, 2*time.Second, logger)
		pub = append(pub, redisEvents)
		log.Printf("publishing events to redis list %s", cfg.EventsKey)
	}

	eng := integrity.New(integrity.Deps{
		Store: st,
		Guard: guard.New(guard.Config{
			Window:        cfg.RateLimitWindow,
			MaxRequests:   cfg.RateLimitMax,
			MaxFailures:   cfg.MaxFailedAttempts,
			BlockDuration: cfg.BlockDuration,
		}),
		Publisher: pub,
		Logger:    logger,
	})

	face := faceclient.New(cfg.FaceServiceURL, cfg.FaceSkip, 10*time.Second)
	if !face.Skip {
		if err := face.Health(ctx); err != nil {
			log.Printf("WARNING: face service not available: %v", err)
		} else {
			log.Println("face service connected")
		}
	}

	h := handler.New(eng, handler.Options{
		Broker: broker,
		Face:   face,
		Redis:  redisClient,
		Logger: logger,
	})

	// The general API limit never fails anyone; it only caps the rate.
	apiLimiter := guard.New(guard.Config{Window: time.Minute, MaxRequests: cfg.APIRateLimitPerMin})

	var instructor gin.HandlerFunc
	if cfg.InstructorAuth {
		instructor = auth.Instructor(cfg.JWTSigningKey, cfg.JWTIssuer)
		log.Println("instructor auth enabled for session management")
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics", "/api/events"},
	}))
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Accept", "Authorization"},
		MaxAge:          12 * time.Hour,
	}))
	r.Use(httpmiddleware.SecurityHeaders())
	r.Use(httpmiddleware.ClientSource(cfg.TrustProxy))
	r.Use(httpmiddleware.RateLimit(apiLimiter, handler.CheckInPath, "/healthz", "/metrics"))

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	h.Routes(r, instructor)

	// canceling base ends open event streams so Shutdown does not wait on them
	base, stopStreams := context.WithCancel(ctx)
	defer stopStreams()
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE connections stay open
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return base },
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	log.Println("Shutting down server...")
	stopStreams()

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}
	if redisEvents != nil {
		if err := redisEvents.Close(shutdownCtx); err != nil {
			log.Printf("pending events not flushed: %v", err)
		}
	}

	log.Println("Server exited")
	return nil
}
