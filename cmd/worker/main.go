package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"qrattend/internal/config"
	"qrattend/internal/events"
	"qrattend/internal/store"
)

// Worker drains the Redis event list and writes one audit line per event.
func main() {
	cfg := config.Load()
	if cfg.RedisAddr == "" {
		log.Fatal("REDIS_ADDR is required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	redisClient := store.NewRedis(cfg.RedisAddr, "", 0)
	defer redisClient.Close()
	if !redisClient.Healthy(ctx) {
		log.Printf("WARNING: redis at %s not reachable yet, will keep retrying", cfg.RedisAddr)
	}

	audit := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("component", "audit")
	q := events.NewRedisQueue(redisClient.Client, cfg.EventsKey, 0)

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Printf("worker started, consuming %s", cfg.EventsKey)
	for evt := range messages {
		audit.Info("event", auditAttrs(evt)...)
	}
	log.Println("worker stopped")
}

// auditAttrs flattens the fields an auditor cares about. Payloads arrive as
// generic maps after the trip through Redis.
func auditAttrs(evt events.Event) []any {
	attrs := []any{"type", evt.Type, "at", evt.At}
	p, ok := evt.Payload.(map[string]any)
	if !ok {
		return attrs
	}
	var keys []string
	switch evt.Type {
	case events.QRActive:
		keys = []string{"sessionId", "sessionName"}
	case events.AttendanceMarked:
		keys = []string{"student_id", "session_id", "device_id", "ip_address", "face_verified"}
	}
	for _, k := range keys {
		if v, ok := p[k]; ok {
			attrs = append(attrs, k, v)
		}
	}
	return attrs
}
