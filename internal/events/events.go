// Package events delivers engine notifications (session opened, session
// closed, attendance marked) to whoever is listening. Delivery is fire and
// forget: a slow or absent observer never fails the operation that
// published the event.
package events

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"qrattend/internal/metrics"
	"qrattend/internal/model"
)

// Event types.
const (
	QRActive         = "qrActive"
	QRInactive       = "qrInactive"
	AttendanceMarked = "attendanceMarked"
)

// Event is one notification. Payload is encoded as JSON on delivery; after
// a trip through Redis it decodes as a generic map.
type Event struct {
	Type    string    `json:"type"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}

// New builds an event stamped with the current time.
func New(typ string, payload any) Event {
	if payload == nil {
		payload = struct{}{}
	}
	return Event{Type: typ, Payload: payload, At: time.Now().UTC()}
}

// QRActivePayload is published when a session opens.
type QRActivePayload struct {
	SessionID   string `json:"sessionId"`
	Code        string `json:"code"`
	SessionName string `json:"sessionName"`
}

// SessionOpened builds the qrActive event for s.
func SessionOpened(s *model.Session) Event {
	return New(QRActive, QRActivePayload{SessionID: s.ID, Code: s.Code, SessionName: s.Name})
}

// SessionClosed builds the qrInactive event.
func SessionClosed() Event {
	return New(QRInactive, nil)
}

// Marked builds the attendanceMarked event for rec.
func Marked(rec *model.AttendanceRecord) Event {
	return New(AttendanceMarked, *rec)
}

// Publisher is the notification capability injected into the engine.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, evt Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Send publishes evt and logs a failure instead of returning it.
func Send(ctx context.Context, p Publisher, logger *slog.Logger, evt Event) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, evt); err != nil {
		metrics.PublishErrors.WithLabelValues(evt.Type).Inc()
		logger.WarnContext(ctx, "event publish failed", "event", evt.Type, "error", err)
	}
}
