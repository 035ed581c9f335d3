package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"qrattend/internal/events"
)

const keepAlive = 25 * time.Second

// Stream pushes engine events to the client as server-sent events. A client
// joining while a session is open first receives its qrActive event.
func (h *Handler) Stream(c *gin.Context) {
	if h.broker == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": gin.H{"kind": "Unavailable", "message": "event stream disabled"}})
		return
	}
	ctx := c.Request.Context()
	ch := h.broker.Subscribe(ctx)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	if s, err := h.engine.Status(ctx); err == nil && s != nil {
		evt := events.SessionOpened(s)
		c.SSEvent(evt.Type, evt)
	}
	c.Writer.Flush()

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			c.SSEvent(evt.Type, evt)
			c.Writer.Flush()
		case <-ticker.C:
			c.SSEvent("ping", gin.H{"at": time.Now().UTC()})
			c.Writer.Flush()
		case <-ctx.Done():
			return
		}
	}
}
