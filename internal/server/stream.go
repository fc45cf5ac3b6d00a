package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	streamEventHeartbeat = "heartbeat"
	streamSourceBackend  = "deadswitch-backend"
)

// handleActivityStream streams the signer's activity events as server-sent
// events until the client disconnects.
func (h *httpHandler) handleActivityStream(c *gin.Context) {
	signer := c.GetString(signerContextKey)
	if signer == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	ctx := c.Request.Context()
	events, cleanup := h.activity.Subscribe(ctx, signer)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			c.SSEvent(string(event.Type), event)
			c.Writer.Flush()
		case now := <-ticker.C:
			c.SSEvent(streamEventHeartbeat, gin.H{"source": streamSourceBackend, "at": now.UTC()})
			c.Writer.Flush()
		}
	}
}
