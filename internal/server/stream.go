package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	realtimeEventHeartbeat = "heartbeat"
	heartbeatInterval      = 25 * time.Second
	wsWriteTimeout         = 10 * time.Second
)

// handleEventsStream streams the caller's exchange events over SSE.
func (h *httpHandler) handleEventsStream(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming_unsupported"})
		return
	}

	stream, cleanup := h.realtime.Subscribe(c.Request.Context(), userID)
	defer cleanup()

	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := c.Writer.WriteString("event: " + realtimeEventHeartbeat + "\ndata: {}\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case event, open := <-stream:
			if !open {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				h.logger.Warn("failed to encode realtime event", zap.Error(err))
				continue
			}
			if _, err := c.Writer.WriteString("event: " + string(event.Type) + "\ndata: " + string(payload) + "\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleEventsWS delivers the same event feed over a websocket for clients
// that cannot hold an SSE connection.
func (h *httpHandler) handleEventsWS(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	stream, cleanup := h.realtime.Subscribe(ctx, userID)
	defer cleanup()

	// Drain client frames so close handshakes and pongs are processed.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			deadline := time.Now().Add(wsWriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case event, open := <-stream:
			if !open {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		}
	}
}
