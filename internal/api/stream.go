package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"chatrelay/internal/stream"
)

// relayStream follows a generation session as server-sent events. Every event carries the
// log cursor as its id, so a reconnecting client resumes with Last-Event-ID or ?last_id=.
func (h *Handler) relayStream(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	sessionID := c.Param("session_id")
	fromID := c.Query("last_id")
	if fromID == "" {
		fromID = c.GetHeader("Last-Event-ID")
	}

	// SSE Request construction
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	started := false
	sendEvent := func(ev stream.ClientEvent) error {
		if !started {
			c.Writer.Header().Set("Content-Type", "text/event-stream")
			c.Writer.Header().Set("Cache-Control", "no-cache")
			c.Writer.Header().Set("Connection", "keep-alive")
			c.Writer.Header().Set("X-Accel-Buffering", "no")
			c.Status(http.StatusOK)
			started = true
		}
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if ev.Cursor != "" {
			if _, err := fmt.Fprintf(c.Writer, "id: %s\n", ev.Cursor); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	err := h.streams.Attach(c.Request.Context(), userID, sessionID, fromID, sendEvent)
	switch {
	case err == nil:
	case started:
		h.logger.Debug("stream relay interrupted", zap.String("session_id", sessionID), zap.Error(err))
	case errors.Is(err, stream.ErrInvalidCursor):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid last event id"})
	case errors.Is(err, stream.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "stream session not found"})
	case errors.Is(err, context.Canceled):
		// client went away before the first event
	default:
		h.logger.Warn("stream relay failed", zap.String("session_id", sessionID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
