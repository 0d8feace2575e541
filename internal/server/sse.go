package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/chatrelay/internal/dify"
	"github.com/zulandar/chatrelay/internal/relay"
)

// chatStreamRequest is the body of POST /api/chat-stream. Ids arrive as
// numbers or numeric strings.
type chatStreamRequest struct {
	Message        string          `json:"message"`
	DifyAppID      json.RawMessage `json:"dify_app_id"`
	ConversationID json.RawMessage `json:"conversation_id"`
}

// looseID reads an id sent as a JSON number or numeric string. Absent and
// null yield 0. ok is false when the value is present but not a
// non-negative integer.
func looseID(raw json.RawMessage) (id uint, ok bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return 0, true
	}
	text := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return 0, false
		}
		text = strings.TrimSpace(text)
		if text == "" {
			return 0, true
		}
	}
	n, err := strconv.ParseUint(text, 10, 0)
	if err != nil {
		return 0, false
	}
	return uint(n), true
}

// handleChatStream relays one exchange as text/event-stream. Failures before
// the stream opens are answered with a JSON error instead.
func handleChatStream(rl *relay.Relay) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body chatStreamRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}
		appID, ok := looseID(body.DifyAppID)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "dify_app_id must be a number"})
			return
		}
		// A conversation id that is not ours (such as an upstream
		// conversation id echoed back by a client) starts a new conversation.
		convID, _ := looseID(body.ConversationID)
		req := relay.Request{Message: body.Message, AppID: appID, ConversationID: convID}

		ctx := c.Request.Context()
		x, err := rl.Start(ctx, req)
		if err != nil {
			status := startErrorStatus(err)
			if status >= http.StatusInternalServerError {
				log.Printf("server: chat-stream [%s]: %v", c.GetString(requestIDKey), err)
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")
		c.Status(http.StatusOK)
		c.Writer.Flush()

		if err := x.Run(ctx, c.Writer); err != nil {
			log.Printf("server: chat-stream [%s] conversation %d: %v", c.GetString(requestIDKey), x.ConversationID(), err)
		}
	}
}

// startErrorStatus maps a relay start failure to an HTTP status.
func startErrorStatus(err error) int {
	var connErr *dify.ConnectionError
	if errors.As(err, &connErr) {
		return http.StatusBadGateway
	}
	var rerr *relay.Error
	if errors.As(err, &rerr) {
		switch {
		case rerr.Kind == relay.KindValidation && rerr.NotFound:
			return http.StatusNotFound
		case rerr.Kind == relay.KindValidation:
			return http.StatusBadRequest
		}
	}
	return http.StatusInternalServerError
}
