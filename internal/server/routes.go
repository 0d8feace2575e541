package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/chatrelay/internal/db"
	"github.com/zulandar/chatrelay/internal/metrics"
	"github.com/zulandar/chatrelay/internal/relay"
	"github.com/zulandar/chatrelay/internal/store"
)

// registerRoutes sets up all routes on the gin router.
func registerRoutes(router *gin.Engine, st *store.Store, rl *relay.Relay) {
	api := router.Group("/api")
	api.POST("/chat-stream", handleChatStream(rl))
	api.GET("/conversations", handleListConversations(st))
	api.GET("/conversations/:id", handleGetConversation(st))
	api.DELETE("/conversations/:id", handleDeleteConversation(st))
	api.GET("/messages/:id/analysis", handleMessageAnalysis(st))
	api.GET("/dify-apps", handleListApps(st))

	router.GET("/healthz", handleHealth(st))
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
}

type conversationSummary struct {
	ID        uint      `json:"id"`
	Title     string    `json:"title"`
	AppName   string    `json:"app_name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type messageView struct {
	ID        uint      `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type conversationDetail struct {
	ID         uint          `json:"id"`
	Title      string        `json:"title"`
	AppID      uint          `json:"dify_app_id"`
	UpstreamID *string       `json:"dify_conversation_id"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
	Messages   []messageView `json:"messages"`
}

type messageAnalysis struct {
	MessageID   uint            `json:"message_id"`
	Content     string          `json:"content"`
	RawResponse json.RawMessage `json:"raw_response"`
	Keyphrases  json.RawMessage `json:"keyphrases"`
	CreatedAt   time.Time       `json:"created_at"`
}

type appView struct {
	ID          uint   `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

func handleListConversations(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := st.ListConversations(c.Request.Context())
		if err != nil {
			internalError(c, err)
			return
		}
		out := make([]conversationSummary, 0, len(list))
		for _, s := range list {
			out = append(out, conversationSummary{
				ID:        s.ID,
				Title:     s.Title,
				AppName:   s.AppName,
				CreatedAt: s.CreatedAt,
				UpdatedAt: s.UpdatedAt,
			})
		}
		c.JSON(http.StatusOK, out)
	}
}

func handleGetConversation(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c)
		if !ok {
			return
		}
		conv, err := st.GetConversationWithMessages(c.Request.Context(), id)
		if err != nil {
			storeError(c, err, "conversation not found")
			return
		}
		out := conversationDetail{
			ID:         conv.ID,
			Title:      conv.Title,
			AppID:      conv.AppID,
			UpstreamID: conv.UpstreamID,
			CreatedAt:  conv.CreatedAt,
			UpdatedAt:  conv.UpdatedAt,
			Messages:   make([]messageView, 0, len(conv.Messages)),
		}
		for _, m := range conv.Messages {
			out.Messages = append(out.Messages, messageView{
				ID:        m.ID,
				Role:      m.Role,
				Content:   m.Content,
				CreatedAt: m.CreatedAt,
			})
		}
		c.JSON(http.StatusOK, out)
	}
}

func handleDeleteConversation(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c)
		if !ok {
			return
		}
		if err := st.DeleteConversation(c.Request.Context(), id); err != nil {
			storeError(c, err, "conversation not found")
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"message":    "conversation deleted",
			"deleted_id": id,
		})
	}
}

func handleMessageAnalysis(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c)
		if !ok {
			return
		}
		msg, err := st.GetMessage(c.Request.Context(), id)
		if err != nil {
			storeError(c, err, "message not found")
			return
		}
		if msg.RawEvents == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no analysis data for this message"})
			return
		}
		c.JSON(http.StatusOK, messageAnalysis{
			MessageID:   msg.ID,
			Content:     msg.Content,
			RawResponse: rawOrNull(msg.RawEvents),
			Keyphrases:  rawOrNull(msg.Keyphrases),
			CreatedAt:   msg.CreatedAt,
		})
	}
}

func handleListApps(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		apps, err := st.ListApps(c.Request.Context())
		if err != nil {
			internalError(c, err)
			return
		}
		out := make([]appView, 0, len(apps))
		for _, a := range apps {
			out = append(out, appView{ID: a.ID, Name: a.Name, Description: a.Description})
		}
		c.JSON(http.StatusOK, out)
	}
}

func handleHealth(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := db.Ping(st.DB()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// idParam parses the :id path parameter, answering 400 when it is invalid.
func idParam(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 0)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return uint(id), true
}

func storeError(c *gin.Context, err error, notFoundMsg string) {
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": notFoundMsg})
		return
	}
	internalError(c, err)
}

func internalError(c *gin.Context, err error) {
	log.Printf("server: %s %s [%s]: %v", c.Request.Method, c.Request.URL.Path, c.GetString(requestIDKey), err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

// rawOrNull returns stored JSON as-is, or null when there is none or it is
// not valid JSON.
func rawOrNull(s *string) json.RawMessage {
	if s == nil || !json.Valid([]byte(*s)) {
		return json.RawMessage("null")
	}
	return json.RawMessage(*s)
}
