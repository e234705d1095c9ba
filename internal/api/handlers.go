package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"chatrelay/internal/service/ai"
	"chatrelay/internal/service/chat"
	"chatrelay/internal/service/session"
)

const (
	apiVersion      = "1.0.0"
	maxMessageLen   = 10000
	streamTurnLimit = 2 * time.Minute
)

// Handler wires HTTP routes to the session repository and chat orchestrator.
type Handler struct {
	repo   *session.Repository
	chat   *chat.Orchestrator
	db     *sql.DB
	logger *zap.Logger
}

// NewHandler constructs a Handler instance.
func NewHandler(repo *session.Repository, orchestrator *chat.Orchestrator, db *sql.DB, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{repo: repo, chat: orchestrator, db: db, logger: logger}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine, corsOrigins []string) {
	router.Use(corsMiddleware(corsOrigins))
	router.GET("/", h.root)

	api := router.Group("/api")
	api.GET("/health", h.health)
	api.POST("/sessions", h.createSession)
	api.GET("/sessions", h.listSessions)
	api.GET("/sessions/:id", h.getSession)
	api.PUT("/sessions/:id/title", h.renameSession)
	api.DELETE("/sessions/:id", h.deleteSession)
	api.GET("/sessions/:id/export", h.exportSession)
	api.GET("/sessions/:id/messages", h.listMessages)
	api.POST("/sessions/:id/chat", h.chatTurn)
	api.POST("/sessions/:id/chat/stream", h.chatStream)
	api.POST("/sessions/:id/generate-title", h.generateTitle)
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && allowed[origin] {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (h *Handler) root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "AI Chat API",
		"version": apiVersion,
		"endpoints": gin.H{
			"sessions": "/api/sessions",
			"chat":     "/api/sessions/{id}/chat",
			"stream":   "/api/sessions/{id}/chat/stream",
		},
	})
}

func (h *Handler) health(c *gin.Context) {
	status := "healthy"
	if err := h.db.PingContext(c.Request.Context()); err != nil {
		status = "unhealthy"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":            status,
		"service":           "chat-api",
		"model_initialized": h.chat != nil,
		"version":           apiVersion,
	})
}

func (h *Handler) createSession(c *gin.Context) {
	var req struct {
		Title string `json:"title"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	created, err := h.repo.Create(c.Request.Context(), req.Title)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *Handler) listSessions(c *gin.Context) {
	sessions, err := h.repo.List(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"total":    len(sessions),
	})
}

func (h *Handler) getSession(c *gin.Context) {
	found, err := h.repo.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, found)
}

func (h *Handler) renameSession(c *gin.Context) {
	var req struct {
		Title string `json:"title"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := h.repo.Rename(c.Request.Context(), c.Param("id"), req.Title); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "title updated"})
}

func (h *Handler) deleteSession(c *gin.Context) {
	id := c.Param("id")
	if err := h.repo.Delete(c.Request.Context(), id); err != nil {
		h.respondError(c, err)
		return
	}
	h.chat.Purge(id)
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "session deleted"})
}

func (h *Handler) exportSession(c *gin.Context) {
	format := c.DefaultQuery("format", session.FormatJSON)
	export, err := h.repo.Export(c.Request.Context(), c.Param("id"), format)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, export)
}

func (h *Handler) listMessages(c *gin.Context) {
	messages, err := h.repo.Messages(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, messages)
}

type chatRequest struct {
	Message string `json:"message"`
}

func (h *Handler) bindChatRequest(c *gin.Context) (string, bool) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return "", false
	}
	message := strings.TrimSpace(req.Message)
	if message == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message cannot be empty"})
		return "", false
	}
	if utf8.RuneCountInString(message) > maxMessageLen {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message too long"})
		return "", false
	}
	return message, true
}

func (h *Handler) chatTurn(c *gin.Context) {
	message, ok := h.bindChatRequest(c)
	if !ok {
		return
	}
	reply, err := h.chat.Turn(c.Request.Context(), c.Param("id"), message)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"content": reply.Content,
		"role":    reply.Role,
	})
}

func (h *Handler) chatStream(c *gin.Context) {
	message, ok := h.bindChatRequest(c)
	if !ok {
		return
	}
	sessionID := c.Param("id")
	// NotFound must come back as a plain 404 before any stream bytes.
	if _, err := h.repo.Get(c.Request.Context(), sessionID); err != nil {
		h.respondError(c, err)
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	sendData := func(payload interface{}) error {
		var data []byte
		switch v := payload.(type) {
		case string:
			data = []byte(v)
		default:
			var err error
			data, err = json.Marshal(v)
			if err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	streamCtx, cancel := context.WithTimeout(c.Request.Context(), streamTurnLimit)
	defer cancel()

	_, err := h.chat.StreamTurn(streamCtx, sessionID, message, func(fragment string) error {
		return sendData(gin.H{"content": fragment})
	})
	if err != nil {
		if errors.Is(err, chat.ErrTransport) {
			// Client went away mid-stream; nothing left to tell it.
			h.logger.Info("stream client disconnected", zap.String("session_id", sessionID))
			return
		}
		h.logger.Error("stream turn failed", zap.String("session_id", sessionID), zap.Error(err))
		// Only upstream failures carry a client-safe message; everything
		// else (commit failures included) stays in the logs.
		message := "internal server error"
		if errors.Is(err, ai.ErrUpstream) {
			message = err.Error()
		}
		_ = sendData(gin.H{"error": message})
		return
	}
	_ = sendData("[DONE]")
}

func (h *Handler) generateTitle(c *gin.Context) {
	title, err := h.chat.GenerateTitle(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "title": title})
}

// respondError maps internal failure kinds to transport status codes.
func (h *Handler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	case errors.Is(err, session.ErrEmptyTitle),
		errors.Is(err, session.ErrTitleTooLong),
		errors.Is(err, session.ErrBadFormat),
		errors.Is(err, session.ErrNoMessages):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, ai.ErrUpstream):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
