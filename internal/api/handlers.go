package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"chatrelay/internal/auth"
	"chatrelay/internal/chat"
	"chatrelay/internal/metrics"
	"chatrelay/internal/models"
	"chatrelay/internal/provider"
	"chatrelay/internal/stream"
	"chatrelay/internal/worker"
)

// JobSubmitter queues background jobs such as chat titling.
type JobSubmitter interface {
	Submit(job worker.Job) error
}

// Handler wires HTTP routes to the chat store and the stream relay.
type Handler struct {
	chats     *chat.Service
	auth      *auth.Service
	streams   *stream.Service
	providers *provider.Set
	titler    *chat.Titler
	jobs      JobSubmitter
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

type Deps struct {
	Chats     *chat.Service
	Auth      *auth.Service
	Streams   *stream.Service
	Providers *provider.Set
	Jobs      JobSubmitter
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// NewHandler constructs a Handler instance.
func NewHandler(d Deps) *Handler {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		chats:     d.Chats,
		auth:      d.Auth,
		streams:   d.Streams,
		providers: d.Providers,
		titler:    chat.NewTitler(d.Chats, logger.Named("titler")),
		jobs:      d.Jobs,
		metrics:   d.Metrics,
		logger:    logger,
	}
}

func (h *Handler) authorizedUserID(c *gin.Context) (string, bool) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok || userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return "", false
	}
	return userID, true
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", h.health)
	if h.metrics != nil {
		router.GET("/metrics", gin.WrapH(h.metrics.Handler()))
	}

	api := router.Group("/api")
	// EventSource cannot send the CSRF header; the attach route is read-only.
	api.Use(h.auth.Authenticate(), h.auth.RequireCSRF("/api/streams/:session_id"))
	api.POST("/chats", h.createChat)
	api.GET("/chats", h.listChats)
	api.GET("/chats/:chat_id", h.getChat)
	api.DELETE("/chats/:chat_id", h.deleteChat)
	api.POST("/chats/:chat_id/messages", h.sendMessage)
	api.POST("/chats/:chat_id/messages/stream", h.beginStream)
	api.GET("/streams/:session_id", h.relayStream)
	api.GET("/models", h.listModels)
	api.POST("/logout", h.logoutUser)
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) listModels(c *gin.Context) {
	if _, ok := h.authorizedUserID(c); !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"providers": h.providers.List()})
}

type createChatRequest struct {
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	SystemPrompt string `json:"system_prompt"`
}

func (h *Handler) createChat(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req createChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	req.Provider = strings.TrimSpace(req.Provider)
	if _, err := h.providers.Get(req.Provider); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Model == "" {
		req.Model = h.providers.DefaultModel(req.Provider)
	}
	created, err := h.chats.CreateChat(c.Request.Context(), userID, req.Provider, req.Model, req.SystemPrompt)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *Handler) listChats(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	chats, err := h.chats.ListChats(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"chats": chats})
}

func (h *Handler) getChat(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	found, err := h.chats.GetChatWithMessages(c.Request.Context(), userID, c.Param("chat_id"))
	if err != nil {
		h.chatError(c, err)
		return
	}
	c.JSON(http.StatusOK, found)
}

func (h *Handler) deleteChat(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	if err := h.chats.DeleteChat(c.Request.Context(), userID, c.Param("chat_id")); err != nil {
		h.chatError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) chatError(c *gin.Context, err error) {
	if errors.Is(err, chat.ErrChatNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "chat not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

// User input interface
type messageRequest struct {
	Content     string   `json:"content"`
	Temperature *float32 `json:"temperature"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   int      `json:"max_tokens"`
}

// prepared is a stored user message and the completion request answering it.
type prepared struct {
	chat       *models.Chat
	provider   provider.Provider
	userMsg    *models.Message
	history    []*models.Message
	completion provider.CompletionRequest
}

// prepareMessage validates the request, stores the user message and builds the prompt.
// On failure the response has been written.
func (h *Handler) prepareMessage(c *gin.Context, userID string) (*prepared, bool) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return nil, false
	}
	if strings.TrimSpace(req.Content) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return nil, false
	}
	if req.MaxTokens < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "max_tokens must not be negative"})
		return nil, false
	}
	ctx := c.Request.Context()
	found, err := h.chats.GetChat(ctx, userID, c.Param("chat_id"))
	if err != nil {
		h.chatError(c, err)
		return nil, false
	}
	p, err := h.providers.Get(found.Provider)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	userMsg, err := h.chats.AddMessage(ctx, found.ID, models.RoleUser, req.Content)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	prompt, history, err := h.chats.PromptHistory(ctx, found)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	return &prepared{
		chat:     found,
		provider: p,
		userMsg:  userMsg,
		history:  history,
		completion: provider.CompletionRequest{
			Model:       found.Model,
			Messages:    prompt,
			Temperature: req.Temperature,
			TopP:        req.TopP,
			MaxTokens:   req.MaxTokens,
		},
	}, true
}

func (h *Handler) sendMessage(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	pr, ok := h.prepareMessage(c, userID)
	if !ok {
		return
	}
	reply, err := pr.provider.Generate(c.Request.Context(), pr.completion)
	if err != nil {
		h.logger.Warn("completion failed", zap.String("chat_id", pr.chat.ID), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	assistantMsg, err := h.chats.AddMessage(c.Request.Context(), pr.chat.ID, models.RoleAssistant, reply)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.scheduleTitle(pr.chat, pr.provider, append(pr.history, assistantMsg))
	c.JSON(http.StatusOK, gin.H{
		"user_message":      pr.userMsg,
		"assistant_message": assistantMsg,
	})
}

func (h *Handler) beginStream(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	pr, ok := h.prepareMessage(c, userID)
	if !ok {
		return
	}
	handle, err := h.streams.Begin(c.Request.Context(), stream.BeginRequest{
		UserID:     userID,
		ChatID:     pr.chat.ID,
		Completer:  pr.provider,
		Completion: pr.completion,
	})
	if err != nil {
		if errors.Is(err, worker.ErrDispatcherBusy) || errors.Is(err, worker.ErrDispatcherClosed) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "server is busy, please retry"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.scheduleTitle(pr.chat, pr.provider, pr.history)
	c.JSON(http.StatusAccepted, gin.H{
		"session_id":   handle.SessionID,
		"message_id":   handle.MessageID,
		"created_at":   handle.CreatedAt,
		"user_message": pr.userMsg,
	})
}

// scheduleTitle queues titling for a chat still carrying the default title after its first user message.
func (h *Handler) scheduleTitle(ch *models.Chat, p provider.Provider, history []*models.Message) {
	if ch.Title != models.DefaultChatTitle || countRole(history, models.RoleUser) != 1 {
		return
	}
	err := h.jobs.Submit(worker.Job{
		Type:   worker.JobTitle,
		UserID: ch.UserID,
		Task:   h.titler.Task(*ch, p, history),
	})
	if err != nil {
		h.metrics.Job(string(worker.JobTitle), "rejected")
		h.logger.Debug("title job not queued", zap.String("chat_id", ch.ID), zap.Error(err))
	}
}

func countRole(history []*models.Message, role models.Role) int {
	n := 0
	for _, m := range history {
		if m != nil && m.Role == role {
			n++
		}
	}
	return n
}

func (h *Handler) logoutUser(c *gin.Context) {
	if _, ok := h.authorizedUserID(c); !ok {
		return
	}
	if authToken, ok := auth.TokenFromContext(c); ok {
		if err := h.auth.RevokeToken(context.WithoutCancel(c.Request.Context()), authToken); err != nil {
			h.logger.Warn("revoke token failed", zap.Error(err))
		}
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

func (h *Handler) clearAuthCookies(c *gin.Context) {
	for _, name := range []string{h.auth.AuthCookieName(), h.auth.CSRFCookieName()} {
		http.SetCookie(c.Writer, &http.Cookie{
			Name:     name,
			Value:    "",
			MaxAge:   -1,
			Path:     "/",
			Secure:   gin.Mode() == gin.ReleaseMode,
			HttpOnly: name == h.auth.AuthCookieName(),
			SameSite: http.SameSiteStrictMode,
		})
	}
}
