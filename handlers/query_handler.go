package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"kbassist-backend/models"
	"kbassist-backend/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// SessionCookie carries the conversation id between requests
	SessionCookie = "kb_session"
	// sessionMaxAge keeps the cookie for thirty days
	sessionMaxAge = 30 * 24 * 60 * 60
)

// Answerer answers a query given the earlier turns of the conversation
type Answerer interface {
	Answer(ctx context.Context, query string, prior []models.Turn) service.QueryResult
}

// SessionStore keeps conversation turns per session
type SessionStore interface {
	Load(ctx context.Context, sessionID string) ([]models.Turn, error)
	Append(ctx context.Context, sessionID string, turns ...models.Turn) error
	Clear(ctx context.Context, sessionID string) error
}

// QueryHandler handles HTTP requests for knowledge base queries
type QueryHandler struct {
	answerer     Answerer
	sessions     SessionStore
	logger       *slog.Logger
	secureCookie bool
}

// NewQueryHandler creates a new query handler
func NewQueryHandler(answerer Answerer, sessions SessionStore, logger *slog.Logger) *QueryHandler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &QueryHandler{
		answerer: answerer,
		sessions: sessions,
		logger:   logger,
	}
}

// SetSecureCookie marks the session cookie as HTTPS-only
func (h *QueryHandler) SetSecureCookie(secure bool) {
	h.secureCookie = secure
}

// RegisterRoutes mounts the query endpoints on r
func (h *QueryHandler) RegisterRoutes(r gin.IRouter) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
		})
	})
	r.POST("/api/query", h.Query)
	r.POST("/new_conversation", h.NewConversation)
}

// QueryRequest represents the request body for a query
type QueryRequest struct {
	Query string `json:"query"`
}

// Query handles POST /api/query
func (h *QueryHandler) Query(c *gin.Context) {
	var req QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input"})
		return
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input"})
		return
	}

	ctx := c.Request.Context()
	sessionID := h.session(c)

	prior, err := h.sessions.Load(ctx, sessionID)
	if err != nil {
		h.logger.Error("failed to load conversation", "session", sessionID, "error", err)
		prior = nil
	}

	result := h.answerer.Answer(ctx, query, prior)

	if result.OK() {
		err := h.sessions.Append(ctx, sessionID, models.UserTurn(query), models.AssistantTurn(result.Response))
		if err != nil {
			h.logger.Error("failed to store conversation", "session", sessionID, "error", err)
		}
	} else {
		h.logger.Warn("query failed, history left unchanged", "session", sessionID, "failure", result.Failure.String())
	}

	sources := result.Sources
	if sources == nil {
		sources = []string{}
	}
	c.JSON(http.StatusOK, models.QueryResponse{
		Response: result.Response,
		Sources:  sources,
	})
}

// NewConversation handles POST /new_conversation
func (h *QueryHandler) NewConversation(c *gin.Context) {
	sessionID := h.session(c)
	if err := h.sessions.Clear(c.Request.Context(), sessionID); err != nil {
		h.logger.Error("failed to clear conversation", "session", sessionID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to reset conversation"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "New conversation started"})
}

// session returns the caller's session id, issuing a new cookie when the
// request has none or an invalid one
func (h *QueryHandler) session(c *gin.Context) string {
	if value, err := c.Cookie(SessionCookie); err == nil {
		if id, err := uuid.Parse(value); err == nil {
			return id.String()
		}
	}

	id := uuid.New().String()
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(SessionCookie, id, sessionMaxAge, "/", "", h.secureCookie, true)
	return id
}
