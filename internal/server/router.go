package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tidesync/internal/auth"
	"github.com/MarcoPoloResearchLab/tidesync/internal/protocol"
	"github.com/MarcoPoloResearchLab/tidesync/internal/syncserver"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	userIDContextKey         = "tidesync_user_id"
	defaultHeartbeatInterval = 15 * time.Second
	opIdentify               = "server.identify"
)

var (
	errMissingSyncService = errors.New("sync service dependency required")
	errMissingPokeHub     = errors.New("poke hub dependency required")
	errMissingUser        = errors.New("user query parameter required")
)

// SyncService answers pulls and applies pushes.
type SyncService interface {
	Pull(ctx context.Context, caller syncserver.Caller, request protocol.PullRequest) (protocol.PullResponse, error)
	Push(ctx context.Context, caller syncserver.Caller, request protocol.PushRequest) (syncserver.PushResult, error)
}

// SessionValidator resolves the user behind an authenticated request.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (string, error)
}

// Dependencies wires the HTTP surface. Sessions is optional: without it the
// caller names itself through the `user` query parameter.
type Dependencies struct {
	Sync              SyncService
	Pokes             *PokeHub
	Sessions          SessionValidator
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sync == nil {
		return nil, errMissingSyncService
	}
	if deps.Pokes == nil {
		return nil, errMissingPokeHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))
	router.Use(requestContext(logger))

	handler := &httpHandler{
		sync:      deps.Sync,
		pokes:     deps.Pokes,
		sessions:  deps.Sessions,
		heartbeat: heartbeat,
		logger:    logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	sync := router.Group("/sync")
	sync.Use(handler.identifyCaller)
	sync.GET("/poke", handler.handlePokeStream)
	sync.POST("/*action", handler.handleSync)

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	})

	return router, nil
}

type httpHandler struct {
	sync      SyncService
	pokes     *PokeHub
	sessions  SessionValidator
	heartbeat time.Duration
	logger    *zap.Logger
}

func (h *httpHandler) handleSync(c *gin.Context) {
	switch path.Base(c.Param("action")) {
	case "pull":
		h.handlePull(c)
	case "push":
		h.handlePush(c)
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	}
}

func (h *httpHandler) handlePull(c *gin.Context) {
	var request protocol.PullRequest
	if err := protocol.DecodeEnvelope(c.Request.Body, &request); err != nil {
		h.respondError(c, err)
		return
	}
	response, err := h.sync.Pull(c.Request.Context(), h.caller(c), request)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handlePush(c *gin.Context) {
	var request protocol.PushRequest
	if err := protocol.DecodeEnvelope(c.Request.Body, &request); err != nil {
		h.respondError(c, err)
		return
	}
	result, err := h.sync.Push(c.Request.Context(), h.caller(c), request)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.logger.Debug("push applied",
		zap.String("client_id", request.ClientID),
		zap.Int("applied", result.Applied),
		zap.Int("skipped", result.Skipped),
		zap.Int("invalid", result.Invalid))
	c.Status(http.StatusOK)
}

func (h *httpHandler) handlePokeStream(c *gin.Context) {
	ctx := c.Request.Context()
	stream, cleanup := h.pokes.Subscribe(ctx, c.GetString(userIDContextKey))
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	writeComment(c.Writer, "connected")
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(PokeEvent, gin.H{
				"clientId":  message.ClientID,
				"applied":   message.Applied,
				"timestamp": message.Timestamp.UTC().Format(time.RFC3339Nano),
			})
			return true
		case <-ticker.C:
			writeComment(w, "heartbeat")
			return true
		}
	})
}

func (h *httpHandler) identifyCaller(c *gin.Context) {
	queryUser := strings.TrimSpace(c.Query("user"))
	if h.sessions == nil {
		if queryUser == "" {
			h.respondError(c, protocol.NewValidationError(opIdentify, "missing_user", errMissingUser,
				protocol.Issue{Path: "user", Message: "required"}))
			c.Abort()
			return
		}
		c.Set(userIDContextKey, queryUser)
		c.Next()
		return
	}

	userID, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if queryUser != "" && queryUser != userID {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Forbidden"})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

func (h *httpHandler) caller(c *gin.Context) syncserver.Caller {
	return syncserver.Caller{
		UserID:    c.GetString(userIDContextKey),
		RequestID: c.GetString(requestIDContextKey),
	}
}

func (h *httpHandler) respondError(c *gin.Context, err error) {
	switch {
	case protocol.KindOf(err) == protocol.KindValidation:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  "Invalid request",
			"issues": issuesOrEmpty(protocol.IssuesOf(err)),
		})
	case errors.Is(err, syncserver.ErrClientOwnership):
		h.logger.Warn("client ownership violation",
			zap.String("request_id", c.GetString(requestIDContextKey)),
			zap.Error(err))
		c.JSON(http.StatusForbidden, gin.H{"error": "Forbidden"})
	default:
		h.logger.Error("sync request failed",
			zap.String("request_id", c.GetString(requestIDContextKey)),
			zap.String("kind", string(protocol.KindOf(err))),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func issuesOrEmpty(issues []protocol.Issue) []protocol.Issue {
	if issues == nil {
		return []protocol.Issue{}
	}
	return issues
}

func writeComment(w io.Writer, comment string) {
	_, _ = fmt.Fprintf(w, ": %s\n\n", comment)
}
