package server

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MarcoPoloResearchLab/tidesync/internal/auth"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestIdentifyCallerLogsExpiredTokenAtInfoLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodPost, "/sync/pull", http.NoBody)
	request.Header.Set("Authorization", "Bearer expired-token")
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		sessions: stubSessionValidator{
			err: fmt.Errorf("%w: %w", auth.ErrExpiredSessionToken, jwt.ErrTokenExpired),
		},
		logger: zap.New(core),
	}

	handler.identifyCaller(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != zapcore.InfoLevel {
		t.Fatalf("expected info level for expired token, got %s", entry.Level)
	}
	if entry.Message != "token validation failed" {
		t.Fatalf("unexpected log message: %q", entry.Message)
	}
	hasExpired := false
	for _, field := range entry.Context {
		if field.Type == zapcore.ErrorType && errors.Is(field.Interface.(error), jwt.ErrTokenExpired) {
			hasExpired = true
			break
		}
	}
	if !hasExpired {
		t.Fatalf("expected expired token error context, got %v", entry.Context)
	}
}

func TestIdentifyCallerLogsUnexpectedTokenErrorAtWarnLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodPost, "/sync/pull", http.NoBody)
	request.Header.Set("Authorization", "Bearer invalid-token")
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		sessions: stubSessionValidator{err: errors.New("signature mismatch")},
		logger:   zap.New(core),
	}

	handler.identifyCaller(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	if entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected warn level for unexpected error, got %s", entries[0].Level)
	}
}

func TestIdentifyCallerRejectsMismatchedQueryUser(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodPost, "/sync/pull?user=mallory", http.NoBody)

	handler := &httpHandler{
		sessions: stubSessionValidator{userID: "alice"},
		logger:   zap.NewNop(),
	}

	handler.identifyCaller(ctx)

	if recorder.Code != http.StatusForbidden {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusForbidden)
	}
}

func TestIdentifyCallerUsesSessionUser(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodPost, "/sync/pull?user=alice", http.NoBody)

	handler := &httpHandler{
		sessions: stubSessionValidator{userID: "alice"},
		logger:   zap.NewNop(),
	}

	handler.identifyCaller(ctx)

	if ctx.IsAborted() {
		t.Fatalf("expected request to proceed, got status %d", recorder.Code)
	}
	if got := ctx.GetString(userIDContextKey); got != "alice" {
		t.Fatalf("unexpected user id %q", got)
	}
}

type stubSessionValidator struct {
	userID string
	err    error
}

func (s stubSessionValidator) ValidateRequest(*http.Request) (string, error) {
	return s.userID, s.err
}
