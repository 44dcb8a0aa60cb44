package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tidesync/internal/protocol"
	"go.uber.org/zap"
)

const (
	opTransportNew  = "client.transport.new"
	opTransportPull = "client.transport.pull"
	opTransportPush = "client.transport.push"

	defaultRequestTimeout = 30 * time.Second
	maxErrorBodyBytes     = 4096
)

var (
	ErrMissingBaseURL = errors.New("client: transport base url is required")
	ErrMissingUser    = errors.New("client: transport user is required")
)

// Transport carries pull and push requests to the sync server.
type Transport interface {
	Pull(ctx context.Context, request protocol.PullRequest) (protocol.PullResponse, error)
	Push(ctx context.Context, request protocol.PushRequest) error
}

// PokeStream delivers server notifications that new data may be available.
// Listen blocks until ctx is done.
type PokeStream interface {
	Listen(ctx context.Context, onPoke func()) error
}

// TokenSource returns the bearer token attached to each request. An empty
// token sends no Authorization header.
type TokenSource func(ctx context.Context) (string, error)

// StaticToken returns a TokenSource that always yields token.
func StaticToken(token string) TokenSource {
	return func(context.Context) (string, error) {
		return token, nil
	}
}

// StatusError is a non-2xx response from the sync server.
type StatusError struct {
	StatusCode int
	Message    string
	Issues     []protocol.Issue
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("sync server responded %d", e.StatusCode)
	}
	return fmt.Sprintf("sync server responded %d: %s", e.StatusCode, e.Message)
}

// HTTPTransportConfig configures an HTTPTransport. BaseURL points at the sync
// route group, for example https://sync.example.com/sync.
type HTTPTransportConfig struct {
	BaseURL    string
	UserID     string
	Token      TokenSource
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// HTTPTransport implements Transport against the JSON endpoints.
type HTTPTransport struct {
	baseURL *url.URL
	userID  string
	token   TokenSource
	client  *http.Client
	logger  *zap.Logger
}

func NewHTTPTransport(cfg HTTPTransportConfig) (*HTTPTransport, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, newClientError(opTransportNew, "missing_base_url", ErrMissingBaseURL)
	}
	if strings.TrimSpace(cfg.UserID) == "" {
		return nil, newClientError(opTransportNew, "missing_user", ErrMissingUser)
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, newClientError(opTransportNew, "invalid_base_url", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &HTTPTransport{
		baseURL: base,
		userID:  cfg.UserID,
		token:   cfg.Token,
		client:  httpClient,
		logger:  logger,
	}, nil
}

func (t *HTTPTransport) Pull(ctx context.Context, request protocol.PullRequest) (protocol.PullResponse, error) {
	body, err := t.post(ctx, opTransportPull, "pull", request)
	if err != nil {
		return protocol.PullResponse{}, err
	}
	defer body.Close()
	response, err := protocol.DecodePullResponse(body)
	if err != nil {
		return protocol.PullResponse{}, protocol.NewProtocolError(opTransportPull, "malformed_response", err)
	}
	return response, nil
}

func (t *HTTPTransport) Push(ctx context.Context, request protocol.PushRequest) error {
	body, err := t.post(ctx, opTransportPush, "push", request)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, body)
	return body.Close()
}

// Endpoint resolves a route under the base url with the user query parameter.
func (t *HTTPTransport) Endpoint(action string) string {
	endpoint := *t.baseURL
	endpoint.Path = endpoint.Path + "/" + action
	query := endpoint.Query()
	query.Set("user", t.userID)
	endpoint.RawQuery = query.Encode()
	return endpoint.String()
}

// Authorize attaches the bearer token, if any, to request.
func (t *HTTPTransport) Authorize(ctx context.Context, request *http.Request) error {
	if t.token == nil {
		return nil
	}
	token, err := t.token(ctx)
	if err != nil {
		return err
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	return nil
}

func (t *HTTPTransport) post(ctx context.Context, operation, action string, payload any) (io.ReadCloser, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, protocol.NewValidationError(operation, "encode_request", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, t.Endpoint(action), bytes.NewReader(encoded))
	if err != nil {
		return nil, protocol.NewTransportError(operation, "build_request", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")
	if err := t.Authorize(ctx, request); err != nil {
		return nil, protocol.NewTransportError(operation, "token_failed", err)
	}

	response, err := t.client.Do(request)
	if err != nil {
		return nil, protocol.NewTransportError(operation, "request_failed", err)
	}
	if response.StatusCode/100 == 2 {
		return response.Body, nil
	}
	defer response.Body.Close()
	statusErr := readStatusError(response)
	t.logger.Debug("sync request rejected",
		zap.String("operation", operation),
		zap.Int("status", statusErr.StatusCode),
		zap.String("message", statusErr.Message))
	return nil, classifyStatus(operation, statusErr)
}

func readStatusError(response *http.Response) *StatusError {
	statusErr := &StatusError{StatusCode: response.StatusCode}
	payload, err := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
	if err != nil || len(payload) == 0 {
		return statusErr
	}
	var body struct {
		Error  string           `json:"error"`
		Issues []protocol.Issue `json:"issues"`
	}
	if json.Unmarshal(payload, &body) == nil && body.Error != "" {
		statusErr.Message = body.Error
		statusErr.Issues = body.Issues
		return statusErr
	}
	statusErr.Message = strings.TrimSpace(string(payload))
	return statusErr
}

func classifyStatus(operation string, statusErr *StatusError) error {
	switch {
	case statusErr.StatusCode == http.StatusBadRequest:
		return protocol.NewValidationError(operation, "rejected", statusErr, statusErr.Issues...)
	case statusErr.StatusCode == http.StatusUnauthorized:
		return protocol.NewTransportError(operation, "unauthorized", statusErr)
	case statusErr.StatusCode == http.StatusForbidden:
		return protocol.NewProtocolError(operation, "forbidden", statusErr)
	case statusErr.StatusCode == http.StatusBadGateway,
		statusErr.StatusCode == http.StatusServiceUnavailable,
		statusErr.StatusCode == http.StatusGatewayTimeout:
		return protocol.NewTransportError(operation, "unavailable", statusErr)
	default:
		return protocol.NewApplicationError(operation, "failed", statusErr)
	}
}
