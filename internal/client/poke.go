package client

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const (
	opPokeNew = "client.poke.new"

	pokeEventName = "poke"

	defaultReconnectInitial = 500 * time.Millisecond
	defaultReconnectMax     = 30 * time.Second
)

var ErrMissingTransportForPokes = errors.New("client: poke stream requires an http transport")

// SSEPokeStreamConfig configures an SSEPokeStream.
type SSEPokeStreamConfig struct {
	Transport        *HTTPTransport
	HTTPClient       *http.Client
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	Logger           *zap.Logger
}

// SSEPokeStream subscribes to the server's poke event stream and reconnects
// with exponential backoff when the connection drops.
type SSEPokeStream struct {
	transport        *HTTPTransport
	client           *http.Client
	reconnectInitial time.Duration
	reconnectMax     time.Duration
	logger           *zap.Logger
}

func NewSSEPokeStream(cfg SSEPokeStreamConfig) (*SSEPokeStream, error) {
	if cfg.Transport == nil {
		return nil, newClientError(opPokeNew, "missing_transport", ErrMissingTransportForPokes)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	reconnectInitial := cfg.ReconnectInitial
	if reconnectInitial <= 0 {
		reconnectInitial = defaultReconnectInitial
	}
	reconnectMax := cfg.ReconnectMax
	if reconnectMax <= 0 {
		reconnectMax = defaultReconnectMax
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &SSEPokeStream{
		transport:        cfg.Transport,
		client:           httpClient,
		reconnectInitial: reconnectInitial,
		reconnectMax:     reconnectMax,
		logger:           logger,
	}, nil
}

// Listen calls onPoke for every poke event until ctx is done. A reconnect
// also calls onPoke since pokes sent while disconnected are lost.
func (s *SSEPokeStream) Listen(ctx context.Context, onPoke func()) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.reconnectInitial
	policy.MaxInterval = s.reconnectMax
	policy.MaxElapsedTime = 0

	connections := 0
	return backoff.Retry(func() error {
		err := s.stream(ctx, onPoke, func() {
			policy.Reset()
			connections++
			if connections > 1 {
				onPoke()
			}
		})
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		var statusErr *StatusError
		if errors.As(err, &statusErr) && isPermanentStatus(statusErr.StatusCode) {
			return backoff.Permanent(err)
		}
		s.logger.Warn("poke stream disconnected", zap.Error(err))
		return err
	}, backoff.WithContext(policy, ctx))
}

func (s *SSEPokeStream) stream(ctx context.Context, onPoke func(), onConnect func()) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, s.transport.Endpoint("poke"), nil)
	if err != nil {
		return err
	}
	request.Header.Set("Accept", "text/event-stream")
	request.Header.Set("Cache-Control", "no-cache")
	if err := s.transport.Authorize(ctx, request); err != nil {
		return err
	}
	response, err := s.client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return readStatusError(response)
	}
	onConnect()
	s.logger.Debug("poke stream connected")

	scanner := bufio.NewScanner(response.Body)
	event := ""
	hasData := false
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if event == pokeEventName && hasData {
				onPoke()
			}
			event, hasData = "", false
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			event = value
		case "data":
			hasData = true
		}
	}
	return scanner.Err()
}

func isPermanentStatus(status int) bool {
	return status >= http.StatusBadRequest && status < http.StatusInternalServerError && status != http.StatusTooManyRequests
}
