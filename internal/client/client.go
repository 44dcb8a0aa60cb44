// Package client is a local replica: it applies mutations optimistically,
// pushes them to the sync server and reconciles server deltas on pull.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/MarcoPoloResearchLab/tidesync/internal/gate"
	"github.com/MarcoPoloResearchLab/tidesync/internal/localstore"
	"github.com/MarcoPoloResearchLab/tidesync/internal/mutation"
	"github.com/MarcoPoloResearchLab/tidesync/internal/protocol"
	"github.com/MarcoPoloResearchLab/tidesync/internal/queue"
	"github.com/MarcoPoloResearchLab/tidesync/internal/rollback"
	"github.com/MarcoPoloResearchLab/tidesync/internal/schema"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	opNew    = "client.new"
	opMutate = "client.mutate"
	opPull   = "client.pull"
	opPush   = "client.push"
	opApply  = "client.apply"
	opQuery  = "client.query"

	pullFlightKey      = "pull"
	observerBufferSize = 8
)

var (
	ErrMissingStore     = errors.New("client: local store is required")
	ErrMissingRegistry  = errors.New("client: mutation registry is required")
	ErrMissingTransport = errors.New("client: transport is required")
	ErrVersionMismatch  = errors.New("client: local version changed during pull")
	ErrClosed           = errors.New("client: closed")
	ErrWriteQuery       = errors.New("client: query must be a read")

	noOpLogger = zap.NewNop()
)

// ClientError reports a failed construction with a `<operation>.<reason>` code.
type ClientError struct {
	code string
	err  error
}

func (e *ClientError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ClientError) Unwrap() error {
	return e.err
}

func (e *ClientError) Code() string {
	return e.code
}

func newClientError(operation, reason string, cause error) error {
	return &ClientError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// State is the reconciliation state of the most recent pull.
type State string

const (
	StateIdle      State = "idle"
	StatePulling   State = "pulling"
	StateApplying  State = "applying"
	StateReplaying State = "replaying_mutations"
	StateFailed    State = "failed"
)

// Invalidation tells observers which cached reads are stale.
type Invalidation struct {
	Queries          bool
	PendingMutations bool
}

// Config configures a Client.
type Config[C any] struct {
	Store         localstore.Store
	Schema        schema.Schema
	Registry      *mutation.Registry[C, *Tx]
	Context       C
	Transport     Transport
	Pokes         PokeStream
	BulkThreshold int
	Offline       bool
	Logger        *zap.Logger
}

// Client is one replica instance. Every access to the local store is
// serialized through a FIFO gate.
type Client[C any] struct {
	id         string
	store      localstore.Store
	schema     schema.Schema
	registry   *mutation.Registry[C, *Tx]
	appContext C
	transport  Transport
	pokes      PokeStream
	logger     *zap.Logger

	gate  *gate.Gate
	queue *queue.Queue
	log   *rollback.Log
	meta  metadata

	online atomic.Bool
	state  atomic.Value
	pulls  singleflight.Group

	queryMu         sync.Mutex
	queryCache      map[string][]schema.Row
	queryGeneration uint64

	observersMu  sync.Mutex
	observers    map[int64]chan Invalidation
	nextObserver int64

	lifecycle  sync.Mutex
	closed     bool
	background context.Context
	cancel     context.CancelFunc
	workers    sync.WaitGroup
}

// New prepares the local store (internal tables plus every schema table) and
// loads or creates the persistent client id.
func New[C any](ctx context.Context, cfg Config[C]) (*Client[C], error) {
	if cfg.Store == nil {
		return nil, newClientError(opNew, "missing_store", ErrMissingStore)
	}
	if cfg.Registry == nil {
		return nil, newClientError(opNew, "missing_registry", ErrMissingRegistry)
	}
	if cfg.Transport == nil {
		return nil, newClientError(opNew, "missing_transport", ErrMissingTransport)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	c := &Client[C]{
		store:      cfg.Store,
		schema:     cfg.Schema,
		registry:   cfg.Registry,
		appContext: cfg.Context,
		transport:  cfg.Transport,
		pokes:      cfg.Pokes,
		logger:     logger,
		gate:       gate.New(),
		queue:      queue.New(),
		log: rollback.New(rollback.Config{
			Schema:        cfg.Schema,
			BulkThreshold: cfg.BulkThreshold,
			Logger:        logger,
		}),
		queryCache: make(map[string][]schema.Row),
		observers:  make(map[int64]chan Invalidation),
	}
	c.online.Store(!cfg.Offline)
	c.state.Store(StateIdle)

	err := cfg.Store.Transaction(ctx, func(tx localstore.Tx) error {
		if err := c.meta.setup(ctx, tx); err != nil {
			return err
		}
		if err := c.queue.Setup(ctx, tx); err != nil {
			return err
		}
		if err := c.log.Setup(ctx, tx); err != nil {
			return err
		}
		for _, table := range cfg.Schema.Tables() {
			if _, err := tx.Execute(ctx, table.CreateStatement()); err != nil {
				return err
			}
		}
		clientID, err := c.meta.get(ctx, tx, metadataClientID)
		if err != nil {
			return err
		}
		if clientID == nil || *clientID == "" {
			return fmt.Errorf("%s missing from %s", metadataClientID, MetadataTable)
		}
		c.id = *clientID
		return nil
	})
	if err != nil {
		return nil, newClientError(opNew, "setup_failed", err)
	}
	c.background, c.cancel = context.WithCancel(context.Background())
	return c, nil
}

// ID returns the persistent client id.
func (c *Client[C]) ID() string {
	return c.id
}

// State returns the reconciliation state.
func (c *Client[C]) State() State {
	return c.state.Load().(State)
}

// Online reports whether network operations are enabled.
func (c *Client[C]) Online() bool {
	return c.online.Load()
}

// Start subscribes to pokes until ctx is done or Close is called, and runs
// an initial pull followed by a push.
func (c *Client[C]) Start(ctx context.Context) {
	context.AfterFunc(ctx, c.cancel)
	if c.pokes != nil {
		c.goBackground(func(background context.Context) {
			err := c.pokes.Listen(background, func() {
				c.goBackground(c.pullInBackground)
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				c.logError(opPull, "poke_stream_failed", err)
			}
		})
	}
	c.goBackground(c.sync)
}

// Close stops background work and waits for it to finish.
func (c *Client[C]) Close() error {
	c.lifecycle.Lock()
	if c.closed {
		c.lifecycle.Unlock()
		return nil
	}
	c.closed = true
	c.lifecycle.Unlock()

	c.cancel()
	c.workers.Wait()

	c.observersMu.Lock()
	for id, observer := range c.observers {
		close(observer)
		delete(c.observers, id)
	}
	c.observersMu.Unlock()
	return nil
}

// SetOnline toggles connectivity. Going online pulls and then pushes.
func (c *Client[C]) SetOnline(online bool) {
	if previous := c.online.Swap(online); online && !previous {
		c.goBackground(c.sync)
	}
}

// Mutate queues the named mutation and applies it locally in one
// transaction. It returns the assigned mutation id once the local commit
// succeeds; the push to the server happens in the background.
func (c *Client[C]) Mutate(ctx context.Context, name string, input any) (int64, error) {
	entry, err := c.registry.Lookup(name)
	if err != nil {
		return 0, err
	}
	raw, err := encodeInput(input)
	if err != nil {
		return 0, protocol.NewValidationError(opMutate, "encode_input", err)
	}
	parsed, err := entry.Parse(raw)
	if err != nil {
		return 0, err
	}

	var mutationID int64
	err = c.gate.Do(ctx, func(held context.Context) error {
		return c.store.Transaction(held, func(tx localstore.Tx) error {
			queued, err := c.queue.Add(held, tx, name, raw)
			if err != nil {
				return err
			}
			call := mutation.Call[C, *Tx]{ID: queued, Input: parsed, Context: c.appContext, Tx: newTx(tx, c.log)}
			if err := entry.Execute(held, call); err != nil {
				return protocol.NewApplicationError(opMutate, "handler_failed", err)
			}
			mutationID = queued
			return nil
		})
	})
	if err != nil {
		c.logError(opMutate, "transaction_failed", err, zap.String("mutation", name))
		return 0, err
	}

	c.invalidate(Invalidation{Queries: true, PendingMutations: true})
	c.goBackground(c.pushInBackground)
	return mutationID, nil
}

// Pull fetches and applies the server delta. Concurrent callers share one
// in-flight pull; cancelling ctx stops waiting but not the pull itself. The
// pull runs as background work, so Close cancels it and waits for it.
func (c *Client[C]) Pull(ctx context.Context) error {
	result := c.pulls.DoChan(pullFlightKey, func() (any, error) {
		return nil, c.runTracked(c.pull)
	})
	select {
	case outcome := <-result:
		return outcome.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Push sends every queued mutation in one request. The queue is pruned by a
// later pull, not by Push. An unreachable server is not an error.
func (c *Client[C]) Push(ctx context.Context) error {
	if !c.online.Load() {
		return nil
	}
	entries, err := c.PendingMutations(ctx)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	mutations := make([]protocol.Mutation, 0, len(entries))
	for _, entry := range entries {
		mutations = append(mutations, entry.Mutation())
	}
	if err := c.transport.Push(ctx, protocol.PushRequest{ClientID: c.id, Mutations: mutations}); err != nil {
		if protocol.KindOf(err) == protocol.KindTransport {
			c.logger.Warn("push skipped, server unreachable", zap.Error(err))
			return nil
		}
		c.logError(opPush, "push_failed", err, zap.Int("mutations", len(mutations)))
		return err
	}
	c.invalidate(Invalidation{PendingMutations: true})
	return nil
}

// PendingMutations lists queued mutations in ascending id order.
func (c *Client[C]) PendingMutations(ctx context.Context) ([]queue.Entry, error) {
	var entries []queue.Entry
	err := c.gate.Do(ctx, func(held context.Context) error {
		var readErr error
		entries, readErr = c.queue.All(held, c.store)
		return readErr
	})
	return entries, err
}

// Query runs a read against the replica. Results are cached per statement
// and arguments until the next invalidation. Writes are rejected; they must
// go through Mutate.
func (c *Client[C]) Query(ctx context.Context, query string, args ...any) ([]schema.Row, error) {
	if err := requireRead(query); err != nil {
		return nil, err
	}
	key, err := cacheKey(query, args)
	if err != nil {
		return nil, err
	}
	c.queryMu.Lock()
	if rows, ok := c.queryCache[key]; ok {
		c.queryMu.Unlock()
		return rows, nil
	}
	generation := c.queryGeneration
	c.queryMu.Unlock()

	var rows []schema.Row
	err = c.gate.Do(ctx, func(held context.Context) error {
		var readErr error
		rows, readErr = c.store.Execute(held, query, args...)
		return readErr
	})
	if err != nil {
		return nil, err
	}

	c.queryMu.Lock()
	if generation == c.queryGeneration {
		c.queryCache[key] = rows
	}
	c.queryMu.Unlock()
	return rows, nil
}

// Subscribe registers an observer for invalidations. Slow observers miss
// events rather than block the replica.
func (c *Client[C]) Subscribe() (<-chan Invalidation, func()) {
	c.observersMu.Lock()
	defer c.observersMu.Unlock()
	stream := make(chan Invalidation, observerBufferSize)
	if c.isClosed() {
		close(stream)
		return stream, func() {}
	}
	c.nextObserver++
	id := c.nextObserver
	c.observers[id] = stream
	var once sync.Once
	return stream, func() {
		once.Do(func() {
			c.observersMu.Lock()
			defer c.observersMu.Unlock()
			if observer, ok := c.observers[id]; ok {
				close(observer)
				delete(c.observers, id)
			}
		})
	}
}

func (c *Client[C]) invalidate(invalidation Invalidation) {
	if invalidation.Queries {
		c.queryMu.Lock()
		c.queryCache = make(map[string][]schema.Row)
		c.queryGeneration++
		c.queryMu.Unlock()
	}
	c.observersMu.Lock()
	defer c.observersMu.Unlock()
	for _, observer := range c.observers {
		select {
		case observer <- invalidation:
		default:
		}
	}
}

func (c *Client[C]) sync(ctx context.Context) {
	c.pullInBackground(ctx)
	c.pushInBackground(ctx)
}

func (c *Client[C]) pullInBackground(ctx context.Context) {
	if err := c.Pull(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrClosed) {
		c.logger.Warn("background pull failed", zap.Error(err))
	}
}

func (c *Client[C]) pushInBackground(ctx context.Context) {
	if err := c.Push(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrClosed) {
		c.logger.Warn("background push failed", zap.Error(err))
	}
}

func (c *Client[C]) goBackground(fn func(ctx context.Context)) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.closed {
		return
	}
	c.workers.Add(1)
	go func() {
		defer c.workers.Done()
		fn(c.background)
	}()
}

// runTracked runs fn on the calling goroutine as counted background work.
func (c *Client[C]) runTracked(fn func(ctx context.Context) error) error {
	c.lifecycle.Lock()
	if c.closed {
		c.lifecycle.Unlock()
		return ErrClosed
	}
	c.workers.Add(1)
	c.lifecycle.Unlock()
	defer c.workers.Done()
	return fn(c.background)
}

func (c *Client[C]) isClosed() bool {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	return c.closed
}

func (c *Client[C]) setState(state State) {
	c.state.Store(state)
}

func (c *Client[C]) logError(operation, reason string, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("client_id", c.id),
		zap.Error(err),
	}, fields...)
	c.logger.Error("client failure", allFields...)
}

func encodeInput(input any) (json.RawMessage, error) {
	switch typed := input.(type) {
	case json.RawMessage:
		return typed, nil
	case []byte:
		return json.RawMessage(typed), nil
	default:
		return json.Marshal(input)
	}
}

func requireRead(query string) error {
	if localstore.ReadOnly(query) {
		return nil
	}
	return protocol.NewValidationError(opQuery, "write_statement", ErrWriteQuery,
		protocol.Issue{Path: "query", Message: "only SELECT, VALUES and read-only WITH statements are allowed"})
}

func cacheKey(query string, args []any) (string, error) {
	encoded, err := json.Marshal(args)
	if err != nil {
		return "", err
	}
	return query + "\x00" + string(encoded), nil
}
