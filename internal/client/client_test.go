package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tidesync/internal/localstore"
	"github.com/MarcoPoloResearchLab/tidesync/internal/mutation"
	"github.com/MarcoPoloResearchLab/tidesync/internal/protocol"
	"github.com/MarcoPoloResearchLab/tidesync/internal/rowversion"
	"github.com/MarcoPoloResearchLab/tidesync/internal/schema"
	"github.com/MarcoPoloResearchLab/tidesync/internal/syncserver"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var counterSchema = schema.MustNew(schema.Table{
	Name: "counters",
	Columns: []schema.Column{
		{Name: "id", Type: schema.TypeText},
		{Name: "value", Type: schema.TypeInteger},
		{Name: "version", Type: schema.TypeInteger},
	},
	PrimaryKey: []string{"id"},
})

type incrementInput struct {
	ID string `json:"id" validate:"required"`
	By int64  `json:"by" validate:"gte=1"`
}

var counterMutations = func() *mutation.Set {
	set, err := mutation.Define(
		mutation.Definition{Name: "increment", Input: mutation.JSONInput[incrementInput]()},
		mutation.Definition{Name: "plant", Input: mutation.ScalarInput[string]("required")},
	)
	if err != nil {
		panic(err)
	}
	return set
}()

func openDatabase(t *testing.T, name string) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), name)), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func newTestServer(t *testing.T) *syncserver.Service[string] {
	t.Helper()
	db := openDatabase(t, "server.db")
	require.NoError(t, db.AutoMigrate(&syncserver.ClientRecord{}, &rowversion.ClientView{}))
	for _, table := range counterSchema.Tables() {
		require.NoError(t, db.Exec(table.CreateStatement()).Error)
	}
	bump := func(ctx context.Context, tx *gorm.DB, id string, by int64) error {
		return tx.WithContext(ctx).Exec(
			`INSERT INTO counters (id, value, version) VALUES (?, ?, 1)
			 ON CONFLICT (id) DO UPDATE SET value = value + excluded.value, version = version + 1`,
			id, by).Error
	}
	registry, err := mutation.NewRegistry(counterMutations, map[string]mutation.Handler[string, *gorm.DB]{
		"increment": mutation.Typed(func(ctx context.Context, input incrementInput, _ string, tx *gorm.DB) error {
			return bump(ctx, tx, input.ID, input.By)
		}),
		"plant": mutation.Typed(func(ctx context.Context, id string, _ string, tx *gorm.DB) error {
			return bump(ctx, tx, id, 100)
		}),
	})
	require.NoError(t, err)
	engine, err := rowversion.NewEngine(rowversion.EngineConfig{
		Schema: counterSchema,
		Source: rowversion.NewSchemaSource(counterSchema, 0),
	})
	require.NoError(t, err)
	service, err := syncserver.NewService(syncserver.ServiceConfig[string]{
		Database: db,
		Engine:   engine,
		Registry: registry,
	})
	require.NoError(t, err)
	return service
}

// serviceTransport calls the server in-process, round-tripping payloads
// through JSON like the HTTP transport does.
type serviceTransport struct {
	service   *syncserver.Service[string]
	user      string
	pullDown  atomic.Bool
	pushDown  atomic.Bool
	pulls     atomic.Int32
	served    atomic.Int32
	pushes    atomic.Int32
	hold      chan struct{}
	afterPull func()
}

func (s *serviceTransport) Pull(ctx context.Context, request protocol.PullRequest) (protocol.PullResponse, error) {
	s.pulls.Add(1)
	if s.pullDown.Load() {
		return protocol.PullResponse{}, protocol.NewTransportError("test.pull", "down", errors.New("connection refused"))
	}
	if s.hold != nil {
		select {
		case <-s.hold:
		case <-ctx.Done():
			return protocol.PullResponse{}, protocol.NewTransportError("test.pull", "cancelled", ctx.Err())
		}
	}
	response, err := s.service.Pull(ctx, syncserver.Caller{UserID: s.user}, request)
	if err != nil {
		return protocol.PullResponse{}, err
	}
	s.served.Add(1)
	payload, err := json.Marshal(response)
	if err != nil {
		return protocol.PullResponse{}, err
	}
	if s.afterPull != nil {
		s.afterPull()
	}
	return protocol.DecodePullResponse(bytes.NewReader(payload))
}

func (s *serviceTransport) Push(ctx context.Context, request protocol.PushRequest) error {
	s.pushes.Add(1)
	if s.pushDown.Load() {
		return protocol.NewTransportError("test.push", "down", errors.New("connection refused"))
	}
	_, err := s.service.Push(ctx, syncserver.Caller{UserID: s.user}, request)
	return err
}

type replicaOptions struct {
	offline       bool
	bulkThreshold int
	failPlant     *atomic.Bool
	pokes         PokeStream
}

type replica struct {
	*Client[string]
	store     *localstore.GormStore
	transport *serviceTransport
}

func newReplica(t *testing.T, service *syncserver.Service[string], options replicaOptions) replica {
	t.Helper()
	store, err := localstore.NewGormStore(openDatabase(t, "replica.db"))
	require.NoError(t, err)
	transport := &serviceTransport{service: service, user: "alice"}
	failPlant := options.failPlant
	if failPlant == nil {
		failPlant = &atomic.Bool{}
	}
	registry, err := mutation.NewRegistry(counterMutations, map[string]mutation.Handler[string, *Tx]{
		"increment": mutation.Typed(func(ctx context.Context, input incrementInput, _ string, tx *Tx) error {
			rows, err := tx.Query(ctx, `SELECT value FROM counters WHERE id = ?`, input.ID)
			if err != nil {
				return err
			}
			value := input.By
			if len(rows) == 1 {
				value += rows[0]["value"].(int64)
			}
			return tx.Upsert(ctx, "counters", schema.Row{"id": input.ID, "value": value, "version": int64(0)})
		}),
		"plant": mutation.Typed(func(ctx context.Context, id string, _ string, tx *Tx) error {
			if failPlant.Load() {
				return errors.New("soil too dry")
			}
			return tx.Insert(ctx, "counters", schema.Row{"id": id, "value": int64(100), "version": int64(0)})
		}),
	})
	require.NoError(t, err)

	instance, err := New(context.Background(), Config[string]{
		Store:         store,
		Schema:        counterSchema,
		Registry:      registry,
		Context:       "alice",
		Transport:     transport,
		Pokes:         options.pokes,
		BulkThreshold: options.bulkThreshold,
		Offline:       options.offline,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = instance.Close() })
	return replica{Client: instance, store: store, transport: transport}
}

func (r replica) counter(t *testing.T, id string) (int64, bool) {
	t.Helper()
	rows, err := r.store.Execute(context.Background(), `SELECT value FROM counters WHERE id = ?`, id)
	require.NoError(t, err)
	if len(rows) == 0 {
		return 0, false
	}
	return rows[0]["value"].(int64), true
}

func (r replica) pending(t *testing.T) int {
	t.Helper()
	entries, err := r.PendingMutations(context.Background())
	require.NoError(t, err)
	return len(entries)
}

// settle waits for the background push started by Mutate.
func (r replica) settle(t *testing.T, pushes int32) {
	t.Helper()
	require.Eventually(t, func() bool { return r.transport.pushes.Load() >= pushes }, 2*time.Second, 5*time.Millisecond)
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(context.Background(), Config[string]{})
	require.ErrorIs(t, err, ErrMissingStore)
	var clientErr *ClientError
	require.ErrorAs(t, err, &clientErr)
	assert.Equal(t, "client.new.missing_store", clientErr.Code())
}

func TestClientIDSurvivesReopen(t *testing.T) {
	db := openDatabase(t, "replica.db")
	store, err := localstore.NewGormStore(db)
	require.NoError(t, err)
	registry, err := mutation.NewRegistry(counterMutations, map[string]mutation.Handler[string, *Tx]{
		"increment": func(context.Context, mutation.Call[string, *Tx]) error { return nil },
		"plant":     func(context.Context, mutation.Call[string, *Tx]) error { return nil },
	})
	require.NoError(t, err)
	cfg := Config[string]{Store: store, Schema: counterSchema, Registry: registry, Transport: &serviceTransport{}, Offline: true}

	first, err := New(context.Background(), cfg)
	require.NoError(t, err)
	second, err := New(context.Background(), cfg)
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID())
	assert.Equal(t, first.ID(), second.ID())
}

func TestMutateAppliesLocallyAndQueues(t *testing.T) {
	r := newReplica(t, newTestServer(t), replicaOptions{offline: true})

	first, err := r.Mutate(context.Background(), "increment", incrementInput{ID: "likes", By: 2})
	require.NoError(t, err)
	second, err := r.Mutate(context.Background(), "increment", incrementInput{ID: "likes", By: 3})
	require.NoError(t, err)

	assert.Equal(t, int64(1), first)
	assert.Equal(t, int64(2), second)
	value, ok := r.counter(t, "likes")
	require.True(t, ok)
	assert.Equal(t, int64(5), value)
	assert.Equal(t, 2, r.pending(t))
}

func TestMutateRejectsInvalidInputWithoutQueueing(t *testing.T) {
	r := newReplica(t, newTestServer(t), replicaOptions{offline: true})

	_, err := r.Mutate(context.Background(), "increment", incrementInput{ID: "likes", By: 0})
	require.Error(t, err)
	assert.Equal(t, protocol.KindValidation, protocol.KindOf(err))

	_, err = r.Mutate(context.Background(), "teleport", nil)
	require.ErrorIs(t, err, mutation.ErrMutationNotFound)
	assert.Equal(t, 0, r.pending(t))
}

func TestMutateHandlerFailureLeavesNothingBehind(t *testing.T) {
	failing := &atomic.Bool{}
	failing.Store(true)
	r := newReplica(t, newTestServer(t), replicaOptions{offline: true, failPlant: failing})

	_, err := r.Mutate(context.Background(), "plant", "tree")
	require.Error(t, err)
	assert.Equal(t, protocol.KindApplication, protocol.KindOf(err))
	assert.Equal(t, 0, r.pending(t))
	_, ok := r.counter(t, "tree")
	assert.False(t, ok)
}

func TestReplicasConverge(t *testing.T) {
	service := newTestServer(t)
	a := newReplica(t, service, replicaOptions{})
	b := newReplica(t, service, replicaOptions{})
	ctx := context.Background()

	_, err := a.Mutate(ctx, "increment", incrementInput{ID: "likes", By: 2})
	require.NoError(t, err)
	_, err = a.Mutate(ctx, "plant", "tree")
	require.NoError(t, err)
	require.NoError(t, a.Push(ctx))
	require.NoError(t, a.Pull(ctx))
	require.NoError(t, b.Pull(ctx))

	for _, r := range []replica{a, b} {
		likes, _ := r.counter(t, "likes")
		tree, _ := r.counter(t, "tree")
		assert.Equal(t, int64(2), likes)
		assert.Equal(t, int64(100), tree)
		assert.Equal(t, 0, r.pending(t))
		assert.Equal(t, StateIdle, r.State())
	}
}

func TestPullRebasesPendingMutations(t *testing.T) {
	service := newTestServer(t)
	a := newReplica(t, service, replicaOptions{})
	b := newReplica(t, service, replicaOptions{})
	ctx := context.Background()

	b.transport.pushDown.Store(true)
	_, err := b.Mutate(ctx, "increment", incrementInput{ID: "likes", By: 3})
	require.NoError(t, err)
	b.settle(t, 1)

	_, err = a.Mutate(ctx, "increment", incrementInput{ID: "likes", By: 2})
	require.NoError(t, err)
	require.NoError(t, a.Push(ctx))

	require.NoError(t, b.Pull(ctx))
	value, _ := b.counter(t, "likes")
	assert.Equal(t, int64(5), value, "server value plus the replayed local increment")
	assert.Equal(t, 1, b.pending(t))

	b.transport.pushDown.Store(false)
	require.NoError(t, b.Push(ctx))
	require.NoError(t, b.Pull(ctx))
	value, _ = b.counter(t, "likes")
	assert.Equal(t, int64(5), value)
	assert.Equal(t, 0, b.pending(t))
}

func TestReplayFailureKeepsMutationQueued(t *testing.T) {
	failing := &atomic.Bool{}
	r := newReplica(t, newTestServer(t), replicaOptions{failPlant: failing})
	ctx := context.Background()
	r.transport.pushDown.Store(true)

	_, err := r.Mutate(ctx, "increment", incrementInput{ID: "likes", By: 1})
	require.NoError(t, err)
	_, err = r.Mutate(ctx, "plant", "tree")
	require.NoError(t, err)
	r.settle(t, 2)

	failing.Store(true)
	require.NoError(t, r.Pull(ctx))

	_, ok := r.counter(t, "tree")
	assert.False(t, ok, "the failed replay left no local effect")
	likes, _ := r.counter(t, "likes")
	assert.Equal(t, int64(1), likes, "later mutations still replay")
	assert.Equal(t, 2, r.pending(t))
	assert.Equal(t, StateIdle, r.State())

	failing.Store(false)
	r.transport.pushDown.Store(false)
	require.NoError(t, r.Push(ctx))
	require.NoError(t, r.Pull(ctx))
	tree, _ := r.counter(t, "tree")
	assert.Equal(t, int64(100), tree)
	assert.Equal(t, 0, r.pending(t))
}

func TestDeltaApplicationLeavesRollbackLogEmpty(t *testing.T) {
	for _, tc := range []struct {
		name      string
		threshold int
	}{
		{name: "incremental", threshold: 100},
		{name: "bulk", threshold: 2},
	} {
		t.Run(tc.name, func(t *testing.T) {
			service := newTestServer(t)
			writer := newReplica(t, service, replicaOptions{})
			ctx := context.Background()
			for index := 0; index < 5; index++ {
				_, err := writer.Mutate(ctx, "increment", incrementInput{ID: fmt.Sprintf("c%d", index), By: int64(index + 1)})
				require.NoError(t, err)
			}
			require.NoError(t, writer.Push(ctx))

			reader := newReplica(t, service, replicaOptions{bulkThreshold: tc.threshold})
			require.NoError(t, reader.Pull(ctx))

			rows, err := reader.Query(ctx, `SELECT id, value FROM counters ORDER BY id`)
			require.NoError(t, err)
			require.Len(t, rows, 5)
			assert.Equal(t, int64(5), rows[4]["value"])
			logged, err := reader.log.Len(ctx, reader.store)
			require.NoError(t, err)
			assert.Zero(t, logged)
			assert.True(t, reader.log.Active())
		})
	}
}

func TestPullRejectsVersionChangedMidFlight(t *testing.T) {
	service := newTestServer(t)
	r := newReplica(t, service, replicaOptions{})
	ctx := context.Background()
	r.transport.afterPull = func() {
		_, err := r.store.Execute(ctx, `UPDATE _tidesync_metadata SET value = '999' WHERE key = 'version'`)
		assert.NoError(t, err)
	}

	err := r.Pull(ctx)
	require.ErrorIs(t, err, ErrVersionMismatch)
	assert.Equal(t, protocol.KindProtocol, protocol.KindOf(err))
	assert.Equal(t, StateFailed, r.State())
}

func TestPullSurfacesTransportErrors(t *testing.T) {
	r := newReplica(t, newTestServer(t), replicaOptions{})
	r.transport.pullDown.Store(true)

	err := r.Pull(context.Background())
	require.Error(t, err)
	assert.Equal(t, protocol.KindTransport, protocol.KindOf(err))
	assert.Equal(t, StateFailed, r.State())
}

func TestConcurrentPullsShareOneRequest(t *testing.T) {
	r := newReplica(t, newTestServer(t), replicaOptions{})
	r.transport.hold = make(chan struct{})

	results := make(chan error, 3)
	var started sync.WaitGroup
	for index := 0; index < 3; index++ {
		started.Add(1)
		go func() {
			started.Done()
			results <- r.Pull(context.Background())
		}()
	}
	started.Wait()
	require.Eventually(t, func() bool { return r.transport.pulls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(r.transport.hold)

	for index := 0; index < 3; index++ {
		require.NoError(t, <-results)
	}
	assert.Equal(t, int32(1), r.transport.pulls.Load())
}

func TestCloseCancelsAndWaitsForInFlightPull(t *testing.T) {
	r := newReplica(t, newTestServer(t), replicaOptions{})
	r.transport.hold = make(chan struct{})
	defer close(r.transport.hold)

	r.Start(context.Background())
	require.Eventually(t, func() bool { return r.transport.pulls.Load() == 1 }, time.Second, time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- r.Close() }()
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}

	assert.Zero(t, r.transport.served.Load(), "no pull reaches the server after Close")
	rows, err := r.store.Execute(context.Background(), `SELECT value FROM _tidesync_metadata WHERE key = 'version'`)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Nil(t, rows[0]["value"], "the cancelled pull applied nothing")

	require.ErrorIs(t, r.Pull(context.Background()), ErrClosed)
}

func TestQueriesRejectWrites(t *testing.T) {
	r := newReplica(t, newTestServer(t), replicaOptions{offline: true})
	ctx := context.Background()
	_, err := r.Mutate(ctx, "increment", incrementInput{ID: "likes", By: 1})
	require.NoError(t, err)

	_, err = r.Query(ctx, `DELETE FROM counters`)
	require.ErrorIs(t, err, ErrWriteQuery)
	assert.Equal(t, protocol.KindValidation, protocol.KindOf(err))

	err = r.store.Transaction(ctx, func(tx localstore.Tx) error {
		_, queryErr := newTx(tx, r.log).Query(ctx, `UPDATE counters SET value = 0`)
		return queryErr
	})
	require.ErrorIs(t, err, ErrWriteQuery)

	value, ok := r.counter(t, "likes")
	require.True(t, ok)
	assert.Equal(t, int64(1), value)
}

func TestOfflineSkipsNetwork(t *testing.T) {
	r := newReplica(t, newTestServer(t), replicaOptions{offline: true})
	ctx := context.Background()
	_, err := r.Mutate(ctx, "increment", incrementInput{ID: "likes", By: 1})
	require.NoError(t, err)

	require.NoError(t, r.Pull(ctx))
	require.NoError(t, r.Push(ctx))
	assert.Zero(t, r.transport.pulls.Load())
	assert.Zero(t, r.transport.pushes.Load())
	assert.False(t, r.Online())
}

func TestGoingOnlinePullsThenPushes(t *testing.T) {
	r := newReplica(t, newTestServer(t), replicaOptions{offline: true})
	_, err := r.Mutate(context.Background(), "increment", incrementInput{ID: "likes", By: 1})
	require.NoError(t, err)

	r.SetOnline(true)
	require.Eventually(t, func() bool {
		return r.transport.pulls.Load() >= 1 && r.transport.pushes.Load() >= 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		if r.Pull(context.Background()) != nil {
			return false
		}
		entries, err := r.PendingMutations(context.Background())
		return err == nil && len(entries) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPushSwallowsTransportErrors(t *testing.T) {
	r := newReplica(t, newTestServer(t), replicaOptions{})
	r.transport.pushDown.Store(true)
	_, err := r.Mutate(context.Background(), "increment", incrementInput{ID: "likes", By: 1})
	require.NoError(t, err)

	require.NoError(t, r.Push(context.Background()))
	assert.Equal(t, 1, r.pending(t))
}

func TestSubscribersReceiveInvalidations(t *testing.T) {
	r := newReplica(t, newTestServer(t), replicaOptions{offline: true})
	events, cancel := r.Subscribe()
	defer cancel()

	_, err := r.Mutate(context.Background(), "increment", incrementInput{ID: "likes", By: 1})
	require.NoError(t, err)

	select {
	case event := <-events:
		assert.Equal(t, Invalidation{Queries: true, PendingMutations: true}, event)
	case <-time.After(time.Second):
		t.Fatal("no invalidation delivered")
	}

	cancel()
	_, open := <-events
	assert.False(t, open)
}

func TestQueryCachesUntilInvalidated(t *testing.T) {
	r := newReplica(t, newTestServer(t), replicaOptions{offline: true})
	ctx := context.Background()
	_, err := r.Mutate(ctx, "increment", incrementInput{ID: "likes", By: 1})
	require.NoError(t, err)

	rows, err := r.Query(ctx, `SELECT value FROM counters WHERE id = ?`, "likes")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rows[0]["value"])

	_, err = r.store.Execute(ctx, `UPDATE counters SET value = 50 WHERE id = 'likes'`)
	require.NoError(t, err)
	rows, err = r.Query(ctx, `SELECT value FROM counters WHERE id = ?`, "likes")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rows[0]["value"], "served from cache")

	_, err = r.Mutate(ctx, "increment", incrementInput{ID: "likes", By: 1})
	require.NoError(t, err)
	rows, err = r.Query(ctx, `SELECT value FROM counters WHERE id = ?`, "likes")
	require.NoError(t, err)
	assert.Equal(t, int64(51), rows[0]["value"])
}

type channelPokes struct {
	pokes chan struct{}
}

func (c channelPokes) Listen(ctx context.Context, onPoke func()) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.pokes:
			onPoke()
		}
	}
}

func TestStartPullsOnPoke(t *testing.T) {
	service := newTestServer(t)
	pokes := channelPokes{pokes: make(chan struct{}, 1)}
	watcher := newReplica(t, service, replicaOptions{pokes: pokes})
	writer := newReplica(t, service, replicaOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watcher.Start(ctx)
	require.Eventually(t, func() bool { return watcher.transport.pulls.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)

	_, err := writer.Mutate(context.Background(), "plant", "tree")
	require.NoError(t, err)
	require.NoError(t, writer.Push(context.Background()))
	pokes.pokes <- struct{}{}

	require.Eventually(t, func() bool {
		rows, err := watcher.store.Execute(context.Background(), `SELECT value FROM counters WHERE id = 'tree'`)
		return err == nil && len(rows) == 1 && rows[0]["value"] == int64(100)
	}, 2*time.Second, 5*time.Millisecond)
}
