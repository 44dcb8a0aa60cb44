package gate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateServesWaitersInArrivalOrder(t *testing.T) {
	g := New()
	ctx := context.Background()

	_, release, err := g.Acquire(ctx)
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for index := 0; index < 5; index++ {
		wg.Add(1)
		go func(position int) {
			defer wg.Done()
			require.NoError(t, g.Do(ctx, func(context.Context) error {
				mu.Lock()
				order = append(order, position)
				mu.Unlock()
				return nil
			}))
		}(index)
		// Let each waiter enqueue before the next one arrives.
		time.Sleep(20 * time.Millisecond)
	}

	release()
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestGateRejectsReentrantAcquire(t *testing.T) {
	g := New()
	err := g.Do(context.Background(), func(held context.Context) error {
		_, _, nestedErr := g.Acquire(held)
		return nestedErr
	})
	require.ErrorIs(t, err, ErrReentrant)

	// The gate is free again after the failed nested attempt.
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = g.Do(context.Background(), func(context.Context) error { return nil })
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("gate not released")
	}
}

func TestGateAcquireHonoursCancellation(t *testing.T) {
	g := New()
	_, release, err := g.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, _, err = g.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReleaseIsIdempotent(t *testing.T) {
	g := New()
	_, release, err := g.Acquire(context.Background())
	require.NoError(t, err)
	release()
	assert.NotPanics(t, release)
}
