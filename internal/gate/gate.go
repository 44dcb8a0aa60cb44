// Package gate serializes every local-store transaction of a replica.
package gate

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"
)

var ErrReentrant = errors.New("gate: already held by this call chain")

type holderKey struct {
	gate *Gate
}

// Gate is a FIFO, non-reentrant mutual exclusion lock. Waiters are served in
// arrival order. A context returned by Acquire carries the hold, so a nested
// Acquire on the same chain fails with ErrReentrant instead of deadlocking.
type Gate struct {
	slots *semaphore.Weighted
}

func New() *Gate {
	return &Gate{slots: semaphore.NewWeighted(1)}
}

// Acquire blocks until the gate is free or ctx is done. The returned release
// function is idempotent.
func (g *Gate) Acquire(ctx context.Context) (context.Context, func(), error) {
	if ctx.Value(holderKey{gate: g}) != nil {
		return ctx, func() {}, ErrReentrant
	}
	if err := g.slots.Acquire(ctx, 1); err != nil {
		return ctx, func() {}, err
	}
	var once sync.Once
	release := func() {
		once.Do(func() { g.slots.Release(1) })
	}
	return context.WithValue(ctx, holderKey{gate: g}, struct{}{}), release, nil
}

// Do runs fn while holding the gate.
func (g *Gate) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	held, release, err := g.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn(held)
}
