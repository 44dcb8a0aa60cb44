package client

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/MarcoPoloResearchLab/tidesync/internal/localstore"
	"github.com/MarcoPoloResearchLab/tidesync/internal/mutation"
	"github.com/MarcoPoloResearchLab/tidesync/internal/protocol"
	"github.com/MarcoPoloResearchLab/tidesync/internal/schema"
	"go.uber.org/zap"
)

func (c *Client[C]) pull(ctx context.Context) error {
	if !c.online.Load() {
		return nil
	}
	c.setState(StatePulling)

	var version *string
	err := c.gate.Do(ctx, func(held context.Context) error {
		var readErr error
		version, readErr = c.meta.get(held, c.store, metadataVersion)
		return readErr
	})
	if err != nil {
		return c.failPull("version_read_failed", err)
	}

	response, err := c.transport.Pull(ctx, protocol.PullRequest{ClientID: c.id, Version: version})
	if err != nil {
		return c.failPull("request_failed", err)
	}

	err = c.gate.Do(ctx, func(held context.Context) error {
		return c.store.Transaction(held, func(tx localstore.Tx) error {
			return c.reconcile(held, tx, version, response)
		})
	})
	if err != nil {
		return c.failPull("reconcile_failed", err)
	}

	c.setState(StateIdle)
	c.logger.Debug("pull applied",
		zap.String("version", response.Data.Version),
		zap.Bool("clear", response.Data.Clear),
		zap.Int("changes", response.Data.Changes()),
		zap.Int64("last_mutation_id", response.LastProcessedMutationID))
	c.invalidate(Invalidation{Queries: true, PendingMutations: true})
	return nil
}

func (c *Client[C]) failPull(reason string, err error) error {
	c.setState(StateFailed)
	if errors.Is(err, context.Canceled) {
		c.logger.Debug("pull cancelled", zap.String("reason", reason))
		return err
	}
	c.logError(opPull, reason, err)
	return err
}

// reconcile undoes local optimistic writes, applies the server delta, drops
// acknowledged mutations and replays the rest, all inside tx.
func (c *Client[C]) reconcile(ctx context.Context, tx localstore.Tx, requested *string, response protocol.PullResponse) error {
	current, err := c.meta.get(ctx, tx, metadataVersion)
	if err != nil {
		return err
	}
	if !sameVersion(current, requested) {
		return protocol.NewProtocolError(opApply, "version_mismatch",
			fmt.Errorf("%w: requested %s, stored %s", ErrVersionMismatch, describeVersion(requested), describeVersion(current)))
	}

	c.setState(StateApplying)
	if _, err := c.log.Rollback(ctx, tx); err != nil {
		return fmt.Errorf("rollback optimistic writes: %w", err)
	}
	if err := c.applyDelta(ctx, tx, response.Data); err != nil {
		return fmt.Errorf("apply delta: %w", err)
	}
	if err := c.meta.set(ctx, tx, metadataVersion, response.Data.Version); err != nil {
		return err
	}
	if err := c.queue.DeleteUpTo(ctx, tx, response.LastProcessedMutationID); err != nil {
		return err
	}

	c.setState(StateReplaying)
	return c.replay(ctx, tx)
}

// applyDelta writes the server delta. Small deltas go through the rollback
// log like any other write and the log is reset afterwards; large deltas are
// executed as one batch with capture off.
func (c *Client[C]) applyDelta(ctx context.Context, tx localstore.Tx, data protocol.PullData) error {
	if c.log.IsBulk(data.Changes()) {
		statements, err := c.deltaStatements(data)
		if err != nil {
			return err
		}
		c.log.Deactivate()
		defer c.log.Activate()
		if len(statements) == 0 {
			return nil
		}
		_, err = tx.ExecuteBatch(ctx, statements)
		return err
	}

	if data.Clear {
		if _, err := tx.ExecuteBatch(ctx, c.clearStatements()); err != nil {
			return err
		}
	}
	for _, name := range sortedTables(data.Entities) {
		table, ok := c.schema.Table(name)
		if !ok {
			return fmt.Errorf("%w: %s", schema.ErrUnknownTable, name)
		}
		delta := data.Entities[name]
		for _, id := range delta.Delete {
			key, err := table.KeyFromDeleteID(id)
			if err != nil {
				return err
			}
			if err := c.log.Delete(ctx, tx, name, key); err != nil {
				return err
			}
		}
		for _, row := range delta.Set {
			if err := c.log.Upsert(ctx, tx, name, row); err != nil {
				return err
			}
		}
	}
	return c.log.Clear(ctx, tx)
}

func (c *Client[C]) deltaStatements(data protocol.PullData) ([]localstore.Statement, error) {
	var statements []localstore.Statement
	if data.Clear {
		statements = append(statements, c.clearStatements()...)
	}
	for _, name := range sortedTables(data.Entities) {
		table, ok := c.schema.Table(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s", schema.ErrUnknownTable, name)
		}
		delta := data.Entities[name]
		for _, id := range delta.Delete {
			key, err := table.KeyFromDeleteID(id)
			if err != nil {
				return nil, err
			}
			query, args, err := table.DeleteSQL(key)
			if err != nil {
				return nil, err
			}
			statements = append(statements, localstore.Statement{SQL: query, Args: args})
		}
		for _, row := range delta.Set {
			stored, err := table.DecodeRow(row)
			if err != nil {
				return nil, err
			}
			query, args, err := table.ReplaceSQL(stored)
			if err != nil {
				return nil, err
			}
			statements = append(statements, localstore.Statement{SQL: query, Args: args})
		}
	}
	return statements, nil
}

func (c *Client[C]) clearStatements() []localstore.Statement {
	tables := c.schema.Tables()
	statements := make([]localstore.Statement, 0, len(tables))
	for _, table := range tables {
		statements = append(statements, localstore.Statement{SQL: table.ClearSQL()})
	}
	return statements
}

// replay re-runs every still-queued mutation on top of the fresh server
// state. Each runs in a savepoint; a failing handler leaves no local effect
// but its mutation stays queued for the server to decide.
func (c *Client[C]) replay(ctx context.Context, tx localstore.Tx) error {
	entries, err := c.queue.All(ctx, tx)
	if err != nil {
		return err
	}
	for _, queued := range entries {
		entry, err := c.registry.Lookup(queued.Name)
		if err != nil {
			return protocol.NewApplicationError(opApply, "mutation_not_found", err)
		}
		input, err := entry.Parse(queued.Input)
		if err != nil {
			c.logger.Warn("queued mutation has invalid input, not replayed",
				zap.Int64("mutation_id", queued.ID),
				zap.String("mutation", queued.Name),
				zap.Error(err))
			continue
		}
		err = tx.Transaction(ctx, func(nested localstore.Tx) error {
			return entry.Execute(ctx, mutation.Call[C, *Tx]{
				ID:      queued.ID,
				Input:   input,
				Context: c.appContext,
				Tx:      newTx(nested, c.log),
			})
		})
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			c.logger.Warn("mutation replay failed",
				zap.Int64("mutation_id", queued.ID),
				zap.String("mutation", queued.Name),
				zap.Error(err))
		}
	}
	if len(entries) > 0 {
		c.logger.Debug("queued mutations replayed", zap.Int("mutations", len(entries)))
	}
	return nil
}

func sortedTables(entities map[string]protocol.EntityDelta) []string {
	names := make([]string, 0, len(entities))
	for name := range entities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func describeVersion(version *string) string {
	if version == nil {
		return "none"
	}
	return *version
}
