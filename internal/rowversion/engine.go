// Package rowversion computes per-client deltas between the view a client
// last acknowledged and the current server state.
package rowversion

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/tidesync/internal/protocol"
	"github.com/MarcoPoloResearchLab/tidesync/internal/schema"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	opEngineNew = "rowversion.engine.new"
	opDiff      = "rowversion.diff"
)

var (
	ErrMissingSource   = errors.New("rowversion: source is required")
	ErrMissingClientID = errors.New("rowversion: client id is required")
	ErrInvalidVersion  = errors.New("rowversion: invalid version")
	noOpLogger         = zap.NewNop()
)

// EngineError reports a failed diff with a `<operation>.<reason>` code.
type EngineError struct {
	code string
	err  error
}

func (e *EngineError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *EngineError) Unwrap() error {
	return e.err
}

func (e *EngineError) Code() string {
	return e.code
}

func newEngineError(operation, reason string, cause error) error {
	return &EngineError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// ClientView is one immutable generation of what a client was told.
type ClientView struct {
	ClientID         string `gorm:"column:client_id;primaryKey;size:128"`
	ViewID           int64  `gorm:"column:view_id;primaryKey;autoIncrement:false"`
	EntriesJSON      string `gorm:"column:entries;type:text;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

func (ClientView) TableName() string {
	return "sync_client_views"
}

// EngineConfig configures an Engine.
type EngineConfig struct {
	Schema schema.Schema
	Source Source
	Clock  func() time.Time
	Logger *zap.Logger
}

// Engine is the row-version diff engine.
type Engine struct {
	schema schema.Schema
	source Source
	clock  func() time.Time
	logger *zap.Logger
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Source == nil {
		return nil, newEngineError(opEngineNew, "missing_source", ErrMissingSource)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Engine{schema: cfg.Schema, source: cfg.Source, clock: clock, logger: logger}, nil
}

// ParseVersion parses a claimed view version. Nil means no view.
func ParseVersion(claimed *string) (int64, bool, error) {
	if claimed == nil {
		return 0, false, nil
	}
	version, err := strconv.ParseInt(*claimed, 10, 64)
	if err != nil || version < 0 {
		return 0, false, protocol.NewValidationError(opDiff, "invalid_version",
			fmt.Errorf("%w: %q", ErrInvalidVersion, *claimed),
			protocol.Issue{Path: "version", Message: "must be a non-negative integer"})
	}
	return version, true, nil
}

// Diff computes the delta for clientID inside tx and, unless nothing changed,
// persists a new view generation and prunes generations older than the
// claimed one.
func (e *Engine) Diff(ctx context.Context, tx *gorm.DB, clientID string, claimed *string) (protocol.PullData, error) {
	if clientID == "" {
		return protocol.PullData{}, newEngineError(opDiff, "missing_client_id", ErrMissingClientID)
	}
	version, hasVersion, err := ParseVersion(claimed)
	if err != nil {
		return protocol.PullData{}, err
	}

	var (
		prior   View
		current View
	)
	group, groupCtx := errgroup.WithContext(ctx)
	if hasVersion {
		group.Go(func() error {
			var loadErr error
			prior, loadErr = e.loadView(groupCtx, tx, clientID, version)
			return loadErr
		})
	}
	group.Go(func() error {
		var fetchErr error
		current, fetchErr = e.source.FetchView(groupCtx, tx)
		return fetchErr
	})
	if err := group.Wait(); err != nil {
		e.logError(opDiff, "fetch_views_failed", err, zap.String("client_id", clientID))
		return protocol.PullData{}, newEngineError(opDiff, "fetch_views_failed", err)
	}

	put, deleted := diffViews(prior, current)
	if prior != nil && len(put) == 0 && len(deleted) == 0 {
		return protocol.PullData{Clear: false, Entities: map[string]protocol.EntityDelta{}, Version: strconv.FormatInt(version, 10)}, nil
	}

	rows, err := e.source.FetchEntities(ctx, tx, put)
	if err != nil {
		e.logError(opDiff, "fetch_entities_failed", err, zap.String("client_id", clientID))
		return protocol.PullData{}, newEngineError(opDiff, "fetch_entities_failed", err)
	}

	next, err := e.nextViewID(ctx, tx, clientID, version)
	if err != nil {
		return protocol.PullData{}, err
	}
	if err := e.storeView(ctx, tx, clientID, next, current); err != nil {
		return protocol.PullData{}, err
	}
	cutoff := next - 1
	if hasVersion {
		cutoff = version
	}
	if err := tx.WithContext(ctx).
		Where("client_id = ? AND view_id < ?", clientID, cutoff).
		Delete(&ClientView{}).Error; err != nil {
		e.logError(opDiff, "prune_views_failed", err, zap.String("client_id", clientID))
		return protocol.PullData{}, newEngineError(opDiff, "prune_views_failed", err)
	}

	entities, err := e.buildEntities(rows, deleted)
	if err != nil {
		return protocol.PullData{}, newEngineError(opDiff, "encode_entities_failed", err)
	}
	return protocol.PullData{
		Clear:    prior == nil,
		Entities: entities,
		Version:  strconv.FormatInt(next, 10),
	}, nil
}

// diffViews returns the ids to put (new or version changed) and to delete
// (present before, gone now), per table, in sorted order.
func diffViews(prior, current View) (map[string][]string, map[string][]string) {
	put := make(map[string][]string)
	deleted := make(map[string][]string)
	for table, entries := range current {
		previous := prior[table]
		for id, version := range entries {
			if known, ok := previous[id]; !ok || known != version {
				put[table] = append(put[table], id)
			}
		}
	}
	for table, entries := range prior {
		present := current[table]
		for id := range entries {
			if _, ok := present[id]; !ok {
				deleted[table] = append(deleted[table], id)
			}
		}
	}
	for _, ids := range put {
		sort.Strings(ids)
	}
	for _, ids := range deleted {
		sort.Strings(ids)
	}
	return put, deleted
}

func (e *Engine) buildEntities(rows map[string][]schema.Row, deleted map[string][]string) (map[string]protocol.EntityDelta, error) {
	entities := make(map[string]protocol.EntityDelta)
	touch := func(name string) protocol.EntityDelta {
		delta, ok := entities[name]
		if !ok {
			delta = protocol.EntityDelta{Set: []schema.Row{}, Delete: []any{}}
		}
		return delta
	}
	for name, tableRows := range rows {
		if len(tableRows) == 0 {
			continue
		}
		table, ok := e.schema.Table(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s", schema.ErrUnknownTable, name)
		}
		delta := touch(name)
		for _, row := range tableRows {
			encoded, err := table.EncodeRow(row)
			if err != nil {
				return nil, err
			}
			delta.Set = append(delta.Set, encoded)
		}
		entities[name] = delta
	}
	for name, ids := range deleted {
		table, ok := e.schema.Table(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s", schema.ErrUnknownTable, name)
		}
		delta := touch(name)
		for _, id := range ids {
			deleteID, err := table.DeleteID(id)
			if err != nil {
				return nil, err
			}
			delta.Delete = append(delta.Delete, deleteID)
		}
		entities[name] = delta
	}
	return entities, nil
}

func (e *Engine) loadView(ctx context.Context, tx *gorm.DB, clientID string, version int64) (View, error) {
	var record ClientView
	err := tx.WithContext(ctx).
		Where("client_id = ? AND view_id = ?", clientID, version).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		e.logger.Info("client view not found, sending full snapshot",
			zap.String("client_id", clientID),
			zap.Int64("version", version))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	view := View{}
	if err := json.Unmarshal([]byte(record.EntriesJSON), &view); err != nil {
		return nil, err
	}
	return view, nil
}

func (e *Engine) nextViewID(ctx context.Context, tx *gorm.DB, clientID string, claimed int64) (int64, error) {
	var latest sql.NullInt64
	err := tx.WithContext(ctx).
		Model(&ClientView{}).
		Where("client_id = ?", clientID).
		Select("MAX(view_id)").
		Scan(&latest).Error
	if err != nil {
		e.logError(opDiff, "view_sequence_failed", err, zap.String("client_id", clientID))
		return 0, newEngineError(opDiff, "view_sequence_failed", err)
	}
	next := claimed
	if latest.Valid && latest.Int64 > next {
		next = latest.Int64
	}
	return next + 1, nil
}

func (e *Engine) storeView(ctx context.Context, tx *gorm.DB, clientID string, viewID int64, view View) error {
	encoded, err := json.Marshal(view)
	if err != nil {
		return newEngineError(opDiff, "encode_view_failed", err)
	}
	record := ClientView{
		ClientID:         clientID,
		ViewID:           viewID,
		EntriesJSON:      string(encoded),
		CreatedAtSeconds: e.clock().UTC().Unix(),
	}
	if err := tx.WithContext(ctx).Create(&record).Error; err != nil {
		e.logError(opDiff, "store_view_failed", err, zap.String("client_id", clientID), zap.Int64("view_id", viewID))
		return newEngineError(opDiff, "store_view_failed", err)
	}
	return nil
}

func (e *Engine) logError(operation, reason string, err error, fields ...zap.Field) {
	if e.logger == nil || err == nil {
		return
	}
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	e.logger.Error("row version diff failure", allFields...)
}
