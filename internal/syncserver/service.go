// Package syncserver applies pushed mutations and answers pulls against the
// authoritative server database.
package syncserver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/tidesync/internal/mutation"
	"github.com/MarcoPoloResearchLab/tidesync/internal/protocol"
	"github.com/MarcoPoloResearchLab/tidesync/internal/rowversion"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew = "syncserver.service.new"
	opPull       = "syncserver.pull"
	opPush       = "syncserver.push"
	tracerName   = "github.com/MarcoPoloResearchLab/tidesync/internal/syncserver"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingEngine   = errors.New("row version engine is required")
	errMissingRegistry = errors.New("mutation registry is required")
	errMissingUserID   = errors.New("user identifier is required")

	// ErrMutationFromFuture reports a pushed id beyond the next expected one.
	ErrMutationFromFuture = errors.New("syncserver: mutation from the future")
	// ErrClientOwnership reports a client id registered to another user.
	ErrClientOwnership = errors.New("syncserver: client belongs to another user")

	noOpLogger = zap.NewNop()
)

// ServiceError reports a failed construction with a `<operation>.<reason>` code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Caller identifies who issued a request.
type Caller struct {
	UserID    string
	RequestID string
}

// Poke announces that pushed mutations changed server state.
type Poke struct {
	UserID    string
	ClientID  string
	Applied   int
	Timestamp time.Time
}

// Notifier fans pokes out to subscribed replicas. Notify must not block.
type Notifier interface {
	Notify(ctx context.Context, poke Poke)
}

// ContextFactory builds the application context handed to mutation handlers.
type ContextFactory[C any] func(ctx context.Context, caller Caller) (C, error)

// ServiceConfig configures a Service.
type ServiceConfig[C any] struct {
	Database   *gorm.DB
	Engine     *rowversion.Engine
	Registry   *mutation.Registry[C, *gorm.DB]
	NewContext ContextFactory[C]
	Notifier   Notifier
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service is the pull/push protocol handler.
type Service[C any] struct {
	db         *gorm.DB
	engine     *rowversion.Engine
	registry   *mutation.Registry[C, *gorm.DB]
	newContext ContextFactory[C]
	notifier   Notifier
	clock      func() time.Time
	logger     *zap.Logger
	tracer     trace.Tracer
}

// PushResult summarizes a push.
type PushResult struct {
	Applied int
	Skipped int
	Invalid int
}

func NewService[C any](cfg ServiceConfig[C]) (*Service[C], error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Engine == nil {
		return nil, newServiceError(opServiceNew, "missing_engine", errMissingEngine)
	}
	if cfg.Registry == nil {
		return nil, newServiceError(opServiceNew, "missing_registry", errMissingRegistry)
	}
	newContext := cfg.NewContext
	if newContext == nil {
		newContext = func(context.Context, Caller) (C, error) {
			var zero C
			return zero, nil
		}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service[C]{
		db:         cfg.Database,
		engine:     cfg.Engine,
		registry:   cfg.Registry,
		newContext: newContext,
		notifier:   cfg.Notifier,
		clock:      clock,
		logger:     logger,
		tracer:     otel.Tracer(tracerName),
	}, nil
}

// Pull returns the delta for the requesting client and its mutation cursor,
// all read inside one transaction.
func (s *Service[C]) Pull(ctx context.Context, caller Caller, request protocol.PullRequest) (response protocol.PullResponse, err error) {
	ctx, span := s.tracer.Start(ctx, opPull, trace.WithAttributes(
		attribute.String("sync.client_id", request.ClientID),
		attribute.String("sync.user_id", caller.UserID),
	))
	defer func() { endSpan(span, err) }()

	if caller.UserID == "" {
		return protocol.PullResponse{}, protocol.NewValidationError(opPull, "missing_user", errMissingUserID)
	}
	if err := request.Validate(); err != nil {
		return protocol.PullResponse{}, err
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		client, err := s.loadClient(ctx, tx, opPull, request.ClientID, caller.UserID)
		if err != nil {
			return err
		}
		data, err := s.engine.Diff(ctx, tx, request.ClientID, request.Version)
		if err != nil {
			return err
		}
		response = protocol.PullResponse{Data: data, LastProcessedMutationID: client.MutationID}
		return nil
	})
	if txErr != nil {
		s.logError(opPull, "transaction_failed", txErr, zap.String("client_id", request.ClientID))
		return protocol.PullResponse{}, txErr
	}
	span.SetAttributes(
		attribute.Bool("sync.clear", response.Data.Clear),
		attribute.String("sync.version", response.Data.Version),
		attribute.Int("sync.changes", response.Data.Changes()),
	)
	return response, nil
}

// Push applies mutations strictly in request order, each in its own
// transaction. Mutations already processed are skipped; mutations whose input
// fails validation are skipped but still advance the client's cursor.
func (s *Service[C]) Push(ctx context.Context, caller Caller, request protocol.PushRequest) (result PushResult, err error) {
	ctx, span := s.tracer.Start(ctx, opPush, trace.WithAttributes(
		attribute.String("sync.client_id", request.ClientID),
		attribute.String("sync.user_id", caller.UserID),
		attribute.Int("sync.mutations", len(request.Mutations)),
	))
	defer func() { endSpan(span, err) }()

	if caller.UserID == "" {
		return PushResult{}, protocol.NewValidationError(opPush, "missing_user", errMissingUserID)
	}
	if err := request.Validate(); err != nil {
		return PushResult{}, err
	}
	app, err := s.newContext(ctx, caller)
	if err != nil {
		s.logError(opPush, "context_failed", err)
		return PushResult{}, err
	}

	for _, pushed := range request.Mutations {
		outcome, err := s.applyMutation(ctx, caller, app, request.ClientID, pushed)
		if err != nil {
			s.logError(opPush, "mutation_failed", err,
				zap.String("client_id", request.ClientID),
				zap.Int64("mutation_id", pushed.ID),
				zap.String("mutation", pushed.Name))
			return result, err
		}
		switch outcome {
		case outcomeApplied:
			result.Applied++
		case outcomeSkipped:
			result.Skipped++
		case outcomeInvalid:
			result.Invalid++
		}
	}

	if s.notifier != nil {
		s.notifier.Notify(ctx, Poke{
			UserID:    caller.UserID,
			ClientID:  request.ClientID,
			Applied:   result.Applied,
			Timestamp: s.clock().UTC(),
		})
	}
	return result, nil
}

type mutationOutcome int

const (
	outcomeApplied mutationOutcome = iota
	outcomeSkipped
	outcomeInvalid
)

func (s *Service[C]) applyMutation(ctx context.Context, caller Caller, app C, clientID string, pushed protocol.Mutation) (mutationOutcome, error) {
	var outcome mutationOutcome
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entry, err := s.registry.Lookup(pushed.Name)
		if err != nil {
			return protocol.NewApplicationError(opPush, "mutation_not_found", err)
		}
		client, err := s.loadClient(ctx, tx, opPush, clientID, caller.UserID)
		if err != nil {
			return err
		}
		expected := client.MutationID + 1
		if pushed.ID < expected {
			outcome = outcomeSkipped
			s.logger.Debug("mutation already processed",
				zap.String("client_id", clientID),
				zap.Int64("mutation_id", pushed.ID))
			return nil
		}
		if pushed.ID > expected {
			return protocol.NewProtocolError(opPush, "mutation_from_future",
				fmt.Errorf("%w: mutation %d, expected %d", ErrMutationFromFuture, pushed.ID, expected))
		}

		input, parseErr := entry.Parse(pushed.Input)
		if parseErr != nil {
			outcome = outcomeInvalid
			s.logger.Warn("skipping mutation with invalid input",
				zap.String("client_id", clientID),
				zap.Int64("mutation_id", pushed.ID),
				zap.String("mutation", pushed.Name),
				zap.Error(parseErr))
		} else {
			call := mutation.Call[C, *gorm.DB]{ID: pushed.ID, Input: input, Context: app, Tx: tx}
			if err := entry.Execute(ctx, call); err != nil {
				return protocol.NewApplicationError(opPush, "handler_failed", err)
			}
			outcome = outcomeApplied
		}
		return s.advanceClient(ctx, tx, clientID, expected)
	})
	return outcome, err
}

func (s *Service[C]) loadClient(ctx context.Context, tx *gorm.DB, operation, clientID, userID string) (ClientRecord, error) {
	var record ClientRecord
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", clientID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		now := s.clock().UTC().Unix()
		record = ClientRecord{
			ID:               clientID,
			UserID:           userID,
			MutationID:       0,
			CreatedAtSeconds: now,
			UpdatedAtSeconds: now,
		}
		if err := tx.WithContext(ctx).Create(&record).Error; err != nil {
			return ClientRecord{}, newServiceError(operation, "client_create_failed", err)
		}
		return record, nil
	}
	if err != nil {
		return ClientRecord{}, newServiceError(operation, "client_select_failed", err)
	}
	if record.UserID != userID {
		return ClientRecord{}, protocol.NewProtocolError(operation, "client_ownership",
			fmt.Errorf("%w: %s", ErrClientOwnership, clientID))
	}
	return record, nil
}

func (s *Service[C]) advanceClient(ctx context.Context, tx *gorm.DB, clientID string, mutationID int64) error {
	err := tx.WithContext(ctx).
		Model(&ClientRecord{}).
		Where("id = ?", clientID).
		Updates(map[string]any{
			"mutation_id":  mutationID,
			"updated_at_s": s.clock().UTC().Unix(),
		}).Error
	if err != nil {
		return newServiceError(opPush, "client_update_failed", err)
	}
	return nil
}

func (s *Service[C]) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("sync service error", attrs...)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
