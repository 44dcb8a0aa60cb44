package notes

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/tidesync/internal/mutation"
	"github.com/MarcoPoloResearchLab/tidesync/internal/syncserver"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDefinitions = errors.New("mutation definitions are required")
	noOpLogger            = zap.NewNop()
)

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

const (
	opServiceNew = "notes.service.new"
	opNewContext = "notes.new_context"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Definitions *mutation.Set
	Logger      *zap.Logger
}

// Service holds the authoritative server-side notes mutations. Every handler
// bumps the version of each row it writes. Edits to notes that no longer
// exist, or that belong to someone else, are accepted as no-ops so one stale
// replica cannot wedge its own queue.
type Service struct {
	definitions *mutation.Set
	logger      *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Definitions == nil {
		return nil, newServiceError(opServiceNew, "missing_definitions", errMissingDefinitions)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{definitions: cfg.Definitions, logger: logger}, nil
}

// Registry binds the server handlers to the shared definitions.
func (s *Service) Registry() (*mutation.Registry[Context, *gorm.DB], error) {
	return mutation.NewRegistry(s.definitions, map[string]mutation.Handler[Context, *gorm.DB]{
		MutationCreateNote:  mutation.Typed(s.createNote),
		MutationUpdateNote:  mutation.Typed(s.updateNote),
		MutationPinNote:     mutation.Typed(s.pinNote),
		MutationDeleteNote:  mutation.Typed(s.deleteNote),
		MutationLabelNote:   mutation.Typed(s.labelNote),
		MutationUnlabelNote: mutation.Typed(s.unlabelNote),
	})
}

// NewContext derives the mutation context from an authenticated caller.
func NewContext(_ context.Context, caller syncserver.Caller) (Context, error) {
	userID, err := NewUserID(caller.UserID)
	if err != nil {
		return Context{}, newServiceError(opNewContext, "invalid_user", err)
	}
	return Context{UserID: userID}, nil
}

func (s *Service) createNote(ctx context.Context, input CreateNoteInput, app Context, tx *gorm.DB) error {
	createdAt := input.CreatedAt.UTC().UnixMilli()
	note := Note{
		ID:              input.ID.String(),
		Owner:           app.UserID.String(),
		Title:           input.Title,
		Body:            input.Body,
		CreatedAtMillis: createdAt,
		UpdatedAtMillis: createdAt,
		Version:         1,
	}
	return tx.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&note).Error
}

func (s *Service) updateNote(ctx context.Context, input UpdateNoteInput, app Context, tx *gorm.DB) error {
	updates := map[string]any{
		"updated_at": input.UpdatedAt.UTC().UnixMilli(),
		"version":    gorm.Expr("version + 1"),
	}
	if input.Title != nil {
		updates["title"] = *input.Title
	}
	if input.Body != nil {
		updates["body"] = *input.Body
	}
	return s.updateOwned(ctx, tx, app, input.ID, updates)
}

func (s *Service) pinNote(ctx context.Context, input PinNoteInput, app Context, tx *gorm.DB) error {
	return s.updateOwned(ctx, tx, app, input.ID, map[string]any{
		"pinned":     input.Pinned,
		"updated_at": input.UpdatedAt.UTC().UnixMilli(),
		"version":    gorm.Expr("version + 1"),
	})
}

func (s *Service) deleteNote(ctx context.Context, id NoteID, app Context, tx *gorm.DB) error {
	result := tx.WithContext(ctx).
		Where("id = ? AND owner = ?", id.String(), app.UserID.String()).
		Delete(&Note{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		s.skipped(MutationDeleteNote, id, app)
		return nil
	}
	return tx.WithContext(ctx).Where("note_id = ?", id.String()).Delete(&NoteLabel{}).Error
}

func (s *Service) labelNote(ctx context.Context, input LabelInput, app Context, tx *gorm.DB) error {
	owned, err := s.owns(ctx, tx, app, input.NoteID)
	if err != nil || !owned {
		return err
	}
	return tx.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&NoteLabel{NoteID: input.NoteID.String(), Label: input.Label, Version: 1}).Error
}

func (s *Service) unlabelNote(ctx context.Context, input LabelInput, app Context, tx *gorm.DB) error {
	owned, err := s.owns(ctx, tx, app, input.NoteID)
	if err != nil || !owned {
		return err
	}
	return tx.WithContext(ctx).
		Where("note_id = ? AND label = ?", input.NoteID.String(), input.Label).
		Delete(&NoteLabel{}).Error
}

func (s *Service) updateOwned(ctx context.Context, tx *gorm.DB, app Context, id NoteID, updates map[string]any) error {
	result := tx.WithContext(ctx).
		Model(&Note{}).
		Where("id = ? AND owner = ?", id.String(), app.UserID.String()).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		s.skipped("update", id, app)
	}
	return nil
}

func (s *Service) owns(ctx context.Context, tx *gorm.DB, app Context, id NoteID) (bool, error) {
	var count int64
	err := tx.WithContext(ctx).
		Model(&Note{}).
		Where("id = ? AND owner = ?", id.String(), app.UserID.String()).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	if count == 0 {
		s.skipped("label", id, app)
	}
	return count > 0, nil
}

func (s *Service) skipped(operation string, id NoteID, app Context) {
	s.logger.Debug("note mutation skipped, note missing or not owned",
		zap.String("operation", operation),
		zap.String("note_id", id.String()),
		zap.String("user_id", app.UserID.String()))
}
