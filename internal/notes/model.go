// Package notes is a small note-taking application built on the sync
// engine: a shared schema, the mutations both sides register, and read
// helpers for replicas.
package notes

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tidesync/internal/schema"
)

const (
	TableNotes  = "notes"
	TableLabels = "note_labels"

	maxIdentifierLength = 190
	maxLabelLength      = 64
)

var (
	// ErrInvalidNoteID indicates that a note identifier is empty or exceeds storage bounds.
	ErrInvalidNoteID = errors.New("notes: invalid note id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("notes: invalid user id")
)

// Schema is the synchronized table layout shared by server and replicas.
var Schema = schema.MustNew(
	schema.Table{
		Name: TableNotes,
		Columns: []schema.Column{
			{Name: "id", Type: schema.TypeText},
			{Name: "owner", Type: schema.TypeText},
			{Name: "title", Type: schema.TypeText},
			{Name: "body", Type: schema.TypeText},
			{Name: "pinned", Type: schema.TypeBoolean},
			{Name: "created_at", Type: schema.TypeTimestamp},
			{Name: "updated_at", Type: schema.TypeTimestamp},
			{Name: "version", Type: schema.TypeInteger},
		},
		PrimaryKey: []string{"id"},
	},
	schema.Table{
		Name: TableLabels,
		Columns: []schema.Column{
			{Name: "note_id", Type: schema.TypeText},
			{Name: "label", Type: schema.TypeText},
			{Name: "version", Type: schema.TypeInteger},
		},
		PrimaryKey: []string{"note_id", "label"},
	},
)

// NoteID represents a validated note identifier.
type NoteID string

// NewNoteID validates raw input and returns a NoteID.
func NewNoteID(rawInput string) (NoteID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidNoteID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidNoteID, maxIdentifierLength)
	}
	return NoteID(trimmed), nil
}

func (id NoteID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

func (id UserID) String() string {
	return string(id)
}

// Context is the application context handed to every notes mutation.
type Context struct {
	UserID UserID
}

// Note is the server row of the notes table. Timestamps are unix
// milliseconds.
type Note struct {
	ID              string `gorm:"column:id;primaryKey;size:190"`
	Owner           string `gorm:"column:owner;size:190;not null"`
	Title           string `gorm:"column:title;not null"`
	Body            string `gorm:"column:body;not null"`
	Pinned          bool   `gorm:"column:pinned;not null"`
	CreatedAtMillis int64  `gorm:"column:created_at;not null"`
	UpdatedAtMillis int64  `gorm:"column:updated_at;not null"`
	Version         int64  `gorm:"column:version;not null"`
}

func (Note) TableName() string {
	return TableNotes
}

// NoteLabel attaches a label to a note.
type NoteLabel struct {
	NoteID  string `gorm:"column:note_id;primaryKey"`
	Label   string `gorm:"column:label;primaryKey"`
	Version int64  `gorm:"column:version;not null"`
}

func (NoteLabel) TableName() string {
	return TableLabels
}

// NoteView is a note as read from a replica.
type NoteView struct {
	ID        NoteID
	Owner     UserID
	Title     string
	Body      string
	Pinned    bool
	Labels    []string
	CreatedAt time.Time
	UpdatedAt time.Time
}
