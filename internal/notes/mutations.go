package notes

import (
	"time"

	"github.com/MarcoPoloResearchLab/tidesync/internal/mutation"
)

const (
	MutationCreateNote  = "createNote"
	MutationUpdateNote  = "updateNote"
	MutationPinNote     = "pinNote"
	MutationDeleteNote  = "deleteNote"
	MutationLabelNote   = "labelNote"
	MutationUnlabelNote = "unlabelNote"
)

type CreateNoteInput struct {
	ID        NoteID    `json:"id" validate:"required,max=190"`
	Title     string    `json:"title" validate:"max=200"`
	Body      string    `json:"body" validate:"max=65536"`
	CreatedAt time.Time `json:"createdAt" validate:"required"`
}

// UpdateNoteInput changes the fields that are set.
type UpdateNoteInput struct {
	ID        NoteID    `json:"id" validate:"required,max=190"`
	Title     *string   `json:"title,omitempty" validate:"omitnil,max=200"`
	Body      *string   `json:"body,omitempty" validate:"omitnil,max=65536"`
	UpdatedAt time.Time `json:"updatedAt" validate:"required"`
}

type PinNoteInput struct {
	ID        NoteID    `json:"id" validate:"required,max=190"`
	Pinned    bool      `json:"pinned"`
	UpdatedAt time.Time `json:"updatedAt" validate:"required"`
}

type LabelInput struct {
	NoteID NoteID `json:"noteId" validate:"required,max=190"`
	Label  string `json:"label" validate:"required,max=64,printascii"`
}

// Definitions returns the mutation set shared by the server and replicas.
// deleteNote takes the bare note id.
func Definitions() (*mutation.Set, error) {
	return mutation.Define(
		mutation.Definition{Name: MutationCreateNote, Input: mutation.JSONInput[CreateNoteInput]()},
		mutation.Definition{Name: MutationUpdateNote, Input: mutation.JSONInput[UpdateNoteInput]()},
		mutation.Definition{Name: MutationPinNote, Input: mutation.JSONInput[PinNoteInput]()},
		mutation.Definition{Name: MutationDeleteNote, Input: mutation.ScalarInput[NoteID]("required,max=190")},
		mutation.Definition{Name: MutationLabelNote, Input: mutation.JSONInput[LabelInput]()},
		mutation.Definition{Name: MutationUnlabelNote, Input: mutation.JSONInput[LabelInput]()},
	)
}
