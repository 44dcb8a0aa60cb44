package notes

import (
	"context"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/tidesync/internal/client"
	"github.com/MarcoPoloResearchLab/tidesync/internal/mutation"
	"github.com/MarcoPoloResearchLab/tidesync/internal/schema"
)

// ReplicaRegistry binds the optimistic replica handlers to the shared
// definitions. They mirror the server handlers against the local store;
// versions are left to the server.
func ReplicaRegistry(definitions *mutation.Set) (*mutation.Registry[Context, *client.Tx], error) {
	return mutation.NewRegistry(definitions, map[string]mutation.Handler[Context, *client.Tx]{
		MutationCreateNote:  mutation.Typed(createNoteLocally),
		MutationUpdateNote:  mutation.Typed(updateNoteLocally),
		MutationPinNote:     mutation.Typed(pinNoteLocally),
		MutationDeleteNote:  mutation.Typed(deleteNoteLocally),
		MutationLabelNote:   mutation.Typed(labelNoteLocally),
		MutationUnlabelNote: mutation.Typed(unlabelNoteLocally),
	})
}

func createNoteLocally(ctx context.Context, input CreateNoteInput, app Context, tx *client.Tx) error {
	exists, err := noteExists(ctx, tx, input.ID, "")
	if err != nil || exists {
		return err
	}
	return tx.Insert(ctx, TableNotes, schema.Row{
		"id":         input.ID.String(),
		"owner":      app.UserID.String(),
		"title":      input.Title,
		"body":       input.Body,
		"pinned":     false,
		"created_at": input.CreatedAt,
		"updated_at": input.CreatedAt,
		"version":    int64(0),
	})
}

func updateNoteLocally(ctx context.Context, input UpdateNoteInput, app Context, tx *client.Tx) error {
	owned, err := noteExists(ctx, tx, input.ID, app.UserID)
	if err != nil || !owned {
		return err
	}
	values := schema.Row{"updated_at": input.UpdatedAt}
	if input.Title != nil {
		values["title"] = *input.Title
	}
	if input.Body != nil {
		values["body"] = *input.Body
	}
	return tx.Update(ctx, TableNotes, schema.Row{"id": input.ID.String()}, values)
}

func pinNoteLocally(ctx context.Context, input PinNoteInput, app Context, tx *client.Tx) error {
	owned, err := noteExists(ctx, tx, input.ID, app.UserID)
	if err != nil || !owned {
		return err
	}
	return tx.Update(ctx, TableNotes, schema.Row{"id": input.ID.String()}, schema.Row{
		"pinned":     input.Pinned,
		"updated_at": input.UpdatedAt,
	})
}

func deleteNoteLocally(ctx context.Context, id NoteID, app Context, tx *client.Tx) error {
	owned, err := noteExists(ctx, tx, id, app.UserID)
	if err != nil || !owned {
		return err
	}
	labels, err := tx.Query(ctx, `SELECT label FROM note_labels WHERE note_id = ?`, id.String())
	if err != nil {
		return err
	}
	for _, row := range labels {
		if err := tx.Delete(ctx, TableLabels, schema.Row{"note_id": id.String(), "label": row["label"]}); err != nil {
			return err
		}
	}
	return tx.Delete(ctx, TableNotes, schema.Row{"id": id.String()})
}

func labelNoteLocally(ctx context.Context, input LabelInput, app Context, tx *client.Tx) error {
	owned, err := noteExists(ctx, tx, input.NoteID, app.UserID)
	if err != nil || !owned {
		return err
	}
	return tx.Upsert(ctx, TableLabels, schema.Row{
		"note_id": input.NoteID.String(),
		"label":   input.Label,
		"version": int64(0),
	})
}

func unlabelNoteLocally(ctx context.Context, input LabelInput, _ Context, tx *client.Tx) error {
	return tx.Delete(ctx, TableLabels, schema.Row{"note_id": input.NoteID.String(), "label": input.Label})
}

// noteExists reports whether the note exists and, when owner is set, belongs
// to owner.
func noteExists(ctx context.Context, tx *client.Tx, id NoteID, owner UserID) (bool, error) {
	rows, err := tx.Query(ctx, `SELECT owner FROM notes WHERE id = ?`, id.String())
	if err != nil {
		return false, err
	}
	if len(rows) == 0 {
		return false, nil
	}
	return owner == "" || rows[0]["owner"] == owner.String(), nil
}

// Querier reads from a replica.
type Querier interface {
	Query(ctx context.Context, query string, args ...any) ([]schema.Row, error)
}

// ListNotes returns the replica's notes, pinned first, then most recently
// updated.
func ListNotes(ctx context.Context, replica Querier) ([]NoteView, error) {
	rows, err := replica.Query(ctx,
		`SELECT id, owner, title, body, pinned, created_at, updated_at FROM notes ORDER BY pinned DESC, updated_at DESC, id`)
	if err != nil {
		return nil, err
	}
	labelRows, err := replica.Query(ctx, `SELECT note_id, label FROM note_labels ORDER BY note_id, label`)
	if err != nil {
		return nil, err
	}
	labels := make(map[string][]string)
	for _, row := range labelRows {
		noteID, _ := row["note_id"].(string)
		label, _ := row["label"].(string)
		labels[noteID] = append(labels[noteID], label)
	}

	views := make([]NoteView, 0, len(rows))
	for _, row := range rows {
		view, err := noteViewFromRow(row)
		if err != nil {
			return nil, err
		}
		view.Labels = labels[view.ID.String()]
		views = append(views, view)
	}
	return views, nil
}

func noteViewFromRow(row schema.Row) (NoteView, error) {
	id, ok := row["id"].(string)
	if !ok {
		return NoteView{}, fmt.Errorf("%w: %v", ErrInvalidNoteID, row["id"])
	}
	owner, _ := row["owner"].(string)
	title, _ := row["title"].(string)
	body, _ := row["body"].(string)
	pinned, _ := row["pinned"].(int64)
	createdAt, _ := row["created_at"].(int64)
	updatedAt, _ := row["updated_at"].(int64)
	return NoteView{
		ID:        NoteID(id),
		Owner:     UserID(owner),
		Title:     title,
		Body:      body,
		Pinned:    pinned != 0,
		CreatedAt: time.UnixMilli(createdAt).UTC(),
		UpdatedAt: time.UnixMilli(updatedAt).UTC(),
	}, nil
}
