package mutation

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/MarcoPoloResearchLab/tidesync/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type renameInput struct {
	ID    string `json:"id" validate:"required"`
	Title string `json:"title" validate:"required,max=8"`
}

type recordingTx struct {
	calls []string
}

func testSet(t *testing.T) *Set {
	t.Helper()
	set, err := Define(
		Definition{Name: "rename", Input: JSONInput[renameInput]()},
		Definition{Name: "remove", Input: ScalarInput[string]("required")},
		Definition{Name: "touch"},
	)
	require.NoError(t, err)
	return set
}

func testHandlers() map[string]Handler[string, *recordingTx] {
	return map[string]Handler[string, *recordingTx]{
		"rename": Typed(func(_ context.Context, input renameInput, user string, tx *recordingTx) error {
			tx.calls = append(tx.calls, user+":rename:"+input.ID+":"+input.Title)
			return nil
		}),
		"remove": Typed(func(_ context.Context, id string, user string, tx *recordingTx) error {
			tx.calls = append(tx.calls, user+":remove:"+id)
			return nil
		}),
		"touch": func(_ context.Context, call Call[string, *recordingTx]) error {
			call.Tx.calls = append(call.Tx.calls, call.Name)
			return nil
		},
	}
}

func TestDefineRejectsDuplicatesAndBlankNames(t *testing.T) {
	_, err := Define(Definition{Name: "a"}, Definition{Name: "a"})
	require.ErrorIs(t, err, ErrDuplicateMutation)

	_, err = Define(Definition{Name: " padded"})
	require.ErrorIs(t, err, ErrInvalidName)
}

func TestNewRegistryRequiresExactHandlerCoverage(t *testing.T) {
	set := testSet(t)

	handlers := testHandlers()
	delete(handlers, "touch")
	_, err := NewRegistry(set, handlers)
	require.ErrorIs(t, err, ErrMissingHandler)

	handlers = testHandlers()
	handlers["extra"] = handlers["touch"]
	_, err = NewRegistry(set, handlers)
	require.ErrorIs(t, err, ErrUnknownHandler)

	_, err = NewRegistry[string, *recordingTx](nil, testHandlers())
	require.ErrorIs(t, err, ErrMissingSet)
}

func TestLookupFailsWithMutationNotFound(t *testing.T) {
	registry, err := NewRegistry(testSet(t), testHandlers())
	require.NoError(t, err)

	_, err = registry.Lookup("rename ")
	require.True(t, errors.Is(err, ErrMutationNotFound))
	assert.Equal(t, []string{"remove", "rename", "touch"}, registry.Names())
}

func TestEntryParsesAndExecutes(t *testing.T) {
	registry, err := NewRegistry(testSet(t), testHandlers())
	require.NoError(t, err)
	tx := &recordingTx{}

	rename, err := registry.Lookup("rename")
	require.NoError(t, err)
	input, err := rename.Parse(json.RawMessage(`{"id":"n1","title":"hello"}`))
	require.NoError(t, err)
	require.NoError(t, rename.Execute(context.Background(), Call[string, *recordingTx]{Input: input, Context: "ada", Tx: tx}))

	remove, err := registry.Lookup("remove")
	require.NoError(t, err)
	input, err = remove.Parse(json.RawMessage(`"n1"`))
	require.NoError(t, err)
	require.NoError(t, remove.Execute(context.Background(), Call[string, *recordingTx]{Input: input, Context: "ada", Tx: tx}))

	touch, err := registry.Lookup("touch")
	require.NoError(t, err)
	raw, err := touch.Parse(json.RawMessage(`{"anything":true}`))
	require.NoError(t, err)
	require.NoError(t, touch.Execute(context.Background(), Call[string, *recordingTx]{Input: raw, Tx: tx}))

	assert.Equal(t, []string{"ada:rename:n1:hello", "ada:remove:n1", "touch"}, tx.calls)
}

func TestEntryParseReportsValidationIssues(t *testing.T) {
	registry, err := NewRegistry(testSet(t), testHandlers())
	require.NoError(t, err)
	rename, err := registry.Lookup("rename")
	require.NoError(t, err)

	_, err = rename.Parse(json.RawMessage(`{"id":"n1","title":"far too long"}`))
	require.Error(t, err)
	assert.Equal(t, protocol.KindValidation, protocol.KindOf(err))
	assert.ErrorIs(t, err, ErrInvalidInput)
	issues := protocol.IssuesOf(err)
	require.Len(t, issues, 1)
	assert.Equal(t, "title", issues[0].Path)

	_, err = rename.Parse(json.RawMessage(`{"id":"n1","title":"ok","extra":1}`))
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = rename.Parse(nil)
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestTypedRejectsMismatchedInput(t *testing.T) {
	handler := Typed(func(context.Context, renameInput, string, *recordingTx) error { return nil })
	err := handler(context.Background(), Call[string, *recordingTx]{Name: "rename", Input: 42})
	require.ErrorIs(t, err, ErrInvalidInput)
}
