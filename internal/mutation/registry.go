// Package mutation holds the named mutation definitions shared by replicas and
// the server, and the per-side registries binding them to handlers.
package mutation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

const (
	opDefine       = "mutation.define"
	opRegistryNew  = "mutation.registry.new"
	opParseInput   = "mutation.parse_input"
	maxNameLength  = 128
	reasonNotFound = "not_found"
)

var (
	ErrMutationNotFound  = errors.New("mutation: not found")
	ErrInvalidName       = errors.New("mutation: invalid name")
	ErrDuplicateMutation = errors.New("mutation: duplicate definition")
	ErrMissingHandler    = errors.New("mutation: handler missing")
	ErrUnknownHandler    = errors.New("mutation: handler without definition")
	ErrMissingSet        = errors.New("mutation: definition set required")
	ErrInvalidInput      = errors.New("mutation: invalid input")
)

// RegistryError reports a failed definition or registry construction.
type RegistryError struct {
	code string
	err  error
}

func (e *RegistryError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *RegistryError) Unwrap() error {
	return e.err
}

func (e *RegistryError) Code() string {
	return e.code
}

func newRegistryError(operation, reason string, cause error) error {
	return &RegistryError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Validator parses raw mutation input into the value handed to handlers.
type Validator interface {
	Parse(raw json.RawMessage) (any, error)
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(raw json.RawMessage) (any, error)

func (f ValidatorFunc) Parse(raw json.RawMessage) (any, error) {
	return f(raw)
}

// Definition names a mutation and its optional input validator. Without a
// validator the raw JSON input is passed through untouched.
type Definition struct {
	Name  string
	Input Validator
}

// Set is the validated collection of definitions shared by every side.
type Set struct {
	definitions map[string]Definition
}

// Define validates names and returns the shared definition set.
func Define(definitions ...Definition) (*Set, error) {
	set := &Set{definitions: make(map[string]Definition, len(definitions))}
	for _, definition := range definitions {
		name := strings.TrimSpace(definition.Name)
		if name == "" || name != definition.Name || len(name) > maxNameLength {
			return nil, newRegistryError(opDefine, "invalid_name", fmt.Errorf("%w: %q", ErrInvalidName, definition.Name))
		}
		if _, exists := set.definitions[name]; exists {
			return nil, newRegistryError(opDefine, "duplicate", fmt.Errorf("%w: %s", ErrDuplicateMutation, name))
		}
		set.definitions[name] = definition
	}
	return set, nil
}

// Names returns the defined mutation names in sorted order.
func (s *Set) Names() []string {
	names := make([]string, 0, len(s.definitions))
	for name := range s.definitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Call carries one invocation into a handler.
type Call[C, Tx any] struct {
	ID      int64
	Name    string
	Input   any
	Context C
	Tx      Tx
}

// Handler executes a mutation inside the caller's transaction.
type Handler[C, Tx any] func(ctx context.Context, call Call[C, Tx]) error

// Registry binds every definition of a Set to a handler for one side.
type Registry[C, Tx any] struct {
	set     *Set
	entries map[string]Entry[C, Tx]
}

// Entry is a resolved definition plus its handler.
type Entry[C, Tx any] struct {
	Definition
	handler Handler[C, Tx]
}

// NewRegistry requires exactly one handler per defined mutation.
func NewRegistry[C, Tx any](set *Set, handlers map[string]Handler[C, Tx]) (*Registry[C, Tx], error) {
	if set == nil {
		return nil, newRegistryError(opRegistryNew, "missing_set", ErrMissingSet)
	}
	entries := make(map[string]Entry[C, Tx], len(set.definitions))
	for name, definition := range set.definitions {
		handler, ok := handlers[name]
		if !ok || handler == nil {
			return nil, newRegistryError(opRegistryNew, "missing_handler", fmt.Errorf("%w: %s", ErrMissingHandler, name))
		}
		entries[name] = Entry[C, Tx]{Definition: definition, handler: handler}
	}
	for name := range handlers {
		if _, ok := set.definitions[name]; !ok {
			return nil, newRegistryError(opRegistryNew, "unknown_handler", fmt.Errorf("%w: %s", ErrUnknownHandler, name))
		}
	}
	return &Registry[C, Tx]{set: set, entries: entries}, nil
}

// Lookup resolves a mutation by exact name.
func (r *Registry[C, Tx]) Lookup(name string) (Entry[C, Tx], error) {
	entry, ok := r.entries[name]
	if !ok {
		return Entry[C, Tx]{}, newRegistryError("mutation.lookup", reasonNotFound, fmt.Errorf("%w: %s", ErrMutationNotFound, name))
	}
	return entry, nil
}

// Names returns the registered mutation names in sorted order.
func (r *Registry[C, Tx]) Names() []string {
	return r.set.Names()
}

// Parse validates raw input against the definition.
func (e Entry[C, Tx]) Parse(raw json.RawMessage) (any, error) {
	if e.Input == nil {
		return raw, nil
	}
	value, err := e.Input.Parse(raw)
	if err != nil {
		return nil, inputError(e.Name, err)
	}
	return value, nil
}

// Execute runs the handler.
func (e Entry[C, Tx]) Execute(ctx context.Context, call Call[C, Tx]) error {
	call.Name = e.Name
	return e.handler(ctx, call)
}
