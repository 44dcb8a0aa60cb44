package mutation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/MarcoPoloResearchLab/tidesync/internal/protocol"
	"github.com/go-playground/validator/v10"
)

var inputValidator = newInputValidator()

// JSONInput decodes input into T, rejecting unknown fields, and applies the
// `validate` struct tags of T.
func JSONInput[T any]() Validator {
	return ValidatorFunc(func(raw json.RawMessage) (any, error) {
		var value T
		if err := decodeStrict(raw, &value); err != nil {
			return nil, err
		}
		if reflect.Indirect(reflect.ValueOf(value)).Kind() == reflect.Struct {
			if err := inputValidator.Struct(value); err != nil {
				return nil, err
			}
		}
		return value, nil
	})
}

// ScalarInput decodes a scalar input into T and checks it against a
// validator tag such as "required,max=64".
func ScalarInput[T any](tag string) Validator {
	return ValidatorFunc(func(raw json.RawMessage) (any, error) {
		var value T
		if err := decodeStrict(raw, &value); err != nil {
			return nil, err
		}
		if tag != "" {
			if err := inputValidator.Var(value, tag); err != nil {
				return nil, err
			}
		}
		return value, nil
	})
}

// Typed adapts a handler taking a concrete input type.
func Typed[T, C, Tx any](handler func(ctx context.Context, input T, app C, tx Tx) error) Handler[C, Tx] {
	return func(ctx context.Context, call Call[C, Tx]) error {
		input, ok := call.Input.(T)
		if !ok {
			var zero T
			return fmt.Errorf("%w: %s expects %T, got %T", ErrInvalidInput, call.Name, zero, call.Input)
		}
		return handler(ctx, input, call.Context, call.Tx)
	}
}

func decodeStrict(raw json.RawMessage, target any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return fmt.Errorf("%w: input required", ErrInvalidInput)
	}
	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

func inputError(name string, err error) error {
	var fieldErrors validator.ValidationErrors
	if errors.As(err, &fieldErrors) {
		issues := make([]protocol.Issue, 0, len(fieldErrors))
		for _, fieldError := range fieldErrors {
			issues = append(issues, protocol.Issue{
				Path:    inputPath(fieldError.Namespace()),
				Message: fmt.Sprintf("failed %q validation", fieldError.Tag()),
			})
		}
		return protocol.NewValidationError(opParseInput, "invalid_input", fmt.Errorf("%w: %s", ErrInvalidInput, name), issues...)
	}
	if !errors.Is(err, ErrInvalidInput) {
		err = fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return protocol.NewValidationError(opParseInput, "invalid_input", fmt.Errorf("%s: %w", name, err), protocol.Issue{Message: err.Error()})
}

func inputPath(namespace string) string {
	if index := strings.Index(namespace, "."); index >= 0 {
		return namespace[index+1:]
	}
	return ""
}

func newInputValidator() *validator.Validate {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return validate
}
