// Package protocol defines the pull/push wire contract between replicas and
// the sync server.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"

	"github.com/MarcoPoloResearchLab/tidesync/internal/schema"
	"github.com/go-playground/validator/v10"
)

const (
	opValidatePull = "protocol.pull"
	opValidatePush = "protocol.push"
	opDecode       = "protocol.decode"
)

var (
	ErrInvalidEnvelope = errors.New("protocol: invalid request envelope")

	envelopeValidator = newEnvelopeValidator()
)

// PullRequest asks for the delta since the client's last acknowledged view.
// A nil Version requests a full snapshot.
type PullRequest struct {
	ClientID string  `json:"clientId" validate:"required,max=128"`
	Version  *string `json:"version" validate:"omitnil,numeric,max=20"`
}

// EntityDelta holds the rows to upsert and the ids to delete for one table.
// Delete ids are scalars for single-column keys and objects for composite keys.
type EntityDelta struct {
	Set    []schema.Row `json:"set"`
	Delete []any        `json:"delete"`
}

// UnmarshalJSON keeps set values as raw JSON so column decoders see the exact
// bytes the server sent.
func (d *EntityDelta) UnmarshalJSON(payload []byte) error {
	var wire struct {
		Set    []map[string]json.RawMessage `json:"set"`
		Delete []json.RawMessage            `json:"delete"`
	}
	if err := json.Unmarshal(payload, &wire); err != nil {
		return err
	}
	d.Set = make([]schema.Row, 0, len(wire.Set))
	for _, row := range wire.Set {
		converted := make(schema.Row, len(row))
		for column, value := range row {
			converted[column] = value
		}
		d.Set = append(d.Set, converted)
	}
	d.Delete = make([]any, 0, len(wire.Delete))
	for _, raw := range wire.Delete {
		var id any
		if err := decodeJSON(bytes.NewReader(raw), &id); err != nil {
			return err
		}
		d.Delete = append(d.Delete, id)
	}
	return nil
}

// PullData is the diff payload.
type PullData struct {
	Clear    bool                   `json:"clear"`
	Entities map[string]EntityDelta `json:"entities"`
	Version  string                 `json:"version"`
}

// PullResponse is returned by the pull endpoint.
type PullResponse struct {
	Data                    PullData `json:"data"`
	LastProcessedMutationID int64    `json:"lastProcessedMutationId"`
}

// Mutation is one queued client mutation.
type Mutation struct {
	ID    int64           `json:"id" validate:"gte=1"`
	Name  string          `json:"name" validate:"required,max=128"`
	Input json.RawMessage `json:"input"`
}

// PushRequest submits queued mutations in ascending id order.
type PushRequest struct {
	ClientID  string     `json:"clientId" validate:"required,max=128"`
	Mutations []Mutation `json:"mutations" validate:"dive"`
}

// Changes counts the row changes carried by the payload.
func (d PullData) Changes() int {
	total := 0
	for _, delta := range d.Entities {
		total += len(delta.Set) + len(delta.Delete)
	}
	return total
}

// Validate checks the pull envelope.
func (r PullRequest) Validate() error {
	return validateEnvelope(opValidatePull, r)
}

// Validate checks the push envelope, including strictly ascending ids.
func (r PushRequest) Validate() error {
	if err := validateEnvelope(opValidatePush, r); err != nil {
		return err
	}
	for index := 1; index < len(r.Mutations); index++ {
		if r.Mutations[index].ID <= r.Mutations[index-1].ID {
			return NewValidationError(opValidatePush, "unordered_mutations", ErrInvalidEnvelope, Issue{
				Path:    fmt.Sprintf("mutations[%d].id", index),
				Message: "mutation ids must be strictly ascending",
			})
		}
	}
	return nil
}

// DecodePullResponse decodes a pull response preserving integer precision.
func DecodePullResponse(reader io.Reader) (PullResponse, error) {
	var response PullResponse
	if err := decodeJSON(reader, &response); err != nil {
		return PullResponse{}, err
	}
	if response.Data.Entities == nil {
		response.Data.Entities = map[string]EntityDelta{}
	}
	return response, nil
}

// DecodeEnvelope decodes a request body into target and reports malformed
// JSON as a validation error.
func DecodeEnvelope(reader io.Reader, target any) error {
	if err := decodeJSON(reader, target); err != nil {
		return NewValidationError(opDecode, "malformed_json", ErrInvalidEnvelope, Issue{Message: err.Error()})
	}
	return nil
}

func decodeJSON(reader io.Reader, target any) error {
	payload, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.UseNumber()
	return decoder.Decode(target)
}

func newEnvelopeValidator() *validator.Validate {
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

func validateEnvelope(operation string, envelope any) error {
	err := envelopeValidator.Struct(envelope)
	if err == nil {
		return nil
	}
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return NewValidationError(operation, "invalid_envelope", err)
	}
	issues := make([]Issue, 0, len(fieldErrors))
	for _, fieldError := range fieldErrors {
		issues = append(issues, Issue{
			Path:    trimRoot(fieldError.Namespace()),
			Message: fmt.Sprintf("failed %q validation", fieldError.Tag()),
		})
	}
	return NewValidationError(operation, "invalid_envelope", ErrInvalidEnvelope, issues...)
}

func trimRoot(namespace string) string {
	if index := strings.Index(namespace, "."); index >= 0 {
		return namespace[index+1:]
	}
	return namespace
}
