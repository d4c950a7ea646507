package sqsflow

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/hatsunemiku3939/sqsflow/pkg/jsonschema"
)

// Decoder turns an unwrapped message payload into a typed value.
// Any error is reported as ResultParseFailed; the message stays on the queue.
type Decoder[T any] interface {
	Decode(payload []byte) (T, error)
}

// DecoderFunc adapts a plain function to Decoder.
type DecoderFunc[T any] func(payload []byte) (T, error)

// Decode implements Decoder.
func (f DecoderFunc[T]) Decode(payload []byte) (T, error) { return f(payload) }

// JSONDecoder decodes payloads with encoding/json.
type JSONDecoder[T any] struct {
	// Strict rejects payloads that contain fields unknown to T.
	Strict bool
}

// Decode implements Decoder.
func (d JSONDecoder[T]) Decode(payload []byte) (T, error) {
	var v T
	dec := json.NewDecoder(bytes.NewReader(payload))
	if d.Strict {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(&v); err != nil {
		return v, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if dec.More() {
		return v, fmt.Errorf("%w: trailing data after JSON value", ErrDecode)
	}
	return v, nil
}

// StringDecoder hands the payload to the handler verbatim.
type StringDecoder struct{}

// Decode implements Decoder.
func (StringDecoder) Decode(payload []byte) (string, error) { return string(payload), nil }

// SchemaDecoder validates the payload against a JSON schema before delegating to Next.
type SchemaDecoder[T any] struct {
	schema jsonschema.JSONLoader
	next   Decoder[T]
}

// NewSchemaDecoder compiles schema once so that an invalid schema fails at construction.
func NewSchemaDecoder[T any](schema string, next Decoder[T]) (*SchemaDecoder[T], error) {
	loader := jsonschema.NewStringLoader(schema)
	if _, err := jsonschema.NewSchema(loader); err != nil {
		return nil, fmt.Errorf("%w: payload schema: %w", ErrInvalidSettings, err)
	}
	if next == nil {
		next = JSONDecoder[T]{}
	}
	return &SchemaDecoder[T]{schema: loader, next: next}, nil
}

// Decode implements Decoder.
func (d *SchemaDecoder[T]) Decode(payload []byte) (T, error) {
	result, err := jsonschema.Validate(d.schema, jsonschema.NewBytesLoader(payload))
	if verr := jsonschema.FormatErrors(result, err); verr != nil {
		var zero T
		return zero, fmt.Errorf("%w: %w", ErrDecode, verr)
	}
	return d.next.Decode(payload)
}
