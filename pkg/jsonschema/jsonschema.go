// Package jsonschema is a thin wrapper around gojsonschema used to validate message payloads.
package jsonschema

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

type (
	ValidationResult = gojsonschema.Result
	JSONLoader       = gojsonschema.JSONLoader
)

func NewStringLoader(s string) gojsonschema.JSONLoader {
	return gojsonschema.NewStringLoader(s)
}

func NewBytesLoader(b []byte) gojsonschema.JSONLoader {
	return gojsonschema.NewBytesLoader(b)
}

func NewSchema(loader gojsonschema.JSONLoader) (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(loader)
}

func Validate(schemaLoader gojsonschema.JSONLoader, docLoader gojsonschema.JSONLoader) (*gojsonschema.Result, error) {
	return gojsonschema.Validate(schemaLoader, docLoader)
}

// FormatErrors folds a validation result into a single error, or nil when the document is valid.
func FormatErrors(result *gojsonschema.Result, err error) error {
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSchemaValidationSystem, err)
	}
	if result == nil || result.Valid() {
		return nil
	}
	descs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		descs = append(descs, desc.String())
	}
	return fmt.Errorf("%w: %s", ErrSchemaValidationFailed, strings.Join(descs, "; "))
}
