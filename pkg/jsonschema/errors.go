package jsonschema

import "errors"

var (
	// ErrSchemaValidationSystem means the validator itself failed, e.g. the document is not JSON.
	ErrSchemaValidationSystem = errors.New("schema validation system error")
	// ErrSchemaValidationFailed means the document is JSON but violates the schema.
	ErrSchemaValidationFailed = errors.New("schema validation failed")
)
