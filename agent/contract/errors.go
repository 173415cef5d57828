package contract

import "errors"

var (
	ErrModelInvoke     = errors.New("model invoke failed")
	ErrSchemaViolation = errors.New("model response violates schema")
	ErrValidation      = errors.New("validation failed")
	ErrCheckpoint      = errors.New("checkpoint store unavailable")
	ErrUnknownTool     = errors.New("unknown tool")
)
