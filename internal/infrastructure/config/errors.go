package config

import "errors"

// Domain-specific errors for configuration handling.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrInvalidConfig is returned when a snapshot fails parsing or
	// validation. Reload paths keep the previous snapshot on this error.
	ErrInvalidConfig = errors.New("config: invalid configuration")

	// ErrUnknownField is returned when a mutation addresses a field name
	// that is not a known mutable list field.
	ErrUnknownField = errors.New("config: unknown field")
)
