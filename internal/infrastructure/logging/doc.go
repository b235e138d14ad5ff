// Package logging provides structured logging for the relay.
//
// It wraps log/slog with configuration-driven level, format and output
// selection and attaches service/version default fields. Components derive
// their own loggers via With("component", name) so every line carries its
// origin.
package logging
