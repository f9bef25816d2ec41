// Package logging builds the slog loggers used across beatbridge and holds
// the shared attribute helpers and field name conventions.
package logging
