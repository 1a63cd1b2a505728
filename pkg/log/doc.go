// Package log provides structured logging for the orchestrator using zerolog.
//
// A single global logger is configured once via Init at process start, then
// narrowed into component-scoped child loggers (WithComponent, WithInstanceID,
// WithCorrelationID, WithOrganizationID) everywhere a log line needs to carry
// that context. JSON output is used in production; console output is used for
// local development. Nothing in this package buffers or batches — every
// write goes straight to the configured io.Writer.
package log
