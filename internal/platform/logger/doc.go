// Package logger builds the process-wide JSON slog logger and carries
// request-scoped and task-scoped loggers through context.Context, so a
// handler or worker can log with its trace id or task id attached.
package logger
