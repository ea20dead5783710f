// Package logging assembles structured slog loggers and formatting helpers used
// across tracklift components.
//
// It owns the configurable console/JSON handlers, tees console output into a
// JSON log file when a log directory is configured, and exposes context-aware
// helpers so stage code can automatically tag log lines with job IDs, stages,
// track numbers, and correlation IDs. The package also provides a no-op logger
// for tests and wiring code that cannot fail.
package logging
