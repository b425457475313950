// Package logging wires log/slog with the console and JSON handlers used
// across the daemon, plus context-derived structured fields (job id, stage,
// backbone) so every pipeline log line can be traced back to its job.
package logging
