// Package preflight provides readiness checks for the filesystem paths,
// external binaries, and model checkpoints verity depends on.
//
// The daemon runs RunAll at startup and logs each failed check; the CLI
// status command renders the same results when the daemon is down. Failures
// are advisory, not fatal: a missing backbone checkpoint degrades the
// ensemble rather than blocking the daemon.
package preflight
