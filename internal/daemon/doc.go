// Package daemon runs the verityd process: the workflow manager, the HTTP
// API, and the single-instance lock.
package daemon
