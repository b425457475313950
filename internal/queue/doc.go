// Package queue persists video analysis jobs in SQLite and hands them to
// the workflow manager in creation order.
package queue
