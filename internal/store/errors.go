// Package store persists playbooks and their append-only logs on the local
// filesystem. Writers take a path-scoped exclusive lock, read the current
// state, apply a change and replace the file atomically. Readers take no
// lock and may observe a stale snapshot.
package store

import "errors"

// Common errors for store operations.
var (
	// ErrLockTimeout is returned when a path stays locked past the timeout.
	ErrLockTimeout = errors.New("timed out waiting for store lock")

	// ErrCorruptPlaybook is returned when the playbook file is not valid JSON.
	ErrCorruptPlaybook = errors.New("playbook file is corrupt")

	// ErrUnsupportedSchema is returned for a playbook newer than this binary.
	ErrUnsupportedSchema = errors.New("unsupported playbook schema version")
)
