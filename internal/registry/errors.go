// Package registry implements the agent health registry: heartbeat
// upserts and liveness classification derived at read time, layered over
// internal/store.
package registry

import "errors"

// ErrNotFound is returned by Health for an agent with no status row.
var ErrNotFound = errors.New("agent not found")
