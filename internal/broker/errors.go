// Package broker implements the message broker and broadcast tracker:
// validated submission, channel-filtered peek, atomic claim, and
// completion, layered over internal/store with rate limiting and circuit
// breaking on the submit path.
package broker

import "errors"

var (
	ErrInvalidMessage = errors.New("invalid message")
	ErrRateLimited    = errors.New("rate limited")
	ErrCircuitOpen    = errors.New("circuit open")
	ErrTimeout        = errors.New("timeout")
)
