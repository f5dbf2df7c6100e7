// Package voting implements the voting engine: eligibility-checked
// initiation, single-cast voting, and the three tally mechanisms, layered
// over internal/store with vote.initiate/vote.recorded/vote.result
// broadcasts delivered through internal/broker.
package voting

import "errors"

var (
	ErrInvalidVote        = errors.New("invalid vote")
	ErrNotFound           = errors.New("vote not found")
	ErrAlreadyVoted       = errors.New("already voted")
	ErrVoteClosed         = errors.New("vote closed")
	ErrNotEligible        = errors.New("voter not eligible")
	ErrInsufficientVoters = errors.New("insufficient eligible voters")
)
