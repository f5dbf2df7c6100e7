package voting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentbus/agentbus/internal/broker"
	"github.com/agentbus/agentbus/internal/clockid"
	"github.com/agentbus/agentbus/internal/otel"
	"github.com/agentbus/agentbus/internal/store"
)

const (
	maxWeight        = 3
	urgentChannel    = "urgent"
	recordedChannel  = "general"
	recordedPriority = 5
	initiatePriority = 9
)

// Engine is the voting engine: vote lifecycle, eligibility checks, and
// the three tally mechanisms, with initiate/cast/result fan-out delivered
// through the broker.
type Engine struct {
	store  *store.Store
	broker *broker.Broker
}

// New wires an Engine over s, using b to deliver vote.initiate,
// vote.recorded, and vote.result notifications.
func New(s *store.Store, b *broker.Broker) *Engine {
	return &Engine{store: s, broker: b}
}

// InitiateParams are the caller-supplied fields of Initiate.
type InitiateParams struct {
	Proposer  string
	Topic     string
	Options   []string
	Mechanism string // simple_majority, weighted, consensus
	Voters    []string
	Deadline  time.Time
	Weights   map[string]int // weighted mechanism only
}

// Initiate validates and creates a new open vote, then sends one
// vote.initiate message (priority 9, channel "urgent") to each eligible
// voter. Fails with ErrInsufficientVoters if fewer than 3
// voters are eligible, ErrInvalidVote on malformed options/mechanism.
func (e *Engine) Initiate(ctx context.Context, p InitiateParams) (string, error) {
	if len(p.Voters) < 3 {
		return "", ErrInsufficientVoters
	}
	if err := validateOptions(p.Options); err != nil {
		return "", err
	}
	if err := validateMechanism(p.Mechanism); err != nil {
		return "", err
	}
	if p.Mechanism == "weighted" {
		if err := validateWeights(p.Weights); err != nil {
			return "", err
		}
	}
	if p.Deadline.IsZero() {
		return "", fmt.Errorf("%w: deadline required", ErrInvalidVote)
	}

	id := clockid.NewID()
	now := clockid.Now()
	in := store.VoteInput{
		VoteID:    id,
		Topic:     p.Topic,
		Options:   p.Options,
		Mechanism: p.Mechanism,
		Proposer:  p.Proposer,
		Eligible:  p.Voters,
		Weights:   p.Weights,
		Deadline:  p.Deadline,
		CreatedAt: now,
		Actor:     p.Proposer,
	}
	if err := e.store.InitiateVote(ctx, in); err != nil {
		if errors.Is(err, store.ErrInsufficientVoters) {
			return "", ErrInsufficientVoters
		}
		return "", err
	}

	for _, voter := range p.Voters {
		recipient := voter
		_, _ = e.broker.Submit(ctx, broker.SubmitParams{
			Sender:    p.Proposer,
			Type:      "vote.initiate",
			Channel:   urgentChannel,
			Priority:  initiatePriority,
			Recipient: &recipient,
			Payload: map[string]any{
				"vote_id":  id,
				"topic":    p.Topic,
				"options":  p.Options,
				"deadline": p.Deadline.Format(time.RFC3339Nano),
			},
		})
	}
	return id, nil
}

func validateOptions(options []string) error {
	if len(options) < 2 {
		return fmt.Errorf("%w: at least 2 options required", ErrInvalidVote)
	}
	seen := make(map[string]bool, len(options))
	for _, o := range options {
		if o == "" {
			return fmt.Errorf("%w: option cannot be empty", ErrInvalidVote)
		}
		if seen[o] {
			return fmt.Errorf("%w: duplicate option %q", ErrInvalidVote, o)
		}
		seen[o] = true
	}
	return nil
}

func validateMechanism(m string) error {
	switch m {
	case "simple_majority", "weighted", "consensus":
		return nil
	default:
		return fmt.Errorf("%w: unknown mechanism %q", ErrInvalidVote, m)
	}
}

func validateWeights(weights map[string]int) error {
	for voter, w := range weights {
		if w <= 0 || w > maxWeight {
			return fmt.Errorf("%w: weight for %s must be in 1..%d", ErrInvalidVote, voter, maxWeight)
		}
	}
	return nil
}

// CastParams are the caller-supplied fields of Cast.
type CastParams struct {
	VoteID    string
	Voter     string
	Choice    string
	Stance    string // consensus only: support, acceptable, block
	Reasoning string
}

// Cast records one voter's ballot, then sends a vote.recorded broadcast on
// "general" (priority 5) reporting the running cast/eligible count, for
// agents that want to watch a vote's progress without polling Status.
func (e *Engine) Cast(ctx context.Context, p CastParams) error {
	v, err := e.store.GetVote(ctx, p.VoteID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	stance := p.Stance
	if v.Mechanism == "consensus" && stance == "" {
		stance = "support"
	}

	in := store.CastInput{
		VoteID:    p.VoteID,
		Voter:     p.Voter,
		Choice:    p.Choice,
		Stance:    stance,
		Reasoning: p.Reasoning,
		At:        clockid.Now(),
		Actor:     p.Voter,
	}
	if err := e.store.CastVote(ctx, in); err != nil {
		return mapCastErr(err)
	}

	v, err = e.store.GetVote(ctx, p.VoteID)
	if err != nil {
		return nil // the cast itself already succeeded; the progress broadcast is best-effort
	}
	_, _ = e.broker.Submit(ctx, broker.SubmitParams{
		Sender:   p.Voter,
		Type:     "vote.recorded",
		Channel:  recordedChannel,
		Priority: recordedPriority,
		Payload: map[string]any{
			"vote_id":       p.VoteID,
			"votes_received": len(v.Casts),
			"votes_needed":  len(v.Eligible),
		},
	})
	return nil
}

func mapCastErr(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, store.ErrVoteClosed):
		return ErrVoteClosed
	case errors.Is(err, store.ErrNotEligible):
		return ErrNotEligible
	case errors.Is(err, store.ErrInvalidVote):
		return ErrInvalidVote
	case errors.Is(err, store.ErrAlreadyVoted):
		return ErrAlreadyVoted
	default:
		return err
	}
}

// Tally closes the vote (if still open) and computes its result, then
// broadcasts vote.result to every eligible voter. Idempotent: a second
// call on an already-closed vote returns the stored result without
// re-broadcasting.
func (e *Engine) Tally(ctx context.Context, actor, voteID string) (*store.VoteResult, error) {
	before, err := e.store.GetVote(ctx, voteID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	alreadyClosed := before.Status == "closed"

	result, err := e.store.TallyVote(ctx, actor, voteID, clockid.Now())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if alreadyClosed {
		return result, nil
	}
	otel.RecordTally(ctx, before.Mechanism, result.Outcome)

	for _, voter := range before.Eligible {
		recipient := voter
		_, _ = e.broker.Submit(ctx, broker.SubmitParams{
			Sender:    actor,
			Type:      "vote.result",
			Channel:   urgentChannel,
			Priority:  initiatePriority,
			Recipient: &recipient,
			Payload: map[string]any{
				"vote_id": voteID,
				"outcome": result.Outcome,
				"tally":   result.Tally,
			},
		})
	}
	return result, nil
}

// Status returns the current vote record, including its status and, if
// closed, its tallied result.
func (e *Engine) Status(ctx context.Context, voteID string) (*store.Vote, error) {
	v, err := e.store.VoteStatus(ctx, voteID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	return v, err
}
