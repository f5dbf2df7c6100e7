package voting

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agentbus/agentbus/internal/breaker"
	"github.com/agentbus/agentbus/internal/broker"
	"github.com/agentbus/agentbus/internal/ratelimit"
	"github.com/agentbus/agentbus/internal/store"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	s, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	b := broker.New(s, ratelimit.New(100, 10), breaker.New(5, time.Minute))
	return New(s, b)
}

// TestInsufficientVoters checks that Initiate rejects a vote with fewer
// than 3 eligible voters.
func TestInsufficientVoters(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	_, err := e.Initiate(ctx, InitiateParams{
		Proposer: "p", Topic: "X", Options: []string{"yes", "no"},
		Mechanism: "simple_majority", Voters: []string{"a", "b"}, Deadline: time.Now().Add(time.Hour),
	})
	if !errors.Is(err, ErrInsufficientVoters) {
		t.Fatalf("want ErrInsufficientVoters, got %v", err)
	}
}

// TestNoQuorum checks that with 3 eligible voters and only 1 cast, tally
// reports no_quorum.
func TestNoQuorum(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	id, err := e.Initiate(ctx, InitiateParams{
		Proposer: "p", Topic: "X", Options: []string{"yes", "no"},
		Mechanism: "simple_majority", Voters: []string{"a", "b", "c"}, Deadline: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if err := e.Cast(ctx, CastParams{VoteID: id, Voter: "a", Choice: "yes"}); err != nil {
		t.Fatalf("cast: %v", err)
	}
	result, err := e.Tally(ctx, "p", id)
	if err != nil {
		t.Fatalf("tally: %v", err)
	}
	if result.Outcome != "no_quorum" {
		t.Fatalf("want no_quorum, got %s", result.Outcome)
	}
}

func TestVoteUniqueness(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	id, _ := e.Initiate(ctx, InitiateParams{
		Proposer: "p", Topic: "X", Options: []string{"yes", "no"},
		Mechanism: "simple_majority", Voters: []string{"a", "b", "c"}, Deadline: time.Now().Add(time.Hour),
	})
	if err := e.Cast(ctx, CastParams{VoteID: id, Voter: "a", Choice: "yes"}); err != nil {
		t.Fatalf("first cast: %v", err)
	}
	if err := e.Cast(ctx, CastParams{VoteID: id, Voter: "a", Choice: "no"}); !errors.Is(err, ErrAlreadyVoted) {
		t.Fatalf("want ErrAlreadyVoted, got %v", err)
	}
}

func TestTallyIdempotent(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	id, _ := e.Initiate(ctx, InitiateParams{
		Proposer: "p", Topic: "X", Options: []string{"yes", "no"},
		Mechanism: "simple_majority", Voters: []string{"a", "b", "c"}, Deadline: time.Now().Add(time.Hour),
	})
	_ = e.Cast(ctx, CastParams{VoteID: id, Voter: "a", Choice: "yes"})
	_ = e.Cast(ctx, CastParams{VoteID: id, Voter: "b", Choice: "yes"})

	r1, err := e.Tally(ctx, "p", id)
	if err != nil {
		t.Fatalf("tally1: %v", err)
	}
	r2, err := e.Tally(ctx, "p", id)
	if err != nil {
		t.Fatalf("tally2: %v", err)
	}
	if r1.Outcome != r2.Outcome || r1.CastCount != r2.CastCount {
		t.Fatalf("tally not idempotent: %+v vs %+v", r1, r2)
	}
}

func TestConsensusBlockedByOneBlocker(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	id, _ := e.Initiate(ctx, InitiateParams{
		Proposer: "p", Topic: "X", Options: []string{"ship", "hold"},
		Mechanism: "consensus", Voters: []string{"a", "b", "c"}, Deadline: time.Now().Add(time.Hour),
	})
	_ = e.Cast(ctx, CastParams{VoteID: id, Voter: "a", Choice: "ship", Stance: "support"})
	_ = e.Cast(ctx, CastParams{VoteID: id, Voter: "b", Choice: "ship", Stance: "support"})
	_ = e.Cast(ctx, CastParams{VoteID: id, Voter: "c", Choice: "ship", Stance: "block", Reasoning: "not tested"})

	result, err := e.Tally(ctx, "p", id)
	if err != nil {
		t.Fatalf("tally: %v", err)
	}
	if result.Outcome != "blocked" {
		t.Fatalf("want blocked (one blocker), got %s", result.Outcome)
	}
	if len(result.Blockers) != 1 || result.Blockers[0].Voter != "c" {
		t.Fatalf("want c recorded as blocker, got %+v", result.Blockers)
	}
}
