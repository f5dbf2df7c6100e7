package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// Vote-layer store errors. The voting package wraps these in its own
// named sentinels where a distinct type is warranted.
var (
	ErrInvalidVote         = errors.New("invalid vote")
	ErrAlreadyVoted        = errors.New("already voted")
	ErrVoteClosed          = errors.New("vote closed")
	ErrNotEligible         = errors.New("voter not eligible")
	ErrInsufficientVoters  = errors.New("insufficient eligible voters")
)

// VoteInput describes a new vote.
type VoteInput struct {
	VoteID    string
	Topic     string
	Options   []string
	Mechanism string
	Proposer  string
	Eligible  []string
	Weights   map[string]int
	Deadline  time.Time
	CreatedAt time.Time
	Actor     string
}

// InitiateVote creates a vote row with status 'open'. Requires at least 3
// eligible voters, else ErrInsufficientVoters.
func (s *Store) InitiateVote(ctx context.Context, in VoteInput) error {
	if len(in.Eligible) < 3 {
		return ErrInsufficientVoters
	}
	optionsJSON, err := json.Marshal(in.Options)
	if err != nil {
		return err
	}
	eligibleJSON, err := json.Marshal(in.Eligible)
	if err != nil {
		return err
	}
	var weightsJSON []byte
	if in.Weights != nil {
		weightsJSON, err = json.Marshal(in.Weights)
		if err != nil {
			return err
		}
	}

	return s.withImmediateTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `
INSERT INTO votes(vote_id, topic, options, mechanism, proposer, eligible, weights, deadline, status, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'open', ?)`,
			in.VoteID, in.Topic, string(optionsJSON), in.Mechanism, in.Proposer, string(eligibleJSON),
			nullableBytes(weightsJSON), in.Deadline.UnixMilli(), in.CreatedAt.UnixMilli())
		if err != nil {
			return err
		}
		return insertAudit(ctx, conn, in.CreatedAt, in.Actor, "vote.initiate", in.VoteID)
	})
}

func nullableBytes(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

// GetVote fetches a vote with its cast map and result, or ErrNotFound.
func (s *Store) GetVote(ctx context.Context, voteID string) (*Vote, error) {
	return s.getVote(ctx, s.db, voteID)
}

func (s *Store) getVote(ctx context.Context, q querier, voteID string) (*Vote, error) {
	row := q.QueryRowContext(ctx, `
SELECT vote_id, topic, options, mechanism, proposer, eligible, weights, deadline, status, created_at, result
FROM votes WHERE vote_id = ?`, voteID)

	var v Vote
	var optionsJSON, eligibleJSON string
	var weightsJSON, resultJSON sql.NullString
	var deadline, createdAt int64
	if err := row.Scan(&v.VoteID, &v.Topic, &optionsJSON, &v.Mechanism, &v.Proposer, &eligibleJSON,
		&weightsJSON, &deadline, &v.Status, &createdAt, &resultJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(optionsJSON), &v.Options); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(eligibleJSON), &v.Eligible); err != nil {
		return nil, err
	}
	if weightsJSON.Valid {
		if err := json.Unmarshal([]byte(weightsJSON.String), &v.Weights); err != nil {
			return nil, err
		}
	}
	if resultJSON.Valid {
		var r VoteResult
		if err := json.Unmarshal([]byte(resultJSON.String), &r); err != nil {
			return nil, err
		}
		v.Result = &r
	}
	v.Deadline = time.UnixMilli(deadline).UTC()
	v.CreatedAt = time.UnixMilli(createdAt).UTC()

	casts, err := s.voteCasts(ctx, q, voteID)
	if err != nil {
		return nil, err
	}
	v.Casts = casts
	return &v, nil
}

func (s *Store) voteCasts(ctx context.Context, q querier, voteID string) (map[string]VoteCast, error) {
	rows, err := q.QueryContext(ctx, `SELECT voter, choice, stance, reasoning, cast_at FROM vote_casts WHERE vote_id = ?`, voteID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]VoteCast)
	for rows.Next() {
		var voter, choice string
		var stance, reasoning sql.NullString
		var castAt int64
		if err := rows.Scan(&voter, &choice, &stance, &reasoning, &castAt); err != nil {
			return nil, err
		}
		out[voter] = VoteCast{
			Choice:    choice,
			Stance:    stance.String,
			Reasoning: reasoning.String,
			CastAt:    time.UnixMilli(castAt).UTC(),
		}
	}
	return out, rows.Err()
}

// CastInput describes one voter's ballot.
type CastInput struct {
	VoteID    string
	Voter     string
	Choice    string
	Stance    string // consensus only
	Reasoning string
	At        time.Time
	Actor     string
}

// CastVote records one voter's choice. Fails with ErrNotFound, ErrVoteClosed
// (closed or past deadline), ErrNotEligible, ErrInvalidVote (unknown
// option), or ErrAlreadyVoted.
func (s *Store) CastVote(ctx context.Context, in CastInput) error {
	return s.withImmediateTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		v, err := s.getVote(ctx, conn, in.VoteID)
		if err != nil {
			return err
		}
		if v.Status != "open" || !in.At.Before(v.Deadline) {
			return ErrVoteClosed
		}
		if !contains(v.Eligible, in.Voter) {
			return ErrNotEligible
		}
		if !contains(v.Options, in.Choice) {
			return ErrInvalidVote
		}
		if _, already := v.Casts[in.Voter]; already {
			return ErrAlreadyVoted
		}

		res, err := conn.ExecContext(ctx, `
INSERT INTO vote_casts(vote_id, voter, choice, stance, reasoning, cast_at) VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(vote_id, voter) DO NOTHING`,
			in.VoteID, in.Voter, in.Choice, nullableString2(in.Stance), nullableString2(in.Reasoning), in.At.UnixMilli())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrAlreadyVoted
		}
		return insertAudit(ctx, conn, in.At, in.Actor, "vote.cast", fmt.Sprintf("vote=%s voter=%s", in.VoteID, in.Voter))
	})
}

func nullableString2(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// TallyVote closes the vote (if still open) and computes its result per
// mechanism. Idempotent: a second call on an already-closed vote returns
// the stored result unchanged.
func (s *Store) TallyVote(ctx context.Context, actor, voteID string, at time.Time) (*VoteResult, error) {
	var result *VoteResult
	err := s.withImmediateTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		v, err := s.getVote(ctx, conn, voteID)
		if err != nil {
			return err
		}
		if v.Status == "closed" && v.Result != nil {
			result = v.Result
			return nil
		}

		r := computeTally(v)
		resultJSON, err := json.Marshal(r)
		if err != nil {
			return err
		}
		if _, err := conn.ExecContext(ctx, `UPDATE votes SET status='closed', result=? WHERE vote_id=?`, string(resultJSON), voteID); err != nil {
			return err
		}
		if err := insertAudit(ctx, conn, at, actor, "vote.tally", fmt.Sprintf("vote=%s outcome=%s", voteID, r.Outcome)); err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}

// computeTally implements the three mechanisms' exact semantics: quorum
// gates all of them before the mechanism-specific computation is consulted.
func computeTally(v *Vote) *VoteResult {
	eligibleCount := len(v.Eligible)
	castCount := len(v.Casts)

	if castCount*2 < eligibleCount {
		return &VoteResult{Outcome: "no_quorum", CastCount: castCount, Eligible: eligibleCount}
	}

	switch v.Mechanism {
	case "weighted":
		tally := make(map[string]int)
		for voter, cast := range v.Casts {
			w := 1
			if v.Weights != nil {
				if voterWeight, ok := v.Weights[voter]; ok {
					w = voterWeight
				}
			}
			tally[cast.Choice] += w
		}
		return tallyWinner(tally, castCount, eligibleCount)

	case "consensus":
		return consensusResult(v, castCount, eligibleCount)

	default: // simple_majority
		tally := make(map[string]int)
		for _, cast := range v.Casts {
			tally[cast.Choice]++
		}
		return tallyWinner(tally, castCount, eligibleCount)
	}
}

func tallyWinner(tally map[string]int, castCount, eligibleCount int) *VoteResult {
	best := -1
	bestCount := 0
	for _, n := range tally {
		if n > best {
			best = n
			bestCount = 1
		} else if n == best {
			bestCount++
		}
	}
	outcome := "passed"
	if bestCount > 1 {
		outcome = "tie"
	}
	return &VoteResult{Outcome: outcome, Tally: tally, CastCount: castCount, Eligible: eligibleCount}
}

func consensusResult(v *Vote, castCount, eligibleCount int) *VoteResult {
	tally := make(map[string]int)
	support := 0
	var blockers []Blocker
	for voter, cast := range v.Casts {
		tally[cast.Choice]++
		switch cast.Stance {
		case "block":
			blockers = append(blockers, Blocker{Voter: voter, Reasoning: cast.Reasoning})
		case "support":
			support++
		}
	}
	threshold := int(math.Ceil(float64(castCount) / 2))
	outcome := "blocked"
	if len(blockers) == 0 && support >= threshold {
		outcome = "passed"
	}
	return &VoteResult{Outcome: outcome, Tally: tally, Blockers: blockers, CastCount: castCount, Eligible: eligibleCount}
}

// VoteStatus returns the current vote record, including its status and, if
// closed, its result.
func (s *Store) VoteStatus(ctx context.Context, voteID string) (*Vote, error) {
	return s.GetVote(ctx, voteID)
}
