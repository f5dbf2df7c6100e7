package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/agentbus/agentbus/internal/breaker"
	"github.com/agentbus/agentbus/internal/broker"
	"github.com/agentbus/agentbus/internal/config"
	"github.com/agentbus/agentbus/internal/ratelimit"
	"github.com/agentbus/agentbus/internal/store"
	"github.com/agentbus/agentbus/internal/voting"
	"github.com/spf13/cobra"
)

func newVoteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vote",
		Short: "Initiate, cast, and tally votes",
	}
	cmd.AddCommand(newVoteInitiateCmd())
	cmd.AddCommand(newVoteCastCmd())
	cmd.AddCommand(newVoteTallyCmd())
	cmd.AddCommand(newVoteStatusCmd())
	return cmd
}

func openEngine(cmd *cobra.Command) (*voting.Engine, *store.Store, error) {
	home := config.MustHomeFrom(cmd.Context())
	th, err := config.LoadThresholds(home)
	if err != nil {
		return nil, nil, err
	}
	s, err := store.Open(home)
	if err != nil {
		return nil, nil, err
	}
	b := broker.New(s, ratelimit.New(th.RateLimitCapacity, th.RateLimitRefillRate), breaker.New(th.BreakerThreshold, th.BreakerOpenDuration))
	return voting.New(s, b), s, nil
}

func newVoteInitiateCmd() *cobra.Command {
	var (
		proposer, topic, optionsRaw, mechanism, votersRaw, weightsRaw string
		deadlineIn                                                    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "initiate",
		Short: "Open a new vote among at least 3 eligible voters",
		RunE: func(cmd *cobra.Command, args []string) error {
			weights, err := parseWeights(weightsRaw)
			if err != nil {
				return err
			}
			e, s, err := openEngine(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			id, err := e.Initiate(cmd.Context(), voting.InitiateParams{
				Proposer:  proposer,
				Topic:     topic,
				Options:   splitCSV(optionsRaw),
				Mechanism: mechanism,
				Voters:    splitCSV(votersRaw),
				Deadline:  time.Now().Add(deadlineIn),
				Weights:   weights,
			})
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringVar(&proposer, "proposer", "", "Proposing agent ID (required)")
	cmd.Flags().StringVar(&topic, "topic", "", "Vote topic (required)")
	cmd.Flags().StringVar(&optionsRaw, "options", "", "Comma-separated options, at least 2 (required)")
	cmd.Flags().StringVar(&mechanism, "mechanism", "simple_majority", "simple_majority, weighted, or consensus")
	cmd.Flags().StringVar(&votersRaw, "voters", "", "Comma-separated eligible voter IDs, at least 3 (required)")
	cmd.Flags().StringVar(&weightsRaw, "weights", "", "weighted mechanism only: voter=weight,voter=weight (1-3)")
	cmd.Flags().DurationVar(&deadlineIn, "deadline-in", time.Hour, "Deadline, relative to now")
	_ = cmd.MarkFlagRequired("proposer")
	_ = cmd.MarkFlagRequired("topic")
	_ = cmd.MarkFlagRequired("options")
	_ = cmd.MarkFlagRequired("voters")
	return cmd
}

func parseWeights(raw string) (map[string]int, error) {
	if raw == "" {
		return nil, nil
	}
	out := make(map[string]int)
	for _, pair := range splitCSV(raw) {
		voter, weightStr, ok := strings.Cut(pair, "=")
		if !ok || voter == "" {
			return nil, fmt.Errorf("--weights: expected voter=weight, got %q", pair)
		}
		weight, err := strconv.Atoi(weightStr)
		if err != nil {
			return nil, fmt.Errorf("--weights: invalid weight in %q", pair)
		}
		out[voter] = weight
	}
	return out, nil
}

func newVoteCastCmd() *cobra.Command {
	var voteID, voter, choice, stance, reasoning string
	cmd := &cobra.Command{
		Use:   "cast",
		Short: "Cast one ballot on an open vote",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, s, err := openEngine(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			if err := e.Cast(cmd.Context(), voting.CastParams{
				VoteID:    voteID,
				Voter:     voter,
				Choice:    choice,
				Stance:    stance,
				Reasoning: reasoning,
			}); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
	cmd.Flags().StringVar(&voteID, "id", "", "Vote ID (required)")
	cmd.Flags().StringVar(&voter, "voter", "", "Voting agent ID (required)")
	cmd.Flags().StringVar(&choice, "choice", "", "Chosen option (required)")
	cmd.Flags().StringVar(&stance, "stance", "", "consensus only: support, acceptable, or block (default support)")
	cmd.Flags().StringVar(&reasoning, "reasoning", "", "consensus only: reasoning, expected alongside a block stance")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("voter")
	_ = cmd.MarkFlagRequired("choice")
	return cmd
}

func newVoteTallyCmd() *cobra.Command {
	var actor, voteID string
	cmd := &cobra.Command{
		Use:   "tally",
		Short: "Close a vote (if still open) and compute its outcome",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, s, err := openEngine(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			result, err := e.Tally(cmd.Context(), actor, voteID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "Acting agent ID (required)")
	cmd.Flags().StringVar(&voteID, "id", "", "Vote ID (required)")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newVoteStatusCmd() *cobra.Command {
	var voteID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a vote's current record",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, s, err := openEngine(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			v, err := e.Status(cmd.Context(), voteID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), v)
		},
	}
	cmd.Flags().StringVar(&voteID, "id", "", "Vote ID (required)")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}
