package cli

import (
	"fmt"
	"time"

	"github.com/agentbus/agentbus/internal/config"
	"github.com/agentbus/agentbus/internal/jobboard"
	"github.com/agentbus/agentbus/internal/store"
	"github.com/spf13/cobra"
)

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Create, claim, and track job-board tasks",
	}
	cmd.AddCommand(newTaskCreateCmd())
	cmd.AddCommand(newTaskAvailableCmd())
	cmd.AddCommand(newTaskGetCmd())
	cmd.AddCommand(newTaskClaimCmd())
	cmd.AddCommand(newTaskUpdateCmd())
	cmd.AddCommand(newTaskCompleteCmd())
	cmd.AddCommand(newTaskReassignStaleCmd())
	return cmd
}

func openBoard(cmd *cobra.Command) (*jobboard.Board, *store.Store, error) {
	s, err := openStore(cmd)
	if err != nil {
		return nil, nil, err
	}
	return jobboard.New(s), s, nil
}

func newTaskCreateCmd() *cobra.Command {
	var (
		title, description, actor, depsRaw string
		priority                           int
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new open task",
		RunE: func(cmd *cobra.Command, args []string) error {
			board, s, err := openBoard(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			id, err := board.Create(cmd.Context(), jobboard.CreateParams{
				Title:        title,
				Description:  description,
				Priority:     priority,
				Dependencies: splitCSV(depsRaw),
				Actor:        actor,
			})
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "Task title (required)")
	cmd.Flags().StringVar(&description, "description", "", "Task description")
	cmd.Flags().IntVar(&priority, "priority", 5, "Priority 1-10")
	cmd.Flags().StringVar(&depsRaw, "depends-on", "", "Comma-separated IDs of tasks this one depends on")
	cmd.Flags().StringVar(&actor, "actor", "", "Acting agent ID (required)")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func newTaskAvailableCmd() *cobra.Command {
	var agent string
	cmd := &cobra.Command{
		Use:   "available",
		Short: "List open tasks whose dependencies are all done",
		RunE: func(cmd *cobra.Command, args []string) error {
			board, s, err := openBoard(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			var agentPtr *string
			if agent != "" {
				agentPtr = &agent
			}
			tasks, err := board.Available(cmd.Context(), agentPtr)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), tasks)
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "Exclude tasks assigned to a different agent (optional)")
	return cmd
}

func newTaskGetCmd() *cobra.Command {
	var taskID string
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Show one task",
		RunE: func(cmd *cobra.Command, args []string) error {
			board, s, err := openBoard(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			t, err := board.Get(cmd.Context(), taskID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), t)
		},
	}
	cmd.Flags().StringVar(&taskID, "id", "", "Task ID (required)")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newTaskClaimCmd() *cobra.Command {
	var agent, taskID string
	cmd := &cobra.Command{
		Use:   "claim",
		Short: "Atomically claim an open, dependency-satisfied task",
		RunE: func(cmd *cobra.Command, args []string) error {
			board, s, err := openBoard(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			if err := board.Claim(cmd.Context(), agent, taskID); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "Claiming agent ID (required)")
	cmd.Flags().StringVar(&taskID, "id", "", "Task ID (required)")
	_ = cmd.MarkFlagRequired("agent")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newTaskUpdateCmd() *cobra.Command {
	var actor, taskID, status string
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Transition a task's status (assigned->in-progress, in-progress->blocked, blocked->in-progress)",
		RunE: func(cmd *cobra.Command, args []string) error {
			board, s, err := openBoard(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			if err := board.Update(cmd.Context(), actor, taskID, status); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "Acting agent ID (required)")
	cmd.Flags().StringVar(&taskID, "id", "", "Task ID (required)")
	cmd.Flags().StringVar(&status, "status", "", "New status (required)")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func newTaskCompleteCmd() *cobra.Command {
	var actor, taskID, result, errMsg string
	cmd := &cobra.Command{
		Use:   "complete",
		Short: "Complete an in-progress task as done or failed",
		RunE: func(cmd *cobra.Command, args []string) error {
			board, s, err := openBoard(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			if err := board.Complete(cmd.Context(), actor, taskID, result, errMsg); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "Acting agent ID (required)")
	cmd.Flags().StringVar(&taskID, "id", "", "Task ID (required)")
	cmd.Flags().StringVar(&result, "result", "", "Result note")
	cmd.Flags().StringVar(&errMsg, "error", "", "Error message; completes as failed instead of done")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newTaskReassignStaleCmd() *cobra.Command {
	var actor string
	var staleThreshold time.Duration
	cmd := &cobra.Command{
		Use:   "reassign-stale",
		Short: "Reset tasks assigned/in-progress past the stale threshold back to open",
		RunE: func(cmd *cobra.Command, args []string) error {
			board, s, err := openBoard(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			if staleThreshold == 0 {
				home := config.MustHomeFrom(cmd.Context())
				th, err := config.LoadThresholds(home)
				if err != nil {
					return err
				}
				staleThreshold = th.StaleTaskThreshold
			}
			ids, err := board.ReassignStale(cmd.Context(), actor, staleThreshold)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), ids)
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "Acting agent ID (required)")
	cmd.Flags().DurationVar(&staleThreshold, "stale-threshold", 0, "Override the configured stale-task threshold")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}
