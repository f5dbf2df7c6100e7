package cli

import (
	"fmt"

	"github.com/agentbus/agentbus/internal/config"
	"github.com/agentbus/agentbus/internal/registry"
	"github.com/agentbus/agentbus/internal/store"
	"github.com/spf13/cobra"
)

func newAgentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Heartbeat, health, and channel subscriptions",
	}
	cmd.AddCommand(newAgentHeartbeatCmd())
	cmd.AddCommand(newAgentHealthCmd())
	cmd.AddCommand(newAgentSubscribeCmd())
	cmd.AddCommand(newAgentUnsubscribeCmd())
	cmd.AddCommand(newAgentChannelsCmd())
	cmd.AddCommand(newAgentSubscribersCmd())
	return cmd
}

func openRegistry(cmd *cobra.Command) (*registry.Registry, *store.Store, error) {
	home := config.MustHomeFrom(cmd.Context())
	th, err := config.LoadThresholds(home)
	if err != nil {
		return nil, nil, err
	}
	s, err := store.Open(home)
	if err != nil {
		return nil, nil, err
	}
	return registry.New(s, th.HeartbeatActive, th.HeartbeatDegraded), s, nil
}

func newAgentHeartbeatCmd() *cobra.Command {
	var agent, status, currentTask string
	cmd := &cobra.Command{
		Use:   "heartbeat",
		Short: "Report an agent's current liveness status",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, s, err := openRegistry(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			var taskPtr *string
			if currentTask != "" {
				taskPtr = &currentTask
			}
			if err := r.Heartbeat(cmd.Context(), agent, status, taskPtr); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "Agent ID (required)")
	cmd.Flags().StringVar(&status, "status", "active", "Reported status")
	cmd.Flags().StringVar(&currentTask, "current-task", "", "Task ID the agent is working on, if any")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func newAgentHealthCmd() *cobra.Command {
	var agent string
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Show an agent's persisted status plus its derived liveness",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, s, err := openRegistry(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			h, err := r.Health(cmd.Context(), agent)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), h)
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "Agent ID (required)")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func newAgentSubscribersCmd() *cobra.Command {
	var channel string
	cmd := &cobra.Command{
		Use:   "subscribers",
		Short: "List agents subscribed to a channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, s, err := openRegistry(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			agents, err := r.SubscribersOf(cmd.Context(), channel)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), agents)
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "general", "Channel")
	return cmd
}

func newAgentSubscribeCmd() *cobra.Command {
	var agent, channel string
	cmd := &cobra.Command{
		Use:   "subscribe",
		Short: "Subscribe an agent to a channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, s, err := openRegistry(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			if err := r.Subscribe(cmd.Context(), agent, channel); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "Agent ID (required)")
	cmd.Flags().StringVar(&channel, "channel", "", "Channel (required)")
	_ = cmd.MarkFlagRequired("agent")
	_ = cmd.MarkFlagRequired("channel")
	return cmd
}

func newAgentUnsubscribeCmd() *cobra.Command {
	var agent, channel string
	cmd := &cobra.Command{
		Use:   "unsubscribe",
		Short: "Unsubscribe an agent from a channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, s, err := openRegistry(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			if err := r.Unsubscribe(cmd.Context(), agent, channel); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "Agent ID (required)")
	cmd.Flags().StringVar(&channel, "channel", "", "Channel (required)")
	_ = cmd.MarkFlagRequired("agent")
	_ = cmd.MarkFlagRequired("channel")
	return cmd
}

func newAgentChannelsCmd() *cobra.Command {
	var agent string
	cmd := &cobra.Command{
		Use:   "channels",
		Short: "List an agent's channel subscriptions",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, s, err := openRegistry(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			chans, err := r.Channels(cmd.Context(), agent)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), chans)
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "Agent ID (required)")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}
