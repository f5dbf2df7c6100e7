package cli

import (
	"fmt"
	"time"

	"github.com/agentbus/agentbus/internal/broker"
	"github.com/spf13/cobra"
)

func newMessageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "message",
		Aliases: []string{"msg"},
		Short:   "Submit, peek, claim, and complete messages",
	}
	cmd.AddCommand(newMessageSubmitCmd())
	cmd.AddCommand(newMessagePeekCmd())
	cmd.AddCommand(newMessageClaimCmd())
	cmd.AddCommand(newMessageCompleteCmd())
	cmd.AddCommand(newMessageReplyCmd())
	cmd.AddCommand(newMessageAskCmd())
	cmd.AddCommand(newMessageBroadcastStatusCmd())
	cmd.AddCommand(newMessageDeadLetterCmd())
	return cmd
}

func newMessageSubmitCmd() *cobra.Command {
	var (
		sender, msgType, recipient, channel, correlationID, payloadRaw string
		priority                                                      int
		ttl                                                           time.Duration
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a message (direct if --recipient is set, broadcast otherwise)",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parsePayload(payloadRaw)
			if err != nil {
				return err
			}
			b, s, err := openBroker(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			var recipientPtr *string
			if recipient != "" {
				recipientPtr = &recipient
			}
			var corrPtr *string
			if correlationID != "" {
				corrPtr = &correlationID
			}
			id, err := b.Submit(cmd.Context(), broker.SubmitParams{
				Sender:        sender,
				Type:          msgType,
				Payload:       payload,
				Recipient:     recipientPtr,
				Channel:       channel,
				Priority:      priority,
				CorrelationID: corrPtr,
				TTL:           ttl,
			})
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringVar(&sender, "sender", "", "Sending agent ID (required)")
	cmd.Flags().StringVar(&msgType, "type", "", "Message type (required)")
	cmd.Flags().StringVar(&recipient, "recipient", "", "Recipient agent ID; omit for a broadcast")
	cmd.Flags().StringVar(&channel, "channel", "general", "Channel")
	cmd.Flags().IntVar(&priority, "priority", 5, "Priority 1-10 (higher delivered first)")
	cmd.Flags().StringVar(&correlationID, "correlation-id", "", "Correlation ID, for replies")
	cmd.Flags().StringVar(&payloadRaw, "payload", "{}", "JSON payload document")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Time-to-live before the message expires (0 = no expiry)")
	_ = cmd.MarkFlagRequired("sender")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func newMessagePeekCmd() *cobra.Command {
	var agent, channelsRaw string
	var limit int
	cmd := &cobra.Command{
		Use:   "peek",
		Short: "List pending messages visible to an agent, without claiming them",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, s, err := openBroker(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			channels := []string{"general"}
			if channelsRaw != "" {
				channels = splitCSV(channelsRaw)
			}
			msgs, err := b.Peek(cmd.Context(), agent, channels, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), msgs)
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "Agent ID (required)")
	cmd.Flags().StringVar(&channelsRaw, "channels", "", "Comma-separated channels (default: general)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Max messages to return")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func newMessageClaimCmd() *cobra.Command {
	var agent, messageID string
	cmd := &cobra.Command{
		Use:   "claim",
		Short: "Atomically claim a pending message",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, s, err := openBroker(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			claimed, isBroadcast, err := b.Claim(cmd.Context(), agent, messageID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"claimed": claimed, "broadcast": isBroadcast})
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "Claiming agent ID (required)")
	cmd.Flags().StringVar(&messageID, "id", "", "Message ID (required)")
	_ = cmd.MarkFlagRequired("agent")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newMessageCompleteCmd() *cobra.Command {
	var actor, messageID, errMsg string
	cmd := &cobra.Command{
		Use:   "complete",
		Short: "Mark a claimed message done or failed",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, s, err := openBroker(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			var errPtr *string
			if errMsg != "" {
				errPtr = &errMsg
			}
			if err := b.Complete(cmd.Context(), actor, messageID, errPtr); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "Acting agent ID (required)")
	cmd.Flags().StringVar(&messageID, "id", "", "Message ID (required)")
	cmd.Flags().StringVar(&errMsg, "error", "", "Error message; completes as failed instead of done")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newMessageReplyCmd() *cobra.Command {
	var messageID, responseType, payloadRaw string
	cmd := &cobra.Command{
		Use:   "reply",
		Short: "Reply to an inbound direct message, preserving its correlation ID",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parsePayload(payloadRaw)
			if err != nil {
				return err
			}
			b, s, err := openBroker(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			inbound, err := s.GetMessage(cmd.Context(), messageID)
			if err != nil {
				return err
			}
			id, err := b.Reply(cmd.Context(), *inbound, payload, responseType)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringVar(&messageID, "id", "", "Inbound message ID to reply to (required)")
	cmd.Flags().StringVar(&responseType, "type", "", "Response type (default: <inbound type>.response)")
	cmd.Flags().StringVar(&payloadRaw, "payload", "{}", "JSON payload document")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newMessageAskCmd() *cobra.Command {
	var sender, recipient, msgType, payloadRaw string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "ask",
		Short: "Submit a request and block for its correlated reply",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parsePayload(payloadRaw)
			if err != nil {
				return err
			}
			b, s, err := openBroker(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			out, err := b.Ask(cmd.Context(), sender, recipient, msgType, payload, timeout)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&sender, "sender", "", "Asking agent ID (required)")
	cmd.Flags().StringVar(&recipient, "recipient", "", "Recipient agent ID (required)")
	cmd.Flags().StringVar(&msgType, "type", "", "Message type (required)")
	cmd.Flags().StringVar(&payloadRaw, "payload", "{}", "JSON payload document")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Max time to wait for a reply")
	_ = cmd.MarkFlagRequired("sender")
	_ = cmd.MarkFlagRequired("recipient")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func newMessageBroadcastStatusCmd() *cobra.Command {
	var messageID string
	cmd := &cobra.Command{
		Use:   "broadcast-status",
		Short: "Show per-state delivery counts for a broadcast message",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, s, err := openBroker(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			counts, err := b.BroadcastStatus(cmd.Context(), messageID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), counts)
		},
	}
	cmd.Flags().StringVar(&messageID, "id", "", "Broadcast message ID (required)")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newMessageDeadLetterCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "dead-letter",
		Short: "List archived messages that failed after exhausting delivery attempts",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			entries, err := s.ListDeadLetter(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), entries)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "Max entries to return")
	return cmd
}
