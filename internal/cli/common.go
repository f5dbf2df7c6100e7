package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/agentbus/agentbus/internal/breaker"
	"github.com/agentbus/agentbus/internal/broker"
	"github.com/agentbus/agentbus/internal/config"
	"github.com/agentbus/agentbus/internal/ratelimit"
	"github.com/agentbus/agentbus/internal/store"
	"github.com/spf13/cobra"
)

// openStore resolves the configured home and opens the database for a
// single CLI invocation's lifetime.
func openStore(cmd *cobra.Command) (*store.Store, error) {
	home := config.MustHomeFrom(cmd.Context())
	return store.Open(home)
}

// openBroker opens a store and wires a Broker over it, sized from the
// configured thresholds. Each CLI invocation gets its own rate limiter and
// circuit breaker, so bucket/trip state does not persist across commands;
// the daemon process is where those guards matter continuously.
func openBroker(cmd *cobra.Command) (*broker.Broker, *store.Store, error) {
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
	return b, s, nil
}

// parsePayload decodes a --payload JSON document into a generic map, the
// shape internal/broker.Submit expects. An empty string yields an empty
// object rather than nil, since every submitted message carries a
// structured payload.
func parsePayload(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("--payload: invalid JSON: %w", err)
	}
	return out, nil
}

// splitCSV splits a comma-separated flag value, trimming whitespace and
// dropping empty entries.
func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// printJSON writes v to w as indented JSON followed by a newline.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
