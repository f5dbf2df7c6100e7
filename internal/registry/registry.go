package registry

import (
	"context"
	"errors"
	"time"

	"github.com/agentbus/agentbus/internal/clockid"
	"github.com/agentbus/agentbus/internal/store"
)

// Liveness classifications.
const (
	LivenessActive   = "active"
	LivenessDegraded = "degraded"
	LivenessStale    = "stale"
)

// Registry is the agent health registry.
type Registry struct {
	store          *store.Store
	activeWindow   time.Duration
	degradedWindow time.Duration
}

// New wires a Registry over s. activeWindow and degradedWindow are the
// heartbeat-age cutoffs for "active" and "degraded" liveness; beyond
// degradedWindow an agent reads as "stale".
func New(s *store.Store, activeWindow, degradedWindow time.Duration) *Registry {
	return &Registry{store: s, activeWindow: activeWindow, degradedWindow: degradedWindow}
}

// Heartbeat upserts agent's status row. Idempotent.
func (r *Registry) Heartbeat(ctx context.Context, agent, status string, currentTask *string) error {
	return r.store.Heartbeat(ctx, agent, agent, status, currentTask)
}

// Health is an agent's persisted status augmented with the liveness derived
// from how long ago it last heartbeated.
type Health struct {
	store.AgentStatus
	Liveness string
}

// Health returns agent's status plus its derived liveness classification:
// active within activeWindow, degraded within degradedWindow, stale beyond
// it. Returns ErrNotFound if agent has no status row.
func (r *Registry) Health(ctx context.Context, agent string) (*Health, error) {
	st, err := r.store.GetAgentStatus(ctx, agent)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	age := clockid.Now().Sub(st.LastHeartbeat)
	liveness := LivenessStale
	switch {
	case age <= r.activeWindow:
		liveness = LivenessActive
	case age <= r.degradedWindow:
		liveness = LivenessDegraded
	}
	return &Health{AgentStatus: *st, Liveness: liveness}, nil
}

// LivenessCounts classifies every known agent and returns how many fall
// into each liveness bucket. Used to drive the agent-count gauge.
func (r *Registry) LivenessCounts(ctx context.Context) (active, degraded, stale int64, err error) {
	statuses, err := r.store.ListAgentStatuses(ctx)
	if err != nil {
		return 0, 0, 0, err
	}
	now := clockid.Now()
	for _, st := range statuses {
		age := now.Sub(st.LastHeartbeat)
		switch {
		case age <= r.activeWindow:
			active++
		case age <= r.degradedWindow:
			degraded++
		default:
			stale++
		}
	}
	return active, degraded, stale, nil
}

// Subscribe adds agent to channel's subscriber set. Idempotent.
// Subscribing after a broadcast was sent does not retroactively create a
// delivery row for it.
func (r *Registry) Subscribe(ctx context.Context, agent, channel string) error {
	return r.store.Subscribe(ctx, agent, agent, channel)
}

// Unsubscribe removes agent from channel's subscriber set.
func (r *Registry) Unsubscribe(ctx context.Context, agent, channel string) error {
	return r.store.Unsubscribe(ctx, agent, agent, channel)
}

// Channels lists agent's subscriptions, including the implicit "general" one.
func (r *Registry) Channels(ctx context.Context, agent string) ([]string, error) {
	return r.store.Channels(ctx, agent)
}

// SubscribersOf lists the agents currently subscribed to channel.
func (r *Registry) SubscribersOf(ctx context.Context, channel string) ([]string, error) {
	return r.store.SubscribersOf(ctx, channel)
}
