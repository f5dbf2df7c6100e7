// Package maintenance runs the background dead-letter and archive sweep
// on a cron schedule: expire messages past their TTL (cascading their
// broadcast deliveries), back-stop dead-letter archival for failed
// messages nobody ever completed again, and checkpoint the store's WAL.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/agentbus/agentbus/internal/otel"
	"github.com/agentbus/agentbus/internal/store"
)

// Loop drives periodic Sweep calls on a cron expression, logging each
// pass's results the way the rest of this module reports background work:
// Info on a pass that did something, Debug on a quiet pass, Error on
// failure. It never runs inline with request-path code.
type Loop struct {
	store *store.Store
	cron  *cron.Cron
	actor string
}

// NewLoop builds a maintenance loop that sweeps on expr (a standard 5-field
// cron expression, or one of cron's "@every 60s"-style descriptors).
func NewLoop(s *store.Store, expr string) (*Loop, error) {
	c := cron.New()
	l := &Loop{store: s, cron: c, actor: "maintenance"}
	if _, err := c.AddFunc(expr, l.runOnce); err != nil {
		return nil, err
	}
	return l, nil
}

// Start begins the cron schedule. It returns immediately; the schedule
// runs on cron's own goroutine until ctx is cancelled.
func (l *Loop) Start(ctx context.Context) {
	l.cron.Start()
	go func() {
		<-ctx.Done()
		<-l.cron.Stop().Done()
	}()
}

// RunOnce runs a single sweep synchronously, for callers (tests, an
// operator CLI command) that want one pass without the cron scheduler.
func (l *Loop) RunOnce(ctx context.Context) (store.SweepResult, error) {
	started := time.Now()
	result, err := l.store.Sweep(ctx, l.actor)
	otel.RecordMaintenanceSweep(ctx, time.Since(started))
	return result, err
}

func (l *Loop) runOnce() {
	ctx := context.Background()
	started := time.Now()
	result, err := l.store.Sweep(ctx, l.actor)
	otel.RecordMaintenanceSweep(ctx, time.Since(started))
	if err != nil {
		slog.Error("maintenance sweep failed", "err", err)
		return
	}
	if result.ExpiredMessages > 0 || result.DeadLettered > 0 {
		slog.Info("maintenance sweep", "expired", result.ExpiredMessages, "dead_lettered", result.DeadLettered, "checkpoint", result.CheckpointRan)
	} else {
		slog.Debug("maintenance sweep: nothing to do", "checkpoint", result.CheckpointRan)
	}
}
