package otel

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
)

var (
	initMetricsOnce sync.Once

	submitCounter   metric.Int64Counter
	claimCounter    metric.Int64Counter
	completeCounter metric.Int64Counter
	tallyCounter    metric.Int64Counter

	askLatency     metric.Float64Histogram
	sweepDuration  metric.Float64Histogram

	agentsGauge metric.Int64ObservableGauge
)

// InitMetrics creates the meter instruments. Safe to call multiple times;
// only runs once. Call after InitMeterProvider.
func InitMetrics(ctx context.Context) error {
	var err error
	initMetricsOnce.Do(func() {
		m := Meter()
		submitCounter, err = m.Int64Counter("agentbus_messages_submitted_total", metric.WithDescription("Total messages submitted"))
		if err != nil {
			return
		}
		claimCounter, err = m.Int64Counter("agentbus_claims_total", metric.WithDescription("Total message claim attempts, by outcome"))
		if err != nil {
			return
		}
		completeCounter, err = m.Int64Counter("agentbus_completions_total", metric.WithDescription("Total message completions, by status"))
		if err != nil {
			return
		}
		tallyCounter, err = m.Int64Counter("agentbus_votes_tallied_total", metric.WithDescription("Total votes tallied, by mechanism and outcome"))
		if err != nil {
			return
		}
		askLatency, err = m.Float64Histogram("agentbus_ask_latency_seconds", metric.WithDescription("Latency of request/reply Ask calls"))
		if err != nil {
			return
		}
		sweepDuration, err = m.Float64Histogram("agentbus_maintenance_sweep_duration_seconds", metric.WithDescription("Duration of maintenance sweep runs"))
		if err != nil {
			return
		}
	})
	return err
}

// RecordSubmit records one submitted message.
func RecordSubmit(ctx context.Context, messageType, channel string) {
	if submitCounter == nil {
		return
	}
	submitCounter.Add(ctx, 1, metric.WithAttributes(AttrMessageType.String(messageType), AttrChannel.String(channel)))
}

// RecordClaim records one claim attempt of the given kind, tagged with
// whether it won the race. Only broker.Claim calls it (kind "message");
// task claims are not recorded.
func RecordClaim(ctx context.Context, kind string, won bool) {
	if claimCounter == nil {
		return
	}
	outcome := "lost"
	if won {
		outcome = "won"
	}
	claimCounter.Add(ctx, 1, metric.WithAttributes(AttrMessageType.String(kind), AttrOutcome.String(outcome)))
}

// RecordComplete records one completion (done/failed). Only broker.Complete
// calls it; task completions are not recorded.
func RecordComplete(ctx context.Context, status string) {
	if completeCounter == nil {
		return
	}
	completeCounter.Add(ctx, 1, metric.WithAttributes(AttrStatus.String(status)))
}

// RecordTally records one vote tally, tagged by mechanism and outcome.
func RecordTally(ctx context.Context, mechanism, outcome string) {
	if tallyCounter == nil {
		return
	}
	tallyCounter.Add(ctx, 1, metric.WithAttributes(AttrMechanism.String(mechanism), AttrOutcome.String(outcome)))
}

// RecordAskLatency records the wall-clock duration of an Ask call.
func RecordAskLatency(ctx context.Context, d time.Duration, outcome string) {
	if askLatency == nil {
		return
	}
	askLatency.Record(ctx, d.Seconds(), metric.WithAttributes(AttrOutcome.String(outcome)))
}

// RecordMaintenanceSweep records the duration of one maintenance sweep pass.
func RecordMaintenanceSweep(ctx context.Context, d time.Duration) {
	if sweepDuration == nil {
		return
	}
	sweepDuration.Record(ctx, d.Seconds())
}

// AgentCountFunc returns the number of agents in each liveness class. Used
// for the agentbus_agents gauge.
type AgentCountFunc func() (active, degraded, stale int64)

// InitMetricsWithAgentCount creates instruments and optionally registers a
// callback reporting agent liveness counts. Call after InitMeterProvider.
// If agentCount is nil, the gauge is not reported.
func InitMetricsWithAgentCount(ctx context.Context, agentCount AgentCountFunc) error {
	if err := InitMetrics(ctx); err != nil {
		return err
	}
	if agentCount == nil {
		return nil
	}
	m := Meter()
	var err error
	agentsGauge, err = m.Int64ObservableGauge("agentbus_agents", metric.WithDescription("Number of known agents by liveness class"))
	if err != nil {
		return err
	}
	_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		active, degraded, stale := agentCount()
		o.ObserveInt64(agentsGauge, active, metric.WithAttributes(AttrStatus.String("active")))
		o.ObserveInt64(agentsGauge, degraded, metric.WithAttributes(AttrStatus.String("degraded")))
		o.ObserveInt64(agentsGauge, stale, metric.WithAttributes(AttrStatus.String("stale")))
		return nil
	}, agentsGauge)
	return err
}
