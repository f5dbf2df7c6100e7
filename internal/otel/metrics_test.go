package otel

import (
	"context"
	"testing"
	"time"
)

func TestInitMetrics_RecordCounters(t *testing.T) {
	ctx := context.Background()
	_, err := InitMeterProvider(ctx, "metrics-test")
	if err != nil {
		t.Fatalf("InitMeterProvider: %v", err)
	}
	if err := InitMetrics(ctx); err != nil {
		t.Fatalf("InitMetrics: %v", err)
	}
	RecordSubmit(ctx, "task.claim", "general")
	RecordClaim(ctx, "message", true)
	RecordClaim(ctx, "task", false)
	RecordComplete(ctx, "done")
	RecordTally(ctx, "consensus", "blocked")
}

func TestRecordAskLatency_RecordMaintenanceSweep(t *testing.T) {
	ctx := context.Background()
	_, _ = InitMeterProvider(ctx, "record-test")
	_ = InitMetrics(ctx)
	RecordAskLatency(ctx, 100*time.Millisecond, "matched")
	RecordMaintenanceSweep(ctx, 50*time.Millisecond)
}

func TestInitMetricsWithAgentCount(t *testing.T) {
	ctx := context.Background()
	_, _ = InitMeterProvider(ctx, "agentcount-test")
	err := InitMetricsWithAgentCount(ctx, func() (active, degraded, stale int64) {
		return 1, 2, 3
	})
	if err != nil {
		t.Fatalf("InitMetricsWithAgentCount: %v", err)
	}
}

func TestInitMetricsWithAgentCount_nilFunc(t *testing.T) {
	ctx := context.Background()
	_, _ = InitMeterProvider(ctx, "agentcount-nil-test")
	err := InitMetricsWithAgentCount(ctx, nil)
	if err != nil {
		t.Fatalf("InitMetricsWithAgentCount(nil): %v", err)
	}
}
