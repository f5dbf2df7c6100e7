package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agentbus/agentbus/internal/breaker"
	"github.com/agentbus/agentbus/internal/ratelimit"
	"github.com/agentbus/agentbus/internal/store"
)

func newTestBroker(t *testing.T) (*Broker, *store.Store) {
	t.Helper()
	s, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	b := New(s, ratelimit.New(100, 1000), breaker.New(5, time.Minute))
	return b, s
}

func TestSubmit_validation(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	if _, err := b.Submit(ctx, SubmitParams{Type: "heartbeat", Payload: map[string]any{"agent": "a1", "status": "active"}}); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("want ErrInvalidMessage for missing sender, got %v", err)
	}
	if _, err := b.Submit(ctx, SubmitParams{Sender: "a1", Payload: map[string]any{}}); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("want ErrInvalidMessage for missing type, got %v", err)
	}
	if _, err := b.Submit(ctx, SubmitParams{Sender: "a1", Type: "heartbeat", Payload: map[string]any{"agent": "a1", "status": "active"}, Priority: 11}); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("want ErrInvalidMessage for out-of-range priority, got %v", err)
	}
	empty := ""
	if _, err := b.Submit(ctx, SubmitParams{Sender: "a1", Type: "heartbeat", Payload: map[string]any{"agent": "a1", "status": "active"}, Recipient: &empty}); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("want ErrInvalidMessage for empty recipient, got %v", err)
	}
}

func TestSubmit_rejectsMalformedKnownEnvelope(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	// task.claim requires task_id/assignee strings; a number in their place
	// fails the envelope decode rather than being accepted opaquely.
	_, err := b.Submit(ctx, SubmitParams{
		Sender:  "a1",
		Type:    "task.claim",
		Payload: map[string]any{"task_id": 123, "assignee": "a1"},
	})
	if !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("want ErrInvalidMessage for malformed task.claim payload, got %v", err)
	}
}

func TestSubmit_unknownTypePassesThroughOpaquely(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	id, err := b.Submit(ctx, SubmitParams{
		Sender:  "a1",
		Type:    "custom.capability.announce",
		Payload: map[string]any{"capability": "translate"},
	})
	if err != nil {
		t.Fatalf("submit unknown type: %v", err)
	}
	if id == "" {
		t.Fatal("want non-empty message id")
	}
}

func TestSubmitClaimComplete_directMessage(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()
	recipient := "worker-1"

	id, err := b.Submit(ctx, SubmitParams{
		Sender:    "coordinator",
		Type:      "task.claim",
		Payload:   map[string]any{"task_id": "t1", "assignee": "worker-1"},
		Recipient: &recipient,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	msgs, err := b.Peek(ctx, "worker-1", nil, 10)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if len(msgs) != 1 || msgs[0].MessageID != id {
		t.Fatalf("want one pending message %q, got %+v", id, msgs)
	}

	claimed, isBroadcast, err := b.Claim(ctx, "worker-1", id)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !claimed || isBroadcast {
		t.Fatalf("want claimed=true isBroadcast=false, got %v %v", claimed, isBroadcast)
	}

	if err := b.Complete(ctx, "worker-1", id, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
}

func TestRateLimiting(t *testing.T) {
	s, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	b := New(s, ratelimit.New(1, 0), breaker.New(5, time.Minute))
	ctx := context.Background()

	if _, err := b.Submit(ctx, SubmitParams{Sender: "a1", Type: "heartbeat", Payload: map[string]any{"agent": "a1", "status": "active"}}); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if _, err := b.Submit(ctx, SubmitParams{Sender: "a1", Type: "heartbeat", Payload: map[string]any{"agent": "a1", "status": "active"}}); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("want ErrRateLimited on second submit with exhausted bucket, got %v", err)
	}
}

func TestCircuitBreaker_opensAfterThreshold(t *testing.T) {
	s, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	_ = s.Close() // closed store: every submit through it fails, tripping the breaker
	b := New(s, ratelimit.New(100, 1000), breaker.New(2, time.Minute))
	ctx := context.Background()

	var lastErr error
	for i := 0; i < 2; i++ {
		_, lastErr = b.Submit(ctx, SubmitParams{Sender: "a1", Type: "heartbeat", Payload: map[string]any{"agent": "a1", "status": "active"}})
	}
	if lastErr == nil {
		t.Fatal("want failures against a closed store")
	}

	_, err = b.Submit(ctx, SubmitParams{Sender: "a1", Type: "heartbeat", Payload: map[string]any{"agent": "a1", "status": "active"}})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("want ErrCircuitOpen after threshold failures, got %v", err)
	}
}

func TestReply_correlatesAndCompletesInbound(t *testing.T) {
	b, s := newTestBroker(t)
	ctx := context.Background()
	recipient := "cm"

	reqID, err := b.Submit(ctx, SubmitParams{
		Sender:    "a1",
		Type:      "context.query",
		Payload:   map[string]any{"subject": "build status"},
		Recipient: &recipient,
	})
	if err != nil {
		t.Fatalf("submit request: %v", err)
	}
	inbound, err := s.GetMessage(ctx, reqID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}

	respID, err := b.Reply(ctx, *inbound, map[string]any{"subject": "build status", "data": map[string]any{"ok": true}}, "")
	if err != nil {
		t.Fatalf("reply: %v", err)
	}

	resp, err := s.GetMessage(ctx, respID)
	if err != nil {
		t.Fatalf("get response: %v", err)
	}
	if resp.CorrelationID == nil || *resp.CorrelationID != reqID {
		t.Fatalf("want correlation id %q, got %v", reqID, resp.CorrelationID)
	}
	if resp.Type != "context.query.response" {
		t.Fatalf("want default response type, got %q", resp.Type)
	}

	again, err := s.GetMessage(ctx, reqID)
	if err != nil {
		t.Fatalf("get request after reply: %v", err)
	}
	if again.Status != "done" {
		t.Fatalf("want inbound marked done, got %q", again.Status)
	}
}

func TestReply_rejectsBroadcast(t *testing.T) {
	b, _ := newTestBroker(t)
	broadcast := store.Message{MessageID: "bc1", Type: "broadcast", Sender: "coordinator", Recipient: nil}
	if _, err := b.Reply(context.Background(), broadcast, map[string]any{}, ""); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("want ErrInvalidMessage replying to a broadcast, got %v", err)
	}
}

func TestAsk_timesOutWithNoResponse(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	_, err := b.Ask(ctx, "a1", "cm", "context.query", map[string]any{"subject": "x"}, 75*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("want ErrTimeout, got %v", err)
	}
}

func TestBroadcastStatus(t *testing.T) {
	b, s := newTestBroker(t)
	ctx := context.Background()

	if err := s.Heartbeat(ctx, "w1", "w1", "active", nil); err != nil {
		t.Fatalf("heartbeat w1: %v", err)
	}
	if err := s.Heartbeat(ctx, "w2", "w2", "active", nil); err != nil {
		t.Fatalf("heartbeat w2: %v", err)
	}

	id, err := b.Submit(ctx, SubmitParams{Sender: "coordinator", Type: "broadcast", Payload: map[string]any{"topic": "reload"}})
	if err != nil {
		t.Fatalf("submit broadcast: %v", err)
	}

	counts, err := b.BroadcastStatus(ctx, id)
	if err != nil {
		t.Fatalf("broadcast status: %v", err)
	}
	if counts.Delivered != 2 {
		t.Fatalf("want 2 delivered, got %+v", counts)
	}

	claimed, isBroadcast, err := b.Claim(ctx, "w1", id)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !claimed || !isBroadcast {
		t.Fatalf("want claimed=true isBroadcast=true, got %v %v", claimed, isBroadcast)
	}

	counts, err = b.BroadcastStatus(ctx, id)
	if err != nil {
		t.Fatalf("broadcast status after claim: %v", err)
	}
	if counts.Acknowledged != 1 || counts.Delivered != 1 {
		t.Fatalf("want 1 acknowledged, 1 still delivered, got %+v", counts)
	}
}

func TestIsNotFound_and_IsDuplicateResponse(t *testing.T) {
	if !IsNotFound(store.ErrNotFound) {
		t.Fatal("want IsNotFound true for store.ErrNotFound")
	}
	if !IsDuplicateResponse(store.ErrDuplicateResponse) {
		t.Fatal("want IsDuplicateResponse true for store.ErrDuplicateResponse")
	}
	if IsNotFound(store.ErrDuplicateResponse) || IsDuplicateResponse(store.ErrNotFound) {
		t.Fatal("sentinels must not cross-match")
	}
}
