package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// TestConcurrentClaim_exactlyOneWinner checks that among N concurrent claim
// attempts on one pending direct message, exactly one commits the
// pending->processing transition.
func TestConcurrentClaim_exactlyOneWinner(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	recipient := "w"
	msgID := "11111111-1111-1111-1111-111111111111"
	if err := s.SubmitMessage(ctx, SubmitInput{
		MessageID: msgID, Type: "task.claim", ProtocolVersion: "1.0",
		CreatedAt: time.Now().UTC(), Sender: "s", Recipient: &recipient,
		Channel: "general", Priority: 5, Payload: []byte(`{}`), Actor: "s",
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	const workers = 3
	var wg sync.WaitGroup
	results := make([]bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			claimed, _, err := s.ClaimMessage(ctx, "w", "w", msgID)
			if err != nil {
				t.Errorf("claim %d: %v", idx, err)
				return
			}
			results[idx] = claimed
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, r := range results {
		if r {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("want exactly 1 winner, got %d (%v)", wins, results)
	}

	m, err := s.GetMessage(ctx, msgID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if m.Status != "processing" {
		t.Fatalf("want processing, got %s", m.Status)
	}
	if m.DeliveryCount != 1 {
		t.Fatalf("want delivery_count 1, got %d", m.DeliveryCount)
	}
}

// TestBroadcastFanout checks that a broadcast snapshots current channel
// subscribers and each gets exactly one independent delivery row.
func TestBroadcastFanout(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Now().UTC()

	for _, agent := range []string{"a", "b", "c"} {
		if err := s.Heartbeat(ctx, agent, agent, "active", nil); err != nil {
			t.Fatalf("heartbeat %s: %v", agent, err)
		}
	}

	msgID := "22222222-2222-2222-2222-222222222222"
	if err := s.SubmitMessage(ctx, SubmitInput{
		MessageID: msgID, Type: "announce", ProtocolVersion: "1.0",
		CreatedAt: now, Sender: "s", Recipient: nil,
		Channel: "general", Priority: 5, Payload: []byte(`{}`), Actor: "s",
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	counts, err := s.BroadcastStatus(ctx, msgID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if counts.Delivered != 3 || counts.Acknowledged != 0 {
		t.Fatalf("want 3 delivered/0 acked, got %+v", counts)
	}

	claimed, isBroadcast, err := s.ClaimMessage(ctx, "a", "a", msgID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !claimed || !isBroadcast {
		t.Fatalf("want claimed broadcast, got claimed=%v broadcast=%v", claimed, isBroadcast)
	}

	counts, err = s.BroadcastStatus(ctx, msgID)
	if err != nil {
		t.Fatalf("status after claim: %v", err)
	}
	if counts.Delivered != 2 || counts.Acknowledged != 1 {
		t.Fatalf("want 2 delivered/1 acked, got %+v", counts)
	}

	claimedAgain, _, err := s.ClaimMessage(ctx, "a", "a", msgID)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if claimedAgain {
		t.Fatal("a should not be able to claim its own delivery twice")
	}

	// A late subscriber gets no delivery row.
	if err := s.Heartbeat(ctx, "d", "d", "active", nil); err != nil {
		t.Fatalf("heartbeat d: %v", err)
	}
	msgs, err := s.PeekMessages(ctx, "d", []string{"general"}, 10)
	if err != nil {
		t.Fatalf("peek d: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("late subscriber should not see the earlier broadcast, got %+v", msgs)
	}
}

// TestReply_preservesCorrelation checks that a response message carries
// forward the correlation ID of the request it answers.
func TestReply_preservesCorrelation(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Now().UTC()

	recipient := "cm"
	corr := "corr-1"
	reqID := "33333333-3333-3333-3333-333333333333"
	if err := s.SubmitMessage(ctx, SubmitInput{
		MessageID: reqID, Type: "context.query", ProtocolVersion: "1.0",
		CreatedAt: now, CorrelationID: &corr, Sender: "a1", Recipient: &recipient,
		Channel: "general", Priority: 5, Payload: []byte(`{}`), Actor: "a1",
	}); err != nil {
		t.Fatalf("submit request: %v", err)
	}

	respSender := "cm"
	respRecipient := "a1"
	respID := "44444444-4444-4444-4444-444444444444"
	if err := s.SubmitMessage(ctx, SubmitInput{
		MessageID: respID, Type: "context.query.response", ProtocolVersion: "1.0",
		CreatedAt: now, CorrelationID: &corr, Sender: respSender, Recipient: &respRecipient,
		Channel: "general", Priority: 5, Payload: []byte(`{"ok":true}`), Actor: respSender,
	}); err != nil {
		t.Fatalf("submit reply: %v", err)
	}

	resp, err := s.GetMessage(ctx, respID)
	if err != nil {
		t.Fatalf("get reply: %v", err)
	}
	if resp.CorrelationID == nil || *resp.CorrelationID != corr {
		t.Fatalf("want correlation %q preserved, got %v", corr, resp.CorrelationID)
	}
}

// TestSubmitMessage_duplicateResponseRejected checks that a correlation ID
// gets at most one response.
func TestSubmitMessage_duplicateResponseRejected(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Now().UTC()

	recipient := "cm"
	corr := "corr-dup"
	if err := s.SubmitMessage(ctx, SubmitInput{
		MessageID: "55555555-5555-5555-5555-555555555555", Type: "context.query", ProtocolVersion: "1.0",
		CreatedAt: now, CorrelationID: &corr, Sender: "a1", Recipient: &recipient,
		Channel: "general", Priority: 5, Payload: []byte(`{}`), Actor: "a1",
	}); err != nil {
		t.Fatalf("submit request: %v", err)
	}

	respRecipient := "a1"
	first := SubmitInput{
		MessageID: "66666666-6666-6666-6666-666666666666", Type: "context.query.response", ProtocolVersion: "1.0",
		CreatedAt: now, CorrelationID: &corr, Sender: "cm", Recipient: &respRecipient,
		Channel: "general", Priority: 5, Payload: []byte(`{"ok":true}`), Actor: "cm",
	}
	if err := s.SubmitMessage(ctx, first); err != nil {
		t.Fatalf("submit first reply: %v", err)
	}

	second := first
	second.MessageID = "77777777-7777-7777-7777-777777777777"
	if err := s.SubmitMessage(ctx, second); !errors.Is(err, ErrDuplicateResponse) {
		t.Fatalf("want ErrDuplicateResponse, got %v", err)
	}
}

// TestPeek_ordering checks that peek orders by priority descending, then
// creation time ascending within a priority.
func TestPeek_ordering(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	recipient := "w"

	submit := func(id string, priority int, at time.Time) {
		t.Helper()
		if err := s.SubmitMessage(ctx, SubmitInput{
			MessageID: id, Type: "t", ProtocolVersion: "1.0", CreatedAt: at,
			Sender: "s", Recipient: &recipient, Channel: "general",
			Priority: priority, Payload: []byte(`{}`), Actor: "s",
		}); err != nil {
			t.Fatalf("submit %s: %v", id, err)
		}
	}

	base := time.Now().UTC()
	submit("55555555-5555-5555-5555-555555555551", 3, base)
	submit("55555555-5555-5555-5555-555555555552", 9, base.Add(time.Millisecond))
	submit("55555555-5555-5555-5555-555555555553", 9, base)

	msgs, err := s.PeekMessages(ctx, "w", []string{"general"}, 10)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("want 3 messages, got %d", len(msgs))
	}
	if msgs[0].MessageID != "55555555-5555-5555-5555-555555555553" || msgs[1].MessageID != "55555555-5555-5555-5555-555555555552" {
		t.Fatalf("want priority-9 messages first ordered by created_at, got %v", []string{msgs[0].MessageID, msgs[1].MessageID})
	}
	if msgs[2].Priority != 3 {
		t.Fatalf("want priority-3 message last, got %+v", msgs[2])
	}
}
