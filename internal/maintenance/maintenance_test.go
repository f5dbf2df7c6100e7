package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/agentbus/agentbus/internal/clockid"
	"github.com/agentbus/agentbus/internal/store"
)

func TestRunOnce_expiresMessages(t *testing.T) {
	ctx := context.Background()
	s, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer func() { _ = s.Close() }()

	expired := clockid.Now().Add(-time.Second)
	recipient := "w1"
	if err := s.SubmitMessage(ctx, store.SubmitInput{
		MessageID: clockid.NewID(), Type: "ping", ProtocolVersion: "1.0",
		CreatedAt: clockid.Now(), Sender: "s", Recipient: &recipient, Channel: "general",
		Priority: 5, Payload: []byte(`{}`), ExpiresAt: &expired, Actor: "s",
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	l, err := NewLoop(s, "@every 1h")
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}
	result, err := l.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if result.ExpiredMessages != 1 {
		t.Fatalf("want 1 expired message, got %d", result.ExpiredMessages)
	}

	msgs, err := s.PeekMessages(ctx, "w1", []string{"general"}, 10)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("want no pending messages after sweep, got %d", len(msgs))
	}
}
