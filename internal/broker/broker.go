package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agentbus/agentbus/internal/breaker"
	"github.com/agentbus/agentbus/internal/clockid"
	"github.com/agentbus/agentbus/internal/config"
	"github.com/agentbus/agentbus/internal/otel"
	"github.com/agentbus/agentbus/internal/ratelimit"
	"github.com/agentbus/agentbus/internal/store"
	"github.com/agentbus/agentbus/pkg/models"
)

// Broker is the message broker and broadcast tracker: validated
// submission with rate limiting, channel-filtered peek, atomic claim, and
// completion, all delegated to the store's transactional primitives.
type Broker struct {
	store   *store.Store
	limiter *ratelimit.Limiter
	breaker *breaker.Breaker
}

// New wires a Broker over store, guarded by limiter and cb. cb protects the
// store call itself: Submit opens a store trip through it, so a struggling
// store fails fast for submitters instead of piling up on the busy timeout.
// Claim and Complete call the store directly.
func New(s *store.Store, limiter *ratelimit.Limiter, cb *breaker.Breaker) *Broker {
	return &Broker{store: s, limiter: limiter, breaker: cb}
}

const (
	minPriority     = 1
	maxPriority     = 10
	defaultPriority = 5
	defaultChannel  = "general"
)

// SubmitParams are the caller-supplied fields of Submit; everything else
// (message ID, timestamps, protocol version) is generated.
type SubmitParams struct {
	Sender        string
	Type          string
	Payload       map[string]any
	Recipient     *string
	Channel       string
	Priority      int
	CorrelationID *string
	TTL           time.Duration
}

// Submit validates and inserts a new message, charging the sender's rate
// limit bucket first. Returns ErrInvalidMessage on validation failure,
// ErrRateLimited on bucket exhaustion, ErrCircuitOpen if the store
// dependency is tripped, or store.ErrUnavailable on contention exhaustion.
func (b *Broker) Submit(ctx context.Context, p SubmitParams) (string, error) {
	if err := validateSubmit(p); err != nil {
		return "", err
	}
	if !b.limiter.Allow(p.Sender) {
		return "", ErrRateLimited
	}
	if err := b.breaker.Allow(); err != nil {
		return "", ErrCircuitOpen
	}

	channel := p.Channel
	if channel == "" {
		channel = defaultChannel
	}
	priority := p.Priority
	if priority == 0 {
		priority = defaultPriority
	}

	payload, err := json.Marshal(p.Payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if _, err := models.DecodeEnvelope(p.Type, payload); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	id := clockid.NewID()
	now := clockid.Now()
	in := store.SubmitInput{
		MessageID:       id,
		Type:            p.Type,
		ProtocolVersion: config.ProtocolVersion,
		CreatedAt:       now,
		CorrelationID:   p.CorrelationID,
		Sender:          p.Sender,
		Recipient:       p.Recipient,
		Channel:         channel,
		Priority:        priority,
		Payload:         payload,
		ExpiresAt:       clockid.TTLDeadline(p.TTL),
		Actor:           p.Sender,
		AuditSummary:    fmt.Sprintf("type=%s channel=%s", p.Type, channel),
	}
	if err := b.store.SubmitMessage(ctx, in); err != nil {
		b.breaker.Failure()
		return "", err
	}
	b.breaker.Success()
	otel.RecordSubmit(ctx, p.Type, channel)
	return id, nil
}

func validateSubmit(p SubmitParams) error {
	if p.Sender == "" {
		return fmt.Errorf("%w: sender required", ErrInvalidMessage)
	}
	if p.Type == "" {
		return fmt.Errorf("%w: type required", ErrInvalidMessage)
	}
	if p.Payload == nil {
		return fmt.Errorf("%w: payload must be a structured document", ErrInvalidMessage)
	}
	if p.Priority != 0 && (p.Priority < minPriority || p.Priority > maxPriority) {
		return fmt.Errorf("%w: priority must be 1-10", ErrInvalidMessage)
	}
	if p.Recipient != nil && *p.Recipient == "" {
		return fmt.Errorf("%w: recipient must be non-empty when set", ErrInvalidMessage)
	}
	return nil
}

// Peek returns pending messages visible to agent across channels, ordered
// by (priority DESC, created_at ASC). An empty channel list means
// "general". Read-only.
func (b *Broker) Peek(ctx context.Context, agent string, channels []string, limit int) ([]store.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if len(channels) == 0 {
		channels = []string{defaultChannel}
	}
	return b.store.PeekMessages(ctx, agent, channels, limit)
}

// Claim atomically transitions messageID to processing (direct) or the
// caller's own delivery row to acknowledged (broadcast). Returns whether
// the claim succeeded and whether the message was a broadcast.
func (b *Broker) Claim(ctx context.Context, agent, messageID string) (claimed bool, isBroadcast bool, err error) {
	claimed, isBroadcast, err = b.store.ClaimMessage(ctx, agent, agent, messageID)
	if err == nil {
		otel.RecordClaim(ctx, "message", claimed)
	}
	return claimed, isBroadcast, err
}

// Complete finalizes messageID as done (errMsg == nil) or failed.
func (b *Broker) Complete(ctx context.Context, actor, messageID string, errMsg *string) error {
	if err := b.store.CompleteMessage(ctx, actor, messageID, errMsg); err != nil {
		return err
	}
	status := "done"
	if errMsg != nil {
		status = "failed"
	}
	otel.RecordComplete(ctx, status)
	return nil
}

// Reply submits a response correlated to inbound, then completes inbound
// as done. The response's correlation ID always equals inbound's, regardless
// of whether inbound itself carried one: a request with no correlation ID
// has its own message ID used as the correlation ID.
func (b *Broker) Reply(ctx context.Context, inbound store.Message, payload map[string]any, responseType string) (string, error) {
	if inbound.Recipient == nil {
		return "", fmt.Errorf("%w: cannot reply to a broadcast", ErrInvalidMessage)
	}
	corrID := inbound.CorrelationID
	if corrID == nil {
		id := inbound.MessageID
		corrID = &id
	}
	if responseType == "" {
		responseType = inbound.Type + ".response"
	}
	sender := *inbound.Recipient
	recipient := inbound.Sender

	msgID, err := b.Submit(ctx, SubmitParams{
		Sender:        sender,
		Type:          responseType,
		Payload:       payload,
		Recipient:     &recipient,
		Channel:       inbound.Channel,
		Priority:      inbound.Priority,
		CorrelationID: corrID,
	})
	if err != nil {
		return "", err
	}
	if err := b.Complete(ctx, sender, inbound.MessageID, nil); err != nil {
		return "", err
	}
	return msgID, nil
}

// Ask submits a request and polls for a correlated response, claiming and
// completing it on arrival. Polling backs off from 50ms to a 500ms cap;
// overall wait is bounded by timeout. Returns ErrTimeout if no response
// arrives in time; the request itself is left in place for later garbage
// collection at TTL.
func (b *Broker) Ask(ctx context.Context, sender, recipient, msgType string, payload map[string]any, timeout time.Duration) (map[string]any, error) {
	started := time.Now()
	out, err := b.ask(ctx, sender, recipient, msgType, payload, timeout)
	outcome := "ok"
	switch {
	case errors.Is(err, ErrTimeout):
		outcome = "timeout"
	case err != nil:
		outcome = "error"
	}
	otel.RecordAskLatency(ctx, time.Since(started), outcome)
	return out, err
}

func (b *Broker) ask(ctx context.Context, sender, recipient, msgType string, payload map[string]any, timeout time.Duration) (map[string]any, error) {
	corrID := clockid.NewID()
	if _, err := b.Submit(ctx, SubmitParams{
		Sender:        sender,
		Type:          msgType,
		Payload:       payload,
		Recipient:     &recipient,
		CorrelationID: &corrID,
	}); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	delay := 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	for {
		msgs, err := b.store.PeekMessages(ctx, sender, []string{defaultChannel}, 20)
		if err != nil {
			return nil, err
		}
		if m, ok := findByCorrelation(msgs, corrID); ok {
			claimed, _, err := b.store.ClaimMessage(ctx, sender, sender, m.MessageID)
			if err != nil {
				return nil, err
			}
			if claimed {
				var out map[string]any
				if err := json.Unmarshal(m.Payload, &out); err != nil {
					return nil, err
				}
				if err := b.store.CompleteMessage(ctx, sender, m.MessageID, nil); err != nil {
					return nil, err
				}
				return out, nil
			}
		}

		if time.Now().After(deadline) {
			return nil, ErrTimeout
		}
		wait := delay
		if remaining := time.Until(deadline); remaining < wait {
			wait = remaining
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func findByCorrelation(msgs []store.Message, corrID string) (store.Message, bool) {
	for _, m := range msgs {
		if m.CorrelationID != nil && *m.CorrelationID == corrID {
			return m, true
		}
	}
	return store.Message{}, false
}

// BroadcastStatus reports per-state delivery counts for a broadcast.
func (b *Broker) BroadcastStatus(ctx context.Context, messageID string) (store.BroadcastCounts, error) {
	return b.store.BroadcastStatus(ctx, messageID)
}

// IsNotFound reports whether err is the store's not-found sentinel, so
// callers don't need to import internal/store directly.
func IsNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}

// IsDuplicateResponse reports whether err is the store's sentinel for a
// second response submitted against an already-answered correlation ID.
func IsDuplicateResponse(err error) bool {
	return errors.Is(err, store.ErrDuplicateResponse)
}
