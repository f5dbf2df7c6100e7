// Package models defines the wire envelope agents exchange over the bus.
// Every message body is JSON; the envelope carries a type tag plus one
// well-known payload variant, with an open "other" variant so message types
// the envelope doesn't yet know about still round-trip opaquely instead of
// being rejected at the edge.
package models

import "encoding/json"

// Well-known envelope message types.
const (
	TypeContextQuery    = "context.query"
	TypeContextResponse = "context.query.response"
	TypeTaskClaim       = "task.claim"
	TypeTaskUpdate      = "task.update"
	TypeVoteInitiate    = "vote.initiate"
	TypeVoteCast        = "vote.cast"
	TypeVoteRecorded    = "vote.recorded"
	TypeVoteResult      = "vote.result"
	TypeHeartbeat       = "heartbeat"
	TypeBroadcast       = "broadcast"
)

// ContextQuery asks a recipient to share context on a subject.
type ContextQuery struct {
	Subject string   `json:"subject"`
	Fields  []string `json:"fields,omitempty"`
}

// ContextResponse answers a ContextQuery.
type ContextResponse struct {
	Subject string         `json:"subject"`
	Data    map[string]any `json:"data"`
}

// TaskClaim notifies that a task has been claimed by an agent.
type TaskClaim struct {
	TaskID   string `json:"task_id"`
	Assignee string `json:"assignee"`
}

// TaskUpdate reports a task lifecycle transition.
type TaskUpdate struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
	Note   string `json:"note,omitempty"`
}

// VoteInitiate notifies an eligible voter that a vote has opened.
type VoteInitiate struct {
	VoteID   string   `json:"vote_id"`
	Topic    string   `json:"topic"`
	Options  []string `json:"options"`
	Deadline string   `json:"deadline"`
}

// VoteCast is a single voter's ballot.
type VoteCast struct {
	VoteID    string `json:"vote_id"`
	Choice    string `json:"choice"`
	Stance    string `json:"stance,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
}

// VoteResult reports a tallied vote's outcome.
type VoteResult struct {
	VoteID  string         `json:"vote_id"`
	Outcome string         `json:"outcome"`
	Tally   map[string]int `json:"tally,omitempty"`
}

// Heartbeat reports an agent's current liveness status.
type Heartbeat struct {
	Agent       string  `json:"agent"`
	Status      string  `json:"status"`
	CurrentTask *string `json:"current_task,omitempty"`
}

// Broadcast is a fan-out announcement with no particular recipient.
type Broadcast struct {
	Topic string         `json:"topic"`
	Data  map[string]any `json:"data,omitempty"`
}

// Envelope is the tagged-union wrapper validated at the edge (broker.Submit
// decodes each payload against its Type via DecodeEnvelope) and then
// propagated opaquely as a JSON document through the store, which never
// interprets Type beyond routing and correlation.
type Envelope struct {
	Type            string           `json:"type"`
	ContextQuery    *ContextQuery    `json:"context_query,omitempty"`
	ContextResponse *ContextResponse `json:"context_response,omitempty"`
	TaskClaim       *TaskClaim       `json:"task_claim,omitempty"`
	TaskUpdate      *TaskUpdate      `json:"task_update,omitempty"`
	VoteInitiate    *VoteInitiate    `json:"vote_initiate,omitempty"`
	VoteCast        *VoteCast        `json:"vote_cast,omitempty"`
	VoteResult      *VoteResult      `json:"vote_result,omitempty"`
	Heartbeat       *Heartbeat       `json:"heartbeat,omitempty"`
	Broadcast       *Broadcast       `json:"broadcast,omitempty"`
	Other           map[string]any   `json:"other,omitempty"`
}

// DecodeEnvelope validates raw against the variant named by msgType,
// falling back to the open Other variant for unrecognized types. Unknown
// message types are never rejected outright: forward compatibility with
// future agent capabilities is the point of the "other" variant.
func DecodeEnvelope(msgType string, raw []byte) (*Envelope, error) {
	env := &Envelope{Type: msgType}
	switch msgType {
	case TypeContextQuery:
		env.ContextQuery = &ContextQuery{}
		return env, json.Unmarshal(raw, env.ContextQuery)
	case TypeContextResponse:
		env.ContextResponse = &ContextResponse{}
		return env, json.Unmarshal(raw, env.ContextResponse)
	case TypeTaskClaim:
		env.TaskClaim = &TaskClaim{}
		return env, json.Unmarshal(raw, env.TaskClaim)
	case TypeTaskUpdate:
		env.TaskUpdate = &TaskUpdate{}
		return env, json.Unmarshal(raw, env.TaskUpdate)
	case TypeVoteInitiate:
		env.VoteInitiate = &VoteInitiate{}
		return env, json.Unmarshal(raw, env.VoteInitiate)
	case TypeVoteCast:
		env.VoteCast = &VoteCast{}
		return env, json.Unmarshal(raw, env.VoteCast)
	case TypeVoteResult:
		env.VoteResult = &VoteResult{}
		return env, json.Unmarshal(raw, env.VoteResult)
	case TypeHeartbeat:
		env.Heartbeat = &Heartbeat{}
		return env, json.Unmarshal(raw, env.Heartbeat)
	case TypeBroadcast:
		env.Broadcast = &Broadcast{}
		return env, json.Unmarshal(raw, env.Broadcast)
	default:
		var other map[string]any
		if err := json.Unmarshal(raw, &other); err != nil {
			return nil, err
		}
		env.Other = other
		return env, nil
	}
}
