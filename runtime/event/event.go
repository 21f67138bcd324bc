// Package event defines the Event Store data model (spec §3, §4.1): the
// per-message, strictly ordered, append-only event log and the contract its
// backends must satisfy. Event is the fundamental unit: every observable
// step of agent execution is persisted as one Event, sequenced per
// message_id.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type enumerates the event variants from spec §6.2.
type Type string

const (
	TypeStart          Type = "start"
	TypeThinking       Type = "thinking"
	TypePlan           Type = "plan"
	TypeToolStart      Type = "tool_start"
	TypeToolEnd        Type = "tool_end"
	TypeSubagentStart  Type = "subagent_start"
	TypeSubagentEnd    Type = "subagent_end"
	TypeContentStart   Type = "content_start"
	TypeContent        Type = "content"
	TypeContentEnd     Type = "content_end"
	TypeStatus         Type = "status"
	TypeEnd            Type = "end"
	TypeError          Type = "error"
)

// SchemaVersion is the current event schema version (spec §3.1 "v").
const SchemaVersion = 2

// IsTerminal reports whether t is a terminal event type (spec I2): exactly
// one of these exists per message_id, and it is always the highest seq.
func (t Type) IsTerminal() bool {
	return t == TypeEnd || t == TypeError
}

type (
	// Partial is an event before it has been assigned a seq, id, and
	// timestamp. The Agent Executor and heartbeat emitter construct
	// Partials; the Robust Writer (C2) completes them via allocate_seq
	// and normalization before persisting (spec §4.2).
	Partial struct {
		// MessageID is the owning logical message; partition key for the log.
		MessageID string
		// ChatID is optional context carried on most event types for
		// convenience (spec §6.2 "chat_id?").
		ChatID string
		// Type is the event variant.
		Type Type
		// Data is the type-specific payload; one of the *Payload types in
		// payloads.go, matched against Type at encode time.
		Data any
	}

	// Event is a fully persisted, sequenced event (spec §3.1).
	Event struct {
		Partial
		// Seq is the per-message_id monotonic, gap-free sequence number,
		// starting at 1 (spec I1).
		Seq uint64
		// ID is the normalized identifier, globally unique, and usable as
		// an SSE Last-Event-ID (spec I3).
		ID string
		// Timestamp is the event time (ISO-8601 UTC, millisecond precision
		// on the wire).
		Timestamp time.Time
		// Version is the schema version the event was written with.
		Version int
	}
)

// wireEnvelope is the flat JSON shape events take on the wire (spec §6.2,
// §6.3): common fields alongside the type-specific payload fields, not
// nested under a "payload" key.
type wireEnvelope struct {
	V         int    `json:"v"`
	Type      Type   `json:"type"`
	ID        string `json:"id"`
	Timestamp string `json:"ts"`
	MessageID string `json:"message_id,omitempty"`
	ChatID    string `json:"chat_id,omitempty"`
}

// MarshalJSON flattens the event envelope and its type-specific payload
// into a single JSON object, matching the wire format in spec §6.2/§6.3.
func (e *Event) MarshalJSON() ([]byte, error) {
	env := wireEnvelope{
		V:         e.Version,
		Type:      e.Type,
		ID:        e.ID,
		Timestamp: e.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z"),
		MessageID: e.MessageID,
		ChatID:    e.ChatID,
	}
	envBytes, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal event envelope: %w", err)
	}
	if e.Data == nil {
		return envBytes, nil
	}
	dataBytes, err := json.Marshal(e.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload for %s: %w", e.Type, err)
	}
	return mergeJSONObjects(envBytes, dataBytes)
}

// UnmarshalJSON reconstructs an Event from its flattened wire
// representation, dispatching the type-specific payload by the "type"
// field. The wire shape carries no seq field; Seq is recovered from the
// normalized id (see ParseSeq) and left zero if the id is not normalized.
func (e *Event) UnmarshalJSON(b []byte) error {
	var env wireEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return fmt.Errorf("unmarshal event envelope: %w", err)
	}
	ts, err := time.Parse("2006-01-02T15:04:05.000Z", env.Timestamp)
	if err != nil {
		ts, err = time.Parse(time.RFC3339Nano, env.Timestamp)
		if err != nil {
			return fmt.Errorf("unmarshal event timestamp %q: %w", env.Timestamp, err)
		}
	}
	e.Version = env.V
	e.Type = env.Type
	e.ID = env.ID
	if seq, ok := ParseSeq(env.ID); ok {
		e.Seq = seq
	}
	e.Timestamp = ts
	e.MessageID = env.MessageID
	e.ChatID = env.ChatID
	data, err := decodePayload(env.Type, b)
	if err != nil {
		return err
	}
	e.Data = data
	return nil
}

// mergeJSONObjects shallow-merges two JSON object byte slices, with values
// in b taking precedence over a on key collision (the payload never
// collides with envelope field names in practice, but precedence is
// deterministic regardless).
func mergeJSONObjects(a, b []byte) ([]byte, error) {
	var am, bm map[string]json.RawMessage
	if err := json.Unmarshal(a, &am); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(b, &bm); err != nil {
		return nil, err
	}
	for k, v := range bm {
		am[k] = v
	}
	return json.Marshal(am)
}
