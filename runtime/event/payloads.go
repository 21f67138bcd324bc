package event

import (
	"encoding/json"
	"fmt"
)

// Payload types carry the type-specific fields for each event Type (spec
// §6.2). Each is flattened alongside the common envelope fields at encode
// time; field tags here are exactly the wire field names.
type (
	// StartPayload accompanies the start event.
	StartPayload struct {
		Status string `json:"status"`
	}

	// ThinkingPayload carries a chunk of the agent's reasoning trace.
	ThinkingPayload struct {
		Text      string `json:"text"`
		AgentType string `json:"agent_type,omitempty"`
		AgentID   string `json:"agent_id,omitempty"`
	}

	// PlanItem is one step of a plan event's item list.
	PlanItem struct {
		ID     string `json:"id"`
		Text   string `json:"text"`
		Status string `json:"status"` // pending | in_progress | completed | cancelled
	}

	// PlanPayload carries the agent's current plan.
	PlanPayload struct {
		Items []PlanItem `json:"items"`
	}

	// ToolStartPayload accompanies the tool_start event.
	ToolStartPayload struct {
		CallID      string `json:"call_id"`
		Name        string `json:"name"`
		ArgsSummary string `json:"args_summary"`
		ArgsDisplay string `json:"args_display,omitempty"`
		AgentType   string `json:"agent_type,omitempty"`
		AgentID     string `json:"agent_id,omitempty"`
	}

	// ToolEndPayload accompanies the tool_end event.
	ToolEndPayload struct {
		CallID        string `json:"call_id"`
		Name          string `json:"name"`
		Status        string `json:"status"` // ok | error
		MS            int64  `json:"ms"`
		ResultSummary string `json:"result_summary,omitempty"`
	}

	// SubagentStartPayload accompanies the subagent_start event.
	SubagentStartPayload struct {
		AgentID             string `json:"agent_id"`
		ParentCallID        string `json:"parent_call_id"`
		SubagentDescription string `json:"subagent_description"`
	}

	// SubagentEndPayload accompanies the subagent_end event.
	SubagentEndPayload struct {
		AgentID      string `json:"agent_id"`
		ParentCallID string `json:"parent_call_id"`
		MS           int64  `json:"ms"`
	}

	// ContentStartPayload accompanies the content_start event.
	ContentStartPayload struct {
		AgentType string `json:"agent_type,omitempty"`
		AgentID   string `json:"agent_id,omitempty"`
	}

	// ContentPayload carries a chunk of streamed assistant output.
	ContentPayload struct {
		MD string `json:"md"`
	}

	// ContentEndPayload accompanies the content_end event.
	ContentEndPayload struct {
		AgentType string `json:"agent_type,omitempty"`
		AgentID   string `json:"agent_id,omitempty"`
	}

	// StatusPayload carries a free-form progress update, including
	// heartbeats. MD may encode a JSON-stringified interrupt record for
	// human-in-the-loop pauses.
	StatusPayload struct {
		Text string `json:"text"`
		MD   string `json:"md,omitempty"`
	}

	// EndPayload accompanies the terminal end event.
	EndPayload struct {
		Status    string `json:"status"` // completed | interrupted | error
		MsTotal   int64  `json:"ms_total"`
		ToolCalls int    `json:"tool_calls"`
	}

	// ErrorPayload accompanies the terminal error event.
	ErrorPayload struct {
		Error string `json:"error"`
	}
)

// decodePayload unmarshals the type-specific fields of b into the Payload
// type matching t.
func decodePayload(t Type, b []byte) (any, error) {
	var data any
	switch t {
	case TypeStart:
		data = &StartPayload{}
	case TypeThinking:
		data = &ThinkingPayload{}
	case TypePlan:
		data = &PlanPayload{}
	case TypeToolStart:
		data = &ToolStartPayload{}
	case TypeToolEnd:
		data = &ToolEndPayload{}
	case TypeSubagentStart:
		data = &SubagentStartPayload{}
	case TypeSubagentEnd:
		data = &SubagentEndPayload{}
	case TypeContentStart:
		data = &ContentStartPayload{}
	case TypeContent:
		data = &ContentPayload{}
	case TypeContentEnd:
		data = &ContentEndPayload{}
	case TypeStatus:
		data = &StatusPayload{}
	case TypeEnd:
		data = &EndPayload{}
	case TypeError:
		data = &ErrorPayload{}
	default:
		return nil, fmt.Errorf("unknown event type %q", t)
	}
	if err := json.Unmarshal(b, data); err != nil {
		return nil, fmt.Errorf("unmarshal %s payload: %w", t, err)
	}
	return data, nil
}
