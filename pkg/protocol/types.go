// Package protocol defines the wire and state types shared by the moat hook
// mediator: the host hook envelope, event classes, policy verdict outcomes,
// host decisions, and the SQLite schema for cross-invocation state.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EventClass is the semantic class of a mediated conversation event.
type EventClass string

// Event class constants. These are the event_type values the policy API
// accepts.
const (
	ClassUserAgent   EventClass = "user_agt"
	ClassAgentLLM    EventClass = "agt_llm"
	ClassAgentTool   EventClass = "agt_tool"
	ClassAgentMemory EventClass = "agt_mem"
	ClassAgentAgent  EventClass = "agt_agt"
)

// HookEnvelope is the JSON object the host writes to the child process stdin,
// one per hook invocation. Body fields beyond the common three vary by hook
// and stay in Data.
type HookEnvelope struct {
	HookName       string
	SessionID      string
	TranscriptPath string
	Data           map[string]any
}

// ParseEnvelope decodes a hook envelope from raw stdin bytes.
// An empty or malformed body returns an EnvelopeError.
func ParseEnvelope(raw []byte) (*HookEnvelope, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return nil, &EnvelopeError{Reason: "empty stdin"}
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(trimmed), &data); err != nil {
		return nil, &EnvelopeError{Reason: fmt.Sprintf("bad stdin json: %v", err)}
	}
	env := &HookEnvelope{
		HookName:       strAt(data, "hook_event_name"),
		SessionID:      strAt(data, "session_id"),
		TranscriptPath: strAt(data, "transcript_path"),
		Data:           data,
	}
	return env, nil
}

// Str returns a body field as a string: strings as-is, any other value
// formatted with %v, and "" when the field is absent or null.
func (e *HookEnvelope) Str(key string) string {
	return strAt(e.Data, key)
}

// Bool returns the boolean value of a body field, false when absent.
func (e *HookEnvelope) Bool(key string) bool {
	v, ok := e.Data[key]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// Field returns the raw body value for key, nil when absent.
func (e *HookEnvelope) Field(key string) any {
	return e.Data[key]
}

func strAt(data map[string]any, key string) string {
	v, ok := data[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// OpenEvent is one unclosed INPUT awaiting its OUTPUT, persisted in the state
// store across child-process invocations.
type OpenEvent struct {
	EventID      string
	Class        EventClass
	SessionID    string
	HookName     string
	InputContent string
	Metadata     map[string]any
	CreatedAt    int64
}

// Link keys pair a later close operation with its open event. All keys are
// session-scoped in the store, so identical tool_use_ids in concurrent
// sessions never collide.

// ToolLinkKey returns the link key for a tool invocation pair.
func ToolLinkKey(toolUseID string) string { return "tool:" + toolUseID }

// PromptLinkKey returns the link key for the session's active user prompt.
func PromptLinkKey(sessionID string) string { return "prompt:" + sessionID }

// LLMLinkKey returns the link key for a transcript-derived model turn.
func LLMLinkKey(turnIdx int) string { return fmt.Sprintf("llm:%d", turnIdx) }

// PermissionLinkKey returns the link key for a permission request.
func PermissionLinkKey(requestID string) string { return "permission:" + requestID }

// Outcome is the parsed result of one policy API request. Raw preserves
// fields this mediator does not interpret.
type Outcome struct {
	EventID     string
	EventResult string
	Blocked     bool
	Reason      string
	Raw         map[string]any
}

// OutcomeFromResponse interprets a policy API response body. A nil or empty
// response parses as not blocked (fail-open reading).
func OutcomeFromResponse(resp map[string]any) Outcome {
	if resp == nil {
		resp = map[string]any{}
	}
	result := strings.TrimSpace(strAt(resp, "event_result"))
	return Outcome{
		EventID:     strings.TrimSpace(strAt(resp, "event_id")),
		EventResult: result,
		Blocked:     blockedResult(result),
		Reason:      ReasonFromResponse(resp, ""),
		Raw:         resp,
	}
}

func blockedResult(result string) bool {
	switch strings.ToLower(strings.TrimSpace(result)) {
	case "block", "blocked", "rejected":
		return true
	}
	return false
}

// IsBlocked reports whether a raw policy response carries a block verdict.
func IsBlocked(resp map[string]any) bool {
	if resp == nil {
		return false
	}
	return blockedResult(strAt(resp, "event_result"))
}

// IsRejected reports whether the response is specifically a rejection, which
// is honored like a block but logged distinctly.
func IsRejected(resp map[string]any) bool {
	return strings.EqualFold(strings.TrimSpace(strAt(resp, "event_result")), "rejected")
}

// ReasonFromResponse extracts a human-readable block reason. The reason field
// is opaque text upstream; when a policy name is present it is prefixed.
func ReasonFromResponse(resp map[string]any, fallback string) string {
	if resp == nil {
		return fallback
	}
	policy := strings.TrimSpace(strAt(resp, "policy"))
	reason := strings.TrimSpace(strAt(resp, "reason"))
	switch {
	case policy != "" && reason != "":
		return fmt.Sprintf("Policy: %s - %s", policy, reason)
	case policy != "":
		return "Policy: " + policy
	case reason != "":
		return reason
	}
	return fallback
}
