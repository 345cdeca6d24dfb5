// Package policy builds CREATE/UPDATE requests for the policy API and
// performs them with timeouts, idempotent retry, fail-open resolution, and
// mock and dry-run modes.
package policy

import (
	"moat/pkg/config"
	"moat/pkg/protocol"
)

// Payload is one policy API request body. CREATE carries input only; UPDATE
// carries event_id and output, with input intentionally empty, relying on the
// event_id pairing.
type Payload struct {
	APIKey       string              `json:"api_key,omitempty"`
	EventID      string              `json:"event_id,omitempty"`
	EventType    protocol.EventClass `json:"event_type"`
	Input        string              `json:"input"`
	Output       string              `json:"output,omitempty"`
	ProfileID    string              `json:"profile_id"`
	SessionID    string              `json:"session_id"`
	UseCaseID    string              `json:"use_case_id"`
	ForwardToLLM bool                `json:"forward_to_llm"`
	SessionStart bool                `json:"session_start,omitempty"`
	Metadata     map[string]any      `json:"metadata"`
}

// IsUpdate reports whether the payload closes an existing event.
func (p Payload) IsUpdate() bool { return p.EventID != "" }

// BuildCreate builds the request opening a new INPUT event.
func BuildCreate(cfg *config.Config, class protocol.EventClass, input, sessionID string, metadata map[string]any) Payload {
	return Payload{
		APIKey:       cfg.APIKey,
		EventType:    class,
		Input:        input,
		ProfileID:    cfg.ProfileID,
		SessionID:    sessionID,
		UseCaseID:    cfg.UseCaseID,
		ForwardToLLM: cfg.ForwardToLLM,
		Metadata:     metadata,
	}
}

// BuildUpdate builds the request closing event eventID with its OUTPUT.
func BuildUpdate(cfg *config.Config, eventID string, class protocol.EventClass, output, sessionID string, metadata map[string]any) Payload {
	return Payload{
		APIKey:       cfg.APIKey,
		EventID:      eventID,
		EventType:    class,
		Input:        "",
		Output:       output,
		ProfileID:    cfg.ProfileID,
		SessionID:    sessionID,
		UseCaseID:    cfg.UseCaseID,
		ForwardToLLM: cfg.ForwardToLLM,
		Metadata:     metadata,
	}
}

// DefaultMetadata builds the baseline metadata map attached to every event.
func DefaultMetadata(hookName, sessionID, userID string) map[string]any {
	metadata := map[string]any{
		"user_id":         userID,
		"hook_event_name": hookName,
	}
	if sessionID != "" {
		metadata["caller_session_id"] = sessionID
	}
	return metadata
}
