package protocol

import (
	"encoding/json"
	"testing"
)

func TestParseEnvelope(t *testing.T) {
	raw := []byte(`{"hook_event_name":"PreToolUse","session_id":"s1","transcript_path":"/tmp/t.jsonl","tool_name":"Bash","tool_use_id":"t1","stop_hook_active":false}`)

	env, err := ParseEnvelope(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if env.HookName != "PreToolUse" {
		t.Errorf("hook name = %q", env.HookName)
	}
	if env.SessionID != "s1" {
		t.Errorf("session id = %q", env.SessionID)
	}
	if env.TranscriptPath != "/tmp/t.jsonl" {
		t.Errorf("transcript path = %q", env.TranscriptPath)
	}
	if got := env.Str("tool_name"); got != "Bash" {
		t.Errorf("tool_name = %q", got)
	}
	if env.Bool("stop_hook_active") {
		t.Error("stop_hook_active should be false")
	}
}

func TestParseEnvelopeErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"whitespace", "  \n"},
		{"bad json", "{not json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseEnvelope([]byte(tt.raw)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestOutcomeFromResponse(t *testing.T) {
	tests := []struct {
		name        string
		resp        map[string]any
		wantBlocked bool
		wantReason  string
		wantEventID string
	}{
		{
			name:        "passed",
			resp:        map[string]any{"event_id": "e1", "event_result": "passed"},
			wantBlocked: false,
			wantEventID: "e1",
		},
		{
			name:        "blocked with policy and reason",
			resp:        map[string]any{"event_result": "blocked", "policy": "pii", "reason": "ssn found"},
			wantBlocked: true,
			wantReason:  "Policy: pii - ssn found",
		},
		{
			name:        "rejected counts as blocked",
			resp:        map[string]any{"event_result": "rejected", "reason": "auth"},
			wantBlocked: true,
			wantReason:  "auth",
		},
		{
			name:        "case insensitive",
			resp:        map[string]any{"event_result": "BLOCKED"},
			wantBlocked: true,
		},
		{
			name:        "nil response",
			resp:        nil,
			wantBlocked: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := OutcomeFromResponse(tt.resp)
			if out.Blocked != tt.wantBlocked {
				t.Errorf("blocked = %v, want %v", out.Blocked, tt.wantBlocked)
			}
			if tt.wantReason != "" && out.Reason != tt.wantReason {
				t.Errorf("reason = %q, want %q", out.Reason, tt.wantReason)
			}
			if tt.wantEventID != "" && out.EventID != tt.wantEventID {
				t.Errorf("event id = %q, want %q", out.EventID, tt.wantEventID)
			}
		})
	}
}

func TestReasonFromResponseFallback(t *testing.T) {
	if got := ReasonFromResponse(map[string]any{}, "fallback"); got != "fallback" {
		t.Errorf("got %q", got)
	}
	if got := ReasonFromResponse(map[string]any{"policy": "p"}, "x"); got != "Policy: p" {
		t.Errorf("got %q", got)
	}
}

func TestIsRejected(t *testing.T) {
	if !IsRejected(map[string]any{"event_result": "rejected"}) {
		t.Error("rejected not detected")
	}
	if IsRejected(map[string]any{"event_result": "blocked"}) {
		t.Error("blocked misread as rejected")
	}
}

func TestLinkKeys(t *testing.T) {
	if got := ToolLinkKey("t1"); got != "tool:t1" {
		t.Errorf("tool key = %q", got)
	}
	if got := PromptLinkKey("s1"); got != "prompt:s1" {
		t.Errorf("prompt key = %q", got)
	}
	if got := LLMLinkKey(3); got != "llm:3" {
		t.Errorf("llm key = %q", got)
	}
	if got := PermissionLinkKey("r9"); got != "permission:r9" {
		t.Errorf("permission key = %q", got)
	}
}

func TestEnvelopeRoundTripStable(t *testing.T) {
	raw := []byte(`{"hook_event_name":"Stop","session_id":"s","prompt":"hi"}`)
	a, err := ParseEnvelope(raw)
	if err != nil {
		t.Fatalf("parse a: %v", err)
	}
	b, err := ParseEnvelope(raw)
	if err != nil {
		t.Fatalf("parse b: %v", err)
	}
	aj, _ := json.Marshal(a.Data)
	bj, _ := json.Marshal(b.Data)
	if string(aj) != string(bj) {
		t.Error("identical input parsed differently")
	}
}
