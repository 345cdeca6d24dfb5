package protocol

// HookSpecificOutput carries the permission fields PreToolUse and
// PermissionRequest responses require in addition to the top-level decision.
type HookSpecificOutput struct {
	HookEventName            string `json:"hookEventName"`
	PermissionDecision       string `json:"permissionDecision"`
	PermissionDecisionReason string `json:"permissionDecisionReason"`
}

// Decision is the single JSON object emitted to the host on stdout.
// The zero value marshals to {} which the host reads as allow.
type Decision struct {
	Decision           string              `json:"decision,omitempty"`
	Reason             string              `json:"reason,omitempty"`
	HookSpecificOutput *HookSpecificOutput `json:"hookSpecificOutput,omitempty"`
}

// Allow returns the empty allow decision.
func Allow() Decision { return Decision{} }

// Block returns a plain block decision for prompt/model/subagent-stop
// boundaries.
func Block(reason string) Decision {
	return Decision{Decision: "block", Reason: reason}
}

// BlockFor returns the block decision appropriate for hookName: tool
// permission boundaries additionally carry a deny permissionDecision.
func BlockFor(hookName, reason string) Decision {
	switch hookName {
	case HookPreToolUse, HookPermissionRequest:
		return Decision{
			Decision: "block",
			Reason:   reason,
			HookSpecificOutput: &HookSpecificOutput{
				HookEventName:            hookName,
				PermissionDecision:       "deny",
				PermissionDecisionReason: reason,
			},
		}
	}
	return Block(reason)
}

// IsAllow reports whether d is the empty allow decision.
func (d Decision) IsAllow() bool {
	return d.Decision == "" && d.Reason == "" && d.HookSpecificOutput == nil
}
