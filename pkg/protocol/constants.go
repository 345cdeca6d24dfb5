package protocol

import "time"

// MoatDir is the default state directory name under the user's home.
const MoatDir = ".moat"

// Hook event names emitted by the host runtime.
const (
	HookUserPromptSubmit   = "UserPromptSubmit"
	HookPreToolUse         = "PreToolUse"
	HookPostToolUse        = "PostToolUse"
	HookPostToolUseFailure = "PostToolUseFailure"
	HookPermissionRequest  = "PermissionRequest"
	HookStop               = "Stop"
	HookSubagentStop       = "SubagentStop"
	HookSetup              = "Setup"
	HookSessionStart       = "SessionStart"
	HookSessionEnd         = "SessionEnd"
	HookNotification       = "Notification"
	HookSubagentStart      = "SubagentStart"
	HookTeammateIdle       = "TeammateIdle"
	HookTaskCompleted      = "TaskCompleted"
	HookConfigChange       = "ConfigChange"
	HookWorktreeCreate     = "WorktreeCreate"
	HookWorktreeRemove     = "WorktreeRemove"
	HookPreCompact         = "PreCompact"
)

// BlockCapableHooks are the hooks for which the host honors a block/deny
// decision. PostToolUseFailure is observe-only: the tool already failed.
var BlockCapableHooks = map[string]bool{
	HookUserPromptSubmit:  true,
	HookPreToolUse:        true,
	HookPostToolUse:       true,
	HookPermissionRequest: true,
	HookStop:              true,
	HookSubagentStop:      true,
}

// TelemetryOnlyHooks are lifecycle notifications with no security content.
// They are logged locally and, by default, never reach the policy API.
var TelemetryOnlyHooks = map[string]bool{
	HookSetup:          true,
	HookSessionStart:   true,
	HookSessionEnd:     true,
	HookNotification:   true,
	HookTeammateIdle:   true,
	HookTaskCompleted:  true,
	HookConfigChange:   true,
	HookWorktreeCreate: true,
	HookWorktreeRemove: true,
	HookPreCompact:     true,
}

// TinyDebugHooks is the reduced hook set processed when tiny debug mode is on.
var TinyDebugHooks = map[string]bool{
	HookUserPromptSubmit:   true,
	HookPreToolUse:         true,
	HookPostToolUse:        true,
	HookPostToolUseFailure: true,
	HookStop:               true,
	HookSessionEnd:         true,
}

// OpenEventTTL bounds how long an unclosed INPUT event may linger in the
// state store before opportunistic pruning removes it.
const OpenEventTTL = 30 * time.Minute

// Defaults for run configuration.
const (
	DefaultMaxContentChars = 100000
	DefaultTimeoutSeconds  = 15
	DefaultMockBlockTokens = "jailbreak,toxic,malware,rm -rf /,[[block]]"
	DefaultEndpointSuffix  = "/eap/v1/event"
)
