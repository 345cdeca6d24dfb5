package engine

import (
	"context"

	"moat/pkg/audit"
	"moat/pkg/policy"
	"moat/pkg/protocol"
)

// oneShotSpec describes a CREATE+UPDATE pair performed in a single
// invocation, used for events with no separate INPUT/OUTPUT timing.
type oneShotSpec struct {
	class         protocol.EventClass
	content       any
	outputText    string
	source        string
	metadataExtra map[string]any
	linkKey       string
}

// genericSpec projects a telemetry hook's envelope into its canonical
// content object and output marker.
type genericSpec struct {
	outputText string
	source     string
	content    func(env *protocol.HookEnvelope) any
}

var genericSpecs = map[string]genericSpec{
	protocol.HookSetup: {"[setup_ack]", "setup", func(env *protocol.HookEnvelope) any {
		return map[string]any{
			"hook_event_name": env.HookName,
			"session_id":      env.SessionID,
			"cwd":             env.Str("cwd"),
			"argv":            env.Field("argv"),
		}
	}},
	protocol.HookSessionStart: {"[session_started]", "session_start", func(env *protocol.HookEnvelope) any {
		return map[string]any{
			"hook_event_name": env.HookName,
			"session_id":      env.SessionID,
			"source":          env.Str("source"),
			"resume":          env.Bool("resume"),
		}
	}},
	protocol.HookNotification: {"[notification_ack]", "notification", func(env *protocol.HookEnvelope) any {
		return map[string]any{
			"hook_event_name": env.HookName,
			"session_id":      env.SessionID,
			"message":         env.Str("message"),
			"level":           env.Str("level"),
		}
	}},
	protocol.HookSubagentStart: {"[subagent_started]", "subagent_start", func(env *protocol.HookEnvelope) any {
		return map[string]any{
			"hook_event_name": env.HookName,
			"session_id":      env.SessionID,
			"agent_id":        env.Str("agent_id"),
			"agent_type":      env.Str("agent_type"),
		}
	}},
	protocol.HookTeammateIdle: {"[teammate_idle_seen]", "teammate_idle", func(env *protocol.HookEnvelope) any {
		return map[string]any{
			"hook_event_name": env.HookName,
			"session_id":      env.SessionID,
			"teammate_id":     env.Str("teammate_id"),
			"idle_seconds":    env.Field("idle_seconds"),
		}
	}},
	protocol.HookTaskCompleted: {"[task_completed_seen]", "task_completed", func(env *protocol.HookEnvelope) any {
		return map[string]any{
			"hook_event_name": env.HookName,
			"session_id":      env.SessionID,
			"task_id":         env.Str("task_id"),
			"status":          env.Str("status"),
			"summary":         env.Str("summary"),
		}
	}},
	protocol.HookConfigChange: {"[config_change_seen]", "config_change", func(env *protocol.HookEnvelope) any {
		return map[string]any{
			"hook_event_name": env.HookName,
			"session_id":      env.SessionID,
			"changed_keys":    env.Field("changed_keys"),
			"change_source":   env.Str("source"),
		}
	}},
	protocol.HookWorktreeCreate: {"[worktree_created]", "worktree_create", func(env *protocol.HookEnvelope) any {
		return map[string]any{
			"hook_event_name": env.HookName,
			"session_id":      env.SessionID,
			"worktree_path":   env.Str("worktree_path"),
			"branch":          env.Str("branch"),
		}
	}},
	protocol.HookWorktreeRemove: {"[worktree_removed]", "worktree_remove", func(env *protocol.HookEnvelope) any {
		return map[string]any{
			"hook_event_name": env.HookName,
			"session_id":      env.SessionID,
			"worktree_path":   env.Str("worktree_path"),
		}
	}},
	protocol.HookPreCompact: {"[precompact_seen]", "precompact", func(env *protocol.HookEnvelope) any {
		return map[string]any{
			"hook_event_name":  env.HookName,
			"session_id":       env.SessionID,
			"transcript_path":  env.TranscriptPath,
			"estimated_tokens": env.Field("estimated_tokens"),
		}
	}},
}

// handleGeneric covers the telemetry lifecycle hooks and, as the fail-open
// default for hook names this mediator does not know, a one-shot agt_agt
// event.
func (e *Engine) handleGeneric(ctx context.Context, env *protocol.HookEnvelope) protocol.Decision {
	spec, known := genericSpecs[env.HookName]
	oneShot := oneShotSpec{
		class:      protocol.ClassAgentAgent,
		outputText: "[ack]",
		source:     "generic_hook",
	}
	if known {
		oneShot.content = spec.content(env)
		oneShot.outputText = spec.outputText
		oneShot.source = spec.source
	}

	outcome := e.oneShot(ctx, env, oneShot)
	if e.shouldBlock(env.HookName, outcome) {
		return e.blockDecision(ctx, env.HookName, env.SessionID, outcome, env.HookName+" blocked by policy.")
	}
	return protocol.Allow()
}

// oneShot performs a CREATE immediately followed by its UPDATE. Telemetry
// hooks with API send disabled are logged locally as both halves of the pair
// with a synthetic telemetry_skipped response and never reach the network.
func (e *Engine) oneShot(ctx context.Context, env *protocol.HookEnvelope, spec oneShotSpec) protocol.Outcome {
	metadata := e.metadata(env)
	if spec.source != "" {
		metadata["source"] = spec.source
	}
	for k, v := range spec.metadataExtra {
		metadata[k] = v
	}

	contentObj := spec.content
	if contentObj == nil {
		contentObj = env.Data
	}
	content := e.normalize(contentObj)
	outputText := spec.outputText
	if outputText == "" {
		outputText = "[ack]"
	}

	if e.cfg.SkipTelemetryAPISend && protocol.TelemetryOnlyHooks[env.HookName] {
		create := policy.BuildCreate(e.cfg, spec.class, content, env.SessionID, metadata)
		update := policy.BuildUpdate(e.cfg, "local-"+env.HookName, spec.class, outputText, env.SessionID, metadata)
		for _, payload := range []policy.Payload{create, update} {
			if err := e.auditLog.Append(e.invocationID, env.HookName, env.SessionID, payload, audit.TelemetrySkipped()); err != nil {
				e.log.Warnw("audit telemetry record", "err", err)
			}
		}
		return protocol.OutcomeFromResponse(map[string]any{"event_result": "passed", "telemetry_only": true})
	}

	created := e.client.Send(ctx, env.HookName,
		policy.BuildCreate(e.cfg, spec.class, content, env.SessionID, metadata))
	if created.EventID == "" {
		return created
	}

	e.openEvent(ctx, protocol.OpenEvent{
		EventID:      created.EventID,
		Class:        spec.class,
		SessionID:    env.SessionID,
		HookName:     env.HookName,
		InputContent: content,
		Metadata:     metadata,
	}, spec.linkKey)

	output := outputText
	if created.Blocked {
		output = e.cap(protocol.ReasonFromResponse(created.Raw, outputText))
	}
	updated := e.client.Send(ctx, env.HookName,
		policy.BuildUpdate(e.cfg, created.EventID, spec.class, output, env.SessionID, metadata))
	e.closeEvent(ctx, created.EventID)

	if updated.Blocked {
		return updated
	}
	return created
}
