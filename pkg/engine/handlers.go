package engine

import (
	"context"
	"fmt"

	"moat/pkg/audit"
	"moat/pkg/policy"
	"moat/pkg/protocol"
	"moat/pkg/transcript"
)

// handleUserPrompt opens a user_agt event for the submitted prompt. The
// OUTPUT arrives later at Stop via the session's prompt link.
func (e *Engine) handleUserPrompt(ctx context.Context, env *protocol.HookEnvelope) protocol.Decision {
	prompt := env.Str("prompt")
	if prompt == "" {
		prompt = env.Str("user_prompt")
	}
	metadata := e.metadata(env)
	metadata["source"] = "user_prompt_submit"

	content := e.cap(prompt)
	outcome := e.client.Send(ctx, env.HookName,
		policy.BuildCreate(e.cfg, protocol.ClassUserAgent, content, env.SessionID, metadata))
	if outcome.EventID != "" {
		e.openEvent(ctx, protocol.OpenEvent{
			EventID:      outcome.EventID,
			Class:        protocol.ClassUserAgent,
			SessionID:    env.SessionID,
			HookName:     env.HookName,
			InputContent: content,
			Metadata:     metadata,
		}, protocol.PromptLinkKey(env.SessionID))
	}
	if e.shouldBlock(env.HookName, outcome) {
		return e.blockDecision(ctx, env.HookName, env.SessionID, outcome, "User prompt blocked by policy.")
	}
	return protocol.Allow()
}

// handlePreTool opens an agt_tool/agt_mem/agt_agt event for the pending tool
// call, keyed by tool_use_id for the matching PostToolUse.
func (e *Engine) handlePreTool(ctx context.Context, env *protocol.HookEnvelope) protocol.Decision {
	toolName := env.Str("tool_name")
	class, monitored := e.classifier.ClassifyTool(toolName)
	if !monitored {
		return protocol.Allow()
	}

	toolUseID := env.Str("tool_use_id")
	content := e.normalize(map[string]any{
		"tool_name":   toolName,
		"tool_input":  env.Field("tool_input"),
		"tool_use_id": toolUseID,
	})
	metadata := e.metadata(env)
	metadata["tool_name"] = toolName
	metadata["tool_use_id"] = toolUseID

	outcome := e.client.Send(ctx, env.HookName,
		policy.BuildCreate(e.cfg, class, content, env.SessionID, metadata))
	if outcome.EventID != "" {
		linkKey := ""
		if toolUseID != "" {
			linkKey = protocol.ToolLinkKey(toolUseID)
		}
		e.openEvent(ctx, protocol.OpenEvent{
			EventID:      outcome.EventID,
			Class:        class,
			SessionID:    env.SessionID,
			HookName:     env.HookName,
			InputContent: content,
			Metadata:     metadata,
		}, linkKey)
	}

	if e.shouldBlock(env.HookName, outcome) {
		// Close the just-opened event with the reason before draining the rest.
		if outcome.EventID != "" {
			reason := outcome.Reason
			if reason == "" {
				reason = "Tool call blocked by policy."
			}
			e.client.Send(ctx, env.HookName,
				policy.BuildUpdate(e.cfg, outcome.EventID, class, e.cap(reason), env.SessionID, metadata))
			e.closeEvent(ctx, outcome.EventID)
		}
		return e.blockDecision(ctx, env.HookName, env.SessionID, outcome, "Tool call blocked by policy.")
	}
	return protocol.Allow()
}

// handlePostTool closes the tool pair opened at PreToolUse. For failures the
// OUTPUT is the error context; failures are observe-only and never block.
func (e *Engine) handlePostTool(ctx context.Context, env *protocol.HookEnvelope) protocol.Decision {
	toolUseID := env.Str("tool_use_id")
	if toolUseID == "" || e.store == nil {
		return protocol.Allow()
	}
	eventID, err := e.store.PopLink(ctx, env.SessionID, protocol.ToolLinkKey(toolUseID))
	if err != nil {
		e.log.Warnw("pop tool link", "tool_use_id", toolUseID, "err", err)
		return protocol.Allow()
	}
	if eventID == "" {
		return protocol.Allow()
	}
	open, err := e.store.GetOpenEvent(ctx, eventID)
	if err != nil || open == nil {
		if err != nil {
			e.log.Warnw("get open event", "event_id", eventID, "err", err)
		}
		return protocol.Allow()
	}

	var output string
	if env.HookName == protocol.HookPostToolUseFailure {
		output = e.normalize(map[string]any{
			"error":        env.Str("error"),
			"is_interrupt": env.Bool("is_interrupt"),
		})
	} else {
		output = e.normalize(env.Field("tool_response"))
	}

	outcome := e.client.Send(ctx, env.HookName,
		policy.BuildUpdate(e.cfg, eventID, open.Class, output, open.SessionID, open.Metadata))
	e.closeEvent(ctx, eventID)

	if env.HookName == protocol.HookPostToolUse && e.shouldBlock(env.HookName, outcome) {
		return e.blockDecision(ctx, env.HookName, env.SessionID, outcome, "Tool result blocked by policy.")
	}
	return protocol.Allow()
}

// handlePermission mediates a permission request as a one-shot pair.
func (e *Engine) handlePermission(ctx context.Context, env *protocol.HookEnvelope) protocol.Decision {
	toolName := env.Str("tool_name")
	class, monitored := e.classifier.ClassifyTool(toolName)
	if !monitored {
		class = protocol.ClassAgentTool
	}
	linkKey := ""
	if id := env.Str("request_id"); id != "" {
		linkKey = protocol.PermissionLinkKey(id)
	}
	outcome := e.oneShot(ctx, env, oneShotSpec{
		class: class,
		content: map[string]any{
			"tool_name":              toolName,
			"tool_input":             env.Field("tool_input"),
			"permission_suggestions": env.Field("permission_suggestions"),
		},
		outputText:    "[permission_reviewed]",
		source:        "permission_request",
		metadataExtra: map[string]any{"tool_name": toolName},
		linkKey:       linkKey,
	})
	if e.shouldBlock(env.HookName, outcome) {
		return e.blockDecision(ctx, env.HookName, env.SessionID, outcome, "Permission request blocked by policy.")
	}
	return protocol.Allow()
}

// handleStop emits transcript-derived model turns past the cursor, then
// closes the session's prompt link with the final assistant text.
func (e *Engine) handleStop(ctx context.Context, env *protocol.HookEnvelope) protocol.Decision {
	if env.Bool("stop_hook_active") {
		return protocol.Allow()
	}
	if decision, blocked := e.emitTranscriptTurns(ctx, env); blocked {
		return decision
	}
	if decision, blocked := e.closePromptLink(ctx, env); blocked {
		return decision
	}
	return protocol.Allow()
}

// handleSubagentStop mirrors Stop for the subagent's own prompt link and
// transcript, then records the subagent result as a one-shot agt_agt event.
func (e *Engine) handleSubagentStop(ctx context.Context, env *protocol.HookEnvelope) protocol.Decision {
	if env.Bool("stop_hook_active") {
		return protocol.Allow()
	}
	if decision, blocked := e.emitTranscriptTurns(ctx, env); blocked {
		return decision
	}
	if decision, blocked := e.closePromptLink(ctx, env); blocked {
		return decision
	}

	llmInput, llmOutput := transcript.LastTurn(env.TranscriptPath)
	if llmInput == "" && llmOutput == "" {
		return protocol.Allow()
	}
	outcome := e.oneShot(ctx, env, oneShotSpec{
		class: protocol.ClassAgentAgent,
		content: map[string]any{
			"agent_id":              env.Str("agent_id"),
			"agent_transcript_path": env.Str("agent_transcript_path"),
			"llm_input":             llmInput,
			"llm_output":            llmOutput,
		},
		outputText: "[subagent_stop_captured]",
		source:     "subagent_stop",
	})
	if e.shouldBlock(env.HookName, outcome) {
		return e.blockDecision(ctx, env.HookName, env.SessionID, outcome, "Subagent result blocked by policy.")
	}
	return protocol.Allow()
}

// closePromptLink closes the session's active prompt event with the final
// assistant output. Returns the block decision and true when the final
// response verdict is enforced as a block.
func (e *Engine) closePromptLink(ctx context.Context, env *protocol.HookEnvelope) (protocol.Decision, bool) {
	if e.store == nil {
		return protocol.Allow(), false
	}
	eventID, err := e.store.GetLink(ctx, env.SessionID, protocol.PromptLinkKey(env.SessionID))
	if err != nil {
		e.log.Warnw("get prompt link", "session", env.SessionID, "err", err)
		return protocol.Allow(), false
	}
	if eventID == "" {
		return protocol.Allow(), false
	}
	open, err := e.store.GetOpenEvent(ctx, eventID)
	if err != nil || open == nil {
		if err != nil {
			e.log.Warnw("get open event", "event_id", eventID, "err", err)
		}
		return protocol.Allow(), false
	}

	_, llmOutput := transcript.LastTurn(env.TranscriptPath)
	if llmOutput == "" {
		llmOutput = "No response"
	}
	outcome := e.client.Send(ctx, env.HookName,
		policy.BuildUpdate(e.cfg, eventID, open.Class, e.cap(llmOutput), open.SessionID, open.Metadata))
	e.closeEvent(ctx, eventID)

	if e.shouldBlock(env.HookName, outcome) {
		return e.blockDecision(ctx, env.HookName, env.SessionID, outcome, "Final response blocked by policy."), true
	}
	return protocol.Allow(), false
}

// emitTranscriptTurns emits every reconstructed model turn past the cursor as
// an agt_llm event. These are historical observations: the model already ran,
// so a violation blocks the boundary, not the generation. The cursor advances
// only past successfully emitted turns. Returns the block decision and true
// when an emitted turn is enforced as a block.
func (e *Engine) emitTranscriptTurns(ctx context.Context, env *protocol.HookEnvelope) (protocol.Decision, bool) {
	if env.TranscriptPath == "" || e.store == nil {
		return protocol.Allow(), false
	}
	turns := transcript.Turns(env.TranscriptPath)
	if len(turns) == 0 {
		return protocol.Allow(), false
	}

	cursor, err := e.store.Cursor(ctx, env.SessionID, env.TranscriptPath)
	if err != nil {
		e.log.Warnw("get cursor", "session", env.SessionID, "err", err)
		cursor = -1
	}
	if cursor >= len(turns) {
		// A rewritten transcript shrank; start over rather than skip forever.
		cursor = -1
	}
	start := cursor + 1

	e.traceEvent("llm_turn_scan", env, map[string]any{
		"transcript_path":     env.TranscriptPath,
		"turns_total":         len(turns),
		"turns_emitting_from": start,
	})

	for idx := start; idx < len(turns); idx++ {
		turn := turns[idx]
		metadata := e.metadata(env)
		metadata["source"] = "transcript_turn"
		metadata["transcript_path"] = env.TranscriptPath
		metadata["llm_turn_index"] = idx

		input := e.cap(turn.Input)
		output := e.cap(turn.Output)

		if e.cfg.LLMTranscriptLocalOnly {
			e.recordLocalTurn(env, idx, input, output, metadata)
			e.setCursor(ctx, env, idx)
			continue
		}

		created := e.client.Send(ctx, env.HookName,
			policy.BuildCreate(e.cfg, protocol.ClassAgentLLM, input, env.SessionID, metadata))
		if created.EventID == "" {
			// Emission failed; stop and leave the cursor so this turn and
			// the ones after it are retried.
			break
		}
		e.openEvent(ctx, protocol.OpenEvent{
			EventID:      created.EventID,
			Class:        protocol.ClassAgentLLM,
			SessionID:    env.SessionID,
			HookName:     env.HookName,
			InputContent: input,
			Metadata:     metadata,
		}, protocol.LLMLinkKey(idx))

		updated := e.client.Send(ctx, env.HookName,
			policy.BuildUpdate(e.cfg, created.EventID, protocol.ClassAgentLLM, output, env.SessionID, metadata))
		e.closeEvent(ctx, created.EventID)
		e.setCursor(ctx, env, idx)

		if e.shouldBlock(env.HookName, updated) {
			return e.blockDecision(ctx, env.HookName, env.SessionID, updated, "Model output blocked by policy."), true
		}
		if e.shouldBlock(env.HookName, created) {
			return e.blockDecision(ctx, env.HookName, env.SessionID, created, "Model input blocked by policy."), true
		}
	}
	return protocol.Allow(), false
}

// recordLocalTurn logs a model turn locally without any network call,
// mirroring the CREATE/UPDATE pair it would otherwise produce.
func (e *Engine) recordLocalTurn(env *protocol.HookEnvelope, idx int, input, output string, metadata map[string]any) {
	create := policy.BuildCreate(e.cfg, protocol.ClassAgentLLM, input, env.SessionID, metadata)
	update := policy.BuildUpdate(e.cfg, fmt.Sprintf("local-llm-%d", idx), protocol.ClassAgentLLM, output, env.SessionID, metadata)
	for _, payload := range []policy.Payload{create, update} {
		if err := e.auditLog.Append(e.invocationID, env.HookName, env.SessionID, payload, audit.LLMLocalOnly()); err != nil {
			e.log.Warnw("audit local turn", "err", err)
		}
	}
}

func (e *Engine) setCursor(ctx context.Context, env *protocol.HookEnvelope, idx int) {
	if err := e.store.SetCursor(ctx, env.SessionID, env.TranscriptPath, idx); err != nil {
		e.log.Warnw("set cursor", "session", env.SessionID, "idx", idx, "err", err)
	}
}

// handleSessionEnd closes every remaining open event with a session-end
// marker, clears the session's cursors, and records the boundary. It never
// blocks.
func (e *Engine) handleSessionEnd(ctx context.Context, env *protocol.HookEnvelope) protocol.Decision {
	if e.store != nil {
		events, err := e.store.DrainSession(ctx, env.SessionID)
		if err != nil {
			e.log.Warnw("drain session", "session", env.SessionID, "err", err)
		}
		for _, ev := range events {
			e.client.Send(ctx, env.HookName,
				policy.BuildUpdate(e.cfg, ev.EventID, ev.Class, "[session_end]", ev.SessionID, ev.Metadata))
		}
		if err := e.store.ClearCursors(ctx, env.SessionID); err != nil {
			e.log.Warnw("clear cursors", "session", env.SessionID, "err", err)
		}
	}
	e.oneShot(ctx, env, oneShotSpec{
		class:      protocol.ClassAgentAgent,
		outputText: "[session_closed]",
		source:     "session_end",
	})
	return protocol.Allow()
}
