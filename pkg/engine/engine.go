package engine

import (
	"context"

	"go.uber.org/zap"

	"moat/pkg/audit"
	"moat/pkg/config"
	"moat/pkg/policy"
	"moat/pkg/protocol"
	"moat/pkg/sanitize"
	"moat/pkg/state"
)

// Engine is the per-invocation mediation dispatcher. It owns the run
// configuration; the state store rows are owned by pkg/state and reached only
// through it.
type Engine struct {
	cfg          *config.Config
	store        *state.Store
	client       *policy.Client
	auditLog     *audit.Writer
	classifier   Classifier
	log          *zap.SugaredLogger
	trace        *zap.SugaredLogger
	invocationID string
}

// New assembles an engine. store may be nil when the state database could not
// be opened: the engine then degrades to stateless one-shot operation.
// trace may be nil when debug tracing is off.
func New(cfg *config.Config, store *state.Store, client *policy.Client, auditLog *audit.Writer,
	classifier Classifier, log *zap.SugaredLogger, trace *zap.SugaredLogger, invocationID string) *Engine {
	return &Engine{
		cfg:          cfg,
		store:        store,
		client:       client,
		auditLog:     auditLog,
		classifier:   classifier,
		log:          log,
		trace:        trace,
		invocationID: invocationID,
	}
}

// Handle runs the full per-invocation procedure for one hook envelope and
// returns the decision to emit. It never returns an error: every internal
// failure resolves to a decision per the fail-open policy. It does not
// recover panics.
func (e *Engine) Handle(ctx context.Context, env *protocol.HookEnvelope) protocol.Decision {
	e.traceEvent("start", env, nil)

	if !e.cfg.Enabled {
		e.log.Debugw("disabled, allowing", "hook", env.HookName)
		return protocol.Allow()
	}
	if e.cfg.TinyDebugMode && !protocol.TinyDebugHooks[env.HookName] {
		e.traceEvent("skip", env, map[string]any{"reason": "tiny_debug_mode"})
		return protocol.Allow()
	}

	e.pruneStale(ctx)
	e.logPreview(env)

	decision := e.dispatch(ctx, env)
	e.traceEvent("end", env, map[string]any{"decision": decision})
	return decision
}

func (e *Engine) dispatch(ctx context.Context, env *protocol.HookEnvelope) protocol.Decision {
	switch env.HookName {
	case protocol.HookUserPromptSubmit:
		return e.handleUserPrompt(ctx, env)
	case protocol.HookPreToolUse:
		return e.handlePreTool(ctx, env)
	case protocol.HookPostToolUse, protocol.HookPostToolUseFailure:
		return e.handlePostTool(ctx, env)
	case protocol.HookPermissionRequest:
		return e.handlePermission(ctx, env)
	case protocol.HookStop:
		return e.handleStop(ctx, env)
	case protocol.HookSubagentStop:
		return e.handleSubagentStop(ctx, env)
	case protocol.HookSessionEnd:
		return e.handleSessionEnd(ctx, env)
	}
	return e.handleGeneric(ctx, env)
}

// pruneStale opportunistically removes rows past the open-event TTL. Failures
// degrade silently to larger state files, never to a changed decision.
func (e *Engine) pruneStale(ctx context.Context) {
	if e.store == nil {
		return
	}
	if err := e.store.PruneStale(ctx, protocol.OpenEventTTL); err != nil {
		e.log.Warnw("prune stale state", "err", err)
	}
}

// logPreview writes a redacted preview of the incoming envelope to the audit
// log before any policy call.
func (e *Engine) logPreview(env *protocol.HookEnvelope) {
	if !e.cfg.RedactSecrets {
		return
	}
	preview := map[string]any{
		"hook_event_name": env.HookName,
		"session_id":      env.SessionID,
		"payload":         sanitize.Redact(env.Data),
	}
	if err := e.auditLog.Append(e.invocationID, env.HookName, env.SessionID,
		map[string]any{"preview": preview}, map[string]any{"event_result": "preview"}); err != nil {
		e.log.Warnw("audit preview failed", "err", err)
	}
}

func (e *Engine) traceEvent(phase string, env *protocol.HookEnvelope, extra map[string]any) {
	if e.trace == nil {
		return
	}
	fields := []any{"phase", phase, "hook_event_name", env.HookName, "session_id", env.SessionID}
	for k, v := range extra {
		fields = append(fields, k, v)
	}
	e.trace.Infow("trace", fields...)
}

// cap truncates content to the configured bound.
func (e *Engine) cap(text string) string {
	return sanitize.CapText(text, e.cfg.MaxContentChars)
}

// normalize converts an arbitrary payload value to a capped string.
func (e *Engine) normalize(v any) string {
	return sanitize.NormalizeText(v, e.cfg.MaxContentChars)
}

// metadata builds the default event metadata for this invocation.
func (e *Engine) metadata(env *protocol.HookEnvelope) map[string]any {
	return policy.DefaultMetadata(env.HookName, env.SessionID, e.cfg.UserID)
}

// blockDecision drains the session, closing every open event with the policy
// reason as output, and returns the host decision for hookName. Rejections
// are honored like blocks but logged distinctly.
func (e *Engine) blockDecision(ctx context.Context, hookName, sessionID string, outcome protocol.Outcome, fallback string) protocol.Decision {
	reason := outcome.Reason
	if reason == "" {
		reason = fallback
	}
	if protocol.IsRejected(outcome.Raw) {
		e.log.Warnw("policy rejected event", "hook", hookName, "session", sessionID, "reason", reason)
	} else {
		e.log.Infow("policy blocked event", "hook", hookName, "session", sessionID, "reason", reason)
	}
	e.closeSessionWithReason(ctx, hookName, sessionID, reason)
	return protocol.BlockFor(hookName, reason)
}

// closeSessionWithReason closes every remaining open event for the session
// with the block reason as OUTPUT, so no event is left unpaired upstream.
func (e *Engine) closeSessionWithReason(ctx context.Context, hookName, sessionID, reason string) {
	if e.store == nil {
		return
	}
	blockText := e.cap(reason)
	events, err := e.store.DrainSession(ctx, sessionID)
	if err != nil {
		e.log.Warnw("drain session", "session", sessionID, "err", err)
		return
	}
	for _, ev := range events {
		e.client.Send(ctx, hookName,
			policy.BuildUpdate(e.cfg, ev.EventID, ev.Class, blockText, ev.SessionID, ev.Metadata))
	}
}

// shouldBlock reports whether a verdict is enforced as a block on this hook.
func (e *Engine) shouldBlock(hookName string, outcome protocol.Outcome) bool {
	return e.cfg.Enforce() && outcome.Blocked && protocol.BlockCapableHooks[hookName]
}

// openEvent persists an open INPUT event and its link, degrading to stateless
// operation when the store is unavailable.
func (e *Engine) openEvent(ctx context.Context, ev protocol.OpenEvent, linkKey string) {
	if e.store == nil {
		return
	}
	if err := e.store.InsertOpenEvent(ctx, ev, linkKey); err != nil {
		e.log.Warnw("store open event", "event_id", ev.EventID, "err", err)
	}
}

// closeEvent removes an open event after its OUTPUT was delivered.
func (e *Engine) closeEvent(ctx context.Context, eventID string) {
	if e.store == nil {
		return
	}
	if err := e.store.CloseOpenEvent(ctx, eventID); err != nil {
		e.log.Warnw("close open event", "event_id", eventID, "err", err)
	}
}
