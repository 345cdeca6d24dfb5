package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"moat/pkg/audit"
	"moat/pkg/config"
	"moat/pkg/engine"
	"moat/pkg/policy"
	"moat/pkg/protocol"
	"moat/pkg/state"
)

// allowJSON is the pre-encoded allow decision (empty JSON object).
var allowJSON = []byte("{}")

// Run processes one hook invocation and returns the decision JSON. This is
// the core logic, extracted from main() for testability.
//
// Every error path returns allowJSON: a malformed envelope, an unopenable
// state database, or a failed config file must never block the user. The
// state store degrades to stateless one-shot operation when unavailable.
func Run(input []byte, eventOverride string) []byte {
	log := newLogger()
	defer log.Sync() //nolint:errcheck // stderr sync failure is unactionable

	env, err := protocol.ParseEnvelope(input)
	if err != nil {
		if eventOverride == "" {
			var envErr *protocol.EnvelopeError
			if errors.As(err, &envErr) {
				log.Warnw("unusable envelope", "reason", envErr.Reason)
			} else {
				log.Warnw("unusable envelope", "err", err)
			}
			return allowJSON
		}
		// An explicit --event can run without a body (manual invocation).
		env = &protocol.HookEnvelope{Data: map[string]any{}}
	}
	if eventOverride != "" {
		env.HookName = eventOverride
	}
	if env.HookName == "" {
		log.Warnw("no hook_event_name provided")
		return allowJSON
	}

	cfg, warnings := config.Load()
	for _, w := range warnings {
		log.Warnw("config", "warning", w)
	}

	invocationID := uuid.NewString()
	auditLog := audit.NewWriter(cfg.LogPath, cfg.LogLocally)

	classifier, err := engine.LoadClassifier(cfg.RulesPath)
	if err != nil {
		log.Warnw("classifier rules", "err", err)
	}

	var store *state.Store
	db, err := state.Open(cfg.DBPath)
	if err != nil {
		log.Warnw("state store unavailable, running stateless", "err", err)
	} else {
		store = state.NewStore(db)
		defer db.Close()
	}

	var trace *zap.SugaredLogger
	if cfg.DebugTrace {
		trace = newTraceLogger(cfg.DebugTracePath, log)
		if trace != nil {
			defer trace.Sync() //nolint:errcheck // file sync failure is unactionable
		}
	}

	client := policy.NewClient(cfg, auditLog, log, invocationID)
	eng := engine.New(cfg, store, client, auditLog, classifier, log, trace, invocationID)

	decision := eng.Handle(context.Background(), env)

	out, err := json.Marshal(decision)
	if err != nil {
		log.Warnw("marshal decision", "err", err)
		return allowJSON
	}
	return out
}

// newLogger builds the stderr diagnostic logger. stdout stays reserved for
// the host decision.
func newLogger() *zap.SugaredLogger {
	cfg := zap.NewDevelopmentConfig()
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop().Sugar()
	}
	return logger.Sugar()
}

// newTraceLogger builds the JSON debug-trace logger appending to path.
// Returns nil (tracing off) when the sink cannot be created.
func newTraceLogger(path string, log *zap.SugaredLogger) *zap.SugaredLogger {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		log.Warnw("trace dir", "err", err)
		return nil
	}
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{path}
	cfg.ErrorOutputPaths = []string{"stderr"}
	logger, err := cfg.Build()
	if err != nil {
		log.Warnw("trace logger", "err", err)
		return nil
	}
	return logger.Sugar()
}
