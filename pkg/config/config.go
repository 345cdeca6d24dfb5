// Package config builds the per-invocation run configuration for
// the moat mediator. Sources merge lowest to highest precedence: compiled
// defaults, config.toml in the state directory, then MOAT_* environment
// variables. A .env file next to the config is loaded first without
// overriding variables already set.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"moat/pkg/protocol"
)

// Config is the run configuration. Constructed once per invocation by Load
// and passed by reference; the engine, policy client, and hook binary only
// read it.
type Config struct {
	Enabled bool   `toml:"enabled"`
	Mode    string `toml:"mode"` // enforce | observe

	DryRun          bool   `toml:"dry_run"`
	PrintPayloads   bool   `toml:"print_payloads"`
	MockMode        bool   `toml:"mock_mode"`
	MockBlockTokens string `toml:"mock_block_tokens"` // comma list
	FailOpen        bool   `toml:"fail_open"`
	TimeoutSeconds  int    `toml:"timeout_seconds"`

	BaseURL   string `toml:"base_url"`
	EventURL  string `toml:"event_url"`
	APIKey    string `toml:"api_key"`
	ProfileID string `toml:"profile_id"`
	UseCaseID string `toml:"use_case_id"`
	UserID    string `toml:"user_id"`

	MaxContentChars int  `toml:"max_content_chars"`
	RedactSecrets   bool `toml:"redact_secrets"`
	ForwardToLLM    bool `toml:"forward_to_llm"`

	SkipTelemetryAPISend   bool `toml:"skip_telemetry_api_send"`
	LLMTranscriptLocalOnly bool `toml:"llm_transcript_local_only"`

	StateDir   string `toml:"state_dir"`
	DBPath     string `toml:"db_path"`
	LogLocally bool   `toml:"log_locally"`
	LogPath    string `toml:"log_path"`
	RulesPath  string `toml:"rules_path"`

	TinyDebugMode  bool   `toml:"tiny_debug_mode"`
	DebugTrace     bool   `toml:"debug_trace"`
	DebugTracePath string `toml:"debug_trace_path"`
}

// Load resolves the full configuration. It never fails hard: unreadable
// config files degrade to defaults, with a warning returned for the caller
// to log.
func Load() (*Config, []string) {
	var warnings []string

	stateDir := resolveStateDir()
	warnings = append(warnings, loadDotenv(filepath.Join(stateDir, ".env"))...)
	// MOAT_STATE_DIR may itself arrive via .env.
	stateDir = resolveStateDir()

	cfg := defaults(stateDir)

	if w := mergeFile(cfg, filepath.Join(stateDir, "config.toml")); w != "" {
		warnings = append(warnings, w)
	}
	mergeEnv(cfg)
	fillDerived(cfg)
	return cfg, warnings
}

func defaults(stateDir string) *Config {
	return &Config{
		Enabled:                true,
		Mode:                   "enforce",
		MockBlockTokens:        protocol.DefaultMockBlockTokens,
		FailOpen:               true,
		TimeoutSeconds:         protocol.DefaultTimeoutSeconds,
		UserID:                 "cowork_agent",
		MaxContentChars:        protocol.DefaultMaxContentChars,
		RedactSecrets:          true,
		SkipTelemetryAPISend:   true,
		LLMTranscriptLocalOnly: true,
		LogLocally:             true,
		StateDir:               stateDir,
	}
}

func resolveStateDir() string {
	if v := os.Getenv("MOAT_STATE_DIR"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), protocol.MoatDir)
	}
	return filepath.Join(home, protocol.MoatDir)
}

// mergeFile overlays config.toml onto cfg. A missing file is not an error.
func mergeFile(cfg *Config, path string) string {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ""
		}
		return fmt.Sprintf("read config %s: %v", path, err)
	}
	if err := toml.Unmarshal(raw, cfg); err != nil {
		return fmt.Sprintf("parse config %s: %v", path, err)
	}
	return ""
}

func mergeEnv(cfg *Config) {
	strEnv := map[string]*string{
		"MOAT_MODE":              &cfg.Mode,
		"MOAT_MOCK_BLOCK_TOKENS": &cfg.MockBlockTokens,
		"MOAT_BASE_URL":          &cfg.BaseURL,
		"MOAT_API_URL":           &cfg.EventURL,
		"MOAT_API_KEY":           &cfg.APIKey,
		"MOAT_PROFILE_ID":        &cfg.ProfileID,
		"MOAT_USE_CASE_ID":       &cfg.UseCaseID,
		"MOAT_USER_ID":           &cfg.UserID,
		"MOAT_LOG_PATH":          &cfg.LogPath,
		"MOAT_DB_PATH":           &cfg.DBPath,
		"MOAT_RULES_PATH":        &cfg.RulesPath,
		"MOAT_DEBUG_TRACE_PATH":  &cfg.DebugTracePath,
	}
	for key, dst := range strEnv {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	boolEnv := map[string]*bool{
		"MOAT_ENABLED":                   &cfg.Enabled,
		"MOAT_DRY_RUN":                   &cfg.DryRun,
		"MOAT_PRINT_PAYLOADS":            &cfg.PrintPayloads,
		"MOAT_MOCK_MODE":                 &cfg.MockMode,
		"MOAT_FAIL_OPEN":                 &cfg.FailOpen,
		"MOAT_REDACT_SECRETS":            &cfg.RedactSecrets,
		"MOAT_FORWARD_TO_LLM":            &cfg.ForwardToLLM,
		"MOAT_LOG_LOCALLY":               &cfg.LogLocally,
		"MOAT_SKIP_TELEMETRY_API_SEND":   &cfg.SkipTelemetryAPISend,
		"MOAT_LLM_TRANSCRIPT_LOCAL_ONLY": &cfg.LLMTranscriptLocalOnly,
		"MOAT_TINY_DEBUG_MODE":           &cfg.TinyDebugMode,
		"MOAT_DEBUG_TRACE":               &cfg.DebugTrace,
	}
	for key, dst := range boolEnv {
		if v, ok := parseBool(os.Getenv(key)); ok {
			*dst = v
		}
	}

	intEnv := map[string]*int{
		"MOAT_REQUEST_TIMEOUT_SECONDS": &cfg.TimeoutSeconds,
		"MOAT_MAX_CONTENT_CHARS":       &cfg.MaxContentChars,
	}
	for key, dst := range intEnv {
		if v, ok := parseInt(os.Getenv(key)); ok {
			*dst = v
		}
	}
}

func fillDerived(cfg *Config) {
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.StateDir, "state.db")
	}
	if cfg.LogPath == "" {
		cfg.LogPath = filepath.Join(cfg.StateDir, "events.jsonl")
	}
	if cfg.RulesPath == "" {
		cfg.RulesPath = filepath.Join(cfg.StateDir, "rules.yaml")
	}
	if cfg.DebugTracePath == "" {
		cfg.DebugTracePath = filepath.Join(cfg.StateDir, "debug-trace.jsonl")
	}
	if cfg.MaxContentChars <= 0 {
		cfg.MaxContentChars = protocol.DefaultMaxContentChars
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = protocol.DefaultTimeoutSeconds
	}
}

// Enforce reports whether policy verdicts are honored as blocks rather than
// merely observed.
func (c *Config) Enforce() bool {
	return strings.EqualFold(c.Mode, "enforce") || c.Mode == ""
}

// Endpoint resolves the policy API endpoint URL. An explicit event URL wins;
// otherwise the standard suffix is appended to the base URL. Empty means
// log-only operation.
func (c *Config) Endpoint() string {
	if u := strings.TrimSpace(c.EventURL); u != "" {
		return u
	}
	base := strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if base == "" {
		return ""
	}
	if strings.HasSuffix(base, protocol.DefaultEndpointSuffix) {
		return base
	}
	return base + protocol.DefaultEndpointSuffix
}

// Tokens splits the mock block token list.
func (c *Config) Tokens() []string {
	var tokens []string
	for _, tok := range strings.Split(c.MockBlockTokens, ",") {
		tok = strings.TrimSpace(tok)
		if tok != "" {
			tokens = append(tokens, strings.ToLower(tok))
		}
	}
	return tokens
}

func parseBool(v string) (bool, bool) {
	if v == "" {
		return false, false
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	}
	return false, false
}

func parseInt(v string) (int, bool) {
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, false
	}
	return n, true
}
