package policy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"moat/pkg/audit"
	"moat/pkg/config"
	"moat/pkg/protocol"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("MOAT_STATE_DIR", t.TempDir())
	cfg, _ := config.Load()
	return cfg
}

func testClient(t *testing.T, cfg *config.Config) *Client {
	t.Helper()
	logPath := filepath.Join(t.TempDir(), "events.jsonl")
	return NewClient(cfg, audit.NewWriter(logPath, true), zap.NewNop().Sugar(), "inv-test")
}

func createPayload(cfg *config.Config, input string) Payload {
	return BuildCreate(cfg, protocol.ClassUserAgent, input, "s1",
		DefaultMetadata("UserPromptSubmit", "s1", cfg.UserID))
}

func TestMockModeBlocksOnToken(t *testing.T) {
	cfg := testConfig(t)
	cfg.MockMode = true
	cfg.MockBlockTokens = "jailbreak,rm -rf /"
	client := testClient(t, cfg)

	out := client.Send(context.Background(), "UserPromptSubmit", createPayload(cfg, "please jailbreak this"))
	if !out.Blocked {
		t.Fatal("token not blocked")
	}
	if out.EventID == "" {
		t.Error("mock CREATE should mint an event id")
	}
	if out.Reason == "" {
		t.Error("blocked outcome missing reason")
	}

	out = client.Send(context.Background(), "UserPromptSubmit", createPayload(cfg, "benign question"))
	if out.Blocked {
		t.Error("benign input blocked")
	}
}

func TestMockModeInspectsOutputOnUpdate(t *testing.T) {
	cfg := testConfig(t)
	cfg.MockMode = true
	cfg.MockBlockTokens = "secret-data"
	client := testClient(t, cfg)

	update := BuildUpdate(cfg, "e1", protocol.ClassAgentTool, "leaking secret-data now", "s1", nil)
	out := client.Send(context.Background(), "PostToolUse", update)
	if !out.Blocked {
		t.Fatal("output token not blocked")
	}
	if out.EventID != "e1" {
		t.Errorf("update must echo its event id, got %q", out.EventID)
	}
}

func TestDryRunNeverSends(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	cfg := testConfig(t)
	cfg.DryRun = true
	cfg.EventURL = srv.URL
	client := testClient(t, cfg)

	out := client.Send(context.Background(), "UserPromptSubmit", createPayload(cfg, "hello"))
	if out.Blocked {
		t.Error("dry run must pass")
	}
	if out.EventID == "" {
		t.Error("dry run should mint a synthetic event id")
	}
	if calls.Load() != 0 {
		t.Error("dry run performed a network call")
	}
}

func TestDisabledPassesWithoutNetwork(t *testing.T) {
	cfg := testConfig(t)
	cfg.Enabled = false
	cfg.EventURL = "http://127.0.0.1:1" // would fail if dialed
	client := testClient(t, cfg)

	out := client.Send(context.Background(), "Stop", createPayload(cfg, "x"))
	if out.Blocked {
		t.Error("disabled client must pass")
	}
}

func TestRealSendParsesVerdict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"event_id":"evt-9","event_result":"blocked","policy":"pii","reason":"ssn"}`))
	}))
	defer srv.Close()

	cfg := testConfig(t)
	cfg.EventURL = srv.URL
	client := testClient(t, cfg)

	out := client.Send(context.Background(), "UserPromptSubmit", createPayload(cfg, "my ssn is ..."))
	if !out.Blocked {
		t.Fatal("verdict not honored")
	}
	if out.EventID != "evt-9" {
		t.Errorf("event id = %q", out.EventID)
	}
	if out.Reason != "Policy: pii - ssn" {
		t.Errorf("reason = %q", out.Reason)
	}
}

func TestServerErrorFailsOpen(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testConfig(t)
	cfg.EventURL = srv.URL
	client := testClient(t, cfg)

	out := client.Send(context.Background(), "UserPromptSubmit", createPayload(cfg, "x"))
	if out.Blocked {
		t.Error("5xx should fail open by default")
	}
	if out.Raw["reason"] != "upstream-unavailable" {
		t.Errorf("reason = %v", out.Raw["reason"])
	}
}

func TestServerErrorFailsClosedWhenConfigured(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testConfig(t)
	cfg.EventURL = srv.URL
	cfg.FailOpen = false
	client := testClient(t, cfg)

	out := client.Send(context.Background(), "UserPromptSubmit", createPayload(cfg, "x"))
	if !out.Blocked {
		t.Error("fail_open=false should reject on 5xx")
	}
	if out.EventResult != "rejected" {
		t.Errorf("event_result = %q", out.EventResult)
	}
}

func TestClientErrorAlwaysFailsOpen(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	cfg := testConfig(t)
	cfg.EventURL = srv.URL
	cfg.FailOpen = false // 4xx fails open regardless
	client := testClient(t, cfg)

	out := client.Send(context.Background(), "UserPromptSubmit", createPayload(cfg, "x"))
	if out.Blocked {
		t.Error("4xx must fail open even with fail_open=false")
	}
}

func TestTransportErrorFailsOpen(t *testing.T) {
	cfg := testConfig(t)
	cfg.EventURL = "http://127.0.0.1:1" // nothing listening
	client := testClient(t, cfg)

	out := client.Send(context.Background(), "UserPromptSubmit", createPayload(cfg, "x"))
	if out.Blocked {
		t.Error("unreachable API should fail open")
	}
}

func TestTimeoutResolvesWithinBound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(3 * time.Second)
	}))
	defer srv.Close()

	cfg := testConfig(t)
	cfg.EventURL = srv.URL
	cfg.TimeoutSeconds = 1
	client := testClient(t, cfg)

	start := time.Now()
	out := client.Send(context.Background(), "UserPromptSubmit", createPayload(cfg, "x"))
	elapsed := time.Since(start)

	if out.Blocked {
		t.Error("timeout should fail open")
	}
	if elapsed > 2500*time.Millisecond {
		t.Errorf("resolution took %s, want <= timeout + epsilon", elapsed)
	}
}

func TestUpdateRetriesOnceCreateNever(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testConfig(t)
	cfg.EventURL = srv.URL
	client := testClient(t, cfg)

	// CREATE: exactly one attempt, duplicate opens are worse than a miss.
	client.Send(context.Background(), "UserPromptSubmit", createPayload(cfg, "x"))
	if got := calls.Load(); got != 1 {
		t.Errorf("CREATE attempts = %d, want 1", got)
	}

	calls.Store(0)
	update := BuildUpdate(cfg, "e1", protocol.ClassAgentTool, "out", "s1", nil)
	client.Send(context.Background(), "PostToolUse", update)
	if got := calls.Load(); got != 2 {
		t.Errorf("UPDATE attempts = %d, want 2 (one retry)", got)
	}
}

func TestNoEndpointIsLogOnly(t *testing.T) {
	cfg := testConfig(t)
	client := testClient(t, cfg)

	out := client.Send(context.Background(), "UserPromptSubmit", createPayload(cfg, "x"))
	if out.Blocked {
		t.Error("log-only mode must pass")
	}
}

func TestPermissionPairOrder(t *testing.T) {
	var bodies atomic.Int32
	var sawCreateFirst atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := bodies.Add(1)
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if n == 1 && body["event_id"] == nil {
			sawCreateFirst.Store(true)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"event_id":"evt-1","event_result":"passed"}`))
	}))
	defer srv.Close()

	cfg := testConfig(t)
	cfg.EventURL = srv.URL
	client := testClient(t, cfg)
	ctx := context.Background()

	created := client.Send(ctx, "PermissionRequest", createPayload(cfg, "request context"))
	client.Send(ctx, "PermissionRequest",
		BuildUpdate(cfg, created.EventID, protocol.ClassAgentTool, "[permission_reviewed]", "s1", nil))

	if bodies.Load() != 2 {
		t.Errorf("requests = %d, want exactly one CREATE and one UPDATE", bodies.Load())
	}
	if !sawCreateFirst.Load() {
		t.Error("CREATE must precede UPDATE")
	}
}
