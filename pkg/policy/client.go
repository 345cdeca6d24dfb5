package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"moat/pkg/audit"
	"moat/pkg/config"
	"moat/pkg/protocol"
)

// Client performs policy API requests. It is the single suspension point of
// an invocation: every call is bounded by the configured request timeout.
type Client struct {
	cfg          *config.Config
	httpc        *http.Client
	auditLog     *audit.Writer
	log          *zap.SugaredLogger
	invocationID string
	newID        func() string
}

// NewClient builds a client for one invocation. invocationID tags every audit
// record the client writes.
func NewClient(cfg *config.Config, auditLog *audit.Writer, log *zap.SugaredLogger, invocationID string) *Client {
	return &Client{
		cfg:          cfg,
		httpc:        &http.Client{},
		auditLog:     auditLog,
		log:          log,
		invocationID: invocationID,
		newID:        func() string { return uuid.NewString() },
	}
}

// Send performs one CREATE or UPDATE request and returns the parsed outcome.
// Network failures, 5xx, and timeouts resolve per the fail-open policy; 4xx
// responses are logged and fail open unconditionally. UPDATE retries once on
// transient failure because event_id makes it idempotent; CREATE never
// retries, to avoid duplicate opens.
func (c *Client) Send(ctx context.Context, hookName string, p Payload) protocol.Outcome {
	if c.cfg.PrintPayloads || c.cfg.DryRun {
		c.log.Infow("payload", "mode", c.mode(), "payload", p)
	}

	resp := c.resolve(ctx, p)
	c.record(hookName, p, resp)
	if c.cfg.PrintPayloads || c.cfg.DryRun {
		c.log.Infow("response", "mode", c.mode(), "response", resp)
	}
	return protocol.OutcomeFromResponse(resp)
}

func (c *Client) mode() string {
	switch {
	case !c.cfg.Enabled:
		return "disabled"
	case c.cfg.DryRun:
		return "dry-run"
	case c.cfg.MockMode:
		return "mock"
	}
	return "send"
}

func (c *Client) resolve(ctx context.Context, p Payload) map[string]any {
	if !c.cfg.Enabled {
		return map[string]any{"event_result": "passed", "disabled": true}
	}
	if c.cfg.DryRun {
		return map[string]any{
			"event_id":     c.eventID(p),
			"event_result": "passed",
			"reason":       "dry_run_no_send",
			"dry_run":      true,
		}
	}
	if c.cfg.MockMode {
		return c.mockResponse(p)
	}
	return c.post(ctx, p)
}

// eventID returns the payload's event_id for updates, a fresh synthetic id
// for creates.
func (c *Client) eventID(p Payload) string {
	if p.IsUpdate() {
		return p.EventID
	}
	return c.newID()
}

// mockResponse evaluates the payload locally: blocked when any configured
// token occurs as a substring of the content under review (output for
// updates, input for creates).
func (c *Client) mockResponse(p Payload) map[string]any {
	text := p.Input
	if p.IsUpdate() {
		text = p.Output
	}
	low := strings.ToLower(text)
	for _, token := range c.cfg.Tokens() {
		if strings.Contains(low, token) {
			return map[string]any{
				"event_id":     c.eventID(p),
				"event_result": "blocked",
				"policy":       "mock_policy",
				"reason":       fmt.Sprintf("blocked by token %q", token),
			}
		}
	}
	return map[string]any{
		"event_id":     c.eventID(p),
		"event_result": "passed",
		"reason":       "mock pass",
	}
}

func (c *Client) post(ctx context.Context, p Payload) map[string]any {
	url := c.cfg.Endpoint()
	if url == "" {
		return map[string]any{"event_result": "passed", "reason": "No endpoint configured (log-only mode)"}
	}

	resp, err := c.doPost(ctx, url, p)
	if err != nil && p.IsUpdate() && retryable(err) {
		resp, err = c.doPost(ctx, url, p)
	}
	if err == nil {
		return resp
	}

	var apiErr *protocol.PolicyAPIError
	if isClientError(err, &apiErr) {
		c.log.Warnw("policy api client error", "status", apiErr.Status, "err", err)
		return map[string]any{"event_result": "passed", "error": err.Error(), "fail_open": true}
	}

	c.log.Warnw("policy api unavailable", "err", err)
	if c.cfg.FailOpen {
		return map[string]any{"event_result": "passed", "reason": "upstream-unavailable", "error": err.Error(), "fail_open": true}
	}
	return map[string]any{"event_result": "rejected", "reason": err.Error(), "error": err.Error()}
}

func (c *Client) doPost(ctx context.Context, url string, p Payload) (map[string]any, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.TimeoutSeconds)*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", c.cfg.APIKey)
	}

	httpResp, err := c.httpc.Do(req)
	if err != nil {
		return nil, &protocol.PolicyAPIError{Transport: err}
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 4*1024*1024))
	if err != nil {
		return nil, &protocol.PolicyAPIError{Transport: err}
	}
	if httpResp.StatusCode >= 400 {
		return nil, &protocol.PolicyAPIError{Status: httpResp.StatusCode}
	}

	if len(bytes.TrimSpace(raw)) == 0 {
		return map[string]any{}, nil
	}
	var parsed map[string]any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return parsed, nil
}

// retryable reports whether an UPDATE may be reissued: transport errors,
// timeouts, and server-side failures.
func retryable(err error) bool {
	var apiErr *protocol.PolicyAPIError
	if isClientError(err, &apiErr) {
		return false
	}
	return true
}

// isClientError reports whether err is a definitive HTTP 4xx response and
// fills target when so.
func isClientError(err error, target **protocol.PolicyAPIError) bool {
	var apiErr *protocol.PolicyAPIError
	if errors.As(err, &apiErr) && apiErr.Status >= 400 && apiErr.Status < 500 {
		*target = apiErr
		return true
	}
	return false
}

func (c *Client) record(hookName string, p Payload, resp map[string]any) {
	if err := c.auditLog.Append(c.invocationID, hookName, p.SessionID, p, resp); err != nil {
		c.log.Warnw("audit append failed", "err", err)
	}
}
