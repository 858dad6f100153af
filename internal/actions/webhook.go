package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/hireflow/internal/expressions"
	"github.com/rendis/hireflow/internal/secrets"
	"github.com/rendis/hireflow/pkg/schema"
)

// DeliveryHeader identifies one action delivery so receivers can dedupe retries.
const DeliveryHeader = "X-Hireflow-Delivery"

const (
	defaultMaxResponseBody = 1 << 20
	defaultWebhookTimeout  = 10 * time.Second
	maxRedirects           = 5
)

// WebhookOptions configures the WEBHOOK executor.
type WebhookOptions struct {
	DefaultTimeout  time.Duration
	MaxResponseBody int64
	Transport       http.RoundTripper
}

// WebhookExecutor posts the execution context to an external endpoint.
// The payload can be reshaped with a jq program and signed with a vault-held key.
type WebhookExecutor struct {
	opts   WebhookOptions
	client *http.Client
	jq     *expressions.GoJQEngine
	signer *secrets.Signer
}

// NewWebhookExecutor creates the executor. signer may be nil when no vault is configured.
func NewWebhookExecutor(opts WebhookOptions, signer *secrets.Signer) *WebhookExecutor {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = defaultWebhookTimeout
	}
	if opts.MaxResponseBody <= 0 {
		opts.MaxResponseBody = defaultMaxResponseBody
	}
	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport.(*http.Transport).Clone()
	}
	client := &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}
	return &WebhookExecutor{
		opts:   opts,
		client: client,
		jq:     expressions.NewGoJQEngine(),
		signer: signer,
	}
}

func (e *WebhookExecutor) Type() schema.ActionType { return schema.ActionWebhook }

func (e *WebhookExecutor) Execute(ctx context.Context, req Request) (*Result, error) {
	cfg, err := configAs[schema.WebhookConfig](req)
	if err != nil {
		return nil, err
	}

	u, err := url.ParseRequestURI(cfg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, schema.Permanent("WEBHOOK: invalid url %q", cfg.URL)
	}

	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodPost
	}

	timeout := e.opts.DefaultTimeout
	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil || d <= 0 {
			return nil, schema.Permanent("WEBHOOK: invalid timeout %q", cfg.Timeout)
		}
		timeout = d
	}

	var body []byte
	if method != http.MethodGet && method != http.MethodDelete {
		body, err = e.buildBody(ctx, req, cfg)
		if err != nil {
			return nil, err
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, method, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, schema.Permanent("WEBHOOK: failed to create request: %s", err.Error()).WithCause(err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set(DeliveryHeader, req.ExecutionID+":"+itoa(req.ActionIndex))
	for k, v := range cfg.Headers {
		httpReq.Header.Set(k, v)
	}
	if cfg.SigningSecret != "" {
		if e.signer == nil {
			return nil, schema.Permanent("WEBHOOK: signingSecret set but no vault configured")
		}
		sig, err := e.signer.Sign(ctx, cfg.SigningSecret, body)
		if err != nil {
			return nil, schema.Permanent("WEBHOOK: cannot sign payload with %q: %s", cfg.SigningSecret, err.Error()).WithCause(err)
		}
		httpReq.Header.Set(secrets.SignatureHeader, sig)
	}

	start := time.Now()
	resp, err := e.client.Do(httpReq)
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, schema.Transient("WEBHOOK: %s %s failed after %dms: %s", method, u.Host, durationMs, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"host": u.Host, "timeout_ms": timeout.Milliseconds()})
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, e.opts.MaxResponseBody))
	if err != nil {
		return nil, schema.Transient("WEBHOOK: failed to read response from %s: %s", u.Host, err.Error()).WithCause(err)
	}

	details := map[string]any{"host": u.Host, "status_code": resp.StatusCode}
	switch {
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return nil, schema.Transient("WEBHOOK: %s returned %d", u.Host, resp.StatusCode).WithDetails(details)
	case resp.StatusCode >= 400:
		return nil, schema.Permanent("WEBHOOK: %s returned %d", u.Host, resp.StatusCode).WithDetails(details)
	}

	parsed := parseResponseBody(resp.Header.Get("Content-Type"), respBody)
	res := &Result{Output: output(map[string]any{
		"statusCode": resp.StatusCode,
		"body":       parsed,
		"durationMs": durationMs,
	})}
	if resp.StatusCode == http.StatusAccepted {
		if m, ok := parsed.(map[string]any); ok {
			if key, ok := m["correlationKey"].(string); ok && key != "" {
				res.Pending = true
				res.CorrelationKey = key
			}
		}
	}
	return res, nil
}

// buildBody assembles the default payload and applies the optional jq transform.
func (e *WebhookExecutor) buildBody(ctx context.Context, req Request, cfg schema.WebhookConfig) ([]byte, error) {
	payload := map[string]any{
		"workflowId":  req.WorkflowID,
		"executionId": req.ExecutionID,
		"actionIndex": req.ActionIndex,
	}
	if req.Scope != nil {
		payload["event"] = req.Scope.Event
		payload["candidate"] = req.Scope.Candidate
		payload["workflow"] = req.Scope.Workflow
	} else if req.Event != nil {
		payload["event"] = req.Event.AsMap()
	}

	var doc any = payload
	if cfg.Transform != "" {
		out, err := e.jq.Transform(ctx, cfg.Transform, payload)
		if err != nil {
			return nil, schema.Permanent("WEBHOOK: transform failed: %s", err.Error()).WithCause(err)
		}
		doc = out
	}

	b, err := json.Marshal(doc)
	if err != nil {
		return nil, schema.Permanent("WEBHOOK: payload is not JSON-encodable: %s", err.Error()).WithCause(err)
	}
	return b, nil
}

func parseResponseBody(contentType string, body []byte) any {
	if len(body) == 0 {
		return nil
	}
	if strings.Contains(contentType, "application/json") {
		var v any
		if err := json.Unmarshal(body, &v); err == nil {
			return v
		}
	}
	return string(body)
}

// WebhookTarget returns the host a webhook action calls, or "" for other actions.
// The dispatcher keys its circuit breakers on it.
func WebhookTarget(cfg schema.ActionConfig) string {
	wh, ok := cfg.(schema.WebhookConfig)
	if !ok {
		return ""
	}
	u, err := url.Parse(wh.URL)
	if err != nil {
		return ""
	}
	return u.Host
}
