// Package upstream implements the managed-task dispatcher (spec §4.2):
// resolving the upstream task id, issuing execute requests, and the
// Redis-rendezvous wait for the asynchronous webhook result.
package upstream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/menglacorp/mengla-collector/internal/config"
	"github.com/menglacorp/mengla-collector/internal/domain"
)

// taskName is the literal upstream managed-task name the orchestrator looks
// up by listing tasks; the upstream service carries no stable numeric id
// across deployments, only this display name.
const taskName = "萌啦数据采集"

// Client talks to the upstream managed-task HTTP API (spec §6).
type Client struct {
	baseURL string
	apiKey  string
	hc      *http.Client
}

func NewClient(cfg config.Config) *Client {
	transport := otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return fmt.Sprintf("upstream %s %s", r.Method, r.URL.Path)
		}),
	)
	return &Client{
		baseURL: strings.TrimRight(cfg.CollectServiceURL, "/"),
		apiKey:  cfg.CollectServiceAPIKey,
		hc:      &http.Client{Timeout: 30 * time.Second, Transport: transport},
	}
}

type managedTask struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type listTasksResponse struct {
	Data struct {
		Tasks []managedTask `json:"tasks"`
	} `json:"data"`
}

// ResolveTaskID looks up the managed task whose name equals taskName. Spec
// §4.2 step 3 explicitly marks this lookup as "cacheable, currently not
// cached" — every Execute call re-resolves it.
func (c *Client) ResolveTaskID(ctx domain.Context) (string, error) {
	url := fmt.Sprintf("%s/api/managed-tasks?page=1&limit=100", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("op=upstream.resolve_task build_request: %w", err)
	}
	c.setAuthHeaders(req)

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: op=upstream.resolve_task: %v", domain.ErrUpstreamUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: op=upstream.resolve_task status=%d", domain.ErrUpstreamError, resp.StatusCode)
	}

	var out listTasksResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: op=upstream.resolve_task decode: %v", domain.ErrUpstreamError, err)
	}
	for _, t := range out.Data.Tasks {
		if t.Name == taskName {
			return t.ID, nil
		}
	}
	return "", fmt.Errorf("%w: op=upstream.resolve_task: managed task %q not found", domain.ErrUpstreamError, taskName)
}

type executeRequest struct {
	Parameters map[string]any `json:"parameters"`
	WebhookURL string         `json:"webhookUrl"`
}

type executeResponse struct {
	Data struct {
		ExecutionID string `json:"executionId"`
	} `json:"data"`
}

// Execute POSTs the translated parameters to the resolved task id, returning
// the execution id the webhook will later reference.
func (c *Client) Execute(ctx domain.Context, taskID string, parameters map[string]any, webhookURL string) (string, error) {
	body, err := json.Marshal(executeRequest{Parameters: parameters, WebhookURL: webhookURL})
	if err != nil {
		return "", fmt.Errorf("op=upstream.execute marshal: %w", err)
	}

	url := fmt.Sprintf("%s/api/managed-tasks/%s/execute", c.baseURL, taskID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("op=upstream.execute build_request: %w", err)
	}
	c.setAuthHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: op=upstream.execute: %v", domain.ErrUpstreamUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("%w: op=upstream.execute status=%d body=%q", domain.ErrUpstreamError, resp.StatusCode, snippet)
	}

	var out executeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: op=upstream.execute decode: %v", domain.ErrUpstreamError, err)
	}
	if out.Data.ExecutionID == "" {
		return "", fmt.Errorf("%w: op=upstream.execute: empty executionId in response", domain.ErrUpstreamError)
	}
	return out.Data.ExecutionID, nil
}

func (c *Client) setAuthHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}
