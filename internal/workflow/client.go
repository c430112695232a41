// Package workflow submits a whole batch of calls to a managed workflow engine
// and watches the resulting execution.
package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"provider-scout/internal/calls"
	"provider-scout/internal/poll"
	"provider-scout/pkg/logger"
)

type Config struct {
	BaseURL   string
	Namespace string
	FlowID    string

	Username string
	Password string

	HealthPath   string
	PollInterval time.Duration
	Timeout      time.Duration
}

// Client is a thin HTTP client of the workflow engine's executions API.
type Client struct {
	cfg    Config
	client *http.Client
	now    func() time.Time
}

func NewClient(cfg Config, client *http.Client) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/health"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{cfg: cfg, client: client, now: time.Now}
}

// HealthCheck is a single short probe; callers bound it with ctx.
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, c.cfg.HealthPath, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("workflow: health: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("workflow: health status %d", resp.StatusCode)
	}
	return nil
}

type providerInput struct {
	ProviderID         string `json:"providerId"`
	RequestID          string `json:"requestId"`
	Name               string `json:"name"`
	Phone              string `json:"phone"`
	ServiceDescription string `json:"serviceDescription"`
	Criteria           string `json:"criteria,omitempty"`
	Urgency            string `json:"urgency,omitempty"`
	Location           string `json:"location,omitempty"`
}

type executionResponse struct {
	ID    string `json:"id"`
	State struct {
		Current string `json:"current"`
	} `json:"state"`
	Outputs map[string]json.RawMessage `json:"outputs"`
}

// Trigger submits every request as one execution. Any failure to get an
// execution id back is ErrNotAccepted.
func (c *Client) Trigger(ctx context.Context, reqs []calls.CallRequest) (string, error) {
	if len(reqs) == 0 {
		return "", fmt.Errorf("%w: empty batch", ErrNotAccepted)
	}
	in := make([]providerInput, 0, len(reqs))
	for _, r := range reqs {
		in = append(in, providerInput{
			ProviderID:         r.ProviderID,
			RequestID:          r.RequestID,
			Name:               r.ProviderName,
			Phone:              r.Phone,
			ServiceDescription: r.ServiceDescription,
			Criteria:           r.Criteria,
			Urgency:            string(r.Urgency),
			Location:           r.Location,
		})
	}
	providers, err := json.Marshal(in)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("providers", string(providers)); err != nil {
		return "", err
	}
	if err := mw.WriteField("request_id", reqs[0].RequestID); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	path := "/api/v1/executions/" + url.PathEscape(c.cfg.Namespace) + "/" + url.PathEscape(c.cfg.FlowID)
	req, err := c.newRequest(ctx, http.MethodPost, path, &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotAccepted, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("%w: status %d: %s", ErrNotAccepted, resp.StatusCode, truncate(string(body), 300))
	}
	var out executionResponse
	if err := json.Unmarshal(body, &out); err != nil || out.ID == "" {
		return "", fmt.Errorf("%w: response has no execution id", ErrNotAccepted)
	}
	return out.ID, nil
}

// Poll reads the execution every PollInterval until it reaches a terminal
// state or timeout elapses, in which case the outcome is marked TimedOut.
func (c *Client) Poll(ctx context.Context, executionID string, timeout time.Duration) (Outcome, error) {
	log := logger.From(ctx).With("execution_id", executionID)
	var last executionResponse

	err := poll.Until(ctx, poll.Policy{Interval: c.cfg.PollInterval, Timeout: timeout}, func(pctx context.Context) (bool, error) {
		ex, err := c.getExecution(pctx, executionID)
		if err != nil {
			if pctx.Err() == nil {
				log.Warn("workflow_poll_failed", "err", err)
			}
			return false, nil
		}
		last = ex
		return IsTerminalState(ex.State.Current), nil
	})

	out := Outcome{ExecutionID: executionID, State: last.State.Current}
	out.Results = c.parseResults(ctx, last.Outputs)
	switch {
	case err == nil:
		return out, nil
	case errors.Is(err, poll.ErrTimeout):
		out.TimedOut = true
		return out, nil
	default:
		return out, err
	}
}

func (c *Client) getExecution(ctx context.Context, id string) (executionResponse, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/executions/"+url.PathEscape(id), nil)
	if err != nil {
		return executionResponse{}, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return executionResponse{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return executionResponse{}, fmt.Errorf("workflow: execution status %d", resp.StatusCode)
	}
	var ex executionResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&ex); err != nil {
		return executionResponse{}, err
	}
	return ex, nil
}

// parseResults accepts the results output either as a JSON array or as a
// JSON-encoded string, as flows emit both depending on the task type.
func (c *Client) parseResults(ctx context.Context, outputs map[string]json.RawMessage) []calls.CallResult {
	raw, ok := outputs["results"]
	if !ok || len(raw) == 0 {
		return nil
	}
	var items []resultPayload
	if err := json.Unmarshal(raw, &items); err != nil {
		var s string
		if err2 := json.Unmarshal(raw, &s); err2 != nil || json.Unmarshal([]byte(s), &items) != nil {
			logger.From(ctx).Warn("workflow_results_unparseable", "err", err)
			return nil
		}
	}
	now := c.now()
	out := make([]calls.CallResult, 0, len(items))
	for _, it := range items {
		if r, ok := it.toResult(now); ok {
			out = append(out, r)
		}
	}
	return out
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	if c.cfg.BaseURL == "" {
		return nil, errors.New("workflow: base url not configured")
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	if c.cfg.Username != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}
	return req, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return s[:n]
	}
	return s
}
