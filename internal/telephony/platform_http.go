package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"provider-scout/internal/calls"
)

// HTTPPlatformConfig configures the REST adapter of the voice-AI platform.
type HTTPPlatformConfig struct {
	BaseURL       string
	APIKey        string
	AssistantID   string
	PhoneNumberID string

	// CreateRate bounds call creation per second across this process.
	CreateRate  float64
	CreateBurst int

	Timeout time.Duration
}

// HTTPPlatform talks to the voice platform REST API.
type HTTPPlatform struct {
	cfg     HTTPPlatformConfig
	client  *http.Client
	limiter *rate.Limiter
	now     func() time.Time
}

func NewHTTPPlatform(cfg HTTPPlatformConfig, client *http.Client) *HTTPPlatform {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	lim := rate.NewLimiter(rate.Inf, 0)
	if cfg.CreateRate > 0 {
		burst := cfg.CreateBurst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(cfg.CreateRate), burst)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &HTTPPlatform{cfg: cfg, client: client, limiter: lim, now: time.Now}
}

func (p *HTTPPlatform) Name() string { return "voice-http" }

func (p *HTTPPlatform) HealthCheck(ctx context.Context) error {
	req, err := p.newRequest(ctx, http.MethodGet, "/assistant/"+url.PathEscape(p.cfg.AssistantID), nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("telephony: health check: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("telephony: health check status %d", resp.StatusCode)
	}
	return nil
}

type createCallBody struct {
	AssistantID        string             `json:"assistantId"`
	PhoneNumberID      string             `json:"phoneNumberId"`
	Customer           customerBody       `json:"customer"`
	AssistantOverrides assistantOverrides `json:"assistantOverrides"`
	Metadata           map[string]string  `json:"metadata"`
}

type customerBody struct {
	Number string `json:"number"`
	Name   string `json:"name,omitempty"`
}

type assistantOverrides struct {
	VariableValues map[string]string `json:"variableValues"`
}

func (p *HTTPPlatform) CreateCall(ctx context.Context, cr calls.CallRequest) (string, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return "", err
	}

	body := createCallBody{
		AssistantID:   p.cfg.AssistantID,
		PhoneNumberID: p.cfg.PhoneNumberID,
		Customer:      customerBody{Number: cr.Phone, Name: cr.ProviderName},
		AssistantOverrides: assistantOverrides{VariableValues: map[string]string{
			"provider_name":       cr.ProviderName,
			"service_description": cr.ServiceDescription,
			"criteria":            cr.Criteria,
			"urgency":             string(cr.Urgency),
			"location":            cr.Location,
		}},
		Metadata: map[string]string{
			"provider_id": cr.ProviderID,
			"request_id":  cr.RequestID,
		},
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	req, err := p.newRequest(ctx, http.MethodPost, "/call", bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("telephony: create call: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode/100 != 2 {
		return "", classifyCreateError(resp.StatusCode, respBody)
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil || out.ID == "" {
		return "", fmt.Errorf("%w: response has no call id", ErrCallRejected)
	}
	return out.ID, nil
}

// classifyCreateError separates problems the caller can fix (bad number,
// exhausted quota, bad credentials) from generic rejections.
func classifyCreateError(status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 300 {
		msg = msg[:300]
	}
	switch {
	case status == http.StatusBadRequest && strings.Contains(strings.ToLower(msg), "number"):
		return fmt.Errorf("%w: %s", ErrInvalidNumber, msg)
	case status == http.StatusPaymentRequired || status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", ErrQuotaExceeded, status)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", ErrUnauthorized, status)
	default:
		return fmt.Errorf("%w: status %d: %s", ErrCallRejected, status, msg)
	}
}

func (p *HTTPPlatform) GetCall(ctx context.Context, callID string) (calls.CallResult, error) {
	if callID == "" {
		return calls.CallResult{}, errors.New("telephony: call id is required")
	}
	req, err := p.newRequest(ctx, http.MethodGet, "/call/"+url.PathEscape(callID), nil)
	if err != nil {
		return calls.CallResult{}, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return calls.CallResult{}, fmt.Errorf("telephony: get call: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return calls.CallResult{}, ErrCallNotFound
	case resp.StatusCode/100 != 2:
		_, _ = io.Copy(io.Discard, resp.Body)
		return calls.CallResult{}, fmt.Errorf("telephony: get call status %d", resp.StatusCode)
	}

	var c callPayload
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&c); err != nil {
		return calls.CallResult{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	// A polled call in a terminal state is the final record.
	return normalizeCall(c, true, p.now())
}

func (p *HTTPPlatform) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	if p.cfg.BaseURL == "" {
		return nil, errors.New("telephony: platform base url not configured")
	}
	req, err := http.NewRequestWithContext(ctx, method, p.cfg.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}
