package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// rankResponse is the reasoning service reply shape shared by both reasoners.
type rankResponse struct {
	Recommendations []Recommendation `json:"recommendations"`
	Notes           string           `json:"notes,omitempty"`
}

// HTTPReasoner posts candidates to a reasoning service as JSON.
type HTTPReasoner struct {
	url    string
	apiKey string
	client *http.Client
}

func NewHTTPReasoner(url, apiKey string, client *http.Client) *HTTPReasoner {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPReasoner{url: strings.TrimRight(url, "/"), apiKey: apiKey, client: client}
}

func (h *HTTPReasoner) Rank(ctx context.Context, req ReasonRequest) ([]Recommendation, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("reasoning service status %d", resp.StatusCode)
	}
	return decodeRanking(raw)
}

func decodeRanking(raw []byte) ([]Recommendation, error) {
	var out rankResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("malformed ranking: %w", err)
	}
	if out.Recommendations == nil {
		return nil, fmt.Errorf("malformed ranking: no recommendations field")
	}
	return out.Recommendations, nil
}
