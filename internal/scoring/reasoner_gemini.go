package scoring

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

const DefaultGeminiModel = "gemini-2.5-flash"

// GeminiReasoner asks a Gemini model for a JSON ranking.
type GeminiReasoner struct {
	client *genai.Client
	model  string
}

func NewGeminiReasoner(ctx context.Context, apiKey, model string) (*GeminiReasoner, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("scoring: gemini api key required")
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, err
	}
	if model == "" {
		model = DefaultGeminiModel
	}
	return &GeminiReasoner{client: c, model: model}, nil
}

func (g *GeminiReasoner) Rank(ctx context.Context, req ReasonRequest) ([]Recommendation, error) {
	prompt, err := buildPrompt(req)
	if err != nil {
		return nil, err
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0),
	})
	if err != nil {
		return nil, err
	}
	return decodeRanking([]byte(stripFence(resp.Text())))
}

func buildPrompt(req ReasonRequest) (string, error) {
	type candidate struct {
		ProviderID string         `json:"providerId"`
		Name       string         `json:"name"`
		Summary    string         `json:"summary"`
		Data       map[string]any `json:"structuredData"`
		Duration   float64        `json:"durationSeconds"`
	}
	cands := make([]candidate, 0, len(req.Candidates))
	for _, c := range req.Candidates {
		cands = append(cands, candidate{
			ProviderID: c.ProviderID,
			Name:       c.ProviderName,
			Summary:    c.Result.Analysis.Summary,
			Data:       c.Result.Analysis.StructuredData,
			Duration:   c.Result.DurationSeconds,
		})
	}
	payload, err := json.Marshal(map[string]any{
		"criteria":   req.Criteria,
		"urgency":    req.Urgency,
		"weights":    req.Weights,
		"candidates": cands,
	})
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("You rank service providers that were phoned on behalf of a customer.\n")
	b.WriteString("Score each candidate from 0 to 100 using the weighted dimensions urgencyFit, rateCompetitiveness, criteriaCoverage, callQuality and professionalism.\n")
	b.WriteString("Only use providerId values from the input. Reply with JSON only:\n")
	b.WriteString(`{"recommendations":[{"providerId":"...","score":0,"reasoning":"...","criteriaMatched":["..."]}],"notes":"..."}`)
	b.WriteString("\n\nInput:\n")
	b.Write(payload)
	return b.String(), nil
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
