package providers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com"

// Gemini talks to the Google Generative Language API.
type Gemini struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
}

// NewGemini builds the Gemini adapter. An empty API key leaves the adapter
// unconfigured.
func NewGemini(s Settings) *Gemini {
	baseURL := s.BaseURL
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}
	model := s.Model
	if model == "" {
		model = "gemini-2.5-flash"
	}
	return &Gemini{
		apiKey:  s.APIKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  s.httpClient(),
	}
}

func (g *Gemini) Name() ID {
	return IDGemini
}

func (g *Gemini) IsConfigured() bool {
	return g.apiKey != ""
}

func (g *Gemini) DefaultModel() string {
	return g.model
}

func (g *Gemini) ListModels() []string {
	return []string{"gemini-2.5-pro", "gemini-2.5-flash", "gemini-2.0-flash"}
}

type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

func (g *Gemini) Query(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	model := req.Model
	if model == "" {
		model = g.model
	}

	payload := geminiRequest{
		Contents: []geminiContent{{Parts: []geminiPart{{Text: req.Question.Text}}}},
	}

	// The Generative Language API authenticates via header, not body.
	headers := map[string]string{"x-goog-api-key": g.apiKey}
	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", g.baseURL, model)

	var reply geminiResponse
	if err := postJSON(ctx, g.client, IDGemini, url, headers, payload, &reply); err != nil {
		return nil, err
	}

	if len(reply.Candidates) == 0 {
		return nil, fmt.Errorf("gemini returned no candidates for question %s", req.Question.ID)
	}

	var text strings.Builder
	for _, part := range reply.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}
	if text.Len() == 0 {
		return nil, fmt.Errorf("gemini returned an empty candidate for question %s", req.Question.ID)
	}

	return &QueryResponse{
		Content: strings.TrimSpace(text.String()),
		Model:   model,
		Usage: &Usage{
			InputTokens:  reply.UsageMetadata.PromptTokenCount,
			OutputTokens: reply.UsageMetadata.CandidatesTokenCount,
			TotalTokens:  reply.UsageMetadata.TotalTokenCount,
		},
	}, nil
}
