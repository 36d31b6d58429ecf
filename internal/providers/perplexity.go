package providers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

const defaultPerplexityBaseURL = "https://api.perplexity.ai"

// Perplexity talks to the Perplexity chat completions API. Unlike the other
// backends it returns web citations alongside the answer text.
type Perplexity struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
}

// NewPerplexity builds the Perplexity adapter. An empty API key leaves the
// adapter unconfigured.
func NewPerplexity(s Settings) *Perplexity {
	baseURL := s.BaseURL
	if baseURL == "" {
		baseURL = defaultPerplexityBaseURL
	}
	model := s.Model
	if model == "" {
		model = "sonar-pro"
	}
	return &Perplexity{
		apiKey:  s.APIKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  s.httpClient(),
	}
}

func (p *Perplexity) Name() ID {
	return IDPerplexity
}

func (p *Perplexity) IsConfigured() bool {
	return p.apiKey != ""
}

func (p *Perplexity) DefaultModel() string {
	return p.model
}

func (p *Perplexity) ListModels() []string {
	return []string{"sonar", "sonar-pro", "sonar-reasoning"}
}

type perplexityRequest struct {
	Model    string           `json:"model"`
	Messages []perplexityTurn `json:"messages"`
}

type perplexityTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type perplexityResponse struct {
	Model     string   `json:"model"`
	Citations []string `json:"citations"`
	Choices   []struct {
		Message perplexityTurn `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (p *Perplexity) Query(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	payload := perplexityRequest{
		Model:    model,
		Messages: []perplexityTurn{{Role: "user", Content: req.Question.Text}},
	}

	headers := map[string]string{"Authorization": "Bearer " + p.apiKey}

	var reply perplexityResponse
	if err := postJSON(ctx, p.client, IDPerplexity, p.baseURL+"/chat/completions", headers, payload, &reply); err != nil {
		return nil, err
	}

	if len(reply.Choices) == 0 {
		return nil, fmt.Errorf("perplexity returned no choices for question %s", req.Question.ID)
	}

	respModel := reply.Model
	if respModel == "" {
		respModel = model
	}

	return &QueryResponse{
		Content:   strings.TrimSpace(reply.Choices[0].Message.Content),
		Citations: reply.Citations,
		Model:     respModel,
		Usage: &Usage{
			InputTokens:  reply.Usage.PromptTokens,
			OutputTokens: reply.Usage.CompletionTokens,
			TotalTokens:  reply.Usage.TotalTokens,
		},
	}, nil
}
