package providers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"
	anthropicMaxTokens      = 4096
)

// Anthropic talks to the Anthropic messages API.
type Anthropic struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
}

// NewAnthropic builds the Anthropic adapter. An empty API key leaves the
// adapter unconfigured.
func NewAnthropic(s Settings) *Anthropic {
	baseURL := s.BaseURL
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}
	model := s.Model
	if model == "" {
		model = "claude-sonnet-4-5"
	}
	return &Anthropic{
		apiKey:  s.APIKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  s.httpClient(),
	}
}

func (a *Anthropic) Name() ID {
	return IDAnthropic
}

func (a *Anthropic) IsConfigured() bool {
	return a.apiKey != ""
}

func (a *Anthropic) DefaultModel() string {
	return a.model
}

func (a *Anthropic) ListModels() []string {
	return []string{"claude-sonnet-4-5", "claude-opus-4-5", "claude-haiku-4-5"}
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (a *Anthropic) Query(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	model := req.Model
	if model == "" {
		model = a.model
	}

	payload := anthropicRequest{
		Model:     model,
		MaxTokens: anthropicMaxTokens,
		Messages:  []anthropicMessage{{Role: "user", Content: req.Question.Text}},
	}

	headers := map[string]string{
		"x-api-key":         a.apiKey,
		"anthropic-version": anthropicVersion,
	}

	var reply anthropicResponse
	if err := postJSON(ctx, a.client, IDAnthropic, a.baseURL+"/v1/messages", headers, payload, &reply); err != nil {
		return nil, err
	}

	var text strings.Builder
	for _, block := range reply.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, fmt.Errorf("anthropic returned no text content for question %s", req.Question.ID)
	}

	respModel := reply.Model
	if respModel == "" {
		respModel = model
	}

	return &QueryResponse{
		Content: strings.TrimSpace(text.String()),
		Model:   respModel,
		Usage: &Usage{
			InputTokens:  reply.Usage.InputTokens,
			OutputTokens: reply.Usage.OutputTokens,
			TotalTokens:  reply.Usage.InputTokens + reply.Usage.OutputTokens,
		},
	}, nil
}
