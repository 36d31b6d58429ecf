package providers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

const defaultOpenAIBaseURL = "https://api.openai.com"

// OpenAI talks to the OpenAI chat completions API.
type OpenAI struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
}

// NewOpenAI builds the OpenAI adapter. An empty API key leaves the adapter
// unconfigured.
func NewOpenAI(s Settings) *OpenAI {
	baseURL := s.BaseURL
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	model := s.Model
	if model == "" {
		model = "gpt-4o"
	}
	return &OpenAI{
		apiKey:  s.APIKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  s.httpClient(),
	}
}

func (o *OpenAI) Name() ID {
	return IDOpenAI
}

func (o *OpenAI) IsConfigured() bool {
	return o.apiKey != ""
}

func (o *OpenAI) DefaultModel() string {
	return o.model
}

func (o *OpenAI) ListModels() []string {
	return []string{"gpt-4o", "gpt-4o-mini", "gpt-4.1", "gpt-4.1-mini", "o3"}
}

type openAIRequest struct {
	Model    string          `json:"model"`
	Messages []openAIMessage `json:"messages"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message openAIMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (o *OpenAI) Query(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	model := req.Model
	if model == "" {
		model = o.model
	}

	payload := openAIRequest{
		Model:    model,
		Messages: []openAIMessage{{Role: "user", Content: req.Question.Text}},
	}

	var reply openAIResponse
	headers := map[string]string{"Authorization": "Bearer " + o.apiKey}
	if err := postJSON(ctx, o.client, IDOpenAI, o.baseURL+"/v1/chat/completions", headers, payload, &reply); err != nil {
		return nil, err
	}

	if len(reply.Choices) == 0 {
		return nil, fmt.Errorf("openai returned no choices for question %s", req.Question.ID)
	}

	respModel := reply.Model
	if respModel == "" {
		respModel = model
	}

	return &QueryResponse{
		Content: strings.TrimSpace(reply.Choices[0].Message.Content),
		Model:   respModel,
		Usage: &Usage{
			InputTokens:  reply.Usage.PromptTokens,
			OutputTokens: reply.Usage.CompletionTokens,
			TotalTokens:  reply.Usage.TotalTokens,
		},
	}, nil
}
