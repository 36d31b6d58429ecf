package providers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// Ollama talks to a local Ollama server. It is the only backend without a
// credential: configuring a base URL is what makes it available.
type Ollama struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewOllama builds the Ollama adapter. An empty base URL leaves the adapter
// unconfigured; there is no default so that local inference is opt-in.
func NewOllama(s Settings) *Ollama {
	model := s.Model
	if model == "" {
		model = "llama3.3"
	}
	return &Ollama{
		baseURL: strings.TrimRight(s.BaseURL, "/"),
		model:   model,
		client:  s.httpClient(),
	}
}

func (o *Ollama) Name() ID {
	return IDOllama
}

func (o *Ollama) IsConfigured() bool {
	return o.baseURL != ""
}

func (o *Ollama) DefaultModel() string {
	return o.model
}

func (o *Ollama) ListModels() []string {
	return []string{"llama3.3", "qwen2.5", "mistral"}
}

type ollamaRequest struct {
	Model    string       `json:"model"`
	Messages []ollamaTurn `json:"messages"`
	Stream   bool         `json:"stream"`
}

type ollamaTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaResponse struct {
	Model           string     `json:"model"`
	Message         ollamaTurn `json:"message"`
	PromptEvalCount int        `json:"prompt_eval_count"`
	EvalCount       int        `json:"eval_count"`
}

func (o *Ollama) Query(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	model := req.Model
	if model == "" {
		model = o.model
	}

	payload := ollamaRequest{
		Model:    model,
		Messages: []ollamaTurn{{Role: "user", Content: req.Question.Text}},
		Stream:   false,
	}

	var reply ollamaResponse
	if err := postJSON(ctx, o.client, IDOllama, o.baseURL+"/api/chat", nil, payload, &reply); err != nil {
		return nil, err
	}

	content := strings.TrimSpace(reply.Message.Content)
	if content == "" {
		return nil, fmt.Errorf("ollama returned an empty message for question %s", req.Question.ID)
	}

	respModel := reply.Model
	if respModel == "" {
		respModel = model
	}

	return &QueryResponse{
		Content: content,
		Model:   respModel,
		Usage: &Usage{
			InputTokens:  reply.PromptEvalCount,
			OutputTokens: reply.EvalCount,
			TotalTokens:  reply.PromptEvalCount + reply.EvalCount,
		},
	}, nil
}
