// Package providers defines the answer-provider contract and the HTTP
// adapters for each supported backend. Adapters live in a closed registry
// keyed by provider ID; the orchestrator only ever talks to the Adapter
// interface.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

// ID identifies one answer-provider backend. The set is closed at build time.
type ID string

const (
	IDOpenAI     ID = "openai"
	IDAnthropic  ID = "anthropic"
	IDGemini     ID = "gemini"
	IDPerplexity ID = "perplexity"
	IDOllama     ID = "ollama"
)

// All returns every known provider ID in stable order.
func All() []ID {
	return []ID{IDOpenAI, IDAnthropic, IDGemini, IDPerplexity, IDOllama}
}

// ParseID validates a provider name against the closed set.
func ParseID(s string) (ID, error) {
	id := ID(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range All() {
		if id == known {
			return id, nil
		}
	}
	return "", fmt.Errorf("unknown provider %q (known: %s)", s, joinIDs(All()))
}

// ParseIDs validates a list of provider names, preserving order and
// rejecting duplicates.
func ParseIDs(names []string) ([]ID, error) {
	ids := make([]ID, 0, len(names))
	seen := make(map[ID]bool, len(names))
	for _, name := range names {
		id, err := ParseID(name)
		if err != nil {
			return nil, err
		}
		if seen[id] {
			return nil, fmt.Errorf("duplicate provider %q", name)
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids, nil
}

func joinIDs(ids []ID) string {
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = string(id)
	}
	return strings.Join(names, ", ")
}

// Question is one research question, carried unchanged through a run.
// The ID is caller-supplied and unique within a run.
type Question struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Usage holds token counts reported by a provider, when available.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
	TotalTokens  int `json:"totalTokens"`
}

// AnswerResult is the settled outcome of one (provider, question) task.
// Exactly one of Content or Err is set; one AnswerResult exists for every
// task of a run, including tasks that never reached the network.
type AnswerResult struct {
	Provider   ID        `json:"provider"`
	Model      string    `json:"model"`
	QuestionID string    `json:"questionId"`
	Content    string    `json:"content,omitempty"`
	Citations  []string  `json:"citations,omitempty"`
	Usage      *Usage    `json:"usage,omitempty"`
	CostUSD    float64   `json:"costUsd"`
	LatencyMs  int64     `json:"latencyMs"`
	Timestamp  time.Time `json:"timestamp"`
	Err        string    `json:"error,omitempty"`
}

// Succeeded reports whether the task produced content.
func (r AnswerResult) Succeeded() bool {
	return r.Err == ""
}

// QueryRequest is one outbound question for one adapter.
type QueryRequest struct {
	Question Question
	Model    string
}

// QueryResponse is a successful adapter reply before the orchestrator wraps
// it into an AnswerResult.
type QueryResponse struct {
	Content   string
	Citations []string
	Usage     *Usage
	Model     string
}

// Adapter is the capability contract every backend implements. Query reports
// failure through its error return; HTTP-level failures come back as
// *APIError so the executor can classify them.
type Adapter interface {
	Name() ID
	Query(ctx context.Context, req QueryRequest) (*QueryResponse, error)
	ListModels() []string
	IsConfigured() bool
	DefaultModel() string
}

// APIError is a non-2xx reply from a provider API.
type APIError struct {
	Provider   ID
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("%s API returned %d: %s", e.Provider, e.StatusCode, body)
}

// Settings configures one adapter. Empty fields fall back to the adapter's
// defaults; an adapter with no credential (or base URL, for local backends)
// reports itself unconfigured.
type Settings struct {
	APIKey      string
	BaseURL     string
	Model       string
	HTTPTimeout time.Duration
}

const defaultHTTPTimeout = 90 * time.Second

func (s Settings) httpClient() *http.Client {
	timeout := s.HTTPTimeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &http.Client{Timeout: timeout}
}

// Registry maps provider IDs to adapters. It is built once per process from
// configuration and read-only afterwards, except for test replacement via
// Register.
type Registry struct {
	adapters map[ID]Adapter
}

// NewRegistry builds adapters for every known provider using the given
// per-provider settings. Providers absent from settings are still present,
// just unconfigured.
func NewRegistry(settings map[ID]Settings) *Registry {
	r := &Registry{adapters: make(map[ID]Adapter, len(All()))}
	r.Register(NewOpenAI(settings[IDOpenAI]))
	r.Register(NewAnthropic(settings[IDAnthropic]))
	r.Register(NewGemini(settings[IDGemini]))
	r.Register(NewPerplexity(settings[IDPerplexity]))
	r.Register(NewOllama(settings[IDOllama]))
	return r
}

// Register installs or replaces an adapter. Tests use this to swap in mocks.
func (r *Registry) Register(a Adapter) {
	r.adapters[a.Name()] = a
}

// Lookup returns the adapter for an ID.
func (r *Registry) Lookup(id ID) (Adapter, bool) {
	a, ok := r.adapters[id]
	return a, ok
}

// IDs returns the registered provider IDs in sorted order.
func (r *Registry) IDs() []ID {
	ids := make([]ID, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// postJSON issues one JSON POST and decodes the reply into out. Non-2xx
// statuses come back as *APIError with the response body attached.
func postJSON(ctx context.Context, client *http.Client, provider ID, url string, headers map[string]string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", provider, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("build %s request: %w", provider, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", provider, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Provider: provider, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", provider, err)
	}
	return nil
}
