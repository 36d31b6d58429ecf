package providers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOpenAIQuery(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"model": "gpt-4o-2024-11-20",
			"choices": [{"message": {"role": "assistant", "content": "A qubit is the basic unit of quantum information."}}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 40, "total_tokens": 52}
		}`))
	}))
	defer srv.Close()

	adapter := NewOpenAI(Settings{APIKey: "sk-test", BaseURL: srv.URL})
	resp, err := adapter.Query(context.Background(), QueryRequest{
		Question: Question{ID: "q1", Text: "What is a qubit?"},
	})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}

	if gotAuth != "Bearer sk-test" {
		t.Errorf("Expected bearer auth header, got %q", gotAuth)
	}
	if resp.Content != "A qubit is the basic unit of quantum information." {
		t.Errorf("Unexpected content: %q", resp.Content)
	}
	if resp.Model != "gpt-4o-2024-11-20" {
		t.Errorf("Expected response model echo, got %q", resp.Model)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 52 {
		t.Errorf("Expected usage total 52, got %+v", resp.Usage)
	}
}

func TestOpenAIQueryAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error": {"message": "rate limit exceeded"}}`))
	}))
	defer srv.Close()

	adapter := NewOpenAI(Settings{APIKey: "sk-test", BaseURL: srv.URL})
	_, err := adapter.Query(context.Background(), QueryRequest{
		Question: Question{ID: "q1", Text: "hi"},
	})
	if err == nil {
		t.Fatal("Expected error for 429 response, got nil")
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Expected *APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusTooManyRequests {
		t.Errorf("Expected status 429, got %d", apiErr.StatusCode)
	}
	if apiErr.Provider != IDOpenAI {
		t.Errorf("Expected provider openai, got %s", apiErr.Provider)
	}
}

func TestOpenAIQueryNoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices": []}`))
	}))
	defer srv.Close()

	adapter := NewOpenAI(Settings{APIKey: "sk-test", BaseURL: srv.URL})
	_, err := adapter.Query(context.Background(), QueryRequest{
		Question: Question{ID: "q1", Text: "hi"},
	})
	if err == nil {
		t.Fatal("Expected error for empty choices, got nil")
	}
}

func TestOpenAIModelOverride(t *testing.T) {
	var gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openAIRequest
		if err := decodeBody(r, &req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		gotModel = req.Model
		w.Write([]byte(`{"choices": [{"message": {"content": "ok"}}]}`))
	}))
	defer srv.Close()

	adapter := NewOpenAI(Settings{APIKey: "sk-test", BaseURL: srv.URL})
	_, err := adapter.Query(context.Background(), QueryRequest{
		Question: Question{ID: "q1", Text: "hi"},
		Model:    "gpt-4.1-mini",
	})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if gotModel != "gpt-4.1-mini" {
		t.Errorf("Expected model override gpt-4.1-mini, got %q", gotModel)
	}
}
