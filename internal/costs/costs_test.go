package costs

import (
	"testing"

	"github.com/marcus/roundtable/internal/providers"
)

func TestEstimateQuery(t *testing.T) {
	tests := []struct {
		name     string
		provider providers.ID
		model    string
		want     float64
	}{
		{"known model", providers.IDOpenAI, "gpt-4o", 0.020},
		{"versioned model uses prefix", providers.IDOpenAI, "gpt-4o-2024-11-20", 0.020},
		{"longer prefix wins", providers.IDOpenAI, "gpt-4o-mini-2024-07-18", 0.002},
		{"unknown model falls back to provider", providers.IDGemini, "gemini-experimental", 0.010},
		{"ollama is free", providers.IDOllama, "llama3.3", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EstimateQuery(tt.provider, tt.model)
			if got != tt.want {
				t.Errorf("EstimateQuery(%s, %s) = %v, want %v", tt.provider, tt.model, got, tt.want)
			}
		})
	}
}

func TestEstimateTokens(t *testing.T) {
	usage := &providers.Usage{InputTokens: 1000, OutputTokens: 500, TotalTokens: 1500}

	// gpt-4o: 2.50/M input, 10.00/M output.
	got := EstimateTokens(providers.IDOpenAI, "gpt-4o", usage)
	want := (1000*2.50 + 500*10.00) / 1e6
	if got != want {
		t.Errorf("EstimateTokens() = %v, want %v", got, want)
	}
}

func TestEstimateTokensWithoutUsage(t *testing.T) {
	got := EstimateTokens(providers.IDAnthropic, "claude-sonnet-4-5", nil)
	if got != 0.030 {
		t.Errorf("Expected flat estimate 0.030 without usage, got %v", got)
	}
}
