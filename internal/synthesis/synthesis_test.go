package synthesis

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/marcus/roundtable/internal/executor"
	"github.com/marcus/roundtable/internal/providers"
)

type fakeAdapter struct {
	id         providers.ID
	configured bool
	defModel   string
	resp       *providers.QueryResponse
	err        error
	calls      int
	lastReq    providers.QueryRequest
}

func (f *fakeAdapter) Name() providers.ID { return f.id }

func (f *fakeAdapter) Query(ctx context.Context, req providers.QueryRequest) (*providers.QueryResponse, error) {
	f.calls++
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func (f *fakeAdapter) ListModels() []string { return []string{f.defModel} }
func (f *fakeAdapter) IsConfigured() bool   { return f.configured }
func (f *fakeAdapter) DefaultModel() string { return f.defModel }

func testExecutor() *executor.Executor {
	return executor.New(executor.Options{
		Timeout:     time.Second,
		MaxRetries:  0,
		BackoffBase: time.Millisecond,
		BackoffCap:  time.Millisecond,
	})
}

func testPipeline(fake *fakeAdapter, hooks Hooks) *Pipeline {
	reg := providers.NewRegistry(nil)
	if fake != nil {
		reg.Register(fake)
	}
	return New(reg, testExecutor(), hooks)
}

func questionSet() []providers.Question {
	return []providers.Question{{ID: "q1", Text: "What is quantum computing?"}}
}

func TestRunAggregationWhenNotRequested(t *testing.T) {
	fake := &fakeAdapter{id: providers.IDOpenAI, configured: true, defModel: "gpt-4o"}
	p := testPipeline(fake, Hooks{})

	results := []providers.AnswerResult{
		{Provider: providers.IDOpenAI, Model: "gpt-4o", QuestionID: "q1", Content: "A qubit is a two-state system.", LatencyMs: 500, CostUSD: 0.02},
		{Provider: providers.IDGemini, Model: "gemini-2.5-flash", QuestionID: "q1", Content: "Quantum computers exploit superposition.", LatencyMs: 700, CostUSD: 0.01},
	}

	out, err := p.Run(context.Background(), Request{Questions: questionSet(), Results: results})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.SynthModelUsed != SynthModelAggregation {
		t.Errorf("SynthModelUsed = %q, want %q", out.SynthModelUsed, SynthModelAggregation)
	}
	if !strings.Contains(out.SynthesizedText, "## Question 1 (q1)") {
		t.Errorf("Expected question heading, got:\n%s", out.SynthesizedText)
	}
	if !strings.Contains(out.SynthesizedText, "A qubit is a two-state system.") ||
		!strings.Contains(out.SynthesizedText, "Quantum computers exploit superposition.") {
		t.Errorf("Expected both answers in aggregation, got:\n%s", out.SynthesizedText)
	}
	if fake.calls != 0 {
		t.Errorf("Expected no merge call when not requested, got %d", fake.calls)
	}
	if len(out.Sources) != 2 {
		t.Errorf("Expected 2 sources, got %d", len(out.Sources))
	}
}

func TestRunAggregationWithPartialFailure(t *testing.T) {
	p := testPipeline(nil, Hooks{})

	results := []providers.AnswerResult{
		{Provider: providers.IDOpenAI, Model: "gpt-4o", QuestionID: "q1", Content: "A qubit is a two-state system.", LatencyMs: 500, CostUSD: 0.02},
		{Provider: providers.IDGemini, QuestionID: "q1", Err: "gemini not configured"},
	}

	out, err := p.Run(context.Background(), Request{Questions: questionSet(), Results: results})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !strings.Contains(out.SynthesizedText, "A qubit is a two-state system.") {
		t.Errorf("Expected surviving answer in aggregation, got:\n%s", out.SynthesizedText)
	}
	if strings.Contains(out.SynthesizedText, "gemini") {
		t.Errorf("Failed provider should not appear in aggregation, got:\n%s", out.SynthesizedText)
	}

	m := out.Metrics
	if m.TotalQueries != 2 || m.SuccessfulQueries != 1 || m.FailedQueries != 1 {
		t.Errorf("Metrics = %d/%d/%d, want 2/1/1", m.TotalQueries, m.SuccessfulQueries, m.FailedQueries)
	}
	if m.TotalLatencyMs != 500 {
		t.Errorf("TotalLatencyMs = %d, want 500", m.TotalLatencyMs)
	}
	if m.AvgLatencyMs != 250 {
		t.Errorf("AvgLatencyMs = %d, want 250", m.AvgLatencyMs)
	}
	if len(out.Sources) != 1 {
		t.Errorf("Expected 1 source, got %d", len(out.Sources))
	}
}

func TestRunNoSuccessfulResults(t *testing.T) {
	p := testPipeline(nil, Hooks{})

	results := []providers.AnswerResult{
		{Provider: providers.IDOpenAI, QuestionID: "q1", Err: "openai API returned 500: boom"},
		{Provider: providers.IDGemini, QuestionID: "q1", Err: "gemini not configured"},
	}

	_, err := p.Run(context.Background(), Request{Questions: questionSet(), Results: results, Requested: true})
	if !errors.Is(err, ErrNoSuccessfulResults) {
		t.Errorf("Expected ErrNoSuccessfulResults, got %v", err)
	}

	// Without a merge request the same result set still aggregates.
	out, err := p.Run(context.Background(), Request{Questions: questionSet(), Results: results})
	if err != nil {
		t.Fatalf("Run() without merge error = %v", err)
	}
	if !strings.Contains(out.SynthesizedText, "## Question 1 (q1)") {
		t.Errorf("Expected empty grouped report, got:\n%s", out.SynthesizedText)
	}
}

func TestRunSingleSuccessPassThrough(t *testing.T) {
	fake := &fakeAdapter{id: providers.IDOpenAI, configured: true, defModel: "gpt-4o"}
	p := testPipeline(fake, Hooks{})

	results := []providers.AnswerResult{
		{Provider: providers.IDOpenAI, Model: "gpt-4o", QuestionID: "q1", Content: "The only surviving answer.", LatencyMs: 400, CostUSD: 0.02},
		{Provider: providers.IDGemini, QuestionID: "q1", Err: "gemini not configured"},
	}

	out, err := p.Run(context.Background(), Request{Questions: questionSet(), Results: results, Requested: true})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.SynthesizedText != "The only surviving answer." {
		t.Errorf("Expected verbatim pass-through, got %q", out.SynthesizedText)
	}
	if out.SynthModelUsed != "none (single result)" {
		t.Errorf("SynthModelUsed = %q, want %q", out.SynthModelUsed, "none (single result)")
	}
	if fake.calls != 0 {
		t.Errorf("Expected no merge call for a single success, got %d", fake.calls)
	}
}

func TestRunMerge(t *testing.T) {
	fake := &fakeAdapter{
		id:         providers.IDOpenAI,
		configured: true,
		defModel:   "gpt-4o",
		resp: &providers.QueryResponse{
			Content: "Merged: both agree on superposition.",
			Usage:   &providers.Usage{InputTokens: 1000, OutputTokens: 500, TotalTokens: 1500},
			Model:   "gpt-4o",
		},
	}

	var startModel, finishModel string
	var finishCost float64
	p := testPipeline(fake, Hooks{
		OnStart:  func(id providers.ID, model string) { startModel = string(id) + "/" + model },
		OnFinish: func(id providers.ID, model string, latencyMs int64, cost float64) { finishModel = model; finishCost = cost },
		OnFail:   func(id providers.ID, model string, err error) { t.Errorf("Unexpected OnFail: %v", err) },
	})

	results := []providers.AnswerResult{
		{Provider: providers.IDOpenAI, Model: "gpt-4o", QuestionID: "q1", Content: "Answer one.", LatencyMs: 500, CostUSD: 0.02},
		{Provider: providers.IDGemini, Model: "gemini-2.5-flash", QuestionID: "q1", Content: "Answer two.", LatencyMs: 300, CostUSD: 0.01},
	}

	out, err := p.Run(context.Background(), Request{Questions: questionSet(), Results: results, Requested: true})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.SynthesizedText != "Merged: both agree on superposition." {
		t.Errorf("Unexpected merged text %q", out.SynthesizedText)
	}
	if out.SynthModelUsed != "openai/gpt-4o" {
		t.Errorf("SynthModelUsed = %q, want openai/gpt-4o", out.SynthModelUsed)
	}
	if fake.calls != 1 {
		t.Errorf("Expected exactly one merge call, got %d", fake.calls)
	}
	if fake.lastReq.Model != "gpt-4o" {
		t.Errorf("Merge call model = %q, want gpt-4o", fake.lastReq.Model)
	}
	if !strings.Contains(fake.lastReq.Question.Text, "Answer one.") ||
		!strings.Contains(fake.lastReq.Question.Text, "Answer two.") {
		t.Error("Merge prompt should contain every surviving answer")
	}
	if startModel != "openai/gpt-4o" || finishModel != "gpt-4o" {
		t.Errorf("Hooks saw %q / %q", startModel, finishModel)
	}

	// gpt-4o token pricing: (1000*2.50 + 500*10.00) / 1e6.
	wantSynthCost := 0.0075
	if math.Abs(finishCost-wantSynthCost) > 1e-9 {
		t.Errorf("Synthesis cost = %v, want %v", finishCost, wantSynthCost)
	}

	m := out.Metrics
	if m.TotalQueries != 2 || m.SuccessfulQueries != 2 || m.FailedQueries != 0 {
		t.Errorf("Metrics = %d/%d/%d, want 2/2/0", m.TotalQueries, m.SuccessfulQueries, m.FailedQueries)
	}
	wantTotal := 0.02 + 0.01 + wantSynthCost
	if math.Abs(m.TotalCostUSD-wantTotal) > 1e-9 {
		t.Errorf("TotalCostUSD = %v, want %v", m.TotalCostUSD, wantTotal)
	}
	wantOpenAI := 0.02 + wantSynthCost
	if math.Abs(m.CostByProvider["openai"]-wantOpenAI) > 1e-9 {
		t.Errorf("CostByProvider[openai] = %v, want %v", m.CostByProvider["openai"], wantOpenAI)
	}
	if m.TotalLatencyMs < 800 {
		t.Errorf("TotalLatencyMs = %d, want at least the task latencies", m.TotalLatencyMs)
	}
	if want := m.TotalLatencyMs / 3; m.AvgLatencyMs != want {
		t.Errorf("AvgLatencyMs = %d, want %d (merge call counted)", m.AvgLatencyMs, want)
	}
}

func TestRunMergeFallsBackToAggregation(t *testing.T) {
	fake := &fakeAdapter{
		id:         providers.IDOpenAI,
		configured: true,
		defModel:   "gpt-4o",
		err:        &providers.APIError{Provider: providers.IDOpenAI, StatusCode: 400, Body: "prompt too long"},
	}

	failed := false
	p := testPipeline(fake, Hooks{
		OnFail: func(id providers.ID, model string, err error) { failed = true },
	})

	results := []providers.AnswerResult{
		{Provider: providers.IDOpenAI, Model: "gpt-4o", QuestionID: "q1", Content: "Answer one.", LatencyMs: 500, CostUSD: 0.02},
		{Provider: providers.IDGemini, Model: "gemini-2.5-flash", QuestionID: "q1", Content: "Answer two.", LatencyMs: 300, CostUSD: 0.01},
	}

	out, err := p.Run(context.Background(), Request{Questions: questionSet(), Results: results, Requested: true})
	if err != nil {
		t.Fatalf("Run() error = %v, merge failure must not fail the run", err)
	}
	if out.SynthModelUsed != SynthModelFallback {
		t.Errorf("SynthModelUsed = %q, want %q", out.SynthModelUsed, SynthModelFallback)
	}
	if !strings.Contains(out.SynthesizedText, "Answer one.") || !strings.Contains(out.SynthesizedText, "Answer two.") {
		t.Errorf("Fallback aggregation should carry every answer, got:\n%s", out.SynthesizedText)
	}
	if !failed {
		t.Error("Expected OnFail hook to fire")
	}

	// The failed merge call contributes neither latency nor cost.
	if out.Metrics.TotalLatencyMs != 800 {
		t.Errorf("TotalLatencyMs = %d, want 800", out.Metrics.TotalLatencyMs)
	}
	wantCost := 0.03
	if math.Abs(out.Metrics.TotalCostUSD-wantCost) > 1e-9 {
		t.Errorf("TotalCostUSD = %v, want %v", out.Metrics.TotalCostUSD, wantCost)
	}
}

func TestRunMergeUnconfiguredProviderFallsBack(t *testing.T) {
	fake := &fakeAdapter{id: providers.IDOpenAI, configured: false, defModel: "gpt-4o"}
	p := testPipeline(fake, Hooks{})

	results := []providers.AnswerResult{
		{Provider: providers.IDAnthropic, Model: "claude-sonnet-4-5", QuestionID: "q1", Content: "Answer one.", LatencyMs: 100},
		{Provider: providers.IDGemini, Model: "gemini-2.5-flash", QuestionID: "q1", Content: "Answer two.", LatencyMs: 100},
	}

	out, err := p.Run(context.Background(), Request{Questions: questionSet(), Results: results, Requested: true})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.SynthModelUsed != SynthModelFallback {
		t.Errorf("SynthModelUsed = %q, want fallback", out.SynthModelUsed)
	}
	if fake.calls != 0 {
		t.Errorf("Unconfigured merge provider must not be called, got %d calls", fake.calls)
	}
}

func TestResolveModel(t *testing.T) {
	tests := []struct {
		name         string
		spec         string
		wantProvider providers.ID
		wantModel    string
		wantErr      bool
	}{
		{"empty", "", providers.IDOpenAI, "", false},
		{"bare model", "gpt-4o-mini", providers.IDOpenAI, "gpt-4o-mini", false},
		{"provider and model", "anthropic/claude-sonnet-4-5", providers.IDAnthropic, "claude-sonnet-4-5", false},
		{"unknown provider", "frontier/default", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, model, err := ResolveModel(tt.spec)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ResolveModel(%q) error = %v, wantErr %v", tt.spec, err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if id != tt.wantProvider || model != tt.wantModel {
				t.Errorf("ResolveModel(%q) = %s/%s, want %s/%s", tt.spec, id, model, tt.wantProvider, tt.wantModel)
			}
		})
	}
}

func TestAggregateOrderingAndCitations(t *testing.T) {
	questions := []providers.Question{
		{ID: "rates", Text: "Where are rates heading?"},
		{ID: "jobs", Text: "What about the labor market?"},
	}
	// Dispatch order: provider-major.
	results := []providers.AnswerResult{
		{Provider: providers.IDOpenAI, Model: "gpt-4o", QuestionID: "rates", Content: "Down slowly."},
		{Provider: providers.IDOpenAI, Model: "gpt-4o", QuestionID: "jobs", Content: "Cooling."},
		{Provider: providers.IDPerplexity, Model: "sonar-pro", QuestionID: "rates", Content: "Two cuts priced in.", Citations: []string{"https://example.com/fed"}},
		{Provider: providers.IDPerplexity, Model: "sonar-pro", QuestionID: "jobs", Err: "perplexity API returned 500: boom"},
	}

	text := Aggregate(questions, results)

	q1 := strings.Index(text, "## Question 1 (rates)")
	q2 := strings.Index(text, "## Question 2 (jobs)")
	if q1 < 0 || q2 < 0 || q1 > q2 {
		t.Fatalf("Question headings missing or out of order:\n%s", text)
	}

	section := text[q1:q2]
	openai := strings.Index(section, "### openai")
	pplx := strings.Index(section, "### perplexity")
	if openai < 0 || pplx < 0 || openai > pplx {
		t.Errorf("Providers missing or out of dispatch order in section:\n%s", section)
	}
	if !strings.Contains(section, "- https://example.com/fed") {
		t.Errorf("Expected citation bullet, got:\n%s", section)
	}
	if strings.Contains(text[q2:], "perplexity") {
		t.Errorf("Failed result should be excluded, got:\n%s", text[q2:])
	}
}

func TestBuildPrompt(t *testing.T) {
	questions := questionSet()
	results := []providers.AnswerResult{
		{Provider: providers.IDOpenAI, Model: "gpt-4o", QuestionID: "q1", Content: "Answer one."},
		{Provider: providers.IDGemini, Model: "gemini-2.5-flash", QuestionID: "q1", Content: "Answer two.", Citations: []string{"https://example.com"}},
	}

	prompt := BuildPrompt(questions, results)
	if !strings.Contains(prompt, "What is quantum computing?") {
		t.Error("Prompt should carry the question text")
	}
	if !strings.Contains(prompt, "### Answer from openai (gpt-4o)") {
		t.Error("Prompt should attribute answers to providers")
	}
	if !strings.Contains(prompt, "- https://example.com") {
		t.Error("Prompt should carry citations")
	}
}
