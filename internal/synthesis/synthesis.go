// Package synthesis folds the surviving answers of a run into one text.
// Three paths produce the same Outcome shape: a deterministic grouped
// aggregation, a verbatim pass-through when only one answer survived, and
// an LLM merge that falls back to aggregation on any failure.
package synthesis

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/marcus/roundtable/internal/costs"
	"github.com/marcus/roundtable/internal/executor"
	"github.com/marcus/roundtable/internal/logging"
	"github.com/marcus/roundtable/internal/providers"
)

// ErrNoSuccessfulResults is returned when a merge was requested but every
// provider failed. It is the only way this package fails a run.
var ErrNoSuccessfulResults = errors.New("no successful results to synthesize")

// DefaultProvider answers merge calls when the model spec does not name a
// provider.
const DefaultProvider = providers.IDOpenAI

// SynthModelUsed tags for outcomes that skipped the paid merge call.
const (
	SynthModelAggregation = "none (aggregation)"
	SynthModelFallback    = "none (fallback aggregation)"
	SynthModelSingle      = "none (single result)"
)

// Metrics summarizes one run. Latency totals include the merge call when
// one was issued and succeeded.
type Metrics struct {
	TotalQueries      int                `json:"totalQueries"`
	SuccessfulQueries int                `json:"successfulQueries"`
	FailedQueries     int                `json:"failedQueries"`
	TotalLatencyMs    int64              `json:"totalLatencyMs"`
	AvgLatencyMs      int64              `json:"avgLatencyMs"`
	CostByProvider    map[string]float64 `json:"costEstimatesByProvider"`
	TotalCostUSD      float64            `json:"totalCostUsd"`
}

// Outcome is the final product of a run. Sources holds the successful
// results the text was built from, in dispatch order.
type Outcome struct {
	SynthesizedText string                   `json:"synthesizedText"`
	Sources         []providers.AnswerResult `json:"sources"`
	Metrics         Metrics                  `json:"metrics"`
	Timestamp       time.Time                `json:"timestamp"`
	SynthModelUsed  string                   `json:"synthModelUsed"`
}

// Request carries everything the pipeline needs from the orchestrator.
// Results must hold the full answer set in dispatch order.
type Request struct {
	Questions []providers.Question
	Results   []providers.AnswerResult
	Requested bool
	Model     string // "", "model", or "provider/model"
}

// Hooks lets the caller observe the merge call without importing this
// package's consumer. All fields are optional.
type Hooks struct {
	OnStart  func(provider providers.ID, model string)
	OnFinish func(provider providers.ID, model string, latencyMs int64, costUSD float64)
	OnFail   func(provider providers.ID, model string, err error)
}

// mergeCall records a settled merge attempt for metrics.
type mergeCall struct {
	provider  providers.ID
	latencyMs int64
	costUSD   float64
}

// Pipeline runs the synthesis step. The executor is the same resilient
// wrapper provider calls go through.
type Pipeline struct {
	registry *providers.Registry
	exec     *executor.Executor
	hooks    Hooks
	log      *logging.Logger
}

// New creates a synthesis pipeline.
func New(registry *providers.Registry, exec *executor.Executor, hooks Hooks) *Pipeline {
	return &Pipeline{
		registry: registry,
		exec:     exec,
		hooks:    hooks,
		log:      logging.Component("synthesis"),
	}
}

// Run produces the outcome for a settled result set. It returns an error
// only when a merge was requested and zero results succeeded.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Outcome, error) {
	succ := successful(req.Results)

	if !req.Requested {
		return p.outcome(req, succ, Aggregate(req.Questions, req.Results), SynthModelAggregation, nil), nil
	}

	switch len(succ) {
	case 0:
		return nil, ErrNoSuccessfulResults
	case 1:
		return p.outcome(req, succ, succ[0].Content, SynthModelSingle, nil), nil
	}

	text, model, call, err := p.merge(ctx, req, succ)
	if err != nil {
		p.log.WarnCtx("merge failed, falling back to aggregation", map[string]any{
			"error": err.Error(),
		})
		return p.outcome(req, succ, Aggregate(req.Questions, req.Results), SynthModelFallback, nil), nil
	}
	return p.outcome(req, succ, text, model, call), nil
}

func (p *Pipeline) outcome(req Request, succ []providers.AnswerResult, text, model string, call *mergeCall) *Outcome {
	return &Outcome{
		SynthesizedText: text,
		Sources:         succ,
		Metrics:         computeMetrics(req.Results, call),
		Timestamp:       time.Now(),
		SynthModelUsed:  model,
	}
}

// merge issues the single consolidated call to the configured model.
func (p *Pipeline) merge(ctx context.Context, req Request, succ []providers.AnswerResult) (string, string, *mergeCall, error) {
	id, model, err := ResolveModel(req.Model)
	if err != nil {
		return "", "", nil, err
	}
	adapter, ok := p.registry.Lookup(id)
	if !ok {
		return "", "", nil, fmt.Errorf("no adapter for %s", id)
	}
	if !adapter.IsConfigured() {
		return "", "", nil, fmt.Errorf("%s not configured", id)
	}
	if model == "" {
		model = adapter.DefaultModel()
	}

	if p.hooks.OnStart != nil {
		p.hooks.OnStart(id, model)
	}

	prompt := BuildPrompt(req.Questions, succ)
	label := fmt.Sprintf("synthesis via %s/%s", id, model)
	start := time.Now()
	resp, err := p.exec.Do(ctx, label, func(ctx context.Context) (*providers.QueryResponse, error) {
		return adapter.Query(ctx, providers.QueryRequest{
			Question: providers.Question{ID: "synthesis", Text: prompt},
			Model:    model,
		})
	})
	latency := time.Since(start).Milliseconds()
	if err != nil {
		if p.hooks.OnFail != nil {
			p.hooks.OnFail(id, model, err)
		}
		return "", "", nil, err
	}

	cost := costs.EstimateTokens(id, model, resp.Usage)
	if p.hooks.OnFinish != nil {
		p.hooks.OnFinish(id, model, latency, cost)
	}
	return resp.Content, fmt.Sprintf("%s/%s", id, model), &mergeCall{provider: id, latencyMs: latency, costUSD: cost}, nil
}

// ResolveModel parses a model spec into a provider and model name. A bare
// model name goes to the default synthesis provider; an empty spec means
// "the default provider's default model" and returns an empty model.
func ResolveModel(spec string) (providers.ID, string, error) {
	if spec == "" {
		return DefaultProvider, "", nil
	}
	if name, model, found := strings.Cut(spec, "/"); found {
		id, err := providers.ParseID(name)
		if err != nil {
			return "", "", err
		}
		return id, model, nil
	}
	return DefaultProvider, spec, nil
}

// Aggregate renders the deterministic grouped report: every successful
// answer under its question heading, providers in dispatch order.
func Aggregate(questions []providers.Question, results []providers.AnswerResult) string {
	var buf bytes.Buffer
	for i, q := range questions {
		buf.WriteString(fmt.Sprintf("## Question %d (%s)\n\n", i+1, q.ID))
		for _, r := range results {
			if r.QuestionID != q.ID || !r.Succeeded() {
				continue
			}
			if r.Model != "" {
				buf.WriteString(fmt.Sprintf("### %s (%s)\n\n", r.Provider, r.Model))
			} else {
				buf.WriteString(fmt.Sprintf("### %s\n\n", r.Provider))
			}
			buf.WriteString(strings.TrimRight(r.Content, "\n"))
			buf.WriteString("\n\n")
			if len(r.Citations) > 0 {
				buf.WriteString("Sources:\n")
				for _, c := range r.Citations {
					buf.WriteString(fmt.Sprintf("- %s\n", c))
				}
				buf.WriteString("\n")
			}
		}
	}
	return buf.String()
}

// BuildPrompt assembles the consolidated merge prompt from every
// successful answer, grouped per question.
func BuildPrompt(questions []providers.Question, results []providers.AnswerResult) string {
	var buf bytes.Buffer
	buf.WriteString(`You are merging research answers. Several assistants answered the same questions independently. For each question write one consolidated answer: reconcile agreements, call out genuine disagreements, and keep citations next to the claims they support. Output markdown with one section per question.

`)
	for i, q := range questions {
		buf.WriteString(fmt.Sprintf("## Question %d (%s)\n\n%s\n\n", i+1, q.ID, q.Text))
		for _, r := range results {
			if r.QuestionID != q.ID {
				continue
			}
			buf.WriteString(fmt.Sprintf("### Answer from %s (%s)\n\n", r.Provider, r.Model))
			buf.WriteString(strings.TrimRight(r.Content, "\n"))
			buf.WriteString("\n\n")
			if len(r.Citations) > 0 {
				buf.WriteString("Citations:\n")
				for _, c := range r.Citations {
					buf.WriteString(fmt.Sprintf("- %s\n", c))
				}
				buf.WriteString("\n")
			}
		}
	}
	return buf.String()
}

// computeMetrics derives run metrics from the settled result set plus the
// merge call when one succeeded. Failed results keep their real latency
// but contribute no cost.
func computeMetrics(results []providers.AnswerResult, call *mergeCall) Metrics {
	m := Metrics{
		TotalQueries:   len(results),
		CostByProvider: make(map[string]float64),
	}

	var totalLatency int64
	for _, r := range results {
		totalLatency += r.LatencyMs
		if !r.Succeeded() {
			m.FailedQueries++
			continue
		}
		m.SuccessfulQueries++
		if r.CostUSD > 0 {
			m.CostByProvider[string(r.Provider)] += r.CostUSD
			m.TotalCostUSD += r.CostUSD
		}
	}

	calls := len(results)
	if call != nil {
		totalLatency += call.latencyMs
		calls++
		if call.costUSD > 0 {
			m.CostByProvider[string(call.provider)] += call.costUSD
			m.TotalCostUSD += call.costUSD
		}
	}
	m.TotalLatencyMs = totalLatency
	if calls > 0 {
		m.AvgLatencyMs = totalLatency / int64(calls)
	}
	return m
}

func successful(results []providers.AnswerResult) []providers.AnswerResult {
	succ := make([]providers.AnswerResult, 0, len(results))
	for _, r := range results {
		if r.Succeeded() {
			succ = append(succ, r)
		}
	}
	return succ
}
