// Package orchestrator fans research questions out across answer providers
// and gathers every outcome into a single settled result set.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marcus/roundtable/internal/budget"
	"github.com/marcus/roundtable/internal/costs"
	"github.com/marcus/roundtable/internal/executor"
	"github.com/marcus/roundtable/internal/governor"
	"github.com/marcus/roundtable/internal/logging"
	"github.com/marcus/roundtable/internal/providers"
	"github.com/marcus/roundtable/internal/status"
	"github.com/marcus/roundtable/internal/synthesis"
	"github.com/marcus/roundtable/internal/tasks"
)

// Request describes one research run.
type Request struct {
	Providers  []providers.ID
	Questions  []providers.Question
	Synthesize bool
	SynthModel string // "", "model", or "provider/model"
}

// RunResult is everything a finished run produced. Results holds one entry
// per task in matrix order (provider-major, question-minor), failures
// included.
type RunResult struct {
	RunID    string
	Results  []providers.AnswerResult
	Outcome  *synthesis.Outcome
	Snapshot *status.Snapshot
	Duration time.Duration
}

// Orchestrator coordinates a run: it expands the task matrix, dispatches
// every task through the governor and executor, joins the results, and
// hands them to the synthesis pipeline.
type Orchestrator struct {
	registry *providers.Registry
	gov      *governor.Governor
	execOpts executor.Options
	guard    *budget.Guard
	store    *status.Store
	logger   *logging.Logger
	handler  EventHandler
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRegistry sets the provider registry. Required for Run.
func WithRegistry(r *providers.Registry) Option {
	return func(o *Orchestrator) {
		o.registry = r
	}
}

// WithGovernor sets the dispatch governor.
func WithGovernor(g *governor.Governor) Option {
	return func(o *Orchestrator) {
		o.gov = g
	}
}

// WithExecutorOptions sets the retry options applied to every provider
// call, including the synthesis call.
func WithExecutorOptions(opts executor.Options) Option {
	return func(o *Orchestrator) {
		o.execOpts = opts
	}
}

// WithBudget sets the spending guard consulted before each paid call.
func WithBudget(g *budget.Guard) Option {
	return func(o *Orchestrator) {
		o.guard = g
	}
}

// WithStatusStore sets the store that receives the run snapshot.
func WithStatusStore(s *status.Store) Option {
	return func(o *Orchestrator) {
		o.store = s
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

// WithEventHandler sets an optional callback for real-time run events.
func WithEventHandler(h EventHandler) Option {
	return func(o *Orchestrator) {
		o.handler = h
	}
}

// New creates an orchestrator with the given options.
func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		gov:    governor.New(governor.Config{}),
		store:  status.NewStore(),
		logger: logging.Component("orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// emit sends an event to the registered handler, if any.
func (o *Orchestrator) emit(e Event) {
	if o.handler != nil {
		e.Time = time.Now()
		o.handler(e)
	}
}

// Run executes one research run to completion. Every task settles into an
// AnswerResult; a failing provider never aborts the run. The returned
// error is non-nil only when the run could not start (empty matrix, bad
// synthesis model) or when synthesis was requested and zero tasks
// succeeded. In the latter case the partial RunResult is still returned
// alongside the error.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*RunResult, error) {
	if o.registry == nil {
		return nil, fmt.Errorf("no provider registry configured")
	}

	matrix, err := tasks.Matrix(req.Providers, req.Questions)
	if err != nil {
		return nil, err
	}

	// Resolve the synthesis target up front so a bad model spec fails the
	// run before any provider is called.
	var synthProvider providers.ID
	if req.Synthesize {
		synthProvider, _, err = synthesis.ResolveModel(req.SynthModel)
		if err != nil {
			return nil, err
		}
	}

	runID := uuid.NewString()
	start := time.Now()

	o.logger.InfoCtx("run started", map[string]any{
		"run_id":    runID,
		"providers": len(req.Providers),
		"questions": len(req.Questions),
		"tasks":     len(matrix),
	})
	o.emit(Event{Type: EventRunStart, RunID: runID, TaskCount: len(matrix)})

	// One executor per provider so the rate-limit hook penalizes the right
	// dispatch gate.
	execs := make(map[providers.ID]*executor.Executor, len(req.Providers))
	for _, id := range req.Providers {
		if _, ok := execs[id]; ok {
			continue
		}
		execs[id] = executor.New(o.rateLimitOptions(runID, id))
	}

	results := make([]providers.AnswerResult, len(matrix))
	var wg sync.WaitGroup
	for i, t := range matrix {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = o.runTask(ctx, runID, execs[t.Provider], t)
		}()
	}
	wg.Wait()

	succeeded := 0
	for _, r := range results {
		if r.Succeeded() {
			succeeded++
		}
	}
	failed := len(results) - succeeded

	// Status readers see this run as soon as the join settles, not after
	// synthesis. The synthesis tag arrives in a second replace below.
	snap := status.Build(runID, results)
	o.store.Set(snap)

	pipeline := synthesis.New(o.registry, executor.New(o.rateLimitOptions(runID, synthProvider)), synthesis.Hooks{
		OnStart: func(provider providers.ID, model string) {
			o.emit(Event{Type: EventSynthesisStart, RunID: runID, Provider: provider, Model: model})
		},
		OnFinish: func(provider providers.ID, model string, latencyMs int64, costUSD float64) {
			o.emit(Event{Type: EventSynthesisEnd, RunID: runID, Provider: provider, Model: model, LatencyMs: latencyMs, CostUSD: costUSD})
		},
		OnFail: func(provider providers.ID, model string, err error) {
			o.emit(Event{Type: EventSynthesisEnd, RunID: runID, Provider: provider, Model: model, Error: err.Error()})
		},
	})

	outcome, synthErr := pipeline.Run(ctx, synthesis.Request{
		Questions: req.Questions,
		Results:   results,
		Requested: req.Synthesize,
		Model:     req.SynthModel,
	})

	// Stored snapshots are read-only, so the tag goes into a fresh copy.
	if outcome != nil {
		tagged := *snap
		tagged.SynthModelUsed = outcome.SynthModelUsed
		snap = &tagged
		o.store.Set(snap)
	}

	duration := time.Since(start)
	end := Event{Type: EventRunEnd, RunID: runID, Succeeded: succeeded, Failed: failed, Duration: duration}
	if synthErr != nil {
		end.Error = synthErr.Error()
	}
	o.emit(end)
	o.logger.InfoCtx("run finished", map[string]any{
		"run_id":      runID,
		"succeeded":   succeeded,
		"failed":      failed,
		"duration_ms": duration.Milliseconds(),
	})

	return &RunResult{
		RunID:    runID,
		Results:  results,
		Outcome:  outcome,
		Snapshot: snap,
		Duration: duration,
	}, synthErr
}

// rateLimitOptions copies the configured executor options and points the
// 429 hook at the provider's dispatch gate.
func (o *Orchestrator) rateLimitOptions(runID string, id providers.ID) executor.Options {
	opts := o.execOpts
	opts.OnRateLimit = func() {
		interval := o.gov.Penalize(id)
		o.logger.WarnCtx("rate limited, slowing dispatch", map[string]any{
			"provider": string(id),
			"interval": interval.String(),
		})
		o.emit(Event{Type: EventRateLimit, RunID: runID, Provider: id, Interval: interval})
	}
	return opts
}

// runTask settles one cell of the matrix. Tasks that never reach the
// network (unconfigured provider, exhausted budget, canceled run) fail
// with zero latency and cost.
func (o *Orchestrator) runTask(ctx context.Context, runID string, exec *executor.Executor, t tasks.Task) providers.AnswerResult {
	adapter, ok := o.registry.Lookup(t.Provider)
	if !ok || !adapter.IsConfigured() {
		return o.failTask(runID, t, "", fmt.Sprintf("%s not configured", t.Provider))
	}

	model := adapter.DefaultModel()
	if o.guard != nil && !o.guard.Reserve(t.Provider, costs.EstimateQuery(t.Provider, model)) {
		return o.failTask(runID, t, model, "budget exhausted")
	}

	release, err := o.gov.Acquire(ctx, t.Provider)
	if err != nil {
		return o.failTask(runID, t, model, fmt.Sprintf("canceled before dispatch: %v", err))
	}
	defer release()

	o.emit(Event{Type: EventTaskStart, RunID: runID, Provider: t.Provider, Model: model, QuestionID: t.Question.ID})
	o.logger.DebugCtx("dispatching task", map[string]any{
		"run_id":   runID,
		"provider": string(t.Provider),
		"question": t.Question.ID,
		"model":    model,
	})

	start := time.Now()
	resp, err := exec.Do(ctx, fmt.Sprintf("%s %s", t.Provider, t.Question.ID), func(ctx context.Context) (*providers.QueryResponse, error) {
		return adapter.Query(ctx, providers.QueryRequest{Question: t.Question, Model: model})
	})
	latency := time.Since(start).Milliseconds()

	if err != nil {
		res := providers.AnswerResult{
			Provider:   t.Provider,
			Model:      model,
			QuestionID: t.Question.ID,
			LatencyMs:  latency,
			Timestamp:  time.Now(),
			Err:        err.Error(),
		}
		o.emit(Event{Type: EventTaskEnd, RunID: runID, Provider: t.Provider, Model: model, QuestionID: t.Question.ID, LatencyMs: latency, Error: res.Err})
		return res
	}

	// A clean reply means the provider recovered from any earlier 429, so
	// dispatch spacing returns to the configured minimum.
	o.gov.Reset(t.Provider)

	if resp.Model != "" {
		model = resp.Model
	}
	cost := costs.EstimateTokens(t.Provider, model, resp.Usage)
	res := providers.AnswerResult{
		Provider:   t.Provider,
		Model:      model,
		QuestionID: t.Question.ID,
		Content:    resp.Content,
		Citations:  resp.Citations,
		Usage:      resp.Usage,
		CostUSD:    cost,
		LatencyMs:  latency,
		Timestamp:  time.Now(),
	}
	o.emit(Event{Type: EventTaskEnd, RunID: runID, Provider: t.Provider, Model: model, QuestionID: t.Question.ID, LatencyMs: latency, CostUSD: cost})
	return res
}

// failTask builds a zero-latency failure result and emits its TaskEnd.
func (o *Orchestrator) failTask(runID string, t tasks.Task, model, msg string) providers.AnswerResult {
	o.logger.WarnCtx("task not dispatched", map[string]any{
		"run_id":   runID,
		"provider": string(t.Provider),
		"question": t.Question.ID,
		"reason":   msg,
	})
	o.emit(Event{Type: EventTaskEnd, RunID: runID, Provider: t.Provider, Model: model, QuestionID: t.Question.ID, Error: msg})
	return providers.AnswerResult{
		Provider:   t.Provider,
		Model:      model,
		QuestionID: t.Question.ID,
		Timestamp:  time.Now(),
		Err:        msg,
	}
}
