package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/lipgloss"
	"github.com/marcus/roundtable/internal/budget"
	"github.com/marcus/roundtable/internal/config"
	"github.com/marcus/roundtable/internal/costs"
	"github.com/marcus/roundtable/internal/executor"
	"github.com/marcus/roundtable/internal/governor"
	"github.com/marcus/roundtable/internal/history"
	"github.com/marcus/roundtable/internal/logging"
	"github.com/marcus/roundtable/internal/orchestrator"
	"github.com/marcus/roundtable/internal/providers"
	"github.com/marcus/roundtable/internal/reporting"
	"github.com/marcus/roundtable/internal/status"
	"github.com/marcus/roundtable/internal/synthesis"
	"github.com/marcus/roundtable/internal/tasks"
	"github.com/marcus/roundtable/internal/ui"
	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"
)

// isInteractive reports whether stdout is a terminal. Override in tests.
var isInteractive = func() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

// confirmRun prompts the user for confirmation unless bypassed by flags or
// non-TTY context. Returns true if execution should proceed.
func confirmRun(p executeRunParams) (bool, error) {
	if p.yes {
		return true, nil
	}
	if p.dryRun {
		return false, nil
	}
	if !isInteractive() {
		p.log.Info("non-TTY: auto-confirming")
		return true, nil
	}
	fmt.Print("Proceed? [y/N]: ")
	scanner := bufio.NewScanner(os.Stdin)
	if scanner.Scan() {
		ans := strings.TrimSpace(scanner.Text())
		if strings.EqualFold(ans, "y") || strings.EqualFold(ans, "yes") {
			return true, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return false, fmt.Errorf("read stdin: %w", err)
	}
	return false, nil
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run questions against the configured providers",
	Long: `Run one research round: every question is sent to every selected
provider concurrently, surviving answers are collected, and the run
report is printed or saved.

Before executing, roundtable displays a preflight summary showing the
selected providers, the query matrix, and the estimated cost. In
interactive terminals a confirmation prompt is shown; use --yes to skip
it. In non-TTY environments (cron, CI, pipes) confirmation is
auto-skipped and the live dashboard is replaced by plain event lines.

Use --dry-run to display the preflight summary and exit without
querying anything.

Flags:
  -q, --question TEXT    Ask TEXT (repeatable).
  --questions-file PATH  Read questions from a file, one per line.
  --providers LIST       Comma-separated provider subset (default: config).
  --synthesize           Merge the surviving answers with an LLM.
  --synth-model SPEC     Synthesis model, "model" or "provider/model".
  --format FORMAT        Report output: markdown, json, or file.
  --include-raw          Include full per-provider answers in the report.
  --include-metrics      Include latency and cost breakdown in the report.
  --timeout DUR          Per-attempt provider timeout (e.g. 90s).
  --max-retries N        Retries per query after the first attempt.
  --plain                Plain event lines instead of the live dashboard.
  --ignore-budget        Disable the spend cap for this run.
  --yes / -y             Skip the confirmation prompt.
  --dry-run              Show preflight summary and exit without querying.

Examples:
  roundtable run -q "What changed in Go 1.24?"
  roundtable run -q "q1" -q "q2" --providers openai,ollama
  roundtable run --questions-file research.md --synthesize
  roundtable run -q "..." --synthesize --synth-model anthropic/claude-sonnet-4-5
  roundtable run --questions-file q.md --format file --yes
  roundtable run -q "..." --format json --include-metrics | jq .`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringArrayP("question", "q", nil, "Question to ask (repeatable)")
	runCmd.Flags().String("questions-file", "", "Path to a questions file, one question per line")
	runCmd.Flags().StringSlice("providers", nil, "Providers to query (default: config, else all)")
	runCmd.Flags().Bool("synthesize", false, "Merge surviving answers with an LLM")
	runCmd.Flags().String("synth-model", "", `Synthesis model ("model" or "provider/model")`)
	runCmd.Flags().StringP("format", "f", "", "Report format: markdown, json, or file")
	runCmd.Flags().Bool("include-raw", false, "Include full per-provider answers in the report")
	runCmd.Flags().Bool("include-metrics", false, "Include latency and cost metrics in the report")
	runCmd.Flags().Duration("timeout", 0, "Per-attempt provider timeout")
	runCmd.Flags().Int("max-retries", -1, "Retries per query after the first attempt")
	runCmd.Flags().Bool("plain", false, "Plain event lines instead of the live dashboard")
	runCmd.Flags().Bool("ignore-budget", false, "Disable the spend cap for this run")
	runCmd.Flags().BoolP("yes", "y", false, "Skip confirmation prompt")
	runCmd.Flags().Bool("dry-run", false, "Show preflight summary and exit without querying")
	runCmd.Flags().Bool("no-color", false, "Disable colored output")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	inline, _ := cmd.Flags().GetStringArray("question")
	questionsFile, _ := cmd.Flags().GetString("questions-file")
	providerNames, _ := cmd.Flags().GetStringSlice("providers")
	synthModelFlag, _ := cmd.Flags().GetString("synth-model")
	formatName, _ := cmd.Flags().GetString("format")
	includeRaw, _ := cmd.Flags().GetBool("include-raw")
	includeMetrics, _ := cmd.Flags().GetBool("include-metrics")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	maxRetries, _ := cmd.Flags().GetInt("max-retries")
	plain, _ := cmd.Flags().GetBool("plain")
	ignoreBudget, _ := cmd.Flags().GetBool("ignore-budget")
	yes, _ := cmd.Flags().GetBool("yes")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	noColor, _ := cmd.Flags().GetBool("no-color")
	if noColor || os.Getenv("NO_COLOR") != "" {
		lipgloss.SetColorProfile(termenv.Ascii)
	}

	format, err := reporting.ParseFormat(formatName)
	if err != nil {
		return err
	}

	// Set up context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\ninterrupt received, shutting down...")
		cancel()
	}()

	// Load configuration
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Initialize logging
	if err := initLogging(cfg); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	log := logging.Component("run")
	log.Info("starting roundtable run")

	// Collect the question set
	questions, err := collectQuestions(inline, questionsFile)
	if err != nil {
		return err
	}

	// Resolve the provider set
	if len(providerNames) == 0 {
		providerNames = cfg.RunProviders()
	}
	ids, err := providers.ParseIDs(providerNames)
	if err != nil {
		return err
	}

	reg := providers.NewRegistry(cfg.ProviderSettings())

	// Synthesis selection: config enables it, flags override per run
	synthesize := cfg.Synthesis.Enabled
	if cmd.Flags().Changed("synthesize") {
		synthesize, _ = cmd.Flags().GetBool("synthesize")
	}
	synthModel := cfg.Synthesis.Model
	if synthModelFlag != "" {
		synthModel = synthModelFlag
	}

	// Spending guard
	mode, err := budget.ParseMode(cfg.Budget.Mode)
	if err != nil {
		return err
	}
	if ignoreBudget {
		fmt.Println("WARNING: --ignore-budget is set, the spend cap will not be enforced")
		log.Warn("--ignore-budget active, spend cap disabled")
		mode = budget.ModeOff
	}
	guard := budget.New(mode, cfg.Budget.MaxUSD)

	// Executor options, with per-run flag overrides
	execOpts := cfg.ExecutorOptions()
	if cmd.Flags().Changed("timeout") {
		execOpts.Timeout = timeout
	}
	if cmd.Flags().Changed("max-retries") {
		execOpts.MaxRetries = maxRetries
	}

	// Run history database
	hist, err := history.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return fmt.Errorf("open history db: %w", err)
	}
	defer func() { _ = hist.Close() }()

	plan, err := buildPreflight(reg, ids, questions, synthesize, synthModel, guard)
	if err != nil {
		return err
	}

	params := executeRunParams{
		cfg:      cfg,
		reg:      reg,
		guard:    guard,
		hist:     hist,
		plan:     plan,
		execOpts: execOpts,
		format:   format,
		reportOpts: reporting.Options{
			IncludeRaw:     includeRaw,
			IncludeMetrics: includeMetrics,
		},
		plain:  plain,
		dryRun: dryRun,
		yes:    yes,
		log:    log,
	}
	return executeRun(ctx, cancel, params)
}

type executeRunParams struct {
	cfg        *config.Config
	reg        *providers.Registry
	guard      *budget.Guard
	hist       *history.Store
	plan       *runPlan
	execOpts   executor.Options
	format     reporting.Format
	reportOpts reporting.Options
	plain      bool
	dryRun     bool
	yes        bool
	log        *logging.Logger
}

// providerPlan holds the preflight state of one selected provider.
type providerPlan struct {
	id         providers.ID
	model      string
	configured bool
	estUSD     float64
}

// runPlan collects all planned work before execution.
type runPlan struct {
	providerIDs []providers.ID
	questions   []providers.Question
	perProvider []providerPlan
	synthesize  bool
	synthModel  string // spec as given, "" for provider default
	synthTarget string // resolved "provider/model" for display
	estCost     float64
	budgetMode  budget.Mode
	budgetCap   float64
}

// buildPreflight performs the planning phase: resolve adapters and models,
// estimate spend, but does NOT query anything.
func buildPreflight(reg *providers.Registry, ids []providers.ID, questions []providers.Question, synthesize bool, synthModel string, guard *budget.Guard) (*runPlan, error) {
	plan := &runPlan{
		providerIDs: ids,
		questions:   questions,
		synthesize:  synthesize,
		synthModel:  synthModel,
		budgetMode:  guard.Mode(),
		budgetCap:   guard.Remaining(),
	}

	for _, id := range ids {
		pp := providerPlan{id: id}
		if a, ok := reg.Lookup(id); ok {
			pp.model = a.DefaultModel()
			pp.configured = a.IsConfigured()
		}
		if pp.configured {
			pp.estUSD = costs.EstimateQuery(id, pp.model) * float64(len(questions))
			plan.estCost += pp.estUSD
		}
		plan.perProvider = append(plan.perProvider, pp)
	}

	if synthesize {
		// Resolve now so a bad model spec fails before any provider call
		provider, model, err := synthesis.ResolveModel(synthModel)
		if err != nil {
			return nil, err
		}
		if model == "" {
			if a, ok := reg.Lookup(provider); ok {
				model = a.DefaultModel()
			}
		}
		plan.synthTarget = fmt.Sprintf("%s/%s", provider, model)
		plan.estCost += costs.EstimateQuery(provider, model)
	}

	return plan, nil
}

// displayPreflight renders the preflight summary to the given writer.
func displayPreflight(w io.Writer, plan *runPlan) {
	fmt.Fprintf(w, "\n=== Preflight Summary ===\n")

	fmt.Fprintf(w, "Providers (%d):\n", len(plan.perProvider))
	for _, pp := range plan.perProvider {
		if pp.configured {
			fmt.Fprintf(w, "  - %s (%s, ~$%.4f)\n", pp.id, pp.model, pp.estUSD)
		} else {
			fmt.Fprintf(w, "  - %s (not configured, queries will fail)\n", pp.id)
		}
	}

	fmt.Fprintf(w, "\nQuestions (%d):\n", len(plan.questions))
	for _, q := range plan.questions {
		fmt.Fprintf(w, "  - %s: %s\n", q.ID, truncate(q.Text, 70))
	}

	fmt.Fprintf(w, "\nQueries: %d (%d providers x %d questions)\n",
		len(plan.perProvider)*len(plan.questions), len(plan.perProvider), len(plan.questions))

	if plan.synthesize {
		fmt.Fprintf(w, "Synthesis: %s\n", plan.synthTarget)
	} else {
		fmt.Fprintf(w, "Synthesis: off (answers aggregated verbatim)\n")
	}

	switch plan.budgetMode {
	case budget.ModeOff:
		fmt.Fprintf(w, "Budget: off, est. cost ~$%.4f\n", plan.estCost)
	default:
		fmt.Fprintf(w, "Budget: %s, $%.2f cap, est. cost ~$%.4f\n", plan.budgetMode, plan.budgetCap, plan.estCost)
	}

	var warnings []string
	for _, pp := range plan.perProvider {
		if !pp.configured {
			warnings = append(warnings, fmt.Sprintf("%s is not configured; its queries fail without reaching the network", pp.id))
		}
	}
	if plan.budgetMode == budget.ModeHard && plan.estCost > plan.budgetCap {
		warnings = append(warnings, fmt.Sprintf("estimated cost ~$%.4f exceeds the $%.2f cap; later queries will be refused", plan.estCost, plan.budgetCap))
	}
	if len(warnings) > 0 {
		fmt.Fprintf(w, "\nWarnings:\n")
		for _, warning := range warnings {
			fmt.Fprintf(w, "  - %s\n", warning)
		}
	}

	fmt.Fprintln(w)
}

func executeRun(ctx context.Context, cancel context.CancelFunc, p executeRunParams) error {
	start := time.Now()

	// Display preflight summary
	if isInteractive() {
		displayPreflightColored(p.plan)
	} else {
		displayPreflight(os.Stdout, p.plan)
	}

	// Dry-run: show preflight and exit without querying
	if p.dryRun {
		fmt.Println("[dry-run] No queries executed.")
		return nil
	}

	// Confirm before proceeding
	proceed, err := confirmRun(p)
	if err != nil {
		return err
	}
	if !proceed {
		fmt.Println("Cancelled.")
		return nil
	}

	orchOpts := []orchestrator.Option{
		orchestrator.WithRegistry(p.reg),
		orchestrator.WithGovernor(governor.New(p.cfg.GovernorConfig())),
		orchestrator.WithExecutorOptions(p.execOpts),
		orchestrator.WithBudget(p.guard),
		orchestrator.WithLogger(logging.Component("orchestrator")),
	}
	req := orchestrator.Request{
		Providers:  p.plan.providerIDs,
		Questions:  p.plan.questions,
		Synthesize: p.plan.synthesize,
		SynthModel: p.plan.synthModel,
	}

	var result *orchestrator.RunResult
	var runErr error
	if isInteractive() && !p.plain {
		result, runErr = runWithDashboard(ctx, cancel, orchOpts, req, p)
	} else {
		result, runErr = runWithEventLines(ctx, orchOpts, req)
	}
	if result == nil {
		return runErr
	}

	return finishRun(result, runErr, p, start)
}

// runWithDashboard drives the run behind the live terminal dashboard. The
// orchestrator runs in a background goroutine and feeds events to the
// program; the dashboard quits itself when the run ends. A manual quit
// before that cancels the run context.
func runWithDashboard(ctx context.Context, cancel context.CancelFunc, opts []orchestrator.Option, req orchestrator.Request, p executeRunParams) (*orchestrator.RunResult, error) {
	view := ui.New()
	for _, id := range req.Providers {
		model := ""
		if a, ok := p.reg.Lookup(id); ok {
			model = a.DefaultModel()
		}
		for _, q := range req.Questions {
			view.AddQuery(ui.QueryItem{Provider: id, QuestionID: q.ID, Model: model})
		}
	}
	synthDisplay := p.plan.synthTarget
	if synthDisplay == "" {
		synthDisplay = "auto"
	}
	view.SetSynthesis(req.Synthesize, synthDisplay)

	prog := view.Program()
	opts = append(opts, orchestrator.WithEventHandler(func(ev orchestrator.Event) {
		prog.Send(ev)
	}))
	orch := orchestrator.New(opts...)

	type outcome struct {
		result *orchestrator.RunResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := orch.Run(ctx, req)
		done <- outcome{result, err}
	}()

	_, uiErr := prog.Run()
	// Either the run already ended and quit the dashboard, or the user
	// quit early; cancelling is a no-op in the first case.
	cancel()
	out := <-done
	if uiErr != nil {
		return out.result, fmt.Errorf("terminal ui: %w", uiErr)
	}
	return out.result, out.err
}

// runWithEventLines drives the run with one printed line per event, for
// --plain and non-TTY contexts.
func runWithEventLines(ctx context.Context, opts []orchestrator.Option, req orchestrator.Request) (*orchestrator.RunResult, error) {
	var renderer *liveRenderer
	if isInteractive() {
		renderer = newLiveRenderer()
		defer renderer.cleanup()
		opts = append(opts, orchestrator.WithEventHandler(renderer.HandleEvent))
	} else {
		printer := newEventPrinter(os.Stdout)
		opts = append(opts, orchestrator.WithEventHandler(printer.HandleEvent))
	}
	orch := orchestrator.New(opts...)
	return orch.Run(ctx, req)
}

// finishRun renders the report, persists the snapshot and the history
// record, and prints the closing summary. The run error (typically "no
// successful results") is passed through after persistence so a partial
// run still leaves a record behind.
func finishRun(result *orchestrator.RunResult, runErr error, p executeRunParams, start time.Time) error {
	reportPath := ""
	if result.Outcome != nil {
		in := reporting.Input{
			RunID:     result.RunID,
			Questions: p.plan.questions,
			Results:   result.Results,
			Outcome:   result.Outcome,
		}
		switch p.format {
		case reporting.FormatFile:
			path, err := reporting.WriteReport(p.cfg.Storage.ReportsDir, in, p.reportOpts)
			if err != nil {
				p.log.Warnf("failed to save report: %v", err)
				fmt.Fprintf(os.Stderr, "failed to save report: %v\n", err)
			} else {
				reportPath = path
				p.log.Infof("report saved to %s", path)
			}
		default:
			rendered, err := reporting.Render(p.format, in, p.reportOpts)
			if err != nil {
				return fmt.Errorf("render report: %w", err)
			}
			fmt.Println(rendered)
		}
	}

	// Persist the status snapshot for "roundtable status"
	if err := status.Save(p.cfg.Storage.StatusPath, result.Snapshot); err != nil {
		p.log.Warnf("failed to save status snapshot: %v", err)
	}

	// Persist the run record
	rec := history.RunRecord{
		ID:             result.RunID,
		StartedAt:      start,
		FinishedAt:     time.Now(),
		QuestionCount:  len(p.plan.questions),
		ProviderCount:  len(p.plan.providerIDs),
		TotalQueries:   result.Snapshot.Totals.TotalQueries,
		Succeeded:      result.Snapshot.Totals.SuccessfulQueries,
		Failed:         result.Snapshot.Totals.FailedQueries,
		TotalLatencyMs: totalLatency(result.Results),
		TotalCostUSD:   result.Snapshot.Totals.TotalCostUSD,
		SynthModel:     result.Snapshot.SynthModelUsed,
		ReportPath:     reportPath,
	}
	if err := p.hist.SaveRun(rec, p.plan.questions, result.Results); err != nil {
		p.log.Warnf("failed to record run history: %v", err)
	}

	// Summary
	if isInteractive() {
		displayRunSummaryColored(result, reportPath, runErr)
	} else {
		fmt.Printf("\n=== Run Complete ===\n")
		fmt.Printf("Run: %s\n", result.RunID)
		fmt.Printf("Duration: %s\n", result.Duration.Round(time.Millisecond))
		fmt.Printf("Queries: %d succeeded, %d failed\n",
			result.Snapshot.Totals.SuccessfulQueries, result.Snapshot.Totals.FailedQueries)
		fmt.Printf("Est. cost: $%.4f\n", result.Snapshot.Totals.TotalCostUSD)
		if result.Snapshot.SynthModelUsed != "" {
			fmt.Printf("Synthesis: %s\n", result.Snapshot.SynthModelUsed)
		}
		if reportPath != "" {
			fmt.Printf("Report: %s\n", reportPath)
		}
		if runErr != nil {
			fmt.Printf("Error: %v\n", runErr)
		}
	}

	p.log.InfoCtx("run complete", map[string]any{
		"run_id":      result.RunID,
		"succeeded":   result.Snapshot.Totals.SuccessfulQueries,
		"failed":      result.Snapshot.Totals.FailedQueries,
		"duration_ms": result.Duration.Milliseconds(),
		"cost_usd":    result.Snapshot.Totals.TotalCostUSD,
	})

	if runErr != nil && errors.Is(runErr, synthesis.ErrNoSuccessfulResults) {
		return fmt.Errorf("every query failed: %w", runErr)
	}
	return runErr
}

// collectQuestions merges the questions file with inline -q questions.
// File questions keep their parsed IDs; inline ones continue the q1..qn
// sequence after them.
func collectQuestions(inline []string, file string) ([]providers.Question, error) {
	var questions []providers.Question
	if file != "" {
		qs, err := tasks.LoadQuestions(file)
		if err != nil {
			return nil, err
		}
		questions = qs
	}
	for _, text := range inline {
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		questions = append(questions, providers.Question{
			ID:   fmt.Sprintf("q%d", len(questions)+1),
			Text: text,
		})
	}
	if len(questions) == 0 {
		return nil, fmt.Errorf("no questions given (use --question or --questions-file)")
	}
	return questions, nil
}

// initLogging initializes the logging subsystem.
func initLogging(cfg *config.Config) error {
	return logging.Init(logging.Config{
		Level:         cfg.Logging.Level,
		Format:        cfg.Logging.Format,
		Path:          cfg.Logging.Path,
		RetentionDays: cfg.Logging.RetentionDays,
	})
}

func totalLatency(results []providers.AnswerResult) int64 {
	var total int64
	for _, r := range results {
		total += r.LatencyMs
	}
	return total
}

// truncate shortens s to at most max bytes, ellipsis included, backing
// up so the cut never lands inside a multi-byte rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
