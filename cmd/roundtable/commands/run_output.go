package commands

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/marcus/roundtable/internal/budget"
	"github.com/marcus/roundtable/internal/orchestrator"
)

// runStyles holds lipgloss styles for colored run output.
type runStyles struct {
	Title   lipgloss.Style
	Phase   lipgloss.Style
	Label   lipgloss.Style
	Value   lipgloss.Style
	Muted   lipgloss.Style
	Warn    lipgloss.Style
	Error   lipgloss.Style
	Success lipgloss.Style
	Accent  lipgloss.Style
}

func newRunStyles() runStyles {
	return runStyles{
		Title:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("69")),
		Phase:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("81")),
		Label:   lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		Value:   lipgloss.NewStyle().Foreground(lipgloss.Color("252")),
		Muted:   lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		Warn:    lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		Error:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196")),
		Success: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42")),
		Accent:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("81")),
	}
}

// asyncSpinner renders a braille spinner on the current line using \r.
type asyncSpinner struct {
	mu      sync.Mutex
	label   string
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

func newAsyncSpinner() *asyncSpinner {
	return &asyncSpinner{}
}

func (s *asyncSpinner) start(label string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.label = label
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.run()
}

func (s *asyncSpinner) run() {
	defer close(s.doneCh)
	idx := 0
	ticker := time.NewTicker(80 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			// Clear the spinner line; protect label read
			s.mu.Lock()
			clearLen := len(s.label) + 4
			s.mu.Unlock()
			fmt.Printf("\r%s\r", strings.Repeat(" ", clearLen))
			return
		case <-ticker.C:
			s.mu.Lock()
			label := s.label
			s.mu.Unlock()
			frame := spinnerFrames[idx%len(spinnerFrames)]
			fmt.Printf("\r  %s %s", frame, label)
			idx++
		}
	}
}

func (s *asyncSpinner) stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()
	close(s.stopCh)
	<-s.doneCh
}

// liveRenderer handles orchestrator events and renders colored output for
// --plain interactive terminals. Task events arrive from concurrent
// dispatch goroutines; the mutex serializes the printed lines. The
// spinner has its own synchronization.
type liveRenderer struct {
	mu      sync.Mutex
	styles  runStyles
	spinner *asyncSpinner
	total   int
	settled int
}

func newLiveRenderer() *liveRenderer {
	return &liveRenderer{
		styles:  newRunStyles(),
		spinner: newAsyncSpinner(),
	}
}

// cleanup stops the spinner if still running. Safe to call multiple times.
func (r *liveRenderer) cleanup() {
	r.spinner.stop()
}

// HandleEvent processes an orchestrator event and renders it to the terminal.
func (r *liveRenderer) HandleEvent(e orchestrator.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch e.Type {
	case orchestrator.EventRunStart:
		r.total = e.TaskCount
		r.settled = 0
		fmt.Printf("\n%s %s %s\n",
			r.styles.Accent.Render(">>>"),
			r.styles.Title.Render(fmt.Sprintf("Run %s", shortRunID(e.RunID))),
			r.styles.Muted.Render(fmt.Sprintf("(%d queries)", e.TaskCount)))
		r.spinner.start(r.progressLabel())

	case orchestrator.EventTaskEnd:
		r.settled++
		r.spinner.stop()
		target := fmt.Sprintf("%s %s", e.Provider, e.QuestionID)
		if e.Error != "" {
			fmt.Printf("  %s %s %s\n",
				r.styles.Error.Render("FAILED"),
				r.styles.Value.Render(target),
				r.styles.Muted.Render(e.Error))
		} else {
			fmt.Printf("  %s %s %s\n",
				r.styles.Success.Render("OK"),
				r.styles.Value.Render(target),
				r.styles.Muted.Render(fmt.Sprintf("(%dms, $%.4f)", e.LatencyMs, e.CostUSD)))
		}
		if r.settled < r.total {
			r.spinner.start(r.progressLabel())
		}

	case orchestrator.EventRateLimit:
		r.spinner.stop()
		fmt.Printf("  %s %s\n",
			r.styles.Warn.Render("RATE LIMITED"),
			r.styles.Muted.Render(fmt.Sprintf("%s, dispatch interval now %s", e.Provider, e.Interval)))
		if r.settled < r.total {
			r.spinner.start(r.progressLabel())
		}

	case orchestrator.EventSynthesisStart:
		r.spinner.stop()
		fmt.Printf("  %s %s\n",
			r.styles.Phase.Render("SYNTHESIZING"),
			r.styles.Muted.Render(fmt.Sprintf("via %s/%s", e.Provider, e.Model)))
		r.spinner.start("merging answers")

	case orchestrator.EventSynthesisEnd:
		r.spinner.stop()
		if e.Error != "" {
			fmt.Printf("  %s %s\n",
				r.styles.Warn.Render("SYNTHESIS FAILED"),
				r.styles.Muted.Render(e.Error))
		} else {
			fmt.Printf("  %s %s\n",
				r.styles.Success.Render("SYNTHESIZED"),
				r.styles.Muted.Render(fmt.Sprintf("(%dms, $%.4f)", e.LatencyMs, e.CostUSD)))
		}

	case orchestrator.EventRunEnd:
		r.spinner.stop()
	}
}

func (r *liveRenderer) progressLabel() string {
	return fmt.Sprintf("%d/%d queries settled", r.settled, r.total)
}

// eventPrinter writes one plain line per event, for non-TTY contexts.
type eventPrinter struct {
	mu sync.Mutex
	w  io.Writer
}

func newEventPrinter(w io.Writer) *eventPrinter {
	return &eventPrinter{w: w}
}

// HandleEvent writes the event as a plain line.
func (p *eventPrinter) HandleEvent(e orchestrator.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch e.Type {
	case orchestrator.EventRunStart:
		fmt.Fprintf(p.w, "run %s started: %d queries\n", e.RunID, e.TaskCount)
	case orchestrator.EventTaskStart:
		fmt.Fprintf(p.w, "query %s/%s started (%s)\n", e.Provider, e.QuestionID, e.Model)
	case orchestrator.EventTaskEnd:
		if e.Error != "" {
			fmt.Fprintf(p.w, "query %s/%s failed: %s\n", e.Provider, e.QuestionID, e.Error)
		} else {
			fmt.Fprintf(p.w, "query %s/%s ok (%dms, $%.4f)\n", e.Provider, e.QuestionID, e.LatencyMs, e.CostUSD)
		}
	case orchestrator.EventRateLimit:
		fmt.Fprintf(p.w, "rate limited: %s, dispatch interval now %s\n", e.Provider, e.Interval)
	case orchestrator.EventSynthesisStart:
		fmt.Fprintf(p.w, "synthesis started via %s/%s\n", e.Provider, e.Model)
	case orchestrator.EventSynthesisEnd:
		if e.Error != "" {
			fmt.Fprintf(p.w, "synthesis failed: %s\n", e.Error)
		} else {
			fmt.Fprintf(p.w, "synthesis finished (%dms, $%.4f)\n", e.LatencyMs, e.CostUSD)
		}
	case orchestrator.EventRunEnd:
		fmt.Fprintf(p.w, "run %s finished: %d succeeded, %d failed (%s)\n",
			e.RunID, e.Succeeded, e.Failed, e.Duration.Round(time.Millisecond))
	}
}

// displayPreflightColored renders the preflight summary with colors.
func displayPreflightColored(plan *runPlan) {
	s := newRunStyles()
	hr := strings.Repeat("─", 40)

	fmt.Println()
	fmt.Println(s.Title.Render("Preflight Summary"))
	fmt.Println(s.Muted.Render(hr))

	fmt.Printf("  %s\n", s.Phase.Render(fmt.Sprintf("Providers (%d)", len(plan.perProvider))))
	for _, pp := range plan.perProvider {
		if pp.configured {
			fmt.Printf("    %s %s %s\n",
				s.Accent.Render("●"),
				s.Value.Render(string(pp.id)),
				s.Muted.Render(fmt.Sprintf("(%s, ~$%.4f)", pp.model, pp.estUSD)))
		} else {
			fmt.Printf("    %s %s %s\n",
				s.Warn.Render("●"),
				s.Label.Render(string(pp.id)),
				s.Muted.Render("(not configured, queries will fail)"))
		}
	}

	fmt.Printf("\n  %s\n", s.Phase.Render(fmt.Sprintf("Questions (%d)", len(plan.questions))))
	for _, q := range plan.questions {
		fmt.Printf("    %s %s %s\n",
			s.Accent.Render("●"),
			s.Label.Render(q.ID+":"),
			s.Value.Render(truncate(q.Text, 70)))
	}

	fmt.Println()
	fmt.Printf("  %s %s\n",
		s.Label.Render("Queries:"),
		s.Value.Render(fmt.Sprintf("%d (%d providers x %d questions)",
			len(plan.perProvider)*len(plan.questions), len(plan.perProvider), len(plan.questions))))

	if plan.synthesize {
		fmt.Printf("  %s %s\n", s.Label.Render("Synthesis:"), s.Value.Render(plan.synthTarget))
	} else {
		fmt.Printf("  %s %s\n", s.Label.Render("Synthesis:"), s.Muted.Render("off (answers aggregated verbatim)"))
	}

	if plan.budgetMode == budget.ModeOff {
		fmt.Printf("  %s %s\n",
			s.Label.Render("Budget:"),
			s.Value.Render(fmt.Sprintf("off, est. cost ~$%.4f", plan.estCost)))
	} else {
		fmt.Printf("  %s %s\n",
			s.Label.Render("Budget:"),
			s.Value.Render(fmt.Sprintf("%s, $%.2f cap, est. cost ~$%.4f", plan.budgetMode, plan.budgetCap, plan.estCost)))
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
		fmt.Printf("\n  %s\n", s.Warn.Render("Warnings:"))
		for _, warning := range warnings {
			fmt.Printf("    %s %s\n", s.Warn.Render("●"), s.Warn.Render(warning))
		}
	}

	fmt.Println(s.Muted.Render(hr))
	fmt.Println()
}

// displayRunSummaryColored renders the final run summary with colors.
func displayRunSummaryColored(result *orchestrator.RunResult, reportPath string, runErr error) {
	s := newRunStyles()
	hr := strings.Repeat("─", 40)
	totals := result.Snapshot.Totals

	fmt.Println()
	fmt.Println(s.Muted.Render(hr))
	fmt.Println(s.Title.Render("Run Complete"))
	fmt.Printf("  %s %s\n", s.Label.Render("Run:"), s.Value.Render(result.RunID))
	fmt.Printf("  %s %s\n", s.Label.Render("Duration:"), s.Value.Render(result.Duration.Round(time.Millisecond).String()))

	statusStyle := s.Success
	if totals.SuccessfulQueries == 0 && totals.FailedQueries > 0 {
		statusStyle = s.Error
	} else if totals.FailedQueries > 0 {
		statusStyle = s.Warn
	}
	fmt.Printf("  %s %s\n", s.Label.Render("Queries:"),
		statusStyle.Render(fmt.Sprintf("%d succeeded, %d failed", totals.SuccessfulQueries, totals.FailedQueries)))
	fmt.Printf("  %s %s\n", s.Label.Render("Est. cost:"), s.Value.Render(fmt.Sprintf("$%.4f", totals.TotalCostUSD)))

	if result.Snapshot.SynthModelUsed != "" {
		fmt.Printf("  %s %s\n", s.Label.Render("Synthesis:"), s.Value.Render(result.Snapshot.SynthModelUsed))
	}
	if reportPath != "" {
		fmt.Printf("  %s %s\n", s.Label.Render("Report:"), s.Value.Render(reportPath))
	}
	if runErr != nil {
		fmt.Printf("  %s %s\n", s.Label.Render("Error:"), s.Error.Render(runErr.Error()))
	}
	fmt.Println()
}

// shortRunID trims a UUID down to its first block for display.
func shortRunID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
