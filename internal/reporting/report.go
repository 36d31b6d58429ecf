// Package reporting renders run outcomes as JSON or markdown and writes
// timestamped report files.
package reporting

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/marcus/roundtable/internal/providers"
	"github.com/marcus/roundtable/internal/synthesis"
)

// Format selects the output rendering.
type Format string

const (
	FormatJSON     Format = "json"
	FormatMarkdown Format = "markdown"
	FormatFile     Format = "file"
)

// ErrUnsupportedFormat is returned by ParseFormat for unknown format names.
var ErrUnsupportedFormat = errors.New("unsupported output format")

// ParseFormat validates a format name. The empty string defaults to
// markdown.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatMarkdown:
		return FormatMarkdown, nil
	case FormatJSON:
		return FormatJSON, nil
	case FormatFile:
		return FormatFile, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
	}
}

// Options controls how much detail a rendering includes.
type Options struct {
	IncludeRaw     bool // full per-provider answers
	IncludeMetrics bool // latency and cost breakdown
}

// Input bundles everything a rendering draws from. Results holds the full
// settled set; failures are derived from it.
type Input struct {
	RunID     string
	Questions []providers.Question
	Results   []providers.AnswerResult
	Outcome   *synthesis.Outcome
}

// Report is the JSON envelope.
type Report struct {
	RunID           string                   `json:"runId"`
	GeneratedAt     time.Time                `json:"generatedAt"`
	Questions       []providers.Question     `json:"questions"`
	SynthesizedText string                   `json:"synthesizedText"`
	SynthModelUsed  string                   `json:"synthModelUsed"`
	Failures        []providers.AnswerResult `json:"failures,omitempty"`
	Sources         []providers.AnswerResult `json:"sources,omitempty"`
	Metrics         *synthesis.Metrics       `json:"metrics,omitempty"`
}

// Render produces the report in the given format. FormatFile renders the
// same markdown as FormatMarkdown; writing it somewhere is WriteReport's
// job.
func Render(format Format, in Input, opts Options) (string, error) {
	if in.Outcome == nil {
		return "", fmt.Errorf("no outcome to render")
	}

	switch format {
	case FormatJSON:
		return renderJSON(in, opts)
	case FormatMarkdown, FormatFile:
		return renderMarkdown(in, opts), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

// FilePath returns the report file path for a run finished at ts.
func FilePath(dir string, ts time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("run-%s.md", ts.Format("2006-01-02-150405")))
}

// WriteReport renders the markdown report and writes it under dir, named
// by the outcome timestamp. Returns the written path.
func WriteReport(dir string, in Input, opts Options) (string, error) {
	content, err := Render(FormatMarkdown, in, opts)
	if err != nil {
		return "", err
	}

	path := FilePath(dir, in.Outcome.Timestamp)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating report dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("writing report: %w", err)
	}
	return path, nil
}

func renderJSON(in Input, opts Options) (string, error) {
	report := Report{
		RunID:           in.RunID,
		GeneratedAt:     in.Outcome.Timestamp,
		Questions:       in.Questions,
		SynthesizedText: in.Outcome.SynthesizedText,
		SynthModelUsed:  in.Outcome.SynthModelUsed,
		Failures:        failures(in.Results),
	}
	if opts.IncludeRaw {
		report.Sources = in.Outcome.Sources
	}
	if opts.IncludeMetrics {
		m := in.Outcome.Metrics
		report.Metrics = &m
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding report: %w", err)
	}
	return string(data), nil
}

func renderMarkdown(in Input, opts Options) string {
	out := in.Outcome
	m := out.Metrics

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# Research Run - %s\n\n", out.Timestamp.Format("2006-01-02 15:04"))

	buf.WriteString("## Summary\n")
	fmt.Fprintf(&buf, "- Run: %s\n", in.RunID)
	fmt.Fprintf(&buf, "- Questions: %d\n", len(in.Questions))
	fmt.Fprintf(&buf, "- Queries: %d total, %d succeeded, %d failed\n",
		m.TotalQueries, m.SuccessfulQueries, m.FailedQueries)
	fmt.Fprintf(&buf, "- Synthesis: %s\n", out.SynthModelUsed)
	fmt.Fprintf(&buf, "- Estimated cost: %s\n", formatUSD(m.TotalCostUSD))
	buf.WriteString("\n")

	if len(in.Questions) > 0 {
		buf.WriteString("## Questions\n")
		for _, q := range in.Questions {
			fmt.Fprintf(&buf, "- %s: %s\n", q.ID, q.Text)
		}
		buf.WriteString("\n")
	}

	if strings.HasPrefix(out.SynthModelUsed, "none") {
		buf.WriteString("## Answers\n\n")
	} else {
		buf.WriteString("## Synthesized Answer\n\n")
	}
	buf.WriteString(strings.TrimRight(out.SynthesizedText, "\n"))
	buf.WriteString("\n\n")

	if failed := failures(in.Results); len(failed) > 0 {
		buf.WriteString("## Failures\n")
		for _, r := range failed {
			fmt.Fprintf(&buf, "- %s %s: %s\n", r.Provider, r.QuestionID, r.Err)
		}
		buf.WriteString("\n")
	}

	if opts.IncludeRaw {
		writeSources(&buf, out.Sources)
	}
	if opts.IncludeMetrics {
		writeMetrics(&buf, m)
	}

	return buf.String()
}

func writeSources(buf *bytes.Buffer, sources []providers.AnswerResult) {
	if len(sources) == 0 {
		return
	}
	buf.WriteString("## Sources\n\n")
	for _, r := range sources {
		if r.Model != "" {
			fmt.Fprintf(buf, "### %s (%s) - %s\n\n", r.Provider, r.Model, r.QuestionID)
		} else {
			fmt.Fprintf(buf, "### %s - %s\n\n", r.Provider, r.QuestionID)
		}
		buf.WriteString(strings.TrimRight(r.Content, "\n"))
		buf.WriteString("\n\n")
		if len(r.Citations) > 0 {
			buf.WriteString("Citations:\n")
			for _, c := range r.Citations {
				fmt.Fprintf(buf, "- %s\n", c)
			}
			buf.WriteString("\n")
		}
	}
}

func writeMetrics(buf *bytes.Buffer, m synthesis.Metrics) {
	buf.WriteString("## Metrics\n")
	fmt.Fprintf(buf, "- Total queries: %d\n", m.TotalQueries)
	fmt.Fprintf(buf, "- Succeeded: %d\n", m.SuccessfulQueries)
	fmt.Fprintf(buf, "- Failed: %d\n", m.FailedQueries)
	fmt.Fprintf(buf, "- Total latency: %s\n", formatLatency(m.TotalLatencyMs))
	fmt.Fprintf(buf, "- Average latency: %s\n", formatLatency(m.AvgLatencyMs))
	if len(m.CostByProvider) > 0 {
		buf.WriteString("- Cost by provider:\n")
		names := make([]string, 0, len(m.CostByProvider))
		for name := range m.CostByProvider {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(buf, "  - %s: %s\n", name, formatUSD(m.CostByProvider[name]))
		}
	}
	buf.WriteString("\n")
}

func failures(results []providers.AnswerResult) []providers.AnswerResult {
	var out []providers.AnswerResult
	for _, r := range results {
		if !r.Succeeded() {
			out = append(out, r)
		}
	}
	return out
}

// formatLatency keeps millisecond precision below one second.
func formatLatency(ms int64) string {
	if ms < 1000 {
		return fmt.Sprintf("%dms", ms)
	}
	return fmt.Sprintf("%.1fs", float64(ms)/1000)
}

func formatUSD(usd float64) string {
	return fmt.Sprintf("$%.4f", usd)
}
