// Package ui provides a terminal UI for watching a research run live.
// Uses Bubbletea for interactive display of query progress and run events.
package ui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/marcus/roundtable/internal/orchestrator"
	"github.com/marcus/roundtable/internal/providers"
)

// Panel represents which panel is currently focused.
type Panel int

const (
	PanelSummary Panel = iota
	PanelQueries
	PanelEvents
)

// TaskStatus represents a query's current state.
type TaskStatus int

const (
	TaskPending TaskStatus = iota
	TaskRunning
	TaskCompleted
	TaskFailed
)

func (s TaskStatus) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskRunning:
		return "running"
	case TaskCompleted:
		return "done"
	case TaskFailed:
		return "failed"
	default:
		return "?"
	}
}

// QueryItem represents one provider query in the query list.
type QueryItem struct {
	Provider   providers.ID
	QuestionID string
	Model      string
	Status     TaskStatus
	LatencyMs  int64
	CostUSD    float64
	Err        string
}

// LogEntry represents an event line.
type LogEntry struct {
	Time    time.Time
	Level   string
	Message string
}

// Model holds the TUI state.
type Model struct {
	// Display state
	width       int
	height      int
	activePanel Panel
	quitting    bool

	// Run summary
	runID     string
	taskCount int
	started   time.Time
	finished  bool
	duration  time.Duration
	runErr    string
	succeeded int
	failed    int
	costUSD   float64

	// Synthesis
	synthRequested bool
	synthRunning   bool
	synthDone      bool
	synthModel     string
	synthErr       string

	// Query list
	queries       []QueryItem
	queryScroll   int
	selectedQuery int

	// Events
	logs      []LogEntry
	logScroll int

	// Progress
	progressTick int

	// Styles
	styles *Styles
}

// Styles holds lipgloss styles for the UI.
type Styles struct {
	// Panel borders
	ActiveBorder   lipgloss.Style
	InactiveBorder lipgloss.Style

	// Text styles
	Title     lipgloss.Style
	Subtitle  lipgloss.Style
	Label     lipgloss.Style
	Value     lipgloss.Style
	Highlight lipgloss.Style
	Muted     lipgloss.Style

	// Status indicators
	StatusOK      lipgloss.Style
	StatusWarn    lipgloss.Style
	StatusError   lipgloss.Style
	StatusRunning lipgloss.Style

	// Query list
	QuerySelected lipgloss.Style
	QueryNormal   lipgloss.Style

	// Log levels
	LogDebug lipgloss.Style
	LogInfo  lipgloss.Style
	LogWarn  lipgloss.Style
	LogError lipgloss.Style

	// Help bar
	HelpKey  lipgloss.Style
	HelpText lipgloss.Style
}

// newStyles creates the default style set.
func newStyles() *Styles {
	subtle := lipgloss.AdaptiveColor{Light: "#666", Dark: "#888"}
	highlight := lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	green := lipgloss.AdaptiveColor{Light: "#22863a", Dark: "#3fb950"}
	yellow := lipgloss.AdaptiveColor{Light: "#b08800", Dark: "#d29922"}
	red := lipgloss.AdaptiveColor{Light: "#cb2431", Dark: "#f85149"}
	blue := lipgloss.AdaptiveColor{Light: "#0366d6", Dark: "#58a6ff"}

	return &Styles{
		ActiveBorder: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(highlight),

		InactiveBorder: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(subtle),

		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(highlight).
			MarginBottom(1),

		Subtitle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.AdaptiveColor{Light: "#333", Dark: "#ccc"}),

		Label: lipgloss.NewStyle().
			Foreground(subtle),

		Value: lipgloss.NewStyle().
			Bold(true),

		Highlight: lipgloss.NewStyle().
			Foreground(highlight).
			Bold(true),

		Muted: lipgloss.NewStyle().
			Foreground(subtle),

		StatusOK: lipgloss.NewStyle().
			Foreground(green).
			Bold(true),

		StatusWarn: lipgloss.NewStyle().
			Foreground(yellow).
			Bold(true),

		StatusError: lipgloss.NewStyle().
			Foreground(red).
			Bold(true),

		StatusRunning: lipgloss.NewStyle().
			Foreground(blue).
			Bold(true),

		QuerySelected: lipgloss.NewStyle().
			Background(highlight).
			Foreground(lipgloss.Color("#fff")).
			Bold(true),

		QueryNormal: lipgloss.NewStyle(),

		LogDebug: lipgloss.NewStyle().Foreground(subtle),
		LogInfo:  lipgloss.NewStyle().Foreground(blue),
		LogWarn:  lipgloss.NewStyle().Foreground(yellow),
		LogError: lipgloss.NewStyle().Foreground(red),

		HelpKey: lipgloss.NewStyle().
			Foreground(highlight).
			Bold(true),

		HelpText: lipgloss.NewStyle().
			Foreground(subtle),
	}
}

// tickMsg is sent periodically to update the UI.
type tickMsg time.Time

// New creates a new TUI model.
func New() *Model {
	return &Model{
		width:       80,
		height:      24,
		activePanel: PanelSummary,
		queries:     make([]QueryItem, 0),
		logs:        make([]LogEntry, 0),
		styles:      newStyles(),
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tickCmd(),
		tea.EnterAltScreen,
	)
}

// tickCmd returns a command that ticks every second.
func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tickMsg:
		m.progressTick++
		return m, tickCmd()

	case orchestrator.Event:
		m.applyEvent(msg)
		if msg.Type == orchestrator.EventRunEnd {
			// The run command prints the report after the alt screen
			// closes, so there is nothing left to watch here.
			return m, tea.Quit
		}
		return m, nil
	}

	return m, nil
}

// applyEvent folds an orchestrator event into the view state.
func (m *Model) applyEvent(ev orchestrator.Event) {
	switch ev.Type {
	case orchestrator.EventRunStart:
		m.runID = ev.RunID
		m.taskCount = ev.TaskCount
		m.started = ev.Time
		m.AddLog("info", fmt.Sprintf("run %s started: %d queries", shortID(ev.RunID), ev.TaskCount))

	case orchestrator.EventTaskStart:
		q := m.upsertQuery(ev.Provider, ev.QuestionID)
		q.Status = TaskRunning
		q.Model = ev.Model

	case orchestrator.EventTaskEnd:
		q := m.upsertQuery(ev.Provider, ev.QuestionID)
		q.LatencyMs = ev.LatencyMs
		q.CostUSD = ev.CostUSD
		if ev.Model != "" {
			q.Model = ev.Model
		}
		if ev.Error != "" {
			q.Status = TaskFailed
			q.Err = ev.Error
			m.failed++
			m.AddLog("error", fmt.Sprintf("%s %s: %s", ev.Provider, ev.QuestionID, ev.Error))
		} else {
			q.Status = TaskCompleted
			m.succeeded++
			m.costUSD += ev.CostUSD
			m.AddLog("info", fmt.Sprintf("%s %s answered in %dms", ev.Provider, ev.QuestionID, ev.LatencyMs))
		}

	case orchestrator.EventRateLimit:
		m.AddLog("warn", fmt.Sprintf("%s rate limited, dispatch interval now %s", ev.Provider, ev.Interval))

	case orchestrator.EventSynthesisStart:
		m.synthRequested = true
		m.synthRunning = true
		m.synthModel = fmt.Sprintf("%s/%s", ev.Provider, ev.Model)
		m.AddLog("info", "synthesizing with "+m.synthModel)

	case orchestrator.EventSynthesisEnd:
		m.synthRunning = false
		m.synthDone = true
		if ev.Error != "" {
			m.synthErr = ev.Error
			m.AddLog("warn", "synthesis failed: "+ev.Error)
		} else {
			m.costUSD += ev.CostUSD
			m.AddLog("info", fmt.Sprintf("synthesis finished in %dms", ev.LatencyMs))
		}

	case orchestrator.EventRunEnd:
		m.finished = true
		m.duration = ev.Duration
		m.succeeded = ev.Succeeded
		m.failed = ev.Failed
		m.runErr = ev.Error
	}
}

// upsertQuery finds the row for a provider/question pair, creating it
// if the orchestrator never announced a start for it.
func (m *Model) upsertQuery(provider providers.ID, questionID string) *QueryItem {
	for i := range m.queries {
		if m.queries[i].Provider == provider && m.queries[i].QuestionID == questionID {
			return &m.queries[i]
		}
	}
	m.queries = append(m.queries, QueryItem{Provider: provider, QuestionID: questionID})
	return &m.queries[len(m.queries)-1]
}

// handleKey processes keyboard input.
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case "tab", "right", "l":
		m.activePanel = (m.activePanel + 1) % 3
		return m, nil

	case "shift+tab", "left", "h":
		m.activePanel = (m.activePanel + 2) % 3
		return m, nil

	case "up", "k":
		return m.handleUp(), nil

	case "down", "j":
		return m.handleDown(), nil

	case "home", "g":
		return m.handleHome(), nil

	case "end", "G":
		return m.handleEnd(), nil
	}

	return m, nil
}

// handleUp handles up arrow / k key.
func (m Model) handleUp() Model {
	switch m.activePanel {
	case PanelQueries:
		if m.selectedQuery > 0 {
			m.selectedQuery--
		}
	case PanelEvents:
		if m.logScroll > 0 {
			m.logScroll--
		}
	}
	return m
}

// handleDown handles down arrow / j key.
func (m Model) handleDown() Model {
	switch m.activePanel {
	case PanelQueries:
		if m.selectedQuery < len(m.queries)-1 {
			m.selectedQuery++
		}
	case PanelEvents:
		maxScroll := len(m.logs) - 1
		if m.logScroll < maxScroll {
			m.logScroll++
		}
	}
	return m
}

// handleHome handles home / g key.
func (m Model) handleHome() Model {
	switch m.activePanel {
	case PanelQueries:
		m.selectedQuery = 0
	case PanelEvents:
		m.logScroll = 0
	}
	return m
}

// handleEnd handles end / G key.
func (m Model) handleEnd() Model {
	switch m.activePanel {
	case PanelQueries:
		if len(m.queries) > 0 {
			m.selectedQuery = len(m.queries) - 1
		}
	case PanelEvents:
		if len(m.logs) > 0 {
			m.logScroll = len(m.logs) - 1
		}
	}
	return m
}

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	// Calculate panel dimensions
	topHeight := m.height / 2
	bottomHeight := m.height - topHeight - 3 // -3 for help bar and padding
	leftWidth := m.width / 2
	rightWidth := m.width - leftWidth

	// Build panels
	summaryPanel := m.renderSummaryPanel(leftWidth-2, topHeight-2)
	queryPanel := m.renderQueryPanel(rightWidth-2, topHeight-2)
	eventPanel := m.renderEventPanel(m.width-2, bottomHeight-2)

	// Apply borders
	summaryBorder := m.getBorder(PanelSummary).Width(leftWidth - 2).Height(topHeight - 2)
	queryBorder := m.getBorder(PanelQueries).Width(rightWidth - 2).Height(topHeight - 2)
	eventBorder := m.getBorder(PanelEvents).Width(m.width - 2).Height(bottomHeight - 2)

	// Layout
	topRow := lipgloss.JoinHorizontal(
		lipgloss.Top,
		summaryBorder.Render(summaryPanel),
		queryBorder.Render(queryPanel),
	)

	helpBar := m.renderHelpBar()

	return lipgloss.JoinVertical(
		lipgloss.Left,
		topRow,
		eventBorder.Render(eventPanel),
		helpBar,
	)
}

// getBorder returns the appropriate border style for a panel.
func (m Model) getBorder(panel Panel) lipgloss.Style {
	if m.activePanel == panel {
		return m.styles.ActiveBorder
	}
	return m.styles.InactiveBorder
}

// renderSummaryPanel renders the run summary panel content.
func (m Model) renderSummaryPanel(width, height int) string {
	var b strings.Builder

	// Title
	b.WriteString(m.styles.Title.Render("Roundtable Run"))
	b.WriteString("\n\n")

	// Run ID
	b.WriteString(m.styles.Label.Render("Run: "))
	if m.runID != "" {
		b.WriteString(m.styles.Value.Render(shortID(m.runID)))
	} else {
		b.WriteString(m.styles.Muted.Render("starting"))
	}
	b.WriteString("\n")

	// Run state
	b.WriteString(m.styles.Label.Render("State: "))
	switch {
	case !m.finished:
		b.WriteString(m.styles.StatusRunning.Render("Running " + m.spinner()))
	case m.runErr != "":
		b.WriteString(m.styles.StatusError.Render("Failed"))
	default:
		b.WriteString(m.styles.StatusOK.Render("Finished"))
	}
	b.WriteString("\n\n")

	// Query progress
	settled := m.settledQueries()
	total := m.taskCount
	if total == 0 {
		total = len(m.queries)
	}
	b.WriteString(m.styles.Label.Render("Queries: "))
	b.WriteString(m.styles.Value.Render(fmt.Sprintf("%d/%d done", settled, total)))
	b.WriteString("\n")
	pct := 0
	if total > 0 {
		pct = settled * 100 / total
	}
	b.WriteString(m.renderProgressBar(pct, width-4))
	b.WriteString("\n\n")

	// Outcome counts
	b.WriteString(m.styles.Label.Render("Succeeded: "))
	b.WriteString(m.styles.StatusOK.Render(fmt.Sprintf("%d", m.succeeded)))
	b.WriteString("   ")
	b.WriteString(m.styles.Label.Render("Failed: "))
	failedStyle := m.styles.Muted
	if m.failed > 0 {
		failedStyle = m.styles.StatusError
	}
	b.WriteString(failedStyle.Render(fmt.Sprintf("%d", m.failed)))
	b.WriteString("\n\n")

	// Cost
	b.WriteString(m.styles.Label.Render("Est. Cost: "))
	b.WriteString(m.styles.Value.Render(fmt.Sprintf("$%.4f", m.costUSD)))
	b.WriteString("\n")

	// Elapsed
	b.WriteString(m.styles.Label.Render("Elapsed: "))
	switch {
	case m.finished:
		b.WriteString(m.styles.Value.Render(formatDuration(m.duration)))
	case !m.started.IsZero():
		b.WriteString(m.styles.Value.Render(formatDuration(time.Since(m.started))))
	default:
		b.WriteString(m.styles.Muted.Render("-"))
	}
	b.WriteString("\n\n")

	// Synthesis
	b.WriteString(m.styles.Label.Render("Synthesis: "))
	switch {
	case m.synthRunning:
		b.WriteString(m.styles.StatusRunning.Render(m.spinner() + " " + m.synthModel))
	case m.synthErr != "":
		b.WriteString(m.styles.StatusError.Render("failed: " + m.synthErr))
	case m.synthDone:
		b.WriteString(m.styles.StatusOK.Render("done (" + m.synthModel + ")"))
	case m.synthRequested:
		b.WriteString(m.styles.Muted.Render("waiting (" + m.synthModel + ")"))
	default:
		b.WriteString(m.styles.Muted.Render("not requested"))
	}

	return b.String()
}

// settledQueries counts rows that have reached a terminal state.
func (m Model) settledQueries() int {
	n := 0
	for _, q := range m.queries {
		if q.Status == TaskCompleted || q.Status == TaskFailed {
			n++
		}
	}
	return n
}

// renderProgressBar renders a progress bar.
func (m Model) renderProgressBar(pct, width int) string {
	if width < 10 {
		width = 10
	}

	filled := width * pct / 100
	if filled > width {
		filled = width
	}

	bar := strings.Repeat("=", filled) + strings.Repeat("-", width-filled)

	// Blue while in flight, green once everything settled
	style := m.styles.StatusRunning
	if pct >= 100 {
		style = m.styles.StatusOK
	}

	return "[" + style.Render(bar) + "]"
}

// renderQueryPanel renders the query list panel.
func (m Model) renderQueryPanel(width, height int) string {
	var b strings.Builder

	// Title
	b.WriteString(m.styles.Title.Render("Queries"))
	b.WriteString("\n\n")

	if len(m.queries) == 0 {
		b.WriteString(m.styles.Muted.Render("No queries yet"))
		return b.String()
	}

	// Calculate visible rows
	visibleRows := height - 4 // Account for title and padding
	if visibleRows < 1 {
		visibleRows = 1
	}

	// Adjust scroll if selected row is out of view
	if m.selectedQuery < m.queryScroll {
		m.queryScroll = m.selectedQuery
	} else if m.selectedQuery >= m.queryScroll+visibleRows {
		m.queryScroll = m.selectedQuery - visibleRows + 1
	}

	// Render visible rows
	for i := m.queryScroll; i < len(m.queries) && i < m.queryScroll+visibleRows; i++ {
		q := m.queries[i]

		// Status indicator
		var statusIcon string
		var statusStyle lipgloss.Style
		switch q.Status {
		case TaskPending:
			statusIcon = "o"
			statusStyle = m.styles.Muted
		case TaskRunning:
			statusIcon = m.spinner()
			statusStyle = m.styles.StatusRunning
		case TaskCompleted:
			statusIcon = "*"
			statusStyle = m.styles.StatusOK
		case TaskFailed:
			statusIcon = "x"
			statusStyle = m.styles.StatusError
		}

		// Build query line
		line := fmt.Sprintf(" %s %s %s", statusStyle.Render(statusIcon), q.Provider, q.QuestionID)

		// Highlight selected row
		if i == m.selectedQuery && m.activePanel == PanelQueries {
			line = m.styles.QuerySelected.Render(line)
		}

		// Add outcome detail
		switch q.Status {
		case TaskRunning:
			if q.Model != "" {
				line += m.styles.Muted.Render(" " + q.Model)
			}
		case TaskCompleted:
			line += m.styles.Muted.Render(fmt.Sprintf(" %dms $%.4f", q.LatencyMs, q.CostUSD))
		case TaskFailed:
			errText := q.Err
			if len(errText) > 40 {
				errText = errText[:37] + "..."
			}
			line += m.styles.StatusError.Render(" " + errText)
		}

		b.WriteString(line)
		b.WriteString("\n")
	}

	// Scroll indicator
	if len(m.queries) > visibleRows {
		scrollInfo := fmt.Sprintf(" [%d/%d]", m.queryScroll+1, len(m.queries))
		b.WriteString(m.styles.Muted.Render(scrollInfo))
	}

	return b.String()
}

// spinner returns a spinner character based on the current tick.
func (m Model) spinner() string {
	frames := []string{"|", "/", "-", "\\"}
	return frames[m.progressTick%len(frames)]
}

// renderEventPanel renders the event log panel.
func (m Model) renderEventPanel(width, height int) string {
	var b strings.Builder

	// Title
	b.WriteString(m.styles.Title.Render("Events"))
	b.WriteString("\n\n")

	if len(m.logs) == 0 {
		b.WriteString(m.styles.Muted.Render("No events yet"))
		return b.String()
	}

	// Calculate visible logs
	visibleLogs := height - 4
	if visibleLogs < 1 {
		visibleLogs = 1
	}

	// Render visible logs
	start := m.logScroll
	if start+visibleLogs > len(m.logs) {
		start = len(m.logs) - visibleLogs
		if start < 0 {
			start = 0
		}
	}

	for i := start; i < len(m.logs) && i < start+visibleLogs; i++ {
		entry := m.logs[i]

		// Time
		timeStr := entry.Time.Format("15:04:05")

		// Level with color
		var levelStyle lipgloss.Style
		switch entry.Level {
		case "debug":
			levelStyle = m.styles.LogDebug
		case "info":
			levelStyle = m.styles.LogInfo
		case "warn":
			levelStyle = m.styles.LogWarn
		case "error":
			levelStyle = m.styles.LogError
		default:
			levelStyle = m.styles.Muted
		}

		// Truncate message if needed
		maxMsgLen := width - 20
		msg := entry.Message
		if len(msg) > maxMsgLen && maxMsgLen > 3 {
			msg = msg[:maxMsgLen-3] + "..."
		}

		line := fmt.Sprintf("%s %s %s",
			m.styles.Muted.Render(timeStr),
			levelStyle.Render(fmt.Sprintf("[%-5s]", entry.Level)),
			msg,
		)

		b.WriteString(line)
		b.WriteString("\n")
	}

	// Scroll indicator
	if len(m.logs) > visibleLogs {
		scrollInfo := fmt.Sprintf(" [%d/%d]", m.logScroll+1, len(m.logs))
		b.WriteString(m.styles.Muted.Render(scrollInfo))
	}

	return b.String()
}

// renderHelpBar renders the help bar at the bottom.
func (m Model) renderHelpBar() string {
	helpItems := []struct {
		key  string
		desc string
	}{
		{"tab", "switch panel"},
		{"j/k", "up/down"},
		{"q", "quit"},
	}

	var parts []string
	for _, item := range helpItems {
		parts = append(parts, fmt.Sprintf("%s %s",
			m.styles.HelpKey.Render(item.key),
			m.styles.HelpText.Render(item.desc),
		))
	}

	return "  " + strings.Join(parts, "  |  ")
}

// formatDuration formats a run-scale duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return d.Truncate(time.Second).String()
}

// shortID trims a run ID to its leading segment for display.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// SetSynthesis records up front whether the run will end with a
// synthesis pass, and under which model label.
func (m *Model) SetSynthesis(requested bool, model string) {
	m.synthRequested = requested
	m.synthModel = model
}

// AddQuery adds a query row to the list.
func (m *Model) AddQuery(q QueryItem) {
	m.queries = append(m.queries, q)
}

// AddLog adds an event line.
func (m *Model) AddLog(level, message string) {
	m.logs = append(m.logs, LogEntry{
		Time:    time.Now(),
		Level:   level,
		Message: message,
	})
	// Auto-scroll to bottom if not actively scrolling
	if m.logScroll == len(m.logs)-2 || len(m.logs) == 1 {
		m.logScroll = len(m.logs) - 1
	}
}

// Program wraps the model in a Bubbletea program without starting it.
// The run command feeds orchestrator events in with Send and then
// blocks on the program's Run.
func (m *Model) Program() *tea.Program {
	return tea.NewProgram(m, tea.WithAltScreen())
}
