package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/airframesio/dataset-exporter/cmd/export"
)

const recentChunkLines = 5

type planMsg struct {
	timestamp string
	chunks    int
}

type chunkDoneMsg struct {
	outcome export.ChunkOutcome
}

type runDoneMsg struct{}

type logLineMsg string

var (
	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#626262")).
			Margin(0, 2)

	stageStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#04B575")).
			Margin(0, 2)

	tableHeaderStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#FFAA00")).
				Bold(true).
				Margin(0, 2)

	progressInfoStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#888888")).
				Margin(0, 2)

	failedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF5F87"))
)

// exportProgressModel renders chunk completion for one export or resume run.
type exportProgressModel struct {
	command   string
	timestamp string
	total     int
	completed int
	failed    int
	records   int
	recent    []string
	messages  []string
	spinner   spinner.Model
	bar       progress.Model
	width     int
	startTime time.Time
	finished  bool
	cancel    context.CancelFunc
}

func newExportProgressModel(command string, cancel context.CancelFunc) exportProgressModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return exportProgressModel{
		command:   command,
		spinner:   s,
		bar:       progress.New(progress.WithScaledGradient("#FF7CCB", "#FDFF8C"), progress.WithWidth(60)),
		startTime: time.Now(),
		cancel:    cancel,
	}
}

func (m exportProgressModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m exportProgressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			if m.cancel != nil {
				m.cancel()
			}
			m.messages = appendBounded(m.messages, "⚠️  Interrupt received, finishing started chunks...", recentChunkLines)
		}
		return m, nil
	case tea.WindowSizeMsg:
		m.width = msg.Width
		if msg.Width > 20 {
			m.bar.Width = msg.Width - 10
		}
		return m, nil
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case planMsg:
		m.timestamp = msg.timestamp
		m.total = msg.chunks
		return m, nil
	case chunkDoneMsg:
		return m.handleChunkDone(msg.outcome), nil
	case logLineMsg:
		m.messages = appendBounded(m.messages, string(msg), recentChunkLines)
		return m, nil
	case runDoneMsg:
		m.finished = true
		return m, tea.Quit
	}
	return m, nil
}

func (m exportProgressModel) handleChunkDone(o export.ChunkOutcome) exportProgressModel {
	var line string
	if o.Err != nil {
		m.failed++
		line = failedStyle.Render(fmt.Sprintf("❌ chunk %04d: %v", o.Spec.Number, o.Err))
	} else {
		m.completed++
		m.records += o.Spec.Count
		line = fmt.Sprintf("✅ chunk %04d: %d records (%v)", o.Spec.Number, o.Spec.Count, o.Duration.Round(time.Millisecond))
	}
	m.recent = appendBounded(m.recent, line, recentChunkLines)
	return m
}

func (m exportProgressModel) fraction() float64 {
	if m.total == 0 {
		return 0
	}
	return float64(m.completed+m.failed) / float64(m.total)
}

func (m exportProgressModel) View() string {
	if m.finished {
		return ""
	}

	var sections []string
	sections = append(sections, "", titleStyle.Render(fmt.Sprintf("   Dataset Exporter %s", Version)), "")

	sections = append(sections, helpStyle.Render("   Log:"))
	if len(m.messages) == 0 {
		sections = append(sections, "     (waiting for operations...)")
	}
	for _, msg := range m.messages {
		sections = append(sections, "     "+msg)
	}
	sections = append(sections, "")

	if m.timestamp == "" {
		sections = append(sections, stageStyle.Render(fmt.Sprintf("   %s Counting records...", m.spinner.View())))
	} else {
		sections = append(sections, tableHeaderStyle.Render(fmt.Sprintf("   %s %s", strings.ToUpper(m.command[:1])+m.command[1:], m.timestamp)), "")
		sections = append(sections, progressInfoStyle.Render(fmt.Sprintf("   Chunks: %d/%d done, %d failed, %d records written",
			m.completed+m.failed, m.total, m.failed, m.records)))
		sections = append(sections, "   "+m.bar.ViewAs(m.fraction()))
		sections = append(sections, "", stageStyle.Render(fmt.Sprintf("   %s Elapsed %v", m.spinner.View(), time.Since(m.startTime).Round(time.Second))), "")
		for _, line := range m.recent {
			sections = append(sections, "   "+line)
		}
	}

	sections = append(sections, "", helpStyle.Render("   Press Ctrl+C or 'q' to stop after in-flight chunks"))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func appendBounded(lines []string, line string, max int) []string {
	lines = append(lines, line)
	if len(lines) > max {
		lines = lines[len(lines)-max:]
	}
	return lines
}

// progressReporter receives plan and chunk events from a running export.
type progressReporter interface {
	Plan(timestamp string, chunks int)
	ChunkDone(o export.ChunkOutcome)
	Close()
}

// taskTracker mirrors progress into the task status file.
type taskTracker struct {
	mu   sync.Mutex
	info *TaskInfo
}

func newTaskTracker(command string) *taskTracker {
	return &taskTracker{info: &TaskInfo{
		PID:         os.Getpid(),
		StartTime:   time.Now(),
		Command:     command,
		CurrentStep: "Counting records",
	}}
}

func (t *taskTracker) plan(timestamp string, chunks int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.info.ExportTimestamp = timestamp
	t.info.TotalChunks = chunks
	t.info.CurrentStep = "Exporting chunks"
	_ = WriteTaskInfo(t.info)
}

func (t *taskTracker) chunkDone(o export.ChunkOutcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if o.Err != nil {
		t.info.FailedChunks++
	} else {
		t.info.CompletedChunks++
	}
	_ = WriteTaskInfo(t.info)
}

// logReporter is used in debug mode, for structured log formats and when
// stdout is not a terminal.
type logReporter struct {
	tracker *taskTracker
	logger  *slog.Logger

	mu   sync.Mutex
	done int
	all  int
}

func (r *logReporter) Plan(timestamp string, chunks int) {
	r.tracker.plan(timestamp, chunks)
	r.mu.Lock()
	r.all = chunks
	r.mu.Unlock()
}

func (r *logReporter) ChunkDone(o export.ChunkOutcome) {
	r.tracker.chunkDone(o)
	r.mu.Lock()
	r.done++
	done, all := r.done, r.all
	r.mu.Unlock()
	r.logger.Info(fmt.Sprintf("📊 Progress: %d/%d chunks", done, all))
}

func (r *logReporter) Close() {}

// tuiReporter drives an exportProgressModel in a bubbletea program.
type tuiReporter struct {
	tracker *taskTracker
	program *tea.Program
	done    chan struct{}
}

func newTUIReporter(tracker *taskTracker, command string, cancel context.CancelFunc) *tuiReporter {
	r := &tuiReporter{
		tracker: tracker,
		program: tea.NewProgram(newExportProgressModel(command, cancel), tea.WithoutSignalHandler()),
		done:    make(chan struct{}),
	}
	go func() {
		defer close(r.done)
		_, _ = r.program.Run()
	}()
	return r
}

func (r *tuiReporter) Plan(timestamp string, chunks int) {
	r.tracker.plan(timestamp, chunks)
	r.program.Send(planMsg{timestamp: timestamp, chunks: chunks})
}

func (r *tuiReporter) ChunkDone(o export.ChunkOutcome) {
	r.tracker.chunkDone(o)
	r.program.Send(chunkDoneMsg{outcome: o})
}

func (r *tuiReporter) Close() {
	r.program.Send(runDoneMsg{})
	<-r.done
}

// Logger returns a logger whose records show up in the TUI log pane.
func (r *tuiReporter) Logger(level slog.Leveler) *slog.Logger {
	return slog.New(&programLogHandler{level: level, send: r.program.Send})
}

// programLogHandler forwards log records to the TUI instead of the terminal
type programLogHandler struct {
	level slog.Leveler
	send  func(tea.Msg)
}

func (h *programLogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *programLogHandler) Handle(_ context.Context, r slog.Record) error {
	h.send(logLineMsg(fmt.Sprintf("%s %s", r.Time.Format("15:04:05"), r.Message)))
	return nil
}

func (h *programLogHandler) WithAttrs(_ []slog.Attr) slog.Handler {
	return h
}

func (h *programLogHandler) WithGroup(_ string) slog.Handler {
	return h
}

// useTUI reports whether the interactive progress display should be used.
func useTUI(config *Config) bool {
	if config.Debug || (config.LogFormat != "" && config.LogFormat != "text") {
		return false
	}
	return isatty.IsTerminal(os.Stdout.Fd())
}

// newReporter picks the progress display for a run. The returned logger is
// the one the export should log through.
func newReporter(config *Config, logger *slog.Logger, command string, cancel context.CancelFunc) (progressReporter, *slog.Logger) {
	tracker := newTaskTracker(command)
	if !useTUI(config) {
		return &logReporter{tracker: tracker, logger: logger}, logger
	}
	r := newTUIReporter(tracker, command, cancel)
	return r, r.Logger(slog.LevelInfo)
}
