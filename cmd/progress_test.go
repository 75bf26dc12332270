package cmd

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/airframesio/dataset-exporter/cmd/export"
)

func updateModel(t *testing.T, m exportProgressModel, msg tea.Msg) exportProgressModel {
	t.Helper()
	next, _ := m.Update(msg)
	pm, ok := next.(exportProgressModel)
	if !ok {
		t.Fatalf("Update returned %T", next)
	}
	return pm
}

func TestExportProgressModel(t *testing.T) {
	t.Run("counting before plan", func(t *testing.T) {
		m := newExportProgressModel("export", nil)
		if !strings.Contains(m.View(), "Counting records") {
			t.Errorf("view before plan should show counting, got:\n%s", m.View())
		}
	})

	t.Run("plan and chunks", func(t *testing.T) {
		m := newExportProgressModel("export", nil)
		m = updateModel(t, m, planMsg{timestamp: "20250101_120000", chunks: 4})
		m = updateModel(t, m, chunkDoneMsg{outcome: export.ChunkOutcome{Spec: export.ChunkSpec{Number: 0, Count: 1000}}})
		m = updateModel(t, m, chunkDoneMsg{outcome: export.ChunkOutcome{Spec: export.ChunkSpec{Number: 1, Count: 1000}, Err: errors.New("boom")}})

		if m.completed != 1 || m.failed != 1 || m.records != 1000 {
			t.Errorf("completed=%d failed=%d records=%d, want 1 1 1000", m.completed, m.failed, m.records)
		}
		if got := m.fraction(); got != 0.5 {
			t.Errorf("fraction = %v, want 0.5", got)
		}
		view := m.View()
		for _, want := range []string{"20250101_120000", "Chunks: 2/4", "chunk 0000", "chunk 0001"} {
			if !strings.Contains(view, want) {
				t.Errorf("view missing %q:\n%s", want, view)
			}
		}
	})

	t.Run("recent lines are bounded", func(t *testing.T) {
		m := newExportProgressModel("resume", nil)
		m = updateModel(t, m, planMsg{timestamp: "20250101_120000", chunks: 20})
		for i := 0; i < 20; i++ {
			m = updateModel(t, m, chunkDoneMsg{outcome: export.ChunkOutcome{Spec: export.ChunkSpec{Number: i, Count: 1}}})
		}
		for i := 0; i < 8; i++ {
			m = updateModel(t, m, logLineMsg("line"))
		}
		if len(m.recent) != recentChunkLines || len(m.messages) != recentChunkLines {
			t.Errorf("recent=%d messages=%d, want %d each", len(m.recent), len(m.messages), recentChunkLines)
		}
	})

	t.Run("quit key cancels the run", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		m := newExportProgressModel("export", cancel)
		m = updateModel(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
		if ctx.Err() == nil {
			t.Error("pressing q should cancel the run context")
		}
		if m.finished {
			t.Error("the model should keep rendering until the run finishes")
		}
	})

	t.Run("run done quits", func(t *testing.T) {
		m := newExportProgressModel("export", nil)
		next, cmd := m.Update(runDoneMsg{})
		if cmd == nil {
			t.Fatal("runDoneMsg should return tea.Quit")
		}
		if next.(exportProgressModel).View() != "" {
			t.Error("finished model should render nothing")
		}
	})
}

func TestLogReporterWritesTaskFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	r := &logReporter{
		tracker: newTaskTracker("export"),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	r.Plan("20250101_120000", 4)
	r.ChunkDone(export.ChunkOutcome{Spec: export.ChunkSpec{Number: 0}})
	r.ChunkDone(export.ChunkOutcome{Spec: export.ChunkSpec{Number: 1}, Err: errors.New("boom")})
	r.Close()

	info, err := ReadTaskInfo()
	if err != nil {
		t.Fatal(err)
	}
	if info.ExportTimestamp != "20250101_120000" || info.TotalChunks != 4 {
		t.Errorf("task = %s/%d chunks, want 20250101_120000/4", info.ExportTimestamp, info.TotalChunks)
	}
	if info.CompletedChunks != 1 || info.FailedChunks != 1 || info.Progress != 50 {
		t.Errorf("completed=%d failed=%d progress=%v, want 1 1 50", info.CompletedChunks, info.FailedChunks, info.Progress)
	}
}

func TestUseTUI(t *testing.T) {
	tests := []struct {
		name   string
		config Config
	}{
		{"debug", Config{Debug: true, LogFormat: "text"}},
		{"json logs", Config{LogFormat: "json"}},
		{"logfmt logs", Config{LogFormat: "logfmt"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if useTUI(&tt.config) {
				t.Error("progress display should be disabled")
			}
		})
	}
}

func TestProgramLogHandler(t *testing.T) {
	var got []tea.Msg
	log := slog.New(&programLogHandler{level: slog.LevelInfo, send: func(msg tea.Msg) { got = append(got, msg) }})

	log.Debug("hidden")
	log.Info("📦 Exporting", "ignored", 1)

	if len(got) != 1 {
		t.Fatalf("expected 1 forwarded record, got %d", len(got))
	}
	line, ok := got[0].(logLineMsg)
	if !ok || !strings.HasSuffix(string(line), "📦 Exporting") {
		t.Errorf("forwarded %#v", got[0])
	}
}
