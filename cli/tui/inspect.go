package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/openkickstartai/nbcheck/scheduler"
	"github.com/openkickstartai/nbcheck/transcript"
)

// InspectModel is a Bubble Tea model for inspect views.
type InspectModel struct {
	viewType string
	data     any
	width    int
	height   int
	cursor   int
	quitting bool
}

// NewInspectModel creates a new inspect model.
func NewInspectModel(viewType string, data any) InspectModel {
	return InspectModel{
		viewType: viewType,
		data:     data,
	}
}

// Init implements tea.Model.
func (m InspectModel) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m InspectModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, keys.Up):
			if m.cursor > 0 {
				m.cursor--
			}
		case key.Matches(msg, keys.Down):
			if m.cursor < m.maxCursor() {
				m.cursor++
			}
		}
	}

	return m, nil
}

func (m InspectModel) maxCursor() int {
	switch data := m.data.(type) {
	case *scheduler.SuiteReport:
		return len(data.Notebooks) - 1
	case []transcript.Record:
		return len(data) - 1
	}
	return 0
}

// View implements tea.Model.
func (m InspectModel) View() string {
	if m.quitting {
		return ""
	}

	var content string
	switch m.viewType {
	case "inspect_report":
		content = m.renderReport()
	case "inspect_transcript":
		content = m.renderTranscript()
	default:
		content = fmt.Sprintf("Unknown view type: %s", m.viewType)
	}

	help := HelpStyle.Render("↑/↓ select, q or Ctrl+C to quit")
	return content + "\n" + help
}

func (m InspectModel) renderReport() string {
	data, ok := m.data.(*scheduler.SuiteReport)
	if !ok {
		return "Invalid data type for inspect_report"
	}

	var b strings.Builder
	b.WriteString(TitleStyle.Render("Suite Report"))
	b.WriteString("\n\n")

	rows := [][]string{
		{"Run ID", data.RunID},
		{"Version", data.Version},
		{"Started At", data.StartedAt},
		{"Duration", fmt.Sprintf("%dms", data.DurationMs)},
		{"Status", string(data.Status)},
		{"Exit Code", fmt.Sprintf("%d", data.ExitCode)},
	}
	for _, row := range rows {
		label := LabelStyle.Render(row[0] + ":")
		value := row[1]
		if row[0] == "Status" {
			value = StatusStyle(value).Render(value)
		} else {
			value = ValueStyle.Render(value)
		}
		b.WriteString(fmt.Sprintf("%s %s\n", label, value))
	}

	b.WriteString("\n")
	b.WriteString(TitleStyle.Render("Notebooks"))
	b.WriteString("\n")
	for i, v := range data.Notebooks {
		if v == nil {
			continue
		}
		marker := "  "
		if i == m.cursor {
			marker = "> "
		}
		line := fmt.Sprintf("%s%s  %s  (%d cells, %dms)",
			marker,
			StatusStyle(string(v.Status)).Render(fmt.Sprintf("%-9s", v.Status)),
			v.Path, v.CellsRun, v.DurationMs)
		b.WriteString(line)
		b.WriteString("\n")
		if i == m.cursor && v.Diagnostic != "" {
			b.WriteString(fmt.Sprintf("    %s\n", ValueStyle.Render(v.Diagnostic)))
		}
	}

	return BoxStyle.Render(b.String())
}

func (m InspectModel) renderTranscript() string {
	data, ok := m.data.([]transcript.Record)
	if !ok {
		return "Invalid data type for inspect_transcript"
	}

	var b strings.Builder
	b.WriteString(TitleStyle.Render("Run Transcript"))
	b.WriteString("\n\n")

	if len(data) == 0 {
		b.WriteString(ValueStyle.Render("(empty transcript)"))
		return BoxStyle.Render(b.String())
	}

	for i, rec := range data {
		marker := "  "
		if i == m.cursor {
			marker = "> "
		}
		b.WriteString(marker)
		b.WriteString(renderTranscriptLine(rec))
		b.WriteString("\n")
	}

	return BoxStyle.Render(b.String())
}

// renderTranscriptLine renders one record to a single summary line.
func renderTranscriptLine(rec transcript.Record) string {
	switch rec.Type {
	case transcript.RecordNotebookStart:
		kernel := ""
		if rec.Start != nil {
			kernel = rec.Start.KernelID
		}
		return fmt.Sprintf("%s %s kernel=%s",
			ValueStyle.Render("start"), rec.Notebook, kernel)
	case transcript.RecordKernelEvent:
		kind := ""
		detail := ""
		if rec.Event != nil {
			kind = rec.Event.Kind
			if rec.Event.Text != "" {
				detail = snippetLine(rec.Event.Text)
			}
		}
		return fmt.Sprintf("cell %d %s %s", rec.CellIndex,
			WarningStyle.Render(kind), detail)
	case transcript.RecordVerdict:
		status := ""
		if rec.Verdict != nil {
			status = rec.Verdict.Status
		}
		return fmt.Sprintf("%s %s",
			ValueStyle.Render("verdict"), StatusStyle(status).Render(status))
	default:
		return fmt.Sprintf("unknown record type %q", rec.Type)
	}
}

// snippetLine truncates text to one short display line.
func snippetLine(s string) string {
	s = strings.ReplaceAll(s, "\n", "\\n")
	if len(s) > 60 {
		return s[:60] + "..."
	}
	return s
}

// keyMap defines key bindings.
type keyMap struct {
	Quit key.Binding
	Up   key.Binding
	Down key.Binding
}

var keys = keyMap{
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
	Up: key.NewBinding(
		key.WithKeys("up", "k"),
		key.WithHelp("↑/k", "up"),
	),
	Down: key.NewBinding(
		key.WithKeys("down", "j"),
		key.WithHelp("↓/j", "down"),
	),
}

// RunInspectTUI runs the inspect TUI.
func RunInspectTUI(viewType string, data any) error {
	model := NewInspectModel(viewType, data)
	p := tea.NewProgram(model, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// RenderInspectStatic renders inspect data without full TUI (for fallback).
func RenderInspectStatic(viewType string, data any) string {
	model := NewInspectModel(viewType, data)
	model.width = 80
	model.height = 24
	return lipgloss.NewStyle().Padding(1, 2).Render(model.View())
}
