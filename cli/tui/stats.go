package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/openkickstartai/nbcheck/metrics"
)

// StatsModel is a Bubble Tea model for stats views.
type StatsModel struct {
	viewType string
	data     any
	width    int
	height   int
	quitting bool
}

// NewStatsModel creates a new stats model.
func NewStatsModel(viewType string, data any) StatsModel {
	return StatsModel{
		viewType: viewType,
		data:     data,
	}
}

// Init implements tea.Model.
func (m StatsModel) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m StatsModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
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
		}
	}

	return m, nil
}

// View implements tea.Model.
func (m StatsModel) View() string {
	if m.quitting {
		return ""
	}

	var content string
	switch m.viewType {
	case "stats_suite":
		content = m.renderSuiteStats()
	default:
		content = fmt.Sprintf("Unknown view type: %s", m.viewType)
	}

	help := HelpStyle.Render("Press q or Ctrl+C to quit")
	return content + "\n" + help
}

func (m StatsModel) renderSuiteStats() string {
	data, ok := m.data.(*metrics.Snapshot)
	if !ok {
		return "Invalid data type for stats_suite"
	}

	var b strings.Builder
	b.WriteString(TitleStyle.Render("Suite Statistics"))
	b.WriteString("\n\n")

	b.WriteString(fmt.Sprintf("%s %s\n",
		LabelStyle.Render("Suite:"),
		ValueStyle.Render(data.SuiteID)))
	b.WriteString(fmt.Sprintf("%s %s\n",
		LabelStyle.Render("Kernel:"),
		ValueStyle.Render(data.KernelName)))
	b.WriteString(fmt.Sprintf("%s %s\n\n",
		LabelStyle.Render("Storage:"),
		ValueStyle.Render(data.StorageBackend)))

	notebookBoxes := []string{
		m.renderStatBox("Notebooks", data.NotebooksRun, highlightColor),
		m.renderStatBox("Passed", data.NotebooksByStatus["passed"], successColor),
		m.renderStatBox("Failed", data.NotebooksByStatus["failed"], errorColor),
		m.renderStatBox("Errored", data.NotebooksByStatus["errored"], errorColor),
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, notebookBoxes...))
	b.WriteString("\n\n")

	cellBoxes := []string{
		m.renderStatBox("Cells", data.CellsExecuted, highlightColor),
		m.renderStatBox("Cell Errors", data.CellsErrored, errorColor),
		m.renderStatBox("Timeouts", data.CellsTimedOut, warningColor),
		m.renderStatBox("Interrupts", data.InterruptsSent, warningColor),
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, cellBoxes...))
	b.WriteString("\n\n")

	sessionBoxes := []string{
		m.renderStatBox("Sessions", data.SessionsStarted, highlightColor),
		m.renderStatBox("Session Fails", data.SessionsFailed, errorColor),
		m.renderStatBox("Kernel Events", data.KernelEvents, highlightColor),
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, sessionBoxes...))

	return b.String()
}

func (m StatsModel) renderStatBox(label string, value int64, color lipgloss.Color) string {
	boxStyle := StatBoxStyle.BorderForeground(color)

	valueStr := StatValueStyle.Foreground(color).Render(fmt.Sprintf("%d", value))
	labelStr := StatLabelStyle.Render(label)

	content := lipgloss.JoinVertical(lipgloss.Center, valueStr, labelStr)

	return boxStyle.Render(content)
}

// RunStatsTUI runs the stats TUI.
func RunStatsTUI(viewType string, data any) error {
	model := NewStatsModel(viewType, data)
	p := tea.NewProgram(model, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// RenderStatsStatic renders stats data without full TUI (for fallback).
func RenderStatsStatic(viewType string, data any) string {
	model := NewStatsModel(viewType, data)
	model.width = 80
	model.height = 24
	return lipgloss.NewStyle().Padding(1, 2).Render(model.View())
}
