package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"foreman/pkg/workorder"
)

// tickMsg is sent by Bubble Tea on every tick interval; it triggers a data
// refresh from the database.
type tickMsg time.Time

// snapshotMsg carries a fetched snapshot. A nil Err means the fetch worked.
type snapshotMsg struct {
	Snap Snapshot
	Err  error
}

// refreshInterval is how often the dashboard re-reads the database.
const refreshInterval = 2 * time.Second

func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func fetchCmd(ds *Datasource) tea.Cmd {
	return func() tea.Msg {
		snap, err := ds.Fetch(context.Background())
		return snapshotMsg{Snap: snap, Err: err}
	}
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	borderStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

// Model is the Bubble Tea model for the foreman dashboard.
type Model struct {
	ds      *Datasource
	snap    Snapshot
	fetched bool
	err     error
	width   int
}

func newModel(ds *Datasource) Model {
	return Model{ds: ds}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(fetchCmd(m.ds), tickCmd())
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			return m, fetchCmd(m.ds)
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case tickMsg:
		return m, tea.Batch(fetchCmd(m.ds), tickCmd())
	case snapshotMsg:
		m.err = msg.Err
		if msg.Err == nil {
			m.snap = msg.Snap
			m.fetched = true
		}
	}
	return m, nil
}

// View implements tea.Model.
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("foreman") + dimStyle.Render("  q quit · r refresh") + "\n\n")

	if m.err != nil {
		b.WriteString(failStyle.Render("refresh failed: "+m.err.Error()) + "\n")
	}
	if !m.fetched {
		b.WriteString(dimStyle.Render("loading…") + "\n")
		return b.String()
	}

	b.WriteString(fmt.Sprintf("effect queue: %d pending\n\n", m.snap.Pending))

	var rows []string
	rows = append(rows, fmt.Sprintf("%-20s %-10s %-12s %6s %6s %8s",
		"BATCH", "MODE", "STATUS", "DONE", "FAILED", "PENDING"))
	for _, r := range m.snap.Batches {
		status := styledBatchStatus(fmt.Sprintf("%-12s", r.Batch.Status), r.Batch.Status)
		rows = append(rows, fmt.Sprintf("%-20s %-10s %s %6d %6d %8d",
			r.Batch.ID, r.Batch.Mode, status,
			r.Outcomes.Done, r.Outcomes.Failed, r.Outcomes.Other))
	}
	if len(m.snap.Batches) == 0 {
		rows = append(rows, dimStyle.Render("(no batches)"))
	}
	b.WriteString(borderStyle.Render(strings.Join(rows, "\n")) + "\n\n")

	b.WriteString(titleStyle.Render("recent failed events") + "\n")
	if len(m.snap.Failures) == 0 {
		b.WriteString(dimStyle.Render("(none)") + "\n")
	}
	for _, ev := range m.snap.Failures {
		b.WriteString(fmt.Sprintf("  %s %-20s %s\n",
			failStyle.Render("✗"), ev.Type, truncateDetail(ev.ErrorDetail, 70)))
	}
	return b.String()
}

// truncateDetail clips s to max runes, never mid-rune, marking the cut.
func truncateDetail(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "…"
}

func styledBatchStatus(text string, s workorder.BatchStatus) string {
	switch s {
	case workorder.BatchCompleted:
		return okStyle.Render(text)
	case workorder.BatchPartial, workorder.BatchInProgress:
		return warnStyle.Render(text)
	case workorder.BatchFailed:
		return failStyle.Render(text)
	default:
		return dimStyle.Render(text)
	}
}
