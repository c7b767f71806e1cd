package main

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	tea "github.com/charmbracelet/bubbletea"

	"foreman/pkg/workorder"
)

// TestViewLoading verifies the pre-fetch view shows a loading line, not an
// empty batch table.
func TestViewLoading(t *testing.T) {
	m := Model{}
	out := m.View()
	if !strings.Contains(out, "loading") {
		t.Errorf("View() before first fetch missing loading line, got: %s", out)
	}
}

// TestViewRendersSnapshot verifies batch rows, queue depth, and failures
// all appear in the rendered view.
func TestViewRendersSnapshot(t *testing.T) {
	m := Model{
		fetched: true,
		snap: Snapshot{
			Pending: 7,
			Batches: []BatchRow{
				{
					Batch:    workorder.Batch{ID: "release-train", Mode: workorder.ModeConcurrent, Status: workorder.BatchInProgress},
					Outcomes: workorder.BatchOutcomes{Done: 3, Failed: 1, Other: 2},
				},
			},
			Failures: []workorder.Event{
				{Type: workorder.EventNotifyParent, ErrorDetail: "parent vanished"},
			},
		},
	}

	out := m.View()
	for _, want := range []string{"7 pending", "release-train", "concurrent", "in_progress", "parent vanished"} {
		if !strings.Contains(out, want) {
			t.Errorf("View() missing %q, got:\n%s", want, out)
		}
	}
}

// TestViewTruncatesLongDetail verifies failure detail lines are clipped so a
// huge stack trace cannot blow out the layout.
func TestViewTruncatesLongDetail(t *testing.T) {
	m := Model{
		fetched: true,
		snap: Snapshot{
			Failures: []workorder.Event{
				{Type: workorder.EventRepoSync, ErrorDetail: strings.Repeat("x", 200)},
			},
		},
	}

	out := m.View()
	if strings.Contains(out, strings.Repeat("x", 100)) {
		t.Error("View() did not truncate long error detail")
	}
	if !strings.Contains(out, "…") {
		t.Error("View() missing truncation marker")
	}
}

// TestViewTruncatesOnRuneBoundary feeds multibyte error detail: clipping
// must never cut a rune in half and emit invalid UTF-8.
func TestViewTruncatesOnRuneBoundary(t *testing.T) {
	m := Model{
		fetched: true,
		snap: Snapshot{
			Failures: []workorder.Event{
				{Type: workorder.EventChatNotify, ErrorDetail: strings.Repeat("ü", 120)},
			},
		},
	}

	out := m.View()
	if !utf8.ValidString(out) {
		t.Error("View() produced invalid UTF-8 from multibyte detail")
	}
	if !strings.Contains(out, "…") {
		t.Error("View() missing truncation marker")
	}
}

// TestUpdateSnapshotError keeps the previous snapshot when a refresh fails.
func TestUpdateSnapshotError(t *testing.T) {
	m := Model{
		fetched: true,
		snap:    Snapshot{Pending: 4},
	}

	next, _ := m.Update(snapshotMsg{Err: errors.New("database locked")})
	got := next.(Model)

	if got.snap.Pending != 4 {
		t.Errorf("Update(snapshotMsg{Err}) clobbered snapshot, pending = %d, want 4", got.snap.Pending)
	}
	if got.err == nil {
		t.Error("Update(snapshotMsg{Err}) did not record the error")
	}
	if !strings.Contains(got.View(), "database locked") {
		t.Error("View() missing fetch error")
	}
}

// TestUpdateQuitKeys verifies q and ctrl+c quit the program.
func TestUpdateQuitKeys(t *testing.T) {
	for _, key := range []string{"q", "ctrl+c"} {
		t.Run(key, func(t *testing.T) {
			m := Model{}
			var msg tea.KeyMsg
			if key == "ctrl+c" {
				msg = tea.KeyMsg{Type: tea.KeyCtrlC}
			} else {
				msg = tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(key)}
			}
			_, cmd := m.Update(msg)
			if cmd == nil {
				t.Fatalf("Update(%q) returned nil cmd, want tea.Quit", key)
			}
			if _, ok := cmd().(tea.QuitMsg); !ok {
				t.Errorf("Update(%q) cmd is not tea.Quit", key)
			}
		})
	}
}

// TestUpdateTickRefetches verifies a tick schedules another fetch.
func TestUpdateTickRefetches(t *testing.T) {
	m := Model{}
	_, cmd := m.Update(tickMsg{})
	if cmd == nil {
		t.Fatal("Update(tickMsg) returned nil cmd, want fetch+tick batch")
	}
}
