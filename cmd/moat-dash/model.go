package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fsnotify/fsnotify"

	"moat/pkg/audit"
)

// maxRecords bounds how many log records the dashboard keeps in view.
const maxRecords = 500

// pollInterval is the refresh heartbeat. It is the only refresh path when no
// file watcher could be set up, and the safety net when one could.
const pollInterval = 2 * time.Second

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	blockedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	passedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	localStyle   = lipgloss.NewStyle().Faint(true)
	footerStyle  = lipgloss.NewStyle().Faint(true)
)

type tickMsg struct{}

// fsChangeMsg reports an append to the audit log seen by the watcher.
type fsChangeMsg struct{}

// recordsMsg carries a finished reload: the records plus the log size they
// were read at, which gates the next reload.
type recordsMsg struct {
	records []audit.Record
	size    int64
	err     error
}

type model struct {
	logPath  string
	watcher  *fsnotify.Watcher
	lastSize int64
	records  []audit.Record
	viewport viewport.Model
	ready    bool
	err      error
}

func newModel(logPath string) model {
	return model{
		logPath:  logPath,
		lastSize: -1,
		watcher:  newLogWatcher(logPath),
	}
}

// newLogWatcher watches the log's parent directory, since the file itself may
// not exist until the first hook invocation writes it. Returns nil when
// watching is unavailable; the poll heartbeat then carries refresh alone.
func newLogWatcher(logPath string) *fsnotify.Watcher {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil
	}
	if err := watcher.Add(filepath.Dir(logPath)); err != nil {
		_ = watcher.Close()
		return nil
	}
	return watcher
}

func (m model) Init() tea.Cmd {
	return tea.Batch(reload(m.logPath), m.awaitChange(), tick())
}

func tick() tea.Cmd {
	return tea.Tick(pollInterval, func(time.Time) tea.Msg { return tickMsg{} })
}

// awaitChange blocks until the watcher reports the log file growing.
// Unrelated directory events are skipped in place; bursts of appends need no
// debouncing here because reloads are gated on the observed file size.
func (m model) awaitChange() tea.Cmd {
	if m.watcher == nil {
		return nil
	}
	return func() tea.Msg {
		for {
			select {
			case ev, ok := <-m.watcher.Events:
				if !ok {
					return nil
				}
				if ev.Name != m.logPath {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				return fsChangeMsg{}
			case _, ok := <-m.watcher.Errors:
				if !ok {
					return nil
				}
				// Watcher is unreliable; let polling take over.
				return nil
			}
		}
	}
}

// maybeReload re-reads the log only when its size moved since the last load,
// collapsing any burst of appends since the previous refresh into one read.
func (m model) maybeReload() tea.Cmd {
	info, err := os.Stat(m.logPath)
	if err == nil && info.Size() == m.lastSize {
		return nil
	}
	return reload(m.logPath)
}

func reload(path string) tea.Cmd {
	return func() tea.Msg {
		var size int64
		if info, err := os.Stat(path); err == nil {
			size = info.Size()
		}
		records, err := audit.Query(path, audit.QueryOpts{Limit: maxRecords})
		return recordsMsg{records: records, size: size, err: err}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if m.watcher != nil {
				_ = m.watcher.Close()
			}
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		headerHeight := 2
		footerHeight := 1
		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-headerHeight-footerHeight)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - headerHeight - footerHeight
		}
		m.viewport.SetContent(m.content())
		return m, nil
	case recordsMsg:
		m.records = msg.records
		m.lastSize = msg.size
		m.err = msg.err
		atBottom := m.viewport.AtBottom()
		m.viewport.SetContent(m.content())
		if atBottom {
			m.viewport.GotoBottom()
		}
		return m, nil
	case fsChangeMsg:
		return m, tea.Batch(m.maybeReload(), m.awaitChange())
	case tickMsg:
		return m, tea.Batch(m.maybeReload(), tick())
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m model) View() string {
	if !m.ready {
		return "loading..."
	}
	header := titleStyle.Render("moat audit log") + "  " + footerStyle.Render(m.logPath)
	footer := footerStyle.Render(fmt.Sprintf("%d records · q to quit", len(m.records)))
	return header + "\n\n" + m.viewport.View() + "\n" + footer
}

func (m model) content() string {
	if m.err != nil {
		return fmt.Sprintf("error reading log: %v", m.err)
	}
	if len(m.records) == 0 {
		return "no audit records yet"
	}
	var b strings.Builder
	for _, rec := range m.records {
		b.WriteString(formatRecord(rec))
		b.WriteByte('\n')
	}
	return b.String()
}

func formatRecord(rec audit.Record) string {
	result := resultOf(rec)
	line := fmt.Sprintf("%s  %-20s %-18s %s", rec.Timestamp, rec.HookName, result, rec.SessionID)
	switch result {
	case "blocked", "rejected":
		return blockedStyle.Render(line)
	case "passed":
		return passedStyle.Render(line)
	case "telemetry_skipped", "llm_local_only", "preview":
		return localStyle.Render(line)
	}
	return line
}

func resultOf(rec audit.Record) string {
	resp, ok := rec.Response.(map[string]any)
	if !ok {
		return "-"
	}
	if s, ok := resp["event_result"].(string); ok && s != "" {
		return s
	}
	return "-"
}
