package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/shellcall/internal/events"
	"github.com/mattjoyce/shellcall/internal/shell"
)

const maxCommandWidth = 48

// Row is the display state of one invocation.
type Row struct {
	Invocation shell.Invocation
	State      shell.State
	ExitCode   *int
	Duration   time.Duration
	ErrorKind  string
}

func (r Row) done() bool { return r.State.Terminal() }

func (r Row) failed() bool {
	return r.ErrorKind != "" || (r.ExitCode != nil && *r.ExitCode != 0)
}

type eventMsg events.Event

type streamClosedMsg struct{}

// Model is the BubbleTea model for the gather progress view. It consumes
// lifecycle events from a hub subscription and quits once every tracked
// invocation reached a terminal state.
type Model struct {
	rows    []Row
	index   map[string]int
	events  <-chan events.Event
	spinner spinner.Model
	theme   Theme
	started time.Time
	width   int

	interrupted bool
}

// New creates a model tracking invs in the given order.
func New(invs []shell.Invocation, ch <-chan events.Event) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot

	theme := NewDefaultTheme()
	s.Style = theme.Spinner

	m := Model{
		rows:    make([]Row, len(invs)),
		index:   make(map[string]int, len(invs)),
		events:  ch,
		spinner: s,
		theme:   theme,
		started: time.Now(),
	}
	for i, inv := range invs {
		m.rows[i] = Row{Invocation: inv, State: shell.StateCreated}
		m.index[inv.ID] = i
	}
	return m
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForEvent(m.events))
}

func waitForEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return streamClosedMsg{}
		}
		return eventMsg(ev)
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.interrupted = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case eventMsg:
		m.apply(events.Event(msg))
		if m.Done() {
			return m, tea.Quit
		}
		return m, waitForEvent(m.events)

	case streamClosedMsg:
		return m, tea.Quit
	}

	return m, nil
}

func (m *Model) apply(ev events.Event) {
	var t shell.Transition
	if err := ev.Decode(&t); err != nil {
		return
	}
	i, ok := m.index[t.InvocationID]
	if !ok {
		return
	}
	row := &m.rows[i]
	// Events may arrive out of order across invocations but never regress a row.
	if row.done() {
		return
	}
	row.State = t.State
	if t.ExitCode != nil {
		code := *t.ExitCode
		row.ExitCode = &code
	}
	row.Duration = time.Duration(t.DurationMS) * time.Millisecond
	row.ErrorKind = t.ErrorKind
}

// Done reports whether every tracked invocation finished.
func (m Model) Done() bool {
	for _, r := range m.rows {
		if !r.done() {
			return false
		}
	}
	return true
}

// Interrupted reports whether the user quit before completion.
func (m Model) Interrupted() bool { return m.interrupted }

// Rows returns a copy of the current row states.
func (m Model) Rows() []Row {
	return append([]Row(nil), m.rows...)
}

func (m Model) View() string {
	finished := 0
	lines := make([]string, 0, len(m.rows))
	for _, r := range m.rows {
		if r.done() {
			finished++
		}
		lines = append(lines, m.renderRow(r))
	}

	title := m.theme.Title.Render(fmt.Sprintf("gather %d/%d", finished, len(m.rows))) +
		" " + m.theme.Dim.Render(formatDuration(time.Since(m.started)))
	body := lipgloss.JoinVertical(lipgloss.Left, append([]string{title}, lines...)...)

	box := m.theme.Border
	if m.width > 4 {
		box = box.Width(m.width - 4)
	}
	help := m.theme.Dim.Render(" [q] Quit")
	return box.Render(body) + "\n" + help + "\n"
}

func (m Model) renderRow(r Row) string {
	cmd := m.theme.Command.Render(truncate(r.Invocation.String(), maxCommandWidth))

	switch {
	case r.State == shell.StateCreated:
		return fmt.Sprintf("%s %s %s", m.theme.StatusPending.Render("·"), cmd, m.theme.Dim.Render("pending"))
	case !r.done():
		return fmt.Sprintf("%s %s %s", m.spinner.View(), cmd, m.theme.StatusRunning.Render("running"))
	case r.failed():
		return fmt.Sprintf("%s %s %s", m.theme.StatusFailed.Render("✗"), cmd, m.theme.StatusFailed.Render(outcome(r)))
	default:
		return fmt.Sprintf("%s %s %s", m.theme.StatusOK.Render("✓"), cmd, m.theme.Dim.Render(outcome(r)))
	}
}

func outcome(r Row) string {
	var parts []string
	if r.ErrorKind != "" {
		parts = append(parts, r.ErrorKind)
	}
	if r.ExitCode != nil {
		parts = append(parts, fmt.Sprintf("exit %d", *r.ExitCode))
	}
	if r.Duration > 0 {
		parts = append(parts, formatDuration(r.Duration))
	}
	return strings.Join(parts, " ")
}

func truncate(s string, n int) string {
	if n <= 1 || lipgloss.Width(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) > n-1 {
		runes = runes[:n-1]
	}
	return string(runes) + "…"
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
