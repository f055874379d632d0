package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"p2pshare/internal/domain"
)

// Client is the part of the daemon API the monitor drives.
type Client interface {
	Progress(ctx context.Context) (map[string]domain.Task, error)
	Cleanup(ctx context.Context, ids []string) error
	Cancel(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
}

const (
	requestTimeout = 5 * time.Second
	maxNotices     = 5
	barWidth       = 20
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true)
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	cursorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#89b4fa")).Bold(true)
	errStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#f38ba8"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#a6e3a1"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#fab387"))
	barFullStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#89b4fa"))
	footerStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("255")).Background(lipgloss.Color("238")).Padding(0, 2)
)

type keyMap struct {
	Resume key.Binding
	Cancel key.Binding
	Up     key.Binding
	Down   key.Binding
	Quit   key.Binding
}

func newKeyMap() keyMap {
	return keyMap{
		Resume: key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "resume")),
		Cancel: key.NewBinding(key.WithKeys("c"), key.WithHelp("c", "cancel")),
		Up:     key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
		Down:   key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
		Quit:   key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	}
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Resume, k.Cancel, k.Up, k.Down, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{k.ShortHelp()}
}

type tickMsg time.Time

type progressMsg struct {
	tasks map[string]domain.Task
	err   error
	at    time.Time
}

type actionMsg struct {
	id     string
	action string
	err    error
}

// Model is the bubbletea model of the task monitor.
type Model struct {
	client  Client
	board   *Board
	keys    keyMap
	help    help.Model
	now     func() time.Time
	cursor  int
	notices []Notice
	width   int
}

func New(client Client) Model {
	return Model{
		client: client,
		board:  NewBoard(),
		keys:   newKeyMap(),
		help:   help.New(),
		now:    time.Now,
	}
}

// Run starts the monitor on the terminal and blocks until the user quits.
func Run(ctx context.Context, client Client) error {
	p := tea.NewProgram(New(client), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}

func (m Model) Init() tea.Cmd {
	return m.poll()
}

func tick() tea.Cmd {
	return tea.Tick(PollInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) poll() tea.Cmd {
	client, now := m.client, m.now
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		tasks, err := client.Progress(ctx)
		return progressMsg{tasks: tasks, err: err, at: now()}
	}
}

func (m Model) cleanup(ids []string) tea.Cmd {
	client := m.client
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		return actionMsg{action: "cleanup", err: client.Cleanup(ctx, ids)}
	}
}

func (m Model) act(action, id string, fn func(context.Context, string) error) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		return actionMsg{id: id, action: action, err: fn(ctx, id)}
	}
}

func (m *Model) notify(n Notice) {
	m.notices = append(m.notices, n)
	if len(m.notices) > maxNotices {
		m.notices = m.notices[len(m.notices)-maxNotices:]
	}
}

func (m *Model) clampCursor() {
	if m.cursor >= m.board.Len() {
		m.cursor = m.board.Len() - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
}

func (m Model) selected() (domain.Task, bool) {
	tasks := m.board.Tasks()
	if m.cursor < 0 || m.cursor >= len(tasks) {
		return domain.Task{}, false
	}
	return tasks[m.cursor], true
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.help.Width = msg.Width
		return m, nil

	case tickMsg:
		// The board only learns about tasks from polls, so an all-terminal
		// board still polls to clean them up and pick up new ones.
		return m, m.poll()

	case progressMsg:
		if msg.err != nil {
			m.notify(Notice{Text: fmt.Sprintf("Progress query failed: %v", msg.err), Err: true})
			return m, tick()
		}
		res := m.board.Reconcile(msg.at, msg.tasks)
		for _, n := range res.Notices {
			m.notify(n)
		}
		m.clampCursor()
		if len(res.Cleanup) > 0 {
			return m, tea.Batch(tick(), m.cleanup(res.Cleanup))
		}
		return m, tick()

	case actionMsg:
		switch {
		case msg.err != nil:
			m.notify(Notice{Text: fmt.Sprintf("%s failed: %v", capitalize(msg.action), msg.err), Err: true})
		case msg.action == "resume":
			m.board.MarkResumed(msg.id, m.now())
			m.notify(Notice{Text: "Download resumed"})
		case msg.action == "cancel":
			m.board.MarkCanceled(msg.id)
			m.notify(Notice{Text: "Task canceled"})
		}
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Up):
			if m.cursor > 0 {
				m.cursor--
			}
		case key.Matches(msg, m.keys.Down):
			if m.cursor < m.board.Len()-1 {
				m.cursor++
			}
		case key.Matches(msg, m.keys.Resume):
			if t, ok := m.selected(); ok {
				return m, m.act("resume", t.ID, m.client.Resume)
			}
		case key.Matches(msg, m.keys.Cancel):
			if t, ok := m.selected(); ok {
				return m, m.act("cancel", t.ID, m.client.Cancel)
			}
		}
		return m, nil
	}
	return m, nil
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Transfers"))
	b.WriteString("\n\n")

	tasks := m.board.Tasks()
	if len(tasks) == 0 {
		b.WriteString(dimStyle.Render("  No active tasks"))
		b.WriteString("\n")
	}
	for i, t := range tasks {
		prefix := "  "
		if i == m.cursor {
			prefix = cursorStyle.Render("> ")
		}
		fmt.Fprintf(&b, "%s%-8s %-32s %s %3d%%  %s  %s\n",
			prefix,
			t.Type,
			truncate(t.FileName, 32),
			bar(t.Percent),
			t.Percent,
			dimStyle.Render(FormatSize(t.BytesTransferred)+" / "+FormatSize(t.TotalBytes)),
			statusStyle(t.Status).Render(string(t.Status)),
		)
	}

	if len(m.notices) > 0 {
		b.WriteString("\n")
		for _, n := range m.notices {
			style := okStyle
			if n.Err {
				style = errStyle
			}
			b.WriteString(style.Render("• " + n.Text))
			b.WriteString("\n")
		}
	}
	b.WriteString("\n")
	b.WriteString(footerStyle.Render(m.help.View(m.keys)))
	return b.String()
}

func bar(pct int) string {
	filled := pct * barWidth / 100
	if filled > barWidth {
		filled = barWidth
	}
	if filled < 0 {
		filled = 0
	}
	return barFullStyle.Render(strings.Repeat("█", filled)) + dimStyle.Render(strings.Repeat("░", barWidth-filled))
}

func statusStyle(s domain.TaskStatus) lipgloss.Style {
	switch s {
	case domain.StatusCompleted:
		return okStyle
	case domain.StatusFailed, domain.StatusTimeout, domain.StatusCanceled:
		return errStyle
	case domain.StatusStalled:
		return warnStyle
	}
	return dimStyle
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
