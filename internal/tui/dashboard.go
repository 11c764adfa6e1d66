// Package tui implements the interactive approval dashboard.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/cmdward/cmdward/internal/approval"
)

const refreshInterval = 2 * time.Second

// Client is the slice of the IPC surface the dashboard needs.
type Client interface {
	Pending(ctx context.Context) (*approval.PendingResult, error)
	Resolve(ctx context.Context, id string, decision approval.Decision, resolvedBy string) (*approval.ResolveResult, error)
}

type tickMsg time.Time

type pendingMsg struct {
	result *approval.PendingResult
	err    error
}

type resolvedMsg struct {
	id       string
	decision approval.Decision
	err      error
}

type keyMap struct {
	Up          key.Binding
	Down        key.Binding
	AllowOnce   key.Binding
	AllowAlways key.Binding
	Deny        key.Binding
	Refresh     key.Binding
	Quit        key.Binding
}

var keys = keyMap{
	Up:          key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
	Down:        key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
	AllowOnce:   key.NewBinding(key.WithKeys("a"), key.WithHelp("a", "allow once")),
	AllowAlways: key.NewBinding(key.WithKeys("A"), key.WithHelp("A", "allow always")),
	Deny:        key.NewBinding(key.WithKeys("d"), key.WithHelp("d", "deny")),
	Refresh:     key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "refresh")),
	Quit:        key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
}

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	selectedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("229")).Background(lipgloss.Color("57"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("114"))
)

// Model is the dashboard Bubble Tea model.
type Model struct {
	client     Client
	resolvedBy string

	ready  bool
	width  int
	height int

	spin    spinner.Model
	loading bool

	rows   []approval.PendingSnapshot
	cursor int

	lastErr     error
	lastRefresh time.Time
	status      string
}

// New creates a dashboard model backed by client. Decisions are attributed
// to resolvedBy.
func New(client Client, resolvedBy string) Model {
	s := spinner.New()
	s.Spinner = spinner.MiniDot
	return Model{
		client:     client,
		resolvedBy: resolvedBy,
		spin:       s,
		loading:    true,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, fetchCmd(m.client), tickCmd())
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.ready = true
		return m, nil

	case tickMsg:
		m.loading = true
		return m, tea.Batch(fetchCmd(m.client), tickCmd())

	case pendingMsg:
		m.loading = false
		m.lastErr = msg.err
		if msg.err == nil {
			m.rows = msg.result.Pending
			m.lastRefresh = time.UnixMilli(msg.result.NowMs)
			if m.cursor >= len(m.rows) {
				m.cursor = len(m.rows) - 1
			}
			if m.cursor < 0 {
				m.cursor = 0
			}
		}
		return m, nil

	case resolvedMsg:
		if msg.err != nil {
			m.status = fmt.Sprintf("resolve %s failed: %v", shortID(msg.id), msg.err)
		} else {
			m.status = fmt.Sprintf("%s: %s", shortID(msg.id), msg.decision)
		}
		return m, fetchCmd(m.client)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, keys.Quit):
		return m, tea.Quit

	case key.Matches(msg, keys.Up):
		if m.cursor > 0 {
			m.cursor--
		}

	case key.Matches(msg, keys.Down):
		if m.cursor < len(m.rows)-1 {
			m.cursor++
		}

	case key.Matches(msg, keys.Refresh):
		m.loading = true
		return m, fetchCmd(m.client)

	case key.Matches(msg, keys.AllowOnce):
		return m.resolveSelected(approval.DecisionAllowOnce)
	case key.Matches(msg, keys.AllowAlways):
		return m.resolveSelected(approval.DecisionAllowAlways)
	case key.Matches(msg, keys.Deny):
		return m.resolveSelected(approval.DecisionDeny)
	}

	return m, nil
}

func (m Model) resolveSelected(decision approval.Decision) (tea.Model, tea.Cmd) {
	if m.cursor < 0 || m.cursor >= len(m.rows) {
		return m, nil
	}
	row := m.rows[m.cursor]
	m.status = fmt.Sprintf("resolving %s...", shortID(row.ID))
	return m, resolveCmd(m.client, row.ID, decision, m.resolvedBy)
}

func (m Model) View() string {
	if !m.ready {
		return "Loading dashboard..."
	}

	var b strings.Builder

	header := titleStyle.Render("cmdward") + dimStyle.Render(fmt.Sprintf("  %d pending", len(m.rows)))
	if m.loading {
		header += "  " + m.spin.View()
	} else if !m.lastRefresh.IsZero() {
		header += dimStyle.Render("  refreshed " + m.lastRefresh.Format("15:04:05"))
	}
	b.WriteString(header + "\n\n")

	if m.lastErr != nil {
		b.WriteString(errStyle.Render("error: "+m.lastErr.Error()) + "\n\n")
	}

	if len(m.rows) == 0 {
		b.WriteString(dimStyle.Render("no pending approvals") + "\n")
	}
	for i, row := range m.rows {
		line := fmt.Sprintf("%-10s %-12s %-8s %s",
			shortID(row.ID),
			orDash(row.AgentID),
			(time.Duration(row.WaitingMs) * time.Millisecond).Truncate(time.Second),
			truncate(row.Command, m.commandWidth()),
		)
		if i == m.cursor {
			line = selectedStyle.Render(line)
		}
		b.WriteString(line + "\n")
	}

	b.WriteString("\n")
	if m.status != "" {
		b.WriteString(statusStyle.Render(m.status) + "\n")
	}
	b.WriteString(dimStyle.Render(helpLine()))
	return b.String()
}

func (m Model) commandWidth() int {
	w := m.width - 34
	if w < 20 {
		w = 20
	}
	return w
}

func helpLine() string {
	bindings := []key.Binding{keys.Up, keys.Down, keys.AllowOnce, keys.AllowAlways, keys.Deny, keys.Refresh, keys.Quit}
	parts := make([]string, 0, len(bindings))
	for _, b := range bindings {
		parts = append(parts, b.Help().Key+" "+b.Help().Desc)
	}
	return strings.Join(parts, "  ")
}

func fetchCmd(client Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		result, err := client.Pending(ctx)
		return pendingMsg{result: result, err: err}
	}
}

func resolveCmd(client Client, id string, decision approval.Decision, resolvedBy string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := client.Resolve(ctx, id, decision, resolvedBy)
		return resolvedMsg{id: id, decision: decision, err: err}
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Run starts the dashboard in the alternate screen and blocks until quit.
func Run(client Client, resolvedBy string) error {
	p := tea.NewProgram(New(client, resolvedBy), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
