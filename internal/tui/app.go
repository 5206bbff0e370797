package tui

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
)

// Model is the top-level bubbletea program: a single full-screen dashboard
// with a title bar and status line, matching the teacher's app shell.
type Model struct {
	dashboard DashboardModel
	width     int
	height    int
}

// NewApp builds the top-level TUI model over store.
func NewApp(store StatsSource) Model {
	return Model{dashboard: NewDashboardModel(store)}
}

func (m Model) Init() tea.Cmd {
	return m.dashboard.Init()
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.dashboard.SetSize(m.width, m.height)
		return m, nil
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
	}
	var cmd tea.Cmd
	next, cmd := m.dashboard.Update(msg)
	m.dashboard = next.(DashboardModel)
	return m, cmd
}

func (m Model) View() string {
	title := titleStyle.Render("reposweep status")
	body := m.dashboard.View()
	status := statusBarStyle.Width(max(20, m.width)).Render(
		keycapStyle.Render("q") + " quit   " + keycapStyle.Render("r") + " refresh",
	)
	return fmt.Sprintf("%s\n%s\n%s", title, body, status)
}

// Run starts the bubbletea program and blocks until the user quits.
func Run(store StatsSource) error {
	_, err := tea.NewProgram(NewApp(store), tea.WithAltScreen()).Run()
	return err
}
