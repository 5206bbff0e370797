package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/reposweep/reposweep/models"
)

// StatsSource is the subset of *checkpoint.Store the dashboard needs.
type StatsSource interface {
	GetStats(ctx context.Context) models.StatusCounts
	GetRepoSummary(ctx context.Context) []models.RepoSummary
}

// DashboardModel shows the overview: per-status commit tallies and a
// per-repo breakdown, refreshed periodically from the checkpoint store.
type DashboardModel struct {
	store    StatsSource
	stats    models.StatusCounts
	repos    []models.RepoSummary
	width    int
	height   int
	lastLoad time.Time
	loading  bool
}

// dashLoadedMsg carries a freshly-loaded snapshot of checkpoint state.
type dashLoadedMsg struct {
	stats models.StatusCounts
	repos []models.RepoSummary
}

// NewDashboardModel creates a DashboardModel backed by store.
func NewDashboardModel(store StatsSource) DashboardModel {
	return DashboardModel{store: store, loading: true}
}

func (d DashboardModel) Init() tea.Cmd {
	return d.loadCmd()
}

func (d DashboardModel) loadCmd() tea.Cmd {
	return func() tea.Msg {
		ctx := context.Background()
		return dashLoadedMsg{
			stats: d.store.GetStats(ctx),
			repos: d.store.GetRepoSummary(ctx),
		}
	}
}

func (d DashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case dashLoadedMsg:
		d.stats = msg.stats
		d.repos = msg.repos
		d.loading = false
		d.lastLoad = time.Now()
		return d, tea.Tick(10*time.Second, func(t time.Time) tea.Msg {
			return d.loadCmd()()
		})
	case tea.KeyMsg:
		if msg.String() == "r" {
			d.loading = true
			return d, d.loadCmd()
		}
	}
	return d, nil
}

func (d *DashboardModel) SetSize(w, h int) {
	d.width = w
	d.height = h
}

func (d DashboardModel) View() string {
	if d.loading && len(d.repos) == 0 {
		return panelStyle.Width(max(20, d.width-2)).Render("Loading checkpoint state...")
	}

	cardW := 18
	if d.width >= 100 {
		cardW = 20
	}
	summary := lipgloss.JoinHorizontal(lipgloss.Top,
		renderCounter("Pending", d.stats.Pending, pendingStyle, cardW),
		renderCounter("Processed", d.stats.Processed, processedStyle, cardW),
		renderCounter("Failed", d.stats.Failed, failedStyle, cardW),
	)

	lineLimit := d.height - 12
	if lineLimit < 5 {
		lineLimit = 5
	}
	rows := ""
	for i, r := range d.repos {
		if i >= lineLimit {
			break
		}
		repo := truncate(r.RepoName, 34)
		counts := fmt.Sprintf("total:%d proc:%d fail:%d pend:%d", r.Total, r.Processed, r.Failed, r.Pending)
		badge := mutedBadgeStyle.Render("ok")
		if r.Failed > 0 {
			badge = lipgloss.NewStyle().Foreground(bgDark).Background(red).Padding(0, 1).Render("failing")
		} else if r.Pending > 0 {
			badge = lipgloss.NewStyle().Foreground(bgDark).Background(blue).Padding(0, 1).Render("in progress")
		} else if r.Total > 0 {
			badge = lipgloss.NewStyle().Foreground(bgDark).Background(green).Padding(0, 1).Render("clean")
		}
		line := lipgloss.JoinHorizontal(lipgloss.Left,
			lipgloss.NewStyle().Width(36).Foreground(ink).Render(repo),
			lipgloss.NewStyle().Width(16).Render(badge),
			dimStyle.Render(counts),
		)
		rows += line + "\n"
	}

	if len(d.repos) == 0 {
		rows = dimStyle.Render("No commits claimed yet. Run: reposweep run --input batch.csv\n")
	}

	updated := "never"
	if !d.lastLoad.IsZero() {
		updated = d.lastLoad.Format("15:04:05")
	}
	refreshInfo := lipgloss.JoinHorizontal(lipgloss.Left,
		keycapStyle.Render("r"),
		" ",
		dimStyle.Render("refresh"),
		"   ",
		dimStyle.Render("updated "+updated),
	)

	return lipgloss.JoinVertical(lipgloss.Left,
		lipgloss.NewStyle().Padding(0, 1).Render(summary),
		panelStyle.Width(max(20, d.width-2)).Render(
			lipgloss.JoinVertical(lipgloss.Left,
				panelHeaderStyle.Render("Repositories"),
				dimStyle.Render("Repository                           Status            Commits"),
				rows,
				refreshInfo,
			),
		),
	)
}

func renderCounter(label string, count int, style lipgloss.Style, width int) string {
	return boxStyle.Width(width).Render(
		lipgloss.JoinVertical(lipgloss.Center,
			style.Bold(true).Render(fmt.Sprintf("%d", count)),
			dimStyle.Render(strings.ToUpper(label)),
		),
	) + "  "
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return "…" + s[len(s)-max+1:]
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
