package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"stagehand/pkg/protocol"
)

// newWatchCmd creates the "stagehand watch" subcommand: a live terminal
// view of every project's jobs, polled from the HTTP API.
func newWatchCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Live terminal view of jobs across all projects",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				paths, err := ResolvePaths()
				if err != nil {
					return fmt.Errorf("resolve paths: %w", err)
				}
				cfg, err := LoadConfig(paths.ConfigPath)
				if err != nil {
					return err
				}
				addr = cfg.Listen
			}
			p := tea.NewProgram(newWatchModel(addr), tea.WithAltScreen())
			if _, err := p.Run(); err != nil {
				return fmt.Errorf("run watch: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "API address to poll (default from config)")
	return cmd
}

// watchTickMsg triggers a periodic refresh.
type watchTickMsg time.Time

// snapshotMsg carries one full poll of the API. err is set when the
// daemon is unreachable.
type snapshotMsg struct {
	health healthSnapshot
	jobs   []protocol.Job
	err    error
}

type healthSnapshot struct {
	Status        string `json:"status"`
	QueueDepth    int    `json:"queue_depth"`
	InFlight      int    `json:"in_flight"`
	Projects      int    `json:"projects"`
	SessionCount  int    `json:"session_count"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

const watchPollInterval = 2 * time.Second

func watchTickCmd() tea.Cmd {
	return tea.Tick(watchPollInterval, func(t time.Time) tea.Msg {
		return watchTickMsg(t)
	})
}

func fetchSnapshotCmd(addr string) tea.Cmd {
	return func() tea.Msg {
		return fetchSnapshot(addr)
	}
}

func fetchSnapshot(addr string) snapshotMsg {
	client := &http.Client{Timeout: 3 * time.Second}

	var health healthSnapshot
	if err := getJSON(client, "http://"+addr+"/healthz", &health); err != nil {
		return snapshotMsg{err: err}
	}

	var projectList struct {
		Projects []string `json:"projects"`
	}
	if err := getJSON(client, "http://"+addr+"/projects", &projectList); err != nil {
		return snapshotMsg{health: health, err: err}
	}

	var jobs []protocol.Job
	for _, projectID := range projectList.Projects {
		var projectJobs []protocol.Job
		if err := getJSON(client, "http://"+addr+"/projects/"+projectID+"/jobs", &projectJobs); err != nil {
			continue
		}
		jobs = append(jobs, projectJobs...)
	}
	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].ProjectID != jobs[j].ProjectID {
			return jobs[i].ProjectID < jobs[j].ProjectID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return snapshotMsg{health: health, jobs: jobs}
}

func getJSON(client *http.Client, url string, out any) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", url, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// watchTheme defines the styling for the watch view.
type watchTheme struct {
	header   lipgloss.Style
	offline  lipgloss.Style
	queued   lipgloss.Style
	running  lipgloss.Style
	done     lipgloss.Style
	failed   lipgloss.Style
	muted    lipgloss.Style
	selected lipgloss.Style
}

func defaultWatchTheme() watchTheme {
	return watchTheme{
		header:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		offline:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9")),
		queued:   lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		running:  lipgloss.NewStyle().Foreground(lipgloss.Color("14")),
		done:     lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		failed:   lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
		muted:    lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		selected: lipgloss.NewStyle().Reverse(true),
	}
}

// watchModel is the Bubble Tea model for "stagehand watch".
type watchModel struct {
	addr  string
	theme watchTheme

	health  healthSnapshot
	jobs    []protocol.Job
	offline bool
	lastErr error

	cursor int
	width  int
	height int
}

func newWatchModel(addr string) watchModel {
	return watchModel{addr: addr, theme: defaultWatchTheme()}
}

// Init implements tea.Model.
func (m watchModel) Init() tea.Cmd {
	return tea.Batch(fetchSnapshotCmd(m.addr), watchTickCmd())
}

// Update implements tea.Model.
func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "j", "down":
			if m.cursor < len(m.jobs)-1 {
				m.cursor++
			}
		case "k", "up":
			if m.cursor > 0 {
				m.cursor--
			}
		case "r":
			return m, fetchSnapshotCmd(m.addr)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case snapshotMsg:
		m.offline = msg.err != nil
		m.lastErr = msg.err
		if msg.err == nil {
			m.health = msg.health
			m.jobs = msg.jobs
			if m.cursor >= len(m.jobs) {
				m.cursor = max(0, len(m.jobs)-1)
			}
		}

	case watchTickMsg:
		return m, tea.Batch(fetchSnapshotCmd(m.addr), watchTickCmd())
	}

	return m, nil
}

// View implements tea.Model.
func (m watchModel) View() string {
	var out string

	if m.offline {
		out += m.theme.offline.Render(fmt.Sprintf("● offline — %v", m.lastErr)) + "\n\n"
	} else {
		uptime := time.Duration(m.health.UptimeSeconds) * time.Second
		out += m.theme.header.Render(fmt.Sprintf(
			"stagehand  %d projects  %d queued  %d in flight  %d sessions  up %s",
			m.health.Projects, m.health.QueueDepth, m.health.InFlight,
			m.health.SessionCount, uptime)) + "\n\n"
	}

	if len(m.jobs) == 0 {
		out += m.theme.muted.Render("no jobs") + "\n"
	}
	for i, j := range m.jobs {
		line := fmt.Sprintf("%-14s %-24s %-10s %3d%%  %s",
			j.ProjectID, j.Kind, j.Status, j.Progress, shortID(j.ID))
		line = m.styleForStatus(j.Status).Render(line)
		if i == m.cursor {
			line = m.theme.selected.Render(line)
		}
		out += line + "\n"
	}

	out += "\n" + m.theme.muted.Render("j/k move · r refresh · q quit")
	return out
}

func (m watchModel) styleForStatus(s protocol.JobStatus) lipgloss.Style {
	switch s {
	case protocol.StatusQueued:
		return m.theme.queued
	case protocol.StatusDispatched, protocol.StatusProbing:
		return m.theme.running
	case protocol.StatusCompleted:
		return m.theme.done
	case protocol.StatusFailed:
		return m.theme.failed
	default:
		return m.theme.muted
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
