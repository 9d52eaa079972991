package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/dd0wney/cluso-kv/pkg/admin"
	"github.com/dd0wney/cluso-kv/pkg/logging"
)

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FF00FF")).
			MarginLeft(2).
			MarginTop(1)

	activeTabStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(lipgloss.Color("#FF00FF")).
			Padding(0, 2)

	inactiveTabStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#666666")).
				Padding(0, 2)

	contentStyle = lipgloss.NewStyle().
			MarginLeft(2).
			MarginTop(1)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF0000")).
			Bold(true)

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00FF00"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			MarginTop(1).
			MarginLeft(2)
)

type view int

const (
	topologyView view = iota
	replicasView
	viewCount
)

var viewNames = []string{"Topology", "Replicas"}

type keyMap struct {
	Tab      key.Binding
	ShiftTab key.Binding
	Refresh  key.Binding
	Quit     key.Binding
}

var keys = keyMap{
	Tab: key.NewBinding(
		key.WithKeys("tab"),
		key.WithHelp("tab", "next view"),
	),
	ShiftTab: key.NewBinding(
		key.WithKeys("shift+tab"),
		key.WithHelp("shift+tab", "prev view"),
	),
	Refresh: key.NewBinding(
		key.WithKeys("r"),
		key.WithHelp("r", "refresh"),
	),
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Tab, k.Refresh, k.Quit}
}

// topologySource is satisfied by *admin.Switchover.
type topologySource interface {
	Discover(ctx context.Context) (*admin.Topology, error)
}

type topoMsg struct {
	topo *admin.Topology
	err  error
	at   time.Time
}

type tickMsg time.Time

type topModel struct {
	source   topologySource
	interval time.Duration
	timeout  time.Duration

	current  view
	nodes    table.Model
	replicas table.Model
	help     help.Model
	keys     keyMap
	width    int

	topo      *admin.Topology
	err       error
	refreshed time.Time
}

func newTable(columns []table.Column) table.Model {
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("#00FFFF")).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("#FFFFFF")).
		Background(lipgloss.Color("#FF00FF")).
		Bold(false)
	t.SetStyles(s)
	return t
}

func newTopModel(source topologySource, interval time.Duration) topModel {
	return topModel{
		source:   source,
		interval: interval,
		timeout:  interval,
		nodes: newTable([]table.Column{
			{Title: "Name", Width: 12},
			{Title: "Addr", Width: 22},
			{Title: "Role", Width: 28},
			{Title: "Offset", Width: 12},
			{Title: "Lag", Width: 10},
			{Title: "Link", Width: 12},
		}),
		replicas: newTable([]table.Column{
			{Title: "Replica", Width: 22},
			{Title: "Ack offset", Width: 12},
			{Title: "Lag", Width: 10},
		}),
		help: help.New(),
		keys: keys,
	}
}

func (m topModel) refresh() tea.Cmd {
	source, timeout := m.source, m.timeout
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		topo, err := source.Discover(ctx)
		return topoMsg{topo: topo, err: err, at: time.Now()}
	}
}

func (m topModel) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m topModel) Init() tea.Cmd {
	return tea.Batch(m.refresh(), m.tick())
}

func (m topModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.help.Width = msg.Width

	case tickMsg:
		return m, tea.Batch(m.refresh(), m.tick())

	case topoMsg:
		m.topo, m.err, m.refreshed = msg.topo, msg.err, msg.at
		m.nodes.SetRows(nodeRows(msg.topo))
		m.replicas.SetRows(replicaRows(msg.topo))
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Tab):
			m.current = (m.current + 1) % viewCount
			return m, nil
		case key.Matches(msg, m.keys.ShiftTab):
			m.current = (m.current + viewCount - 1) % viewCount
			return m, nil
		case key.Matches(msg, m.keys.Refresh):
			return m, m.refresh()
		}
	}

	switch m.current {
	case topologyView:
		m.nodes, cmd = m.nodes.Update(msg)
	case replicasView:
		m.replicas, cmd = m.replicas.Update(msg)
	}
	return m, cmd
}

func (m topModel) View() string {
	var s strings.Builder

	s.WriteString(titleStyle.Render("cluso-kv replication"))
	s.WriteString("\n\n")
	s.WriteString(m.renderTabs())
	s.WriteString("\n")

	switch m.current {
	case topologyView:
		s.WriteString(contentStyle.Render(m.nodes.View()))
	case replicasView:
		s.WriteString(contentStyle.Render(m.replicas.View()))
	}

	s.WriteString("\n\n")
	switch {
	case m.err != nil:
		s.WriteString(contentStyle.Render(errorStyle.Render(m.err.Error())))
	case m.refreshed.IsZero():
		s.WriteString(contentStyle.Render("discovering..."))
	default:
		s.WriteString(contentStyle.Render(statusStyle.Render(m.summary())))
	}

	s.WriteString("\n")
	s.WriteString(helpStyle.Render(m.help.ShortHelpView(m.keys.ShortHelp())))
	return s.String()
}

func (m topModel) renderTabs() string {
	rendered := make([]string, 0, len(viewNames))
	for i, name := range viewNames {
		if view(i) == m.current {
			rendered = append(rendered, activeTabStyle.Render(name))
		} else {
			rendered = append(rendered, inactiveTabStyle.Render(name))
		}
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, rendered...)
}

func (m topModel) summary() string {
	master := "none"
	if m.topo != nil && m.topo.Master != nil {
		master = m.topo.Master.Node.Name
	}
	replicas, down := 0, 0
	if m.topo != nil {
		replicas, down = len(m.topo.Replicas), len(m.topo.Down)
	}
	return fmt.Sprintf("master %s, %d replicas, %d down, refreshed %s",
		master, replicas, down, m.refreshed.Format(time.TimeOnly))
}

func nodeRows(topo *admin.Topology) []table.Row {
	if topo == nil {
		return nil
	}
	var rows []table.Row
	var masterOffset int64 = -1
	if st := topo.Master; st != nil {
		masterOffset = st.Role.Offset
		rows = append(rows, table.Row{st.Node.Name, st.Node.Addr, "master",
			strconv.FormatInt(st.Role.Offset, 10), "-", "-"})
	}
	for _, st := range topo.Replicas {
		lag := "-"
		if masterOffset >= 0 {
			lag = strconv.FormatInt(masterOffset-st.Role.Offset, 10)
		}
		role := fmt.Sprintf("replica of %s:%d", st.Role.MasterHost, st.Role.MasterPort)
		rows = append(rows, table.Row{st.Node.Name, st.Node.Addr, role,
			strconv.FormatInt(st.Role.Offset, 10), lag, st.Role.LinkState})
	}
	for _, st := range topo.Down {
		rows = append(rows, table.Row{st.Node.Name, st.Node.Addr, "down", "-", "-", "-"})
	}
	return rows
}

func replicaRows(topo *admin.Topology) []table.Row {
	if topo == nil || topo.Master == nil {
		return nil
	}
	master := topo.Master.Role
	rows := make([]table.Row, 0, len(master.Replicas))
	for _, r := range master.Replicas {
		rows = append(rows, table.Row{
			fmt.Sprintf("%s:%d", r.Host, r.Port),
			strconv.FormatInt(r.Offset, 10),
			strconv.FormatInt(master.Offset-r.Offset, 10),
		})
	}
	return rows
}

func newTopCmd() *cobra.Command {
	var (
		clusterFile string
		interval    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "top",
		Short: "Watch the replication topology of a cluster",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cluster, err := admin.LoadCluster(clusterFile)
			if err != nil {
				return fmt.Errorf("failed to load cluster config: %w", err)
			}
			cmd.SilenceUsage = true

			sw, err := admin.NewSwitchover(cluster, logging.NewNopLogger())
			if err != nil {
				return err
			}
			p := tea.NewProgram(newTopModel(sw, interval), tea.WithAltScreen(), tea.WithContext(cmd.Context()))
			_, err = p.Run()
			return err
		},
	}
	cmd.Flags().StringVar(&clusterFile, "cluster", "cluster.yaml", "cluster configuration file")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "refresh interval")
	return cmd
}
