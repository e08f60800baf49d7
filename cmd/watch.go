package cmd

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/myrientdl/myrientdl/internal/tui/colors"
	"github.com/myrientdl/myrientdl/internal/tui/components"
	"github.com/myrientdl/myrientdl/internal/types"
	"github.com/myrientdl/myrientdl/internal/utils"
)

const watchPollInterval = time.Second

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live-updating table of every download's state and progress",
	Run: func(cmd *cobra.Command, args []string) {
		p := tea.NewProgram(newWatchModel())
		if _, err := p.Run(); err != nil {
			fmt.Println("Error:", err)
		}
	},
}

type watchTickMsg time.Time

type watchLoadedMsg struct {
	downloads []*types.Download
	err       error
}

type watchModel struct {
	table table.Model
	err   error
}

func newWatchModel() watchModel {
	columns := []table.Column{
		{Title: "ID", Width: 8},
		{Title: "STATE", Width: 22},
		{Title: "PROGRESS", Width: 9},
		{Title: "SIZE", Width: 9},
		{Title: "TITLE", Width: 40},
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithRows(nil),
		table.WithFocused(false),
		table.WithHeight(20),
	)

	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(colors.Gray).
		BorderBottom(true).
		Bold(true)
	styles.Selected = styles.Selected.
		Foreground(colors.White).
		Background(colors.DarkGray)
	t.SetStyles(styles)

	return watchModel{table: t}
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(loadDownloadsCmd(), tickCmd())
}

func tickCmd() tea.Cmd {
	return tea.Tick(watchPollInterval, func(t time.Time) tea.Msg {
		return watchTickMsg(t)
	})
}

func loadDownloadsCmd() tea.Cmd {
	return func() tea.Msg {
		downloads, err := loadDownloadList()
		return watchLoadedMsg{downloads: downloads, err: err}
	}
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return m, tea.Quit
		}
	case watchTickMsg:
		return m, tea.Batch(loadDownloadsCmd(), tickCmd())
	case watchLoadedMsg:
		m.err = msg.err
		if msg.err == nil {
			m.table.SetRows(downloadRows(msg.downloads))
		}
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func downloadRows(downloads []*types.Download) []table.Row {
	rows := make([]table.Row, 0, len(downloads))
	for _, d := range downloads {
		status := components.DetermineStatus(d.State, time.Time{})
		progress := "-"
		size := "-"
		if d.TotalBytes > 0 {
			progress = fmt.Sprintf("%.0f%%", d.Progress*100)
			size = utils.ConvertBytesToHumanReadable(d.TotalBytes)
		}
		rows = append(rows, table.Row{shortID(d.ID), status.Render(), progress, size, d.Title})
	}
	return rows
}

func (m watchModel) View() string {
	header := lipgloss.NewStyle().Foreground(colors.NeonPurple).Bold(true).Render("myrientdl — watch")
	footer := lipgloss.NewStyle().Foreground(colors.LightGray).Render("q to quit")
	if m.err != nil {
		return fmt.Sprintf("%s\n\nerror: %v\n\n%s\n", header, m.err, footer)
	}
	return fmt.Sprintf("%s\n\n%s\n\n%s\n", header, m.table.View(), footer)
}
