package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/myrientdl/myrientdl/internal/engine"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show active and queued download ids",
	Run: func(cmd *cobra.Command, args []string) {
		stats, err := loadStats()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Active (%d):\n", len(stats.ActiveIDs))
		for _, id := range stats.ActiveIDs {
			fmt.Printf("  %s\n", id)
		}
		fmt.Printf("Queued (%d):\n", len(stats.QueuedIDs))
		for _, id := range stats.QueuedIDs {
			fmt.Printf("  %s\n", id)
		}
	},
}

func loadStats() (engine.Stats, error) {
	if client := dialDaemon(); client != nil {
		var stats engine.Stats
		if err := client.get("/stats", &stats); err != nil {
			return engine.Stats{}, err
		}
		return stats, nil
	}

	// No daemon reachable: nothing is actively running, so report only
	// what the store itself considers active from a prior crash, with no
	// in-memory queue to read.
	st, err := openStoreDirect()
	if err != nil {
		return engine.Stats{}, err
	}
	defer st.Close()

	active, err := st.GetActiveIDs()
	if err != nil {
		return engine.Stats{}, err
	}
	return engine.Stats{ActiveIDs: active}, nil
}
