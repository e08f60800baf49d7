package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Prune completed/cancelled downloads older than --days",
	Run: func(cmd *cobra.Command, args []string) {
		days, _ := cmd.Flags().GetInt("days")

		if client := dialDaemon(); client != nil {
			var resp cleanHistoryResponse
			if err := client.post("/clean-history", cleanHistoryRequest{DaysOld: days}, &resp); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("Pruned %d downloads\n", resp.Count)
			return
		}

		st, err := openStoreDirect()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		count, err := st.PruneOlderThan(days)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Pruned %d downloads\n", count)
	},
}

func init() {
	cleanCmd.Flags().Int("days", 30, "prune completed/cancelled downloads older than this many days")
}
