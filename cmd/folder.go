package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/myrientdl/myrientdl/internal/expander"
	"github.com/myrientdl/myrientdl/internal/store"
)

var folderCmd = &cobra.Command{
	Use:   "folder <folder-id>",
	Short: "Recursively queue every file under a catalog folder",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		downloadPath, _ := cmd.Flags().GetString("path")
		preserve, _ := cmd.Flags().GetBool("preserve-structure")
		force, _ := cmd.Flags().GetBool("force")
		catalogPath, _ := cmd.Flags().GetString("catalog")

		if downloadPath == "" {
			downloadPath = "."
		}

		if client := dialDaemon(); client != nil {
			req := downloadRequest{
				FileID:            args[0],
				DownloadPath:      downloadPath,
				PreserveStructure: preserve,
				ForceOverwrite:    force,
			}
			var report expander.Report
			if err := client.post("/download-folder", req, &report); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			printFolderReport(report)
			return
		}

		runOffline(catalogPath, func(d *daemon) {
			report, err := d.engine.DownloadFolder(args[0], downloadPath, preserve, force)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			printFolderReport(report)

			ids, err := activeAndQueued(d.store)
			if err == nil {
				waitForTerminal(d.store, ids, 24*time.Hour)
			}
		})
	},
}

func printFolderReport(report expander.Report) {
	fmt.Printf("%s: %d files found, %d queued, %d already queued\n",
		report.FolderTitle, report.TotalFiles, report.Added, report.Skipped)
}

// activeAndQueued returns every id that is not yet in a terminal state, so
// an offline folder download's wait loop knows what to poll.
func activeAndQueued(st *store.Store) ([]string, error) {
	downloads, err := st.LoadAllUnfinished()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(downloads))
	for _, d := range downloads {
		ids = append(ids, d.ID)
	}
	return ids, nil
}

func init() {
	folderCmd.Flags().StringP("path", "o", "", "destination directory (default: current directory)")
	folderCmd.Flags().Bool("preserve-structure", true, "mirror the catalog's folder structure under path")
	folderCmd.Flags().Bool("force", false, "overwrite existing files of matching size without confirmation")
	folderCmd.Flags().String("catalog", "", "path to a JSON catalog file (offline mode only)")
}
