package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/myrientdl/myrientdl/internal/clipboard"
)

var addCmd = &cobra.Command{
	Use:   "add [file-id]",
	Short: "Queue a single file for download",
	Long: `Queue one catalog file id for download.

Use --clipboard to queue whatever URL is currently on the clipboard instead
of a catalog id; the catalog is bypassed for that download.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		downloadPath, _ := cmd.Flags().GetString("path")
		preserve, _ := cmd.Flags().GetBool("preserve-structure")
		force, _ := cmd.Flags().GetBool("force")
		fromClipboard, _ := cmd.Flags().GetBool("clipboard")
		catalogPath, _ := cmd.Flags().GetString("catalog")

		var clipURL string
		if fromClipboard {
			clipURL = clipboard.ReadURL()
			if clipURL == "" {
				fmt.Fprintln(os.Stderr, "Error: clipboard does not contain a valid http(s) URL")
				os.Exit(1)
			}
		} else if len(args) != 1 {
			fmt.Fprintln(os.Stderr, "Error: requires a file-id argument or --clipboard")
			os.Exit(1)
		}

		if downloadPath == "" {
			downloadPath = "."
		}

		if client := dialDaemon(); client != nil {
			req := downloadRequest{
				DownloadPath:      downloadPath,
				PreserveStructure: preserve,
				ForceOverwrite:    force,
			}
			if clipURL != "" {
				req.URL = clipURL
			} else {
				req.FileID = args[0]
			}

			var resp downloadResponse
			if err := client.post("/download", req, &resp); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("Queued %s\n", resp.ID)
			return
		}

		runOffline(catalogPath, func(d *daemon) {
			var id string
			var err error
			if clipURL != "" {
				id, err = d.engine.DownloadURL(clipURL, "", downloadPath, force)
			} else {
				id, err = d.engine.Download(args[0], downloadPath, preserve, force)
			}
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("Queued %s\n", id)
			waitForTerminal(d.store, []string{id}, 24*time.Hour)
		})
	},
}

func init() {
	addCmd.Flags().StringP("path", "o", "", "destination directory (default: current directory)")
	addCmd.Flags().Bool("preserve-structure", true, "mirror the catalog's folder structure under path")
	addCmd.Flags().Bool("force", false, "overwrite an existing file of matching size without confirmation")
	addCmd.Flags().Bool("clipboard", false, "queue the URL currently on the clipboard")
	addCmd.Flags().String("catalog", "", "path to a JSON catalog file (offline mode only)")
}
