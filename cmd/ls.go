package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/myrientdl/myrientdl/internal/types"
	"github.com/myrientdl/myrientdl/internal/utils"
)

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List every download and its state",
	Run: func(cmd *cobra.Command, args []string) {
		asJSON, _ := cmd.Flags().GetBool("json")

		downloads, err := loadDownloadList()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if asJSON {
			json.NewEncoder(os.Stdout).Encode(downloads)
			return
		}
		printDownloadTable(downloads)
	},
}

func loadDownloadList() ([]*types.Download, error) {
	if client := dialDaemon(); client != nil {
		var downloads []*types.Download
		if err := client.get("/list", &downloads); err != nil {
			return nil, err
		}
		return downloads, nil
	}

	st, err := openStoreDirect()
	if err != nil {
		return nil, err
	}
	defer st.Close()
	return st.LoadAll()
}

func printDownloadTable(downloads []*types.Download) {
	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tPROGRESS\tSIZE\tTITLE")
	for _, d := range downloads {
		progress := "-"
		if d.TotalBytes > 0 {
			progress = fmt.Sprintf("%.0f%%", d.Progress*100)
		}
		size := "-"
		if d.TotalBytes > 0 {
			size = utils.ConvertBytesToHumanReadable(d.TotalBytes)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", shortID(d.ID), d.State, progress, size, d.Title)
	}
	w.Flush()
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func init() {
	lsCmd.Flags().Bool("json", false, "print the full list as JSON")
}
