package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/myrientdl/myrientdl/internal/store"
	"github.com/myrientdl/myrientdl/internal/types"
)

// runIDCommand is the shared dual-mode body for every single-id mutating
// command: send to a running daemon's endpoint if one is reachable, else
// open the store directly and call direct. Grounded on the teacher's
// pause.go/resume.go/rm.go "http.Post if a port file exists, else call the
// state package directly" pattern.
func runIDCommand(partialID, endpoint string, direct func(st *store.Store, id string) error) {
	if client := dialDaemon(); client != nil {
		if err := client.post(endpoint, idRequest{ID: partialID}, nil); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s: ok\n", partialID)
		return
	}

	st, err := openStoreDirect()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	id, err := resolveID(st, partialID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := direct(st, id); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s: ok\n", id)
}

func setState(state types.State) func(st *store.Store, id string) error {
	return func(st *store.Store, id string) error {
		return st.UpdateState(id, state, "")
	}
}

var pauseCmd = &cobra.Command{
	Use:   "pause <id>",
	Short: "Pause a running or queued download",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runIDCommand(args[0], "/pause", setState(types.StatePaused))
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <id>",
	Short: "Resume a paused download",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runIDCommand(args[0], "/resume", setState(types.StateQueued))
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a download",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runIDCommand(args[0], "/cancel", setState(types.StateCancelled))
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Re-queue an interrupted download",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runIDCommand(args[0], "/retry", setState(types.StateQueued))
	},
}

var confirmCmd = &cobra.Command{
	Use:   "confirm <id>",
	Short: "Confirm overwriting an existing file of matching size",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runIDCommand(args[0], "/confirm", func(st *store.Store, id string) error {
			d, err := st.GetDownload(id)
			if err != nil {
				return err
			}
			d.ForceOverwrite = true
			if err := st.UpsertDownload(d); err != nil {
				return err
			}
			return st.UpdateState(id, types.StateQueued, "")
		})
	},
}

var declineCmd = &cobra.Command{
	Use:   "decline <id>",
	Short: "Decline overwriting, cancelling the download instead",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runIDCommand(args[0], "/decline", setState(types.StateCancelled))
	},
}

var rmCmd = &cobra.Command{
	Use:     "rm <id>",
	Aliases: []string{"delete"},
	Short:   "Delete a download's queue row and chunk plan",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runIDCommand(args[0], "/delete", func(st *store.Store, id string) error {
			return st.DeleteDownload(id)
		})
	},
}
