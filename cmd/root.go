package cmd

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version is set via ldflags during build.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:     "myrientdl",
	Short:   "A download manager for large HTTP file catalogs",
	Long:    `myrientdl queues, chunks and resumes downloads from a read-only file catalog, surviving restarts and host hiccups.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		isMaster, err := AcquireLock()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error acquiring lock: %v\n", err)
			os.Exit(1)
		}
		if !isMaster {
			fmt.Fprintln(os.Stderr, "myrientdl is already running.")
			fmt.Fprintln(os.Stderr, "Use 'myrientdl add <file-id>' to queue a download on the running instance.")
			os.Exit(1)
		}
		defer ReleaseLock()

		portFlag, _ := cmd.Flags().GetInt("port")
		catalogPath, _ := cmd.Flags().GetString("catalog")

		var port int
		var ln net.Listener
		if portFlag > 0 {
			port = portFlag
			ln, err = net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: could not bind to port %d: %v\n", port, err)
				os.Exit(1)
			}
		} else {
			port, ln = findAvailablePort(8080)
			if ln == nil {
				fmt.Fprintln(os.Stderr, "Error: could not find an available port")
				os.Exit(1)
			}
		}

		d, err := buildDaemon(catalogPath, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer d.store.Close()
		defer d.engine.Stop()

		if err := d.engine.Restore(); err != nil {
			fmt.Fprintf(os.Stderr, "Error restoring queue: %v\n", err)
			os.Exit(1)
		}

		srv := startControlServer(ln, d)
		saveActivePort(port)
		defer removeActivePort()

		fmt.Printf("myrientdl %s listening on 127.0.0.1:%d\n", Version, port)
		fmt.Println("Press Ctrl+C to exit.")

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		fmt.Println("\nShutting down...")
		srv.Close()
	},
}

// Execute runs the root command, adding every subcommand.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().IntP("port", "p", 0, "port to listen on (default: 8080 or first available)")
	rootCmd.Flags().String("catalog", "", "path to a JSON catalog file to serve downloads from")
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(folderCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(confirmCmd)
	rootCmd.AddCommand(declineCmd)
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cleanCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.SetVersionTemplate("myrientdl version {{.Version}}\n")
}
