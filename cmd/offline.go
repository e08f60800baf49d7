package cmd

import (
	"fmt"
	"os"
)

// runOffline is the fallback path for a mutating command when no daemon is
// reachable: it becomes a short-lived instance of the daemon itself (master
// mode, in the teacher's terms), runs fn against it, then tears down.
// Grounded on the teacher's cmd/get.go/process.go "become master if no one
// else is" branch, simplified since this binary has no interactive TUI mode
// to fall into.
func runOffline(catalogPath string, fn func(d *daemon)) {
	isMaster, err := AcquireLock()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error acquiring lock: %v\n", err)
		os.Exit(1)
	}
	if !isMaster {
		fmt.Fprintln(os.Stderr, "Error: myrientdl appears to be running but its control port could not be reached.")
		fmt.Fprintln(os.Stderr, "Remove the stale lock file or wait for the other instance to exit.")
		os.Exit(1)
	}
	defer ReleaseLock()

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

	fn(d)
}
