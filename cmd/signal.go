package cmd

import (
	"fmt"
	"io"
	"os"
	"syscall"
	"time"

	"grimm.is/flowgate/internal/brand"
)

// stopTimeout bounds how long RunStop waits for the daemon to exit.
const stopTimeout = 5 * time.Second

// RunReload validates the configuration and asks the running daemon to
// apply it. A configuration that fails to build is never signalled.
func RunReload(w io.Writer, configFile string) error {
	Printer.Fprintf(w, "Validating configuration: %s\n", configFile)
	if _, err := tablesOf(configFile); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	pid, err := signalDaemon(syscall.SIGHUP)
	if err != nil {
		return err
	}
	Printer.Fprintf(w, "Sent SIGHUP to process %d\n", pid)
	return nil
}

// RunStop sends SIGTERM to the running daemon and waits for it to exit.
func RunStop(w io.Writer) error {
	pid, err := signalDaemon(syscall.SIGTERM)
	if err != nil {
		return err
	}
	Printer.Fprintf(w, "Stopping %s (PID: %d)...\n", brand.Name, pid)

	pidFile := brand.PIDFile()
	deadline := time.Now().Add(stopTimeout)
	for time.Now().Before(deadline) {
		_, statErr := os.Stat(pidFile)
		if os.IsNotExist(statErr) || !alive(pid) {
			Printer.Fprintln(w, "Stopped.")
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	Printer.Fprintln(w, "Warning: daemon still running. Process might be stuck or slow to shut down.")
	return nil
}

// signalDaemon delivers sig to the process named by the PID file. A PID
// file left behind by a dead daemon is reported as such.
func signalDaemon(sig syscall.Signal) (int, error) {
	pidFile := brand.PIDFile()
	pid, err := readPIDFile(pidFile)
	if err != nil {
		return 0, err
	}
	if !alive(pid) {
		return 0, fmt.Errorf("stale PID file %s: process %d not running", pidFile, pid)
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return 0, fmt.Errorf("failed to find process %d: %w", pid, err)
	}
	if err := process.Signal(sig); err != nil {
		return 0, fmt.Errorf("failed to send %s: %w", sig, err)
	}
	return pid, nil
}

func alive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
