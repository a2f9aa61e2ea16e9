//go:build unix

package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	clierrors "github.com/skiff-dev/skiff/internal/errors"
	"github.com/skiff-dev/skiff/internal/output"
	"github.com/skiff-dev/skiff/internal/paths"
	"github.com/skiff-dev/skiff/internal/portlease"
)

func newStopCmd() *cobra.Command {
	var (
		timeout time.Duration
		force   bool
	)

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a running runtime",
		Long: `Stop the Skiff runtime recorded in the instance marker. The runtime gets
SIGTERM and shuts down in order: socket, sessions, backend. With --force,
SIGKILL follows if the runtime outlives the timeout.`,
		Example: `  skiff stop
  skiff stop --timeout 30s
  skiff stop --force`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := output.FromContext(cmd.Context())

			markerPath, err := paths.MarkerPath()
			if err != nil {
				return err
			}

			marker, err := portlease.ReadMarker(markerPath)
			if err != nil {
				return err
			}

			if marker == nil {
				out.Info("Skiff runtime is not running")
				return nil
			}

			if !processAlive(marker.PID) {
				// Leftover marker from a crashed instance.
				if err := portlease.RemoveMarker(markerPath); err != nil {
					return err
				}
				out.Warning("Removed stale marker for dead runtime (pid %d)", marker.PID)
				return nil
			}

			if err := unix.Kill(marker.PID, unix.SIGTERM); err != nil {
				return clierrors.Wrap(clierrors.ExitGeneral,
					fmt.Sprintf("Could not signal runtime (pid %d)", marker.PID), err)
			}

			spinner := out.Spinner(fmt.Sprintf("Stopping runtime (pid %d)...", marker.PID))
			spinner.Start()

			if waitForDeath(marker.PID, timeout) {
				spinner.StopWithSuccess("Runtime stopped")
				return nil
			}

			if force {
				_ = unix.Kill(marker.PID, unix.SIGKILL)
				if waitForDeath(marker.PID, 2*time.Second) {
					spinner.StopWithSuccess("Runtime killed")
					_ = portlease.RemoveMarker(markerPath)
					return nil
				}
			}

			spinner.StopWithFailure("Runtime did not stop")

			return clierrors.New(clierrors.ExitGeneral,
				fmt.Sprintf("Runtime (pid %d) is still running after %s", marker.PID, timeout)).
				WithHint("Retry with 'skiff stop --force'")
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "How long to wait for a graceful stop")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "SIGKILL the runtime if it outlives the timeout")

	return cmd
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}

	err := unix.Kill(pid, 0)

	return err == nil || errors.Is(err, unix.EPERM)
}

func waitForDeath(pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}

	return !processAlive(pid)
}
