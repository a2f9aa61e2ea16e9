package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/skiff-dev/skiff/internal/client"
	"github.com/skiff-dev/skiff/internal/config"
	"github.com/skiff-dev/skiff/internal/output"
	"github.com/skiff-dev/skiff/internal/paths"
	"github.com/skiff-dev/skiff/internal/portlease"
)

// StatusInfo represents runtime status for JSON output.
type StatusInfo struct {
	Running      bool   `json:"running"`
	State        string `json:"state,omitempty"`
	Port         int    `json:"port,omitempty"`
	RestartCount int    `json:"restart_count"`
	Sessions     int    `json:"sessions"`
	PID          int    `json:"pid,omitempty"`
	Error        string `json:"error,omitempty"`
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Short:   "Show backend and session state",
		Long:    `Query the running Skiff runtime over its local socket and report the backend's health, port, restart count, and how many terminal sessions are live.`,
		Example: `  skiff status
  skiff status --json`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := output.FromContext(cmd.Context())

			cfg := config.Load()
			socketPath, err := cfg.SocketPath()
			if err != nil {
				return err
			}

			info := StatusInfo{}

			c, err := client.Dial(cmd.Context(), socketPath)
			if err != nil {
				if out.JSON {
					return out.PrintJSON(info)
				}
				return err
			}
			defer c.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.ReadTimeout())
			defer cancel()

			ev, err := c.Status(ctx)
			if err != nil {
				return err
			}

			info.Running = true
			info.State = ev.State
			info.Port = ev.Port
			info.RestartCount = ev.RestartCount
			info.Sessions = ev.Sessions
			info.Error = ev.Error

			if marker, err := portlease.ReadMarker(markerPathOrEmpty()); err == nil && marker != nil {
				info.PID = marker.PID
			}

			if out.JSON {
				return out.PrintJSON(info)
			}

			switch ev.State {
			case "healthy":
				out.Success("Backend healthy on port %d", ev.Port)
			case "stopped":
				out.Failure("Backend stopped")
			default:
				out.Warning("Backend %s", ev.State)
			}

			out.Print("  restarts: %d\n", ev.RestartCount)
			out.Print("  sessions: %d\n", ev.Sessions)
			if info.PID != 0 {
				out.Print("  runtime pid: %d\n", info.PID)
			}
			if ev.Error != "" {
				out.Muted("  last error: %s", ev.Error)
			}

			return nil
		},
	}
}

func markerPathOrEmpty() string {
	p, err := paths.MarkerPath()
	if err != nil {
		return ""
	}

	return p
}
