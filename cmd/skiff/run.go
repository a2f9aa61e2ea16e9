//go:build unix

package main

import (
	"context"
	"fmt"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/skiff-dev/skiff/internal/config"
	clierrors "github.com/skiff-dev/skiff/internal/errors"
	"github.com/skiff-dev/skiff/internal/observability"
	"github.com/skiff-dev/skiff/internal/output"
	"github.com/skiff-dev/skiff/internal/runtime"
	"github.com/skiff-dev/skiff/internal/supervisor"
)

const shutdownTimeout = 15 * time.Second

func newRunCmd() *cobra.Command {
	var (
		backendCmd  string
		backendPort int
		socketPath  string
		readyWait   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the runtime and supervised backend",
		Long: `Start the Skiff runtime: negotiate a backend port, launch and supervise
the backend process, and serve terminal sessions on the local socket.

The command stays in the foreground until interrupted. Ctrl-C (or SIGTERM,
as sent by 'skiff stop') shuts everything down in order: socket, sessions,
backend.`,
		Example: `  skiff run
  skiff run --backend /usr/local/bin/my-backend
  skiff run --port 5000`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := output.FromContext(cmd.Context())
			logger := observability.FromContext(cmd.Context())

			cfg := config.Load()
			if backendCmd != "" {
				cfg.Override("backend.command", backendCmd)
			}
			if backendPort > 0 {
				cfg.Override("backend.port", backendPort)
			}
			if socketPath != "" {
				cfg.Override("socket.path", socketPath)
			}

			rt, err := runtime.New(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), unix.SIGINT, unix.SIGTERM)
			defer stop()

			if err := rt.Start(ctx); err != nil {
				return err
			}

			spinner := out.Spinner("Waiting for backend to become healthy...")
			spinner.Start()

			waitCtx, cancelWait := context.WithTimeout(ctx, readyWait)
			err = rt.WaitBackendReady(waitCtx)
			cancelWait()
			if err != nil {
				spinner.StopWithFailure("Backend did not become healthy")
				shutdownRuntime(cmd.Context(), rt)
				return err
			}

			health := rt.Health()
			spinner.StopWithSuccess(fmt.Sprintf("Backend healthy on port %d", health.Backend.Port))
			out.Info("Socket: %s", rt.SocketPath())
			out.Muted("  Press Ctrl-C to stop")

			if err := waitForExit(ctx, rt); err != nil {
				shutdownRuntime(cmd.Context(), rt)
				return err
			}

			logger.Info("shutdown requested")
			out.Print("\n")
			out.Info("Shutting down...")

			if err := shutdownRuntime(cmd.Context(), rt); err != nil {
				return clierrors.Wrap(clierrors.ExitGeneral, "Shutdown did not complete cleanly", err)
			}

			out.Success("Runtime stopped")

			return nil
		},
	}

	cmd.Flags().StringVar(&backendCmd, "backend", "", "Backend command (overrides backend.command)")
	cmd.Flags().IntVar(&backendPort, "port", 0, "Preferred backend port (overrides backend.port)")
	cmd.Flags().StringVar(&socketPath, "socket", "", "Unix socket path (overrides socket.path)")
	cmd.Flags().DurationVar(&readyWait, "ready-wait", 60*time.Second, "How long to wait for the first healthy probe")

	return cmd
}

// waitForExit blocks until a shutdown signal arrives or the supervisor gives
// up on the backend for good.
func waitForExit(ctx context.Context, rt *runtime.Runtime) error {
	events, cancel := rt.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.State == supervisor.StateStopped && ctx.Err() == nil {
				return clierrors.BackendStartFailed(ev.Err).
					WithHint("The backend exhausted its restart budget; check its logs and run 'skiff doctor'")
			}
		}
	}
}

func shutdownRuntime(ctx context.Context, rt *runtime.Runtime) error {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	return rt.Shutdown(shutdownCtx)
}
