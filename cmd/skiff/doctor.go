package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/skiff-dev/skiff/internal/doctor"
	clierrors "github.com/skiff-dev/skiff/internal/errors"
	"github.com/skiff-dev/skiff/internal/output"
)

func newDoctorCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose common issues",
		Long: `Run diagnostic checks to identify configuration and runtime issues.

Checks performed:
  - Backend command presence and executability
  - State directory permissions
  - Runtime liveness (instance marker and socket)
  - Preferred backend port availability`,
		Example: `  skiff doctor
  skiff doctor --format yaml`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := output.FromContext(cmd.Context())

			runner := doctor.New()
			results := runner.Run(cmd.Context())

			switch format {
			case "yaml":
				body, err := yaml.Marshal(results)
				if err != nil {
					return err
				}
				out.Print("%s", body)
				return nil
			case "text":
			default:
				return &clierrors.CLIError{
					Message: fmt.Sprintf("Unknown format '%s'", format),
					Hint:    "Use --format text or --format yaml",
					Code:    clierrors.ExitUsage,
				}
			}

			if out.JSON {
				return out.PrintJSON(results)
			}

			out.Println("Skiff Doctor")
			out.Println("============")
			out.Println()

			maxNameLen := 0
			for _, r := range results {
				if len(r.Name) > maxNameLen {
					maxNameLen = len(r.Name)
				}
			}

			for _, r := range results {
				padding := maxNameLen - len(r.Name) + 4

				switch r.Status {
				case doctor.StatusPass:
					out.Success("%-*s%s", len(r.Name)+padding, r.Name, r.Message)
				case doctor.StatusWarn:
					out.Warning("%-*s%s", len(r.Name)+padding, r.Name, r.Message)
				case doctor.StatusFail:
					out.Failure("%-*s%s", len(r.Name)+padding, r.Name, r.Message)
				default:
					out.Print("%s %-*s%s\n", r.Status.Symbol(), len(r.Name)+padding, r.Name, r.Message)
				}

				if r.Detail != "" {
					out.Muted("    %s", r.Detail)
				}
			}

			passed, failed, warnings := doctor.Summary(results)
			out.Println()
			out.Print("%d passed", passed)
			if failed > 0 {
				out.Print(", %d failed", failed)
			}
			if warnings > 0 {
				out.Print(", %d warning(s)", warnings)
			}
			out.Println()

			if failed > 0 {
				return clierrors.New(clierrors.ExitGeneral, "Some checks failed")
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "text", "Output format: text, yaml")

	return cmd
}
