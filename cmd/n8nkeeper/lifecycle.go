package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the state of the managed services",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initApp(true); err != nil {
				return err
			}
			out, err := app.services.Status(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), out)
			return nil
		},
	}
}

func newLogsCmd() *cobra.Command {
	var tail int

	cmd := &cobra.Command{
		Use:   "logs [service]",
		Short: "Show service logs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initApp(true); err != nil {
				return err
			}
			service := ""
			if len(args) == 1 {
				service = args[0]
			}
			out, err := app.services.Logs(cmd.Context(), service, tail)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), out)
			return nil
		},
	}

	cmd.Flags().IntVar(&tail, "tail", 100, "number of log lines per service")
	return cmd
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Wait until every service reports healthy",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initApp(true); err != nil {
				return err
			}
			if err := app.services.WaitHealthy(cmd.Context()); err != nil {
				return fmt.Errorf("services are not healthy: %w", err)
			}
			app.logger.Info("All services healthy")
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "n8nkeeper %s (%s/%s)\n", version, runtime.GOOS, runtime.GOARCH)
			if buildTime != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "built %s\n", buildTime)
			}
		},
	}
}

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the managed services",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initApp(true); err != nil {
				return err
			}
			return app.services.Start(cmd.Context())
		},
	}
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the managed services",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initApp(true); err != nil {
				return err
			}
			return app.services.Stop(cmd.Context())
		},
	}
}

func newRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart the managed services",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initApp(true); err != nil {
				return err
			}
			return app.services.Restart(cmd.Context())
		},
	}
}

// newUpdateCmd pulls newer images and recreates the services. A backup is
// taken first so a bad image update stays recoverable.
func newUpdateCmd() *cobra.Command {
	var skipBackup bool

	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update service images (takes a backup first)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initApp(true); err != nil {
				return err
			}

			if !skipBackup {
				if _, err := newComposer().Compose(cmd.Context(), leaveStoppedPolicy()); err != nil {
					return err
				}
			}

			if err := app.services.Pull(cmd.Context()); err != nil {
				return err
			}
			if err := app.services.Start(cmd.Context()); err != nil {
				return err
			}
			if err := app.services.WaitHealthy(cmd.Context()); err != nil {
				app.logger.Warning("Services not yet healthy after update: %v", err)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&skipBackup, "skip-backup", false, "skip the pre-update backup")
	return cmd
}
