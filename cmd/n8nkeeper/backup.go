package main

import (
	"github.com/spf13/cobra"

	"github.com/n8nkeeper/n8nkeeper/internal/backup"
	"github.com/n8nkeeper/n8nkeeper/internal/metrics"
	"github.com/n8nkeeper/n8nkeeper/internal/types"
)

func newComposer() *backup.Composer {
	composer := backup.NewComposer(app.logger, app.record, app.inst, app.services, version)
	if app.record.MetricsEnabled {
		composer.SetExporter(metrics.NewPrometheusExporter(app.record.MetricsPath, app.logger))
	}
	return composer
}

func leaveStoppedPolicy() types.RestartPolicy {
	return types.LeaveStopped
}

func newBackupCmd() *cobra.Command {
	var leaveStopped bool

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create and validate a full backup archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initApp(true); err != nil {
				return err
			}

			policy := types.RestartServices
			if leaveStopped {
				policy = types.LeaveStopped
			}

			path, err := newComposer().Compose(cmd.Context(), policy)
			if err != nil {
				return err
			}
			app.logger.Info("Backup archive: %s", path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&leaveStopped, "leave-stopped", false, "do not restart services after the backup")
	return cmd
}
