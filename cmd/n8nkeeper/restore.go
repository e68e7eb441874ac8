package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/n8nkeeper/n8nkeeper/internal/certs"
	"github.com/n8nkeeper/n8nkeeper/internal/restore"
	"github.com/n8nkeeper/n8nkeeper/internal/security"
	"github.com/n8nkeeper/n8nkeeper/internal/storage"
	"github.com/n8nkeeper/n8nkeeper/internal/tui"
)

func newRestoreCmd() *cobra.Command {
	var (
		archivePath string
		assumeYes   bool
	)

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore the stack from a backup archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initApp(true); err != nil {
				return err
			}

			if assumeYes && archivePath == "" {
				return fmt.Errorf("--yes requires --archive")
			}

			if archivePath == "" {
				backups, err := storage.ListBackups(app.inst.BackupDir())
				if err != nil {
					return err
				}
				selected, ok, err := tui.SelectArchive(backups)
				if err != nil {
					return err
				}
				if !ok {
					return restore.ErrAborted
				}
				archivePath = selected.Path
			}

			orch := restore.NewOrchestrator(
				app.logger,
				app.record,
				app.inst,
				app.services,
				certs.NewManager(app.logger, app.inst, app.record, nil),
				security.NewUFW(app.logger),
				security.NewFail2ban(app.logger),
				func(summary string) (bool, error) {
					return tui.ConfirmDestructive("Destructive restore", summary)
				},
			)
			return orch.Run(cmd.Context(), restore.Options{
				ArchivePath: archivePath,
				AssumeYes:   assumeYes,
			})
		},
	}

	cmd.Flags().StringVar(&archivePath, "archive", "", "archive to restore (interactive picker when omitted)")
	cmd.Flags().BoolVar(&assumeYes, "yes", false, "skip the destructive-restore confirmation")
	return cmd
}
