package main

import (
	"github.com/spf13/cobra"

	"github.com/n8nkeeper/n8nkeeper/internal/deploy"
)

func newDeployCmd() *cobra.Command {
	var (
		domain        string
		basicAuthUser string
	)

	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Provision and start a new n8n stack",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initApp(false); err != nil {
				return err
			}

			opts := deploy.Options{Domain: domain, BasicAuthUser: basicAuthUser}
			if basicAuthUser != "" {
				pass, err := promptPassword("Basic auth password")
				if err != nil {
					return err
				}
				opts.BasicAuthPass = pass
			}

			deployer := deploy.NewDeployer(app.logger, app.inst, app.services)
			return deployer.Run(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&domain, "domain", "", "public domain for the n8n instance (optional)")
	cmd.Flags().StringVar(&basicAuthUser, "basic-auth-user", "", "enable basic auth with this user")
	return cmd
}

func newUninstallCmd() *cobra.Command {
	var skipBackup bool

	cmd := &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the stack after taking a safeguard backup",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initApp(true); err != nil {
				return err
			}

			if !skipBackup {
				app.logger.Phase("Taking pre-uninstall safeguard backup")
				if _, err := newComposer().Compose(cmd.Context(), leaveStoppedPolicy()); err != nil {
					return err
				}
			}

			uninstaller := deploy.NewUninstaller(app.logger, app.inst, app.services)
			return uninstaller.Run(cmd.Context())
		},
	}

	cmd.Flags().BoolVar(&skipBackup, "skip-backup", false, "skip the safeguard backup (data is lost)")
	return cmd
}
