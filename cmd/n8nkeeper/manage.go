package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/n8nkeeper/n8nkeeper/internal/certs"
	"github.com/n8nkeeper/n8nkeeper/internal/envfile"
	"github.com/n8nkeeper/n8nkeeper/internal/types"
)

func newManageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manage",
		Short: "Manage configuration and certificates",
	}
	cmd.AddCommand(
		newManageGetCmd(),
		newManageSetCmd(),
		newManageCertModeCmd(),
		newManageIssueCACmd(),
		newManageRenewCertsCmd(),
	)
	return cmd
}

func newManageGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Read one environment record key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initApp(true); err != nil {
				return err
			}
			if !app.record.Has(args[0]) {
				return fmt.Errorf("key %s is not set", args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), app.record.GetString(args[0], ""))
			return nil
		},
	}
}

func newManageSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Upsert one environment record key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initApp(true); err != nil {
				return err
			}
			app.record.Set(args[0], args[1])
			return app.record.Save()
		},
	}
}

func newManageCertModeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cert-mode <selfsigned|ca>",
		Short: "Switch which certificate identity nginx serves by default",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initApp(true); err != nil {
				return err
			}

			var mode types.CertificateMode
			switch args[0] {
			case "selfsigned":
				mode = types.CertModeSelfSigned
			case "ca":
				mode = types.CertModeCA
			default:
				return fmt.Errorf("unknown certificate mode %q", args[0])
			}

			manager := certs.NewManager(app.logger, app.inst, app.record, nil)
			if err := manager.SwitchMode(mode); err != nil {
				return err
			}
			return app.services.Restart(cmd.Context())
		},
	}
}

// caManager wires the DNS provider configured in the environment record.
// A named provider uses its hook script and credential file; anything else
// falls back to the manual record-and-wait flow.
func caManager() *certs.Manager {
	var provider certs.DNSProvider = certs.NewManualProvider(app.logger)
	if name := app.record.DNSProvider; name != "" && name != "manual" {
		hook := app.record.GetString(envfile.KeyDNSHookScript, "/usr/local/bin/n8n-dns-hook")
		provider = certs.NewScriptProvider(hook, app.record.DNSCredentialFile(name), app.logger)
	}
	ca := certs.NewACMEClient("", app.record.ACMEEmail, provider, app.logger)
	return certs.NewManager(app.logger, app.inst, app.record, ca)
}

func newManageIssueCACmd() *cobra.Command {
	return &cobra.Command{
		Use:   "issue-ca",
		Short: "Obtain a CA-issued certificate for the configured domain",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initApp(true); err != nil {
				return err
			}
			return caManager().IssueCA(cmd.Context(), app.record.Domain)
		},
	}
}

func newManageRenewCertsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "renew-certs",
		Short: "Renew the CA-issued certificate when close to expiry",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initApp(true); err != nil {
				return err
			}
			return caManager().RenewIfNeeded(cmd.Context())
		},
	}
}
