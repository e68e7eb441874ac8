package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/n8nkeeper/n8nkeeper/internal/compose"
	"github.com/n8nkeeper/n8nkeeper/internal/envfile"
	"github.com/n8nkeeper/n8nkeeper/internal/logging"
	"github.com/n8nkeeper/n8nkeeper/internal/stack"
	"github.com/n8nkeeper/n8nkeeper/internal/types"
)

var (
	errNotInstalled     = errors.New("no installation found, run deploy first")
	errPasswordMismatch = errors.New("passwords do not match")
)

// application holds the wired collaborators shared by all subcommands.
type application struct {
	logger   *logging.Logger
	inst     *stack.Installation
	record   *envfile.Record
	services compose.ServiceManager
}

var (
	flagInstallDir string
	flagDebug      bool
	flagNoColor    bool

	app application
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "n8nkeeper",
		Short: "Deploy, back up and restore a self-hosted n8n stack",
		Long: `n8nkeeper manages a self-hosted n8n workflow-automation stack
(n8n, PostgreSQL, nginx under docker compose): deployment, full backups
with validation, destructive restores and certificate lifecycle.`,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.PersistentFlags().StringVar(&flagInstallDir, "install-dir", "", "installation directory (default $N8N_INSTALL_DIR or /opt/n8n)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")
	root.PersistentFlags().BoolVar(&flagNoColor, "no-color", false, "disable colored output")

	root.AddCommand(
		newDeployCmd(),
		newUninstallCmd(),
		newManageCmd(),
		newBackupCmd(),
		newRestoreCmd(),
		newStatusCmd(),
		newLogsCmd(),
		newHealthCmd(),
		newVersionCmd(),
		newStartCmd(),
		newStopCmd(),
		newRestartCmd(),
		newUpdateCmd(),
	)
	return root
}

// initApp wires logger, installation, record and service manager. With
// requireInstalled, a missing installation is refused before anything runs.
func initApp(requireInstalled bool) error {
	if flagInstallDir != "" {
		app.inst = stack.New(flagInstallDir)
	} else {
		app.inst = stack.Detect()
	}

	if requireInstalled && !app.inst.IsInstalled() {
		return fmt.Errorf("%w (looked in %s)", errNotInstalled, app.inst.Root)
	}

	if app.inst.IsInstalled() {
		record, err := envfile.Load(app.inst.EnvPath())
		if err != nil {
			return err
		}
		app.record = record
	} else {
		app.record = envfile.NewEmpty(app.inst.EnvPath())
	}

	level := app.record.DebugLevel
	if flagDebug {
		level = types.LogLevelDebug
	}
	app.logger = logging.New(level, app.record.UseColor && !flagNoColor)
	if app.inst.IsInstalled() {
		if err := app.logger.OpenLogFile(app.inst.LogPath()); err != nil {
			app.logger.Debug("Cannot open log file: %v", err)
		}
	}
	logging.SetDefaultLogger(app.logger)

	app.services = compose.NewDockerCompose(app.inst.ComposePath(), app.logger)
	return nil
}

// promptPassword reads a password twice without echo and refuses a mismatch.
func promptPassword(prompt string) (string, error) {
	fmt.Fprintf(os.Stderr, "%s: ", prompt)
	first, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}

	fmt.Fprintf(os.Stderr, "%s (again): ", prompt)
	second, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}

	if string(first) != string(second) {
		return "", errPasswordMismatch
	}
	return string(first), nil
}
