// Package stack describes the on-disk layout of one n8n stack installation
// and maps backup components to their live data sources.
package stack

import (
	"os"
	"path/filepath"

	"github.com/n8nkeeper/n8nkeeper/internal/types"
	"github.com/n8nkeeper/n8nkeeper/pkg/utils"
)

const (
	// DefaultInstallDir is the installation root unless overridden via the
	// N8N_INSTALL_DIR environment variable.
	DefaultInstallDir = "/opt/n8n"

	// LocalHostname is the fixed local name always included in the
	// self-signed certificate SAN list.
	LocalHostname = "n8n.local"

	// VolumePostgres is the named container volume holding PostgreSQL data.
	VolumePostgres = "n8n_postgres_data"

	// VolumeAppData is the named container volume holding n8n application
	// data, including the credentials encryption key file.
	VolumeAppData = "n8n_app_data"

	// EncryptionKeyFile anchors n8n's credential encryption inside the
	// application data volume. Restores copy it forward verbatim and never
	// regenerate it.
	EncryptionKeyFile = "config"

	// fail2banConfigDir and firewallConfigDir are host-level paths outside
	// the installation root.
	fail2banConfigDir = "/etc/fail2ban"
	firewallConfigDir = "/etc/ufw"
)

// Installation anchors every path of one deployed stack.
type Installation struct {
	Root string
}

// Detect returns the Installation rooted at N8N_INSTALL_DIR or the default.
func Detect() *Installation {
	root := os.Getenv("N8N_INSTALL_DIR")
	if root == "" {
		root = DefaultInstallDir
	}
	return &Installation{Root: root}
}

// New returns an Installation rooted at the given directory.
func New(root string) *Installation {
	return &Installation{Root: root}
}

// IsInstalled reports whether a deploy has completed at this root.
func (i *Installation) IsInstalled() bool {
	return utils.FileExists(i.EnvPath()) && utils.FileExists(i.ComposePath())
}

// EnvPath is the environment record file.
func (i *Installation) EnvPath() string { return filepath.Join(i.Root, ".env") }

// ComposePath is the docker compose definition of the managed services.
func (i *Installation) ComposePath() string { return filepath.Join(i.Root, "docker-compose.yml") }

// BackupDir holds the outer backup archives.
func (i *Installation) BackupDir() string { return filepath.Join(i.Root, "backups") }

// LogPath is the rotated application log file.
func (i *Installation) LogPath() string { return filepath.Join(i.Root, "logs", "n8nkeeper.log") }

// LockPath is the global advisory lock taken for the duration of any
// backup or restore run.
func (i *Installation) LockPath() string { return filepath.Join(i.Root, ".n8nkeeper.lock") }

// TempDir is the shared temporary workspace used by backup and restore.
func (i *Installation) TempDir() string { return filepath.Join(i.Root, "tmp") }

// NginxDir holds the reverse proxy configuration.
func (i *Installation) NginxDir() string { return filepath.Join(i.Root, "nginx") }

// SelfSignedDir holds the host-identity certificate pair.
func (i *Installation) SelfSignedDir() string {
	return filepath.Join(i.Root, "certs", "selfsigned")
}

// SelfSignedCert is the self-signed certificate file.
func (i *Installation) SelfSignedCert() string {
	return filepath.Join(i.SelfSignedDir(), "server.crt")
}

// SelfSignedKey is the self-signed private key file.
func (i *Installation) SelfSignedKey() string {
	return filepath.Join(i.SelfSignedDir(), "server.key")
}

// CADir is the provider-agnostic location of the CA-issued material, kept
// separate from both the self-signed pair and the ACME client state.
func (i *Installation) CADir() string { return filepath.Join(i.Root, "certs", "live") }

// CACert is the CA-issued full chain file.
func (i *Installation) CACert() string { return filepath.Join(i.CADir(), "fullchain.pem") }

// CAKey is the CA-issued private key file.
func (i *Installation) CAKey() string { return filepath.Join(i.CADir(), "privkey.pem") }

// DNSSecretsDir holds per-provider DNS credential files.
func (i *Installation) DNSSecretsDir() string { return filepath.Join(i.Root, "secrets", "dns") }

// LetsencryptDir holds ACME account and certificate state.
func (i *Installation) LetsencryptDir() string { return filepath.Join(i.Root, "letsencrypt") }

// RestoreDest returns the directory a path-sourced component archive must be
// extracted into. Component archives carry base-name prefixed entries, so the
// destination is the parent of the component's live paths.
func (i *Installation) RestoreDest(kind types.ComponentKind) string {
	switch kind {
	case types.ComponentConfig:
		return i.Root
	case types.ComponentDNSCredentials:
		return filepath.Join(i.Root, "secrets")
	case types.ComponentFail2banConfig, types.ComponentFirewallConfig:
		return "/etc"
	case types.ComponentLetsencryptConfig:
		return i.Root
	default:
		return i.Root
	}
}

// ComponentSource describes where one component's live data comes from.
type ComponentSource struct {
	Kind types.ComponentKind

	// Source addressing: either a named volume or a set of paths.
	SourceKind types.SourceKind
	Volume     string
	Paths      []string
}

// Source returns the live data source for a component.
func (i *Installation) Source(kind types.ComponentKind) ComponentSource {
	switch kind {
	case types.ComponentPostgresData:
		return ComponentSource{Kind: kind, SourceKind: types.SourceVolume, Volume: VolumePostgres}
	case types.ComponentN8NData:
		return ComponentSource{Kind: kind, SourceKind: types.SourceVolume, Volume: VolumeAppData}
	case types.ComponentConfig:
		return ComponentSource{Kind: kind, SourceKind: types.SourcePath, Paths: []string{
			i.EnvPath(),
			i.ComposePath(),
			i.NginxDir(),
			filepath.Join(i.Root, "certs"),
		}}
	case types.ComponentDNSCredentials:
		return ComponentSource{Kind: kind, SourceKind: types.SourceCredentialFiles, Paths: []string{i.DNSSecretsDir()}}
	case types.ComponentFail2banConfig:
		return ComponentSource{Kind: kind, SourceKind: types.SourcePath, Paths: []string{fail2banConfigDir}}
	case types.ComponentFirewallConfig:
		return ComponentSource{Kind: kind, SourceKind: types.SourcePath, Paths: []string{firewallConfigDir}}
	case types.ComponentLetsencryptConfig:
		return ComponentSource{Kind: kind, SourceKind: types.SourcePath, Paths: []string{i.LetsencryptDir()}}
	default:
		return ComponentSource{Kind: kind, SourceKind: types.SourcePath}
	}
}
