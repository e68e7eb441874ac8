package types

import (
	"fmt"
	"time"
)

// ComponentKind identifies one independently (de)serializable piece of stack
// state. A backup-produced archive always contains exactly one entry per
// kind; absent sources are represented by empty placeholder archives.
type ComponentKind string

const (
	// ComponentPostgresData - the PostgreSQL data volume.
	ComponentPostgresData ComponentKind = "postgres_data"

	// ComponentN8NData - the n8n application data volume (workflows,
	// database of credentials, the encryption key file).
	ComponentN8NData ComponentKind = "n8n_data"

	// ComponentConfig - the installation directory configuration set
	// (environment record, compose file, nginx config, certificates).
	ComponentConfig ComponentKind = "config"

	// ComponentDNSCredentials - DNS provider credential files used for
	// DNS-01 certificate challenges.
	ComponentDNSCredentials ComponentKind = "dns_credentials"

	// ComponentFail2banConfig - fail2ban jail and filter configuration.
	ComponentFail2banConfig ComponentKind = "fail2ban_config"

	// ComponentFirewallConfig - host firewall rule snapshot.
	ComponentFirewallConfig ComponentKind = "firewall_config"

	// ComponentLetsencryptConfig - ACME client account and certificate
	// state.
	ComponentLetsencryptConfig ComponentKind = "letsencrypt_config"
)

// String returns the string representation of the component kind.
func (c ComponentKind) String() string {
	return string(c)
}

// IsCore reports whether the component is required for a backup to be
// considered valid.
func (c ComponentKind) IsCore() bool {
	switch c {
	case ComponentPostgresData, ComponentN8NData, ComponentConfig:
		return true
	}
	return false
}

// ArchiveName returns the component archive filename for the given shared
// backup timestamp.
func (c ComponentKind) ArchiveName(ts time.Time) string {
	return fmt.Sprintf("%s_%s.tar.gz", c, ts.Format(TimestampLayout))
}

// CoreComponents lists the components without which a backup is invalid.
func CoreComponents() []ComponentKind {
	return []ComponentKind{
		ComponentPostgresData,
		ComponentN8NData,
		ComponentConfig,
	}
}

// SecurityComponents lists the optional host-protection components. They are
// validated when present but never block validation success.
func SecurityComponents() []ComponentKind {
	return []ComponentKind{
		ComponentDNSCredentials,
		ComponentFail2banConfig,
		ComponentFirewallConfig,
		ComponentLetsencryptConfig,
	}
}

// AllComponents lists every known component, core components first.
func AllComponents() []ComponentKind {
	return append(CoreComponents(), SecurityComponents()...)
}

// SourceKind describes how a component's data is reached on the live system.
type SourceKind string

const (
	// SourceVolume - a named container volume, archived through a
	// throwaway container.
	SourceVolume SourceKind = "volume"

	// SourcePath - a set of filesystem paths.
	SourcePath SourceKind = "path"

	// SourceCredentialFiles - individual credential files with
	// restrictive permissions.
	SourceCredentialFiles SourceKind = "credentials"
)

// TimestampLayout is the shared second-resolution timestamp format used for
// the outer archive and every component archive produced in one run.
const TimestampLayout = "20060102_150405"

// ArchivePrefix is the outer backup archive filename prefix.
const ArchivePrefix = "full_backup_"

// EncryptedSuffix marks an age-encrypted outer archive.
const EncryptedSuffix = ".age"

// OuterArchiveName returns the outer archive filename for a timestamp.
func OuterArchiveName(ts time.Time) string {
	return fmt.Sprintf("%s%s.tar.gz", ArchivePrefix, ts.Format(TimestampLayout))
}

// CertificateMode selects which identity nginx serves as its default
// (SNI-unmatched) certificate.
type CertificateMode string

const (
	// CertModeSelfSigned - the host-identity self-signed certificate is
	// primary.
	CertModeSelfSigned CertificateMode = "selfsigned"

	// CertModeCA - the domain-bound CA-issued certificate is primary.
	CertModeCA CertificateMode = "ca"
)

// String returns the string representation of the certificate mode.
func (m CertificateMode) String() string {
	return string(m)
}

// RestartPolicy controls what the backup composer does with the managed
// services after the archive is written.
type RestartPolicy string

const (
	// RestartServices - start the stack again after the backup.
	RestartServices RestartPolicy = "restart"

	// LeaveStopped - keep the stack stopped (pre-uninstall safeguard).
	LeaveStopped RestartPolicy = "leave-stopped"
)

// BackupInfo describes one outer archive on disk.
type BackupInfo struct {
	// Backup timestamp parsed from the filename
	Timestamp time.Time

	// Archive file name
	Filename string

	// File size in bytes
	Size int64

	// Full file path
	Path string
}

// LogLevel represents the logging level.
type LogLevel int

const (
	// LogLevelDebug - Debug logs (maximum detail)
	LogLevelDebug LogLevel = 5

	// LogLevelInfo - General information
	LogLevelInfo LogLevel = 4

	// LogLevelWarning - Warnings
	LogLevelWarning LogLevel = 3

	// LogLevelError - Errors
	LogLevelError LogLevel = 2

	// LogLevelCritical - Critical errors
	LogLevelCritical LogLevel = 1

	// LogLevelNone - No logs
	LogLevelNone LogLevel = 0
)

// String returns the string representation of the log level.
func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarning:
		return "WARNING"
	case LogLevelError:
		return "ERROR"
	case LogLevelCritical:
		return "CRITICAL"
	case LogLevelNone:
		return "NONE"
	default:
		return "UNKNOWN"
	}
}
