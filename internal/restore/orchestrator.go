// Package restore rebuilds a stack installation from one validated backup
// archive. The flow is a linear state machine; every step either completes,
// degrades to a logged warning, or aborts the run.
package restore

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/n8nkeeper/n8nkeeper/internal/backup"
	"github.com/n8nkeeper/n8nkeeper/internal/certs"
	"github.com/n8nkeeper/n8nkeeper/internal/compose"
	"github.com/n8nkeeper/n8nkeeper/internal/envfile"
	"github.com/n8nkeeper/n8nkeeper/internal/lockfile"
	"github.com/n8nkeeper/n8nkeeper/internal/logging"
	"github.com/n8nkeeper/n8nkeeper/internal/retry"
	"github.com/n8nkeeper/n8nkeeper/internal/security"
	"github.com/n8nkeeper/n8nkeeper/internal/stack"
	"github.com/n8nkeeper/n8nkeeper/internal/types"
)

const (
	helperImage = "alpine:3.20"

	serviceDatabase = "postgres"

	dbReadyAttempts = 30
	dbReadyDelay    = 2 * time.Second

	healthRequestTimeout = 10 * time.Second
)

// ErrAborted is returned when the operator declines the destructive-restore
// confirmation.
var ErrAborted = fmt.Errorf("restore aborted by operator")

// Confirmer asks the operator to approve a destructive restore. The summary
// describes what will be replaced.
type Confirmer func(summary string) (bool, error)

// Options configures one restore run.
type Options struct {
	ArchivePath string

	// AssumeYes skips the destructive-restore confirmation (scheduled or
	// scripted restores).
	AssumeYes bool
}

// Orchestrator executes the restore state machine.
type Orchestrator struct {
	logger    *logging.Logger
	record    *envfile.Record
	inst      *stack.Installation
	services  compose.ServiceManager
	validator *backup.Validator
	certs     *certs.Manager
	firewall  security.FirewallManager
	ips       security.IntrusionPreventionManager
	confirm   Confirmer
}

// NewOrchestrator creates a restore orchestrator. firewall and ips may be nil
// when the matching security feature is disabled.
func NewOrchestrator(
	logger *logging.Logger,
	record *envfile.Record,
	inst *stack.Installation,
	services compose.ServiceManager,
	certManager *certs.Manager,
	firewall security.FirewallManager,
	ips security.IntrusionPreventionManager,
	confirm Confirmer,
) *Orchestrator {
	return &Orchestrator{
		logger:    logger,
		record:    record,
		inst:      inst,
		services:  services,
		validator: backup.NewValidator(logger, record.AgeIdentityFile),
		certs:     certManager,
		firewall:  firewall,
		ips:       ips,
		confirm:   confirm,
	}
}

// Run executes the full restore flow against one archive. Validation gates
// the run; nothing is stopped or deleted for an archive that fails it.
func (o *Orchestrator) Run(ctx context.Context, opts Options) error {
	o.logger.Phase("Restore from %s", filepath.Base(opts.ArchivePath))

	report := o.validator.Validate(opts.ArchivePath)
	if !report.OK {
		for _, reason := range report.Reasons {
			o.logger.Error("Validation: %s", reason)
		}
		return fmt.Errorf("archive failed validation: %s", strings.Join(report.Reasons, "; "))
	}
	for _, warning := range report.Warnings {
		o.logger.Warning("Validation: %s", warning)
	}

	if !opts.AssumeYes {
		ok, err := o.confirm(o.destructionSummary(report))
		if err != nil {
			return err
		}
		if !ok {
			return ErrAborted
		}
	}

	lock, err := lockfile.Acquire(o.inst.LockPath())
	if err != nil {
		return err
	}
	defer lock.Release()

	if err := o.services.Stop(ctx); err != nil {
		return fmt.Errorf("cannot stop services: %w", err)
	}

	scratch, contents, err := o.unpack(ctx, opts.ArchivePath)
	if err != nil {
		return err
	}
	defer os.RemoveAll(scratch)

	if err := o.restoreConfigAndCerts(ctx, report, contents); err != nil {
		return err
	}
	if err := o.restoreApplicationData(ctx, report, contents); err != nil {
		return err
	}
	o.restoreDatabase(ctx, report, contents)
	o.restoreSecurityComponents(ctx, report, contents)

	if o.certs != nil {
		if err := o.certs.AdaptAfterRestore(); err != nil {
			o.logger.Warning("Certificate adaptation failed: %v", err)
			o.logger.Warning("Regenerate the self-signed certificate manually with: n8nkeeper manage")
		}
	}

	if err := o.services.Start(ctx); err != nil {
		return fmt.Errorf("cannot start services after restore: %w", err)
	}

	o.postRestoreHealthCheck(ctx)

	o.logger.Phase("Restore completed")
	return nil
}

// destructionSummary describes what the restore will replace.
func (o *Orchestrator) destructionSummary(report *backup.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "This restore will REPLACE the current installation at %s:\n", o.inst.Root)
	b.WriteString("  - all n8n workflows and credentials\n")
	b.WriteString("  - the PostgreSQL database\n")
	b.WriteString("  - configuration, certificates and security settings\n")
	if report.Manifest != nil {
		fmt.Fprintf(&b, "Backup taken %s on host %s.\n", report.Manifest.Timestamp, report.Manifest.Hostname)
	}
	b.WriteString("Current data that is not in the backup will be lost.")
	return b.String()
}

// unpack prepares the scratch workspace: decrypts the archive when needed and
// extracts the outer layer. Returns the scratch root and the contents dir.
func (o *Orchestrator) unpack(ctx context.Context, archivePath string) (string, string, error) {
	if err := os.MkdirAll(o.inst.TempDir(), 0o700); err != nil {
		return "", "", fmt.Errorf("cannot create temp root: %w", err)
	}
	scratch, err := os.MkdirTemp(o.inst.TempDir(), "restore-")
	if err != nil {
		return "", "", fmt.Errorf("cannot create restore workspace: %w", err)
	}

	plainPath := archivePath
	if backup.IsEncrypted(archivePath) {
		plainPath, err = backup.DecryptToScratch(archivePath, o.record.AgeIdentityFile, scratch)
		if err != nil {
			os.RemoveAll(scratch)
			return "", "", fmt.Errorf("cannot decrypt archive: %w", err)
		}
	}

	contents := filepath.Join(scratch, "contents")
	if err := os.MkdirAll(contents, 0o700); err != nil {
		os.RemoveAll(scratch)
		return "", "", err
	}
	if err := backup.ExtractArchive(ctx, plainPath, contents); err != nil {
		os.RemoveAll(scratch)
		return "", "", fmt.Errorf("cannot extract archive: %w", err)
	}
	return scratch, contents, nil
}

// componentFile finds the newest file in contents belonging to a component,
// optionally filtered by suffix.
func componentFile(contents string, kind types.ComponentKind, suffixes ...string) string {
	entries, err := os.ReadDir(contents)
	if err != nil {
		return ""
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, kind.String()+"_") {
			continue
		}
		if len(suffixes) > 0 {
			matched := false
			for _, s := range suffixes {
				if strings.HasSuffix(name, s) {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return ""
	}
	sort.Strings(names)
	return filepath.Join(contents, names[len(names)-1])
}

// restoreConfigAndCerts extracts the configuration component into the
// installation root and reloads the environment record from it.
func (o *Orchestrator) restoreConfigAndCerts(ctx context.Context, report *backup.Report, contents string) error {
	o.logger.Step("Restoring configuration and certificates")

	path := componentFile(contents, types.ComponentConfig, ".tar.gz")
	if path == "" || report.Components[types.ComponentConfig] != backup.StatusValid {
		return fmt.Errorf("configuration component missing from validated archive")
	}
	if err := backup.ExtractArchive(ctx, path, o.inst.Root); err != nil {
		return fmt.Errorf("restore configuration: %w", err)
	}
	if err := os.Chmod(o.inst.EnvPath(), 0o600); err != nil {
		o.logger.Warning("Cannot restrict permissions on %s: %v", o.inst.EnvPath(), err)
	}

	// The restored record replaces the in-memory one for the rest of the run.
	restored, err := envfile.Load(o.inst.EnvPath())
	if err != nil {
		return fmt.Errorf("reload restored environment record: %w", err)
	}
	*o.record = *restored
	return nil
}

// restoreVolume destructively replaces a named volume with the contents of a
// component archive.
func (o *Orchestrator) restoreVolume(ctx context.Context, volume, archivePath string) error {
	exists, err := o.services.VolumeExists(ctx, volume)
	if err != nil {
		return err
	}
	if exists {
		if err := o.services.RemoveVolume(ctx, volume); err != nil {
			return fmt.Errorf("remove volume %s: %w", volume, err)
		}
	}
	if err := o.services.CreateVolume(ctx, volume); err != nil {
		return fmt.Errorf("create volume %s: %w", volume, err)
	}

	binds := []string{
		volume + ":/dest",
		filepath.Dir(archivePath) + ":/archives:ro",
	}
	if _, err := o.services.RunOneShot(ctx, helperImage, binds,
		"tar", "-xzf", "/archives/"+filepath.Base(archivePath), "-C", "/dest"); err != nil {
		return fmt.Errorf("extract into volume %s: %w", volume, err)
	}
	return nil
}

// restoreApplicationData replaces the n8n application data volume. The
// credentials encryption key file inside it is copied forward verbatim and
// re-restricted; it is never regenerated, or every stored credential would
// become undecryptable.
func (o *Orchestrator) restoreApplicationData(ctx context.Context, report *backup.Report, contents string) error {
	o.logger.Step("Restoring application data")

	path := componentFile(contents, types.ComponentN8NData, ".tar.gz")
	if path == "" || report.Components[types.ComponentN8NData] != backup.StatusValid {
		return fmt.Errorf("application data component missing from validated archive")
	}
	if err := o.restoreVolume(ctx, stack.VolumeAppData, path); err != nil {
		return err
	}

	if _, err := o.services.RunOneShot(ctx, helperImage,
		[]string{stack.VolumeAppData + ":/dest"},
		"chmod", "600", "/dest/"+stack.EncryptionKeyFile); err != nil {
		o.logger.Warning("Cannot restrict encryption key file permissions: %v", err)
	}
	return nil
}

// restoreDatabase replaces the database from the volume archive, or replays a
// legacy SQL dump into a freshly initialized database. A database restore
// failure degrades to errors and the flow continues, so the operator still
// gets a running stack to repair.
func (o *Orchestrator) restoreDatabase(ctx context.Context, report *backup.Report, contents string) {
	o.logger.Step("Restoring database")

	switch report.Components[types.ComponentPostgresData] {
	case backup.StatusValid:
		path := componentFile(contents, types.ComponentPostgresData, ".tar.gz")
		if err := o.restoreVolume(ctx, stack.VolumePostgres, path); err != nil {
			o.logger.Error("Database volume restore failed: %v", err)
			o.logger.Error("Restore the database manually from %s", filepath.Base(path))
		}
	case backup.StatusLegacySQL:
		path := componentFile(contents, types.ComponentPostgresData, ".sql", ".sql.gz")
		if err := o.replayLegacyDump(ctx, path); err != nil {
			o.logger.Error("Legacy SQL restore failed: %v", err)
			o.logger.Error("Replay the dump manually from %s", filepath.Base(path))
		}
	default:
		o.logger.Error("No usable database component in archive, database not restored")
	}
}

// replayLegacyDump initializes a fresh database volume, starts only the
// database service and replays the dump through psql.
func (o *Orchestrator) replayLegacyDump(ctx context.Context, dumpPath string) error {
	dump, err := os.ReadFile(dumpPath)
	if err != nil {
		return err
	}
	if strings.HasSuffix(dumpPath, ".sql.gz") {
		gz, err := gzip.NewReader(strings.NewReader(string(dump)))
		if err != nil {
			return fmt.Errorf("decompress dump: %w", err)
		}
		dump, err = io.ReadAll(gz)
		gz.Close()
		if err != nil {
			return fmt.Errorf("decompress dump: %w", err)
		}
	}

	exists, err := o.services.VolumeExists(ctx, stack.VolumePostgres)
	if err != nil {
		return err
	}
	if exists {
		if err := o.services.RemoveVolume(ctx, stack.VolumePostgres); err != nil {
			return err
		}
	}
	if err := o.services.CreateVolume(ctx, stack.VolumePostgres); err != nil {
		return err
	}

	if err := o.services.StartService(ctx, serviceDatabase); err != nil {
		return fmt.Errorf("start database service: %w", err)
	}

	user := o.record.GetString(envfile.KeyPostgresUser, "n8n")
	db := o.record.GetString(envfile.KeyPostgresDB, "n8n")

	err = retry.Until(ctx, retry.Options{Attempts: dbReadyAttempts, Delay: dbReadyDelay}, func(ctx context.Context) (bool, error) {
		_, err := o.services.ExecService(ctx, serviceDatabase, nil, "pg_isready", "-U", user)
		return err == nil, nil
	})
	if err != nil {
		return fmt.Errorf("database did not become ready: %w", err)
	}

	recreate := fmt.Sprintf("DROP DATABASE IF EXISTS %q; CREATE DATABASE %q OWNER %q;", db, db, user)
	if _, err := o.services.ExecService(ctx, serviceDatabase, nil,
		"psql", "-U", user, "-d", "postgres", "-c", recreate); err != nil {
		return fmt.Errorf("recreate database: %w", err)
	}

	if _, err := o.services.ExecService(ctx, serviceDatabase, dump,
		"psql", "-U", user, "-d", db, "-v", "ON_ERROR_STOP=1"); err != nil {
		return fmt.Errorf("replay dump: %w", err)
	}

	o.logger.Info("Legacy SQL dump replayed (%d bytes)", len(dump))
	return nil
}

// restoreSecurityComponents restores and reactivates the optional host
// protection components. Everything here degrades to warnings: a missing
// firewall snapshot must not fail an otherwise good restore.
func (o *Orchestrator) restoreSecurityComponents(ctx context.Context, report *backup.Report, contents string) {
	o.logger.Step("Restoring security components")

	for _, kind := range types.SecurityComponents() {
		switch report.Components[kind] {
		case backup.StatusValid:
		case backup.StatusCorrupt:
			o.logger.Warning("Security component %s is corrupt, skipping", kind)
			continue
		default:
			o.logger.Skip("Security component %s not in archive", kind)
			continue
		}

		path := componentFile(contents, kind, ".tar.gz")
		if err := backup.ExtractArchive(ctx, path, o.inst.RestoreDest(kind)); err != nil {
			o.logger.Warning("Cannot restore security component %s: %v", kind, err)
			continue
		}
		o.logger.Info("Security component %s restored", kind)
	}

	o.reactivateFirewall(ctx)
	o.reactivateIntrusionPrevention(ctx)
}

func (o *Orchestrator) reactivateFirewall(ctx context.Context) {
	if o.firewall == nil || !o.record.FirewallEnabled {
		return
	}
	if report := o.firewallReactivate(ctx); report != nil {
		o.logger.Warning("Firewall reactivation failed: %v", report)
		o.logger.Warning("Reactivate manually with: ufw --force enable && ufw reload")
	}
}

func (o *Orchestrator) firewallReactivate(ctx context.Context) error {
	if err := o.firewall.Enable(ctx); err != nil {
		return err
	}
	return o.firewall.Reload(ctx)
}

func (o *Orchestrator) reactivateIntrusionPrevention(ctx context.Context) {
	if o.ips == nil || !o.record.GetBool(envfile.KeyFail2banEnabled, false) {
		return
	}
	if err := o.ips.Restart(ctx); err != nil {
		o.logger.Warning("fail2ban restart failed: %v", err)
		o.logger.Warning("Restart manually with: systemctl restart fail2ban")
	}
}

// postRestoreHealthCheck polls service health and performs one synthetic
// request against the stack. A slow-starting stack is a warning, never a
// restore failure.
func (o *Orchestrator) postRestoreHealthCheck(ctx context.Context) {
	o.logger.Step("Post-restore health check")

	if err := o.services.WaitHealthy(ctx); err != nil {
		o.logger.Warning("Services not yet healthy: %v", err)
		o.logger.Warning("The stack may need more time to start, check later with: n8nkeeper status")
		return
	}

	url, client, err := o.healthTarget()
	if err != nil {
		o.logger.Warning("Cannot build health check request: %v", err)
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, healthRequestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		o.logger.Warning("Cannot build health check request: %v", err)
		return
	}
	resp, err := client.Do(req)
	if err != nil {
		o.logger.Warning("Health check request failed: %v", err)
		o.logger.Warning("The stack may need more time to start")
		return
	}
	resp.Body.Close()

	if resp.StatusCode >= 400 {
		o.logger.Warning("Health endpoint returned %s, the stack may need more time to start", resp.Status)
		return
	}
	o.logger.Info("Health endpoint responded: %s", resp.Status)
}

// healthTarget picks the endpoint and TLS trust for the synthetic request:
// the domain when CA-issued certificates are active, otherwise localhost
// trusting the restored self-signed certificate.
func (o *Orchestrator) healthTarget() (string, *http.Client, error) {
	if o.record.CertMode == types.CertModeCA && o.record.Domain != "" {
		return "https://" + o.record.Domain + "/healthz", &http.Client{Timeout: healthRequestTimeout}, nil
	}

	certPEM, err := os.ReadFile(o.inst.SelfSignedCert())
	if err != nil {
		return "", nil, fmt.Errorf("read self-signed certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(certPEM) {
		return "", nil, fmt.Errorf("self-signed certificate is not valid PEM")
	}

	client := &http.Client{
		Timeout: healthRequestTimeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{RootCAs: pool},
		},
	}
	return "https://localhost/healthz", client, nil
}
