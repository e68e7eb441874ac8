package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"filippo.io/age"

	"github.com/n8nkeeper/n8nkeeper/internal/compose"
	"github.com/n8nkeeper/n8nkeeper/internal/envfile"
	"github.com/n8nkeeper/n8nkeeper/internal/lockfile"
	"github.com/n8nkeeper/n8nkeeper/internal/logging"
	"github.com/n8nkeeper/n8nkeeper/internal/metrics"
	"github.com/n8nkeeper/n8nkeeper/internal/stack"
	"github.com/n8nkeeper/n8nkeeper/internal/storage"
	"github.com/n8nkeeper/n8nkeeper/internal/types"
)

// ErrNotInstalled is returned when the installation root is missing. The
// check runs before any service is touched.
var ErrNotInstalled = errors.New("installation root missing")

// ErrValidationFailed marks a backup whose archive was written but did not
// pass validation. A successful backup is defined as one that also validates.
var ErrValidationFailed = errors.New("backup archive failed validation")

// Composer orchestrates one full backup run: service shutdown, component
// archiving, bundling, retention, restart and self-validation.
type Composer struct {
	logger     *logging.Logger
	record     *envfile.Record
	inst       *stack.Installation
	services   compose.ServiceManager
	archiver   *Archiver
	validator  *Validator
	exporter   *metrics.PrometheusExporter
	appVersion string

	now func() time.Time
}

// NewComposer creates a backup composer.
func NewComposer(logger *logging.Logger, record *envfile.Record, inst *stack.Installation, services compose.ServiceManager, appVersion string) *Composer {
	return &Composer{
		logger:     logger,
		record:     record,
		inst:       inst,
		services:   services,
		archiver:   NewArchiver(logger, services),
		validator:  NewValidator(logger, record.AgeIdentityFile),
		appVersion: appVersion,
		now:        time.Now,
	}
}

// SetExporter attaches a Prometheus textfile exporter for run statistics.
func (c *Composer) SetExporter(e *metrics.PrometheusExporter) {
	c.exporter = e
}

// SetNowFunc overrides the clock (tests).
func (c *Composer) SetNowFunc(now func() time.Time) {
	if now != nil {
		c.now = now
	}
}

// Compose produces one validated outer archive in the backup directory and
// returns its path. All component archives share a single timestamp.
func (c *Composer) Compose(ctx context.Context, policy types.RestartPolicy) (string, error) {
	if !c.inst.IsInstalled() {
		return "", fmt.Errorf("%w: %s (run deploy first)", ErrNotInstalled, c.inst.Root)
	}

	lock, err := lockfile.Acquire(c.inst.LockPath())
	if err != nil {
		return "", err
	}
	defer lock.Release()

	ts := c.now()
	startedAt := ts
	c.logger.Phase("Backup run started (timestamp %s)", ts.Format(types.TimestampLayout))

	if err := os.MkdirAll(c.inst.TempDir(), 0o700); err != nil {
		return "", fmt.Errorf("cannot create temp root: %w", err)
	}
	workspace, err := os.MkdirTemp(c.inst.TempDir(), "backup-")
	if err != nil {
		return "", fmt.Errorf("cannot create backup workspace: %w", err)
	}
	// The workspace is removed even when the run fails mid-way.
	defer os.RemoveAll(workspace)

	if err := os.MkdirAll(c.inst.BackupDir(), 0o700); err != nil {
		return "", fmt.Errorf("cannot create backup directory: %w", err)
	}

	// 1. Stop services so the database component is crash-consistent.
	if err := c.services.Stop(ctx); err != nil {
		return "", fmt.Errorf("cannot stop services: %w", err)
	}
	servicesStopped := true
	defer func() {
		if servicesStopped && policy == types.RestartServices {
			if err := c.restartServices(ctx); err != nil {
				c.logger.Warning("Failed to restart services after backup: %v", err)
				c.logger.Warning("Start them manually with: n8nkeeper start")
			}
		}
	}()

	// 2. Archive every known component at the shared timestamp.
	results := make([]ComponentResult, 0, len(types.AllComponents()))
	for _, kind := range types.AllComponents() {
		results = append(results, c.archiver.Archive(ctx, c.inst.Source(kind), ts, workspace))
	}

	manifest := NewManifest(ts, c.appVersion, results)
	if err := manifest.Write(workspace + "/" + ManifestFilename); err != nil {
		c.logger.Warning("Cannot write archive manifest: %v", err)
	}

	// 3. Bundle all component archives into the outer archive.
	outPath := c.inst.BackupDir() + "/" + types.OuterArchiveName(ts)
	if err := createOuterArchive(ctx, workspace, outPath); err != nil {
		return "", fmt.Errorf("cannot create outer archive: %w", err)
	}

	// 4. Retention: keep the most recent archives, delete the rest.
	retentionDeleted, err := storage.ApplyRetention(c.inst.BackupDir(), c.logger)
	if err != nil {
		c.logger.Warning("Retention pass failed: %v", err)
	}

	// 5. Restart policy.
	if policy == types.RestartServices {
		servicesStopped = false
		if err := c.restartServices(ctx); err != nil {
			c.logger.Warning("Failed to restart services after backup: %v", err)
			c.logger.Warning("Start them manually with: n8nkeeper start")
		}
	} else {
		servicesStopped = false
		c.logger.Info("Services left stopped as requested")
	}

	// 6. Self-validate: the archive exists on disk either way, but the run
	// only reports success when validation passes.
	report := c.validator.Validate(outPath)
	c.exportMetrics(startedAt, outPath, results, retentionDeleted, report.OK)
	if !report.OK {
		return outPath, fmt.Errorf("%w: %s", ErrValidationFailed, strings.Join(report.Reasons, "; "))
	}

	// Encryption happens after validation so the validator always sees the
	// stream it will see again at restore time (it decrypts transparently).
	if c.record.EncryptBackup {
		recipients, err := parseRecipients(c.record.AgeRecipients)
		if err != nil {
			return outPath, fmt.Errorf("cannot encrypt archive: %w", err)
		}
		encPath, err := encryptFile(outPath, recipients)
		if err != nil {
			return outPath, fmt.Errorf("cannot encrypt archive: %w", err)
		}
		c.logger.Info("Archive encrypted: %s", encPath)
		outPath = encPath
	}

	c.logger.Phase("Backup run completed: %s", outPath)
	return outPath, nil
}

func (c *Composer) restartServices(ctx context.Context) error {
	if err := c.services.Start(ctx); err != nil {
		return err
	}
	if err := c.services.WaitHealthy(ctx); err != nil {
		c.logger.Warning("Services did not report healthy in time: %v", err)
		c.logger.Warning("Check status with: n8nkeeper status")
	}
	return nil
}

func (c *Composer) exportMetrics(start time.Time, outPath string, results []ComponentResult, retentionDeleted int, validationOK bool) {
	if c.exporter == nil {
		return
	}

	hostname, _ := os.Hostname()
	m := &metrics.BackupMetrics{
		Hostname:         hostname,
		AppVersion:       c.appVersion,
		StartTime:        start,
		EndTime:          c.now(),
		Success:          true,
		ValidationOK:     validationOK,
		RetentionDeleted: retentionDeleted,
	}
	m.Duration = m.EndTime.Sub(m.StartTime)
	if info, err := os.Stat(outPath); err == nil {
		m.ArchiveSize = info.Size()
	}
	for _, r := range results {
		m.ComponentsTotal++
		if r.Empty {
			m.ComponentsEmpty++
		}
		if r.Failed {
			m.ComponentsFailed++
		}
	}
	if backups, err := storage.ListBackups(c.inst.BackupDir()); err == nil {
		m.LocalBackupsCount = len(backups)
	}

	if err := c.exporter.Export(m); err != nil {
		c.logger.Warning("Cannot export metrics: %v", err)
	}
}

func parseRecipients(specs []string) ([]age.Recipient, error) {
	var recipients []age.Recipient
	for _, s := range specs {
		r, err := age.ParseX25519Recipient(s)
		if err != nil {
			return nil, fmt.Errorf("invalid AGE recipient %q: %w", s, err)
		}
		recipients = append(recipients, r)
	}
	return recipients, nil
}
