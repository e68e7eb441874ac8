// Package metrics writes backup run statistics in Prometheus textfile format
// for node_exporter's textfile collector.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/n8nkeeper/n8nkeeper/internal/logging"
)

// BackupMetrics represents the statistics exported after one backup run.
type BackupMetrics struct {
	Hostname   string
	AppVersion string

	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration

	Success           bool
	ValidationOK      bool
	ArchiveSize       int64
	ComponentsTotal   int
	ComponentsEmpty   int
	ComponentsFailed  int
	RetentionDeleted  int
	LocalBackupsCount int
}

// PrometheusExporter writes backup metrics into a node_exporter textfile
// collector directory.
type PrometheusExporter struct {
	textfileDir string
	logger      *logging.Logger
}

// NewPrometheusExporter creates an exporter writing into textfileDir.
func NewPrometheusExporter(textfileDir string, logger *logging.Logger) *PrometheusExporter {
	return &PrometheusExporter{
		textfileDir: strings.TrimRight(textfileDir, "/"),
		logger:      logger,
	}
}

// Export writes the snapshot to n8n_backup.prom, atomically via a temp file
// so node_exporter never scrapes a partial write.
func (pe *PrometheusExporter) Export(m *BackupMetrics) error {
	if pe == nil || m == nil {
		return nil
	}
	if pe.textfileDir == "" {
		return fmt.Errorf("metrics textfile directory is empty")
	}

	if err := os.MkdirAll(pe.textfileDir, 0o755); err != nil {
		return fmt.Errorf("create metrics directory %s: %w", pe.textfileDir, err)
	}

	tmpPath := filepath.Join(pe.textfileDir, "n8n_backup.prom.tmp")
	finalPath := filepath.Join(pe.textfileDir, "n8n_backup.prom")

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create metrics file %s: %w", tmpPath, err)
	}
	defer f.Close()

	writeMetric := func(name, mtype, help, value string) {
		fmt.Fprintf(f, "# HELP %s %s\n", name, help)
		fmt.Fprintf(f, "# TYPE %s %s\n", name, mtype)
		fmt.Fprintln(f, value)
	}

	labels := fmt.Sprintf(`{hostname=%q,version=%q}`, m.Hostname, m.AppVersion)

	status := 0
	if !m.Success {
		status = 2
	} else if !m.ValidationOK {
		status = 1
	}

	writeMetric("n8n_backup_status", "gauge",
		"Backup status: 0=success 1=validation warning 2=failure",
		fmt.Sprintf("n8n_backup_status%s %d", labels, status))
	writeMetric("n8n_backup_start_time_seconds", "gauge",
		"Unix timestamp of backup start",
		fmt.Sprintf("n8n_backup_start_time_seconds%s %d", labels, m.StartTime.Unix()))
	writeMetric("n8n_backup_duration_seconds", "gauge",
		"Duration of the backup run in seconds",
		fmt.Sprintf("n8n_backup_duration_seconds%s %.1f", labels, m.Duration.Seconds()))
	writeMetric("n8n_backup_archive_size_bytes", "gauge",
		"Size of the produced outer archive in bytes",
		fmt.Sprintf("n8n_backup_archive_size_bytes%s %d", labels, m.ArchiveSize))
	writeMetric("n8n_backup_components_total", "gauge",
		"Number of components archived",
		fmt.Sprintf("n8n_backup_components_total%s %d", labels, m.ComponentsTotal))
	writeMetric("n8n_backup_components_empty", "gauge",
		"Number of empty placeholder components",
		fmt.Sprintf("n8n_backup_components_empty%s %d", labels, m.ComponentsEmpty))
	writeMetric("n8n_backup_components_failed", "gauge",
		"Number of components that failed to archive",
		fmt.Sprintf("n8n_backup_components_failed%s %d", labels, m.ComponentsFailed))
	writeMetric("n8n_backup_retention_deleted", "gauge",
		"Number of old archives deleted by retention",
		fmt.Sprintf("n8n_backup_retention_deleted%s %d", labels, m.RetentionDeleted))
	writeMetric("n8n_backup_local_count", "gauge",
		"Number of archives currently retained",
		fmt.Sprintf("n8n_backup_local_count%s %d", labels, m.LocalBackupsCount))

	if err := f.Sync(); err != nil {
		pe.logger.Debug("Metrics fsync failed: %v", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("publish metrics file: %w", err)
	}

	pe.logger.Debug("Prometheus metrics written to %s", finalPath)
	return nil
}
