package storage

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/n8nkeeper/n8nkeeper/internal/logging"
	"github.com/n8nkeeper/n8nkeeper/internal/types"
)

func newTestLogger() *logging.Logger {
	logger := logging.New(types.LogLevelNone, false)
	logger.SetOutput(io.Discard)
	return logger
}

func writeArchive(t *testing.T, dir, name string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte("archive"), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestListBackupsNewestFirst(t *testing.T) {
	dir := t.TempDir()
	writeArchive(t, dir, "full_backup_20250101_120000.tar.gz")
	writeArchive(t, dir, "full_backup_20250301_120000.tar.gz")
	writeArchive(t, dir, "full_backup_20250201_120000.tar.gz.age")

	backups, err := ListBackups(dir)
	if err != nil {
		t.Fatalf("ListBackups failed: %v", err)
	}
	if len(backups) != 3 {
		t.Fatalf("expected 3 backups, got %d", len(backups))
	}

	want := []string{
		"full_backup_20250301_120000.tar.gz",
		"full_backup_20250201_120000.tar.gz.age",
		"full_backup_20250101_120000.tar.gz",
	}
	for i, name := range want {
		if backups[i].Filename != name {
			t.Errorf("position %d: expected %s, got %s", i, name, backups[i].Filename)
		}
	}
}

func TestListBackupsIgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	writeArchive(t, dir, "full_backup_20250101_120000.tar.gz")
	writeArchive(t, dir, "notes.txt")
	writeArchive(t, dir, "full_backup_garbage.tar.gz")
	writeArchive(t, dir, "backup_20250101_120000.tar.gz")

	backups, err := ListBackups(dir)
	if err != nil {
		t.Fatalf("ListBackups failed: %v", err)
	}
	if len(backups) != 1 {
		t.Fatalf("expected 1 backup, got %d", len(backups))
	}
}

func TestListBackupsMissingDir(t *testing.T) {
	backups, err := ListBackups(filepath.Join(t.TempDir(), "does-not-exist"))
	if err != nil {
		t.Fatalf("missing directory must not error: %v", err)
	}
	if len(backups) != 0 {
		t.Fatalf("expected no backups, got %d", len(backups))
	}
}

func TestApplyRetentionKeepsNewestFive(t *testing.T) {
	dir := t.TempDir()
	names := []string{
		"full_backup_20250101_120000.tar.gz",
		"full_backup_20250102_120000.tar.gz",
		"full_backup_20250103_120000.tar.gz",
		"full_backup_20250104_120000.tar.gz",
		"full_backup_20250105_120000.tar.gz",
		"full_backup_20250106_120000.tar.gz",
		"full_backup_20250107_120000.tar.gz",
	}
	for _, name := range names {
		writeArchive(t, dir, name)
	}

	deleted, err := ApplyRetention(dir, newTestLogger())
	if err != nil {
		t.Fatalf("ApplyRetention failed: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected 2 deletions, got %d", deleted)
	}

	remaining, err := ListBackups(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != RetentionKeep {
		t.Fatalf("expected %d remaining, got %d", RetentionKeep, len(remaining))
	}
	// The two oldest must be gone.
	for _, b := range remaining {
		if b.Filename == names[0] || b.Filename == names[1] {
			t.Errorf("old archive %s survived retention", b.Filename)
		}
	}
}

func TestApplyRetentionUnderLimitDeletesNothing(t *testing.T) {
	dir := t.TempDir()
	writeArchive(t, dir, "full_backup_20250101_120000.tar.gz")

	deleted, err := ApplyRetention(dir, newTestLogger())
	if err != nil {
		t.Fatalf("ApplyRetention failed: %v", err)
	}
	if deleted != 0 {
		t.Fatalf("expected no deletions, got %d", deleted)
	}
}
