// Package storage manages the on-disk backup archive directory: listing,
// lookup and the retention policy.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/n8nkeeper/n8nkeeper/internal/logging"
	"github.com/n8nkeeper/n8nkeeper/internal/types"
)

// RetentionKeep is the number of most-recent outer archives kept on every
// successful backup run.
const RetentionKeep = 5

// ListBackups returns every outer archive in dir, newest first. Files that
// do not follow the naming convention are ignored.
func ListBackups(dir string) ([]types.BackupInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read backup directory %s: %w", dir, err)
	}

	var backups []types.BackupInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ts, ok := parseArchiveName(entry.Name())
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		backups = append(backups, types.BackupInfo{
			Timestamp: ts,
			Filename:  entry.Name(),
			Size:      info.Size(),
			Path:      filepath.Join(dir, entry.Name()),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})
	return backups, nil
}

// parseArchiveName extracts the timestamp from
// full_backup_<YYYYMMDD_HHMMSS>.tar.gz (optionally .age-encrypted).
func parseArchiveName(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, types.ArchivePrefix) {
		return time.Time{}, false
	}
	rest := strings.TrimPrefix(name, types.ArchivePrefix)
	rest = strings.TrimSuffix(rest, types.EncryptedSuffix)
	if !strings.HasSuffix(rest, ".tar.gz") {
		return time.Time{}, false
	}
	rest = strings.TrimSuffix(rest, ".tar.gz")

	ts, err := time.ParseInLocation(types.TimestampLayout, rest, time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// ApplyRetention keeps the RetentionKeep most recent archives in dir and
// deletes the rest. Returns the number of deleted archives.
func ApplyRetention(dir string, logger *logging.Logger) (int, error) {
	backups, err := ListBackups(dir)
	if err != nil {
		return 0, err
	}
	if len(backups) <= RetentionKeep {
		return 0, nil
	}

	deleted := 0
	for _, b := range backups[RetentionKeep:] {
		if err := os.Remove(b.Path); err != nil {
			logger.Warning("Retention: cannot delete %s: %v", b.Filename, err)
			continue
		}
		logger.Info("Retention: deleted old backup %s", b.Filename)
		deleted++
	}
	return deleted, nil
}
