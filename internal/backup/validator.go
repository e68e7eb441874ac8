package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/n8nkeeper/n8nkeeper/internal/logging"
	"github.com/n8nkeeper/n8nkeeper/internal/types"
)

// minArchiveSize catches zero-byte and truncated outer archives before any
// structural parsing is attempted.
const minArchiveSize = 1024

// ComponentStatus classifies one component inside a validated archive.
type ComponentStatus string

const (
	// StatusValid - entry present and structurally valid.
	StatusValid ComponentStatus = "valid"

	// StatusEmpty - zero-entry placeholder (source was absent at backup time).
	StatusEmpty ComponentStatus = "empty"

	// StatusMissing - no entry for this component at all.
	StatusMissing ComponentStatus = "missing"

	// StatusCorrupt - entry present but not a valid compressed tar stream.
	StatusCorrupt ComponentStatus = "corrupt"

	// StatusLegacySQL - database component present as a legacy single-file
	// SQL dump instead of a volume archive.
	StatusLegacySQL ComponentStatus = "legacy-sql"
)

// Report is the outcome of validating one archive.
type Report struct {
	OK       bool
	Reasons  []string
	Warnings []string

	// Components records the status of every known component.
	Components map[types.ComponentKind]ComponentStatus

	// Manifest is the parsed archive manifest, when present.
	Manifest *Manifest
}

func (r *Report) fail(format string, args ...interface{}) {
	r.OK = false
	r.Reasons = append(r.Reasons, fmt.Sprintf(format, args...))
}

func (r *Report) warn(format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Validator inspects archives without restoring them. It has no side effects
// on live state, so it can gate a restore decision before anything is
// stopped or deleted.
type Validator struct {
	logger *logging.Logger

	// ageIdentityFile lets the validator transparently handle encrypted
	// archives ("" disables decryption).
	ageIdentityFile string
}

// NewValidator creates a validator.
func NewValidator(logger *logging.Logger, ageIdentityFile string) *Validator {
	return &Validator{logger: logger, ageIdentityFile: ageIdentityFile}
}

// Validate runs the ordered integrity checks against one outer archive.
// Fatal checks short-circuit; security component problems only warn.
func (v *Validator) Validate(archivePath string) *Report {
	report := &Report{
		OK:         true,
		Components: make(map[types.ComponentKind]ComponentStatus),
	}
	for _, kind := range types.AllComponents() {
		report.Components[kind] = StatusMissing
	}

	// 1. Existence, readability, minimum size.
	info, err := os.Stat(archivePath)
	if err != nil {
		report.fail("archive does not exist: %s", archivePath)
		return report
	}
	f, err := os.Open(archivePath)
	if err != nil {
		report.fail("archive is not readable: %v", err)
		return report
	}
	f.Close()
	if info.Size() < minArchiveSize {
		report.fail("archive is too small (%d bytes): zero-byte or truncated file", info.Size())
		return report
	}

	scratch, err := os.MkdirTemp("", "n8nkeeper-validate-")
	if err != nil {
		report.fail("cannot create scratch directory: %v", err)
		return report
	}
	defer os.RemoveAll(scratch)

	// Encrypted archives are decrypted into the scratch directory first.
	plainPath := archivePath
	if IsEncrypted(archivePath) {
		if v.ageIdentityFile == "" {
			report.fail("archive is encrypted and no AGE identity file is configured")
			return report
		}
		plainPath, err = DecryptToScratch(archivePath, v.ageIdentityFile, scratch)
		if err != nil {
			report.fail("cannot decrypt archive: %v", err)
			return report
		}
	}

	// 2. Outer structural validity.
	entries, err := listArchiveEntries(plainPath)
	if err != nil {
		report.fail("not a valid archive: %v", err)
		return report
	}

	// 3. Core component presence (entry name convention; the manifest read
	// below is advisory for archives that carry one).
	for _, kind := range types.CoreComponents() {
		if len(entriesFor(entries, kind)) == 0 {
			report.Components[kind] = StatusMissing
			report.fail("missing %s component", kind)
		}
	}
	if !report.OK {
		return report
	}

	// 4. Security component presence is recorded but never fatal.
	for _, kind := range types.SecurityComponents() {
		if len(entriesFor(entries, kind)) == 0 {
			report.Components[kind] = StatusMissing
			report.warn("security component %s not present in archive", kind)
		}
	}

	// 5. Per-component structural checks against an extracted scratch copy.
	extractDir := filepath.Join(scratch, "contents")
	if err := os.MkdirAll(extractDir, 0o700); err != nil {
		report.fail("cannot prepare scratch directory: %v", err)
		return report
	}
	if err := ExtractArchive(context.Background(), plainPath, extractDir); err != nil {
		report.fail("not a valid archive: %v", err)
		return report
	}

	if data, err := os.ReadFile(filepath.Join(extractDir, ManifestFilename)); err == nil {
		if m, perr := ParseManifest(data); perr == nil {
			report.Manifest = m
		} else {
			report.warn("archive manifest is unreadable: %v", perr)
		}
	}

	for _, kind := range types.CoreComponents() {
		v.checkCoreComponent(report, extractDir, entries, kind)
		if !report.OK {
			return report
		}
	}
	for _, kind := range types.SecurityComponents() {
		v.checkSecurityComponent(report, extractDir, entries, kind)
	}

	return report
}

// checkCoreComponent validates one core component archive. A corrupt or
// empty-placeholder core component is fatal; the database component may
// instead be present as a legacy SQL dump.
func (v *Validator) checkCoreComponent(report *Report, extractDir string, entries []string, kind types.ComponentKind) {
	names := entriesFor(entries, kind)

	for _, name := range names {
		if !strings.HasSuffix(name, ".tar.gz") {
			continue
		}
		inner, err := listArchiveEntries(filepath.Join(extractDir, name))
		if err != nil {
			report.Components[kind] = StatusCorrupt
			report.fail("core component %s is corrupt: not a valid archive (%v)", kind, err)
			return
		}
		if len(inner) > 0 {
			report.Components[kind] = StatusValid
			return
		}
	}

	// No populated volume archive. The database component may carry a
	// legacy single-file SQL dump from the earlier backup format.
	if kind == types.ComponentPostgresData {
		for _, name := range names {
			if strings.HasSuffix(name, ".sql") {
				report.Components[kind] = StatusLegacySQL
				return
			}
			if strings.HasSuffix(name, ".sql.gz") {
				if err := checkGzipReadable(filepath.Join(extractDir, name)); err != nil {
					report.Components[kind] = StatusCorrupt
					report.fail("core component %s is corrupt: not a valid archive (%v)", kind, err)
					return
				}
				report.Components[kind] = StatusLegacySQL
				return
			}
		}
	}

	report.Components[kind] = StatusEmpty
	report.fail("missing %s component data (empty placeholder: source was absent at backup time)", kind)
}

// checkSecurityComponent downgrades every problem to a warning so a restore
// can still proceed without, e.g., a recoverable firewall snapshot.
func (v *Validator) checkSecurityComponent(report *Report, extractDir string, entries []string, kind types.ComponentKind) {
	names := entriesFor(entries, kind)
	if len(names) == 0 {
		return
	}

	for _, name := range names {
		if !strings.HasSuffix(name, ".tar.gz") {
			continue
		}
		inner, err := listArchiveEntries(filepath.Join(extractDir, name))
		if err != nil {
			report.Components[kind] = StatusCorrupt
			report.warn("security component %s is corrupt and will be skipped during restore (%v)", kind, err)
			return
		}
		if len(inner) == 0 {
			report.Components[kind] = StatusEmpty
			return
		}
		report.Components[kind] = StatusValid
		return
	}
	report.Components[kind] = StatusMissing
}

// entriesFor returns outer entries belonging to a component.
func entriesFor(entries []string, kind types.ComponentKind) []string {
	var out []string
	for _, name := range entries {
		if strings.HasPrefix(filepath.Base(name), kind.String()+"_") {
			out = append(out, filepath.Base(name))
		}
	}
	return out
}

// checkGzipReadable reads a gzip stream to the end to prove integrity.
func checkGzipReadable(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("not a valid gzip stream: %w", err)
	}
	defer gz.Close()

	_, err = io.Copy(io.Discard, gz)
	return err
}
