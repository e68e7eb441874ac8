package backup

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/n8nkeeper/n8nkeeper/internal/compose"
	"github.com/n8nkeeper/n8nkeeper/internal/logging"
	"github.com/n8nkeeper/n8nkeeper/internal/stack"
	"github.com/n8nkeeper/n8nkeeper/internal/types"
)

// helperImage is the throwaway container image used to archive named volumes
// without attaching them to a running service container.
const helperImage = "alpine:3.20"

// ComponentResult describes the outcome of archiving one component.
type ComponentResult struct {
	Kind types.ComponentKind

	// Path of the produced component archive ("" when Failed).
	Path string

	// Size in bytes of the produced archive.
	Size int64

	// Empty marks a zero-entry placeholder produced for an absent source.
	Empty bool

	// Failed marks an archiving subprocess failure. The backup run
	// continues; validation catches the gap.
	Failed bool

	Err error
}

// Archiver wraps one named data source into a timestamped component archive.
type Archiver struct {
	logger   *logging.Logger
	services compose.ServiceManager
}

// NewArchiver creates a component archiver.
func NewArchiver(logger *logging.Logger, services compose.ServiceManager) *Archiver {
	return &Archiver{logger: logger, services: services}
}

// Archive produces `<component>_<timestamp>.tar.gz` in destDir. An absent
// source still succeeds and yields a zero-entry placeholder, so downstream
// code never has to distinguish "component missing from the archive" from
// "component had nothing to back up".
func (a *Archiver) Archive(ctx context.Context, src stack.ComponentSource, ts time.Time, destDir string) ComponentResult {
	res := ComponentResult{Kind: src.Kind}
	outPath := filepath.Join(destDir, src.Kind.ArchiveName(ts))

	var err error
	switch src.SourceKind {
	case types.SourceVolume:
		err = a.archiveVolume(ctx, src.Volume, outPath, &res)
	case types.SourcePath, types.SourceCredentialFiles:
		err = a.archivePaths(ctx, src.Paths, outPath, &res)
	default:
		err = fmt.Errorf("unknown source kind %q", src.SourceKind)
	}

	if err != nil {
		a.logger.Error("Component %s failed to archive: %v", src.Kind, err)
		res.Failed = true
		res.Err = err
		return res
	}

	res.Path = outPath
	if info, statErr := os.Stat(outPath); statErr == nil {
		res.Size = info.Size()
	}
	if res.Empty {
		a.logger.Skip("Component %s: source absent, wrote empty placeholder", src.Kind)
	} else {
		a.logger.Info("Component %s archived (%d bytes)", src.Kind, res.Size)
	}
	return res
}

// archiveVolume archives a named container volume through a throwaway
// container mounting the volume read-only and the output directory.
func (a *Archiver) archiveVolume(ctx context.Context, volume, outPath string, res *ComponentResult) error {
	exists, err := a.services.VolumeExists(ctx, volume)
	if err != nil {
		return fmt.Errorf("inspect volume %s: %w", volume, err)
	}
	if !exists {
		res.Empty = true
		return writeEmptyArchive(outPath)
	}

	binds := []string{
		volume + ":/source:ro",
		filepath.Dir(outPath) + ":/dest",
	}
	if _, err := a.services.RunOneShot(ctx, helperImage, binds,
		"tar", "-czf", "/dest/"+filepath.Base(outPath), "-C", "/source", "."); err != nil {
		return fmt.Errorf("archive volume %s: %w", volume, err)
	}
	return nil
}

// archivePaths archives a set of filesystem paths. Paths that do not exist
// are skipped; when none exist, an empty placeholder is written.
func (a *Archiver) archivePaths(ctx context.Context, paths []string, outPath string, res *ComponentResult) error {
	var present []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			present = append(present, p)
		}
	}
	if len(present) == 0 {
		res.Empty = true
		return writeEmptyArchive(outPath)
	}

	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create archive %s: %w", outPath, err)
	}

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	for _, p := range present {
		if err := addToTar(ctx, tw, p, filepath.Base(p)); err != nil {
			tw.Close()
			gz.Close()
			out.Close()
			os.Remove(outPath)
			return fmt.Errorf("archive %s: %w", p, err)
		}
	}

	if err := tw.Close(); err != nil {
		gz.Close()
		out.Close()
		os.Remove(outPath)
		return err
	}
	if err := gz.Close(); err != nil {
		out.Close()
		os.Remove(outPath)
		return err
	}
	return out.Close()
}

// addToTar recursively adds path under the archive name prefix.
func addToTar(ctx context.Context, tw *tar.Writer, path, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	info, err := os.Lstat(path)
	if err != nil {
		return err
	}

	link := ""
	if info.Mode()&os.ModeSymlink != 0 {
		if link, err = os.Readlink(path); err != nil {
			return err
		}
	}

	header, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}
	header.Name = name
	if info.IsDir() {
		header.Name += "/"
	}

	if err := tw.WriteHeader(header); err != nil {
		return err
	}

	switch {
	case info.IsDir():
		entries, err := os.ReadDir(path)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if err := addToTar(ctx, tw, filepath.Join(path, entry.Name()), name+"/"+entry.Name()); err != nil {
				return err
			}
		}
	case info.Mode().IsRegular():
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(tw, f)
		f.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// writeEmptyArchive writes a structurally valid gzip+tar stream with zero
// entries.
func writeEmptyArchive(outPath string) error {
	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create placeholder %s: %w", outPath, err)
	}

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)
	if err := tw.Close(); err != nil {
		gz.Close()
		out.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
