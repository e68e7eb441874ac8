package backup

import (
	"archive/tar"
	"context"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/n8nkeeper/n8nkeeper/internal/logging"
	"github.com/n8nkeeper/n8nkeeper/internal/types"
)

func newTestLogger() *logging.Logger {
	logger := logging.New(types.LogLevelNone, false)
	logger.SetOutput(io.Discard)
	return logger
}

// writeTarGz writes a gzip+tar archive with the given entries.
func writeTarGz(t *testing.T, path string, entries map[string]string) {
	t.Helper()

	out, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)
	for name, content := range entries {
		header := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}
		if err := tw.WriteHeader(header); err != nil {
			t.Fatal(err)
		}
		if _, err := io.WriteString(tw, content); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	if err := out.Close(); err != nil {
		t.Fatal(err)
	}
}

var fillerSeed int64

// filler pads component archives with incompressible data so the outer
// archive clears the minimum size check. Every call yields distinct bytes so
// the outer gzip layer cannot collapse repeated components.
func filler(n int) string {
	fillerSeed++
	rng := rand.New(rand.NewSource(fillerSeed))
	buf := make([]byte, n)
	rng.Read(buf)
	return string(buf)
}

var testTimestamp = time.Date(2025, 6, 1, 3, 0, 0, 0, time.Local)

// buildWorkspace writes one component archive per kind into a fresh dir.
// Overrides replace the default populated entries per component; a nil map
// produces an empty placeholder.
func buildWorkspace(t *testing.T, overrides map[types.ComponentKind]map[string]string) string {
	t.Helper()

	dir := t.TempDir()
	for _, kind := range types.AllComponents() {
		entries := map[string]string{"data.bin": filler(512)}
		if override, ok := overrides[kind]; ok {
			entries = override
		}
		writeTarGz(t, filepath.Join(dir, kind.ArchiveName(testTimestamp)), entries)
	}
	return dir
}

// buildOuterArchive bundles a workspace (with a manifest) into an outer
// archive and returns its path.
func buildOuterArchive(t *testing.T, workspace string) string {
	t.Helper()

	manifest := NewManifest(testTimestamp, "test", nil)
	if err := manifest.Write(filepath.Join(workspace, ManifestFilename)); err != nil {
		t.Fatal(err)
	}

	outPath := filepath.Join(t.TempDir(), types.OuterArchiveName(testTimestamp))
	if err := createOuterArchive(context.Background(), workspace, outPath); err != nil {
		t.Fatal(err)
	}
	return outPath
}
