package restore

import (
	"archive/tar"
	"context"
	"errors"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/n8nkeeper/n8nkeeper/internal/envfile"
	"github.com/n8nkeeper/n8nkeeper/internal/logging"
	"github.com/n8nkeeper/n8nkeeper/internal/stack"
	"github.com/n8nkeeper/n8nkeeper/internal/types"
)

func newTestLogger() *logging.Logger {
	logger := logging.New(types.LogLevelNone, false)
	logger.SetOutput(io.Discard)
	return logger
}

var fillerSeed int64

func filler(n int) string {
	fillerSeed++
	rng := rand.New(rand.NewSource(fillerSeed))
	buf := make([]byte, n)
	rng.Read(buf)
	return string(buf)
}

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

var archiveTimestamp = time.Date(2025, 5, 1, 2, 0, 0, 0, time.Local)

const archivedEnv = "POSTGRES_USER=n8n\nPOSTGRES_DB=n8n\nN8N_DOMAIN=restored.example.com\n"

// buildArchive produces a validatable outer archive. With legacySQL, the
// database component is a plain SQL dump instead of a volume archive.
func buildArchive(t *testing.T, legacySQL bool) string {
	t.Helper()

	workspace := t.TempDir()
	writeTarGz(t, filepath.Join(workspace, types.ComponentConfig.ArchiveName(archiveTimestamp)), map[string]string{
		".env":           archivedEnv,
		"nginx/n8n.conf": "server {}\n",
	})
	writeTarGz(t, filepath.Join(workspace, types.ComponentN8NData.ArchiveName(archiveTimestamp)), map[string]string{
		"data.bin": filler(1024),
	})
	if legacySQL {
		dump := "CREATE TABLE workflows (id serial);\n" + filler(1024)
		name := "postgres_data_" + archiveTimestamp.Format(types.TimestampLayout) + ".sql"
		if err := os.WriteFile(filepath.Join(workspace, name), []byte(dump), 0o600); err != nil {
			t.Fatal(err)
		}
	} else {
		writeTarGz(t, filepath.Join(workspace, types.ComponentPostgresData.ArchiveName(archiveTimestamp)), map[string]string{
			"data.bin": filler(1024),
		})
	}

	// Bundle the workspace into the outer archive.
	outPath := filepath.Join(t.TempDir(), types.OuterArchiveName(archiveTimestamp))
	out, err := os.Create(outPath)
	if err != nil {
		t.Fatal(err)
	}
	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)
	entries, err := os.ReadDir(workspace)
	if err != nil {
		t.Fatal(err)
	}
	for _, entry := range entries {
		data, err := os.ReadFile(filepath.Join(workspace, entry.Name()))
		if err != nil {
			t.Fatal(err)
		}
		header := &tar.Header{Name: entry.Name(), Mode: 0o600, Size: int64(len(data))}
		if err := tw.WriteHeader(header); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write(data); err != nil {
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
	return outPath
}

// fakeServices implements compose.ServiceManager.
type fakeServices struct {
	t *testing.T

	volumes map[string]bool

	stopCalls         int
	startCalls        int
	startServiceCalls []string
	createdVolumes    []string
	removedVolumes    []string
	oneShotCmds       [][]string
	execCmds          [][]string
	execStdins        [][]byte
}

func newFakeServices(t *testing.T, volumes ...string) *fakeServices {
	f := &fakeServices{t: t, volumes: make(map[string]bool)}
	for _, v := range volumes {
		f.volumes[v] = true
	}
	return f
}

func (f *fakeServices) Stop(ctx context.Context) error  { f.stopCalls++; return nil }
func (f *fakeServices) Start(ctx context.Context) error { f.startCalls++; return nil }
func (f *fakeServices) StartService(ctx context.Context, service string) error {
	f.startServiceCalls = append(f.startServiceCalls, service)
	return nil
}
func (f *fakeServices) Restart(ctx context.Context) error { return nil }
func (f *fakeServices) Status(ctx context.Context) (string, error) {
	return "", nil
}
func (f *fakeServices) WaitHealthy(ctx context.Context) error { return nil }
func (f *fakeServices) Logs(ctx context.Context, service string, tail int) (string, error) {
	return "", nil
}
func (f *fakeServices) Pull(ctx context.Context) error { return nil }

func (f *fakeServices) VolumeExists(ctx context.Context, name string) (bool, error) {
	return f.volumes[name], nil
}
func (f *fakeServices) CreateVolume(ctx context.Context, name string) error {
	f.volumes[name] = true
	f.createdVolumes = append(f.createdVolumes, name)
	return nil
}
func (f *fakeServices) RemoveVolume(ctx context.Context, name string) error {
	delete(f.volumes, name)
	f.removedVolumes = append(f.removedVolumes, name)
	return nil
}
func (f *fakeServices) RunOneShot(ctx context.Context, image string, binds []string, cmd ...string) ([]byte, error) {
	f.oneShotCmds = append(f.oneShotCmds, append([]string(nil), cmd...))
	return nil, nil
}
func (f *fakeServices) ExecService(ctx context.Context, service string, stdin []byte, cmd ...string) ([]byte, error) {
	f.execCmds = append(f.execCmds, append([]string(nil), cmd...))
	f.execStdins = append(f.execStdins, stdin)
	return nil, nil
}

func newTestOrchestrator(t *testing.T, services *fakeServices, confirm Confirmer) (*Orchestrator, *stack.Installation) {
	t.Helper()

	inst := stack.New(t.TempDir())
	record := envfile.NewEmpty(inst.EnvPath())
	if err := record.Save(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(inst.ComposePath(), []byte("services: {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if confirm == nil {
		confirm = func(summary string) (bool, error) { return true, nil }
	}
	orch := NewOrchestrator(newTestLogger(), record, inst, services, nil, nil, nil, confirm)
	return orch, inst
}

func contains(calls [][]string, first string, rest ...string) bool {
	for _, call := range calls {
		if len(call) == 0 || call[0] != first {
			continue
		}
		matched := true
		for _, want := range rest {
			found := false
			for _, arg := range call[1:] {
				if strings.Contains(arg, want) {
					found = true
					break
				}
			}
			if !found {
				matched = false
				break
			}
		}
		if matched {
			return true
		}
	}
	return false
}

func TestRunReplacesVolumesDestructively(t *testing.T) {
	archive := buildArchive(t, false)
	services := newFakeServices(t, stack.VolumePostgres, stack.VolumeAppData)
	orch, inst := newTestOrchestrator(t, services, nil)

	if err := orch.Run(context.Background(), Options{ArchivePath: archive, AssumeYes: true}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// Both data volumes must be removed and recreated, never merged.
	for _, volume := range []string{stack.VolumePostgres, stack.VolumeAppData} {
		removed := false
		for _, v := range services.removedVolumes {
			if v == volume {
				removed = true
			}
		}
		if !removed {
			t.Errorf("volume %s was not removed", volume)
		}
		created := false
		for _, v := range services.createdVolumes {
			if v == volume {
				created = true
			}
		}
		if !created {
			t.Errorf("volume %s was not recreated", volume)
		}
	}

	if services.stopCalls != 1 {
		t.Errorf("Stop called %d times", services.stopCalls)
	}
	if services.startCalls != 1 {
		t.Errorf("Start called %d times", services.startCalls)
	}

	// The restored environment record replaced the live one.
	record, err := envfile.Load(inst.EnvPath())
	if err != nil {
		t.Fatal(err)
	}
	if record.Domain != "restored.example.com" {
		t.Errorf("restored domain = %q", record.Domain)
	}
}

func TestRunRestrictsEncryptionKeyFile(t *testing.T) {
	archive := buildArchive(t, false)
	services := newFakeServices(t, stack.VolumePostgres, stack.VolumeAppData)
	orch, _ := newTestOrchestrator(t, services, nil)

	if err := orch.Run(context.Background(), Options{ArchivePath: archive, AssumeYes: true}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// The key file anchoring credential encryption is copied forward and
	// re-restricted, never regenerated.
	if !contains(services.oneShotCmds, "chmod", "600", stack.EncryptionKeyFile) {
		t.Errorf("encryption key file not restricted, one-shots: %v", services.oneShotCmds)
	}
}

func TestRunLegacySQLFallback(t *testing.T) {
	archive := buildArchive(t, true)
	services := newFakeServices(t, stack.VolumePostgres, stack.VolumeAppData)
	orch, _ := newTestOrchestrator(t, services, nil)

	if err := orch.Run(context.Background(), Options{ArchivePath: archive, AssumeYes: true}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(services.startServiceCalls) != 1 || services.startServiceCalls[0] != serviceDatabase {
		t.Errorf("startServiceCalls = %v, want only the database", services.startServiceCalls)
	}
	if !contains(services.execCmds, "pg_isready") {
		t.Error("database readiness was not probed")
	}
	if !contains(services.execCmds, "psql", "DROP DATABASE") {
		t.Errorf("database not recreated, execs: %v", services.execCmds)
	}

	replayed := false
	for i, cmd := range services.execCmds {
		if cmd[0] == "psql" && services.execStdins[i] != nil {
			if strings.Contains(string(services.execStdins[i]), "CREATE TABLE workflows") {
				replayed = true
			}
		}
	}
	if !replayed {
		t.Error("SQL dump was not replayed through psql stdin")
	}
}

func TestRunAbortsWhenDeclined(t *testing.T) {
	archive := buildArchive(t, false)
	services := newFakeServices(t, stack.VolumePostgres, stack.VolumeAppData)
	orch, _ := newTestOrchestrator(t, services, func(summary string) (bool, error) {
		if !strings.Contains(summary, "REPLACE") {
			t.Errorf("summary does not describe the destruction: %s", summary)
		}
		return false, nil
	})

	err := orch.Run(context.Background(), Options{ArchivePath: archive})
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("expected ErrAborted, got %v", err)
	}
	if services.stopCalls != 0 {
		t.Error("declined restore must not touch services")
	}
	if len(services.removedVolumes) != 0 {
		t.Error("declined restore must not touch volumes")
	}
}

func TestRunValidationGate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.tar.gz")
	if err := os.WriteFile(path, []byte("not an archive"), 0o600); err != nil {
		t.Fatal(err)
	}

	services := newFakeServices(t, stack.VolumePostgres, stack.VolumeAppData)
	orch, _ := newTestOrchestrator(t, services, nil)

	err := orch.Run(context.Background(), Options{ArchivePath: path, AssumeYes: true})
	if err == nil {
		t.Fatal("expected validation failure")
	}
	if services.stopCalls != 0 {
		t.Error("failed validation must gate the run before services are stopped")
	}
	if len(services.removedVolumes) != 0 {
		t.Error("failed validation must not touch volumes")
	}
}
