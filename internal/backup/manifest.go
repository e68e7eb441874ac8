package backup

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/n8nkeeper/n8nkeeper/internal/types"
)

// ManifestFilename is the manifest entry name inside the outer archive.
const ManifestFilename = "manifest.yaml"

// Manifest is the explicit component schema written into every outer
// archive, so validation and restore never depend on filename pattern
// matching alone. Archives produced by earlier tooling may lack it; readers
// fall back to the filename convention.
type Manifest struct {
	Version    int       `yaml:"version"`
	CreatedAt  time.Time `yaml:"created_at"`
	Timestamp  string    `yaml:"timestamp"`
	Hostname   string    `yaml:"hostname"`
	AppVersion string    `yaml:"app_version"`

	Components []ManifestEntry `yaml:"components"`
}

// ManifestEntry describes one component archive inside the outer bundle.
type ManifestEntry struct {
	Name    string `yaml:"name"`
	Archive string `yaml:"archive"`
	Core    bool   `yaml:"core"`
	Empty   bool   `yaml:"empty"`
	Failed  bool   `yaml:"failed,omitempty"`
	Size    int64  `yaml:"size"`
}

// NewManifest builds a manifest for one backup run.
func NewManifest(ts time.Time, appVersion string, results []ComponentResult) *Manifest {
	hostname, _ := os.Hostname()
	m := &Manifest{
		Version:    1,
		CreatedAt:  time.Now().UTC(),
		Timestamp:  ts.Format(types.TimestampLayout),
		Hostname:   hostname,
		AppVersion: appVersion,
	}
	for _, r := range results {
		m.Components = append(m.Components, ManifestEntry{
			Name:    r.Kind.String(),
			Archive: r.Kind.ArchiveName(ts),
			Core:    r.Kind.IsCore(),
			Empty:   r.Empty,
			Failed:  r.Failed,
			Size:    r.Size,
		})
	}
	return m
}

// Write persists the manifest to path.
func (m *Manifest) Write(path string) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// ParseManifest decodes a manifest document.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}

// Entry returns the manifest entry for a component, or nil.
func (m *Manifest) Entry(kind types.ComponentKind) *ManifestEntry {
	for i := range m.Components {
		if m.Components[i].Name == kind.String() {
			return &m.Components[i]
		}
	}
	return nil
}
