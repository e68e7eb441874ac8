package stack

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/n8nkeeper/n8nkeeper/internal/types"
)

func TestDetectHonorsOverride(t *testing.T) {
	t.Setenv("N8N_INSTALL_DIR", "/srv/n8n")
	if got := Detect().Root; got != "/srv/n8n" {
		t.Errorf("Root = %s", got)
	}

	t.Setenv("N8N_INSTALL_DIR", "")
	if got := Detect().Root; got != DefaultInstallDir {
		t.Errorf("Root = %s, want default", got)
	}
}

func TestIsInstalled(t *testing.T) {
	inst := New(t.TempDir())
	if inst.IsInstalled() {
		t.Error("empty root reported installed")
	}

	if err := os.WriteFile(inst.EnvPath(), []byte("A=b\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if inst.IsInstalled() {
		t.Error("env file alone must not count as installed")
	}

	if err := os.WriteFile(inst.ComposePath(), []byte("services: {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if !inst.IsInstalled() {
		t.Error("env file plus compose file is an installation")
	}
}

func TestSourceAddressing(t *testing.T) {
	inst := New("/opt/n8n")

	tests := []struct {
		kind       types.ComponentKind
		sourceKind types.SourceKind
		volume     string
		firstPath  string
	}{
		{types.ComponentPostgresData, types.SourceVolume, VolumePostgres, ""},
		{types.ComponentN8NData, types.SourceVolume, VolumeAppData, ""},
		{types.ComponentConfig, types.SourcePath, "", "/opt/n8n/.env"},
		{types.ComponentDNSCredentials, types.SourceCredentialFiles, "", "/opt/n8n/secrets/dns"},
		{types.ComponentFail2banConfig, types.SourcePath, "", "/etc/fail2ban"},
		{types.ComponentFirewallConfig, types.SourcePath, "", "/etc/ufw"},
		{types.ComponentLetsencryptConfig, types.SourcePath, "", "/opt/n8n/letsencrypt"},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			src := inst.Source(tt.kind)
			if src.SourceKind != tt.sourceKind {
				t.Errorf("SourceKind = %v, want %v", src.SourceKind, tt.sourceKind)
			}
			if src.Volume != tt.volume {
				t.Errorf("Volume = %q, want %q", src.Volume, tt.volume)
			}
			if tt.firstPath != "" {
				if len(src.Paths) == 0 || src.Paths[0] != tt.firstPath {
					t.Errorf("Paths = %v, want first %q", src.Paths, tt.firstPath)
				}
			}
		})
	}
}

func TestRestoreDest(t *testing.T) {
	inst := New("/opt/n8n")

	tests := []struct {
		kind types.ComponentKind
		want string
	}{
		{types.ComponentConfig, "/opt/n8n"},
		{types.ComponentDNSCredentials, "/opt/n8n/secrets"},
		{types.ComponentFail2banConfig, "/etc"},
		{types.ComponentFirewallConfig, "/etc"},
		{types.ComponentLetsencryptConfig, "/opt/n8n"},
	}
	for _, tt := range tests {
		if got := inst.RestoreDest(tt.kind); got != tt.want {
			t.Errorf("RestoreDest(%s) = %s, want %s", tt.kind, got, tt.want)
		}
	}
}

func TestCertificatePaths(t *testing.T) {
	inst := New("/opt/n8n")

	if got := inst.SelfSignedCert(); got != filepath.Join("/opt/n8n", "certs", "selfsigned", "server.crt") {
		t.Errorf("SelfSignedCert = %s", got)
	}
	if got := inst.CACert(); got != filepath.Join("/opt/n8n", "certs", "live", "fullchain.pem") {
		t.Errorf("CACert = %s", got)
	}
}
