package certs

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

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

func ips(addrs ...string) []net.IP {
	var out []net.IP
	for _, a := range addrs {
		out = append(out, net.ParseIP(a))
	}
	return out
}

func newTestManager(t *testing.T, hostIPs []net.IP, ca CertificateAuthorityClient) (*Manager, *stack.Installation) {
	t.Helper()

	inst := stack.New(t.TempDir())
	record := envfile.NewEmpty(inst.EnvPath())
	m := NewManager(newTestLogger(), inst, record, ca)
	m.SetHostIPsFunc(func() ([]net.IP, error) { return hostIPs, nil })
	return m, inst
}

func TestGenerateSelfSignedSANs(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	certPEM, keyPEM, err := GenerateSelfSigned(ips("192.168.1.5", "10.0.0.9"), now)
	if err != nil {
		t.Fatalf("GenerateSelfSigned failed: %v", err)
	}
	if keyPEM == nil {
		t.Fatal("no key produced")
	}

	block, _ := pem.Decode(certPEM)
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"localhost", stack.LocalHostname} {
		found := false
		for _, dns := range cert.DNSNames {
			if dns == name {
				found = true
			}
		}
		if !found {
			t.Errorf("SAN DNS name %s missing", name)
		}
	}
	for _, ip := range ips("192.168.1.5", "10.0.0.9", "127.0.0.1") {
		found := false
		for _, san := range cert.IPAddresses {
			if san.Equal(ip) {
				found = true
			}
		}
		if !found {
			t.Errorf("SAN IP %s missing", ip)
		}
	}

	// 10-year validity, no renewal rotation.
	if years := cert.NotAfter.Sub(cert.NotBefore).Hours() / 24 / 365; years < 9.9 {
		t.Errorf("validity %.1f years, want ~10", years)
	}
}

func TestNeedsRegeneration(t *testing.T) {
	mk := func(sanIPs []net.IP) *x509.Certificate {
		return &x509.Certificate{IPAddresses: sanIPs}
	}

	tests := []struct {
		name    string
		san     []net.IP
		current []net.IP
		want    bool
	}{
		{"ip drift", ips("192.168.1.5"), ips("10.0.0.9"), true},
		{"same set", ips("192.168.1.5"), ips("192.168.1.5"), false},
		{"subset of san", ips("192.168.1.5", "10.0.0.9"), ips("10.0.0.9"), false},
		{"new ip added", ips("192.168.1.5"), ips("192.168.1.5", "10.0.0.9"), true},
		{"empty san list", nil, ips("192.168.1.5"), true},
		{"no current ips", ips("192.168.1.5"), nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NeedsRegeneration(mk(tt.san), tt.current); got != tt.want {
				t.Errorf("NeedsRegeneration = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEnsureSelfSignedIssuesOnce(t *testing.T) {
	m, inst := newTestManager(t, ips("192.168.1.5"), nil)

	if err := m.EnsureSelfSigned(); err != nil {
		t.Fatalf("EnsureSelfSigned failed: %v", err)
	}
	first, err := os.ReadFile(inst.SelfSignedCert())
	if err != nil {
		t.Fatal(err)
	}

	if err := m.EnsureSelfSigned(); err != nil {
		t.Fatal(err)
	}
	second, err := os.ReadFile(inst.SelfSignedCert())
	if err != nil {
		t.Fatal(err)
	}
	if string(first) != string(second) {
		t.Error("existing certificate must not be reissued")
	}

	info, err := os.Stat(inst.SelfSignedKey())
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("key permissions = %o, want 600", info.Mode().Perm())
	}
}

func TestAdaptAfterRestoreRegeneratesOnDrift(t *testing.T) {
	// The restored certificate was issued on a host with 192.168.1.5; the
	// current host has 10.0.0.9.
	m, inst := newTestManager(t, ips("192.168.1.5"), nil)
	if err := m.EnsureSelfSigned(); err != nil {
		t.Fatal(err)
	}
	oldCert, _ := os.ReadFile(inst.SelfSignedCert())

	m.SetHostIPsFunc(func() ([]net.IP, error) { return ips("10.0.0.9"), nil })
	fixed := time.Date(2025, 6, 1, 3, 0, 0, 0, time.Local)
	m.SetNowFunc(func() time.Time { return fixed })

	if err := m.AdaptAfterRestore(); err != nil {
		t.Fatalf("AdaptAfterRestore failed: %v", err)
	}

	newCert, err := LoadCertificate(inst.SelfSignedCert())
	if err != nil {
		t.Fatal(err)
	}
	if NeedsRegeneration(newCert, ips("10.0.0.9")) {
		t.Error("regenerated certificate must cover the current IPs")
	}

	// The superseded pair is renamed with a timestamp suffix, not removed.
	backupPath := inst.SelfSignedCert() + "." + fixed.Format(types.TimestampLayout)
	backed, err := os.ReadFile(backupPath)
	if err != nil {
		t.Fatalf("old pair not kept: %v", err)
	}
	if string(backed) != string(oldCert) {
		t.Error("backed-up certificate differs from the original")
	}
}

func TestAdaptAfterRestoreKeepsMatchingCert(t *testing.T) {
	m, inst := newTestManager(t, ips("192.168.1.5"), nil)
	if err := m.EnsureSelfSigned(); err != nil {
		t.Fatal(err)
	}
	before, _ := os.ReadFile(inst.SelfSignedCert())

	if err := m.AdaptAfterRestore(); err != nil {
		t.Fatalf("AdaptAfterRestore failed: %v", err)
	}
	after, _ := os.ReadFile(inst.SelfSignedCert())
	if string(before) != string(after) {
		t.Error("matching certificate must be kept unchanged")
	}
}

type fakeCA struct {
	obtained []string
}

func (f *fakeCA) Obtain(ctx context.Context, domain string) ([]byte, []byte, error) {
	f.obtained = append(f.obtained, domain)
	certPEM, keyPEM, err := GenerateSelfSigned(nil, time.Now())
	return certPEM, keyPEM, err
}

func TestAdaptAfterRestoreNeverTouchesCACert(t *testing.T) {
	m, inst := newTestManager(t, ips("192.168.1.5"), nil)
	if err := m.EnsureSelfSigned(); err != nil {
		t.Fatal(err)
	}

	// A domain-bound certificate from a different host.
	if err := os.MkdirAll(inst.CADir(), 0o755); err != nil {
		t.Fatal(err)
	}
	caPEM := []byte("-----BEGIN CERTIFICATE-----\nfrom-another-host\n-----END CERTIFICATE-----\n")
	if err := os.WriteFile(inst.CACert(), caPEM, 0o644); err != nil {
		t.Fatal(err)
	}

	m.SetHostIPsFunc(func() ([]net.IP, error) { return ips("10.0.0.9"), nil })
	if err := m.AdaptAfterRestore(); err != nil {
		t.Fatal(err)
	}

	after, err := os.ReadFile(inst.CACert())
	if err != nil {
		t.Fatal(err)
	}
	if string(after) != string(caPEM) {
		t.Error("CA-issued certificate must never be touched by IP adaptation")
	}
}

func TestIssueCAInstallsMaterial(t *testing.T) {
	ca := &fakeCA{}
	m, inst := newTestManager(t, ips("192.168.1.5"), ca)

	if err := m.IssueCA(context.Background(), "n8n.example.com"); err != nil {
		t.Fatalf("IssueCA failed: %v", err)
	}
	if len(ca.obtained) != 1 || ca.obtained[0] != "n8n.example.com" {
		t.Errorf("obtained = %v", ca.obtained)
	}
	if _, err := os.Stat(inst.CACert()); err != nil {
		t.Error("chain not installed")
	}
	info, err := os.Stat(inst.CAKey())
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("CA key permissions = %o, want 600", info.Mode().Perm())
	}
}

func TestRenewIfNeeded(t *testing.T) {
	ca := &fakeCA{}
	m, inst := newTestManager(t, ips("192.168.1.5"), ca)
	m.record.Set(envfile.KeyDomain, "n8n.example.com")

	// Install a certificate expiring in ~10 years: no renewal.
	if err := m.IssueCA(context.Background(), "n8n.example.com"); err != nil {
		t.Fatal(err)
	}
	ca.obtained = nil
	if err := m.RenewIfNeeded(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(ca.obtained) != 0 {
		t.Error("fresh certificate must not be renewed")
	}

	// Move the clock to within the renewal window.
	cert, err := LoadCertificate(inst.CACert())
	if err != nil {
		t.Fatal(err)
	}
	m.SetNowFunc(func() time.Time { return cert.NotAfter.Add(-10 * 24 * time.Hour) })
	if err := m.RenewIfNeeded(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(ca.obtained) != 1 {
		t.Errorf("expected one renewal, got %d", len(ca.obtained))
	}
}

func TestSwitchModeRequiresCAMaterial(t *testing.T) {
	m, _ := newTestManager(t, ips("192.168.1.5"), nil)

	err := m.SwitchMode(types.CertModeCA)
	if err == nil || !strings.Contains(err.Error(), "no CA-issued certificate") {
		t.Fatalf("expected refusal, got %v", err)
	}
}

func TestSwitchModeWritesSnippetAndRecord(t *testing.T) {
	m, inst := newTestManager(t, ips("192.168.1.5"), nil)

	if err := m.SwitchMode(types.CertModeSelfSigned); err != nil {
		t.Fatalf("SwitchMode failed: %v", err)
	}

	snippet, err := os.ReadFile(filepath.Join(inst.NginxDir(), "ssl.conf"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(snippet), "selfsigned/server.crt") {
		t.Errorf("snippet does not reference the self-signed pair: %s", snippet)
	}

	record, err := envfile.Load(inst.EnvPath())
	if err != nil {
		t.Fatal(err)
	}
	if record.CertMode != types.CertModeSelfSigned {
		t.Errorf("persisted cert mode = %q", record.CertMode)
	}
}
