package certs

import (
	"context"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/n8nkeeper/n8nkeeper/internal/envfile"
	"github.com/n8nkeeper/n8nkeeper/internal/logging"
	"github.com/n8nkeeper/n8nkeeper/internal/stack"
	"github.com/n8nkeeper/n8nkeeper/internal/types"
	"github.com/n8nkeeper/n8nkeeper/pkg/utils"
)

// renewalWindow is how close to expiry a CA-issued certificate must be
// before RenewIfNeeded reissues it.
const renewalWindow = 30 * 24 * time.Hour

// Manager owns both certificate identities. It is the only component allowed
// to mutate certificate files; the restore flow copies restored material in
// place and then delegates regeneration decisions here.
type Manager struct {
	logger *logging.Logger
	inst   *stack.Installation
	record *envfile.Record
	ca     CertificateAuthorityClient

	now     func() time.Time
	hostIPs func() ([]net.IP, error)
}

// NewManager creates a certificate lifecycle manager. ca may be nil when the
// installation only uses the self-signed identity.
func NewManager(logger *logging.Logger, inst *stack.Installation, record *envfile.Record, ca CertificateAuthorityClient) *Manager {
	return &Manager{
		logger:  logger,
		inst:    inst,
		record:  record,
		ca:      ca,
		now:     time.Now,
		hostIPs: HostIPs,
	}
}

// SetNowFunc overrides the clock (tests).
func (m *Manager) SetNowFunc(now func() time.Time) {
	if now != nil {
		m.now = now
	}
}

// SetHostIPsFunc overrides host IP detection (tests).
func (m *Manager) SetHostIPsFunc(fn func() ([]net.IP, error)) {
	if fn != nil {
		m.hostIPs = fn
	}
}

// EnsureSelfSigned makes sure the self-signed identity exists, issuing it
// when missing. The identity is always present regardless of the active
// certificate mode.
func (m *Manager) EnsureSelfSigned() error {
	if utils.FileExists(m.inst.SelfSignedCert()) && utils.FileExists(m.inst.SelfSignedKey()) {
		return nil
	}
	return m.issueSelfSigned()
}

func (m *Manager) issueSelfSigned() error {
	ips, err := m.hostIPs()
	if err != nil {
		return err
	}
	certPEM, keyPEM, err := GenerateSelfSigned(ips, m.now())
	if err != nil {
		return fmt.Errorf("issue self-signed certificate: %w", err)
	}
	if err := os.MkdirAll(m.inst.SelfSignedDir(), 0o755); err != nil {
		return err
	}
	if err := writePair(m.inst.SelfSignedCert(), m.inst.SelfSignedKey(), certPEM, keyPEM); err != nil {
		return err
	}
	m.logger.Info("Self-signed certificate issued (%d host IPs, valid 10 years)", len(ips))
	return nil
}

// NeedsRegeneration reports whether a restored self-signed certificate no
// longer matches the host: any current IP absent from its SAN list, or a SAN
// list without any IP at all.
func NeedsRegeneration(cert *x509.Certificate, current []net.IP) bool {
	if len(cert.IPAddresses) == 0 {
		return true
	}
	inSAN := func(ip net.IP) bool {
		for _, san := range cert.IPAddresses {
			if san.Equal(ip) {
				return true
			}
		}
		return false
	}
	for _, ip := range current {
		if !inSAN(ip) {
			return true
		}
	}
	return false
}

// AdaptAfterRestore reconciles restored certificate material with the current
// host. The self-signed identity is reissued on IP drift; the CA-issued
// identity is domain-bound and is never regenerated by this comparison.
func (m *Manager) AdaptAfterRestore() error {
	if !utils.FileExists(m.inst.SelfSignedCert()) {
		m.logger.Warning("Restored backup carries no self-signed certificate, issuing a new one")
		return m.issueSelfSigned()
	}

	cert, err := LoadCertificate(m.inst.SelfSignedCert())
	if err != nil {
		m.logger.Warning("Restored self-signed certificate is unreadable (%v), issuing a new one", err)
		if err := m.backupPair(); err != nil {
			return err
		}
		return m.issueSelfSigned()
	}

	ips, err := m.hostIPs()
	if err != nil {
		return err
	}
	if !NeedsRegeneration(cert, ips) {
		m.logger.Info("Self-signed certificate still matches host IPs, keeping it")
		return nil
	}

	m.logger.Info("Host IPs changed since the backup, regenerating the self-signed certificate")
	if err := m.backupPair(); err != nil {
		return err
	}
	return m.issueSelfSigned()
}

// backupPair renames the current self-signed pair with a timestamp suffix.
// Superseded key material is kept, never deleted.
func (m *Manager) backupPair() error {
	suffix := m.now().Format(types.TimestampLayout)
	for _, path := range []string{m.inst.SelfSignedCert(), m.inst.SelfSignedKey()} {
		if !utils.FileExists(path) {
			continue
		}
		backup := fmt.Sprintf("%s.%s", path, suffix)
		if err := os.Rename(path, backup); err != nil {
			return fmt.Errorf("back up %s: %w", filepath.Base(path), err)
		}
		m.logger.Debug("Old certificate material kept as %s", backup)
	}
	return nil
}

// IssueCA obtains a CA-issued certificate for the configured domain and
// installs it into the provider-agnostic live directory. The self-signed
// identity is not touched.
func (m *Manager) IssueCA(ctx context.Context, domain string) error {
	if m.ca == nil {
		return fmt.Errorf("no certificate authority client configured")
	}
	if domain == "" {
		return fmt.Errorf("no domain configured (set %s)", envfile.KeyDomain)
	}

	m.logger.Step("Obtaining CA-issued certificate for %s", domain)
	certPEM, keyPEM, err := m.ca.Obtain(ctx, domain)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(m.inst.CADir(), 0o755); err != nil {
		return err
	}
	if err := writePair(m.inst.CACert(), m.inst.CAKey(), certPEM, keyPEM); err != nil {
		return err
	}
	m.logger.Info("CA-issued certificate installed for %s", domain)
	return nil
}

// RenewIfNeeded reissues the CA-issued certificate when it is inside the
// renewal window. Expiry is the only trigger; IP drift never renews it.
func (m *Manager) RenewIfNeeded(ctx context.Context) error {
	if !utils.FileExists(m.inst.CACert()) {
		m.logger.Debug("No CA-issued certificate present, nothing to renew")
		return nil
	}

	cert, err := LoadCertificate(m.inst.CACert())
	if err != nil {
		return fmt.Errorf("read CA-issued certificate: %w", err)
	}

	remaining := cert.NotAfter.Sub(m.now())
	if remaining > renewalWindow {
		m.logger.Debug("CA-issued certificate valid for another %s, no renewal needed", remaining.Round(time.Hour))
		return nil
	}

	m.logger.Info("CA-issued certificate expires in %s, renewing", remaining.Round(time.Hour))
	return m.IssueCA(ctx, m.record.Domain)
}

// SwitchMode changes which identity nginx serves as its default certificate.
// The non-selected identity's key material stays on disk.
func (m *Manager) SwitchMode(mode types.CertificateMode) error {
	switch mode {
	case types.CertModeCA:
		if !utils.FileExists(m.inst.CACert()) || !utils.FileExists(m.inst.CAKey()) {
			return fmt.Errorf("cannot switch to CA mode: no CA-issued certificate installed")
		}
	case types.CertModeSelfSigned:
		if err := m.EnsureSelfSigned(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown certificate mode %q", mode)
	}

	if err := m.writeNginxSnippet(mode); err != nil {
		return err
	}

	m.record.Set(envfile.KeyCertMode, mode.String())
	if err := m.record.Save(); err != nil {
		return err
	}
	m.logger.Info("Certificate mode switched to %s", mode)
	return nil
}

// writeNginxSnippet points the reverse proxy's default server at the active
// identity. The snippet is included by the main nginx configuration; paths
// are the in-container mount of the certs directory.
func (m *Manager) writeNginxSnippet(mode types.CertificateMode) error {
	certPath := "/etc/nginx/certs/selfsigned/server.crt"
	keyPath := "/etc/nginx/certs/selfsigned/server.key"
	if mode == types.CertModeCA {
		certPath = "/etc/nginx/certs/live/fullchain.pem"
		keyPath = "/etc/nginx/certs/live/privkey.pem"
	}

	content := fmt.Sprintf("ssl_certificate %s;\nssl_certificate_key %s;\n", certPath, keyPath)
	if err := os.MkdirAll(m.inst.NginxDir(), 0o755); err != nil {
		return err
	}
	snippet := filepath.Join(m.inst.NginxDir(), "ssl.conf")
	if err := os.WriteFile(snippet, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write nginx ssl snippet: %w", err)
	}
	return nil
}
