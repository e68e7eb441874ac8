package certs

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/crypto/acme"

	"github.com/n8nkeeper/n8nkeeper/internal/logging"
	"github.com/n8nkeeper/n8nkeeper/internal/retry"
)

// LetsEncryptDirectory is the production ACME v2 directory.
const LetsEncryptDirectory = "https://acme-v02.api.letsencrypt.org/directory"

var (
	dnsPropagationAttempts = 30
	dnsPropagationDelay    = 10 * time.Second
	orderTimeout           = 5 * time.Minute
)

// CertificateAuthorityClient obtains a domain-bound certificate. The DNS-01
// implementation below is the production variant; tests use fakes.
type CertificateAuthorityClient interface {
	Obtain(ctx context.Context, domain string) (certPEM, keyPEM []byte, err error)
}

// DNSProvider publishes and removes the TXT record of a DNS-01 challenge.
type DNSProvider interface {
	Present(ctx context.Context, fqdn, value string) error
	CleanUp(ctx context.Context, fqdn, value string) error
}

// ManualProvider asks the operator to publish the TXT record, then polls DNS
// until the record is visible. The poll is capped; on exhaustion it warns and
// proceeds, letting the CA's own validation decide.
type ManualProvider struct {
	logger    *logging.Logger
	lookupTXT func(name string) ([]string, error)
}

// NewManualProvider creates a manual DNS provider.
func NewManualProvider(logger *logging.Logger) *ManualProvider {
	return &ManualProvider{logger: logger, lookupTXT: net.LookupTXT}
}

// SetLookupTXT overrides DNS resolution (tests).
func (p *ManualProvider) SetLookupTXT(fn func(string) ([]string, error)) {
	if fn != nil {
		p.lookupTXT = fn
	}
}

// Present prints the record the operator must create and waits for it to
// propagate.
func (p *ManualProvider) Present(ctx context.Context, fqdn, value string) error {
	p.logger.Info("Create the following DNS TXT record, then wait:")
	p.logger.Info("  %s  TXT  %q", fqdn, value)

	err := retry.Until(ctx, retry.Options{Attempts: dnsPropagationAttempts, Delay: dnsPropagationDelay}, func(ctx context.Context) (bool, error) {
		records, err := p.lookupTXT(strings.TrimSuffix(fqdn, "."))
		if err != nil {
			return false, nil
		}
		for _, r := range records {
			if r == value {
				return true, nil
			}
		}
		return false, nil
	})
	if err != nil {
		p.logger.Warning("DNS record for %s not visible after %d checks, proceeding anyway", fqdn, dnsPropagationAttempts)
		return nil
	}
	p.logger.Info("DNS record for %s is visible", fqdn)
	return nil
}

// CleanUp reminds the operator to remove the record.
func (p *ManualProvider) CleanUp(ctx context.Context, fqdn, value string) error {
	p.logger.Info("You can now remove the DNS TXT record %s", fqdn)
	return nil
}

// ScriptProvider publishes the TXT record through a provider hook script.
// The script receives the action, record name and value as arguments and the
// credential file path in its environment.
type ScriptProvider struct {
	script         string
	credentialFile string
	logger         *logging.Logger
	commandContext func(context.Context, string, ...string) *exec.Cmd
}

// NewScriptProvider creates a hook-script DNS provider.
func NewScriptProvider(script, credentialFile string, logger *logging.Logger) *ScriptProvider {
	return &ScriptProvider{
		script:         script,
		credentialFile: credentialFile,
		logger:         logger,
		commandContext: exec.CommandContext,
	}
}

// SetCommandContext overrides process execution (tests).
func (p *ScriptProvider) SetCommandContext(fn func(context.Context, string, ...string) *exec.Cmd) {
	if fn != nil {
		p.commandContext = fn
	}
}

func (p *ScriptProvider) run(ctx context.Context, action, fqdn, value string) error {
	cmd := p.commandContext(ctx, p.script, action, fqdn, value)
	cmd.Env = append(cmd.Environ(), "DNS_CREDENTIAL_FILE="+p.credentialFile)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	p.logger.Debug("Running DNS hook: %s %s %s", p.script, action, fqdn)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("dns hook %s %s: %w (%s)", p.script, action, err, strings.TrimSpace(out.String()))
	}
	return nil
}

// Present publishes the TXT record via the hook script.
func (p *ScriptProvider) Present(ctx context.Context, fqdn, value string) error {
	return p.run(ctx, "present", fqdn, value)
}

// CleanUp removes the TXT record via the hook script.
func (p *ScriptProvider) CleanUp(ctx context.Context, fqdn, value string) error {
	return p.run(ctx, "cleanup", fqdn, value)
}

// ACMEClient obtains certificates from an ACME CA using DNS-01 challenges.
type ACMEClient struct {
	directoryURL string
	email        string
	provider     DNSProvider
	logger       *logging.Logger
}

// NewACMEClient creates an ACME client against directoryURL.
func NewACMEClient(directoryURL, email string, provider DNSProvider, logger *logging.Logger) *ACMEClient {
	if directoryURL == "" {
		directoryURL = LetsEncryptDirectory
	}
	return &ACMEClient{
		directoryURL: directoryURL,
		email:        email,
		provider:     provider,
		logger:       logger,
	}
}

// Obtain runs the full order flow for one domain and returns the PEM-encoded
// certificate chain and private key.
func (c *ACMEClient) Obtain(ctx context.Context, domain string) ([]byte, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, orderTimeout)
	defer cancel()

	accountKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate account key: %w", err)
	}
	client := &acme.Client{Key: accountKey, DirectoryURL: c.directoryURL}

	account := &acme.Account{}
	if c.email != "" {
		account.Contact = []string{"mailto:" + c.email}
	}
	if _, err := client.Register(ctx, account, acme.AcceptTOS); err != nil {
		return nil, nil, fmt.Errorf("register ACME account: %w", err)
	}

	order, err := client.AuthorizeOrder(ctx, acme.DomainIDs(domain))
	if err != nil {
		return nil, nil, fmt.Errorf("create order for %s: %w", domain, err)
	}

	for _, authzURL := range order.AuthzURLs {
		if err := c.fulfillAuthorization(ctx, client, domain, authzURL); err != nil {
			return nil, nil, err
		}
	}

	order, err = client.WaitOrder(ctx, order.URI)
	if err != nil {
		return nil, nil, fmt.Errorf("wait for order: %w", err)
	}

	certKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate certificate key: %w", err)
	}
	csr, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: domain},
		DNSNames: []string{domain},
	}, certKey)
	if err != nil {
		return nil, nil, fmt.Errorf("create CSR: %w", err)
	}

	chain, _, err := client.CreateOrderCert(ctx, order.FinalizeURL, csr, true)
	if err != nil {
		return nil, nil, fmt.Errorf("finalize order: %w", err)
	}

	var certPEM bytes.Buffer
	for _, der := range chain {
		pem.Encode(&certPEM, &pem.Block{Type: "CERTIFICATE", Bytes: der})
	}
	keyDER, err := x509.MarshalECPrivateKey(certKey)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal certificate key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	c.logger.Info("Certificate for %s issued", domain)
	return certPEM.Bytes(), keyPEM, nil
}

func (c *ACMEClient) fulfillAuthorization(ctx context.Context, client *acme.Client, domain, authzURL string) error {
	authz, err := client.GetAuthorization(ctx, authzURL)
	if err != nil {
		return fmt.Errorf("get authorization: %w", err)
	}
	if authz.Status == acme.StatusValid {
		return nil
	}

	var challenge *acme.Challenge
	for _, ch := range authz.Challenges {
		if ch.Type == "dns-01" {
			challenge = ch
			break
		}
	}
	if challenge == nil {
		return fmt.Errorf("CA offered no dns-01 challenge for %s", domain)
	}

	record, err := client.DNS01ChallengeRecord(challenge.Token)
	if err != nil {
		return fmt.Errorf("compute challenge record: %w", err)
	}
	fqdn := "_acme-challenge." + domain

	if err := c.provider.Present(ctx, fqdn, record); err != nil {
		return fmt.Errorf("publish challenge record: %w", err)
	}
	defer func() {
		if err := c.provider.CleanUp(ctx, fqdn, record); err != nil {
			c.logger.Warning("Cannot clean up challenge record %s: %v", fqdn, err)
		}
	}()

	if _, err := client.Accept(ctx, challenge); err != nil {
		return fmt.Errorf("accept challenge: %w", err)
	}
	if _, err := client.WaitAuthorization(ctx, authz.URI); err != nil {
		return fmt.Errorf("authorization for %s failed: %w", domain, err)
	}
	return nil
}
