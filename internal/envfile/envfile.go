// Package envfile implements the environment record: a flat key=value file
// holding credentials, certificate settings and security toggles for one
// installation. It is the single configuration source; every component that
// needs settings receives a *Record by reference.
package envfile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/n8nkeeper/n8nkeeper/internal/types"
)

// Well-known environment record keys.
const (
	KeyDomain          = "N8N_DOMAIN"
	KeyDNSProvider     = "DNS_PROVIDER"
	KeyDNSHookScript   = "DNS_HOOK_SCRIPT"
	KeyCertMode        = "CERT_MODE"
	KeyACMEEmail       = "ACME_EMAIL"
	KeyPostgresUser    = "POSTGRES_USER"
	KeyPostgresPass    = "POSTGRES_PASSWORD"
	KeyPostgresDB      = "POSTGRES_DB"
	KeyBasicAuthUser   = "N8N_BASIC_AUTH_USER"
	KeyBasicAuthPass   = "N8N_BASIC_AUTH_PASSWORD"
	KeyFirewallEnabled = "FIREWALL_ENABLED"
	KeyFail2banEnabled = "FAIL2BAN_ENABLED"
	KeyEncryptBackup   = "ENCRYPT_BACKUP"
	KeyAgeRecipient    = "AGE_RECIPIENT"
	KeyAgeIdentityFile = "AGE_IDENTITY_FILE"
	KeyDebugLevel      = "DEBUG_LEVEL"
	KeyUseColor        = "USE_COLOR"
	KeyMetricsEnabled  = "METRICS_ENABLED"
	KeyMetricsPath     = "METRICS_PATH"
)

// dnsCredentialKeyPrefix prefixes per-provider credential file path keys,
// e.g. DNS_CREDENTIALS_CLOUDFLARE=/opt/n8n/secrets/dns/cloudflare.ini.
const dnsCredentialKeyPrefix = "DNS_CREDENTIALS_"

// envOverrideKeys lists record keys that process environment variables may
// override at load time (environment takes precedence over the file).
var envOverrideKeys = []string{
	KeyDomain, KeyDNSProvider, KeyCertMode, KeyACMEEmail,
	KeyFirewallEnabled, KeyFail2banEnabled,
	KeyEncryptBackup, KeyAgeRecipient,
	KeyDebugLevel, KeyUseColor,
	KeyMetricsEnabled, KeyMetricsPath,
}

// Record is the typed view over one environment record file.
type Record struct {
	path string
	raw  map[string]string

	// Parsed settings
	Domain          string
	DNSProvider     string
	CertMode        types.CertificateMode
	ACMEEmail       string
	FirewallEnabled bool
	Fail2banEnabled bool
	EncryptBackup   bool
	AgeRecipients   []string
	AgeIdentityFile string
	DebugLevel      types.LogLevel
	UseColor        bool
	MetricsEnabled  bool
	MetricsPath     string
}

// Load reads and parses the environment record file.
func Load(path string) (*Record, error) {
	raw, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read environment record %s: %w", path, err)
	}

	r := &Record{path: path, raw: raw}
	r.loadEnvOverrides()
	r.parse()
	return r, nil
}

// NewEmpty creates an in-memory record that will be persisted at path on the
// first Save. Used by the deploy flow.
func NewEmpty(path string) *Record {
	r := &Record{path: path, raw: make(map[string]string)}
	r.parse()
	return r
}

// loadEnvOverrides lets process environment variables take precedence over
// file values.
func (r *Record) loadEnvOverrides() {
	for _, key := range envOverrideKeys {
		if v := os.Getenv(key); v != "" {
			r.raw[key] = v
		}
	}
}

// parse refreshes the typed fields from the raw map.
func (r *Record) parse() {
	r.Domain = r.GetString(KeyDomain, "")
	r.DNSProvider = strings.ToLower(r.GetString(KeyDNSProvider, ""))
	r.ACMEEmail = r.GetString(KeyACMEEmail, "")

	switch strings.ToLower(r.GetString(KeyCertMode, "")) {
	case "ca", "letsencrypt", "domain":
		r.CertMode = types.CertModeCA
	default:
		r.CertMode = types.CertModeSelfSigned
	}

	r.FirewallEnabled = r.GetBool(KeyFirewallEnabled, false)
	r.Fail2banEnabled = r.GetBool(KeyFail2banEnabled, false)
	r.EncryptBackup = r.GetBool(KeyEncryptBackup, false)
	r.AgeRecipients = r.GetStringSlice(KeyAgeRecipient)
	r.AgeIdentityFile = r.GetString(KeyAgeIdentityFile, "")
	r.DebugLevel = r.getLogLevel(KeyDebugLevel, types.LogLevelInfo)
	r.UseColor = r.GetBool(KeyUseColor, true)
	r.MetricsEnabled = r.GetBool(KeyMetricsEnabled, false)
	r.MetricsPath = r.GetString(KeyMetricsPath, "/var/lib/node_exporter/textfile_collector")
}

// Path returns the record file path.
func (r *Record) Path() string {
	return r.path
}

// Has reports whether a key is present.
func (r *Record) Has(key string) bool {
	_, ok := r.raw[key]
	return ok
}

// GetString returns the value for key, or def when absent or empty.
func (r *Record) GetString(key, def string) string {
	if v, ok := r.raw[key]; ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

// GetBool parses a boolean value ("true/false/yes/no/1/0/on/off").
func (r *Record) GetBool(key string, def bool) bool {
	v, ok := r.raw[key]
	if !ok {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on", "enabled":
		return true
	case "0", "false", "no", "off", "disabled":
		return false
	default:
		return def
	}
}

// GetInt parses an integer value.
func (r *Record) GetInt(key string, def int) int {
	v, ok := r.raw[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

// GetStringSlice parses a comma-separated list value.
func (r *Record) GetStringSlice(key string) []string {
	v, ok := r.raw[key]
	if !ok {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (r *Record) getLogLevel(key string, def types.LogLevel) types.LogLevel {
	switch strings.ToLower(r.GetString(key, "")) {
	case "debug", "5":
		return types.LogLevelDebug
	case "info", "4":
		return types.LogLevelInfo
	case "warning", "3":
		return types.LogLevelWarning
	case "error", "2":
		return types.LogLevelError
	case "critical", "1":
		return types.LogLevelCritical
	case "none", "0":
		return types.LogLevelNone
	default:
		return def
	}
}

// Set upserts a key and refreshes the typed fields. Save must be called to
// persist the change.
func (r *Record) Set(key, value string) {
	r.raw[key] = value
	r.parse()
}

// Delete removes a key and refreshes the typed fields.
func (r *Record) Delete(key string) {
	delete(r.raw, key)
	r.parse()
}

// Keys returns the sorted key list (used by status reporting).
func (r *Record) Keys() []string {
	keys := make([]string, 0, len(r.raw))
	for k := range r.raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// DNSCredentialFile returns the configured credential file path for a DNS
// provider, or "" when the provider has no stored credentials.
func (r *Record) DNSCredentialFile(provider string) string {
	return r.GetString(dnsCredentialKeyPrefix+strings.ToUpper(provider), "")
}

// SetDNSCredentialFile stores the credential file path for a DNS provider.
func (r *Record) SetDNSCredentialFile(provider, path string) {
	r.Set(dnsCredentialKeyPrefix+strings.ToUpper(provider), path)
}

// DNSCredentialFiles returns every configured provider credential file,
// keyed by lowercase provider name.
func (r *Record) DNSCredentialFiles() map[string]string {
	out := make(map[string]string)
	for k, v := range r.raw {
		if strings.HasPrefix(k, dnsCredentialKeyPrefix) && strings.TrimSpace(v) != "" {
			provider := strings.ToLower(strings.TrimPrefix(k, dnsCredentialKeyPrefix))
			out[provider] = strings.TrimSpace(v)
		}
	}
	return out
}

// Save persists the record with restrictive permissions. The write goes
// through a temp file and rename so a crashed run never leaves a truncated
// record behind.
func (r *Record) Save() error {
	if r.path == "" {
		return fmt.Errorf("environment record has no path")
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("cannot create record directory: %w", err)
	}

	tmp := r.path + ".tmp"
	if err := godotenv.Write(r.raw, tmp); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("cannot write environment record: %w", err)
	}
	if err := os.Chmod(tmp, 0o600); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("cannot restrict record permissions: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("cannot replace environment record: %w", err)
	}
	return nil
}
