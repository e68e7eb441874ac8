package envfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/n8nkeeper/n8nkeeper/internal/types"
)

func TestSaveAndLoadRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")

	record := NewEmpty(path)
	record.Set(KeyDomain, "n8n.example.com")
	record.Set(KeyCertMode, "ca")
	record.Set(KeyPostgresUser, "n8n")
	record.Set(KeyEncryptBackup, "true")
	record.Set(KeyAgeRecipient, "age1abc,age1def")
	if err := record.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("record file permissions = %o, want 600", info.Mode().Perm())
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Domain != "n8n.example.com" {
		t.Errorf("Domain = %q", loaded.Domain)
	}
	if loaded.CertMode != types.CertModeCA {
		t.Errorf("CertMode = %q, want ca", loaded.CertMode)
	}
	if !loaded.EncryptBackup {
		t.Error("EncryptBackup must be true")
	}
	if len(loaded.AgeRecipients) != 2 || loaded.AgeRecipients[0] != "age1abc" {
		t.Errorf("AgeRecipients = %v", loaded.AgeRecipients)
	}
}

func TestSetReparsesTypedFields(t *testing.T) {
	record := NewEmpty(filepath.Join(t.TempDir(), ".env"))

	if record.CertMode != types.CertModeSelfSigned {
		t.Fatalf("default cert mode = %q, want selfsigned", record.CertMode)
	}
	record.Set(KeyCertMode, "ca")
	if record.CertMode != types.CertModeCA {
		t.Error("Set must refresh the typed CertMode field")
	}

	record.Set(KeyFirewallEnabled, "yes")
	if !record.FirewallEnabled {
		t.Error("yes must parse as true")
	}
}

func TestDeleteRemovesKey(t *testing.T) {
	record := NewEmpty(filepath.Join(t.TempDir(), ".env"))
	record.Set(KeyDomain, "n8n.example.com")

	record.Delete(KeyDomain)
	if record.Has(KeyDomain) {
		t.Error("key still present after delete")
	}
	if record.Domain != "" {
		t.Errorf("typed Domain field not cleared: %q", record.Domain)
	}
}

func TestGetBoolVariants(t *testing.T) {
	record := NewEmpty(filepath.Join(t.TempDir(), ".env"))

	tests := []struct {
		value string
		want  bool
	}{
		{"true", true},
		{"TRUE", true},
		{"1", true},
		{"yes", true},
		{"on", true},
		{"false", false},
		{"0", false},
		{"no", false},
		{"off", false},
		{"garbage", false},
	}
	for _, tt := range tests {
		record.Set("TEST_FLAG", tt.value)
		if got := record.GetBool("TEST_FLAG", false); got != tt.want {
			t.Errorf("GetBool(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}

	if !record.GetBool("UNSET_FLAG", true) {
		t.Error("unset key must return the default")
	}
}

func TestGetInt(t *testing.T) {
	record := NewEmpty(filepath.Join(t.TempDir(), ".env"))
	record.Set("TEST_INT", "42")
	if got := record.GetInt("TEST_INT", 7); got != 42 {
		t.Errorf("GetInt = %d, want 42", got)
	}
	record.Set("TEST_INT", "not-a-number")
	if got := record.GetInt("TEST_INT", 7); got != 7 {
		t.Errorf("unparseable value must return the default, got %d", got)
	}
}

func TestDNSCredentialFiles(t *testing.T) {
	record := NewEmpty(filepath.Join(t.TempDir(), ".env"))

	record.SetDNSCredentialFile("cloudflare", "/opt/n8n/secrets/dns/cloudflare.ini")
	record.SetDNSCredentialFile("route53", "/opt/n8n/secrets/dns/route53.ini")

	if got := record.DNSCredentialFile("cloudflare"); got != "/opt/n8n/secrets/dns/cloudflare.ini" {
		t.Errorf("DNSCredentialFile = %q", got)
	}
	if got := record.DNSCredentialFile("unknown"); got != "" {
		t.Errorf("unknown provider must return empty, got %q", got)
	}

	all := record.DNSCredentialFiles()
	if len(all) != 2 {
		t.Fatalf("expected 2 credential files, got %d", len(all))
	}
}

func TestEnvOverrideTakesPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	record := NewEmpty(path)
	record.Set(KeyDomain, "file.example.com")
	if err := record.Save(); err != nil {
		t.Fatal(err)
	}

	t.Setenv(KeyDomain, "env.example.com")
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Domain != "env.example.com" {
		t.Errorf("Domain = %q, want the environment override", loaded.Domain)
	}
}
