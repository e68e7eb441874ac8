// Package deploy provisions and removes a stack installation: directory
// tree, environment record, compose definition, reverse proxy configuration
// and the initial certificate identity.
package deploy

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/n8nkeeper/n8nkeeper/internal/certs"
	"github.com/n8nkeeper/n8nkeeper/internal/compose"
	"github.com/n8nkeeper/n8nkeeper/internal/envfile"
	"github.com/n8nkeeper/n8nkeeper/internal/logging"
	"github.com/n8nkeeper/n8nkeeper/internal/stack"
	"github.com/n8nkeeper/n8nkeeper/internal/types"
)

// ErrAlreadyInstalled is returned when deploy finds a completed installation
// at the target root.
var ErrAlreadyInstalled = errors.New("already installed")

// Options configures a new deployment.
type Options struct {
	Domain        string
	BasicAuthUser string
	BasicAuthPass string

	// PostgresPassword is generated when empty.
	PostgresPassword string
}

// Deployer provisions a new installation.
type Deployer struct {
	logger   *logging.Logger
	inst     *stack.Installation
	services compose.ServiceManager
}

// NewDeployer creates a deployer.
func NewDeployer(logger *logging.Logger, inst *stack.Installation, services compose.ServiceManager) *Deployer {
	return &Deployer{logger: logger, inst: inst, services: services}
}

// Run provisions the installation and brings the stack up.
func (d *Deployer) Run(ctx context.Context, opts Options) error {
	if d.inst.IsInstalled() {
		return fmt.Errorf("%w at %s", ErrAlreadyInstalled, d.inst.Root)
	}

	d.logger.Phase("Deploying n8n stack to %s", d.inst.Root)

	for _, dir := range []string{
		d.inst.Root,
		d.inst.BackupDir(),
		d.inst.NginxDir(),
		d.inst.TempDir(),
		d.inst.DNSSecretsDir(),
		filepath.Dir(d.inst.LogPath()),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	// Credential files never leave owner scope.
	if err := os.Chmod(d.inst.DNSSecretsDir(), 0o700); err != nil {
		return err
	}

	record, err := d.writeEnvRecord(opts)
	if err != nil {
		return err
	}
	if err := d.writeComposeFile(); err != nil {
		return err
	}
	if err := d.writeNginxConfig(opts.Domain); err != nil {
		return err
	}

	certManager := certs.NewManager(d.logger, d.inst, record, nil)
	if err := certManager.EnsureSelfSigned(); err != nil {
		return err
	}
	if err := certManager.SwitchMode(types.CertModeSelfSigned); err != nil {
		return err
	}

	d.logger.Step("Pulling images and starting services")
	if err := d.services.Pull(ctx); err != nil {
		d.logger.Warning("Image pull failed: %v", err)
	}
	if err := d.services.Start(ctx); err != nil {
		return fmt.Errorf("start services: %w", err)
	}
	if err := d.services.WaitHealthy(ctx); err != nil {
		d.logger.Warning("Services not yet healthy: %v", err)
		d.logger.Warning("The stack may need more time to start, check with: n8nkeeper status")
	}

	d.logger.Phase("Deployment completed")
	return nil
}

func (d *Deployer) writeEnvRecord(opts Options) (*envfile.Record, error) {
	pgPass := opts.PostgresPassword
	if pgPass == "" {
		var err error
		if pgPass, err = randomSecret(24); err != nil {
			return nil, err
		}
	}

	record := envfile.NewEmpty(d.inst.EnvPath())
	record.Set(envfile.KeyDomain, opts.Domain)
	record.Set(envfile.KeyCertMode, types.CertModeSelfSigned.String())
	record.Set(envfile.KeyPostgresUser, "n8n")
	record.Set(envfile.KeyPostgresDB, "n8n")
	record.Set(envfile.KeyPostgresPass, pgPass)
	if opts.BasicAuthUser != "" {
		record.Set(envfile.KeyBasicAuthUser, opts.BasicAuthUser)
		record.Set(envfile.KeyBasicAuthPass, opts.BasicAuthPass)
	}
	record.Set(envfile.KeyFirewallEnabled, "false")
	record.Set(envfile.KeyFail2banEnabled, "false")
	record.Set(envfile.KeyEncryptBackup, "false")

	if err := record.Save(); err != nil {
		return nil, fmt.Errorf("write environment record: %w", err)
	}
	return record, nil
}

func randomSecret(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func (d *Deployer) writeComposeFile() error {
	content := fmt.Sprintf(composeTemplate, stack.VolumePostgres, stack.VolumeAppData)
	if err := os.WriteFile(d.inst.ComposePath(), []byte(content), 0o644); err != nil {
		return fmt.Errorf("write compose file: %w", err)
	}
	return nil
}

func (d *Deployer) writeNginxConfig(domain string) error {
	serverName := stack.LocalHostname
	if domain != "" {
		serverName = domain + " " + stack.LocalHostname
	}
	content := fmt.Sprintf(nginxTemplate, serverName, serverName)
	path := filepath.Join(d.inst.NginxDir(), "n8n.conf")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write nginx config: %w", err)
	}
	return nil
}

// Uninstaller removes an installation. The caller is expected to take a
// safeguard backup first; the backup directory itself is left in place.
type Uninstaller struct {
	logger   *logging.Logger
	inst     *stack.Installation
	services compose.ServiceManager
}

// NewUninstaller creates an uninstaller.
func NewUninstaller(logger *logging.Logger, inst *stack.Installation, services compose.ServiceManager) *Uninstaller {
	return &Uninstaller{logger: logger, inst: inst, services: services}
}

// Run stops the stack, removes both data volumes and deletes the installation
// files. Backups survive.
func (u *Uninstaller) Run(ctx context.Context) error {
	u.logger.Phase("Uninstalling n8n stack at %s", u.inst.Root)

	if err := u.services.Stop(ctx); err != nil {
		u.logger.Warning("Cannot stop services: %v", err)
	}
	for _, volume := range []string{stack.VolumePostgres, stack.VolumeAppData} {
		if err := u.services.RemoveVolume(ctx, volume); err != nil {
			u.logger.Warning("Cannot remove volume %s: %v", volume, err)
		}
	}

	entries, err := os.ReadDir(u.inst.Root)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if filepath.Join(u.inst.Root, entry.Name()) == u.inst.BackupDir() {
			continue
		}
		if err := os.RemoveAll(filepath.Join(u.inst.Root, entry.Name())); err != nil {
			u.logger.Warning("Cannot remove %s: %v", entry.Name(), err)
		}
	}

	u.logger.Phase("Uninstall completed, backups kept in %s", u.inst.BackupDir())
	return nil
}

const composeTemplate = `services:
  postgres:
    image: postgres:16-alpine
    restart: unless-stopped
    environment:
      POSTGRES_USER: ${POSTGRES_USER}
      POSTGRES_PASSWORD: ${POSTGRES_PASSWORD}
      POSTGRES_DB: ${POSTGRES_DB}
    volumes:
      - postgres_data:/var/lib/postgresql/data
    healthcheck:
      test: ["CMD-SHELL", "pg_isready -U ${POSTGRES_USER}"]
      interval: 5s
      timeout: 5s
      retries: 10

  n8n:
    image: docker.n8n.io/n8nio/n8n
    restart: unless-stopped
    environment:
      DB_TYPE: postgresdb
      DB_POSTGRESDB_HOST: postgres
      DB_POSTGRESDB_USER: ${POSTGRES_USER}
      DB_POSTGRESDB_PASSWORD: ${POSTGRES_PASSWORD}
      DB_POSTGRESDB_DATABASE: ${POSTGRES_DB}
      N8N_HOST: ${N8N_DOMAIN}
      N8N_PROTOCOL: https
      WEBHOOK_URL: https://${N8N_DOMAIN}/
    volumes:
      - app_data:/home/node/.n8n
    depends_on:
      postgres:
        condition: service_healthy

  nginx:
    image: nginx:alpine
    restart: unless-stopped
    ports:
      - "80:80"
      - "443:443"
    volumes:
      - ./nginx:/etc/nginx/conf.d:ro
      - ./certs:/etc/nginx/certs:ro
    depends_on:
      - n8n

volumes:
  postgres_data:
    name: %s
  app_data:
    name: %s
`

const nginxTemplate = `server {
    listen 443 ssl;
    server_name %s;

    include /etc/nginx/conf.d/ssl.conf;

    location /healthz {
        proxy_pass http://n8n:5678/healthz;
    }

    location / {
        proxy_pass http://n8n:5678;
        proxy_set_header Host $host;
        proxy_set_header X-Real-IP $remote_addr;
        proxy_set_header Upgrade $http_upgrade;
        proxy_set_header Connection "upgrade";
        proxy_http_version 1.1;
    }
}

server {
    listen 80;
    server_name %s;
    return 301 https://$host$request_uri;
}
`
