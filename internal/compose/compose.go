// Package compose wraps the container runtime behind a small capability
// interface so the backup/restore workflows stay testable with fakes. All
// apparent parallelism (service startup ordering, health probing inside the
// containers) is delegated to docker compose; this code is strictly
// sequential and every invocation blocks.
package compose

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/n8nkeeper/n8nkeeper/internal/logging"
	"github.com/n8nkeeper/n8nkeeper/internal/retry"
)

var (
	stopTimeout    = 120 * time.Second
	startTimeout   = 120 * time.Second
	commandTimeout = 60 * time.Second
	oneShotTimeout = 10 * time.Minute

	healthPollAttempts = 30
	healthPollDelay    = 2 * time.Second
)

// ServiceManager abstracts "start/stop containers" for the orchestration
// workflows.
type ServiceManager interface {
	Stop(ctx context.Context) error
	Start(ctx context.Context) error
	StartService(ctx context.Context, service string) error
	Restart(ctx context.Context) error
	Status(ctx context.Context) (string, error)
	WaitHealthy(ctx context.Context) error
	Logs(ctx context.Context, service string, tail int) (string, error)
	Pull(ctx context.Context) error

	VolumeExists(ctx context.Context, name string) (bool, error)
	CreateVolume(ctx context.Context, name string) error
	RemoveVolume(ctx context.Context, name string) error

	// RunOneShot runs a throwaway container (used to archive/restore named
	// volumes without attaching them to a running service container).
	RunOneShot(ctx context.Context, image string, binds []string, cmd ...string) ([]byte, error)

	// ExecService runs a command inside a running service container with
	// the given stdin (used for the legacy SQL dump replay).
	ExecService(ctx context.Context, service string, stdin []byte, cmd ...string) ([]byte, error)
}

// Deps groups external dependencies used by DockerCompose.
type Deps struct {
	CommandContext func(context.Context, string, ...string) *exec.Cmd
}

func defaultDeps() Deps {
	return Deps{CommandContext: exec.CommandContext}
}

// DockerCompose is the docker-compose-backed ServiceManager.
type DockerCompose struct {
	composeFile string
	logger      *logging.Logger
	deps        Deps
}

// NewDockerCompose creates a ServiceManager for the given compose file.
func NewDockerCompose(composeFile string, logger *logging.Logger) *DockerCompose {
	return &DockerCompose{
		composeFile: composeFile,
		logger:      logger,
		deps:        defaultDeps(),
	}
}

// SetDeps overrides external dependencies (tests).
func (d *DockerCompose) SetDeps(deps Deps) {
	if deps.CommandContext != nil {
		d.deps.CommandContext = deps.CommandContext
	}
}

func (d *DockerCompose) run(ctx context.Context, timeout time.Duration, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := d.deps.CommandContext(ctx, "docker", args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	d.logger.Debug("Running: docker %s", strings.Join(args, " "))
	if err := cmd.Run(); err != nil {
		return out.Bytes(), fmt.Errorf("docker %s: %w (%s)", args[0], err, strings.TrimSpace(out.String()))
	}
	return out.Bytes(), nil
}

func (d *DockerCompose) composeArgs(args ...string) []string {
	return append([]string{"compose", "-f", d.composeFile}, args...)
}

// Stop stops the managed services.
func (d *DockerCompose) Stop(ctx context.Context) error {
	d.logger.Step("Stopping services")
	_, err := d.run(ctx, stopTimeout, d.composeArgs("stop")...)
	return err
}

// Start starts the managed services.
func (d *DockerCompose) Start(ctx context.Context) error {
	d.logger.Step("Starting services")
	_, err := d.run(ctx, startTimeout, d.composeArgs("up", "-d")...)
	return err
}

// StartService starts a single service without its dependents (used when the
// database must come up alone for a SQL dump replay).
func (d *DockerCompose) StartService(ctx context.Context, service string) error {
	d.logger.Step("Starting service %s", service)
	_, err := d.run(ctx, startTimeout, d.composeArgs("up", "-d", "--no-deps", service)...)
	return err
}

// Restart restarts the managed services.
func (d *DockerCompose) Restart(ctx context.Context) error {
	d.logger.Step("Restarting services")
	_, err := d.run(ctx, startTimeout, d.composeArgs("restart")...)
	return err
}

// Status returns the compose service table.
func (d *DockerCompose) Status(ctx context.Context) (string, error) {
	out, err := d.run(ctx, commandTimeout, d.composeArgs("ps")...)
	return string(out), err
}

// Logs returns the tail of one service's log (or all services when empty).
func (d *DockerCompose) Logs(ctx context.Context, service string, tail int) (string, error) {
	args := d.composeArgs("logs", "--no-color", fmt.Sprintf("--tail=%d", tail))
	if service != "" {
		args = append(args, service)
	}
	out, err := d.run(ctx, commandTimeout, args...)
	return string(out), err
}

// Pull fetches newer service images.
func (d *DockerCompose) Pull(ctx context.Context) error {
	d.logger.Step("Pulling service images")
	_, err := d.run(ctx, oneShotTimeout, d.composeArgs("pull")...)
	return err
}

// WaitHealthy polls until every service reports running/healthy, with an
// explicit iteration cap. Cap exhaustion is returned as retry.ErrCapExhausted
// so callers can downgrade it to a warning.
func (d *DockerCompose) WaitHealthy(ctx context.Context) error {
	d.logger.Debug("Waiting for services to report healthy (cap %d, delay %s)", healthPollAttempts, healthPollDelay)
	return retry.Until(ctx, retry.Options{Attempts: healthPollAttempts, Delay: healthPollDelay}, func(ctx context.Context) (bool, error) {
		out, err := d.run(ctx, commandTimeout, d.composeArgs("ps", "--format", "{{.Name}} {{.State}} {{.Health}}")...)
		if err != nil {
			return false, err
		}
		return allHealthy(string(out)), nil
	})
}

// allHealthy interprets `compose ps` formatted output: every service must be
// running, and services that expose a healthcheck must be healthy.
func allHealthy(psOutput string) bool {
	lines := strings.Split(strings.TrimSpace(psOutput), "\n")
	seen := false
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		seen = true
		state := strings.ToLower(fields[1])
		if state != "running" {
			return false
		}
		if len(fields) >= 3 {
			health := strings.ToLower(fields[2])
			if health != "" && health != "healthy" && health != "-" {
				return false
			}
		}
	}
	return seen
}

// VolumeExists reports whether a named volume exists.
func (d *DockerCompose) VolumeExists(ctx context.Context, name string) (bool, error) {
	_, err := d.run(ctx, commandTimeout, "volume", "inspect", name)
	if err != nil {
		if strings.Contains(err.Error(), "no such volume") {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// CreateVolume creates a named volume.
func (d *DockerCompose) CreateVolume(ctx context.Context, name string) error {
	_, err := d.run(ctx, commandTimeout, "volume", "create", name)
	return err
}

// RemoveVolume removes a named volume.
func (d *DockerCompose) RemoveVolume(ctx context.Context, name string) error {
	_, err := d.run(ctx, commandTimeout, "volume", "rm", "-f", name)
	return err
}

// RunOneShot runs a throwaway container with the given bind mounts.
func (d *DockerCompose) RunOneShot(ctx context.Context, image string, binds []string, cmd ...string) ([]byte, error) {
	args := []string{"run", "--rm"}
	for _, b := range binds {
		args = append(args, "-v", b)
	}
	args = append(args, image)
	args = append(args, cmd...)
	return d.run(ctx, oneShotTimeout, args...)
}

// ExecService runs a command inside a running service container.
func (d *DockerCompose) ExecService(ctx context.Context, service string, stdin []byte, cmd ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, oneShotTimeout)
	defer cancel()

	args := d.composeArgs(append([]string{"exec", "-T", service}, cmd...)...)
	c := d.deps.CommandContext(ctx, "docker", args...)
	if stdin != nil {
		c.Stdin = bytes.NewReader(stdin)
	}
	var out bytes.Buffer
	c.Stdout = &out
	c.Stderr = &out

	d.logger.Debug("Running: docker %s", strings.Join(args, " "))
	if err := c.Run(); err != nil {
		return out.Bytes(), fmt.Errorf("docker compose exec %s: %w (%s)", service, err, strings.TrimSpace(out.String()))
	}
	return out.Bytes(), nil
}
