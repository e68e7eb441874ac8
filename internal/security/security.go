// Package security wraps the host protection daemons (ufw, fail2ban) behind
// small capability interfaces so restore reactivation stays testable with
// fakes.
package security

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/n8nkeeper/n8nkeeper/internal/logging"
)

var (
	commandTimeout = 30 * time.Second

	// ruleDeleteCap bounds the delete loop: ufw renumbers rules after every
	// delete, so matching rules are removed one at a time.
	ruleDeleteCap = 100
)

// FirewallManager controls the host firewall.
type FirewallManager interface {
	Enable(ctx context.Context) error
	Reload(ctx context.Context) error
	Status(ctx context.Context) (string, error)
	DeleteRulesMatching(ctx context.Context, pattern string) (int, error)
}

// IntrusionPreventionManager controls the intrusion prevention daemon.
type IntrusionPreventionManager interface {
	Restart(ctx context.Context) error
	Status(ctx context.Context) (string, error)
}

// Deps groups external dependencies used by the exec-backed managers.
type Deps struct {
	CommandContext func(context.Context, string, ...string) *exec.Cmd
}

func defaultDeps() Deps {
	return Deps{CommandContext: exec.CommandContext}
}

func runCommand(ctx context.Context, deps Deps, logger *logging.Logger, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd := deps.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	logger.Debug("Running: %s %s", name, strings.Join(args, " "))
	if err := cmd.Run(); err != nil {
		return out.String(), fmt.Errorf("%s %s: %w (%s)", name, args[0], err, strings.TrimSpace(out.String()))
	}
	return out.String(), nil
}

// UFW is the ufw-backed FirewallManager.
type UFW struct {
	logger *logging.Logger
	deps   Deps
}

// NewUFW creates a ufw firewall manager.
func NewUFW(logger *logging.Logger) *UFW {
	return &UFW{logger: logger, deps: defaultDeps()}
}

// SetDeps overrides external dependencies (tests).
func (u *UFW) SetDeps(deps Deps) {
	if deps.CommandContext != nil {
		u.deps.CommandContext = deps.CommandContext
	}
}

// Enable turns the firewall on without prompting.
func (u *UFW) Enable(ctx context.Context) error {
	_, err := runCommand(ctx, u.deps, u.logger, "ufw", "--force", "enable")
	return err
}

// Reload re-applies the rule set.
func (u *UFW) Reload(ctx context.Context) error {
	_, err := runCommand(ctx, u.deps, u.logger, "ufw", "reload")
	return err
}

// Status returns the verbose status output.
func (u *UFW) Status(ctx context.Context) (string, error) {
	return runCommand(ctx, u.deps, u.logger, "ufw", "status", "verbose")
}

// DeleteRulesMatching removes every numbered rule whose line contains
// pattern. ufw renumbers after each delete, so the list is re-read every
// iteration; the loop is capped so a misbehaving ufw cannot hang the run.
func (u *UFW) DeleteRulesMatching(ctx context.Context, pattern string) (int, error) {
	deleted := 0
	for i := 0; i < ruleDeleteCap; i++ {
		out, err := runCommand(ctx, u.deps, u.logger, "ufw", "status", "numbered")
		if err != nil {
			return deleted, err
		}
		num, ok := firstRuleMatching(out, pattern)
		if !ok {
			return deleted, nil
		}
		if _, err := runCommand(ctx, u.deps, u.logger, "ufw", "--force", "delete", num); err != nil {
			return deleted, err
		}
		deleted++
	}
	u.logger.Warning("Firewall rule cleanup stopped after %d deletions, rules matching %q may remain", ruleDeleteCap, pattern)
	return deleted, nil
}

// firstRuleMatching parses `ufw status numbered` output and returns the
// number of the first rule containing pattern.
func firstRuleMatching(output, pattern string) (string, bool) {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "[") {
			continue
		}
		end := strings.Index(line, "]")
		if end < 0 {
			continue
		}
		if strings.Contains(line[end+1:], pattern) {
			return strings.TrimSpace(line[1:end]), true
		}
	}
	return "", false
}

// Fail2ban is the fail2ban-backed IntrusionPreventionManager.
type Fail2ban struct {
	logger *logging.Logger
	deps   Deps
}

// NewFail2ban creates a fail2ban manager.
func NewFail2ban(logger *logging.Logger) *Fail2ban {
	return &Fail2ban{logger: logger, deps: defaultDeps()}
}

// SetDeps overrides external dependencies (tests).
func (f *Fail2ban) SetDeps(deps Deps) {
	if deps.CommandContext != nil {
		f.deps.CommandContext = deps.CommandContext
	}
}

// Restart restarts the daemon so restored jail configuration takes effect.
func (f *Fail2ban) Restart(ctx context.Context) error {
	_, err := runCommand(ctx, f.deps, f.logger, "systemctl", "restart", "fail2ban")
	return err
}

// Status returns the daemon's jail status.
func (f *Fail2ban) Status(ctx context.Context) (string, error) {
	return runCommand(ctx, f.deps, f.logger, "fail2ban-client", "status")
}
