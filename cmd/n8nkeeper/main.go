package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/n8nkeeper/n8nkeeper/internal/backup"
	"github.com/n8nkeeper/n8nkeeper/internal/deploy"
	"github.com/n8nkeeper/n8nkeeper/internal/lockfile"
	"github.com/n8nkeeper/n8nkeeper/internal/restore"
	"github.com/n8nkeeper/n8nkeeper/internal/types"
)

const version = "1.0.0"

// Build-time variable (injected via ldflags)
var buildTime = ""

func main() {
	os.Exit(run())
}

func run() (code int) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "panic: %v\n%s\n", r, debug.Stack())
			code = types.ExitPanicError.Int()
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		return exitCodeFor(err).Int()
	}
	return types.ExitSuccess.Int()
}

// exitCodeFor maps sentinel errors onto the documented exit codes.
func exitCodeFor(err error) types.ExitCode {
	switch {
	case errors.Is(err, deploy.ErrAlreadyInstalled):
		return types.ExitAlreadyInstalled
	case errors.Is(err, backup.ErrNotInstalled), errors.Is(err, errNotInstalled):
		return types.ExitNotInstalled
	case errors.Is(err, lockfile.ErrLocked):
		return types.ExitLockError
	case errors.Is(err, backup.ErrValidationFailed):
		return types.ExitValidationError
	case errors.Is(err, errPasswordMismatch):
		return types.ExitPasswordMismatch
	case errors.Is(err, restore.ErrAborted):
		return types.ExitRestoreError
	default:
		return types.ExitGenericError
	}
}
