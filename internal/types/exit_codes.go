// Package types defines shared application data types.
package types

// ExitCode represents the application's exit codes.
type ExitCode int

const (
	// ExitSuccess - Execution completed successfully.
	ExitSuccess ExitCode = 0

	// ExitGenericError - Unspecified generic error.
	ExitGenericError ExitCode = 1

	// ExitConfigError - Environment record / configuration error.
	ExitConfigError ExitCode = 2

	// ExitNotInstalled - Management command invoked without a prior deploy.
	ExitNotInstalled ExitCode = 3

	// ExitAlreadyInstalled - Deploy invoked on an existing installation.
	ExitAlreadyInstalled ExitCode = 4

	// ExitBackupError - Error during the backup operation.
	ExitBackupError ExitCode = 5

	// ExitValidationError - Archive failed integrity validation.
	ExitValidationError ExitCode = 6

	// ExitRestoreError - Error during the restore operation.
	ExitRestoreError ExitCode = 7

	// ExitCertificateError - Certificate issuance or renewal error.
	ExitCertificateError ExitCode = 8

	// ExitServiceError - Container service manager error.
	ExitServiceError ExitCode = 9

	// ExitLockError - Another backup/restore run holds the advisory lock.
	ExitLockError ExitCode = 10

	// ExitPasswordMismatch - Password confirmation mismatch during deploy.
	ExitPasswordMismatch ExitCode = 11

	// ExitPanicError - Unhandled panic caught.
	ExitPanicError ExitCode = 12
)

// String returns a human-readable description of the exit code.
func (e ExitCode) String() string {
	switch e {
	case ExitSuccess:
		return "success"
	case ExitGenericError:
		return "generic error"
	case ExitConfigError:
		return "configuration error"
	case ExitNotInstalled:
		return "not installed"
	case ExitAlreadyInstalled:
		return "already installed"
	case ExitBackupError:
		return "backup error"
	case ExitValidationError:
		return "validation error"
	case ExitRestoreError:
		return "restore error"
	case ExitCertificateError:
		return "certificate error"
	case ExitServiceError:
		return "service error"
	case ExitLockError:
		return "lock error"
	case ExitPasswordMismatch:
		return "password mismatch"
	case ExitPanicError:
		return "panic error"
	default:
		return "unknown error"
	}
}

// Int returns the exit code as an integer.
func (e ExitCode) Int() int {
	return int(e)
}
