package fs

import (
	"errors"
	"fmt"
	"strings"

	version "github.com/hashicorp/go-version"

	"github.com/blockkit/fsmgr/pkg/exec"
)

// Sentinel kinds for the failures this package classifies. Returned errors
// wrap one of these with device and operation context; match with
// errors.Is.
var (
	ErrDeviceNotFound        = errors.New("device does not exist")
	ErrUnknownFilesystem     = errors.New("no filesystem detected")
	ErrUnsupportedFilesystem = errors.New("filesystem is not supported")
	ErrUnsupportedOperation  = errors.New("operation is not supported")
	ErrUnsafeOperation       = errors.New("operation is not safe without confirmation")
	ErrToolMissing           = errors.New("required executable is missing")
	ErrToolVersion           = errors.New("tool version is too low")
	ErrNotMounted            = errors.New("filesystem is not mounted")
	ErrDeviceBusy            = errors.New("device is busy")
	ErrNoSignature           = errors.New("no signature detected on the device")
	ErrInvalidArgument       = errors.New("invalid argument")
	ErrPermissionDenied      = errors.New("permission denied")
	ErrCommandFailed         = errors.New("command execution failed")
)

// VersionError reports a tool that is present but below the minimum
// version an operation needs. It matches ErrToolVersion with errors.Is.
type VersionError struct {
	Tool    string
	Current *version.Version
	Minimum *version.Version
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("Too low version of %s. At least %s required.", e.Tool, e.Minimum)
}

func (e *VersionError) Is(target error) bool { return target == ErrToolVersion }

// CommandError reports a tool invocation that ran and failed without a more
// specific classification. It matches ErrCommandFailed with errors.Is.
type CommandError struct {
	Path     string
	Args     []string
	ExitCode int
	Output   string
}

func (e *CommandError) Error() string {
	cmd := e.Path
	if len(e.Args) > 0 {
		cmd += " " + strings.Join(e.Args, " ")
	}
	if e.Output == "" {
		return fmt.Sprintf("'%s' failed with exit code %d", cmd, e.ExitCode)
	}
	return fmt.Sprintf("'%s' failed with exit code %d: %s", cmd, e.ExitCode, e.Output)
}

func (e *CommandError) Is(target error) bool { return target == ErrCommandFailed }

func commandFailed(cmd exec.Command, res *exec.Result) *CommandError {
	return &CommandError{
		Path:     cmd.Path,
		Args:     cmd.Args,
		ExitCode: res.ExitCode,
		Output:   res.Output(),
	}
}
