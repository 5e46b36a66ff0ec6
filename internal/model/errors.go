package model

import (
	"errors"
	"fmt"
)

// ExitCode defines the process exit codes. Every GRASS add-on reports
// failure through a single fatal message, so there are only two.
type ExitCode int

const (
	ExitSuccess ExitCode = 0
	ExitFatal   ExitCode = 1
)

// Sentinel errors. They are wrapped with context via fmt.Errorf("%w") or
// WrapCLIError and matched with errors.Is.
var (
	ErrOutputExists         = errors.New("output directory already exists")
	ErrMapNotFound          = errors.New("map not found")
	ErrMapExists            = errors.New("map already exists")
	ErrMissingTileFile      = errors.New("tile file expected but not found")
	ErrUnexpectedClassValue = errors.New("unexpected class value")
	ErrMissingColumn        = errors.New("attribute column not found")
	ErrUnpairedTile         = errors.New("image tile without matching mask")
	ErrNoTiles              = errors.New("no tiles found")
	ErrAddonMissing         = errors.New("GRASS addon not installed")
	ErrInvalidOption        = errors.New("invalid option")
	ErrDockerUnavailable    = errors.New("Docker daemon not available")
	ErrExternalFailed       = errors.New("external library run failed")
)

// CLIError is an error printed once by the root command before the
// process exits with Code. Err, usually a sentinel, may be nil.
type CLIError struct {
	Code    ExitCode
	Message string
	Err     error
}

func (e *CLIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *CLIError) Unwrap() error {
	return e.Err
}

// WrapCLIError returns a CLIError wrapping err.
func WrapCLIError(code ExitCode, message string, err error) *CLIError {
	return &CLIError{Code: code, Message: message, Err: err}
}

// Fatalf returns a fatal CLIError with a formatted message wrapping
// sentinel.
func Fatalf(sentinel error, format string, args ...any) *CLIError {
	return WrapCLIError(ExitFatal, fmt.Sprintf(format, args...), sentinel)
}
