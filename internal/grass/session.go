package grass

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mmr-tortoise/nnpipe/internal/log"
	"github.com/mmr-tortoise/nnpipe/internal/model"
)

// Runner executes GRASS GIS modules. Run discards standard output, Read
// returns it. Both return a model.CLIError when the module exits non-zero.
type Runner interface {
	Run(ctx context.Context, module string, args ...Arg) error
	Read(ctx context.Context, module string, args ...Arg) (string, error)
}

// Session runs module binaries found on PATH inside one GRASS session,
// identified by its GISRC file.
//
// The zero value inherits GISRC from the process environment.
type Session struct {
	// Gisrc is the path of the GISRC file. Empty means the GISRC of the
	// current process environment.
	Gisrc string

	// Overwrite sets GRASS_OVERWRITE=1 so every module may replace
	// existing output maps.
	Overwrite bool

	// Env holds additional KEY=VALUE environment entries.
	Env []string
}

// NewSession creates a Session bound to gisrc. An empty gisrc falls back to
// the GISRC environment variable.
func NewSession(gisrc string) *Session {
	return &Session{Gisrc: gisrc}
}

// GisrcPath returns the effective GISRC file of the session.
func (s *Session) GisrcPath() string {
	if s.Gisrc != "" {
		return s.Gisrc
	}
	return os.Getenv("GISRC")
}

// Run executes the module and discards its standard output.
func (s *Session) Run(ctx context.Context, module string, args ...Arg) error {
	_, err := s.exec(ctx, module, args)
	return err
}

// Read executes the module and returns its standard output.
func (s *Session) Read(ctx context.Context, module string, args ...Arg) (string, error) {
	return s.exec(ctx, module, args)
}

// exec runs one module and captures stdout and stderr separately so that
// stderr can be included in the error message while stdout is returned on
// success.
func (s *Session) exec(ctx context.Context, module string, args []Arg) (string, error) {
	argv := Render(args)

	// #nosec G204 -- module names are constants of this program
	cmd := exec.CommandContext(ctx, module, argv...)
	cmd.Env = s.environ()

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	log.Debug("grass module",
		zap.String("module", module),
		zap.Strings("args", argv),
		zap.Duration("took", time.Since(start)),
		zap.Bool("ok", err == nil),
	)
	if err != nil {
		stderrStr := strings.TrimSpace(stderr.String())
		message := fmt.Sprintf("ERROR processing <%s %s>", module, strings.Join(argv, " "))
		if stderrStr != "" {
			message = fmt.Sprintf("%s: %s", message, stderrStr)
		}
		return stdout.String(), model.WrapCLIError(model.ExitFatal, message, err)
	}

	return stdout.String(), nil
}

func (s *Session) environ() []string {
	env := os.Environ()
	if s.Gisrc != "" {
		env = append(env, "GISRC="+s.Gisrc)
	}
	if s.Overwrite {
		env = append(env, "GRASS_OVERWRITE=1")
	}
	return append(env, s.Env...)
}
