package smp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mmr-tortoise/nnpipe/internal/docker"
	"github.com/mmr-tortoise/nnpipe/internal/log"
	"github.com/mmr-tortoise/nnpipe/internal/model"
)

// Environment variables read by the backends.
const (
	EnvPython = "NNPIPE_PYTHON"
	EnvLibDir = "NNPIPE_SMP_LIB"
	EnvImage  = "NNPIPE_SMP_IMAGE"
)

// containerLibDir is where LibDir is mounted inside the container.
const containerLibDir = "/opt/nnpipe/lib"

// bootstrap loads the keyword arguments and calls the library function:
// bootstrap.py KWARGS_JSON MODULE FUNCTION.
const bootstrap = `import importlib
import json
import sys

with open(sys.argv[1], encoding="utf-8") as f:
    kwargs = json.load(f)
getattr(importlib.import_module(sys.argv[2]), sys.argv[3])(**kwargs)
`

// Call is one invocation of a library function.
type Call struct {
	// Stage names the pipeline step, e.g. "train".
	Stage string

	Module   string
	Function string

	// Kwargs is encoded as JSON and splatted into the function.
	Kwargs any

	// Inputs are paths the library reads. Outputs are directories it
	// writes; they are created before the call.
	Inputs  []string
	Outputs []string
}

// Backend runs library calls.
type Backend interface {
	Call(ctx context.Context, c Call) error
}

// workdir holds the bootstrap script and the kwargs file of one call.
type workdir struct {
	dir    string
	script string
	kwargs string
}

func newWorkdir(c Call) (*workdir, error) {
	dir, err := os.MkdirTemp("", "nnpipe-"+c.Stage+"-")
	if err != nil {
		return nil, fmt.Errorf("create work directory: %w", err)
	}
	w := &workdir{
		dir:    dir,
		script: filepath.Join(dir, "bootstrap.py"),
		kwargs: filepath.Join(dir, "kwargs.json"),
	}
	data, err := json.MarshalIndent(c.Kwargs, "", "  ")
	if err != nil {
		w.remove()
		return nil, fmt.Errorf("encode %s arguments: %w", c.Function, err)
	}
	if err := os.WriteFile(w.kwargs, data, 0o644); err != nil {
		w.remove()
		return nil, fmt.Errorf("write %s: %w", w.kwargs, err)
	}
	if err := os.WriteFile(w.script, []byte(bootstrap), 0o644); err != nil {
		w.remove()
		return nil, fmt.Errorf("write %s: %w", w.script, err)
	}
	log.Debug("library arguments", zap.String("function", c.Function), zap.ByteString("kwargs", data))
	return w, nil
}

func (w *workdir) args(c Call) []string {
	return []string{w.script, w.kwargs, c.Module, c.Function}
}

func (w *workdir) remove() {
	if err := os.RemoveAll(w.dir); err != nil {
		log.Warn("failed to remove work directory", zap.String("dir", w.dir), zap.Error(err))
	}
}

func createOutputs(c Call) error {
	for _, d := range c.Outputs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}
	return nil
}

// LocalBackend runs the library with a Python interpreter on this host.
type LocalBackend struct {
	// Python is the interpreter, "python3" when empty.
	Python string

	// LibDir is prepended to PYTHONPATH. It is the directory that
	// contains the smp_lib package.
	LibDir string

	Stdout io.Writer
	Stderr io.Writer
}

// NewLocalBackend configures a LocalBackend from NNPIPE_PYTHON and
// NNPIPE_SMP_LIB.
func NewLocalBackend() *LocalBackend {
	return &LocalBackend{
		Python: os.Getenv(EnvPython),
		LibDir: os.Getenv(EnvLibDir),
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
}

// Call runs the bootstrap script and streams the library output. The last
// line written to stderr becomes part of the error on failure.
func (b *LocalBackend) Call(ctx context.Context, c Call) error {
	if err := createOutputs(c); err != nil {
		return err
	}
	w, err := newWorkdir(c)
	if err != nil {
		return err
	}
	defer w.remove()

	python := b.Python
	if python == "" {
		python = "python3"
	}
	// #nosec G204 -- interpreter chosen by the operator
	cmd := exec.CommandContext(ctx, python, w.args(c)...)
	cmd.Env = os.Environ()
	if b.LibDir != "" {
		pythonPath := b.LibDir
		if p := os.Getenv("PYTHONPATH"); p != "" {
			pythonPath += string(os.PathListSeparator) + p
		}
		cmd.Env = append(cmd.Env, "PYTHONPATH="+pythonPath)
	}
	tail := &tailBuffer{max: 4096}
	cmd.Stdout = writerOr(b.Stdout)
	cmd.Stderr = io.MultiWriter(writerOr(b.Stderr), tail)

	start := time.Now()
	err = cmd.Run()
	log.Debug("library call",
		zap.String("python", python),
		zap.String("function", c.Function),
		zap.Duration("took", time.Since(start)),
		zap.Bool("ok", err == nil),
	)
	if err != nil {
		message := fmt.Sprintf("%s failed", c.Function)
		if line := tail.lastLine(); line != "" {
			message = fmt.Sprintf("%s: %s", message, line)
		}
		return model.WrapCLIError(model.ExitFatal, message, fmt.Errorf("%w: %w", model.ErrExternalFailed, err))
	}
	return nil
}

// ContainerBackend runs the library inside a Docker image that provides
// Python and the library dependencies. Inputs, outputs and the work
// directory are bind mounted at their host paths, so the keyword arguments
// need no rewriting.
type ContainerBackend struct {
	API   docker.API
	Image string

	// LibDir, when set, is mounted read-only and put on PYTHONPATH.
	// Otherwise the image must ship smp_lib itself.
	LibDir string

	// Pull pulls Image before each call.
	Pull bool

	// Keep leaves the container in place after the call for inspection.
	// Without it, containers kept by earlier calls are pruned first.
	Keep bool

	Stdout io.Writer
	Stderr io.Writer
}

// Call runs the bootstrap script in a one-shot container.
func (b *ContainerBackend) Call(ctx context.Context, c Call) error {
	if b.Image == "" {
		return model.Fatalf(model.ErrInvalidOption, "no container image given, set --image or %s", EnvImage)
	}
	if !b.Keep {
		if _, err := docker.Prune(ctx, b.API); err != nil {
			log.Warn("failed to prune stale containers", zap.Error(err))
		}
	}
	if err := createOutputs(c); err != nil {
		return err
	}
	w, err := newWorkdir(c)
	if err != nil {
		return err
	}
	defer w.remove()

	binds, err := bindMounts(c, w.dir)
	if err != nil {
		return err
	}
	var env []string
	if b.LibDir != "" {
		lib, err := filepath.Abs(b.LibDir)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", b.LibDir, err)
		}
		binds = append(binds, lib+":"+containerLibDir+":ro")
		env = append(env, "PYTHONPATH="+containerLibDir)
	}

	spec := docker.RunSpec{
		Image:      b.Image,
		Cmd:        append([]string{"python3"}, w.args(c)...),
		Env:        env,
		Binds:      binds,
		WorkingDir: w.dir,
		User:       hostUser(),
		Labels: docker.BuildLabels(docker.RunInfo{
			Stage:     c.Stage,
			Function:  c.Function,
			StartedAt: time.Now(),
		}),
		Pull: b.Pull,
		Keep: b.Keep,
	}
	code, err := docker.Run(ctx, b.API, spec, writerOr(b.Stdout), writerOr(b.Stderr))
	if err != nil {
		return err
	}
	if code != 0 {
		return model.Fatalf(model.ErrExternalFailed, "%s failed in container %s with exit code %d", c.Function, b.Image, code)
	}
	return nil
}

// bindMounts mounts every input read-only and every output and the work
// directory read-write at its absolute host path. A path given both ways
// is mounted once, writable.
func bindMounts(c Call, workDir string) ([]string, error) {
	modes := make(map[string]string)
	var order []string
	add := func(p, mode string) error {
		abs, err := filepath.Abs(p)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", p, err)
		}
		prev, seen := modes[abs]
		if !seen {
			order = append(order, abs)
		}
		if !seen || prev == "ro" {
			modes[abs] = mode
		}
		return nil
	}
	for _, p := range c.Inputs {
		if err := add(p, "ro"); err != nil {
			return nil, err
		}
	}
	for _, p := range append([]string{workDir}, c.Outputs...) {
		if err := add(p, "rw"); err != nil {
			return nil, err
		}
	}
	binds := make([]string, 0, len(order))
	for _, p := range order {
		binds = append(binds, p+":"+p+":"+modes[p])
	}
	return binds, nil
}

// hostUser makes files written in the container belong to the caller.
func hostUser() string {
	if runtime.GOOS == "windows" {
		return ""
	}
	return fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid())
}

func writerOr(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	buf []byte
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) lastLine() string {
	s := strings.TrimSpace(string(t.buf))
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}
