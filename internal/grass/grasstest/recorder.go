// Package grasstest provides an in-memory grass.Runner for tests.
//
// Recorder records every module call and answers Read calls from canned
// responses, so orchestration code can be tested without a GRASS
// installation.
package grasstest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/mmr-tortoise/nnpipe/internal/grass"
	"github.com/mmr-tortoise/nnpipe/internal/model"
)

// Call is one recorded module invocation.
type Call struct {
	Module string
	Args   []string
}

// String renders the call like a command line.
func (c Call) String() string {
	return strings.TrimSpace(c.Module + " " + strings.Join(c.Args, " "))
}

// Has reports whether the call contains the rendered argument, e.g.
// "method=rmarea" or "-d".
func (c Call) Has(arg string) bool {
	for _, a := range c.Args {
		if a == arg {
			return true
		}
	}
	return false
}

// Arg returns the value of option key, or "" when absent.
func (c Call) Arg(key string) string {
	for _, a := range c.Args {
		if k, v, ok := strings.Cut(a, "="); ok && k == key {
			return v
		}
	}
	return ""
}

// Handler produces the output of a module call. A non-nil error makes the
// call fail.
type Handler func(call Call) (string, error)

// Recorder implements grass.Runner. It is safe for concurrent use.
type Recorder struct {
	mu       sync.Mutex
	calls    []Call
	handlers map[string]Handler
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{handlers: make(map[string]Handler)}
}

// Handle installs h for module.
func (r *Recorder) Handle(module string, h Handler) *Recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[module] = h
	return r
}

// Respond answers every call of module with output.
func (r *Recorder) Respond(module, output string) *Recorder {
	return r.Handle(module, func(Call) (string, error) { return output, nil })
}

// Fail makes every call of module fail with a fatal CLIError.
func (r *Recorder) Fail(module, stderr string) *Recorder {
	return r.Handle(module, func(c Call) (string, error) {
		return "", model.WrapCLIError(model.ExitFatal,
			fmt.Sprintf("ERROR processing <%s>: %s", c, stderr), fmt.Errorf("exit status 1"))
	})
}

// Run implements grass.Runner.
func (r *Recorder) Run(ctx context.Context, module string, args ...grass.Arg) error {
	_, err := r.Read(ctx, module, args...)
	return err
}

// Read implements grass.Runner.
func (r *Recorder) Read(ctx context.Context, module string, args ...grass.Arg) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	call := Call{Module: module, Args: grass.Render(args)}

	r.mu.Lock()
	r.calls = append(r.calls, call)
	h := r.handlers[module]
	r.mu.Unlock()

	if h == nil {
		return "", nil
	}
	return h(call)
}

// Calls returns a copy of all recorded calls in order.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Modules returns the module names of all recorded calls in order.
func (r *Recorder) Modules() []string {
	calls := r.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.Module
	}
	return out
}

// Find returns the recorded calls of module.
func (r *Recorder) Find(module string) []Call {
	var out []Call
	for _, c := range r.Calls() {
		if c.Module == module {
			out = append(out, c)
		}
	}
	return out
}
