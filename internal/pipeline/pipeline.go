// Package pipeline runs a sequence of nnpipe subcommands described in a
// YAML file, so that a complete run from import to postprocessing can be
// kept next to its data and repeated.
//
// A pipeline file looks like
//
//	name: dop-2024
//	stages:
//	  - name: import
//	    command: import
//	    args:
//	      raster: [dop_red=/data/red.tif, dop_nir=/data/nir.tif]
//	  - command: postprocess patch
//	    args:
//	      tiles: /data/out/classified
//	      output: trees
//	    flags: [keep-border-edges]
//
// Stages run in file order. The first failing stage stops the run.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/mmr-tortoise/nnpipe/internal/log"
	"github.com/mmr-tortoise/nnpipe/internal/model"
)

// Pipeline is a parsed pipeline file.
type Pipeline struct {
	Name string `yaml:"name"`

	// StopOnError may only be true; a run always ends at the first
	// failing stage.
	StopOnError *bool `yaml:"stop_on_error,omitempty"`

	Stages []Stage `yaml:"stages"`
}

// Stage is one subcommand invocation.
type Stage struct {
	// Name labels the stage in logs and errors. Defaults to Command.
	Name string `yaml:"name,omitempty"`

	// Command is the subcommand path, e.g. "preparedata" or
	// "postprocess vectorize".
	Command string `yaml:"command"`

	// Args are rendered as --key=value. Lists are joined with commas
	// unless the value is a list of name=path pairs, which repeat the flag.
	Args map[string]any `yaml:"args,omitempty"`

	// Flags are boolean switches rendered as --flag.
	Flags []string `yaml:"flags,omitempty"`
}

// Load reads and validates a pipeline file.
func Load(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitFatal, fmt.Sprintf("cannot read pipeline file <%s>", path), err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitFatal, fmt.Sprintf("invalid pipeline file <%s>", path), err)
	}
	return p, nil
}

// Parse decodes a pipeline document. Unknown keys are rejected.
func Parse(data []byte) (*Pipeline, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var p Pipeline
	if err := dec.Decode(&p); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty pipeline", model.ErrInvalidOption)
		}
		return nil, fmt.Errorf("%w: %w", model.ErrInvalidOption, err)
	}
	for i := range p.Stages {
		if p.Stages[i].Name == "" {
			p.Stages[i].Name = p.Stages[i].Command
		}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks the stage list.
func (p *Pipeline) Validate() error {
	if p.StopOnError != nil && !*p.StopOnError {
		return fmt.Errorf("%w: stop_on_error: false is not supported", model.ErrInvalidOption)
	}
	if len(p.Stages) == 0 {
		return fmt.Errorf("%w: pipeline has no stages", model.ErrInvalidOption)
	}
	seen := make(map[string]bool, len(p.Stages))
	for i, s := range p.Stages {
		if strings.TrimSpace(s.Command) == "" {
			return fmt.Errorf("%w: stage %d has no command", model.ErrInvalidOption, i+1)
		}
		if seen[s.Name] {
			return fmt.Errorf("%w: stage name %q used twice", model.ErrInvalidOption, s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

// Argv renders the stage as command line arguments, keys sorted.
func (s Stage) Argv() ([]string, error) {
	argv := strings.Fields(s.Command)
	keys := make([]string, 0, len(s.Args))
	for k := range s.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		rendered, err := renderArg(k, s.Args[k])
		if err != nil {
			return nil, fmt.Errorf("stage %s: %w", s.Name, err)
		}
		argv = append(argv, rendered...)
	}
	for _, f := range s.Flags {
		argv = append(argv, "--"+strings.TrimPrefix(f, "--"))
	}
	return argv, nil
}

func renderArg(key string, v any) ([]string, error) {
	flag := "--" + key
	switch val := v.(type) {
	case nil:
		return nil, fmt.Errorf("%w: argument %s has no value", model.ErrInvalidOption, key)
	case bool:
		return []string{flag + "=" + strconv.FormatBool(val)}, nil
	case []any:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			s, err := scalar(key, item)
			if err != nil {
				return nil, err
			}
			parts = append(parts, s)
		}
		if len(parts) > 0 && slices.IndexFunc(parts, func(p string) bool { return !strings.Contains(p, "=") }) < 0 {
			out := make([]string, len(parts))
			for i, p := range parts {
				out[i] = flag + "=" + p
			}
			return out, nil
		}
		return []string{flag + "=" + strings.Join(parts, ",")}, nil
	default:
		s, err := scalar(key, v)
		if err != nil {
			return nil, err
		}
		return []string{flag + "=" + s}, nil
	}
}

func scalar(key string, v any) (string, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case int:
		return strconv.Itoa(val), nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(val), nil
	}
	return "", fmt.Errorf("%w: argument %s has unsupported value %v", model.ErrInvalidOption, key, v)
}

// Exec runs one rendered stage.
type Exec func(ctx context.Context, argv []string) error

// Record documents a pipeline run.
type Record struct {
	Pipeline string        `yaml:"pipeline"`
	Started  time.Time     `yaml:"started"`
	Elapsed  string        `yaml:"elapsed"`
	Stages   []StageRecord `yaml:"stages"`
}

// StageRecord documents one executed stage.
type StageRecord struct {
	Name    string   `yaml:"name"`
	Argv    []string `yaml:"argv"`
	Elapsed string   `yaml:"elapsed"`
	Error   string   `yaml:"error,omitempty"`
}

// Run executes the stages in order and stops at the first failure. The
// record lists every stage that was started, including the failed one.
func Run(ctx context.Context, p *Pipeline, exec Exec) (*Record, error) {
	start := time.Now()
	rec := &Record{Pipeline: p.Name, Started: start.UTC()}
	defer func() { rec.Elapsed = time.Since(start).Round(time.Millisecond).String() }()

	log.Info(fmt.Sprintf("Running pipeline %s with %d stages ...", p.Name, len(p.Stages)))
	for i, s := range p.Stages {
		if err := ctx.Err(); err != nil {
			return rec, err
		}
		argv, err := s.Argv()
		if err != nil {
			return rec, err
		}
		log.Info(fmt.Sprintf("Stage %d/%d: %s", i+1, len(p.Stages), s.Name), zap.Strings("argv", argv))
		t := time.Now()
		err = exec(ctx, argv)
		elapsed := time.Since(t)
		sr := StageRecord{Name: s.Name, Argv: argv, Elapsed: elapsed.Round(time.Millisecond).String()}
		if err != nil {
			sr.Error = err.Error()
			rec.Stages = append(rec.Stages, sr)
			var cliErr *model.CLIError
			if errors.As(err, &cliErr) {
				return rec, model.WrapCLIError(cliErr.Code, fmt.Sprintf("stage %s failed: %s", s.Name, cliErr.Message), cliErr.Err)
			}
			return rec, model.WrapCLIError(model.ExitFatal, fmt.Sprintf("stage %s failed", s.Name), err)
		}
		rec.Stages = append(rec.Stages, sr)
		log.Info(fmt.Sprintf("Stage %s done", s.Name), zap.Duration("elapsed", elapsed))
	}
	log.Info(fmt.Sprintf("Pipeline %s done", p.Name), zap.Duration("elapsed", time.Since(start)))
	return rec, nil
}

// WriteRecord stores rec as YAML.
func WriteRecord(path string, rec *Record) error {
	data, err := yaml.Marshal(rec)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return model.WrapCLIError(model.ExitFatal, fmt.Sprintf("cannot write run record <%s>", path), err)
	}
	return nil
}
