package smp

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmr-tortoise/nnpipe/internal/docker"
	"github.com/mmr-tortoise/nnpipe/internal/model"
)

// fakePython copies the kwargs file and the module/function arguments into
// $CAPTURE_DIR and fails when $FAIL_WITH is set.
const fakePython = `#!/bin/sh
cp "$2" "$CAPTURE_DIR/kwargs.json"
echo "$3 $4" > "$CAPTURE_DIR/call"
echo "$PYTHONPATH" > "$CAPTURE_DIR/pythonpath"
echo "epoch 1/1"
if [ -n "$FAIL_WITH" ]; then
  echo "Traceback (most recent call last):" >&2
  echo "$FAIL_WITH" >&2
  exit 1
fi
`

// installFakePython puts a fake python3 first on PATH and returns the
// capture directory.
func installFakePython(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake interpreter is a shell script")
	}
	bin := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(bin, "python3"), []byte(fakePython), 0o755))
	t.Setenv("PATH", bin+string(os.PathListSeparator)+os.Getenv("PATH"))

	capture := t.TempDir()
	t.Setenv("CAPTURE_DIR", capture)
	t.Setenv("FAIL_WITH", "")
	return capture
}

func readKwargs(t *testing.T, path string) map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var kw map[string]any
	require.NoError(t, json.Unmarshal(data, &kw))
	return kw
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.TrimSpace(string(data))
}

func TestTrainLocal(t *testing.T) {
	capture := installFakePython(t)
	data := t.TempDir()
	modelDir := filepath.Join(t.TempDir(), "model")
	var stdout bytes.Buffer
	b := &LocalBackend{LibDir: "/opt/smp", Stdout: &stdout}

	opts := DefaultTrainOptions()
	opts.DataDir = data
	opts.OutputModelPath = modelDir
	opts.Epochs = 3
	opts.EncoderName = "resnet34"
	require.NoError(t, Train(context.Background(), b, opts))

	assert.Equal(t, map[string]any{
		"data_dir":          data,
		"img_size":          float64(512),
		"in_channels":       float64(5),
		"epochs":            float64(3),
		"encoder_name":      "resnet34",
		"output_model_path": modelDir,
	}, readKwargs(t, filepath.Join(capture, "kwargs.json")), "unset options must not be passed")
	assert.Equal(t, "smp_lib.smp_train smp_train", readFile(t, filepath.Join(capture, "call")))
	assert.True(t, strings.HasPrefix(readFile(t, filepath.Join(capture, "pythonpath")), "/opt/smp"))
	assert.DirExists(t, modelDir, "output directory is created")
	assert.Equal(t, "epoch 1/1\n", stdout.String())
}

func TestTrainLocal_Failure(t *testing.T) {
	installFakePython(t)
	t.Setenv("FAIL_WITH", "RuntimeError: CUDA out of memory")

	opts := DefaultTrainOptions()
	opts.DataDir = t.TempDir()
	opts.OutputModelPath = filepath.Join(t.TempDir(), "model")
	err := Train(context.Background(), &LocalBackend{}, opts)

	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrExternalFailed)
	assert.Contains(t, err.Error(), "smp_train failed: RuntimeError: CUDA out of memory")
}

func TestLocalBackend_Interpreter(t *testing.T) {
	capture := installFakePython(t)
	custom := filepath.Join(t.TempDir(), "venv-python")
	require.NoError(t, os.WriteFile(custom, []byte(fakePython+"echo custom > \"$CAPTURE_DIR/which\"\n"), 0o755))
	t.Setenv(EnvPython, custom)
	t.Setenv(EnvLibDir, "/srv/lib")

	b := NewLocalBackend()
	b.Stdout = io.Discard
	require.NoError(t, b.Call(context.Background(), Call{Stage: "x", Module: "m", Function: "f", Kwargs: map[string]int{}}))
	assert.Equal(t, "custom", readFile(t, filepath.Join(capture, "which")))
	assert.True(t, strings.HasPrefix(readFile(t, filepath.Join(capture, "pythonpath")), "/srv/lib"))
}

func TestTestLocal(t *testing.T) {
	capture := installFakePython(t)
	opts := DefaultTestOptions()
	opts.DataDir = t.TempDir()
	opts.InputModelPath = t.TempDir()
	opts.OutputPath = filepath.Join(t.TempDir(), "stats")
	require.NoError(t, Test(context.Background(), &LocalBackend{}, opts))

	kw := readKwargs(t, filepath.Join(capture, "kwargs.json"))
	assert.Equal(t, float64(2), kw["num_classes"])
	assert.Equal(t, "tree,no tree", kw["class_names"])
	assert.Equal(t, "smp_lib.smp_test smp_test", readFile(t, filepath.Join(capture, "call")))
}

func TestApplyLocal(t *testing.T) {
	capture := installFakePython(t)
	apply := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(apply, "apply_images"), 0o755))

	opts := DefaultApplyOptions()
	opts.DataDir = apply
	opts.InputModelPath = filepath.Join(t.TempDir(), "best.pth")
	opts.OutputPath = filepath.Join(t.TempDir(), "pred")
	require.NoError(t, Apply(context.Background(), &LocalBackend{}, opts))

	kw := readKwargs(t, filepath.Join(capture, "kwargs.json"))
	assert.Equal(t, filepath.Join(apply, "apply_images"), kw["data_dir"])
	assert.Equal(t, "smp_lib.smp_inference smp_infer", readFile(t, filepath.Join(capture, "call")))
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		err  error
	}{
		{"train without data_dir", func() error {
			o := DefaultTrainOptions()
			o.OutputModelPath = "m"
			return o.Validate()
		}()},
		{"train without output", func() error {
			o := DefaultTrainOptions()
			o.DataDir = dir
			return o.Validate()
		}()},
		{"train zero img_size", func() error {
			o := TrainOptions{DataDir: dir, OutputModelPath: "m", InChannels: 5}
			return o.Validate()
		}()},
		{"train negative epochs", func() error {
			o := DefaultTrainOptions()
			o.DataDir, o.OutputModelPath, o.Epochs = dir, "m", -1
			return o.Validate()
		}()},
		{"test missing data_dir", func() error {
			o := DefaultTestOptions()
			o.DataDir, o.InputModelPath, o.OutputPath = filepath.Join(dir, "nope"), "m", "o"
			return o.Validate()
		}()},
		{"test without model", func() error {
			o := DefaultTestOptions()
			o.DataDir, o.OutputPath = dir, "o"
			return o.Validate()
		}()},
		{"apply without apply_images", func() error {
			o := DefaultApplyOptions()
			o.DataDir, o.InputModelPath, o.OutputPath = dir, "m", "o"
			return o.Validate()
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.err, model.ErrInvalidOption)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train.jsonc")
	require.NoError(t, os.WriteFile(path, []byte(`{
  // fine-tuning run
  "model_arch": "UnetPlusPlus",
  "epochs": 20, /* short */
  "batch_size": 4,
}`), 0o644))

	opts := DefaultTrainOptions()
	require.NoError(t, LoadConfig(path, &opts))
	assert.Equal(t, "UnetPlusPlus", opts.ModelArch)
	assert.Equal(t, 20, opts.Epochs)
	assert.Equal(t, 4, opts.BatchSize)
	assert.Equal(t, DefaultImgSize, opts.ImgSize, "keys absent from the file keep their value")
}

func TestLoadConfig_Errors(t *testing.T) {
	dir := t.TempDir()
	unknown := filepath.Join(dir, "unknown.jsonc")
	require.NoError(t, os.WriteFile(unknown, []byte(`{"epoch": 20}`), 0o644))
	broken := filepath.Join(dir, "broken.jsonc")
	require.NoError(t, os.WriteFile(broken, []byte(`{"epochs": "many"}`), 0o644))

	opts := DefaultTrainOptions()
	assert.ErrorIs(t, LoadConfig(unknown, &opts), model.ErrInvalidOption)
	assert.ErrorIs(t, LoadConfig(broken, &opts), model.ErrInvalidOption)
	assert.Error(t, LoadConfig(filepath.Join(dir, "missing.jsonc"), &opts))
}

// fakeDocker answers the container API calls of docker.Run. It reads the
// kwargs file at create time, before the work directory is removed.
type fakeDocker struct {
	config *container.Config
	host   *container.HostConfig
	kwargs map[string]any
	status int64

	stale   []container.Summary
	listed  int
	removed []string
}

func (f *fakeDocker) ImagePull(context.Context, string, image.PullOptions) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func (f *fakeDocker) ContainerCreate(_ context.Context, cfg *container.Config, host *container.HostConfig,
	_ *network.NetworkingConfig, _ *ocispec.Platform, _ string) (container.CreateResponse, error) {
	f.config, f.host = cfg, host
	data, err := os.ReadFile(cfg.Cmd[2])
	if err != nil {
		return container.CreateResponse{}, err
	}
	if err := json.Unmarshal(data, &f.kwargs); err != nil {
		return container.CreateResponse{}, err
	}
	return container.CreateResponse{ID: "c0ffee"}, nil
}

func (f *fakeDocker) ContainerStart(context.Context, string, container.StartOptions) error {
	return nil
}

func (f *fakeDocker) ContainerLogs(context.Context, string, container.LogsOptions) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func (f *fakeDocker) ContainerWait(context.Context, string, container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	ch := make(chan container.WaitResponse, 1)
	ch <- container.WaitResponse{StatusCode: f.status}
	return ch, make(chan error)
}

func (f *fakeDocker) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeDocker) ContainerList(context.Context, container.ListOptions) ([]container.Summary, error) {
	f.listed++
	return f.stale, nil
}

var _ docker.API = (*fakeDocker)(nil)

func TestApplyContainer(t *testing.T) {
	apply := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(apply, "apply_images"), 0o755))
	modelFile := filepath.Join(t.TempDir(), "best.pth")
	out := filepath.Join(t.TempDir(), "pred")
	api := &fakeDocker{}
	b := &ContainerBackend{API: api, Image: "registry.example/smp:1.2", LibDir: "/srv/smp"}

	opts := DefaultApplyOptions()
	opts.DataDir, opts.InputModelPath, opts.OutputPath = apply, modelFile, out
	require.NoError(t, Apply(context.Background(), b, opts))

	assert.Equal(t, "registry.example/smp:1.2", api.config.Image)
	assert.Equal(t, "python3", api.config.Cmd[0])
	assert.Equal(t, []string{"smp_lib.smp_inference", "smp_infer"}, []string(api.config.Cmd[3:]))
	assert.Equal(t, []string{"PYTHONPATH=" + containerLibDir}, api.config.Env)
	assert.Equal(t, "apply", api.config.Labels[docker.LabelStage])
	assert.Equal(t, docker.ManagedByValue, api.config.Labels[docker.LabelManagedBy])

	binds := api.host.Binds
	assert.Contains(t, binds, apply+":"+apply+":ro")
	assert.Contains(t, binds, modelFile+":"+modelFile+":ro")
	assert.Contains(t, binds, out+":"+out+":rw")
	assert.Contains(t, binds, "/srv/smp:"+containerLibDir+":ro")
	assert.Equal(t, filepath.Join(apply, "apply_images"), api.kwargs["data_dir"])
	assert.DirExists(t, out)
}

func TestContainerBackend_Keep(t *testing.T) {
	stale := container.Summary{ID: "5ta1e", Labels: docker.BuildLabels(docker.RunInfo{Stage: "train", Function: "smp_train"})}
	call := Call{Stage: "test", Module: testModule, Function: "smp_test", Kwargs: map[string]int{}}

	kept := &fakeDocker{stale: []container.Summary{stale}}
	require.NoError(t, (&ContainerBackend{API: kept, Image: "img", Keep: true}).Call(context.Background(), call))
	assert.Zero(t, kept.listed, "kept runs do not prune")
	assert.Empty(t, kept.removed, "the container of this call is kept")

	api := &fakeDocker{stale: []container.Summary{stale}}
	require.NoError(t, (&ContainerBackend{API: api, Image: "img"}).Call(context.Background(), call))
	assert.Equal(t, 1, api.listed)
	assert.Equal(t, []string{"5ta1e", "c0ffee"}, api.removed, "stale container pruned, then this one removed")
}

func TestContainerBackend_Errors(t *testing.T) {
	call := Call{Stage: "train", Module: trainModule, Function: "smp_train", Kwargs: map[string]int{}}

	err := (&ContainerBackend{API: &fakeDocker{}}).Call(context.Background(), call)
	assert.ErrorIs(t, err, model.ErrInvalidOption, "image is required")

	err = (&ContainerBackend{API: &fakeDocker{status: 2}, Image: "img"}).Call(context.Background(), call)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrExternalFailed)
	assert.Contains(t, err.Error(), "exit code 2")
}

func TestBindMounts(t *testing.T) {
	binds, err := bindMounts(Call{
		Inputs:  []string{"/data/train", "/models/in", "/data/train"},
		Outputs: []string{"/models/in"},
	}, "/tmp/work")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"/data/train:/data/train:ro",
		"/models/in:/models/in:rw",
		"/tmp/work:/tmp/work:rw",
	}, binds)
}

func TestTailBuffer(t *testing.T) {
	tb := &tailBuffer{max: 16}
	_, _ = tb.Write([]byte("first line\nsecond line\nlast\n"))
	assert.Equal(t, "last", tb.lastLine())
	assert.LessOrEqual(t, len(tb.buf), 16)
	assert.Empty(t, (&tailBuffer{max: 8}).lastLine())
}
