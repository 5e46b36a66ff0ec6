package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmr-tortoise/nnpipe/internal/model"
	"github.com/mmr-tortoise/nnpipe/internal/pipeline"
	"github.com/mmr-tortoise/nnpipe/internal/smp"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRootCommand_Subcommands(t *testing.T) {
	root := NewRootCommand()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{
		"import", "preparedata", "preparetraining", "train", "test", "apply", "postprocess", "run",
	})

	pp, _, err := root.Find([]string{"postprocess", "vectorize"})
	require.NoError(t, err)
	assert.Equal(t, "vectorize", pp.Name())
}

func TestReportError(t *testing.T) {
	err := model.Fatalf(model.ErrMapNotFound, "Raster map <dop_red> not found")

	var buf bytes.Buffer
	code := reportError(&buf, err, false)
	assert.Equal(t, model.ExitFatal, code)
	assert.Equal(t, "ERROR: Raster map <dop_red> not found: map not found\n", buf.String())

	buf.Reset()
	reportError(&buf, err, true)
	var decoded map[string]map[string]string
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "Raster map <dop_red> not found", decoded["error"]["message"])
	assert.Equal(t, "map not found", decoded["error"]["detail"])

	buf.Reset()
	assert.Equal(t, model.ExitFatal, reportError(&buf, errors.New("boom"), false))
	assert.Equal(t, "ERROR: boom\n", buf.String())
}

func TestResolveOptions(t *testing.T) {
	config := writeFile(t, "train.jsonc", `{
		// hyperparameters
		"data_dir": "/data/train",
		"epochs": 10,
		"batch_size": 4,
		"output_model_path": "/data/model.pth",
	}`)

	cmd := NewTrainCommand()
	require.NoError(t, cmd.ParseFlags([]string{"--config", config, "--epochs", "50", "--data-dir", "/data/other"}))

	flagged := smp.DefaultTrainOptions()
	flagged.Epochs = 50
	flagged.DataDir = "/data/other"
	got, err := resolveOptions(cmd, config, smp.DefaultTrainOptions(), flagged, trainOverrides)
	require.NoError(t, err)
	assert.Equal(t, 50, got.Epochs, "flag wins over config")
	assert.Equal(t, "/data/other", got.DataDir)
	assert.Equal(t, 4, got.BatchSize, "config wins over default")
	assert.Equal(t, "/data/model.pth", got.OutputModelPath)
	assert.Equal(t, smp.DefaultImgSize, got.ImgSize, "default kept")

	got, err = resolveOptions(cmd, "", smp.DefaultTrainOptions(), flagged, trainOverrides)
	require.NoError(t, err)
	assert.Equal(t, flagged, got)

	_, err = resolveOptions(cmd, writeFile(t, "bad.jsonc", `{"epoch": 3}`), smp.DefaultTrainOptions(), flagged, trainOverrides)
	assert.ErrorIs(t, err, model.ErrInvalidOption)
}

func TestBackendFlags_KeepContainer(t *testing.T) {
	for _, cmd := range []*cobra.Command{NewTrainCommand(), NewTestCommand(), NewApplyCommand()} {
		t.Run(cmd.Name(), func(t *testing.T) {
			require.NoError(t, cmd.ParseFlags([]string{"--backend", "docker", "--keep-container"}))
			keep, err := cmd.Flags().GetBool("keep-container")
			require.NoError(t, err)
			assert.True(t, keep)
		})
	}

	b := &backendFlags{backend: backendDocker, image: "smp:1", keep: true}
	cb := b.container(nil)
	assert.True(t, cb.Keep)
	assert.Equal(t, "smp:1", cb.Image)
	assert.False(t, (&backendFlags{}).container(nil).Keep)
}

func TestBackendFlags_Invalid(t *testing.T) {
	b := &backendFlags{backend: "k8s"}
	_, _, err := b.open(context.Background())
	assert.ErrorIs(t, err, model.ErrInvalidOption)
}

func TestCommands_InvalidOptions(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"import source", []string{"import", "--raster", "1red=/data/red.tif"}},
		{"import nothing", []string{"import"}},
		{"class values", []string{"preparetraining", "--train-dir", "/x", "--output", "/y", "--class-values", "a,b"}},
		{"patch without tiles", []string{"postprocess", "patch"}},
		{"vectorize without input", []string{"postprocess", "vectorize", "--output", "v"}},
		{"snapref without merge column", []string{"postprocess", "snapref", "--classification", "c", "--reference", "r", "--output", "o"}},
		{"train without data", []string{"train", "--output-model", "/tmp/m.pth"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.args...)
			assert.ErrorIs(t, err, model.ErrInvalidOption)
		})
	}
}

const testPipeline = `
name: test
stages:
  - name: patch
    command: postprocess patch
    args:
      tiles: /data/out/classified
      edge-cut: 32
    flags: [keep-border-edges]
  - command: postprocess vectorize
    args:
      input: classification_patch
      output: trees
`

func TestRunCommand_DryRun(t *testing.T) {
	path := writeFile(t, "pipeline.yaml", testPipeline)
	out, err := execute(t, "run", path, "--dry-run")
	require.NoError(t, err)
	assert.Equal(t,
		"nnpipe postprocess patch --edge-cut=32 --tiles=/data/out/classified --keep-border-edges\n"+
			"nnpipe postprocess vectorize --input=classification_patch --output=trees\n",
		out)
}

func TestRunCommand_StageFailure(t *testing.T) {
	path := writeFile(t, "pipeline.yaml", testPipeline)
	record := filepath.Join(t.TempDir(), "run.yaml")

	// the tile directory does not exist, so patch fails before any GRASS call
	_, err := execute(t, "run", path, "--record", record, "--gisrc", filepath.Join(t.TempDir(), "rc"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stage patch failed")

	data, rerr := os.ReadFile(record)
	require.NoError(t, rerr)
	assert.Contains(t, string(data), "name: patch")
	assert.Contains(t, string(data), "error:")
	assert.NotContains(t, string(data), "vectorize")
}

func TestRunCommand_Nested(t *testing.T) {
	path := writeFile(t, "pipeline.yaml", "stages:\n  - command: run\n    args: {record: x.yaml}\n")
	_, err := execute(t, "run", path)
	assert.ErrorIs(t, err, model.ErrInvalidOption)

	_, err = execute(t, "run", path, "--dry-run")
	assert.ErrorIs(t, err, model.ErrInvalidOption)
}

func TestStageExec_PassesGlobalFlags(t *testing.T) {
	g := &globalFlags{verbose: true, gisrc: "/tmp/rc"}
	assert.Equal(t, []string{"--json=false", "--verbose=true", "--gisrc=/tmp/rc"}, g.args())

	// an unknown stage command fails in the nested command tree
	_, err := pipeline.Run(context.Background(), &pipeline.Pipeline{
		Name:   "x",
		Stages: []pipeline.Stage{{Name: "bogus", Command: "bogus"}},
	}, stageExec(g))
	assert.ErrorContains(t, err, "stage bogus failed")
}

func TestJSONOutput_PerRootCommand(t *testing.T) {
	root := NewRootCommand()
	require.NoError(t, root.PersistentFlags().Parse([]string{"--json"}))

	// building another tree, as pipeline stages do, leaves the first one alone
	nested := NewRootCommand()
	assert.True(t, jsonOutput(root))
	assert.False(t, jsonOutput(nested))
}

func TestStageExec_KeepsArgv(t *testing.T) {
	argv := make([]string, 1, 8)
	argv[0] = "bogus"
	err := stageExec(&globalFlags{gisrc: "/tmp/rc"})(context.Background(), argv)
	require.Error(t, err)
	assert.Equal(t, []string{"bogus"}, argv)
	assert.Empty(t, argv[:2][1], "spare capacity must not be written")
}
