package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/mmr-tortoise/nnpipe/internal/model"
)

const sample = `
name: dop-2024
stop_on_error: true
stages:
  - command: import
    args:
      raster: [dop_red=/data/red.tif, dop_nir=/data/nir.tif]
      vector: aoi=/data/aoi.gpkg
  - name: tiles
    command: preparedata
    args:
      image-bands: [dop_red, dop_nir]
      tile-size: 512
      train-percentage: 30
      output: /data/out/tiles
    flags: [only-training]
  - command: postprocess vectorize
    args:
      input: trees
      output: trees_vect
      rmarea-threshold: 0.0005
      smooth: true
`

func TestParse(t *testing.T) {
	p, err := Parse([]byte(sample))
	require.NoError(t, err)
	assert.Equal(t, "dop-2024", p.Name)
	require.Len(t, p.Stages, 3)
	assert.Equal(t, "import", p.Stages[0].Name, "name defaults to the command")
	assert.Equal(t, "tiles", p.Stages[1].Name)

	argv, err := p.Stages[0].Argv()
	require.NoError(t, err)
	assert.Equal(t, []string{
		"import",
		"--raster=dop_red=/data/red.tif", "--raster=dop_nir=/data/nir.tif",
		"--vector=aoi=/data/aoi.gpkg",
	}, argv)

	argv, err = p.Stages[1].Argv()
	require.NoError(t, err)
	assert.Equal(t, []string{
		"preparedata",
		"--image-bands=dop_red,dop_nir", "--output=/data/out/tiles",
		"--tile-size=512", "--train-percentage=30", "--only-training",
	}, argv)

	argv, err = p.Stages[2].Argv()
	require.NoError(t, err)
	assert.Equal(t, []string{
		"postprocess", "vectorize",
		"--input=trees", "--output=trees_vect", "--rmarea-threshold=0.0005", "--smooth=true",
	}, argv)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"empty", ""},
		{"no stages", "name: x\n"},
		{"no command", "stages:\n  - name: a\n"},
		{"duplicate name", "stages:\n  - command: train\n  - command: train\n"},
		{"continue on error", "stop_on_error: false\nstages:\n  - command: train\n"},
		{"unknown key", "stages:\n  - command: train\n    argz: {}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.ErrorIs(t, err, model.ErrInvalidOption)
		})
	}
}

func TestStageArgs_Unsupported(t *testing.T) {
	s := Stage{Name: "x", Command: "train", Args: map[string]any{"config": map[string]any{"a": 1}}}
	_, err := s.Argv()
	assert.ErrorIs(t, err, model.ErrInvalidOption)

	s.Args = map[string]any{"config": nil}
	_, err = s.Argv()
	assert.ErrorIs(t, err, model.ErrInvalidOption)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))
	p, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, p.Stages, 3)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestRun(t *testing.T) {
	p, err := Parse([]byte(sample))
	require.NoError(t, err)

	var ran [][]string
	rec, err := Run(context.Background(), p, func(_ context.Context, argv []string) error {
		ran = append(ran, argv)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, ran, 3)
	assert.Equal(t, "import", ran[0][0])
	assert.Equal(t, []string{"postprocess", "vectorize"}, ran[2][:2])

	assert.Equal(t, "dop-2024", rec.Pipeline)
	require.Len(t, rec.Stages, 3)
	assert.Equal(t, "tiles", rec.Stages[1].Name)
	assert.Equal(t, ran[1], rec.Stages[1].Argv)
	assert.Empty(t, rec.Stages[1].Error)
	assert.NotEmpty(t, rec.Elapsed)

	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, WriteRecord(path, rec))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var back Record
	require.NoError(t, yaml.Unmarshal(data, &back))
	assert.Equal(t, rec.Stages, back.Stages)
}

func TestRun_StopsAtFirstFailure(t *testing.T) {
	p, err := Parse([]byte(sample))
	require.NoError(t, err)

	var ran []string
	rec, err := Run(context.Background(), p, func(_ context.Context, argv []string) error {
		ran = append(ran, argv[0])
		if argv[0] == "preparedata" {
			return model.Fatalf(model.ErrNoTiles, "no tile intersects the AOI")
		}
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, []string{"import", "preparedata"}, ran)
	assert.ErrorIs(t, err, model.ErrNoTiles)
	assert.Contains(t, err.Error(), "stage tiles failed: no tile intersects the AOI")
	require.Len(t, rec.Stages, 2)
	assert.Contains(t, rec.Stages[1].Error, "no tile intersects the AOI")

	_, err = Run(context.Background(), p, func(context.Context, []string) error { return errors.New("boom") })
	assert.Contains(t, err.Error(), "stage import failed: boom")
}

func TestRun_Cancelled(t *testing.T) {
	p, err := Parse([]byte(sample))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	_, err = Run(ctx, p, func(context.Context, []string) error { called = true; return nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}
