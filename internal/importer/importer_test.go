package importer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmr-tortoise/nnpipe/internal/grass/grasstest"
	"github.com/mmr-tortoise/nnpipe/internal/model"
)

// recorder reports the given maps as existing.
func recorder(existing ...string) *grasstest.Recorder {
	return grasstest.NewRecorder().Handle("g.findfile", func(c grasstest.Call) (string, error) {
		for _, e := range existing {
			if e == c.Arg("file") {
				return "name=" + e + "\nfile=/gis/loc/user/" + e + "\n", nil
			}
		}
		return "name=\nfile=\n", nil
	})
}

func touch(t *testing.T, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	return p
}

func TestParseSources(t *testing.T) {
	got, err := ParseSources([]string{"dop_red=/data/red.tif", " ndsm = /data/ndsm.tif "})
	require.NoError(t, err)
	assert.Equal(t, []Source{{"dop_red", "/data/red.tif"}, {"ndsm", "/data/ndsm.tif"}}, got)

	for _, bad := range [][]string{
		{"red"},
		{"=x.tif"},
		{"red="},
		{"1red=x.tif"},
		{"dop-red=x.tif"},
		{"red=a.tif", "red=b.tif"},
	} {
		_, err := ParseSources(bad)
		assert.ErrorIs(t, err, model.ErrInvalidOption, "%v", bad)
	}
}

func TestImport(t *testing.T) {
	dir := t.TempDir()
	red := touch(t, dir, "red.tif")
	aoi := touch(t, dir, "aoi.gpkg")
	rec := recorder()

	opts := DefaultOptions()
	opts.Rasters = []Source{{"red", red}, {"remote", "/vsicurl/https://example.org/dem.tif"}}
	opts.Vectors = []Source{{"aoi", aoi}}
	opts.Resolution, opts.ResolutionValue = "value", 0.2
	require.NoError(t, Import(context.Background(), rec, opts))

	assert.Equal(t, []string{"g.findfile", "g.findfile", "g.findfile", "r.import", "r.import", "v.import"}, rec.Modules())
	imp := rec.Find("r.import")[0]
	assert.Equal(t, red, imp.Arg("input"))
	assert.Equal(t, "red", imp.Arg("output"))
	assert.Equal(t, "nearest", imp.Arg("resample"))
	assert.Equal(t, "0.2", imp.Arg("resolution_value"))
	assert.False(t, imp.Has("--overwrite"))
	vimp := rec.Find("v.import")[0]
	assert.Equal(t, "aoi", vimp.Arg("output"))
	assert.Equal(t, "input", vimp.Arg("extent"))
}

func TestImport_ExistingMap(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions()
	opts.Rasters = []Source{{"red", touch(t, dir, "red.tif")}}
	opts.Vectors = []Source{{"aoi", touch(t, dir, "aoi.gpkg")}}

	rec := recorder("aoi")
	err := Import(context.Background(), rec, opts)
	assert.ErrorIs(t, err, model.ErrMapExists)
	assert.Contains(t, err.Error(), "Vector map <aoi> already exists")
	assert.Empty(t, rec.Find("r.import"), "nothing is imported when a check fails")

	opts.Overwrite = true
	rec = recorder("aoi")
	require.NoError(t, Import(context.Background(), rec, opts))
	assert.Empty(t, rec.Find("g.findfile"))
	assert.True(t, rec.Find("v.import")[0].Has("--overwrite"))
	assert.Empty(t, rec.Find("r.import")[0].Arg("resolution_value"))
}

func TestImport_Errors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name   string
		mutate func(*Options)
		want   error
	}{
		{"nothing", func(o *Options) { o.Rasters = nil }, model.ErrInvalidOption},
		{"resample", func(o *Options) { o.Resample = "cubic" }, model.ErrInvalidOption},
		{"extent", func(o *Options) { o.Extent = "aoi" }, model.ErrInvalidOption},
		{"resolution value", func(o *Options) { o.Resolution = "value" }, model.ErrInvalidOption},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			opts.Rasters = []Source{{"red", touch(t, dir, "red.tif")}}
			tt.mutate(&opts)
			assert.ErrorIs(t, Import(context.Background(), recorder(), opts), tt.want)
		})
	}

	t.Run("missing file", func(t *testing.T) {
		opts := DefaultOptions()
		opts.Rasters = []Source{{"red", filepath.Join(dir, "nope.tif")}}
		err := Import(context.Background(), recorder(), opts)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "nope.tif")
	})
	t.Run("import fails", func(t *testing.T) {
		opts := DefaultOptions()
		opts.Rasters = []Source{{"red", touch(t, dir, "red.tif")}, {"green", touch(t, dir, "green.tif")}}
		rec := recorder().Fail("r.import", "Projection of dataset does not appear to match")
		assert.Error(t, Import(context.Background(), rec, opts))
		assert.Len(t, rec.Find("r.import"), 1, "stops at the first failure")
	})
}
