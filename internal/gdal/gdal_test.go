package gdal

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmr-tortoise/nnpipe/internal/model"
)

const infoOutput = `{
  "description": "image_tile_00_01.tif",
  "driverShortName": "GTiff",
  "size": [512, 256],
  "cornerCoordinates": {
    "upperLeft": [380000.0, 5741000.0],
    "lowerLeft": [380000.0, 5740948.8],
    "lowerRight": [380102.4, 5740948.8],
    "upperRight": [380102.4, 5741000.0],
    "center": [380051.2, 5740974.4]
  },
  "bands": [
    {"band": 1, "type": "Byte"},
    {"band": 2, "type": "Byte"},
    {"band": 3, "type": "Byte"},
    {"band": 4, "type": "Byte"}
  ]
}`

type recorded struct {
	name string
	args []string
}

func recorder(out string, err error, calls *[]recorded) RunnerFunc {
	return func(_ context.Context, name string, args ...string) (string, error) {
		*calls = append(*calls, recorded{name, args})
		return out, err
	}
}

func TestParseInfo(t *testing.T) {
	info, err := ParseInfo([]byte(infoOutput))
	require.NoError(t, err)
	assert.Equal(t, 512, info.Cols)
	assert.Equal(t, 256, info.Rows)
	assert.Equal(t, 4, info.Bands)
	assert.Equal(t, 380000.0, info.West)
	assert.Equal(t, 5741000.0, info.North)
	assert.Equal(t, 5740948.8, info.South)
	assert.Equal(t, 380102.4, info.East)

	reg := info.Region()
	assert.InDelta(t, 0.2, reg.NSRes, 1e-9)
	assert.InDelta(t, 0.2, reg.EWRes, 1e-9)
	assert.Equal(t, 512, reg.Cols)

	_, err = ParseInfo([]byte(`{"size":[1]}`))
	assert.Error(t, err)
	_, err = ParseInfo([]byte(`{"size":[1,1],"cornerCoordinates":{}}`))
	assert.Error(t, err)
	_, err = ParseInfo([]byte(`not json`))
	assert.Error(t, err)
}

func TestInfo(t *testing.T) {
	var calls []recorded
	info, err := Info(context.Background(), recorder(infoOutput, nil, &calls), "/data/image.tif")
	require.NoError(t, err)
	assert.Equal(t, 4, info.Bands)
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"-json", "/data/image.tif"}, calls[0].args)

	empty := strings.Replace(infoOutput, `"bands": [`, `"bands": [], "unused": [`, 1)
	_, err = Info(context.Background(), recorder(empty, nil, &calls), "/data/empty.tif")
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrMissingTileFile))
}

func TestBuildVRTArgs(t *testing.T) {
	var calls []recorded
	r := recorder("", nil, &calls)
	ctx := context.Background()

	require.NoError(t, BuildSingleBandVRT(ctx, r, "sb/tile_0_0_2.vrt", "image_tile_0_0.tif", 2))
	require.NoError(t, BuildStackVRT(ctx, r, "train_images/tile_0_0.vrt",
		[]string{"sb/tile_0_0_1.vrt", "sb/tile_0_0_2.vrt", "ndsm_tile_0_0.tif"}))

	require.Len(t, calls, 2)
	assert.Equal(t, "gdalbuildvrt", calls[0].name)
	assert.Equal(t, []string{"-overwrite", "-b", "2", "sb/tile_0_0_2.vrt", "image_tile_0_0.tif"}, calls[0].args)
	assert.Equal(t, []string{"-overwrite", "-separate", "train_images/tile_0_0.vrt",
		"sb/tile_0_0_1.vrt", "sb/tile_0_0_2.vrt", "ndsm_tile_0_0.tif"}, calls[1].args)
}

func TestVectorTranslateAndVerify(t *testing.T) {
	var calls []recorded
	r := recorder("Layer name: tindex\nFeature Count: 12\n", nil, &calls)
	ctx := context.Background()

	require.NoError(t, VectorTranslate(ctx, r, "tindex.gpkg", "tindex.geojson", "GPKG"))
	require.NoError(t, VerifyVector(ctx, r, "tindex.gpkg"))
	assert.Equal(t, []string{"-f", "GPKG", "tindex.gpkg", "tindex.geojson"}, calls[0].args)
	assert.Equal(t, "ogrinfo", calls[1].name)

	calls = nil
	err := VerifyVector(ctx, recorder("FAILURE: unable to open\n", nil, &calls), "broken.gpkg")
	assert.Error(t, err)
}

// TestCLIOutput runs a fake gdalinfo from PATH through the real exec path.
func TestCLIOutput(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake utilities are shell scripts")
	}
	bin := t.TempDir()
	script := "#!/bin/sh\nif [ \"$1\" = \"-json\" ]; then echo '{\"ok\":true}'; else echo 'usage' >&2; exit 1; fi\n"
	require.NoError(t, os.WriteFile(filepath.Join(bin, "gdalinfo"), []byte(script), 0o755))
	t.Setenv("PATH", bin+string(os.PathListSeparator)+os.Getenv("PATH"))

	out, err := CLI{}.Output(context.Background(), "gdalinfo", "-json", "x.tif")
	require.NoError(t, err)
	assert.Contains(t, out, `"ok":true`)

	_, err = CLI{}.Output(context.Background(), "gdalinfo", "--bogus")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "usage")
}
