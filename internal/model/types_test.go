package model

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSetKind_IsValid checks that only defined kinds pass validation.
func TestSetKind_IsValid(t *testing.T) {
	assert.True(t, SetTrain.IsValid())
	assert.True(t, SetVal.IsValid())
	assert.True(t, SetApply.IsValid())
	assert.False(t, SetKind("test").IsValid())
	assert.False(t, SetKind("").IsValid())

	assert.True(t, SetTrain.HasMasks())
	assert.True(t, SetVal.HasMasks())
	assert.False(t, SetApply.HasMasks())
}

// TestDigitWidth verifies that the padding width follows the larger of the
// two grid dimensions.
func TestDigitWidth(t *testing.T) {
	assert.Equal(t, 1, DigitWidth(3, 9))
	assert.Equal(t, 2, DigitWidth(10, 9))
	assert.Equal(t, 3, DigitWidth(4, 120))
}

func TestTileName(t *testing.T) {
	tests := []struct {
		id       TileID
		width    int
		suffix   string
		expected string
	}{
		{TileID{0, 0}, 1, "", "tile_0_0"},
		{TileID{3, 12}, 2, "", "tile_03_12"},
		{TileID{3, 12}, 3, "2024", "tile_003_012_2024"},
		{TileID{7, 1}, 2, "dop_20cm", "tile_07_01_dop_20cm"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, TileName(tt.id, tt.width, tt.suffix))
		})
	}
}

func TestTileID_Fid(t *testing.T) {
	assert.Equal(t, "0312", TileID{Row: 3, Col: 12}.Fid(2))
	assert.Equal(t, "00", TileID{}.Fid(1))
}

// TestParseTileName verifies the round trip between TileName and
// ParseTileName, including suffixes that contain underscores.
func TestParseTileName(t *testing.T) {
	tile, err := ParseTileName("tile_07_01_dop_20cm")
	require.NoError(t, err)
	assert.Equal(t, TileID{Row: 7, Col: 1}, tile.ID)
	assert.Equal(t, "dop_20cm", tile.Suffix)
	assert.Equal(t, "tile_07_01_dop_20cm", tile.Name)

	tile, err = ParseTileName("tile_10_02")
	require.NoError(t, err)
	assert.Equal(t, TileID{Row: 10, Col: 2}, tile.ID)
	assert.Empty(t, tile.Suffix)

	for _, bad := range []string{"", "tile_a_b", "tiles_01_02", "tile_01", "image_tile_01_02"} {
		_, err := ParseTileName(bad)
		assert.Error(t, err, "name %q should be rejected", bad)
	}
}

func TestRegion_Validate(t *testing.T) {
	ok := Region{N: 100, S: 0, E: 50, W: 0, NSRes: 0.5, EWRes: 0.5, Rows: 200, Cols: 100}
	assert.NoError(t, ok.Validate())

	inverted := ok
	inverted.S = 200
	assert.Error(t, inverted.Validate())

	noRes := ok
	noRes.EWRes = 0
	assert.Error(t, noRes.Validate())
}

// TestRegion_Shrink checks the edge cut used when patching tiles.
func TestRegion_Shrink(t *testing.T) {
	r := Region{N: 512, S: 0, E: 512, W: 0, NSRes: 1, EWRes: 1, Rows: 512, Cols: 512}

	cut := r.Shrink(64)
	assert.Equal(t, 448.0, cut.N)
	assert.Equal(t, 64.0, cut.S)
	assert.Equal(t, 448.0, cut.E)
	assert.Equal(t, 64.0, cut.W)
	assert.Equal(t, 384, cut.Rows)
	assert.Equal(t, 384, cut.Cols)

	assert.Equal(t, r, cut.Shrink(-64))
}

func TestClassVocabulary(t *testing.T) {
	v := DefaultVocabulary()
	require.NoError(t, v.Validate())
	assert.True(t, v.Allowed(2))
	assert.True(t, v.Allowed(1))
	assert.False(t, v.Allowed(0))
	assert.Equal(t, "[2, 1]", v.String())

	multi := ClassVocabulary{Classes: []int{2, 3, 4}, NoClass: 0}
	require.NoError(t, multi.Validate())
	assert.Equal(t, "[2,3,4, 0]", multi.String())

	assert.Error(t, ClassVocabulary{Classes: []int{2, 2}, NoClass: 1}.Validate())
	assert.Error(t, ClassVocabulary{Classes: []int{1}, NoClass: 1}.Validate())
	assert.Error(t, ClassVocabulary{NoClass: 1}.Validate())
	assert.Error(t, ClassVocabulary{Classes: []int{300}, NoClass: 1}.Validate())
}

func TestParseClassValues(t *testing.T) {
	values, err := ParseClassValues("2, 3,4")
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 4}, values)

	_, err = ParseClassValues("")
	assert.Error(t, err)

	_, err = ParseClassValues("2,tree")
	assert.Error(t, err)
}

// TestCLIError verifies error message formatting and unwrapping.
func TestCLIError(t *testing.T) {
	plain := WrapCLIError(ExitFatal, "something went wrong", nil)
	assert.Equal(t, "something went wrong", plain.Error())
	assert.Nil(t, plain.Unwrap())

	wrapped := WrapCLIError(ExitFatal, "r.import failed", errors.New("exit status 1"))
	assert.Equal(t, "r.import failed: exit status 1", wrapped.Error())

	fatal := Fatalf(ErrMapNotFound, "Raster map <%s> not found", "dop_red")
	assert.True(t, errors.Is(fatal, ErrMapNotFound))
	assert.Equal(t, ExitFatal, fatal.Code)

	var cliErr *CLIError
	outer := fmt.Errorf("stage preparedata: %w", fatal)
	require.True(t, errors.As(outer, &cliErr))
	assert.Equal(t, "Raster map <dop_red> not found", cliErr.Message)
}
