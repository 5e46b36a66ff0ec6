package model

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
)

// SetKind names the dataset subset a tile belongs to. The value doubles as
// the prefix of the stage-2 image and mask directories (train_images,
// val_masks, apply_images, ...).
type SetKind string

const (
	// SetTrain holds tiles used to fit the model.
	SetTrain SetKind = "train"

	// SetVal holds training tiles held back for validation.
	SetVal SetKind = "val"

	// SetApply holds tiles without labels that inference runs on.
	SetApply SetKind = "apply"
)

// String returns the string representation of SetKind.
func (k SetKind) String() string {
	return string(k)
}

// IsValid checks whether the SetKind value is one of the predefined kinds.
func (k SetKind) IsValid() bool {
	switch k {
	case SetTrain, SetVal, SetApply:
		return true
	default:
		return false
	}
}

// HasMasks reports whether tiles of this kind carry a label raster.
func (k SetKind) HasMasks() bool {
	return k == SetTrain || k == SetVal
}

// TileID is the grid position of a tile. Row 0 is the northernmost row,
// column 0 the westernmost column.
type TileID struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

// Tile is a named tile of the grid. The name is the key that is reused
// across every directory of the pipeline (stage-1 tile directories,
// stage-2 images, masks and single-band VRTs, inference outputs).
type Tile struct {
	ID     TileID `json:"id"`
	Name   string `json:"name"`
	Suffix string `json:"suffix,omitempty"`
}

// tileNameRegex matches tile_<row>_<col> with an optional _<suffix>.
// Row and column are digits only, so the first two underscores are
// unambiguous even when the suffix itself contains underscores.
var tileNameRegex = regexp.MustCompile(`^tile_(\d+)_(\d+)(?:_(.+))?$`)

// DigitWidth returns the zero-padding width for a grid with the given
// number of rows and columns: the number of digits of the larger count.
func DigitWidth(rows, cols int) int {
	return max(len(strconv.Itoa(rows)), len(strconv.Itoa(cols)))
}

// TileName formats the canonical tile name. Row and column are zero-padded
// to width so that names sort in grid order.
//
//	TileName(TileID{3, 12}, 2, "")     == "tile_03_12"
//	TileName(TileID{3, 12}, 3, "2024") == "tile_003_012_2024"
func TileName(id TileID, width int, suffix string) string {
	name := fmt.Sprintf("tile_%0*d_%0*d", width, id.Row, width, id.Col)
	if suffix != "" {
		name += "_" + suffix
	}
	return name
}

// Fid returns the tile index feature id: row and column zero-padded and
// concatenated without separator.
func (id TileID) Fid(width int) string {
	return fmt.Sprintf("%0*d%0*d", width, id.Row, width, id.Col)
}

// ParseTileName extracts the grid position and suffix from a tile name.
func ParseTileName(name string) (Tile, error) {
	m := tileNameRegex.FindStringSubmatch(name)
	if m == nil {
		return Tile{}, fmt.Errorf("invalid tile name %q: expected tile_<row>_<col>[_<suffix>]", name)
	}
	row, err := strconv.Atoi(m[1])
	if err != nil {
		return Tile{}, fmt.Errorf("invalid tile row in %q: %w", name, err)
	}
	col, err := strconv.Atoi(m[2])
	if err != nil {
		return Tile{}, fmt.Errorf("invalid tile column in %q: %w", name, err)
	}
	return Tile{ID: TileID{Row: row, Col: col}, Name: name, Suffix: m[3]}, nil
}

// Region is a GRASS computational region: extent, resolution and the
// resulting number of rows and columns, as printed by `g.region -g`.
type Region struct {
	N     float64 `json:"n"`
	S     float64 `json:"s"`
	E     float64 `json:"e"`
	W     float64 `json:"w"`
	NSRes float64 `json:"nsres"`
	EWRes float64 `json:"ewres"`
	Rows  int     `json:"rows"`
	Cols  int     `json:"cols"`
}

// Validate checks that the extent is not inverted and the resolution is
// positive.
func (r Region) Validate() error {
	if r.N <= r.S {
		return fmt.Errorf("region: north %v must be greater than south %v", r.N, r.S)
	}
	if r.E <= r.W {
		return fmt.Errorf("region: east %v must be greater than west %v", r.E, r.W)
	}
	if r.NSRes <= 0 || r.EWRes <= 0 {
		return fmt.Errorf("region: resolution must be positive (nsres=%v, ewres=%v)", r.NSRes, r.EWRes)
	}
	return nil
}

// Shrink returns the region reduced by d map units on every side. A
// negative d grows the region. Rows and columns are recomputed from the
// unchanged resolution.
func (r Region) Shrink(d float64) Region {
	out := r
	out.N -= d
	out.S += d
	out.E -= d
	out.W += d
	if out.NSRes > 0 {
		out.Rows = int(math.Round((out.N - out.S) / out.NSRes))
	}
	if out.EWRes > 0 {
		out.Cols = int(math.Round((out.E - out.W) / out.EWRes))
	}
	return out
}
