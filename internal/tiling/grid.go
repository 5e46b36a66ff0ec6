// Package tiling computes the tile grid of the data preparation stage:
// tile extents and names, the GeoJSON tile index, the restriction to an
// area of interest and the random split into training and apply tiles.
//
// Everything here is pure computation on numbers and orb geometries; the
// GRASS side (region handling, null-cell checks, exports) lives in the
// prep package.
package tiling

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"

	"github.com/mmr-tortoise/nnpipe/internal/model"
)

// Default grid parameters, in cells.
const (
	DefaultTileSize    = 512
	DefaultTileOverlap = 128
)

// Tile is one cell of the grid together with its tile index attributes.
type Tile struct {
	model.Tile

	// Fid is the row and column string used as tile index feature id.
	Fid string

	// Bound is the tile extent in map units.
	Bound orb.Bound

	// Path is the export directory of the tile; empty until exported.
	Path string

	// Training is the tile index "training" attribute.
	Training string
}

// Values of the tile index "training" attribute.
const (
	TrainingUnset = "false"
	TrainingTodo  = "TODO"
	TrainingNo    = "no"
)

// North, South, East and West return the tile extent.
func (t Tile) North() float64 { return t.Bound.Max[1] }
func (t Tile) South() float64 { return t.Bound.Min[1] }
func (t Tile) East() float64  { return t.Bound.Max[0] }
func (t Tile) West() float64  { return t.Bound.Min[0] }

// Region returns the tile extent as a GRASS region at resolution res.
func (t Tile) Region(res float64) model.Region {
	return model.Region{
		N: t.North(), S: t.South(), E: t.East(), W: t.West(),
		NSRes: res, EWRes: res,
		Rows: int(math.Round((t.North() - t.South()) / res)),
		Cols: int(math.Round((t.East() - t.West()) / res)),
	}
}

// Grid is a regular grid of overlapping square tiles anchored at the north
// west corner of a region. Tiles step by TileSize-Overlap cells, so
// neighbouring tiles share Overlap cells.
type Grid struct {
	Region   model.Region
	TileSize int
	Overlap  int
	Suffix   string

	Rows  int
	Cols  int
	Width int
}

// NewGrid lays out the grid over region. Enough rows and columns are
// created to cover the region completely; the last row and column may
// extend beyond it.
func NewGrid(region model.Region, tileSize, overlap int, suffix string) (*Grid, error) {
	if tileSize <= 0 {
		return nil, fmt.Errorf("%w: tile size must be positive, got %d", model.ErrInvalidOption, tileSize)
	}
	if overlap < 0 || overlap >= tileSize {
		return nil, fmt.Errorf("%w: tile overlap must be in [0, %d), got %d", model.ErrInvalidOption, tileSize, overlap)
	}
	if err := region.Validate(); err != nil {
		return nil, err
	}

	step := float64(tileSize - overlap)
	// Ceil: an exact multiple of step gets no extra row or column, for
	// odd multiples too (3 steps give 3 rows, never 4).
	rows := int(math.Ceil(float64(region.Rows) / step))
	cols := int(math.Ceil(float64(region.Cols) / step))
	rows, cols = max(rows, 1), max(cols, 1)

	return &Grid{
		Region:   region,
		TileSize: tileSize,
		Overlap:  overlap,
		Suffix:   suffix,
		Rows:     rows,
		Cols:     cols,
		Width:    model.DigitWidth(rows, cols),
	}, nil
}

// Res is the cell size used for tile extents (the north-south resolution
// of the region).
func (g *Grid) Res() float64 {
	return g.Region.NSRes
}

// CellsPerTile is the number of cells of one full tile.
func (g *Grid) CellsPerTile() int {
	return g.TileSize * g.TileSize
}

// Tiles returns all tiles in row-major order starting at the north west
// corner.
func (g *Grid) Tiles() []Tile {
	res := g.Res()
	size := float64(g.TileSize) * res
	step := float64(g.TileSize-g.Overlap) * res

	tiles := make([]Tile, 0, g.Rows*g.Cols)
	north := g.Region.N
	for row := 0; row < g.Rows; row++ {
		west := g.Region.W
		for col := 0; col < g.Cols; col++ {
			id := model.TileID{Row: row, Col: col}
			tiles = append(tiles, Tile{
				Tile: model.Tile{
					ID:     id,
					Name:   model.TileName(id, g.Width, g.Suffix),
					Suffix: g.Suffix,
				},
				Fid: id.Fid(g.Width),
				Bound: orb.Bound{
					Min: orb.Point{west, north - size},
					Max: orb.Point{west + size, north},
				},
				Training: TrainingUnset,
			})
			west += step
		}
		north -= step
	}
	return tiles
}
