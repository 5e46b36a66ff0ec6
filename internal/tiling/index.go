package tiling

import (
	"fmt"
	"math"
	"os"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/clip"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
)

// IndexName is the layer name of the tile index.
const IndexName = "tindex"

// Ring returns the tile outline in the vertex order of the tile index:
// north west, north east, south east, south west, north west.
func (t Tile) Ring() orb.Ring {
	w, s, e, n := t.West(), t.South(), t.East(), t.North()
	return orb.Ring{{w, n}, {e, n}, {e, s}, {w, s}, {w, n}}
}

// Feature returns the tile as tile index feature.
func (t Tile) Feature() *geojson.Feature {
	f := geojson.NewFeature(orb.Polygon{t.Ring()})
	f.Properties["fid"] = t.Fid
	f.Properties["name"] = t.Name
	f.Properties["path"] = t.Path
	f.Properties["training"] = t.Training
	return f
}

// Index builds the tile index feature collection with a named CRS member,
// so GDAL picks up the projection when converting it.
func Index(tiles []Tile, epsg int) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	fc.ExtraMembers = geojson.Properties{
		"name": IndexName,
		"crs": map[string]any{
			"type": "name",
			"properties": map[string]any{
				"name": fmt.Sprintf("urn:ogc:def:crs:EPSG::%d", epsg),
			},
		},
	}
	for _, t := range tiles {
		fc.Append(t.Feature())
	}
	return fc
}

// WriteIndex writes the tile index as GeoJSON to path.
func WriteIndex(path string, tiles []Tile, epsg int) error {
	data, err := Index(tiles, epsg).MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode tile index: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write tile index: %w", err)
	}
	return nil
}

// ParseAOI decodes an area of interest exported as GeoJSON
// (`v.out.geojson output=-`).
func ParseAOI(data []byte) (*geojson.FeatureCollection, error) {
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("parse AOI GeoJSON: %w", err)
	}
	if len(fc.Features) == 0 {
		return nil, fmt.Errorf("parse AOI GeoJSON: no features")
	}
	return fc, nil
}

// Intersects reports whether geometry g shares area with bound b. Polygons
// that only touch the tile border, or whose hole covers the tile, do not
// intersect.
func Intersects(b orb.Bound, g orb.Geometry) bool {
	if g == nil || !b.Intersects(g.Bound()) {
		return false
	}
	clipped := clip.Geometry(b, orb.Clone(g))
	if clipped == nil {
		return false
	}
	switch clipped.(type) {
	case orb.Polygon, orb.MultiPolygon, orb.Ring:
		return math.Abs(planar.Area(clipped)) > 0
	default:
		return true
	}
}

// FilterByAOI keeps the tiles that intersect any feature of aoi. Tile order
// is preserved.
func FilterByAOI(tiles []Tile, aoi *geojson.FeatureCollection) []Tile {
	var out []Tile
	for _, t := range tiles {
		for _, f := range aoi.Features {
			if Intersects(t.Bound, f.Geometry) {
				out = append(out, t)
				break
			}
		}
	}
	return out
}
