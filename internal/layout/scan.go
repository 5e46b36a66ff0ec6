package layout

import (
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/mmr-tortoise/nnpipe/internal/model"
)

// PreparedTile is a stage-1 tile directory found on disk.
type PreparedTile struct {
	Name  string
	ID    model.TileID
	Dir   string
	Kind  model.SetKind
	Files TileFiles
}

// ScanPreparedTiles lists the tile directories below dir in name order.
// Every tile must contain its image and scaled nDSM; tiles of a kind with
// masks must also contain the edited label file. A missing file is fatal.
// A missing dir yields no tiles.
func ScanPreparedTiles(dir string, kind model.SetKind) ([]PreparedTile, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}

	var tiles []PreparedTile
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		tile, err := model.ParseTileName(e.Name())
		if err != nil {
			continue
		}
		tileDir := filepath.Join(dir, tile.Name)
		t := PreparedTile{Name: tile.Name, ID: tile.ID, Dir: tileDir, Kind: kind, Files: Files(tileDir, tile.Name)}

		required := []string{t.Files.Image, t.Files.NDSMScaled}
		if kind.HasMasks() {
			required = append(required, t.Files.Label)
		}
		for _, f := range required {
			if _, err := os.Stat(f); err != nil {
				return nil, model.Fatalf(model.ErrMissingTileFile, "File %s expected but not found.", f)
			}
		}
		tiles = append(tiles, t)
	}
	slices.SortFunc(tiles, func(a, b PreparedTile) int { return strings.Compare(a.Name, b.Name) })
	return tiles, nil
}

// SplitValidation moves round(percent/100*n) randomly drawn tiles to the
// validation set. Both returned slices are sorted by name.
func SplitValidation(tiles []PreparedTile, percent int, rng *rand.Rand) (train, val []PreparedTile) {
	shuffled := slices.Clone(tiles)
	rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	numVal := int(math.Round(float64(percent) / 100 * float64(len(tiles))))
	numVal = min(max(numVal, 0), len(shuffled))

	val = shuffled[:numVal]
	train = shuffled[numVal:]
	for i := range val {
		val[i].Kind = model.SetVal
	}
	for i := range train {
		train[i].Kind = model.SetTrain
	}

	byName := func(a, b PreparedTile) int { return strings.Compare(a.Name, b.Name) }
	slices.SortFunc(train, byName)
	slices.SortFunc(val, byName)
	return train, val
}

// VerifyPairs checks that every stacked VRT in imagesDir has a label raster
// with the same tile name in masksDir.
func VerifyPairs(imagesDir, masksDir string) error {
	images, err := tileNames(imagesDir, ".vrt")
	if err != nil {
		return err
	}
	masks, err := tileNames(masksDir, ".tif")
	if err != nil {
		return err
	}
	var missing []string
	for _, name := range images {
		if !slices.Contains(masks, name) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return model.Fatalf(model.ErrUnpairedTile,
			"Tiles in %s without mask in %s: %s", imagesDir, masksDir, strings.Join(missing, ", "))
	}
	return nil
}

func tileNames(dir, ext string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ext {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ext))
	}
	return names, nil
}
