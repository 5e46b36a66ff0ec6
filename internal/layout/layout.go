// Package layout defines the on-disk directory convention shared by all
// pipeline stages.
//
// Stage 1 (preparedata) writes one directory per tile:
//
//	OUT/tindex.geojson, OUT/tindex.gpkg, OUT/tindex.qml
//	OUT/train/<tile>/image_<tile>.tif, ndsm_<tile>.tif, ndsm_0_255_<tile>.tif, label_<tile>.gpkg
//	OUT/apply/<tile>/image_<tile>.tif, ndsm_<tile>.tif, ndsm_0_255_<tile>.tif
//
// Stage 2 (preparetraining) writes the images/masks trees the training
// library reads:
//
//	OUT/train/{train_images,train_masks,val_images,val_masks,singleband}
//	OUT/apply/{apply_images,singleband}
//
// The tile name is the key across all of these directories. Output roots
// are created fresh per invocation and never updated in place.
package layout

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mmr-tortoise/nnpipe/internal/model"
)

// Top-level tree names.
const (
	TrainTree = "train"
	ApplyTree = "apply"
)

// CreateFresh creates dir and its parents. An existing dir is rejected so a
// re-run never mixes results of two invocations.
func CreateFresh(dir string) error {
	if dir == "" {
		return model.Fatalf(model.ErrInvalidOption, "output directory must not be empty")
	}
	if _, err := os.Stat(dir); err == nil {
		return model.Fatalf(model.ErrOutputExists, "Output directory <%s> already exists", dir)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	return nil
}

// Stage1 addresses the per-tile export directories of data preparation.
type Stage1 struct {
	Root string
}

// TreeDir returns the train or apply tree of the root.
func (s Stage1) TreeDir(training bool) string {
	if training {
		return filepath.Join(s.Root, TrainTree)
	}
	return filepath.Join(s.Root, ApplyTree)
}

// TileDir returns the export directory of one tile.
func (s Stage1) TileDir(training bool, tile string) string {
	return filepath.Join(s.TreeDir(training), tile)
}

// IndexGeoJSON is the path of the GeoJSON tile index.
func (s Stage1) IndexGeoJSON() string {
	return filepath.Join(s.Root, "tindex.geojson")
}

// IndexGPKG is the path of the GeoPackage tile index.
func (s Stage1) IndexGPKG() string {
	return filepath.Join(s.Root, "tindex.gpkg")
}

// IndexStyle is the path of the QGIS style of the tile index.
func (s Stage1) IndexStyle() string {
	return filepath.Join(s.Root, "tindex.qml")
}

// TileFiles are the files exported for one tile.
type TileFiles struct {
	Image      string
	NDSM       string
	NDSMScaled string
	Label      string
}

// Files returns the file names inside a stage-1 tile directory.
func Files(tileDir, tile string) TileFiles {
	return TileFiles{
		Image:      filepath.Join(tileDir, "image_"+tile+".tif"),
		NDSM:       filepath.Join(tileDir, "ndsm_"+tile+".tif"),
		NDSMScaled: filepath.Join(tileDir, "ndsm_0_255_"+tile+".tif"),
		Label:      filepath.Join(tileDir, "label_"+tile+".gpkg"),
	}
}

// Stage2 addresses the images/masks trees of training preparation.
type Stage2 struct {
	Root string
}

func (s Stage2) tree(kind model.SetKind) string {
	if kind == model.SetApply {
		return s.ApplyDataDir()
	}
	return s.TrainDataDir()
}

// TrainDataDir is the data directory handed to training and testing.
func (s Stage2) TrainDataDir() string {
	return filepath.Join(s.Root, TrainTree)
}

// ApplyDataDir is the data directory handed to inference.
func (s Stage2) ApplyDataDir() string {
	return filepath.Join(s.Root, ApplyTree)
}

// ImagesDir returns train_images, val_images or apply_images.
func (s Stage2) ImagesDir(kind model.SetKind) string {
	return filepath.Join(s.tree(kind), ImagesDirName(kind))
}

// MasksDir returns train_masks or val_masks. Apply tiles have no masks.
func (s Stage2) MasksDir(kind model.SetKind) string {
	return filepath.Join(s.tree(kind), string(kind)+"_masks")
}

// SinglebandDir holds the single-band VRTs the stacked VRTs refer to.
func (s Stage2) SinglebandDir(kind model.SetKind) string {
	return filepath.Join(s.tree(kind), "singleband")
}

// ImagePath is the stacked VRT of a tile.
func (s Stage2) ImagePath(kind model.SetKind, tile string) string {
	return filepath.Join(s.ImagesDir(kind), tile+".vrt")
}

// MaskPath is the label raster of a tile.
func (s Stage2) MaskPath(kind model.SetKind, tile string) string {
	return filepath.Join(s.MasksDir(kind), tile+".tif")
}

// BandPath is the single-band VRT of band n (1-based) of a tile.
func (s Stage2) BandPath(kind model.SetKind, tile string, n int) string {
	return filepath.Join(s.SinglebandDir(kind), fmt.Sprintf("%s_%d.vrt", tile, n))
}

// Create creates the root and every stage-2 directory.
func (s Stage2) Create() error {
	if err := CreateFresh(s.Root); err != nil {
		return err
	}
	dirs := []string{
		s.ImagesDir(model.SetTrain), s.MasksDir(model.SetTrain),
		s.ImagesDir(model.SetVal), s.MasksDir(model.SetVal),
		s.SinglebandDir(model.SetTrain),
		s.ImagesDir(model.SetApply), s.SinglebandDir(model.SetApply),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}
	return nil
}

// ImagesDirName is the directory name of the stacked VRTs of kind.
func ImagesDirName(kind model.SetKind) string {
	return string(kind) + "_images"
}
