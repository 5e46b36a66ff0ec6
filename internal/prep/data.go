// Package prep implements the two data preparation stages.
//
// PrepareData (stage 1) lays a tile grid over the input imagery, checks
// each tile for null cells, splits the tiles into training and apply
// tiles and exports every tile into its own directory together with a
// label proposal for the training tiles. PrepareTraining (stage 2) reads
// those directories after the labels were edited by hand and builds the
// image/mask trees the neural-network library consumes.
//
// Per-tile work runs in parallel, each job in its own temporary mapset so
// that region changes do not interfere.
package prep

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/mmr-tortoise/nnpipe/internal/gdal"
	"github.com/mmr-tortoise/nnpipe/internal/grass"
	"github.com/mmr-tortoise/nnpipe/internal/layout"
	"github.com/mmr-tortoise/nnpipe/internal/log"
	"github.com/mmr-tortoise/nnpipe/internal/model"
	"github.com/mmr-tortoise/nnpipe/internal/tiling"
)

// Defaults of the data preparation options.
const (
	DefaultSegmentationMinSize   = 80
	DefaultSegmentationThreshold = 0.3
	DefaultTrainPercentage       = 30
)

const geojsonAddonURL = "https://github.com/mundialis/v.out.geojson"

// DataOptions configures stage 1.
type DataOptions struct {
	// ImageBands are the raster maps stacked into the tile image. The
	// first band defines extent and resolution.
	ImageBands []string

	// NDSM is an existing nDSM raster. If empty, DSM and DTM are used to
	// compute NDSMOut.
	NDSM string

	// DSM and DTM are the surface and terrain models the nDSM is derived
	// from.
	DSM string
	DTM string

	// NDSMOut is the name of the computed nDSM. It must not exist yet.
	NDSMOut string

	// AOI restricts the grid to tiles touching the buffered area.
	AOI string

	// Reference polygons are clipped to training tiles as label
	// proposal. Without a reference the proposal is an image
	// segmentation.
	Reference string

	// TileSize is the tile edge length in cells.
	TileSize int

	// TileOverlap is the number of cells neighbouring tiles share.
	TileOverlap int

	// SegmentationMinSize and SegmentationThreshold are the minsize and
	// threshold of i.segment for the label proposal.
	SegmentationMinSize   int
	SegmentationThreshold float64

	// TrainPercentage is the share of complete tiles drawn as training
	// tiles, in [0, 100].
	TrainPercentage int

	// OnlyTraining exports all complete tiles as training tiles;
	// OnlyApply exports every tile as apply tile without null check.
	OnlyTraining bool
	OnlyApply    bool

	// Suffix is appended to every tile name.
	Suffix string

	// ClassValue is written into the class column of clipped reference
	// polygons.
	ClassValue int

	// OutputDir is created by the run and must not exist.
	OutputDir string

	// NProcs bounds the parallel tile workers. Zero uses all CPUs.
	NProcs int

	// Seed makes the train/apply split reproducible. Zero uses the clock.
	Seed int64
}

// DefaultDataOptions returns the option defaults.
func DefaultDataOptions() DataOptions {
	return DataOptions{
		TileSize:              tiling.DefaultTileSize,
		TileOverlap:           tiling.DefaultTileOverlap,
		SegmentationMinSize:   DefaultSegmentationMinSize,
		SegmentationThreshold: DefaultSegmentationThreshold,
		TrainPercentage:       DefaultTrainPercentage,
		ClassValue:            model.DefaultClassValue,
	}
}

// Validate checks option combinations that do not need GRASS.
func (o DataOptions) Validate() error {
	switch {
	case len(o.ImageBands) == 0:
		return model.Fatalf(model.ErrInvalidOption, "at least one image band is required")
	case o.OutputDir == "":
		return model.Fatalf(model.ErrInvalidOption, "output directory is required")
	case o.OnlyTraining && o.OnlyApply:
		return model.Fatalf(model.ErrInvalidOption, "only-training and only-apply are mutually exclusive")
	case o.TrainPercentage < 0 || o.TrainPercentage > 100:
		return model.Fatalf(model.ErrInvalidOption, "train percentage must be in [0, 100], got %d", o.TrainPercentage)
	case o.NDSM == "" && (o.DSM == "" || o.DTM == "" || o.NDSMOut == ""):
		return model.Fatalf(model.ErrInvalidOption, "either ndsm or dsm, dtm and ndsm-output must be set")
	}
	return nil
}

// percent returns the effective training percentage.
func (o DataOptions) percent() int {
	switch {
	case o.OnlyApply:
		return 0
	case o.OnlyTraining:
		return 100
	}
	return o.TrainPercentage
}

func newRand(seed int64) *rand.Rand {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return rand.New(rand.NewSource(seed))
}

// PrepareData runs stage 1 and writes the tile directories and the tile
// index below opts.OutputDir.
func PrepareData(ctx context.Context, tools Tools, opts DataOptions) (err error) {
	if err := opts.Validate(); err != nil {
		return err
	}
	g := tools.GRASS

	if err := checkDataInputs(ctx, g, &opts); err != nil {
		return err
	}
	if err := layout.CreateFresh(opts.OutputDir); err != nil {
		return err
	}

	var cleanup grass.Cleanup
	defer func() {
		if cerr := cleanup.Run(ctx, g); cerr != nil && err == nil {
			err = cerr
		}
	}()
	if err := cleanup.SaveRegion(ctx, g); err != nil {
		return err
	}

	region, aoiBuf, err := dataRegion(ctx, g, &cleanup, opts)
	if err != nil {
		return err
	}

	if opts.NDSM == "" {
		log.Info("computing nDSM", zap.String("output", opts.NDSMOut))
		expr := fmt.Sprintf("%s = float(%s - %s)", opts.NDSMOut, opts.DSM, opts.DTM)
		if err := g.Run(ctx, "r.mapcalc", grass.P("expression", expr)); err != nil {
			return err
		}
		opts.NDSM = opts.NDSMOut
	}

	epsg, err := grass.EPSG(ctx, g)
	if err != nil {
		return err
	}

	grid, err := tiling.NewGrid(region, opts.TileSize, opts.TileOverlap, opts.Suffix)
	if err != nil {
		return err
	}
	tiles := grid.Tiles()
	log.Info("created tile grid",
		zap.Int("rows", grid.Rows), zap.Int("cols", grid.Cols), zap.Float64("res", grid.Res()))

	if aoiBuf != "" {
		out, err := g.Read(ctx, "v.out.geojson",
			grass.P("input", aoiBuf), grass.P("output", "-"), grass.P("epsg", epsg))
		if err != nil {
			return err
		}
		aoi, err := tiling.ParseAOI([]byte(out))
		if err != nil {
			return err
		}
		tiles = tiling.FilterByAOI(tiles, aoi)
		log.Info("restricted tiles to area of interest", zap.Int("tiles", len(tiles)))
	}
	if len(tiles) == 0 {
		return model.Fatalf(model.ErrNoTiles, "No tiles intersect the area of interest")
	}

	var classes tiling.Classes
	if opts.OnlyApply {
		classes = tiling.AllWithData(len(tiles))
	} else {
		nulls, err := countNullCells(ctx, tools.Workspace, tiles, grid.Res(), opts)
		if err != nil {
			return err
		}
		classes = tiling.Classify(nulls, grid.CellsPerTile())
	}

	split := tiling.SplitTiles(classes, len(tiles), opts.percent(), newRand(opts.Seed))
	if split.Reduced {
		log.Warn(fmt.Sprintf("Too many border tiles including null values. To ensure valid train tiles, "+
			"the train percentage is reduced to %d.", split.Percent))
	}
	log.Info("split tiles",
		zap.Int("train", len(split.Train)), zap.Int("apply", len(split.Apply)), zap.Int("empty", len(classes.Empty)))

	stage := layout.Stage1{Root: opts.OutputDir}
	for _, i := range split.Train {
		tiles[i].Training = tiling.TrainingTodo
		tiles[i].Path = stage.TileDir(true, tiles[i].Name)
	}
	for _, i := range split.Apply {
		tiles[i].Training = tiling.TrainingNo
		tiles[i].Path = stage.TileDir(false, tiles[i].Name)
	}

	jobs := append(slices.Clone(split.Train), split.Apply...)
	err = RunPool(ctx, opts.NProcs, len(jobs), func(ctx context.Context, j int) error {
		t := tiles[jobs[j]]
		training := j < len(split.Train)
		if training {
			log.Info(fmt.Sprintf("Segmenting and/or exporting: training tile %d of %d", j+1, len(split.Train)))
		} else {
			log.Info(fmt.Sprintf("Exporting: apply tile %d of %d", j-len(split.Train)+1, len(split.Apply)))
		}
		return withWorker(ctx, tools.Workspace, workerMapset("export", t.Fid), func(w Worker) error {
			return exportTile(ctx, w, exportJob{tile: t, res: grid.Res(), training: training, opts: opts})
		})
	})
	if err != nil {
		return err
	}

	kept := make([]tiling.Tile, 0, len(tiles))
	for i, t := range tiles {
		if !slices.Contains(classes.Empty, i) {
			kept = append(kept, t)
		}
	}
	if err := exportIndex(ctx, tools.GDAL, stage, kept, epsg); err != nil {
		return err
	}

	log.Info("Prepare data done", zap.String("output", opts.OutputDir))
	return nil
}

// checkDataInputs verifies that every input map exists.
func checkDataInputs(ctx context.Context, g grass.Runner, opts *DataOptions) error {
	if err := grass.RequireMaps(ctx, g, grass.ElementRaster, opts.ImageBands...); err != nil {
		return err
	}
	if err := grass.RequireMaps(ctx, g, grass.ElementRaster, opts.DSM, opts.DTM); err != nil {
		return err
	}
	if opts.NDSM != "" {
		ok, err := grass.FindMap(ctx, g, opts.NDSM, grass.ElementRaster)
		if err != nil {
			return err
		}
		if !ok {
			if opts.DSM == "" || opts.DTM == "" || opts.NDSMOut == "" {
				return model.Fatalf(model.ErrMapNotFound,
					"Raster map <%s> not found and <dsm>, <dtm> and <ndsm_out> not set", opts.NDSM)
			}
			opts.NDSM = ""
		} else if opts.NDSM == opts.NDSMOut {
			return model.Fatalf(model.ErrInvalidOption,
				"Parameter <ndsm_out> is set to <%s>, but the raster map already exists!", opts.NDSM)
		}
	}
	if opts.NDSM == "" {
		exists, err := grass.FindMap(ctx, g, opts.NDSMOut, grass.ElementRaster)
		if err != nil {
			return err
		}
		if exists {
			return model.Fatalf(model.ErrInvalidOption,
				"Parameter <ndsm_out> is set to <%s>, but the raster map already exists!", opts.NDSMOut)
		}
	}
	if err := grass.RequireMaps(ctx, g, grass.ElementVector, opts.Reference, opts.AOI); err != nil {
		return err
	}
	if opts.AOI != "" {
		return grass.RequireAddon(ctx, g, "v.out.geojson", geojsonAddonURL)
	}
	return nil
}

// dataRegion sets the region to the first image band, or to the buffered
// AOI aligned to that band, and returns it. The AOI buffer map name is
// returned when an AOI is used.
func dataRegion(ctx context.Context, g grass.Runner, cleanup *grass.Cleanup, opts DataOptions) (model.Region, string, error) {
	region, err := grass.ReadRegion(ctx, g, grass.P("raster", opts.ImageBands[0]))
	if err != nil {
		return model.Region{}, "", err
	}
	if opts.AOI == "" {
		return region, "", nil
	}

	res := region.NSRes
	aoiBuf := grass.TempName("aoi_buf")
	cleanup.Vector(aoiBuf)
	if err := g.Run(ctx, "v.buffer",
		grass.P("input", opts.AOI), grass.P("output", aoiBuf),
		grass.P("distance", res*float64(opts.TileOverlap)), grass.Quiet); err != nil {
		return model.Region{}, "", err
	}
	if err := g.Run(ctx, "g.region", grass.P("vector", aoiBuf), grass.Quiet); err != nil {
		return model.Region{}, "", err
	}
	if err := g.Run(ctx, "g.region", grass.P("align", opts.ImageBands[0]), grass.Quiet); err != nil {
		return model.Region{}, "", err
	}
	region, err = grass.ReadRegion(ctx, g, grass.P("res", res), grass.Flags("a"))
	if err != nil {
		return model.Region{}, "", err
	}
	return region, aoiBuf, nil
}

// workerMapset names the temporary mapset of one tile job.
func workerMapset(job, fid string) string {
	return grass.TempName("tmp_mapset_"+job) + "_" + fid
}

// countNullCells returns the null-cell count of the first image band for
// every tile.
func countNullCells(ctx context.Context, ws Workspace, tiles []tiling.Tile, res float64, opts DataOptions) ([]int, error) {
	nulls := make([]int, len(tiles))
	err := RunPool(ctx, opts.NProcs, len(tiles), func(ctx context.Context, i int) error {
		t := tiles[i]
		log.Debug("checking null cells", zap.String("tile", t.Name))
		return withWorker(ctx, ws, workerMapset("nullcells", t.Fid), func(w Worker) error {
			if err := grass.SetRegion(ctx, w, t.Region(res)); err != nil {
				return err
			}
			n, err := grass.NullCells(ctx, w, w.Ref(opts.ImageBands[0]))
			if err != nil {
				return err
			}
			nulls[i] = n
			return nil
		})
	})
	return nulls, err
}

// exportIndex writes the GeoJSON tile index, converts it to GeoPackage,
// verifies the result and puts the QGIS style next to it.
func exportIndex(ctx context.Context, r gdal.Runner, stage layout.Stage1, tiles []tiling.Tile, epsg int) error {
	if err := tiling.WriteIndex(stage.IndexGeoJSON(), tiles, epsg); err != nil {
		return err
	}
	if err := gdal.VectorTranslate(ctx, r, stage.IndexGPKG(), stage.IndexGeoJSON(), "GPKG"); err != nil {
		return err
	}
	if err := gdal.VerifyVector(ctx, r, stage.IndexGPKG()); err != nil {
		return err
	}
	if err := tiling.WriteIndexStyle(stage.IndexStyle()); err != nil {
		return err
	}
	log.Info("wrote tile index", zap.String("file", stage.IndexGPKG()), zap.Int("tiles", len(tiles)))
	return nil
}

// ensureDir creates a tile export directory.
func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	return nil
}
