package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/nnpipe/internal/prep"
)

// NewPrepareDataCommand creates the "preparedata" command (stage 1).
func NewPrepareDataCommand(g *globalFlags) *cobra.Command {
	opts := prep.DefaultDataOptions()

	cmd := &cobra.Command{
		Use:   "preparedata",
		Short: "Tile the input data into training and apply tiles",
		Long: `Lay a tile grid over the image bands, drop tiles with null cells from the
training candidates, split the tiles into training and apply tiles and
export every tile with its label proposal into its own directory.

The label proposal is the clipped reference data (--reference) or an
image segmentation. Edit it before running preparetraining.

Examples:
  nnpipe preparedata --image-bands dop_red,dop_green,dop_blue,dop_nir \
    --ndsm ndsm --aoi aoi --reference trees --output /data/out/tiles
  nnpipe preparedata --image-bands dop_red,dop_green,dop_blue,dop_nir \
    --dsm dsm --dtm dtm --ndsm-output ndsm --only-apply --output /data/out/apply`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPrepareData(cmd.Context(), g, opts)
		},
	}

	f := cmd.Flags()
	f.StringSliceVar(&opts.ImageBands, "image-bands", nil, "Raster maps stacked into the tile image, comma separated")
	f.StringVar(&opts.NDSM, "ndsm", "", "Existing nDSM raster")
	f.StringVar(&opts.DSM, "dsm", "", "DSM raster used to compute the nDSM")
	f.StringVar(&opts.DTM, "dtm", "", "DTM raster used to compute the nDSM")
	f.StringVar(&opts.NDSMOut, "ndsm-output", "", "Name of the computed nDSM raster")
	f.StringVar(&opts.AOI, "aoi", "", "Vector map restricting the tile grid")
	f.StringVar(&opts.Reference, "reference", "", "Reference polygons used as label proposal")
	f.IntVar(&opts.TileSize, "tile-size", opts.TileSize, "Tile size in cells")
	f.IntVar(&opts.TileOverlap, "tile-overlap", opts.TileOverlap, "Tile overlap in cells")
	f.IntVar(&opts.SegmentationMinSize, "segmentation-minsize", opts.SegmentationMinSize, "Minimum segment size in cells")
	f.Float64Var(&opts.SegmentationThreshold, "segmentation-threshold", opts.SegmentationThreshold, "Segmentation similarity threshold")
	f.IntVar(&opts.TrainPercentage, "train-percentage", opts.TrainPercentage, "Percentage of complete tiles used for training")
	f.BoolVarP(&opts.OnlyTraining, "only-training", "t", false, "Export every complete tile as training tile")
	f.BoolVarP(&opts.OnlyApply, "only-apply", "a", false, "Export every tile as apply tile")
	f.StringVar(&opts.Suffix, "suffix", "", "Suffix appended to every tile name")
	f.IntVar(&opts.ClassValue, "class-value", opts.ClassValue, "Class code written into the clipped reference polygons")
	f.StringVar(&opts.OutputDir, "output", "", "Output directory, must not exist")
	f.IntVar(&opts.NProcs, "nprocs", prep.DefaultProcs(), "Number of parallel tile jobs")
	f.Int64Var(&opts.Seed, "seed", 0, "Seed of the training tile selection, 0 uses the clock")
	cmd.MarkFlagsMutuallyExclusive("only-training", "only-apply")

	return cmd
}

func runPrepareData(ctx context.Context, g *globalFlags, opts prep.DataOptions) error {
	return prep.PrepareData(ctx, prep.NewTools(g.session()), opts)
}
