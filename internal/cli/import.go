package cli

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/nnpipe/internal/importer"
)

type importFlags struct {
	rasters         []string
	vectors         []string
	resample        string
	extent          string
	resolution      string
	resolutionValue float64
	overwrite       bool
}

// NewImportCommand creates the "import" command.
func NewImportCommand(g *globalFlags) *cobra.Command {
	flags := &importFlags{}
	def := importer.DefaultOptions()

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import input rasters and vectors into the current mapset",
		Long: `Import the image bands, elevation models, AOI and reference data of a run
with r.import and v.import. Sources in another CRS are reprojected.

Examples:
  nnpipe import --raster dop_red=/data/red.tif --raster dop_nir=/data/nir.tif \
    --raster ndsm=/data/ndsm.tif --vector aoi=/data/aoi.gpkg
  nnpipe import --raster dtm=/vsicurl/https://example.org/dtm.tif --extent region`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(cmd.Context(), g, flags)
		},
	}

	cmd.Flags().StringArrayVar(&flags.rasters, "raster", nil, "Raster to import as name=path (repeatable)")
	cmd.Flags().StringArrayVar(&flags.vectors, "vector", nil, "Vector to import as name=path (repeatable)")
	cmd.Flags().StringVar(&flags.resample, "resample", def.Resample,
		"Resampling method: "+strings.Join(importer.Resamplings, ", "))
	cmd.Flags().StringVar(&flags.extent, "extent", def.Extent, "Output extent: input, region")
	cmd.Flags().StringVar(&flags.resolution, "resolution", def.Resolution, "Raster resolution: estimated, value, region")
	cmd.Flags().Float64Var(&flags.resolutionValue, "resolution-value", 0, "Raster resolution with --resolution value")
	cmd.Flags().BoolVar(&flags.overwrite, "overwrite", false, "Replace existing maps")

	return cmd
}

func runImport(ctx context.Context, g *globalFlags, flags *importFlags) error {
	opts := importer.DefaultOptions()
	var err error
	if opts.Rasters, err = importer.ParseSources(flags.rasters); err != nil {
		return err
	}
	if opts.Vectors, err = importer.ParseSources(flags.vectors); err != nil {
		return err
	}
	opts.Resample = flags.resample
	opts.Extent = flags.extent
	opts.Resolution = flags.resolution
	opts.ResolutionValue = flags.resolutionValue
	opts.Overwrite = flags.overwrite
	return importer.Import(ctx, g.session(), opts)
}
