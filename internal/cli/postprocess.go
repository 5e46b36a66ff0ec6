package cli

import (
	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/nnpipe/internal/postprocess"
)

// NewPostprocessCommand creates the "postprocess" command group.
func NewPostprocessCommand(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "postprocess",
		Short: "Patch, vectorize and clean the classification",
		Long: `Turn the classified tiles of "nnpipe apply" into GRASS maps:

  patch      import the tiles, cut the overlap and patch one raster
  vectorize  convert the raster into generalized areas
  snapref    merge the areas with reference polygons`,
		Args: cobra.NoArgs,
	}
	cmd.AddCommand(newPatchCommand(g))
	cmd.AddCommand(newVectorizeCommand(g))
	cmd.AddCommand(newSnapRefCommand(g))
	return cmd
}

func newPatchCommand(g *globalFlags) *cobra.Command {
	opts := postprocess.DefaultPatchOptions()

	cmd := &cobra.Command{
		Use:   "patch",
		Short: "Patch the classified tiles into one raster",
		Long: `Import every classified tile, remove small areas, cut --edge-cut cells
from each side and patch the tiles. With --keep-border-edges the edges at
the outer border of the tile set are kept.

Example:
  nnpipe postprocess patch --tiles /data/out/classified --output trees`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return postprocess.Patch(cmd.Context(), g.session(), opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.TilesPath, "tiles", "", "Directory of the classified tiles")
	f.StringVar(&opts.TilesFileList, "tiles-list", "", "File with one tile file name per line")
	f.IntVar(&opts.EdgeCut, "edge-cut", opts.EdgeCut, "Cells cut from every tile side")
	f.Float64Var(&opts.AreaThreshold, "area-threshold", opts.AreaThreshold, "Remove areas below this size in hectares, 0 disables")
	f.StringVar(&opts.Output, "output", opts.Output, "Patched raster map")
	f.BoolVarP(&opts.KeepBorderEdges, "keep-border-edges", "b", false, "Keep the cut edges at the border of the tile set")

	return cmd
}

func newVectorizeCommand(g *globalFlags) *cobra.Command {
	opts := postprocess.DefaultVectorizeOptions()

	cmd := &cobra.Command{
		Use:   "vectorize",
		Short: "Convert the patched classification into areas",
		Long: `Remove small areas, vectorize the classification with the class code in
column class_number and straighten the area borders.

Example:
  nnpipe postprocess vectorize --input trees --output trees_vect --smooth`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return postprocess.Vectorize(cmd.Context(), g.session(), opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.Input, "input", "", "Classified raster map")
	f.StringVar(&opts.Output, "output", "", "Vector map")
	f.Float64Var(&opts.RmareaThreshold, "rmarea-threshold", opts.RmareaThreshold, "Remove areas below this size in hectares")
	f.Float64Var(&opts.GeneralizeThreshold, "generalize-threshold", 0, "Generalization threshold in map units, 0 uses the resolution")
	f.BoolVarP(&opts.Smooth, "smooth", "s", false, "Smooth the area borders")

	return cmd
}

func newSnapRefCommand(g *globalFlags) *cobra.Command {
	opts := postprocess.DefaultSnapRefOptions()

	cmd := &cobra.Command{
		Use:   "snapref",
		Short: "Merge the classification areas with reference polygons",
		Long: `Overlay the vectorized classification with the reference polygons it
overlaps, remove small areas separately inside and outside the reference
and clip the result to the current region. Requires the v.rmarea addon.

Classification columns are prefixed a_ and reference columns b_ in the
--rmarea-where-* clauses.

Example:
  nnpipe postprocess snapref --classification trees_vect --reference parcels \
    --output trees_parcels --merge-column parcel_id \
    --rmarea-threshold-inside 50 --rmarea-where-inside "b_parcel_id != -1" \
    --rmarea-threshold-outside 20 --rmarea-where-outside "b_parcel_id = -1"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return postprocess.SnapRef(cmd.Context(), g.session(), opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.Classification, "classification", "", "Vectorized classification")
	f.StringVar(&opts.Reference, "reference", "", "Reference polygons")
	f.StringVar(&opts.Output, "output", "", "Merged vector map")
	f.StringVar(&opts.ClassColumn, "class-column", opts.ClassColumn, "Class column of the classification")
	f.StringVar(&opts.MergeColumn, "merge-column", "", "Reference column the areas are merged along")
	f.StringVar(&opts.MergeNullValue, "merge-null-value", opts.MergeNullValue, "Merge column value outside the reference")
	f.Float64Var(&opts.RmareaThresholdInside, "rmarea-threshold-inside", 0, "Remove areas below this area inside the reference")
	f.StringVar(&opts.RmareaWhereInside, "rmarea-where-inside", "", "Where clause selecting the areas inside the reference")
	f.Float64Var(&opts.RmareaThresholdOutside, "rmarea-threshold-outside", 0, "Remove areas below this area outside the reference")
	f.StringVar(&opts.RmareaWhereOutside, "rmarea-where-outside", "", "Where clause selecting the areas outside the reference")

	return cmd
}
