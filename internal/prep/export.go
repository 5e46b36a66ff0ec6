package prep

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mmr-tortoise/nnpipe/internal/grass"
	"github.com/mmr-tortoise/nnpipe/internal/layout"
	"github.com/mmr-tortoise/nnpipe/internal/log"
	"github.com/mmr-tortoise/nnpipe/internal/model"
	"github.com/mmr-tortoise/nnpipe/internal/tiling"
)

// Unlabelled is the class code of segmentation polygons in a label
// proposal. It is not part of any vocabulary, so stage 2 refuses a label
// file until every polygon has been classified by hand.
const Unlabelled = 0

// ndsmMax is the height in meters mapped to 255 in the scaled nDSM.
const ndsmMax = 30

// imageGroup is the imagery group of the tile bands inside a worker mapset.
const imageGroup = "image_bands"

// exportArgs are the r.out.gdal options of all tile rasters.
func exportArgs(input, output string) []grass.Arg {
	return []grass.Arg{
		grass.P("input", input),
		grass.P("output", output),
		grass.P("format", "GTiff"),
		grass.P("type", "Byte"),
		grass.P("createopt", "COMPRESS=LZW,TILED=YES,BIGTIFF=YES"),
		grass.P("overviews", 5),
		grass.Flags("mc"),
		grass.Quiet,
	}
}

type exportJob struct {
	tile     tiling.Tile
	res      float64
	training bool
	opts     DataOptions
}

// exportTile writes the image, nDSM and scaled nDSM of one tile, plus the
// label proposal for training tiles, into the tile directory.
func exportTile(ctx context.Context, w Worker, job exportJob) error {
	t, opts := job.tile, job.opts
	if err := ensureDir(t.Path); err != nil {
		return err
	}
	files := layout.Files(t.Path, t.Name)

	if err := grass.SetRegion(ctx, w, t.Region(job.res)); err != nil {
		return err
	}

	bands := make([]string, len(opts.ImageBands))
	for i, b := range opts.ImageBands {
		bands[i] = w.Ref(b)
	}
	if err := w.Run(ctx, "i.group", grass.P("group", imageGroup), grass.P("input", bands), grass.Quiet); err != nil {
		return err
	}
	if err := w.Run(ctx, "r.out.gdal", exportArgs(imageGroup, files.Image)...); err != nil {
		return err
	}

	ndsm := w.Ref(opts.NDSM)
	if err := w.Run(ctx, "r.out.gdal", exportArgs(ndsm, files.NDSM)...); err != nil {
		return err
	}

	cut := fmt.Sprintf("ndsm_cut = if(%[1]s >= %[2]d, %[2]d, if(%[1]s < 0, 0, %[1]s))", ndsm, ndsmMax)
	if err := w.Run(ctx, "r.mapcalc", grass.P("expression", cut), grass.Quiet); err != nil {
		return err
	}
	scale := fmt.Sprintf("ndsm_scaled = int(ndsm_cut / %d. * 255.)", ndsmMax)
	if err := w.Run(ctx, "r.mapcalc", grass.P("expression", scale), grass.Quiet); err != nil {
		return err
	}
	if err := w.Run(ctx, "r.out.gdal", exportArgs("ndsm_scaled", files.NDSMScaled)...); err != nil {
		return err
	}

	if job.training {
		var err error
		if opts.Reference != "" {
			err = clipReference(ctx, w, w.Ref(opts.Reference), opts.ClassValue, files.Label)
		} else {
			err = segmentTile(ctx, w, ndsm, opts, files.Label)
		}
		if err != nil {
			return err
		}
	}
	log.Debug("exported tile", zap.String("tile", t.Name), zap.Bool("training", job.training))
	return nil
}

// clipReference writes the reference polygons inside the tile region as
// label proposal, all tagged with classValue.
func clipReference(ctx context.Context, w Worker, reference string, classValue int, out string) error {
	const clipped = "reference_clipped"
	if err := w.Run(ctx, "v.clip",
		grass.P("input", reference), grass.P("output", clipped), grass.Flags("r"), grass.Quiet); err != nil {
		return err
	}
	if err := w.Run(ctx, "v.db.addcolumn",
		grass.P("map", clipped), grass.P("columns", model.DefaultClassColumn+" integer"), grass.Quiet); err != nil {
		return err
	}
	if err := w.Run(ctx, "v.db.update",
		grass.P("map", clipped), grass.P("column", model.DefaultClassColumn),
		grass.P("value", classValue), grass.Quiet); err != nil {
		return err
	}
	return w.Run(ctx, "v.out.ogr", grass.P("input", clipped), grass.P("output", out), grass.Flags("s"), grass.Quiet)
}

// segmentTile segments the image bands and the nDSM and writes the
// segments, marked Unlabelled, as label proposal.
func segmentTile(ctx context.Context, w Worker, ndsm string, opts DataOptions, out string) error {
	const segments = "segments"
	if err := w.Run(ctx, "i.group", grass.P("group", imageGroup), grass.P("input", ndsm), grass.Quiet); err != nil {
		return err
	}
	if err := w.Run(ctx, "i.segment",
		grass.P("group", imageGroup), grass.P("output", segments),
		grass.P("threshold", opts.SegmentationThreshold), grass.P("minsize", opts.SegmentationMinSize),
		grass.Quiet); err != nil {
		return err
	}
	if err := w.Run(ctx, "r.to.vect",
		grass.P("input", segments), grass.P("output", segments), grass.P("type", "area"),
		grass.P("column", model.DefaultClassColumn), grass.Quiet); err != nil {
		return err
	}
	if err := w.Run(ctx, "v.db.update",
		grass.P("map", segments), grass.P("column", model.DefaultClassColumn),
		grass.P("value", Unlabelled), grass.Quiet); err != nil {
		return err
	}
	return w.Run(ctx, "v.out.ogr", grass.P("input", segments), grass.P("output", out), grass.Flags("s"), grass.Quiet)
}
