package postprocess

import (
	"context"
	"slices"

	"go.uber.org/multierr"

	"github.com/mmr-tortoise/nnpipe/internal/grass"
	"github.com/mmr-tortoise/nnpipe/internal/log"
	"github.com/mmr-tortoise/nnpipe/internal/model"
)

const rmareaAddonURL = "https://github.com/mundialis/v.rmarea"

// overlaySnap closes slivers between classification and reference edges.
const overlaySnap = 0.000001

// SnapRefOptions configures SnapRef. After the overlay, classification
// columns carry the prefix a_ and reference columns the prefix b_; the
// where clauses use those names.
type SnapRefOptions struct {
	// Classification is the vector map written by Vectorize.
	Classification string

	// Reference holds the polygons the areas are snapped to.
	Reference string

	// Output is the merged vector map, clipped to the current region.
	Output string

	// ClassColumn holds the class codes in Classification.
	ClassColumn string

	// MergeColumn is the reference attribute the areas are merged along.
	MergeColumn string

	// MergeNullValue replaces null in MergeColumn where no reference
	// exists. It must not occur in the reference data.
	MergeNullValue string

	// RmareaThresholdInside removes areas below this size among the areas
	// RmareaWhereInside selects. Columns of the classification carry the
	// prefix a_, reference columns b_.
	RmareaThresholdInside float64
	RmareaWhereInside     string

	// RmareaThresholdOutside and RmareaWhereOutside do the same for the
	// areas outside the reference.
	RmareaThresholdOutside float64
	RmareaWhereOutside     string
}

// DefaultSnapRefOptions returns the options with the default columns.
func DefaultSnapRefOptions() SnapRefOptions {
	return SnapRefOptions{ClassColumn: ClassColumn, MergeNullValue: "-1"}
}

// Validate checks the options.
func (o SnapRefOptions) Validate() error {
	switch {
	case o.Classification == "" || o.Reference == "" || o.Output == "":
		return model.Fatalf(model.ErrInvalidOption, "classification, reference and output are required")
	case o.ClassColumn == "" || o.MergeColumn == "":
		return model.Fatalf(model.ErrInvalidOption, "class_col and merge_col are required")
	case o.RmareaWhereInside == "" || o.RmareaWhereOutside == "":
		return model.Fatalf(model.ErrInvalidOption, "rmarea_where_inside and rmarea_where_outside are required")
	case o.RmareaThresholdInside <= 0 || o.RmareaThresholdOutside <= 0:
		return model.Fatalf(model.ErrInvalidOption, "rmarea thresholds must be positive")
	}
	return nil
}

// SnapRef merges the vectorized classification with reference areas,
// removes small areas separately inside and outside the reference,
// dissolves by class and clips the result to the current region. Output
// keeps the classification attributes under their original names.
func SnapRef(ctx context.Context, r grass.Runner, opts SnapRefOptions) (err error) {
	if err := opts.Validate(); err != nil {
		return err
	}
	if err := grass.RequireAddon(ctx, r, "v.rmarea", rmareaAddonURL); err != nil {
		return err
	}
	if err := grass.RequireMaps(ctx, r, grass.ElementVector, opts.Classification, opts.Reference); err != nil {
		return err
	}
	classCols, err := grass.Columns(ctx, r, opts.Classification)
	if err != nil {
		return err
	}
	refCols, err := grass.Columns(ctx, r, opts.Reference)
	if err != nil {
		return err
	}
	if !slices.Contains(classCols, opts.ClassColumn) {
		return model.Fatalf(model.ErrMissingColumn, "Vector map <%s> has no column %s", opts.Classification, opts.ClassColumn)
	}
	if !slices.Contains(refCols, opts.MergeColumn) {
		return model.Fatalf(model.ErrMissingColumn, "Vector map <%s> has no column %s", opts.Reference, opts.MergeColumn)
	}

	cleanup := &grass.Cleanup{}
	defer func() { err = multierr.Append(err, cleanup.Run(ctx, r)) }()
	tmp := func(prefix string) string {
		name := grass.TempName(prefix)
		cleanup.Vector(name)
		return name
	}
	classCol := "a_" + opts.ClassColumn
	mergeCol := "b_" + opts.MergeColumn
	refBin := grass.TempName("ref_binary")

	refSelect := tmp("ref_select_of_class")
	refDissolved := tmp("ref_select_of_class_diss")
	merged := tmp("classification_with_ref")
	inside := tmp("classification_with_ref_clean_1")
	outside := tmp("classification_with_ref_clean_2")
	dissolved := tmp("classification_with_ref_clean_diss")
	regionVect := tmp("region_vect")

	log.Info("Merging classification with reference data ...")
	steps := []struct {
		module string
		args   []grass.Arg
	}{
		// reference areas touching the classification
		{"v.select", []grass.Arg{
			grass.P("ainput", opts.Reference), grass.P("atype", "area"),
			grass.P("binput", opts.Classification), grass.P("btype", "area"),
			grass.P("output", refSelect), grass.P("operator", "overlap"), grass.Quiet,
		}},
		{"v.db.addcolumn", []grass.Arg{grass.P("map", refSelect), grass.P("columns", refBin+" integer"), grass.Quiet}},
		{"v.db.update", []grass.Arg{grass.P("map", refSelect), grass.P("column", refBin), grass.P("value", 1), grass.Quiet}},
		{"v.extract", []grass.Arg{
			grass.P("input", refSelect), grass.P("output", refDissolved),
			grass.P("dissolve_column", refBin), grass.Flags("d"), grass.Quiet,
		}},
		{"v.overlay", []grass.Arg{
			grass.P("ainput", opts.Classification), grass.P("binput", refDissolved),
			grass.P("output", merged), grass.P("operator", "or"),
			grass.P("snap", overlaySnap), grass.Quiet,
		}},
		{"v.db.update", []grass.Arg{
			grass.P("map", merged), grass.P("column", mergeCol),
			grass.P("value", opts.MergeNullValue), grass.P("where", mergeCol+" is null"), grass.Quiet,
		}},
		{"v.to.db", []grass.Arg{grass.P("map", merged), grass.P("columns", "compact"), grass.P("option", "compact"), grass.Quiet}},
		{"v.rmarea", []grass.Arg{
			grass.P("input", merged), grass.P("output", inside),
			grass.P("column", mergeCol), grass.P("where", opts.RmareaWhereInside),
			grass.P("threshold", opts.RmareaThresholdInside), grass.Flags("n"),
		}},
		{"v.rmarea", []grass.Arg{
			grass.P("input", inside), grass.P("output", outside),
			grass.P("column", mergeCol), grass.P("where", opts.RmareaWhereOutside),
			grass.P("threshold", opts.RmareaThresholdOutside), grass.Flags("n"),
		}},
		{"v.extract", []grass.Arg{
			grass.P("input", outside), grass.P("output", dissolved),
			grass.P("dissolve_column", classCol), grass.Flags("d"), grass.Quiet,
		}},
		// reference areas beyond the classified region are cut off
		{"v.in.region", []grass.Arg{grass.P("output", regionVect), grass.Quiet}},
		{"v.clip", []grass.Arg{
			grass.P("input", dissolved), grass.P("output", opts.Output),
			grass.P("clip", regionVect), grass.Quiet,
		}},
	}
	for _, s := range steps {
		if err := r.Run(ctx, s.module, s.args...); err != nil {
			return err
		}
	}

	log.Info("Cleaning up attributes ...")
	for _, col := range classCols {
		if col == "cat" {
			continue
		}
		if err := r.Run(ctx, "v.db.renamecolumn",
			grass.P("map", opts.Output), grass.P("column", []string{"a_" + col, col}), grass.Quiet); err != nil {
			return err
		}
	}
	drop := make([]string, 0, len(refCols)+3)
	for _, col := range refCols {
		drop = append(drop, "b_"+col)
	}
	drop = append(drop, "a_cat", "compact", "b_"+refBin)
	return r.Run(ctx, "v.db.dropcolumn", grass.P("map", opts.Output), grass.P("columns", drop), grass.Quiet)
}
