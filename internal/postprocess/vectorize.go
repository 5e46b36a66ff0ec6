package postprocess

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/multierr"

	"github.com/mmr-tortoise/nnpipe/internal/grass"
	"github.com/mmr-tortoise/nnpipe/internal/log"
	"github.com/mmr-tortoise/nnpipe/internal/model"
)

// ClassColumn is the attribute column of the class codes.
const ClassColumn = "class_number"

// secondPassFactor scales the threshold of the second Douglas-Peucker pass.
const secondPassFactor = 1.5

// VectorizeOptions configures Vectorize.
type VectorizeOptions struct {
	// Input is the classified raster, usually the output of Patch.
	Input string

	// Output is the vector map of the areas.
	Output string

	// RmareaThreshold removes areas smaller than this many hectares.
	RmareaThreshold float64

	// GeneralizeThreshold straightens area borders. Zero uses the mean
	// resolution of Input.
	GeneralizeThreshold float64

	// Smooth applies Chaiken smoothing and restores the raster corners
	// the smoothing cut off.
	Smooth bool
}

// DefaultVectorizeOptions returns the options with the default cleaning
// threshold.
func DefaultVectorizeOptions() VectorizeOptions {
	return VectorizeOptions{RmareaThreshold: DefaultAreaThreshold}
}

// Validate checks the options.
func (o VectorizeOptions) Validate() error {
	if o.Input == "" || o.Output == "" {
		return model.Fatalf(model.ErrInvalidOption, "input and output are required")
	}
	if o.RmareaThreshold < 0 || o.GeneralizeThreshold < 0 {
		return model.Fatalf(model.ErrInvalidOption, "thresholds must not be negative")
	}
	return nil
}

// Vectorize converts the classified raster into generalized areas with
// the class code in column class_number.
func Vectorize(ctx context.Context, r grass.Runner, opts VectorizeOptions) (err error) {
	if err := opts.Validate(); err != nil {
		return err
	}
	if err := grass.RequireMaps(ctx, r, grass.ElementRaster, opts.Input); err != nil {
		return err
	}

	cleanup := &grass.Cleanup{}
	defer func() { err = multierr.Append(err, cleanup.Run(ctx, r)) }()
	if err := cleanup.SaveRegion(ctx, r); err != nil {
		return err
	}
	if err := r.Run(ctx, "g.region", grass.P("raster", opts.Input)); err != nil {
		return err
	}
	threshold := opts.GeneralizeThreshold
	if threshold == 0 {
		nsres, ewres, err := grass.RasterResolution(ctx, r, opts.Input)
		if err != nil {
			return err
		}
		threshold = (nsres + ewres) / 2
	}
	tmp := func(suffix string) string {
		name := grass.TempName(unqualified(opts.Output) + "_" + suffix)
		cleanup.Vector(name)
		return name
	}

	log.Info("Removing small areas ...")
	clean := grass.TempName(unqualified(opts.Input) + "_clean")
	cleanup.Raster(clean)
	if err := r.Run(ctx, "r.reclass.area",
		grass.P("input", opts.Input), grass.P("output", clean),
		grass.P("mode", "lesser"), grass.P("method", "rmarea"),
		grass.P("value", opts.RmareaThreshold), grass.Quiet); err != nil {
		return err
	}

	log.Info("Vectorizing classification ...")
	// without -s: smoothing in r.to.vect leaves artifacts at raster corners
	vect := tmp("tmp1")
	if err := r.Run(ctx, "r.to.vect",
		grass.P("input", clean), grass.P("output", vect),
		grass.P("type", "area"), grass.P("column", ClassColumn),
		grass.Flags("c"), grass.Quiet); err != nil {
		return err
	}

	if opts.Smooth {
		if vect, err = smooth(ctx, r, vect, threshold, tmp); err != nil {
			return err
		}
	}

	log.Info("Generalizing area borders ...")
	straight := tmp("tmp2")
	if err := generalize(ctx, r, vect, straight, "douglas", threshold); err != nil {
		return err
	}
	return generalize(ctx, r, straight, opts.Output, "douglas", threshold*secondPassFactor)
}

// smooth runs Chaiken smoothing on vect. Areas the smoothing shaved off
// are taken back from the unsmoothed map, then areas are dissolved by
// class.
func smooth(ctx context.Context, r grass.Runner, vect string, threshold float64, tmp func(string) string) (string, error) {
	smoothed := tmp("tmp_s1")
	if err := generalize(ctx, r, vect, smoothed, "chaiken", threshold); err != nil {
		return "", err
	}

	merged := tmp("tmp_s2")
	a, b := "a_"+ClassColumn, "b_"+ClassColumn
	steps := []struct {
		module string
		args   []grass.Arg
	}{
		{"v.overlay", []grass.Arg{
			grass.P("ainput", smoothed), grass.P("atype", "area"),
			grass.P("binput", vect), grass.P("btype", "area"),
			grass.P("operator", "or"), grass.P("output", merged),
			grass.P("olayer", "1,0,0"), grass.Quiet,
		}},
		{"v.db.update", []grass.Arg{
			grass.P("map", merged), grass.P("column", a),
			grass.P("query_column", b), grass.P("where", a+" is null"), grass.Quiet,
		}},
		{"db.execute", []grass.Arg{
			grass.P("sql", fmt.Sprintf("update %s set %s = null where %s is null", merged, a, b)),
		}},
		{"v.db.dropcolumn", []grass.Arg{
			grass.P("map", merged),
			grass.P("columns", []string{"a_cat", "b_cat", "a_label", "b_label", b}), grass.Quiet,
		}},
		{"v.db.renamecolumn", []grass.Arg{
			grass.P("map", merged), grass.P("column", []string{a, ClassColumn}), grass.Quiet,
		}},
	}
	for _, s := range steps {
		if err := r.Run(ctx, s.module, s.args...); err != nil {
			return "", err
		}
	}

	dissolved := tmp("tmp_s3")
	err := r.Run(ctx, "v.extract",
		grass.P("input", merged), grass.P("output", dissolved),
		grass.P("type", "area"), grass.P("dissolve_column", ClassColumn),
		grass.P("where", ClassColumn+" is not null"), grass.Flags("d"), grass.Quiet)
	return dissolved, err
}

// unqualified strips the @mapset part of a map name.
func unqualified(name string) string {
	base, _, _ := strings.Cut(name, "@")
	return base
}

func generalize(ctx context.Context, r grass.Runner, input, output, method string, threshold float64) error {
	return r.Run(ctx, "v.generalize",
		grass.P("input", input), grass.P("output", output),
		grass.P("type", "area"), grass.P("method", method),
		grass.P("threshold", threshold), grass.Quiet)
}
