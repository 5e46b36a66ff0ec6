// Package labels turns the hand-edited label polygons of a training tile
// into a label raster and enforces the closed class vocabulary.
//
// A label file may only contain the configured class codes and the no-class
// sentinel in its class column. Any other value, including empty (NULL)
// values, is a fatal input error. A tile whose labels are empty or contain
// only the no-class value is accepted with a warning and rasterized as a
// constant no-class raster.
package labels

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/mmr-tortoise/nnpipe/internal/grass"
	"github.com/mmr-tortoise/nnpipe/internal/log"
	"github.com/mmr-tortoise/nnpipe/internal/model"
)

// ParseColumn extracts the values of column from pipe separated
// `v.db.select` output. The first line is the header.
func ParseColumn(output, column string) ([]string, error) {
	lines := strings.Split(strings.TrimRight(output, "\n"), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		return nil, fmt.Errorf("%w: %s (no attribute table)", model.ErrMissingColumn, column)
	}
	header := strings.Split(strings.TrimSpace(lines[0]), "|")
	idx := slices.Index(header, column)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s", model.ErrMissingColumn, column)
	}

	values := make([]string, 0, len(lines)-1)
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		fields := strings.Split(line, "|")
		if idx >= len(fields) {
			values = append(values, "")
			continue
		}
		values = append(values, strings.TrimSpace(fields[idx]))
	}
	return values, nil
}

// Report is the outcome of checking label values against a vocabulary.
type Report struct {
	// Unexpected lists the distinct values outside the vocabulary, sorted.
	Unexpected []string

	// Empty is set when there are no values or only no-class values.
	Empty bool
}

// Check compares label values with the vocabulary.
func Check(values []string, v model.ClassVocabulary) Report {
	var r Report
	onlyNoClass := true
	for _, raw := range values {
		code, err := strconv.Atoi(raw)
		if err != nil || !v.Allowed(code) {
			if !slices.Contains(r.Unexpected, raw) {
				r.Unexpected = append(r.Unexpected, raw)
			}
			continue
		}
		if code != v.NoClass {
			onlyNoClass = false
		}
	}
	slices.Sort(r.Unexpected)
	r.Empty = len(r.Unexpected) == 0 && onlyNoClass
	return r
}

// RasterizeOptions describes one label rasterization.
type RasterizeOptions struct {
	// Input is the label vector file (GeoPackage).
	Input string

	// Region is the extent and grid of the tile image the raster must
	// match.
	Region model.Region

	// Column is the attribute column holding the class code.
	Column string

	Vocabulary model.ClassVocabulary

	// Output is the label GeoTIFF to write.
	Output string
}

// Rasterize imports the label file into the session, validates its class
// codes and exports a Byte label raster aligned with the tile image. The
// runner should be a worker's temporary mapset; the maps it creates are
// discarded together with that mapset.
func Rasterize(ctx context.Context, r grass.Runner, opts RasterizeOptions) error {
	if opts.Column == "" {
		opts.Column = model.DefaultClassColumn
	}
	reg := opts.Region
	if err := r.Run(ctx, "g.region",
		grass.P("n", reg.N), grass.P("s", reg.S), grass.P("e", reg.E), grass.P("w", reg.W),
		grass.P("rows", reg.Rows), grass.P("cols", reg.Cols), grass.Quiet); err != nil {
		return err
	}

	labelVect := grass.TempName("labelvect")
	labelRast := grass.TempName("labelrast")
	if err := r.Run(ctx, "v.import", grass.P("input", opts.Input), grass.P("output", labelVect), grass.Quiet); err != nil {
		return err
	}

	out, err := r.Read(ctx, "v.db.select", grass.P("map", labelVect), grass.P("separator", "pipe"))
	if err != nil {
		return err
	}
	values, err := ParseColumn(out, opts.Column)
	if err != nil {
		return model.WrapCLIError(model.ExitFatal, fmt.Sprintf("File %s has no column %s", opts.Input, opts.Column), err)
	}

	report := Check(values, opts.Vocabulary)
	if len(report.Unexpected) > 0 {
		return model.Fatalf(model.ErrUnexpectedClassValue,
			"Label file %s has features with unexpected values in column %s: {%s}. Allowed values are %s.",
			opts.Input, opts.Column, strings.Join(report.Unexpected, ", "), opts.Vocabulary)
	}

	if report.Empty {
		log.Warn("label file contains no features with the expected class values, assuming the classes do not occur in this tile",
			zap.String("file", opts.Input), zap.String("column", opts.Column), zap.Ints("classes", opts.Vocabulary.Classes))
		if err := r.Run(ctx, "r.mapcalc",
			grass.P("expression", fmt.Sprintf("%s=%d", labelRast, opts.Vocabulary.NoClass)), grass.Quiet); err != nil {
			return err
		}
	} else {
		tmp := labelRast + "_tmp"
		if err := r.Run(ctx, "v.to.rast",
			grass.P("input", labelVect), grass.P("output", tmp), grass.P("type", "area"),
			grass.P("use", "attr"), grass.P("attribute_column", opts.Column), grass.Quiet); err != nil {
			return err
		}
		expr := fmt.Sprintf("%s=if(isnull(%s),%d,%s)", labelRast, tmp, opts.Vocabulary.NoClass, tmp)
		if err := r.Run(ctx, "r.mapcalc", grass.P("expression", expr), grass.Quiet); err != nil {
			return err
		}
	}

	return r.Run(ctx, "r.out.gdal",
		grass.P("input", labelRast), grass.P("output", opts.Output),
		grass.P("type", "Byte"), grass.P("createopt", "COMPRESS=LZW"),
		grass.Flags("c"), grass.Quiet)
}
