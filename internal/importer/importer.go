// Package importer brings the input rasters and vectors of a run into the
// current GRASS mapset with r.import and v.import, reprojecting on the fly
// where the source CRS differs from the location.
package importer

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/mmr-tortoise/nnpipe/internal/grass"
	"github.com/mmr-tortoise/nnpipe/internal/log"
	"github.com/mmr-tortoise/nnpipe/internal/model"
)

// Source is one map to import.
type Source struct {
	Name string
	Path string
}

var mapNameRegex = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// ParseSources parses name=path pairs.
func ParseSources(pairs []string) ([]Source, error) {
	out := make([]Source, 0, len(pairs))
	seen := make(map[string]bool, len(pairs))
	for _, p := range pairs {
		name, path, ok := strings.Cut(p, "=")
		name, path = strings.TrimSpace(name), strings.TrimSpace(path)
		if !ok || name == "" || path == "" {
			return nil, model.Fatalf(model.ErrInvalidOption, "invalid source %q, expected name=path", p)
		}
		if !mapNameRegex.MatchString(name) {
			return nil, model.Fatalf(model.ErrInvalidOption,
				"<%s> is not a legal map name: start with a letter, use only letters, digits and underscores", name)
		}
		if seen[name] {
			return nil, model.Fatalf(model.ErrInvalidOption, "map name <%s> given twice", name)
		}
		seen[name] = true
		out = append(out, Source{Name: name, Path: path})
	}
	return out, nil
}

// Values accepted by r.import.
var (
	Resamplings = []string{"nearest", "bilinear", "bicubic", "lanczos", "bilinear_f", "bicubic_f", "lanczos_f"}
	Extents     = []string{"input", "region"}
	Resolutions = []string{"estimated", "value", "region"}
)

// Options configures Import.
type Options struct {
	Rasters []Source
	Vectors []Source

	// Resample is the raster resampling method when reprojecting.
	Resample string

	// Extent is "input" or "region" for rasters and vectors.
	Extent string

	// Resolution and ResolutionValue choose the raster target resolution.
	Resolution      string
	ResolutionValue float64

	// Overwrite replaces existing maps instead of failing.
	Overwrite bool
}

// DefaultOptions returns the r.import defaults.
func DefaultOptions() Options {
	return Options{Resample: "nearest", Extent: "input", Resolution: "estimated"}
}

// Validate checks the option values.
func (o Options) Validate() error {
	if len(o.Rasters) == 0 && len(o.Vectors) == 0 {
		return model.Fatalf(model.ErrInvalidOption, "nothing to import")
	}
	for _, c := range []struct {
		name, value string
		allowed     []string
	}{
		{"resample", o.Resample, Resamplings},
		{"extent", o.Extent, Extents},
		{"resolution", o.Resolution, Resolutions},
	} {
		if !slices.Contains(c.allowed, c.value) {
			return model.Fatalf(model.ErrInvalidOption, "invalid %s %q, allowed are %s", c.name, c.value, strings.Join(c.allowed, ", "))
		}
	}
	if o.Resolution == "value" && o.ResolutionValue <= 0 {
		return model.Fatalf(model.ErrInvalidOption, "resolution=value needs a positive resolution_value")
	}
	return nil
}

// Import checks every source and then imports them, rasters first. No
// map is imported when a check fails.
func Import(ctx context.Context, r grass.Runner, opts Options) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	if err := check(ctx, r, opts.Rasters, grass.ElementRaster, opts.Overwrite); err != nil {
		return err
	}
	if err := check(ctx, r, opts.Vectors, grass.ElementVector, opts.Overwrite); err != nil {
		return err
	}

	var common []grass.Arg
	if opts.Overwrite {
		common = append(common, grass.Overwrite)
	}
	for _, s := range opts.Rasters {
		log.Info(fmt.Sprintf("Importing raster <%s> ...", s.Name), zap.String("path", s.Path))
		args := []grass.Arg{
			grass.P("input", s.Path), grass.P("output", s.Name),
			grass.P("resample", opts.Resample), grass.P("extent", opts.Extent),
			grass.P("resolution", opts.Resolution),
		}
		if opts.Resolution == "value" {
			args = append(args, grass.P("resolution_value", opts.ResolutionValue))
		}
		if err := r.Run(ctx, "r.import", append(args, common...)...); err != nil {
			return err
		}
	}
	for _, s := range opts.Vectors {
		log.Info(fmt.Sprintf("Importing vector <%s> ...", s.Name), zap.String("path", s.Path))
		args := []grass.Arg{grass.P("input", s.Path), grass.P("output", s.Name), grass.P("extent", opts.Extent)}
		if err := r.Run(ctx, "v.import", append(args, common...)...); err != nil {
			return err
		}
	}
	return nil
}

// check rejects missing source files and existing maps. Paths of GDAL
// virtual file systems (/vsicurl/ and friends) are not checked.
func check(ctx context.Context, r grass.Runner, sources []Source, element string, overwrite bool) error {
	for _, s := range sources {
		if !strings.HasPrefix(s.Path, "/vsi") {
			if _, err := os.Stat(s.Path); err != nil {
				return model.WrapCLIError(model.ExitFatal, fmt.Sprintf("Input file <%s> for map <%s> not found", s.Path, s.Name), err)
			}
		}
		if overwrite {
			continue
		}
		exists, err := grass.FindMap(ctx, r, s.Name, element)
		if err != nil {
			return err
		}
		if exists {
			return model.Fatalf(model.ErrMapExists,
				"%s map <%s> already exists, use --overwrite to replace it", strings.ToUpper(element[:1])+element[1:], s.Name)
		}
	}
	return nil
}
