// Package gdal wraps the GDAL/OGR command-line utilities nnpipe needs:
// gdalinfo for raster metadata, gdalbuildvrt for the single-band and
// stacked virtual rasters of the training data, and ogr2ogr/ogrinfo for
// converting and checking the tile index.
//
// The utilities are invoked as processes, the same way GRASS modules are,
// so the binary has no cgo dependency on libgdal.
package gdal

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/mmr-tortoise/nnpipe/internal/log"
	"github.com/mmr-tortoise/nnpipe/internal/model"
)

// Runner executes a GDAL utility and returns its standard output.
type Runner interface {
	Output(ctx context.Context, name string, args ...string) (string, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, name string, args ...string) (string, error)

// Output calls f.
func (f RunnerFunc) Output(ctx context.Context, name string, args ...string) (string, error) {
	return f(ctx, name, args...)
}

// CLI runs the utilities found on PATH.
type CLI struct{}

// Output runs the utility and captures stdout; stderr becomes part of the
// error on failure.
func (CLI) Output(ctx context.Context, name string, args ...string) (string, error) {
	// #nosec G204 -- utility names are constants of this program
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	log.Debug("gdal utility", zap.String("name", name), zap.Strings("args", args), zap.Bool("ok", err == nil))
	if err != nil {
		message := fmt.Sprintf("%s %s failed", name, strings.Join(args, " "))
		if s := strings.TrimSpace(stderr.String()); s != "" {
			message = fmt.Sprintf("%s: %s", message, s)
		}
		return "", model.WrapCLIError(model.ExitFatal, message, err)
	}
	return stdout.String(), nil
}

// RasterInfo is the subset of `gdalinfo -json` output nnpipe uses.
type RasterInfo struct {
	Cols  int
	Rows  int
	Bands int

	// Extent from the corner coordinates.
	North, South, East, West float64
}

type infoJSON struct {
	Size              []int `json:"size"`
	CornerCoordinates struct {
		LowerLeft  []float64 `json:"lowerLeft"`
		UpperRight []float64 `json:"upperRight"`
	} `json:"cornerCoordinates"`
	Bands []struct {
		Band int `json:"band"`
	} `json:"bands"`
}

// ParseInfo decodes `gdalinfo -json` output.
func ParseInfo(data []byte) (RasterInfo, error) {
	var raw infoJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return RasterInfo{}, fmt.Errorf("parse gdalinfo output: %w", err)
	}
	if len(raw.Size) != 2 {
		return RasterInfo{}, fmt.Errorf("parse gdalinfo output: size must have two elements, got %v", raw.Size)
	}
	ll, ur := raw.CornerCoordinates.LowerLeft, raw.CornerCoordinates.UpperRight
	if len(ll) < 2 || len(ur) < 2 {
		return RasterInfo{}, fmt.Errorf("parse gdalinfo output: raster has no georeferenced corner coordinates")
	}
	return RasterInfo{
		Cols:  raw.Size[0],
		Rows:  raw.Size[1],
		Bands: len(raw.Bands),
		West:  ll[0],
		South: ll[1],
		East:  ur[0],
		North: ur[1],
	}, nil
}

// Region converts the raster extent and size to a GRASS region.
func (i RasterInfo) Region() model.Region {
	r := model.Region{N: i.North, S: i.South, E: i.East, W: i.West, Rows: i.Rows, Cols: i.Cols}
	if i.Rows > 0 {
		r.NSRes = (i.North - i.South) / float64(i.Rows)
	}
	if i.Cols > 0 {
		r.EWRes = (i.East - i.West) / float64(i.Cols)
	}
	return r
}

// Info reads metadata of the raster at path. A raster without bands is an
// error.
func Info(ctx context.Context, r Runner, path string) (RasterInfo, error) {
	out, err := r.Output(ctx, "gdalinfo", "-json", path)
	if err != nil {
		return RasterInfo{}, err
	}
	info, err := ParseInfo([]byte(out))
	if err != nil {
		return RasterInfo{}, fmt.Errorf("%s: %w", path, err)
	}
	if info.Bands == 0 {
		return RasterInfo{}, model.Fatalf(model.ErrMissingTileFile, "File %s is empty.", path)
	}
	return info, nil
}

// BuildSingleBandVRT writes a VRT that exposes one band of src.
func BuildSingleBandVRT(ctx context.Context, r Runner, dst, src string, band int) error {
	_, err := r.Output(ctx, "gdalbuildvrt", "-overwrite", "-b", strconv.Itoa(band), dst, src)
	return err
}

// BuildStackVRT writes a VRT that stacks every input as a separate band.
func BuildStackVRT(ctx context.Context, r Runner, dst string, srcs []string) error {
	args := append([]string{"-overwrite", "-separate", dst}, srcs...)
	_, err := r.Output(ctx, "gdalbuildvrt", args...)
	return err
}

// VectorTranslate converts src to dst with ogr2ogr. format is the OGR
// driver short name, e.g. "GPKG".
func VectorTranslate(ctx context.Context, r Runner, dst, src, format string, extra ...string) error {
	args := append([]string{"-f", format, dst, src}, extra...)
	_, err := r.Output(ctx, "ogr2ogr", args...)
	return err
}

// VerifyVector opens path with ogrinfo in summary mode to make sure the
// conversion produced a readable file.
func VerifyVector(ctx context.Context, r Runner, path string) error {
	out, err := r.Output(ctx, "ogrinfo", "-so", "-al", path)
	if err != nil {
		return err
	}
	if !strings.Contains(out, "Feature Count") {
		return fmt.Errorf("ogrinfo %s: no layer found", path)
	}
	return nil
}
