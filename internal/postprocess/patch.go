// Package postprocess turns the classified tiles written by inference
// into one raster and one cleaned vector map.
//
// Patch imports the tiles, removes small areas, cuts the overlapping tile
// edges and patches them together. Vectorize converts the patched raster
// into generalized polygons. SnapRef merges those polygons with reference
// polygons and cleans small areas inside and outside the reference.
package postprocess

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"go.uber.org/multierr"

	"github.com/mmr-tortoise/nnpipe/internal/grass"
	"github.com/mmr-tortoise/nnpipe/internal/log"
	"github.com/mmr-tortoise/nnpipe/internal/model"
)

// Defaults of the patch options.
const (
	DefaultEdgeCut       = 64
	DefaultAreaThreshold = 0.0005
	DefaultPatchOutput   = "classification_patch"
)

// progressEvery is the number of imported tiles between progress messages.
const progressEvery = 50

// PatchOptions configures Patch.
type PatchOptions struct {
	// TilesPath is the directory of the classified tiles.
	TilesPath string

	// TilesFileList optionally names a file with one tile file name per
	// line. Without it every *.tif in TilesPath is patched.
	TilesFileList string

	// EdgeCut is the overlap in cells cut from every tile side.
	EdgeCut int

	// AreaThreshold removes areas smaller than this many hectares before
	// the edges are cut. Zero disables the step.
	AreaThreshold float64

	// Output is the patched raster map.
	Output string

	// KeepBorderEdges keeps the cut edges where no neighbour tile covers
	// them, so the patched map has the full extent of all tiles.
	KeepBorderEdges bool
}

// DefaultPatchOptions returns the options with the usual tile overlap.
func DefaultPatchOptions() PatchOptions {
	return PatchOptions{
		EdgeCut:       DefaultEdgeCut,
		AreaThreshold: DefaultAreaThreshold,
		Output:        DefaultPatchOutput,
	}
}

// Validate checks the options.
func (o PatchOptions) Validate() error {
	if o.TilesPath == "" {
		return model.Fatalf(model.ErrInvalidOption, "tiles_path is required")
	}
	if o.Output == "" {
		return model.Fatalf(model.ErrInvalidOption, "output is required")
	}
	if o.EdgeCut < 0 || o.AreaThreshold < 0 {
		return model.Fatalf(model.ErrInvalidOption, "edge_cut and area_threshold must not be negative")
	}
	return nil
}

// ListTiles returns the tile file names to patch, relative to TilesPath.
func ListTiles(opts PatchOptions) ([]string, error) {
	if opts.TilesFileList != "" {
		return readTileList(opts.TilesFileList)
	}
	entries, err := os.ReadDir(opts.TilesPath)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitFatal, fmt.Sprintf("cannot read tiles path %s", opts.TilesPath), err)
	}
	var tiles []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".tif") {
			tiles = append(tiles, e.Name())
		}
	}
	slices.Sort(tiles)
	return tiles, nil
}

func readTileList(path string) (tiles []string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitFatal, fmt.Sprintf("cannot read tile list %s", path), err)
	}
	defer func() { err = multierr.Append(err, f.Close()) }()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			tiles = append(tiles, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return tiles, nil
}

var invalidMapChars = regexp.MustCompile(`[^A-Za-z0-9_]`)

// mapName derives a valid GRASS map name from a tile file name: the part
// before the first dot, other characters replaced by underscores.
func mapName(file string) string {
	base, _, _ := strings.Cut(filepath.Base(file), ".")
	name := invalidMapChars.ReplaceAllString(base, "_")
	if name == "" || !(name[0] >= 'A' && name[0] <= 'Z' || name[0] >= 'a' && name[0] <= 'z') {
		name = "t_" + name
	}
	return name
}

// Patch imports the classified tiles and patches them into opts.Output.
// The current region resolution determines the edge width in map units.
func Patch(ctx context.Context, r grass.Runner, opts PatchOptions) (err error) {
	if err := opts.Validate(); err != nil {
		return err
	}
	tiles, err := ListTiles(opts)
	if err != nil {
		return err
	}
	if len(tiles) == 0 {
		return model.Fatalf(model.ErrNoTiles, "No tiles to patch in %s", opts.TilesPath)
	}

	cleanup := &grass.Cleanup{}
	defer func() { err = multierr.Append(err, cleanup.Run(ctx, r)) }()
	if err := cleanup.SaveRegion(ctx, r); err != nil {
		return err
	}
	reg, err := grass.ReadRegion(ctx, r)
	if err != nil {
		return err
	}
	edge := float64(opts.EdgeCut) * reg.NSRes
	id := grass.TempName("patch")

	log.Info("Importing tiles and cutting off edges ...")
	imported := make([]string, 0, len(tiles))
	cut := make([]string, 0, len(tiles))
	for i, tile := range tiles {
		if i%progressEvery == 0 || i == len(tiles)-1 {
			log.Info(fmt.Sprintf("%d%%", 100*i/len(tiles)))
		}
		base := mapName(tile) + "_" + id
		tmp := base + "_tmp"
		cleanup.Raster(tmp)
		if err := r.Run(ctx, "r.import",
			grass.P("input", filepath.Join(opts.TilesPath, tile)), grass.P("output", tmp), grass.Quiet); err != nil {
			return err
		}

		// small areas go before the edges are cut
		src := tmp
		if opts.AreaThreshold > 0 {
			src = base + "_tmp_rmarea"
			cleanup.Raster(src)
			if err := r.Run(ctx, "r.reclass.area",
				grass.P("input", tmp), grass.P("output", src),
				grass.P("mode", "lesser"), grass.P("method", "rmarea"),
				grass.P("value", opts.AreaThreshold), grass.Quiet); err != nil {
				return err
			}
		}

		tileReg, err := grass.ReadRegion(ctx, r, grass.P("raster", tmp))
		if err != nil {
			return err
		}
		if err := grass.SetRegion(ctx, r, tileReg.Shrink(edge)); err != nil {
			return err
		}
		cleanup.Raster(base)
		if err := r.Run(ctx, "r.mapcalc", grass.P("expression", base+" = "+src), grass.Quiet); err != nil {
			return err
		}
		imported = append(imported, tmp)
		cut = append(cut, base)
	}

	patchOut := opts.Output
	if opts.KeepBorderEdges {
		patchOut = opts.Output + "_without_border_tile_edges_" + id
		cleanup.Raster(patchOut)
	}
	all, err := grass.ReadRegion(ctx, r, grass.P("raster", cut))
	if err != nil {
		return err
	}
	log.Info("Patching tiles ...")
	if err := r.Run(ctx, "r.patch", grass.P("input", cut), grass.P("output", patchOut), grass.Quiet); err != nil {
		return err
	}
	if !opts.KeepBorderEdges {
		return nil
	}

	if err := grass.SetRegion(ctx, r, all.Shrink(-edge)); err != nil {
		return err
	}
	list, err := os.CreateTemp("", "nnpipe-buildvrt-*.txt")
	if err != nil {
		return fmt.Errorf("create r.buildvrt input list: %w", err)
	}
	cleanup.File(list.Name())
	_, werr := list.WriteString(strings.Join(imported, "\n") + "\n")
	if err := multierr.Append(werr, list.Close()); err != nil {
		return fmt.Errorf("write %s: %w", list.Name(), err)
	}

	vrt := "vrt_all_no_edges_cut_" + id
	cleanup.Raster(vrt)
	log.Info("Creating VRT of the uncut tiles ...")
	if err := r.Run(ctx, "r.buildvrt", grass.P("file", list.Name()), grass.P("output", vrt), grass.Quiet); err != nil {
		return err
	}
	log.Info("Patching tiles, while keeping border edges...")
	return r.Run(ctx, "r.patch", grass.P("input", []string{patchOut, vrt}), grass.P("output", opts.Output), grass.Quiet)
}
