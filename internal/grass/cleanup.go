package grass

import (
	"context"
	"os"
	"slices"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/mmr-tortoise/nnpipe/internal/log"
)

// Cleanup collects everything a command creates temporarily and undoes it
// in Run: the original region is restored, temporary rasters, vectors,
// groups and saved regions are removed, then temporary files and
// directories are deleted.
//
// Register objects as soon as their name is known, before the module that
// creates them runs, so a failure midway still removes partial output.
// All methods are safe for concurrent use by workers.
type Cleanup struct {
	mu      sync.Mutex
	region  string
	rasters []string
	vectors []string
	groups  []string
	files   []string
	dirs    []string
}

// SaveRegion stores the current region under a temporary name; Run
// restores it.
func (c *Cleanup) SaveRegion(ctx context.Context, r Runner) error {
	name := TempName("orig_region")
	if err := r.Run(ctx, "g.region", P("save", name), Quiet); err != nil {
		return err
	}
	c.mu.Lock()
	c.region = name
	c.mu.Unlock()
	return nil
}

// Raster registers temporary raster maps.
func (c *Cleanup) Raster(names ...string) { c.add(&c.rasters, names) }

// Vector registers temporary vector maps.
func (c *Cleanup) Vector(names ...string) { c.add(&c.vectors, names) }

// Group registers temporary imagery groups.
func (c *Cleanup) Group(names ...string) { c.add(&c.groups, names) }

// File registers temporary files.
func (c *Cleanup) File(paths ...string) { c.add(&c.files, paths) }

// Dir registers temporary directories, such as leftover worker mapsets.
func (c *Cleanup) Dir(paths ...string) { c.add(&c.dirs, paths) }

func (c *Cleanup) add(dst *[]string, names []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range names {
		if n != "" && !slices.Contains(*dst, n) {
			*dst = append(*dst, n)
		}
	}
}

// Run restores and removes everything registered. It keeps going after a
// failure and returns all errors combined. Cancellation of ctx does not
// stop the cleanup.
func (c *Cleanup) Run(ctx context.Context, r Runner) error {
	ctx = context.WithoutCancel(ctx)

	c.mu.Lock()
	region := c.region
	rasters := slices.Clone(c.rasters)
	vectors := slices.Clone(c.vectors)
	groups := slices.Clone(c.groups)
	files := slices.Clone(c.files)
	dirs := slices.Clone(c.dirs)
	c.region = ""
	c.rasters, c.vectors, c.groups, c.files, c.dirs = nil, nil, nil, nil, nil
	c.mu.Unlock()

	var errs error
	if region != "" {
		errs = multierr.Append(errs, r.Run(ctx, "g.region", P("region", region), Quiet))
	}

	remove := func(kind string, names []string) {
		if len(names) == 0 {
			return
		}
		errs = multierr.Append(errs, r.Run(ctx, "g.remove",
			P("type", kind), P("name", names), Flags("f"), Quiet))
	}
	remove("raster", rasters)
	remove("vector", vectors)
	remove("group", groups)
	if region != "" {
		remove("region", []string{region})
	}

	for _, f := range files {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			errs = multierr.Append(errs, err)
		}
	}
	for _, d := range dirs {
		errs = multierr.Append(errs, os.RemoveAll(d))
	}

	if errs != nil {
		log.Warn("cleanup incomplete", zap.Error(errs))
	}
	return errs
}
