package grass

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/mmr-tortoise/nnpipe/internal/log"
)

// TempMapset is a mapset created for one parallel worker. It has its own
// GISRC file, so the worker's g.region calls only affect its own WIND file.
// Input maps of the parent mapset are referenced as name@Parent.
//
// Usage:
//
//	ms, err := grass.NewTempMapset(ctx, parent, "tmp_mapset_"+id)
//	if err != nil { /* handle */ }
//	defer ms.Close()
//	err = ms.Run(ctx, "g.region", grass.P("n", n), ...)
type TempMapset struct {
	*Session

	// Name is the name of the temporary mapset.
	Name string

	// Parent is the mapset the session was in before switching.
	Parent string

	// Dir is the mapset directory inside the location.
	Dir string
}

// NewTempMapset creates mapset name next to the parent session's mapset.
//
// It copies the parent's GISRC file to a private temporary file and runs
// `g.mapset -c` against that copy, which creates the mapset and switches
// only the copy to it. The parent session is left untouched.
func NewTempMapset(ctx context.Context, parent *Session, name string) (*TempMapset, error) {
	src := parent.GisrcPath()
	if src == "" {
		return nil, fmt.Errorf("GISRC is not set: nnpipe must run inside a GRASS GIS session")
	}

	env, err := Gisenv(ctx, parent)
	if err != nil {
		return nil, err
	}
	if name == env.Mapset || name == "PERMANENT" {
		return nil, fmt.Errorf("temporary mapset name %q collides with an existing mapset", name)
	}

	content, err := os.ReadFile(src)
	if err != nil {
		return nil, fmt.Errorf("read GISRC %s: %w", src, err)
	}
	f, err := os.CreateTemp("", "gisrc_"+name+"_*")
	if err != nil {
		return nil, fmt.Errorf("create GISRC copy: %w", err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("write GISRC copy: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return nil, fmt.Errorf("write GISRC copy: %w", err)
	}

	ms := &TempMapset{
		Session: &Session{Gisrc: f.Name(), Overwrite: parent.Overwrite, Env: parent.Env},
		Name:    name,
		Parent:  env.Mapset,
		Dir:     filepath.Join(env.GISDBASE, env.LocationName, name),
	}
	if err := ms.Run(ctx, "g.mapset", Flags("c"), P("mapset", name), Quiet); err != nil {
		ms.Close()
		return nil, err
	}

	log.Debug("switched to temporary mapset",
		zap.String("mapset", name), zap.String("parent", env.Mapset))
	return ms, nil
}

// Ref qualifies a parent map name for use inside the temporary mapset.
func (m *TempMapset) Ref(name string) string {
	return Qualified(name, m.Parent)
}

// Close removes the private GISRC file and the mapset directory. It is safe
// to call more than once.
func (m *TempMapset) Close() error {
	var firstErr error
	if m.Gisrc != "" {
		if err := os.Remove(m.Gisrc); err != nil && !os.IsNotExist(err) {
			firstErr = err
		}
		m.Gisrc = ""
	}
	if m.Dir != "" {
		if err := os.RemoveAll(m.Dir); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
