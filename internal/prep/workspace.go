package prep

import (
	"context"

	"github.com/mmr-tortoise/nnpipe/internal/gdal"
	"github.com/mmr-tortoise/nnpipe/internal/grass"
)

// Worker is the GRASS session of one per-tile job. Ref qualifies a map of
// the calling mapset so it can be read from the worker's mapset.
type Worker interface {
	grass.Runner
	Ref(name string) string
	Close() error
}

// Workspace hands out isolated worker sessions.
type Workspace interface {
	Open(ctx context.Context, name string) (Worker, error)
}

// MapsetWorkspace opens a temporary mapset per worker next to the mapset of
// Parent.
type MapsetWorkspace struct {
	Parent *grass.Session
}

// Open creates the temporary mapset name.
func (w MapsetWorkspace) Open(ctx context.Context, name string) (Worker, error) {
	ms, err := grass.NewTempMapset(ctx, w.Parent, name)
	if err != nil {
		return nil, err
	}
	return ms, nil
}

// Tools bundles the external programs a preparation stage drives.
type Tools struct {
	// GRASS runs modules in the user's current mapset.
	GRASS grass.Runner

	// Workspace provides the per-tile worker sessions.
	Workspace Workspace

	// GDAL runs the GDAL/OGR utilities.
	GDAL gdal.Runner
}

// NewTools wires the real GRASS session and GDAL utilities.
func NewTools(session *grass.Session) Tools {
	return Tools{
		GRASS:     session,
		Workspace: MapsetWorkspace{Parent: session},
		GDAL:      gdal.CLI{},
	}
}

// withWorker opens a worker session, runs fn in it and closes it.
func withWorker(ctx context.Context, ws Workspace, name string, fn func(w Worker) error) (err error) {
	w, err := ws.Open(ctx, name)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := w.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(w)
}
