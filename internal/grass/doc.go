// Package grass runs GRASS GIS modules as external processes.
//
// Every geometric operation of nnpipe (import, region handling, map algebra,
// rasterization, vectorization, generalization, patching) is performed by a
// GRASS module binary. This package is the single place that knows how to
// invoke them:
//
//   - Arg and the P/Flags/Long constructors render GRASS's key=value and
//     flag command-line syntax.
//   - Runner is the interface the rest of the code depends on; Session is
//     the os/exec implementation bound to one GISRC file.
//   - ParseKeyValue and the Read* helpers parse the shell-style output of
//     `-g` flags (g.region, r.univar, g.proj, g.gisenv, g.findfile).
//   - TempMapset gives a parallel worker its own mapset, so that region
//     changes of concurrent workers never interfere.
//   - Cleanup collects temporary maps, files and the saved region and
//     removes or restores them on every exit path.
//
// Design decisions:
//   - Modules are run as binaries found on PATH, the same interface the
//     GRASS scripting layer uses.
//   - Module failures are wrapped in model.CLIError carrying the module's
//     stderr, so the CLI prints one fatal message.
package grass
