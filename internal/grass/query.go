package grass

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/mmr-tortoise/nnpipe/internal/model"
)

// ParseKeyValue parses the shell-style output of GRASS modules run with the
// -g flag into a map.
//
// Example input (g.region -g):
//
//	n=5741000
//	s=5740000
//	nsres=0.2
//
// Values wrapped in single quotes (g.findfile) are unquoted. Lines without
// '=' are ignored.
func ParseKeyValue(output string) map[string]string {
	kv := make(map[string]string)
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		key, value, ok := strings.Cut(line, "=")
		if !ok || key == "" {
			continue
		}
		kv[strings.TrimSpace(key)] = strings.Trim(strings.TrimSpace(value), `'"`)
	}
	return kv
}

func floatField(kv map[string]string, key string) (float64, error) {
	raw, ok := kv[key]
	if !ok {
		return 0, fmt.Errorf("missing key %q", key)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %q: %w", key, err)
	}
	return v, nil
}

func intField(kv map[string]string, key string) (int, error) {
	v, err := floatField(kv, key)
	if err != nil {
		return 0, err
	}
	return int(v), nil
}

// ParseRegion converts `g.region -g` output to a model.Region.
func ParseRegion(output string) (model.Region, error) {
	kv := ParseKeyValue(output)
	var (
		r   model.Region
		err error
	)
	fields := []struct {
		key string
		dst *float64
	}{
		{"n", &r.N}, {"s", &r.S}, {"e", &r.E}, {"w", &r.W},
		{"nsres", &r.NSRes}, {"ewres", &r.EWRes},
	}
	for _, f := range fields {
		if *f.dst, err = floatField(kv, f.key); err != nil {
			return model.Region{}, fmt.Errorf("parse region: %w", err)
		}
	}
	if r.Rows, err = intField(kv, "rows"); err != nil {
		return model.Region{}, fmt.Errorf("parse region: %w", err)
	}
	if r.Cols, err = intField(kv, "cols"); err != nil {
		return model.Region{}, fmt.Errorf("parse region: %w", err)
	}
	return r, nil
}

// ReadRegion applies the optional g.region arguments and returns the
// resulting computational region.
func ReadRegion(ctx context.Context, r Runner, args ...Arg) (model.Region, error) {
	out, err := r.Read(ctx, "g.region", append([]Arg{Flags("g")}, args...)...)
	if err != nil {
		return model.Region{}, err
	}
	return ParseRegion(out)
}

// SetRegion sets the computational region to the given extent and
// resolution.
func SetRegion(ctx context.Context, r Runner, reg model.Region) error {
	return r.Run(ctx, "g.region",
		P("n", reg.N), P("s", reg.S), P("e", reg.E), P("w", reg.W),
		P("res", reg.NSRes), Quiet)
}

// NullCells returns the number of null cells of raster inside the current
// region (`r.univar -g`).
func NullCells(ctx context.Context, r Runner, raster string) (int, error) {
	out, err := r.Read(ctx, "r.univar", P("map", raster), Flags("g"))
	if err != nil {
		return 0, err
	}
	n, err := intField(ParseKeyValue(out), "null_cells")
	if err != nil {
		return 0, fmt.Errorf("r.univar %s: %w", raster, err)
	}
	return n, nil
}

// EPSG returns the EPSG code of the current location (`g.proj -g`, key
// srid with a value such as EPSG:25832).
func EPSG(ctx context.Context, r Runner) (int, error) {
	out, err := r.Read(ctx, "g.proj", Flags("g"))
	if err != nil {
		return 0, err
	}
	srid := ParseKeyValue(out)["srid"]
	if srid == "" {
		return 0, fmt.Errorf("g.proj: location has no srid")
	}
	code := srid[strings.LastIndex(srid, ":")+1:]
	epsg, err := strconv.Atoi(code)
	if err != nil {
		return 0, fmt.Errorf("g.proj: invalid srid %q: %w", srid, err)
	}
	return epsg, nil
}

// Env holds the variables of the GRASS session that locate mapsets on disk.
type Env struct {
	GISDBASE     string
	LocationName string
	Mapset       string
}

// Gisenv reads the session variables (`g.gisenv -n`).
func Gisenv(ctx context.Context, r Runner) (Env, error) {
	out, err := r.Read(ctx, "g.gisenv", Flags("n"))
	if err != nil {
		return Env{}, err
	}
	kv := ParseKeyValue(out)
	env := Env{GISDBASE: kv["GISDBASE"], LocationName: kv["LOCATION_NAME"], Mapset: kv["MAPSET"]}
	if env.GISDBASE == "" || env.LocationName == "" || env.Mapset == "" {
		return Env{}, fmt.Errorf("g.gisenv: incomplete session variables %v", kv)
	}
	return env, nil
}

// Element names accepted by FindMap.
const (
	ElementRaster = "raster"
	ElementVector = "vector"
)

// FindMap reports whether a map exists in the search path (`g.findfile`).
// g.findfile exits non-zero when the map is missing, so an error together
// with an empty file= line means "not found", not failure.
func FindMap(ctx context.Context, r Runner, name, element string) (bool, error) {
	out, err := r.Read(ctx, "g.findfile", P("element", element), P("file", name))
	kv := ParseKeyValue(out)
	if kv["file"] != "" {
		return true, nil
	}
	if _, ok := kv["file"]; ok || err == nil {
		return false, nil
	}
	return false, err
}

// RequireMaps returns a fatal error naming the first missing map.
func RequireMaps(ctx context.Context, r Runner, element string, names ...string) error {
	for _, name := range names {
		if name == "" {
			continue
		}
		ok, err := FindMap(ctx, r, name, element)
		if err != nil {
			return err
		}
		if !ok {
			kind := "Raster"
			if element == ElementVector {
				kind = "Vector"
			}
			return model.Fatalf(model.ErrMapNotFound, "%s map <%s> not found", kind, name)
		}
	}
	return nil
}

// RasterResolution returns nsres and ewres of a raster map (`r.info -g`).
func RasterResolution(ctx context.Context, r Runner, raster string) (nsres, ewres float64, err error) {
	out, err := r.Read(ctx, "r.info", P("map", raster), Flags("g"))
	if err != nil {
		return 0, 0, err
	}
	kv := ParseKeyValue(out)
	if nsres, err = floatField(kv, "nsres"); err != nil {
		return 0, 0, fmt.Errorf("r.info %s: %w", raster, err)
	}
	if ewres, err = floatField(kv, "ewres"); err != nil {
		return 0, 0, fmt.Errorf("r.info %s: %w", raster, err)
	}
	return nsres, ewres, nil
}

// Columns returns the attribute column names of a vector map, in table
// order. `v.info -c` prints one "TYPE|name" line per column.
func Columns(ctx context.Context, r Runner, vector string) ([]string, error) {
	out, err := r.Read(ctx, "v.info", P("map", vector), Flags("c"))
	if err != nil {
		return nil, err
	}
	var cols []string
	for _, line := range strings.Split(out, "\n") {
		_, name, ok := strings.Cut(strings.TrimSpace(line), "|")
		if ok && name != "" {
			cols = append(cols, name)
		}
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("v.info %s: no attribute table", vector)
	}
	return cols, nil
}

// RequireAddon checks that an add-on module is installed by running it
// with --help. url is shown in the install hint.
func RequireAddon(ctx context.Context, r Runner, module, url string) error {
	if err := r.Run(ctx, module, Long("help")); err != nil {
		return model.WrapCLIError(model.ExitFatal,
			fmt.Sprintf("The '%s' module was not found, install it first: g.extension %s url=%s", module, module, url),
			fmt.Errorf("%w: %w", model.ErrAddonMissing, err))
	}
	return nil
}
