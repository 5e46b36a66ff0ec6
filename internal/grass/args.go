package grass

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Arg is a single command-line argument of a GRASS module: either a
// key=value option, a group of single-letter flags (-mc) or a long flag
// (--overwrite).
type Arg struct {
	key   string
	value string
	flags string
	long  string
}

// P builds a key=value option. Slices are joined with commas, floats are
// written without exponent and without trailing zeros.
func P(key string, value any) Arg {
	return Arg{key: key, value: FormatValue(value)}
}

// Flags builds a flag group such as Flags("mc") → "-mc".
func Flags(f string) Arg {
	return Arg{flags: f}
}

// Long builds a long flag such as Long("overwrite") → "--overwrite".
func Long(name string) Arg {
	return Arg{long: name}
}

var (
	// Overwrite allows a module to replace existing output maps.
	Overwrite = Long("overwrite")

	// Quiet suppresses the module's progress output.
	Quiet = Long("quiet")
)

// String renders the argument as passed on the command line.
func (a Arg) String() string {
	switch {
	case a.long != "":
		return "--" + a.long
	case a.flags != "":
		return "-" + a.flags
	default:
		return a.key + "=" + a.value
	}
}

// Render converts a list of arguments to the argv of a module call.
// Options without a value are skipped, mirroring how the Python scripting
// layer drops None arguments.
func Render(args []Arg) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		if a.key != "" && a.value == "" {
			continue
		}
		if a.key == "" && a.flags == "" && a.long == "" {
			continue
		}
		out = append(out, a.String())
	}
	return out
}

// FormatValue renders a Go value in the textual form GRASS expects.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		if x {
			return "yes"
		}
		return "no"
	case []string:
		return strings.Join(x, ",")
	case []int:
		parts := make([]string, len(x))
		for i, n := range x {
			parts[i] = strconv.Itoa(n)
		}
		return strings.Join(parts, ",")
	case []float64:
		parts := make([]string, len(x))
		for i, f := range x {
			parts[i] = strconv.FormatFloat(f, 'f', -1, 64)
		}
		return strings.Join(parts, ",")
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

// TempName returns a unique map name that is a valid GRASS identifier:
// the prefix, an underscore and twelve hex characters.
func TempName(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + "_" + id[:12]
}

// Qualified appends "@mapset" to name unless it is already qualified.
// Workers running in a temporary mapset reference input maps this way.
func Qualified(name, mapset string) string {
	if name == "" || mapset == "" || strings.Contains(name, "@") {
		return name
	}
	return name + "@" + mapset
}
