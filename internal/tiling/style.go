package tiling

import (
	_ "embed"
	"fmt"
	"os"
)

// indexStyle colours the tile index by its training attribute and labels
// every tile with its name.
//
//go:embed tindex.qml
var indexStyle []byte

// WriteIndexStyle writes the QGIS layer style of the tile index to path.
// QGIS loads it automatically when the style sits next to the index and
// shares its base name.
func WriteIndexStyle(path string) error {
	if err := os.WriteFile(path, indexStyle, 0o644); err != nil {
		return fmt.Errorf("write tile index style: %w", err)
	}
	return nil
}
