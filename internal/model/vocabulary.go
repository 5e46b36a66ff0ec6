package model

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Default class vocabulary of the tree / no-tree segmentation.
const (
	DefaultClassValue   = 2
	DefaultNoClassValue = 1
	DefaultClassColumn  = "class_number"
)

// ClassVocabulary is the closed set of integer codes a label raster may
// contain: the user supplied classes plus one reserved no-class sentinel.
// Any other value in a label file is a fatal input error.
type ClassVocabulary struct {
	Classes []int `json:"classes" yaml:"classes"`
	NoClass int   `json:"noClass" yaml:"no_class"`
}

// DefaultVocabulary returns the single-class vocabulary used when no class
// values are configured.
func DefaultVocabulary() ClassVocabulary {
	return ClassVocabulary{Classes: []int{DefaultClassValue}, NoClass: DefaultNoClassValue}
}

// ParseClassValues parses a comma separated list such as "2,3,4".
func ParseClassValues(s string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid class value %q: %w", part, err)
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("class values must not be empty")
	}
	return out, nil
}

// Validate checks that the class codes are unique, fit into a Byte raster
// and do not collide with the no-class sentinel.
func (v ClassVocabulary) Validate() error {
	if len(v.Classes) == 0 {
		return fmt.Errorf("class vocabulary: at least one class value is required")
	}
	seen := make(map[int]bool, len(v.Classes))
	for _, c := range append(slices.Clone(v.Classes), v.NoClass) {
		if c < 0 || c > 255 {
			return fmt.Errorf("class vocabulary: value %d out of range (0-255)", c)
		}
	}
	for _, c := range v.Classes {
		if seen[c] {
			return fmt.Errorf("class vocabulary: duplicate class value %d", c)
		}
		seen[c] = true
	}
	if seen[v.NoClass] {
		return fmt.Errorf("class vocabulary: no-class value %d is also a class value", v.NoClass)
	}
	return nil
}

// Allowed reports whether code belongs to the vocabulary.
func (v ClassVocabulary) Allowed(code int) bool {
	return code == v.NoClass || slices.Contains(v.Classes, code)
}

// String renders the vocabulary the way error messages list it:
// "[2,3, 1]" with the no-class value last.
func (v ClassVocabulary) String() string {
	parts := make([]string, len(v.Classes))
	for i, c := range v.Classes {
		parts[i] = strconv.Itoa(c)
	}
	return fmt.Sprintf("[%s, %d]", strings.Join(parts, ","), v.NoClass)
}
