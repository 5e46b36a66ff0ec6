// Package model defines the domain types and value objects for nnpipe.
//
// This package contains pure data structures with no external dependencies:
// tile identities and naming, the dataset split kinds, computational regions
// and the closed class vocabulary of label rasters. Everything that is
// persisted lives on disk in the directory convention described by the
// layout package; these types are reconstructed from file names and
// GRASS command output at runtime.
//
// The package also defines exit codes (ExitCode), the error type carried up
// to the CLI (CLIError) and the sentinel errors that callers match with
// errors.Is.
package model
