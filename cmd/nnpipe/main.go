// Package main is the entry point of the nnpipe CLI. All commands live in
// internal/cli.
package main

import (
	"github.com/mmr-tortoise/nnpipe/internal/cli"
)

// Set by the release build via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cli.Version = version
	cli.Commit = commit
	cli.Date = date

	cli.Execute(cli.NewRootCommand())
}
