// Package cli implements the cobra-based commands of nnpipe.
//
// Each subcommand lives in its own file. This file defines the root
// command, the global flags and the mapping of errors to exit codes.
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/nnpipe/internal/grass"
	"github.com/mmr-tortoise/nnpipe/internal/log"
	"github.com/mmr-tortoise/nnpipe/internal/model"
)

// globalFlags are the persistent flags of the root command.
type globalFlags struct {
	// jsonOutput switches log and error output to JSON.
	jsonOutput bool

	// verbose enables debug logging, including every GRASS module call.
	verbose bool

	// gisrc overrides the GISRC file of the GRASS session.
	gisrc string
}

// session returns the GRASS session selected by --gisrc.
func (g *globalFlags) session() *grass.Session {
	return grass.NewSession(g.gisrc)
}

// args renders the flags so a nested invocation inherits them.
func (g *globalFlags) args() []string {
	out := []string{
		"--json=" + strconv.FormatBool(g.jsonOutput),
		"--verbose=" + strconv.FormatBool(g.verbose),
	}
	if g.gisrc != "" {
		out = append(out, "--gisrc="+g.gisrc)
	}
	return out
}

// Set at build time via ldflags from the main package.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// NewRootCommand creates the root command with every subcommand.
func NewRootCommand() *cobra.Command {
	g := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "nnpipe",
		Short: "Neural network tree classification workflow for GRASS GIS",
		Long: `nnpipe prepares GRASS GIS raster data for a segmentation network,
trains, tests and applies the network and turns its output back into
clean GRASS raster and vector maps.

Run the commands inside a GRASS session (GISRC set) or pass --gisrc.`,

		SilenceUsage:  true,
		SilenceErrors: true,

		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, Date),

		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log.Init(g.verbose, g.jsonOutput)
		},
	}

	rootCmd.PersistentFlags().BoolVar(&g.jsonOutput, "json", false, "Write log and error output as JSON")
	rootCmd.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "Enable debug output")
	rootCmd.PersistentFlags().StringVar(&g.gisrc, "gisrc", "", "GISRC file of the GRASS session (default: $GISRC)")

	rootCmd.AddCommand(NewImportCommand(g))
	rootCmd.AddCommand(NewPrepareDataCommand(g))
	rootCmd.AddCommand(NewPrepareTrainingCommand(g))
	rootCmd.AddCommand(NewTrainCommand())
	rootCmd.AddCommand(NewTestCommand())
	rootCmd.AddCommand(NewApplyCommand())
	rootCmd.AddCommand(NewPostprocessCommand(g))
	rootCmd.AddCommand(NewRunCommand(g))

	return rootCmd
}

// Execute runs the root command and exits with the code of the error.
func Execute(rootCmd *cobra.Command) {
	err := rootCmd.Execute()
	log.Sync()
	if err != nil {
		os.Exit(int(reportError(os.Stderr, err, jsonOutput(rootCmd))))
	}
}

// jsonOutput reports whether --json was given to rootCmd.
func jsonOutput(rootCmd *cobra.Command) bool {
	v, err := rootCmd.PersistentFlags().GetBool("json")
	return err == nil && v
}

// reportError prints err once and returns the exit code.
func reportError(w io.Writer, err error, jsonOutput bool) model.ExitCode {
	message, detail, code := err.Error(), "", model.ExitFatal
	var cliErr *model.CLIError
	if errors.As(err, &cliErr) {
		message, code = cliErr.Message, cliErr.Code
		if cliErr.Err != nil {
			detail = cliErr.Err.Error()
		}
	}
	if code == model.ExitSuccess {
		code = model.ExitFatal
	}
	printError(w, message, detail, jsonOutput)
	return code
}

func printError(w io.Writer, message, detail string, jsonOutput bool) {
	if jsonOutput {
		errObj := map[string]any{"message": message}
		if detail != "" {
			errObj["detail"] = detail
		}
		data, _ := json.MarshalIndent(map[string]any{"error": errObj}, "", "  ")
		fmt.Fprintln(w, string(data))
		return
	}
	if detail != "" {
		fmt.Fprintf(w, "ERROR: %s: %s\n", message, detail)
	} else {
		fmt.Fprintf(w, "ERROR: %s\n", message)
	}
}
