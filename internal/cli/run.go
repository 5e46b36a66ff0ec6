package cli

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/mmr-tortoise/nnpipe/internal/model"
	"github.com/mmr-tortoise/nnpipe/internal/pipeline"
)

type runFlags struct {
	record string
	dryRun bool
}

// NewRunCommand creates the "run" command.
func NewRunCommand(g *globalFlags) *cobra.Command {
	flags := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run <pipeline.yaml>",
		Short: "Run the stages of a pipeline file",
		Long: `Run the nnpipe commands listed in a YAML pipeline file one after another.
The first failing stage stops the run. Global flags are passed on to
every stage.

Examples:
  nnpipe run pipeline.yaml
  nnpipe run pipeline.yaml --record /data/out/run.yaml
  nnpipe run pipeline.yaml --dry-run`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd.Context(), g, flags, args[0], cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&flags.record, "record", "", "Write a YAML record of the run to this file")
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "Print the stage command lines without running them")

	return cmd
}

func runPipeline(ctx context.Context, g *globalFlags, flags *runFlags, path string, out io.Writer) (err error) {
	p, err := pipeline.Load(path)
	if err != nil {
		return err
	}

	exec := stageExec(g)
	if flags.dryRun {
		exec = func(_ context.Context, argv []string) error {
			if err := checkStage(argv); err != nil {
				return err
			}
			_, err := fmt.Fprintln(out, "nnpipe "+strings.Join(argv, " "))
			return err
		}
	}

	rec, err := pipeline.Run(ctx, p, exec)
	if flags.record != "" && !flags.dryRun {
		err = multierr.Append(err, pipeline.WriteRecord(flags.record, rec))
	}
	return err
}

// stageExec runs a stage on a fresh command tree carrying the global
// flags of this invocation.
func stageExec(g *globalFlags) pipeline.Exec {
	return func(ctx context.Context, argv []string) error {
		if err := checkStage(argv); err != nil {
			return err
		}
		root := NewRootCommand()
		root.SetArgs(slices.Concat(argv, g.args()))
		return root.ExecuteContext(ctx)
	}
}

func checkStage(argv []string) error {
	if len(argv) > 0 && argv[0] == "run" {
		return model.Fatalf(model.ErrInvalidOption, "pipelines cannot run other pipelines")
	}
	return nil
}
