package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/nnpipe/internal/smp"
)

var testOverrides = []override[smp.TestOptions]{
	{"data-dir", func(d *smp.TestOptions, s smp.TestOptions) { d.DataDir = s.DataDir }},
	{"input-model", func(d *smp.TestOptions, s smp.TestOptions) { d.InputModelPath = s.InputModelPath }},
	{"num-classes", func(d *smp.TestOptions, s smp.TestOptions) { d.NumClasses = s.NumClasses }},
	{"class-names", func(d *smp.TestOptions, s smp.TestOptions) { d.ClassNames = s.ClassNames }},
	{"output", func(d *smp.TestOptions, s smp.TestOptions) { d.OutputPath = s.OutputPath }},
}

// NewTestCommand creates the "test" command.
func NewTestCommand() *cobra.Command {
	opts := smp.DefaultTestOptions()
	backend := &backendFlags{}

	cmd := &cobra.Command{
		Use:   "test",
		Short: "Evaluate the classification model on the validation tiles",
		Long: `Evaluate a trained model on the validation tiles and write the accuracy
statistics to --output.

Example:
  nnpipe test --data-dir /data/out/training/train --input-model /data/models/trees.pth \
    --output /data/out/stats`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resolved, err := resolveOptions(cmd, backend.config, smp.DefaultTestOptions(), opts, testOverrides)
			if err != nil {
				return err
			}
			return runTest(cmd.Context(), backend, resolved)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.DataDir, "data-dir", "", "Train tree written by preparetraining")
	f.StringVar(&opts.InputModelPath, "input-model", "", "Trained model")
	f.IntVar(&opts.NumClasses, "num-classes", opts.NumClasses, "Number of classes")
	f.StringVar(&opts.ClassNames, "class-names", opts.ClassNames, "Class names, comma separated")
	f.StringVar(&opts.OutputPath, "output", "", "Directory of the statistics")
	backend.register(f)

	return cmd
}

func runTest(ctx context.Context, backend *backendFlags, opts smp.TestOptions) error {
	b, release, err := backend.open(ctx)
	if err != nil {
		return err
	}
	defer release()
	return smp.Test(ctx, b, opts)
}
