package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/nnpipe/internal/smp"
)

var applyOverrides = []override[smp.ApplyOptions]{
	{"data-dir", func(d *smp.ApplyOptions, s smp.ApplyOptions) { d.DataDir = s.DataDir }},
	{"input-model", func(d *smp.ApplyOptions, s smp.ApplyOptions) { d.InputModelPath = s.InputModelPath }},
	{"num-classes", func(d *smp.ApplyOptions, s smp.ApplyOptions) { d.NumClasses = s.NumClasses }},
	{"output", func(d *smp.ApplyOptions, s smp.ApplyOptions) { d.OutputPath = s.OutputPath }},
}

// NewApplyCommand creates the "apply" command.
func NewApplyCommand() *cobra.Command {
	opts := smp.DefaultApplyOptions()
	backend := &backendFlags{}

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Classify the apply tiles with a trained model",
		Long: `Run the trained model on the apply_images of the apply tree and write one
classified GeoTIFF per tile to --output. Patch them with
"nnpipe postprocess patch".

Example:
  nnpipe apply --data-dir /data/out/training/apply --input-model /data/models/trees.pth \
    --output /data/out/classified`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resolved, err := resolveOptions(cmd, backend.config, smp.DefaultApplyOptions(), opts, applyOverrides)
			if err != nil {
				return err
			}
			return runApply(cmd.Context(), backend, resolved)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.DataDir, "data-dir", "", "Apply tree written by preparetraining")
	f.StringVar(&opts.InputModelPath, "input-model", "", "Trained model")
	f.IntVar(&opts.NumClasses, "num-classes", opts.NumClasses, "Number of classes")
	f.StringVar(&opts.OutputPath, "output", "", "Directory of the classified tiles")
	backend.register(f)

	return cmd
}

func runApply(ctx context.Context, backend *backendFlags, opts smp.ApplyOptions) error {
	b, release, err := backend.open(ctx)
	if err != nil {
		return err
	}
	defer release()
	return smp.Apply(ctx, b, opts)
}
