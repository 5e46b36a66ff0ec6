package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/nnpipe/internal/model"
	"github.com/mmr-tortoise/nnpipe/internal/prep"
)

type prepareTrainingFlags struct {
	classValues string
}

// NewPrepareTrainingCommand creates the "preparetraining" command (stage 2).
func NewPrepareTrainingCommand(g *globalFlags) *cobra.Command {
	opts := prep.DefaultTrainingOptions()
	flags := &prepareTrainingFlags{}

	cmd := &cobra.Command{
		Use:   "preparetraining",
		Short: "Build the image and mask trees from the labelled tiles",
		Long: `Read the tile directories written by preparedata after the labels were
edited, split the training tiles into training and validation tiles, stack
the image bands and the nDSM and rasterize the labels into masks.

Every label must carry one of --class-values or --no-class-value in the
class column; other values stop the run.

Examples:
  nnpipe preparetraining --train-dir /data/out/tiles/train \
    --apply-dir /data/out/tiles/apply --output /data/out/training
  nnpipe preparetraining --train-dir /data/out/tiles/train \
    --class-values 2,3 --no-class-value 1 --val-percentage 10 --output /data/out/training`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPrepareTraining(cmd.Context(), g, opts, flags)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.TrainDir, "train-dir", "", "Training tile tree written by preparedata")
	f.StringVar(&opts.ApplyDir, "apply-dir", "", "Apply tile tree written by preparedata")
	f.StringVar(&opts.OutputDir, "output", "", "Output directory, must not exist")
	f.IntVar(&opts.ValPercentage, "val-percentage", opts.ValPercentage, "Percentage of training tiles used for validation")
	f.StringVar(&flags.classValues, "class-values", fmt.Sprint(model.DefaultClassValue), "Allowed class codes, comma separated")
	f.IntVar(&opts.Vocabulary.NoClass, "no-class-value", opts.Vocabulary.NoClass, "Code of labelled areas without class")
	f.StringVar(&opts.ClassColumn, "class-column", opts.ClassColumn, "Attribute column holding the class codes")
	f.IntVar(&opts.NProcs, "nprocs", prep.DefaultProcs(), "Number of parallel tile jobs")
	f.Int64Var(&opts.Seed, "seed", 0, "Seed of the validation split, 0 uses the clock")

	return cmd
}

func runPrepareTraining(ctx context.Context, g *globalFlags, opts prep.TrainingOptions, flags *prepareTrainingFlags) error {
	classes, err := model.ParseClassValues(flags.classValues)
	if err != nil {
		return model.WrapCLIError(model.ExitFatal, "invalid --class-values", fmt.Errorf("%w: %w", model.ErrInvalidOption, err))
	}
	opts.Vocabulary.Classes = classes
	return prep.PrepareTraining(ctx, prep.NewTools(g.session()), opts)
}
