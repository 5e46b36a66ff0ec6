package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/nnpipe/internal/smp"
)

var trainOverrides = []override[smp.TrainOptions]{
	{"data-dir", func(d *smp.TrainOptions, s smp.TrainOptions) { d.DataDir = s.DataDir }},
	{"img-size", func(d *smp.TrainOptions, s smp.TrainOptions) { d.ImgSize = s.ImgSize }},
	{"in-channels", func(d *smp.TrainOptions, s smp.TrainOptions) { d.InChannels = s.InChannels }},
	{"out-classes", func(d *smp.TrainOptions, s smp.TrainOptions) { d.OutClasses = s.OutClasses }},
	{"model-arch", func(d *smp.TrainOptions, s smp.TrainOptions) { d.ModelArch = s.ModelArch }},
	{"encoder-name", func(d *smp.TrainOptions, s smp.TrainOptions) { d.EncoderName = s.EncoderName }},
	{"encoder-weights", func(d *smp.TrainOptions, s smp.TrainOptions) { d.EncoderWeights = s.EncoderWeights }},
	{"epochs", func(d *smp.TrainOptions, s smp.TrainOptions) { d.Epochs = s.Epochs }},
	{"batch-size", func(d *smp.TrainOptions, s smp.TrainOptions) { d.BatchSize = s.BatchSize }},
	{"input-model", func(d *smp.TrainOptions, s smp.TrainOptions) { d.InputModelPath = s.InputModelPath }},
	{"output-model", func(d *smp.TrainOptions, s smp.TrainOptions) { d.OutputModelPath = s.OutputModelPath }},
}

// NewTrainCommand creates the "train" command.
func NewTrainCommand() *cobra.Command {
	opts := smp.DefaultTrainOptions()
	backend := &backendFlags{}

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train the classification model",
		Long: `Train a segmentation model on the train tree written by preparetraining.
Options left unset are chosen by the library.

Examples:
  nnpipe train --data-dir /data/out/training/train --output-model /data/models/trees.pth
  nnpipe train --config train.jsonc --epochs 50 --backend docker --image nnpipe/smp:latest`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resolved, err := resolveOptions(cmd, backend.config, smp.DefaultTrainOptions(), opts, trainOverrides)
			if err != nil {
				return err
			}
			return runTrain(cmd.Context(), backend, resolved)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.DataDir, "data-dir", "", "Train tree written by preparetraining")
	f.IntVar(&opts.ImgSize, "img-size", opts.ImgSize, "Tile size in cells")
	f.IntVar(&opts.InChannels, "in-channels", opts.InChannels, "Number of image bands")
	f.IntVar(&opts.OutClasses, "out-classes", 0, "Number of output classes")
	f.StringVar(&opts.ModelArch, "model-arch", "", "Model architecture, e.g. UNet")
	f.StringVar(&opts.EncoderName, "encoder-name", "", "Encoder, e.g. resnet34")
	f.StringVar(&opts.EncoderWeights, "encoder-weights", "", "Pretrained encoder weights, e.g. imagenet")
	f.IntVar(&opts.Epochs, "epochs", 0, "Number of training epochs")
	f.IntVar(&opts.BatchSize, "batch-size", 0, "Batch size")
	f.StringVar(&opts.InputModelPath, "input-model", "", "Model to fine-tune")
	f.StringVar(&opts.OutputModelPath, "output-model", "", "Path of the trained model")
	backend.register(f)

	return cmd
}

func runTrain(ctx context.Context, backend *backendFlags, opts smp.TrainOptions) error {
	b, release, err := backend.open(ctx)
	if err != nil {
		return err
	}
	defer release()
	return smp.Train(ctx, b, opts)
}
