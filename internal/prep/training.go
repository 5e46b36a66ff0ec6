package prep

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mmr-tortoise/nnpipe/internal/gdal"
	"github.com/mmr-tortoise/nnpipe/internal/labels"
	"github.com/mmr-tortoise/nnpipe/internal/layout"
	"github.com/mmr-tortoise/nnpipe/internal/log"
	"github.com/mmr-tortoise/nnpipe/internal/model"
)

// DefaultValPercentage is the share of labelled tiles used for validation.
const DefaultValPercentage = 20

// TrainingOptions configures stage 2.
type TrainingOptions struct {
	// TrainDir and ApplyDir are the train and apply trees written by
	// stage 1. Either may be empty.
	TrainDir string
	ApplyDir string

	// OutputDir receives the images and masks trees. It must not exist.
	OutputDir string

	// ValPercentage is the share of labelled tiles held back for
	// validation, in [0, 100].
	ValPercentage int

	// Vocabulary maps label classes to mask values.
	Vocabulary model.ClassVocabulary

	// ClassColumn is the label attribute holding the class.
	ClassColumn string

	// NProcs bounds the parallel tile workers. Zero uses all CPUs.
	NProcs int

	// Seed makes the validation split reproducible. Zero uses the clock.
	Seed int64
}

// DefaultTrainingOptions returns the option defaults.
func DefaultTrainingOptions() TrainingOptions {
	return TrainingOptions{
		ValPercentage: DefaultValPercentage,
		Vocabulary:    model.DefaultVocabulary(),
		ClassColumn:   model.DefaultClassColumn,
	}
}

// Validate checks the options.
func (o TrainingOptions) Validate() error {
	switch {
	case o.OutputDir == "":
		return model.Fatalf(model.ErrInvalidOption, "output directory is required")
	case o.TrainDir == "" && o.ApplyDir == "":
		return model.Fatalf(model.ErrInvalidOption, "at least one of the train and apply input directories is required")
	case o.ValPercentage < 0 || o.ValPercentage > 100:
		return model.Fatalf(model.ErrInvalidOption, "validation percentage must be in [0, 100], got %d", o.ValPercentage)
	}
	if err := o.Vocabulary.Validate(); err != nil {
		return model.WrapCLIError(model.ExitFatal, "invalid class values", fmt.Errorf("%w: %w", model.ErrInvalidOption, err))
	}
	return nil
}

// PrepareTraining runs stage 2: it splits the labelled tiles into training
// and validation tiles, builds the stacked VRT of every tile, rasterizes
// the labels and checks that every image has its mask.
func PrepareTraining(ctx context.Context, tools Tools, opts TrainingOptions) error {
	if err := opts.Validate(); err != nil {
		return err
	}

	labelled, err := layout.ScanPreparedTiles(opts.TrainDir, model.SetTrain)
	if err != nil {
		return err
	}
	apply, err := layout.ScanPreparedTiles(opts.ApplyDir, model.SetApply)
	if err != nil {
		return err
	}
	if len(labelled) == 0 && len(apply) == 0 {
		return model.Fatalf(model.ErrNoTiles, "No tiles found in <%s> and <%s>", opts.TrainDir, opts.ApplyDir)
	}

	stage := layout.Stage2{Root: opts.OutputDir}
	if err := stage.Create(); err != nil {
		return err
	}

	train, val := layout.SplitValidation(labelled, opts.ValPercentage, newRand(opts.Seed))
	log.Info(fmt.Sprintf("Selected %d tiles as validation tiles and %d as training tiles.", len(val), len(train)))

	all := make([]layout.PreparedTile, 0, len(train)+len(val)+len(apply))
	all = append(append(append(all, train...), val...), apply...)
	err = RunPool(ctx, opts.NProcs, len(all), func(ctx context.Context, i int) error {
		return buildVRTs(ctx, tools.GDAL, stage, all[i])
	})
	if err != nil {
		return err
	}

	masked := all[:len(train)+len(val)]
	err = RunPool(ctx, opts.NProcs, len(masked), func(ctx context.Context, i int) error {
		t := masked[i]
		info, err := gdal.Info(ctx, tools.GDAL, t.Files.Image)
		if err != nil {
			return err
		}
		return withWorker(ctx, tools.Workspace, workerMapset("labels", t.Name), func(w Worker) error {
			return labels.Rasterize(ctx, w, labels.RasterizeOptions{
				Input:      t.Files.Label,
				Region:     info.Region(),
				Column:     opts.ClassColumn,
				Vocabulary: opts.Vocabulary,
				Output:     stage.MaskPath(t.Kind, t.Name),
			})
		})
	})
	if err != nil {
		return err
	}

	for _, kind := range []model.SetKind{model.SetTrain, model.SetVal} {
		if err := layout.VerifyPairs(stage.ImagesDir(kind), stage.MasksDir(kind)); err != nil {
			return err
		}
	}

	log.Info("Prepare training data done",
		zap.String("train_data_dir", stage.TrainDataDir()),
		zap.String("apply_data_dir", stage.ApplyDataDir()),
		zap.Int("train", len(train)), zap.Int("val", len(val)), zap.Int("apply", len(apply)))
	return nil
}

// buildVRTs writes one single-band VRT per image band and the stacked VRT
// of those bands plus the scaled nDSM.
func buildVRTs(ctx context.Context, r gdal.Runner, stage layout.Stage2, t layout.PreparedTile) error {
	info, err := gdal.Info(ctx, r, t.Files.Image)
	if err != nil {
		return err
	}
	inputs := make([]string, 0, info.Bands+1)
	for n := 1; n <= info.Bands; n++ {
		band := stage.BandPath(t.Kind, t.Name, n)
		if err := gdal.BuildSingleBandVRT(ctx, r, band, t.Files.Image, n); err != nil {
			return err
		}
		inputs = append(inputs, band)
	}
	inputs = append(inputs, t.Files.NDSMScaled)
	if err := gdal.BuildStackVRT(ctx, r, stage.ImagePath(t.Kind, t.Name), inputs); err != nil {
		return err
	}
	log.Debug("built tile VRT", zap.String("tile", t.Name), zap.String("set", t.Kind.String()), zap.Int("bands", len(inputs)))
	return nil
}
