package smp

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/mmr-tortoise/nnpipe/internal/log"
)

// Library entry points.
const (
	trainModule = "smp_lib.smp_train"
	testModule  = "smp_lib.smp_test"
	inferModule = "smp_lib.smp_inference"
)

// Train trains a model on the train tree of training preparation and
// saves it to OutputModelPath. InputModelPath, when set, is fine-tuned.
func Train(ctx context.Context, b Backend, opts TrainOptions) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	if err := absPaths(&opts.DataDir, &opts.InputModelPath, &opts.OutputModelPath); err != nil {
		return err
	}

	log.Info("Training classification model...")
	err := b.Call(ctx, Call{
		Stage:    "train",
		Module:   trainModule,
		Function: "smp_train",
		Kwargs:   opts,
		Inputs:   nonEmpty(opts.DataDir, opts.InputModelPath),
		Outputs:  []string{opts.OutputModelPath},
	})
	if err != nil {
		return err
	}
	log.Info(fmt.Sprintf("Classification model is trained and saved to %s.", opts.OutputModelPath))
	return nil
}

// Test evaluates a model on the validation tiles and writes statistics
// to OutputPath.
func Test(ctx context.Context, b Backend, opts TestOptions) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	if err := absPaths(&opts.DataDir, &opts.InputModelPath, &opts.OutputPath); err != nil {
		return err
	}

	log.Info("Testing classification model...")
	err := b.Call(ctx, Call{
		Stage:    "test",
		Module:   testModule,
		Function: "smp_test",
		Kwargs:   opts,
		Inputs:   []string{opts.DataDir, opts.InputModelPath},
		Outputs:  []string{opts.OutputPath},
	})
	if err != nil {
		return err
	}
	log.Info(fmt.Sprintf("Testing the model with the %d classes %s completed. Statistics are stored under %s.",
		opts.NumClasses, opts.ClassNames, opts.OutputPath))
	return nil
}

// Apply runs inference on the apply_images of DataDir and writes the
// classified tiles to OutputPath.
func Apply(ctx context.Context, b Backend, opts ApplyOptions) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	if err := absPaths(&opts.DataDir, &opts.InputModelPath, &opts.OutputPath); err != nil {
		return err
	}

	log.Info("Applying classification model...")
	err := b.Call(ctx, Call{
		Stage:    "apply",
		Module:   inferModule,
		Function: "smp_infer",
		Kwargs:   opts.kwargs(),
		Inputs:   []string{opts.DataDir, opts.InputModelPath},
		Outputs:  []string{opts.OutputPath},
	})
	if err != nil {
		return err
	}
	log.Info(fmt.Sprintf("Applying model completed. Results in %s.", opts.OutputPath))
	return nil
}

// absPaths makes the non-empty paths absolute. The library may run with a
// different working directory.
func absPaths(paths ...*string) error {
	for _, p := range paths {
		if *p == "" {
			continue
		}
		abs, err := filepath.Abs(*p)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", *p, err)
		}
		*p = abs
	}
	return nil
}

func nonEmpty(paths ...string) []string {
	var out []string
	for _, p := range paths {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
