// Package smp drives the external segmentation-models-pytorch based
// library that trains, tests and applies the tree classification model.
//
// nnpipe never imports the training loop; it hands the library keyword
// arguments and waits for it. The library functions are called as
//
//	smp_lib.smp_train.smp_train(**kwargs)
//	smp_lib.smp_test.smp_test(**kwargs)
//	smp_lib.smp_inference.smp_infer(**kwargs)
//
// either with a local Python interpreter (LocalBackend) or inside a Docker
// image (ContainerBackend). Keyword arguments are the JSON encoding of the
// option structs below; unset values are omitted so the library applies
// its own defaults.
package smp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tidwall/jsonc"

	"github.com/mmr-tortoise/nnpipe/internal/layout"
	"github.com/mmr-tortoise/nnpipe/internal/model"
)

// Defaults of the library options that nnpipe always sets.
const (
	DefaultImgSize    = 512
	DefaultInChannels = 5
	DefaultNumClasses = 2
	DefaultClassNames = "tree,no tree"
)

// TrainOptions are the keyword arguments of smp_train.
type TrainOptions struct {
	// DataDir is the train tree of training preparation, holding
	// train_images, train_masks, val_images and val_masks.
	DataDir string `json:"data_dir,omitempty"`

	// ImgSize is the tile edge length in cells.
	ImgSize int `json:"img_size,omitempty"`

	// InChannels is the number of bands of the stacked tile images,
	// image bands plus the scaled nDSM.
	InChannels int `json:"in_channels,omitempty"`

	// OutClasses is the number of output classes.
	OutClasses int `json:"out_classes,omitempty"`

	// ModelArch, EncoderName and EncoderWeights select the network,
	// e.g. "Unet", "resnet34" and "imagenet".
	ModelArch      string `json:"model_arch,omitempty"`
	EncoderName    string `json:"encoder_name,omitempty"`
	EncoderWeights string `json:"encoder_weights,omitempty"`

	Epochs    int `json:"epochs,omitempty"`
	BatchSize int `json:"batch_size,omitempty"`

	// InputModelPath continues training from a saved model.
	InputModelPath string `json:"input_model_path,omitempty"`

	// OutputModelPath is where the trained model is saved.
	OutputModelPath string `json:"output_model_path,omitempty"`
}

// DefaultTrainOptions returns the options with the required defaults set.
func DefaultTrainOptions() TrainOptions {
	return TrainOptions{ImgSize: DefaultImgSize, InChannels: DefaultInChannels}
}

// Validate checks the required options.
func (o TrainOptions) Validate() error {
	if err := requireDir("data_dir", o.DataDir); err != nil {
		return err
	}
	if o.OutputModelPath == "" {
		return model.Fatalf(model.ErrInvalidOption, "output_model_path is required")
	}
	if o.ImgSize <= 0 || o.InChannels <= 0 {
		return model.Fatalf(model.ErrInvalidOption, "img_size and in_channels must be positive, got %d and %d", o.ImgSize, o.InChannels)
	}
	if o.OutClasses < 0 || o.Epochs < 0 || o.BatchSize < 0 {
		return model.Fatalf(model.ErrInvalidOption, "out_classes, epochs and batch_size must not be negative")
	}
	return nil
}

// TestOptions are the keyword arguments of smp_test.
type TestOptions struct {
	// DataDir holds the images and masks of the evaluated tiles.
	DataDir string `json:"data_dir,omitempty"`

	// InputModelPath is the trained model.
	InputModelPath string `json:"input_model_path,omitempty"`

	NumClasses int `json:"num_classes,omitempty"`

	// ClassNames is a comma separated list, one name per class.
	ClassNames string `json:"class_names,omitempty"`

	// OutputPath receives the test statistics.
	OutputPath string `json:"output_path,omitempty"`
}

// DefaultTestOptions returns the options with the binary tree classes.
func DefaultTestOptions() TestOptions {
	return TestOptions{NumClasses: DefaultNumClasses, ClassNames: DefaultClassNames}
}

// Validate checks the required options.
func (o TestOptions) Validate() error {
	if err := requireDir("data_dir", o.DataDir); err != nil {
		return err
	}
	if o.InputModelPath == "" || o.OutputPath == "" {
		return model.Fatalf(model.ErrInvalidOption, "input_model_path and output_path are required")
	}
	if o.NumClasses < 0 {
		return model.Fatalf(model.ErrInvalidOption, "num_classes must not be negative")
	}
	return nil
}

// ApplyOptions are the keyword arguments of smp_infer. DataDir is the apply
// tree of training preparation; the library reads its apply_images
// directory.
type ApplyOptions struct {
	DataDir string `json:"data_dir,omitempty"`

	// InputModelPath is the trained model.
	InputModelPath string `json:"input_model_path,omitempty"`

	NumClasses int `json:"num_classes,omitempty"`

	// OutputPath receives one classified GeoTIFF per tile.
	OutputPath string `json:"output_path,omitempty"`
}

// DefaultApplyOptions returns the options with the binary tree classes.
func DefaultApplyOptions() ApplyOptions {
	return ApplyOptions{NumClasses: DefaultNumClasses}
}

// Validate checks the required options and the apply_images directory.
func (o ApplyOptions) Validate() error {
	if o.DataDir == "" {
		return model.Fatalf(model.ErrInvalidOption, "data_dir is required")
	}
	if err := requireDir("data_dir", o.imagesDir()); err != nil {
		return err
	}
	if o.InputModelPath == "" || o.OutputPath == "" {
		return model.Fatalf(model.ErrInvalidOption, "input_model_path and output_path are required")
	}
	if o.NumClasses < 0 {
		return model.Fatalf(model.ErrInvalidOption, "num_classes must not be negative")
	}
	return nil
}

func (o ApplyOptions) imagesDir() string {
	return filepath.Join(o.DataDir, layout.ImagesDirName(model.SetApply))
}

// kwargs returns the options as passed to the library.
func (o ApplyOptions) kwargs() ApplyOptions {
	o.DataDir = o.imagesDir()
	return o
}

func requireDir(option, dir string) error {
	if dir == "" {
		return model.Fatalf(model.ErrInvalidOption, "%s is required", option)
	}
	fi, err := os.Stat(dir)
	if err != nil || !fi.IsDir() {
		return model.Fatalf(model.ErrInvalidOption, "%s <%s> is not a directory", option, dir)
	}
	return nil
}

// LoadConfig reads a JSONC hyperparameter file into opts. Keys use the
// library's keyword names; comments and trailing commas are allowed and
// unknown keys are rejected. Fields absent from the file keep their value in opts.
func LoadConfig(path string, opts any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.WrapCLIError(model.ExitFatal, fmt.Sprintf("failed to read config %s", path), err)
	}
	dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(opts); err != nil {
		return model.WrapCLIError(model.ExitFatal, fmt.Sprintf("failed to parse config %s", path),
			fmt.Errorf("%w: %w", model.ErrInvalidOption, err))
	}
	return nil
}
