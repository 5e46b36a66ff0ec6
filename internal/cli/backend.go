package cli

import (
	"context"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/mmr-tortoise/nnpipe/internal/docker"
	"github.com/mmr-tortoise/nnpipe/internal/log"
	"github.com/mmr-tortoise/nnpipe/internal/model"
	"github.com/mmr-tortoise/nnpipe/internal/smp"
)

// Values of --backend.
const (
	backendLocal  = "local"
	backendDocker = "docker"
)

// backendFlags select where the network library runs. They are shared by
// train, test and apply.
type backendFlags struct {
	backend string
	image   string
	pull    bool
	keep    bool
	python  string
	libDir  string
	config  string
}

func (b *backendFlags) register(f *pflag.FlagSet) {
	f.StringVar(&b.backend, "backend", backendLocal, "Where the library runs: local, docker")
	f.StringVar(&b.image, "image", os.Getenv(smp.EnvImage), "Docker image with the library (--backend docker)")
	f.BoolVar(&b.pull, "pull", false, "Pull the image before running (--backend docker)")
	f.BoolVar(&b.keep, "keep-container", false, "Keep the library container after it exited; the next run without this flag removes it (--backend docker)")
	f.StringVar(&b.python, "python", os.Getenv(smp.EnvPython), "Python interpreter (--backend local, default python3)")
	f.StringVar(&b.libDir, "smp-lib", os.Getenv(smp.EnvLibDir), "Directory containing the smp_lib package")
	f.StringVar(&b.config, "config", "", "JSONC file with library options; flags given on the command line win")
}

// open returns the selected backend and a function releasing it.
func (b *backendFlags) open(ctx context.Context) (smp.Backend, func(), error) {
	switch b.backend {
	case backendLocal:
		lb := smp.NewLocalBackend()
		lb.Python = b.python
		lb.LibDir = b.libDir
		return lb, func() {}, nil
	case backendDocker:
		c, err := docker.NewClient()
		if err != nil {
			return nil, nil, err
		}
		if err := c.Ping(ctx); err != nil {
			_ = c.Close()
			return nil, nil, err
		}
		log.Debug("Connected to Docker daemon")
		return b.container(c.Inner()), func() { _ = c.Close() }, nil
	}
	return nil, nil, model.Fatalf(model.ErrInvalidOption, "invalid backend %q, allowed are local, docker", b.backend)
}

func (b *backendFlags) container(api docker.API) *smp.ContainerBackend {
	return &smp.ContainerBackend{
		API:    api,
		Image:  b.image,
		LibDir: b.libDir,
		Pull:   b.pull,
		Keep:   b.keep,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
}

// override copies the value of one flag from the flag-bound options.
type override[T any] struct {
	flag  string
	apply func(dst *T, src T)
}

// resolveOptions returns the options of a library call. Without a config
// file these are the flag values. With one, the config is loaded over the
// defaults and only flags set on the command line are applied on top.
func resolveOptions[T any](cmd *cobra.Command, config string, def, flagged T, overrides []override[T]) (T, error) {
	if config == "" {
		return flagged, nil
	}
	opts := def
	if err := smp.LoadConfig(config, &opts); err != nil {
		return opts, err
	}
	for _, o := range overrides {
		if cmd.Flags().Changed(o.flag) {
			o.apply(&opts, flagged)
		}
	}
	return opts, nil
}
