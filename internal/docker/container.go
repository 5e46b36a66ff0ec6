package docker

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"

	"github.com/mmr-tortoise/nnpipe/internal/log"
	"github.com/mmr-tortoise/nnpipe/internal/model"
)

// API is the part of the Docker SDK client Run uses.
type API interface {
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
}

// RunSpec describes a one-shot container.
type RunSpec struct {
	Image string
	Cmd   []string
	Env   []string

	// Binds are host:container[:ro] mounts.
	Binds []string

	WorkingDir string
	Labels     map[string]string

	// User is "uid:gid" inside the container. Empty uses the image default.
	User string

	// Pull pulls the image before creating the container.
	Pull bool

	// Keep leaves the container in place after it exited. Prune removes
	// it later.
	Keep bool
}

// Run creates and starts a container, copies its output to stdout and
// stderr while it runs and returns its exit code. The container is
// removed afterwards unless spec.Keep is set.
func Run(ctx context.Context, api API, spec RunSpec, stdout, stderr io.Writer) (exitCode int64, err error) {
	if spec.Pull {
		if err := pullImage(ctx, api, spec.Image); err != nil {
			return 0, err
		}
	}

	created, err := api.ContainerCreate(ctx,
		&container.Config{
			Image:      spec.Image,
			Cmd:        spec.Cmd,
			Env:        spec.Env,
			WorkingDir: spec.WorkingDir,
			Labels:     spec.Labels,
			User:       spec.User,
		},
		&container.HostConfig{Binds: spec.Binds},
		nil, nil, "")
	if err != nil {
		return 0, model.WrapCLIError(model.ExitFatal,
			fmt.Sprintf("failed to create container from image %q", spec.Image), err)
	}
	id := created.ID
	for _, w := range created.Warnings {
		log.Warn("docker: "+w, zap.String("container", shortID(id)))
	}

	if spec.Keep {
		defer log.Info("container kept", zap.String("container", shortID(id)))
	} else {
		defer func() {
			rmErr := api.ContainerRemove(context.WithoutCancel(ctx), id, container.RemoveOptions{Force: true})
			if rmErr != nil {
				log.Warn("failed to remove container", zap.String("container", shortID(id)), zap.Error(rmErr))
			}
		}()
	}

	if err := api.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return 0, model.WrapCLIError(model.ExitFatal,
			fmt.Sprintf("failed to start container %q", shortID(id)), err)
	}
	log.Debug("container started", zap.String("container", shortID(id)), zap.String("image", spec.Image))

	logs, err := api.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true, Follow: true})
	if err != nil {
		return 0, model.WrapCLIError(model.ExitFatal,
			fmt.Sprintf("failed to attach to container %q", shortID(id)), err)
	}
	copied := make(chan error, 1)
	go func() {
		defer logs.Close()
		_, err := stdcopy.StdCopy(stdout, stderr, logs)
		copied <- err
	}()

	waitCh, errCh := api.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case res := <-waitCh:
		if err := <-copied; err != nil {
			log.Warn("incomplete container log", zap.String("container", shortID(id)), zap.Error(err))
		}
		if res.Error != nil {
			return res.StatusCode, model.WrapCLIError(model.ExitFatal,
				fmt.Sprintf("container %q failed", shortID(id)), fmt.Errorf("%s", res.Error.Message))
		}
		return res.StatusCode, nil
	case err := <-errCh:
		return 0, model.WrapCLIError(model.ExitFatal,
			fmt.Sprintf("failed waiting for container %q", shortID(id)), err)
	}
}

// pullImage pulls ref and discards the progress stream.
func pullImage(ctx context.Context, api API, ref string) error {
	log.Info("pulling image", zap.String("image", ref))
	rc, err := api.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return model.WrapCLIError(model.ExitFatal, fmt.Sprintf("failed to pull image %q", ref), err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return model.WrapCLIError(model.ExitFatal, fmt.Sprintf("failed to pull image %q", ref), err)
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
