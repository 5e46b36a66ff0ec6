package docker

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/mmr-tortoise/nnpipe/internal/log"
	"github.com/mmr-tortoise/nnpipe/internal/model"
)

// Prune removes the stopped containers nnpipe left behind, usually runs
// with RunSpec.Keep. Running containers are never touched, so concurrent
// invocations are safe. It returns the metadata of the removed containers.
func Prune(ctx context.Context, api API) ([]RunInfo, error) {
	containers, err := api.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", LabelManagedBy+"="+ManagedByValue),
			filters.Arg("status", "exited"),
			filters.Arg("status", "dead"),
		),
	})
	if err != nil {
		return nil, model.WrapCLIError(model.ExitFatal, "failed to list nnpipe containers", err)
	}

	var removed []RunInfo
	var errs error
	for _, c := range containers {
		id := shortID(c.ID)
		info, err := ParseLabels(c.Labels)
		if err != nil {
			log.Debug("skipping container", zap.String("container", id), zap.Error(err))
			continue
		}
		if err := api.ContainerRemove(ctx, c.ID, container.RemoveOptions{}); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("remove container %s: %w", id, err))
			continue
		}
		log.Info("removed stale container",
			zap.String("container", id),
			zap.String("stage", info.Stage),
			zap.Time("started", info.StartedAt),
			zap.Any("labels", FilterLabels(c.Labels)))
		removed = append(removed, info)
	}
	return removed, errs
}
