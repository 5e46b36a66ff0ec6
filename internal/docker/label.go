package docker

import (
	"fmt"
	"strings"
	"time"
)

// Label keys put on every container nnpipe starts. They share the "nnpipe."
// prefix so `docker ps --filter label=nnpipe.managed-by` finds them.
const (
	// LabelPrefix is the common prefix for all nnpipe labels.
	LabelPrefix = "nnpipe."

	// LabelManagedBy marks containers started by nnpipe.
	LabelManagedBy = LabelPrefix + "managed-by"

	// LabelStage is the pipeline stage, e.g. "train" or "apply".
	LabelStage = LabelPrefix + "stage"

	// LabelFunction is the library entry point the container runs.
	LabelFunction = LabelPrefix + "function"

	// LabelStartedAt is the RFC3339 start time.
	LabelStartedAt = LabelPrefix + "started-at"
)

// ManagedByValue is the value of LabelManagedBy.
const ManagedByValue = "nnpipe"

// RunInfo is the metadata stored in the labels of a library container.
type RunInfo struct {
	Stage     string
	Function  string
	StartedAt time.Time
}

// BuildLabels returns the labels of a library container.
func BuildLabels(info RunInfo) map[string]string {
	return map[string]string{
		LabelManagedBy: ManagedByValue,
		LabelStage:     info.Stage,
		LabelFunction:  info.Function,
		LabelStartedAt: info.StartedAt.UTC().Format(time.RFC3339),
	}
}

// ParseLabels reads RunInfo back from container labels. It fails for
// containers not started by nnpipe.
func ParseLabels(labels map[string]string) (RunInfo, error) {
	if labels[LabelManagedBy] != ManagedByValue {
		return RunInfo{}, fmt.Errorf("container is not managed by %s", ManagedByValue)
	}
	info := RunInfo{Stage: labels[LabelStage], Function: labels[LabelFunction]}
	if info.Stage == "" || info.Function == "" {
		return RunInfo{}, fmt.Errorf("missing label %s or %s", LabelStage, LabelFunction)
	}
	if v := labels[LabelStartedAt]; v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return RunInfo{}, fmt.Errorf("invalid %s label %q: %w", LabelStartedAt, v, err)
		}
		info.StartedAt = t
	}
	return info, nil
}

// FilterLabels returns the labels with the nnpipe prefix.
func FilterLabels(labels map[string]string) map[string]string {
	out := make(map[string]string)
	for k, v := range labels {
		if strings.HasPrefix(k, LabelPrefix) {
			out[k] = v
		}
	}
	return out
}
