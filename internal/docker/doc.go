// Package docker runs the neural-network library in a one-shot container
// through the Docker Engine API.
//
// NewClient finds the engine (DOCKER_HOST, the system socket, rootless
// Docker or Podman). Run pulls the image, creates the container with its
// bind mounts and nnpipe labels, streams the logs and returns the exit
// code once the container is removed.
package docker
