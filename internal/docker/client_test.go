package docker

import (
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmr-tortoise/nnpipe/internal/model"
)

func TestSocketCandidates(t *testing.T) {
	assert.Equal(t, []string{
		"/var/run/docker.sock",
		"/run/user/1000/docker.sock",
		"/run/user/1000/podman/podman.sock",
	}, socketCandidates("linux", "/home/gis", "/run/user/1000"))
	assert.Equal(t, []string{"/var/run/docker.sock"}, socketCandidates("linux", "/home/gis", ""))
	assert.Equal(t, []string{
		"/var/run/docker.sock",
		"/Users/gis/.docker/run/docker.sock",
	}, socketCandidates("darwin", "/Users/gis", ""))
	assert.Empty(t, socketCandidates("plan9", "", ""))
}

func TestFirstSocket(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "docker.sock")
	l, err := net.Listen("unix", sock)
	require.NoError(t, err)
	defer l.Close()

	host, err := firstSocket([]string{filepath.Join(dir, "missing.sock"), sock})
	require.NoError(t, err)
	assert.Equal(t, "unix://"+sock, host)

	_, err = firstSocket([]string{filepath.Join(dir, "missing.sock")})
	assert.ErrorContains(t, err, "is Docker running?")
}

func TestNewClient_DockerHost(t *testing.T) {
	t.Setenv("DOCKER_HOST", "tcp://127.0.0.1:2375")
	c, err := NewClient()
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, "tcp://127.0.0.1:2375", c.Host())

	t.Setenv("DOCKER_HOST", "not a host")
	_, err = NewClient()
	assert.ErrorIs(t, err, model.ErrDockerUnavailable)
}
