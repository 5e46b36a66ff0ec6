package docker

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/mmr-tortoise/nnpipe/internal/log"
	"github.com/mmr-tortoise/nnpipe/internal/model"
)

// pingTimeout bounds the wait for the daemon in Ping.
const pingTimeout = 5 * time.Second

const windowsPipe = `//./pipe/docker_engine`

// Client is a connection to a Docker or Podman engine used for the
// container backend.
//
//	c, err := docker.NewClient()
//	if err != nil { ... }
//	defer c.Close()
//	if err := c.Ping(ctx); err != nil { ... }
type Client struct {
	inner *client.Client
	host  string
}

// NewClient connects to the engine. DOCKER_HOST and the other DOCKER_*
// variables are honoured when set; otherwise the first existing socket of
// socketCandidates is used. Errors wrap model.ErrDockerUnavailable.
func NewClient() (*Client, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	host := os.Getenv("DOCKER_HOST")
	if host != "" {
		opts = append(opts, client.FromEnv)
	} else {
		var err error
		if host, err = detectHost(); err != nil {
			return nil, unavailable("no Docker socket found", err)
		}
		opts = append(opts, client.WithHost(host))
	}

	c, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, unavailable(fmt.Sprintf("cannot create Docker client for %s", host), err)
	}
	log.Debug("Docker engine selected", zap.String("host", host))
	return &Client{inner: c, host: host}, nil
}

// Host returns the engine address in use.
func (c *Client) Host() string { return c.host }

func unavailable(msg string, err error) error {
	return model.WrapCLIError(model.ExitFatal, msg, fmt.Errorf("%w: %w", model.ErrDockerUnavailable, err))
}

// socketCandidates lists the engine sockets tried on goos, in order:
// the system socket, the rootless Docker socket and the Podman socket.
func socketCandidates(goos, home, runtimeDir string) []string {
	switch goos {
	case "linux":
		paths := []string{"/var/run/docker.sock"}
		if runtimeDir != "" {
			paths = append(paths,
				filepath.Join(runtimeDir, "docker.sock"),
				filepath.Join(runtimeDir, "podman", "podman.sock"))
		}
		return paths
	case "darwin":
		paths := []string{"/var/run/docker.sock"}
		if home != "" {
			paths = append(paths, filepath.Join(home, ".docker", "run", "docker.sock"))
		}
		return paths
	}
	return nil
}

func detectHost() (string, error) {
	if runtime.GOOS == "windows" {
		// named pipes cannot be stat'ed
		conn, err := net.DialTimeout("pipe", windowsPipe, time.Second)
		if err != nil {
			return "", fmt.Errorf("named pipe %s: %w", windowsPipe, err)
		}
		_ = conn.Close()
		return "npipe://" + windowsPipe, nil
	}
	home, _ := os.UserHomeDir()
	paths := socketCandidates(runtime.GOOS, home, os.Getenv("XDG_RUNTIME_DIR"))
	if len(paths) == 0 {
		return "", fmt.Errorf("unsupported platform %s", runtime.GOOS)
	}
	return firstSocket(paths)
}

// firstSocket returns the host URI of the first existing path.
func firstSocket(paths []string) (string, error) {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return "unix://" + p, nil
		}
	}
	return "", fmt.Errorf("none of %v exists, is Docker running?", paths)
}

// Ping checks that the engine answers.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if _, err := c.inner.Ping(ctx); err != nil {
		return unavailable(fmt.Sprintf("Docker engine at %s is not responding", c.host), err)
	}
	return nil
}

// Close releases the connection. It may be called more than once.
func (c *Client) Close() error {
	if c.inner == nil {
		return nil
	}
	return c.inner.Close()
}

// Inner returns the SDK client. It implements API.
func (c *Client) Inner() *client.Client {
	return c.inner
}
