package devchain

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/moby/go-archive"

	"github.com/compose-network/contract-deployer/internal/logger"
)

type DockerClient struct {
	cli    *client.Client
	logger *slog.Logger
}

// NewDockerClient connects to the docker daemon configured in the environment.
func NewDockerClient() (*DockerClient, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}

	return &DockerClient{cli: cli, logger: logger.Named("docker_client")}, nil
}

func (c *DockerClient) Close() error {
	return c.cli.Close()
}

// ImageExists checks if a Docker image exists locally.
func (c *DockerClient) ImageExists(ctx context.Context, imageName string) (bool, error) {
	_, err := c.cli.ImageInspect(ctx, imageName)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}

	return true, nil
}

// PullImage pulls a Docker image from a registry.
func (c *DockerClient) PullImage(ctx context.Context, imageName string) error {
	c.logger.With("image", imageName).Info("pulling docker image")

	resp, err := c.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer resp.Close()

	if err := c.drainProgress(resp, "pull"); err != nil {
		return err
	}

	c.logger.With("image", imageName).Info("docker image pulled successfully")
	return nil
}

// BuildImage builds tag from the Dockerfile inside contextPath.
func (c *DockerClient) BuildImage(ctx context.Context, dockerfilePath, contextPath, tag string) error {
	c.logger.With("tag", tag).With("dockerfile", dockerfilePath).Info("building docker image")

	buildContext, err := archive.TarWithOptions(contextPath, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("failed to create build context: %w", err)
	}
	defer buildContext.Close()

	resp, err := c.cli.ImageBuild(ctx, buildContext, build.ImageBuildOptions{
		Tags:       []string{tag},
		Dockerfile: dockerfilePath,
		Remove:     true,
	})
	if err != nil {
		return fmt.Errorf("failed to build image: %w", err)
	}
	defer resp.Body.Close()

	if err := c.drainProgress(resp.Body, "build"); err != nil {
		return err
	}

	c.logger.With("tag", tag).Info("docker image built successfully")
	return nil
}

// ContainerRunning reports whether a container with the given name exists
// and whether it is running.
func (c *DockerClient) ContainerRunning(ctx context.Context, name string) (exists, running bool, err error) {
	inspect, err := c.cli.ContainerInspect(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, false, nil
		}
		return false, false, fmt.Errorf("failed to inspect container %s: %w", name, err)
	}

	return true, inspect.ContainerJSONBase != nil && inspect.State != nil && inspect.State.Running, nil
}

// StartContainer creates and starts a detached container.
func (c *DockerClient) StartContainer(ctx context.Context, name string, config *container.Config, hostConfig *container.HostConfig) (string, error) {
	resp, err := c.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	if err := c.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = c.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("failed to start container: %w", err)
	}

	return resp.ID, nil
}

// RemoveContainer force-removes a container. A missing container is not an error.
func (c *DockerClient) RemoveContainer(ctx context.Context, name string) error {
	err := c.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to remove container %s: %w", name, err)
	}
	return nil
}

// drainProgress consumes a pull/build progress stream and returns the last
// error message the daemon reported in it.
func (c *DockerClient) drainProgress(r io.Reader, op string) error {
	scanner := bufio.NewScanner(r)
	var streamErr error
	for scanner.Scan() {
		line := scanner.Text()
		c.logger.Debug(line)

		var msg struct {
			Error       string `json:"error"`
			ErrorDetail struct {
				Message string `json:"message"`
			} `json:"errorDetail"`
		}
		if err := json.Unmarshal([]byte(line), &msg); err == nil && msg.Error != "" {
			streamErr = fmt.Errorf("%s failed: %s", op, msg.Error)
			c.logger.With("error", msg.Error).Error("docker " + op + " error")
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading %s output: %w", op, err)
	}

	return streamErr
}
