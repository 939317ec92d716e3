// Package devchain runs a disposable anvil node in docker for the localnet
// network.
package devchain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/compose-network/contract-deployer/configs"
	"github.com/compose-network/contract-deployer/internal/logger"
)

const (
	anvilPort    = "8545/tcp"
	rpcAttempts  = 120
	rpcRetryWait = time.Second
)

var ErrChainNotReady = errors.New("dev chain rpc not ready")

type (
	// Docker is the slice of the docker API the dev chain needs.
	Docker interface {
		ImageExists(ctx context.Context, imageName string) (bool, error)
		PullImage(ctx context.Context, imageName string) error
		BuildImage(ctx context.Context, dockerfilePath, contextPath, tag string) error
		ContainerRunning(ctx context.Context, name string) (exists, running bool, err error)
		StartContainer(ctx context.Context, name string, config *container.Config, hostConfig *container.HostConfig) (string, error)
		RemoveContainer(ctx context.Context, name string) error
	}

	Service struct {
		docker  Docker
		cfg     configs.DevChain
		waitRPC func(ctx context.Context, url string) error
		logger  *slog.Logger
	}
)

func NewService(docker Docker, cfg configs.DevChain) *Service {
	return &Service{
		docker: docker,
		cfg:    cfg,
		waitRPC: func(ctx context.Context, url string) error {
			return waitForRPC(ctx, url, rpcAttempts, rpcRetryWait)
		},
		logger: logger.Named("dev_chain"),
	}
}

func (s *Service) RPCURL() string {
	return fmt.Sprintf("http://localhost:%d", s.cfg.Port)
}

// Up makes sure the image is available, (re)creates the anvil container and
// blocks until its RPC answers. A running container is reused.
func (s *Service) Up(ctx context.Context) error {
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	logger := s.logger.With("container", s.cfg.ContainerName).With("image", s.cfg.Image)

	exists, running, err := s.docker.ContainerRunning(ctx, s.cfg.ContainerName)
	if err != nil {
		return err
	}
	if running {
		logger.Info("dev chain already running")
		return s.waitRPC(ctx, s.RPCURL())
	}
	if exists {
		logger.Info("removing stopped dev chain container")
		if err := s.docker.RemoveContainer(ctx, s.cfg.ContainerName); err != nil {
			return err
		}
	}

	if err := s.ensureImage(ctx); err != nil {
		return err
	}

	config, hostConfig := containerSpec(s.cfg)
	id, err := s.docker.StartContainer(ctx, s.cfg.ContainerName, config, hostConfig)
	if err != nil {
		return err
	}
	logger.With("id", id).With("rpc_url", s.RPCURL()).Info("dev chain container started, waiting for rpc")

	if err := s.waitRPC(ctx, s.RPCURL()); err != nil {
		return err
	}

	logger.With("chain_id", s.cfg.ChainID).Info("dev chain ready")
	return nil
}

// Down removes the dev chain container and its state.
func (s *Service) Down(ctx context.Context) error {
	if err := s.docker.RemoveContainer(ctx, s.cfg.ContainerName); err != nil {
		return err
	}
	s.logger.With("container", s.cfg.ContainerName).Info("dev chain removed")
	return nil
}

func (s *Service) ensureImage(ctx context.Context) error {
	if s.cfg.Dockerfile != "" {
		if err := s.docker.BuildImage(ctx, s.cfg.Dockerfile, s.cfg.BuildContext, s.cfg.Image); err != nil {
			return fmt.Errorf("failed to build dev chain image: %w", err)
		}
		return nil
	}

	ok, err := s.docker.ImageExists(ctx, s.cfg.Image)
	if err != nil {
		return fmt.Errorf("failed to check image %s: %w", s.cfg.Image, err)
	}
	if ok {
		return nil
	}

	if err := s.docker.PullImage(ctx, s.cfg.Image); err != nil {
		return fmt.Errorf("failed to pull dev chain image: %w", err)
	}
	return nil
}

func containerSpec(cfg configs.DevChain) (*container.Config, *container.HostConfig) {
	cmd := []string{
		"--host", "0.0.0.0",
		"--port", "8545",
		"--chain-id", strconv.Itoa(cfg.ChainID),
	}
	if cfg.BlockTime > 0 {
		cmd = append(cmd, "--block-time", strconv.Itoa(cfg.BlockTime))
	}

	config := &container.Config{
		Image:        cfg.Image,
		Entrypoint:   []string{"anvil"},
		Cmd:          cmd,
		ExposedPorts: nat.PortSet{anvilPort: struct{}{}},
		Labels:       map[string]string{"app": "contract-deployer", "role": "dev-chain"},
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			anvilPort: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: strconv.Itoa(cfg.Port)}},
		},
	}

	return config, hostConfig
}

func waitForRPC(ctx context.Context, url string, attempts int, interval time.Duration) error {
	for range attempts {
		client, err := ethclient.DialContext(ctx, url)
		if err == nil {
			_, err = client.BlockNumber(ctx)
			client.Close()
			if err == nil {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}

	return fmt.Errorf("%w: timed out waiting for RPC at %s", ErrChainNotReady, url)
}
