package devchain

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/compose-network/contract-deployer/configs"
)

var (
	CMD = &cobra.Command{
		Use:   "chain",
		Short: "Commands for the local anvil dev chain",
	}

	upCmd = &cobra.Command{
		Use:   "up",
		Short: "Start the dev chain container and wait for its RPC",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, s *Service) error {
				if err := s.Up(ctx); err != nil {
					return fmt.Errorf("error occurred starting dev chain: %w", err)
				}
				slog.With("rpc_url", s.RPCURL()).Info("dev chain is up")
				return nil
			})
		},
	}

	downCmd = &cobra.Command{
		Use:   "down",
		Short: "Remove the dev chain container",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, s *Service) error {
				if err := s.Down(ctx); err != nil {
					return fmt.Errorf("error occurred stopping dev chain: %w", err)
				}
				return nil
			})
		},
	}
)

func init() {
	defaults := configs.MustDefaultConfig().DevChain

	declareStringFlag("image", "dev-chain.image", defaults.Image, "Anvil image")
	declareStringFlag("container-name", "dev-chain.container-name", defaults.ContainerName, "Dev chain container name")
	declareIntFlag("port", "dev-chain.port", defaults.Port, "Host port for the dev chain RPC")
	declareIntFlag("chain-id", "dev-chain.chain-id", defaults.ChainID, "Dev chain id")
	declareIntFlag("block-time", "dev-chain.block-time", defaults.BlockTime, "Seconds between blocks (0 mines per transaction)")
	declareStringFlag("dockerfile", "dev-chain.dockerfile", defaults.Dockerfile, "Build the image from this Dockerfile instead of pulling it")
	declareStringFlag("build-context", "dev-chain.build-context", defaults.BuildContext, "Build context directory for --dockerfile")

	CMD.AddCommand(upCmd)
	CMD.AddCommand(downCmd)
}

func withService(ctx context.Context, fn func(context.Context, *Service) error) error {
	// Re-unmarshal to include flag overrides.
	if err := viper.Unmarshal(&configs.Values); err != nil {
		return fmt.Errorf("failed to unmarshal config with flag overrides: %w", err)
	}

	docker, err := NewDockerClient()
	if err != nil {
		return fmt.Errorf("failed to create docker client: %w", err)
	}
	defer docker.Close()

	return fn(ctx, NewService(docker, configs.Values.DevChain))
}

func declareStringFlag(name, key, defaultValue, description string) {
	CMD.PersistentFlags().String(name, defaultValue, description)
	if err := viper.BindPFlag(key, CMD.PersistentFlags().Lookup(name)); err != nil {
		panic(err)
	}
}

func declareIntFlag(name, key string, defaultValue int, description string) {
	CMD.PersistentFlags().Int(name, defaultValue, description)
	if err := viper.BindPFlag(key, CMD.PersistentFlags().Lookup(name)); err != nil {
		panic(err)
	}
}
