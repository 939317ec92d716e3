package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/compose-network/contract-deployer/configs"
	"github.com/compose-network/contract-deployer/internal/deploy"
	"github.com/compose-network/contract-deployer/internal/devchain"
	"github.com/compose-network/contract-deployer/internal/logger"
)

const appName = "contract-deployer"

var rootCmd = &cobra.Command{
	Use:           appName,
	Short:         "Idempotent contract deployment and configuration across networks",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger.Initialize(slog.LevelInfo)

		if err := configs.SetViperDefaults(viper.GetViper()); err != nil {
			return err
		}

		viper.SetConfigName("config")
		viper.SetConfigType("yaml")

		if execPath, err := os.Executable(); err == nil {
			execDir := filepath.Dir(execPath)
			viper.AddConfigPath(execDir)
		}
		viper.AddConfigPath(".")
		viper.AddConfigPath("./configs")

		// A missing config file is fine, the embedded defaults and flags cover it.
		if err := viper.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); ok {
				slog.Debug("no config file found, will rely on flags and defaults")
			} else {
				const errMsg = "error reading config file"
				slog.With("err", err.Error()).Error(errMsg)
				return errors.Join(err, errors.New(errMsg))
			}
		}

		if err := viper.Unmarshal(&configs.Values); err != nil {
			const errMsg = "unable to decode application config"
			slog.With("err", err.Error()).Error(errMsg)
			return errors.Join(err, errors.New(errMsg))
		}

		level, err := logger.ParseLevel(configs.Values.LogLevel)
		if err != nil {
			return err
		}
		logger.Initialize(level)

		slog.With("config_file", viper.ConfigFileUsed()).Debug("configuration loaded")

		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	if err := viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level")); err != nil {
		panic(err)
	}
}

func main() {
	rootCmd.AddCommand(deploy.CMD)
	rootCmd.AddCommand(deploy.PlanCMD)
	rootCmd.AddCommand(deploy.LedgerCMD)
	rootCmd.AddCommand(devchain.CMD)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()

	if err != nil {
		var exitErr *deploy.ExitError
		if errors.As(err, &exitErr) {
			slog.With("exit_code", exitErr.Code).Warn("deployment finished with failures")
			os.Exit(exitErr.Code)
		}
		slog.With("err", err.Error()).Error("failed to execute root command")
		os.Exit(1)
	}
}
