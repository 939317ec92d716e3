package configs

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

var Values Config

type (
	LedgerBackend string

	Config struct {
		LogLevel      string             `mapstructure:"log-level"`
		NetworksDir   string             `mapstructure:"networks-dir"`
		ArtifactsFile string             `mapstructure:"artifacts-file"`
		Ledger        Ledger             `mapstructure:"ledger"`
		Networks      map[string]Network `mapstructure:"networks"`
		Execution     Execution          `mapstructure:"execution"`
		Output        Output             `mapstructure:"output"`
		DevChain      DevChain           `mapstructure:"dev-chain"`
	}

	Ledger struct {
		Backend LedgerBackend `mapstructure:"backend"`
		Dir     string        `mapstructure:"dir"`
		DSN     string        `mapstructure:"dsn"`
	}

	Network struct {
		RPCURL  string `mapstructure:"rpc-url"`
		ChainID int64  `mapstructure:"chain-id"`
	}

	Execution struct {
		ConfirmTimeout             time.Duration `mapstructure:"confirm-timeout"`
		RetryAttempts              int           `mapstructure:"retry-attempts"`
		RetryDelay                 time.Duration `mapstructure:"retry-delay"`
		DefaultGasLimit            uint64        `mapstructure:"default-gas-limit"`
		ContinueOnConfigureFailure bool          `mapstructure:"continue-on-configure-failure"`
	}

	Output struct {
		ReportFile  string `mapstructure:"report-file"`
		MetricsFile string `mapstructure:"metrics-file"`
	}

	DevChain struct {
		Image         string `mapstructure:"image"`
		ContainerName string `mapstructure:"container-name"`
		Port          int    `mapstructure:"port"`
		ChainID       int    `mapstructure:"chain-id"`
		BlockTime     int    `mapstructure:"block-time"`

		// Dockerfile, when set, builds Image from BuildContext instead of pulling it.
		Dockerfile   string `mapstructure:"dockerfile"`
		BuildContext string `mapstructure:"build-context"`
	}

	// Secrets never live in config files; they are read from the environment.
	Secrets struct {
		PrivateKey string `env:"DEPLOYER_PRIVATE_KEY"`
		RPCURL     string `env:"DEPLOYER_RPC_URL"`
	}
)

const (
	LedgerBackendJSON   LedgerBackend = "json"
	LedgerBackendSQLite LedgerBackend = "sqlite"
)

func (c *Config) Validate() error {
	var errs []error

	if c.NetworksDir == "" {
		errs = append(errs, errors.New("networks-dir is required"))
	}

	switch c.Ledger.Backend {
	case LedgerBackendJSON:
		if c.Ledger.Dir == "" {
			errs = append(errs, errors.New("ledger.dir is required for the json backend"))
		}
	case LedgerBackendSQLite:
		if c.Ledger.DSN == "" {
			errs = append(errs, errors.New("ledger.dsn is required for the sqlite backend"))
		}
	case "":
		errs = append(errs, errors.New("ledger.backend is required"))
	default:
		errs = append(errs, fmt.Errorf("ledger.backend must be either '%s' or '%s'", LedgerBackendJSON, LedgerBackendSQLite))
	}

	if c.Execution.ConfirmTimeout <= 0 {
		errs = append(errs, errors.New("execution.confirm-timeout must be positive"))
	}
	if c.Execution.RetryAttempts < 0 {
		errs = append(errs, errors.New("execution.retry-attempts must not be negative"))
	}
	if c.Execution.RetryDelay < 0 {
		errs = append(errs, errors.New("execution.retry-delay must not be negative"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %w", errors.Join(errs...))
	}

	return nil
}

func (d *DevChain) Validate() error {
	var errs []error

	if d.Image == "" {
		errs = append(errs, errors.New("dev-chain.image is required"))
	}
	if d.ContainerName == "" {
		errs = append(errs, errors.New("dev-chain.container-name is required"))
	}
	if d.Port <= 0 || d.Port > 65535 {
		errs = append(errs, fmt.Errorf("dev-chain.port %d is out of range", d.Port))
	}
	if d.ChainID <= 0 {
		errs = append(errs, errors.New("dev-chain.chain-id must be positive"))
	}
	if d.BlockTime < 0 {
		errs = append(errs, errors.New("dev-chain.block-time must not be negative"))
	}
	if d.Dockerfile != "" && d.BuildContext == "" {
		errs = append(errs, errors.New("dev-chain.build-context is required when dev-chain.dockerfile is set"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("dev-chain validation failed: %w", errors.Join(errs...))
	}

	return nil
}

// RPCURL returns the endpoint for a network, preferring the environment override.
func (c *Config) RPCURL(network string, secrets Secrets) (string, error) {
	if secrets.RPCURL != "" {
		return secrets.RPCURL, nil
	}

	n, ok := c.Networks[network]
	if !ok || n.RPCURL == "" {
		return "", fmt.Errorf("no rpc-url configured for network '%s' (set networks.%s.rpc-url or DEPLOYER_RPC_URL)", network, network)
	}

	return n.RPCURL, nil
}

// LoadSecrets reads deployer credentials from the environment.
func LoadSecrets() (Secrets, error) {
	var s Secrets
	if err := env.Parse(&s); err != nil {
		return Secrets{}, fmt.Errorf("failed to parse secrets from environment: %w", err)
	}
	return s, nil
}
