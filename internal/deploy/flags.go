package deploy

import (
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/compose-network/contract-deployer/configs"
)

// flagDef defines a command-line flag bound to a viper configuration key.
type (
	flagType interface {
		string | int | bool | time.Duration
	}

	flagDef[T flagType] struct {
		name         string
		viperKey     string
		defaultValue T
		description  string
	}
)

var defaults = configs.MustDefaultConfig()

var (
	stringFlags = []flagDef[string]{
		{"networks-dir", "networks-dir", defaults.NetworksDir, "Directory holding <network>.json config files"},
		{"artifacts-file", "artifacts-file", defaults.ArtifactsFile, "Compiled contracts (abi + bytecode) file"},

		// Ledger
		{"ledger-backend", "ledger.backend", string(defaults.Ledger.Backend), "Ledger backend (json or sqlite)"},
		{"ledger-dir", "ledger.dir", defaults.Ledger.Dir, "Directory for the json ledger"},
		{"ledger-dsn", "ledger.dsn", defaults.Ledger.DSN, "sqlite ledger database path"},

		// Output
		{"report-file", "output.report-file", defaults.Output.ReportFile, "Write the run report as yaml to this file"},
		{"metrics-file", "output.metrics-file", defaults.Output.MetricsFile, "Write prometheus textfile metrics to this file"},
	}

	intFlags = []flagDef[int]{
		{"retry-attempts", "execution.retry-attempts", defaults.Execution.RetryAttempts, "Extra submission attempts after a transient RPC error"},
	}

	boolFlags = []flagDef[bool]{
		{"continue-on-configure-failure", "execution.continue-on-configure-failure", defaults.Execution.ContinueOnConfigureFailure, "Keep running independent steps after a configure step fails"},
	}

	durationFlags = []flagDef[time.Duration]{
		{"confirm-timeout", "execution.confirm-timeout", defaults.Execution.ConfirmTimeout, "How long to wait for each transaction to be mined"},
		{"retry-delay", "execution.retry-delay", defaults.Execution.RetryDelay, "Delay between submission retries"},
	}

	ledgerFlags = []flagDef[string]{
		{"ledger-backend", "ledger.backend", string(defaults.Ledger.Backend), "Ledger backend (json or sqlite)"},
		{"ledger-dir", "ledger.dir", defaults.Ledger.Dir, "Directory for the json ledger"},
		{"ledger-dsn", "ledger.dsn", defaults.Ledger.DSN, "sqlite ledger database path"},
	}
)

// declareRunFlags declares the configuration flags shared by deploy and plan.
func declareRunFlags(cmd *cobra.Command) {
	declareFlags(cmd.Flags(), stringFlags)
	declareFlags(cmd.Flags(), intFlags)
	declareFlags(cmd.Flags(), boolFlags)
	declareFlags(cmd.Flags(), durationFlags)
}

func declareFlags[T flagType](fs *pflag.FlagSet, flags []flagDef[T]) {
	for _, flag := range flags {
		declareFlag(fs, flag.name, flag.defaultValue, flag.description)
	}
}

func declareFlag[T flagType](fs *pflag.FlagSet, flagName string, defaultValue T, description string) {
	var zero T
	switch any(zero).(type) {
	case string:
		fs.String(flagName, any(defaultValue).(string), description)
	case int:
		fs.Int(flagName, any(defaultValue).(int), description)
	case bool:
		fs.Bool(flagName, any(defaultValue).(bool), description)
	case time.Duration:
		fs.Duration(flagName, any(defaultValue).(time.Duration), description)
	}
}

// bindFlags binds the flags of the command being executed to their viper
// keys. deploy and plan share keys, so binding happens per invocation.
func bindFlags[T flagType](fs *pflag.FlagSet, flags []flagDef[T]) error {
	for _, flag := range flags {
		f := fs.Lookup(flag.name)
		if f == nil {
			continue
		}
		if err := viper.BindPFlag(flag.viperKey, f); err != nil {
			return err
		}
	}
	return nil
}

func bindRunFlags(cmd *cobra.Command) error {
	fs := cmd.Flags()
	if err := bindFlags(fs, stringFlags); err != nil {
		return err
	}
	if err := bindFlags(fs, intFlags); err != nil {
		return err
	}
	if err := bindFlags(fs, boolFlags); err != nil {
		return err
	}
	return bindFlags(fs, durationFlags)
}
