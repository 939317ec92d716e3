package deploy

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/compose-network/contract-deployer/configs"
	"github.com/compose-network/contract-deployer/internal/report"
	"github.com/compose-network/contract-deployer/internal/steps"
)

// ExitError carries a non-zero process exit code for a run that completed
// but did not fully succeed.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("deployment finished with exit code %d", e.Code)
}

var (
	CMD = &cobra.Command{
		Use:   "deploy",
		Short: "Deploy and configure contracts on a network",
		Long: "Runs the selected steps and their dependencies in order, skipping artifacts " +
			"already recorded in the ledger with the same constructor arguments.",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return bindRunFlags(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			return run(cmd, dryRun)
		},
	}

	PlanCMD = &cobra.Command{
		Use:   "plan",
		Short: "Print the execution plan and ledger status without sending transactions",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return bindRunFlags(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, true)
		},
	}

	LedgerCMD = &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the deployment ledger",
	}

	ledgerListCmd = &cobra.Command{
		Use:   "list",
		Short: "List the artifacts recorded for a network",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return bindFlags(cmd.Flags(), ledgerFlags)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			network, _ := cmd.Flags().GetString("network")
			history, _ := cmd.Flags().GetBool("history")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			return NewService(cfg, configs.Secrets{}).ListLedger(cmd.Context(), network, history, cmd.OutOrStdout())
		},
	}
)

func init() {
	for _, cmd := range []*cobra.Command{CMD, PlanCMD} {
		declareSelectionFlags(cmd)
		declareRunFlags(cmd)
	}
	CMD.Flags().Bool("dry-run", false, "Print the plan without sending transactions")
	CMD.Flags().Bool("force", false, "Redeploy artifacts that are already recorded in the ledger")

	ledgerListCmd.Flags().String("network", "", "Network to list")
	ledgerListCmd.Flags().Bool("history", false, "List superseded entries instead of current ones")
	_ = ledgerListCmd.MarkFlagRequired("network")
	declareFlags(ledgerListCmd.Flags(), ledgerFlags)

	LedgerCMD.AddCommand(ledgerListCmd)
}

func declareSelectionFlags(cmd *cobra.Command) {
	cmd.Flags().String("network", "", "Target network (e.g. localnet, testnet, mainnet)")
	cmd.Flags().StringSlice("tags", nil, "Run steps carrying any of these tags (comma separated)")
	cmd.Flags().StringSlice("steps", nil, "Run these step ids (comma separated)")
	_ = cmd.MarkFlagRequired("network")
}

func run(cmd *cobra.Command, dryRun bool) error {
	network, _ := cmd.Flags().GetString("network")
	tags, _ := cmd.Flags().GetStringSlice("tags")
	ids, _ := cmd.Flags().GetStringSlice("steps")
	force := false
	if cmd.Flags().Lookup("force") != nil {
		force, _ = cmd.Flags().GetBool("force")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	secrets, err := configs.LoadSecrets()
	if err != nil {
		return err
	}

	req := RunRequest{
		Network:   strings.TrimSpace(network),
		Selection: selection(ids, tags),
		DryRun:    dryRun,
		Force:     force,
	}

	slog.With("network", req.Network).
		With("selection", req.Selection.String()).
		With("dry_run", dryRun).
		With("force", force).
		Info("starting deployment run")

	rep, err := NewService(cfg, secrets).Run(cmd.Context(), req, cmd.OutOrStdout())
	if err != nil {
		return fmt.Errorf("error occurred during deployment run: %w", err)
	}

	if code := rep.ExitCode(); code != report.ExitOK {
		return &ExitError{Code: code}
	}

	return nil
}

// loadConfig re-unmarshals viper so flag overrides bound in PreRunE are
// picked up, then validates the result.
func loadConfig() (configs.Config, error) {
	if err := viper.Unmarshal(&configs.Values); err != nil {
		return configs.Config{}, fmt.Errorf("failed to unmarshal config with flag overrides: %w", err)
	}

	if err := configs.Values.Validate(); err != nil {
		return configs.Config{}, err
	}

	return configs.Values, nil
}

// selection drops empty entries from comma separated flag values.
func selection(ids, tags []string) steps.Selection {
	return steps.Selection{IDs: compact(ids), Tags: compact(tags)}
}

func compact(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
