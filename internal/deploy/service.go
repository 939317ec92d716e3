// Package deploy wires configuration, the step catalog, the ledger backend
// and the chain backend into orchestrator runs for the CLI.
package deploy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/compose-network/contract-deployer/configs"
	"github.com/compose-network/contract-deployer/internal/catalog"
	"github.com/compose-network/contract-deployer/internal/chain"
	"github.com/compose-network/contract-deployer/internal/executor"
	fsjson "github.com/compose-network/contract-deployer/internal/infra/filesystem/json"
	"github.com/compose-network/contract-deployer/internal/ledger"
	"github.com/compose-network/contract-deployer/internal/ledger/jsonstore"
	"github.com/compose-network/contract-deployer/internal/ledger/sqlite"
	"github.com/compose-network/contract-deployer/internal/logger"
	"github.com/compose-network/contract-deployer/internal/netconfig"
	"github.com/compose-network/contract-deployer/internal/orchestrator"
	"github.com/compose-network/contract-deployer/internal/report"
	"github.com/compose-network/contract-deployer/internal/steps"
)

type (
	RunRequest struct {
		Network   string
		Selection steps.Selection
		DryRun    bool
		Force     bool
	}

	// historyStore is a ledger backend that also keeps superseded entries.
	historyStore interface {
		ledger.Store
		History(ctx context.Context, network string) ([]ledger.Artifact, error)
	}

	Service struct {
		cfg     configs.Config
		secrets configs.Secrets
		logger  *slog.Logger
	}
)

func NewService(cfg configs.Config, secrets configs.Secrets) *Service {
	return &Service{cfg: cfg, secrets: secrets, logger: logger.Named("deploy_service")}
}

// Run executes one orchestrator run and writes the summary to out. The
// report and metrics files are written even when the run fails.
func (s *Service) Run(ctx context.Context, req RunRequest, out io.Writer) (*report.Report, error) {
	store, closeLedger, err := s.openStore()
	if err != nil {
		return nil, err
	}
	l := ledger.New(store)
	defer func() {
		if err := closeLedger(); err != nil {
			s.logger.With("error", err.Error()).Warn("failed to close ledger")
		}
	}()

	registry := steps.NewRegistry()
	if err := catalog.Register(registry); err != nil {
		return nil, err
	}

	resolver := netconfig.NewResolver(s.cfg.NetworksDir, fsjson.NewReader())
	orch := orchestrator.New(resolver, registry, l, s)

	opts := orchestrator.Options{
		DryRun:                     req.DryRun,
		Force:                      req.Force,
		ContinueOnConfigureFailure: s.cfg.Execution.ContinueOnConfigureFailure,
		Executor: executor.Options{
			ConfirmTimeout: s.cfg.Execution.ConfirmTimeout,
			RetryAttempts:  s.cfg.Execution.RetryAttempts,
			RetryDelay:     s.cfg.Execution.RetryDelay,
		},
		Deployer: s.deployerAddress(),
		Out:      out,
	}

	rep, runErr := orch.Run(ctx, req.Network, req.Selection, opts)

	if !req.DryRun || runErr != nil {
		if err := rep.WriteSummary(out); err != nil {
			s.logger.With("error", err.Error()).Warn("failed to print summary")
		}
	}
	s.writeOutputs(rep)

	return rep, runErr
}

// Dial opens the signing chain backend for network.
func (s *Service) Dial(ctx context.Context, network string) (executor.Chain, error) {
	if s.secrets.PrivateKey == "" {
		return nil, fmt.Errorf("DEPLOYER_PRIVATE_KEY is not set")
	}
	key, err := chain.ParsePrivateKey(s.secrets.PrivateKey)
	if err != nil {
		return nil, err
	}

	rpcURL, err := s.cfg.RPCURL(network, s.secrets)
	if err != nil {
		return nil, err
	}

	contracts, err := chain.LoadArtifacts(s.cfg.ArtifactsFile)
	if err != nil {
		return nil, err
	}

	s.logger.With("network", network).With("url", rpcURL).Info("dialing the chain RPC")

	backend, err := chain.Dial(ctx, rpcURL, contracts, key, chain.Options{
		ExpectedChainID: s.cfg.Networks[network].ChainID,
		DefaultGasLimit: s.cfg.Execution.DefaultGasLimit,
	})
	if err != nil {
		return nil, err
	}

	return backend, nil
}

// ListLedger prints the artifacts recorded for network. With history set it
// prints the superseded entries instead.
func (s *Service) ListLedger(ctx context.Context, network string, history bool, out io.Writer) error {
	store, closeLedger, err := s.openStore()
	if err != nil {
		return err
	}
	defer closeLedger()

	var artifacts []ledger.Artifact
	if history {
		artifacts, err = store.History(ctx, network)
	} else {
		artifacts, err = ledger.New(store).List(ctx, network)
	}
	if err != nil {
		return fmt.Errorf("failed to list ledger for %s: %w", network, err)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tCONTRACT\tADDRESS\tTX\tDEPLOYED\tSUPERSEDES")
	for _, a := range artifacts {
		supersedes := "-"
		if a.Supersedes != nil {
			supersedes = a.Supersedes.Hex()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			a.LogicalName, a.Contract, a.Address.Hex(), a.TxHash.Hex(), a.DeployedAt.Format(time.RFC3339), supersedes)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	_, err = fmt.Fprintf(out, "%d entries on %s\n", len(artifacts), network)
	return err
}

func (s *Service) openStore() (historyStore, func() error, error) {
	switch s.cfg.Ledger.Backend {
	case configs.LedgerBackendSQLite:
		st, err := sqlite.Open(s.cfg.Ledger.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite ledger: %w", err)
		}
		return st, st.Close, nil
	case configs.LedgerBackendJSON:
		st, err := jsonstore.New(s.cfg.Ledger.Dir)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open json ledger: %w", err)
		}
		return st, func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown ledger backend '%s'", s.cfg.Ledger.Backend)
	}
}

func (s *Service) deployerAddress() common.Address {
	if s.secrets.PrivateKey == "" {
		return common.Address{}
	}
	key, err := chain.ParsePrivateKey(s.secrets.PrivateKey)
	if err != nil {
		return common.Address{}
	}
	addr, err := chain.AddressFromPrivateKey(key)
	if err != nil {
		return common.Address{}
	}
	return addr
}

func (s *Service) writeOutputs(rep *report.Report) {
	if path := s.cfg.Output.ReportFile; path != "" {
		if err := rep.WriteFile(path); err != nil {
			s.logger.With("error", err.Error()).Error("failed to write run report")
		} else {
			s.logger.With("path", path).Info("run report written")
		}
	}

	if path := s.cfg.Output.MetricsFile; path != "" {
		if err := rep.WriteMetrics(path); err != nil {
			s.logger.With("error", err.Error()).Error("failed to write metrics file")
		}
	}
}
