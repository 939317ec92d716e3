// Package executor runs a single planned step against the chain and the
// deployment ledger.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/compose-network/contract-deployer/internal/chain"
	"github.com/compose-network/contract-deployer/internal/ledger"
	"github.com/compose-network/contract-deployer/internal/logger"
	"github.com/compose-network/contract-deployer/internal/steps"
)

const (
	DefaultConfirmTimeout = 3 * time.Minute
	DefaultRetryAttempts  = 3
	DefaultRetryDelay     = 5 * time.Second

	defaultOwnerMethod = "owner"
)

type (
	// Chain is the signing chain backend the executor drives.
	Chain interface {
		Sender() common.Address
		Deploy(ctx context.Context, contract string, args []any, gasLimit *uint64) (chain.Submission, error)
		Transact(ctx context.Context, contract string, target common.Address, method string, args []any, gasLimit *uint64) (chain.Submission, error)
		WaitConfirmed(ctx context.Context, sub chain.Submission) (chain.Receipt, error)
		Call(ctx context.Context, contract string, target common.Address, method string, args []any) ([]any, error)
	}

	Options struct {
		ConfirmTimeout time.Duration
		// Force redeploys artifacts that are already in the ledger.
		Force bool
		// RetryAttempts is the number of extra submission attempts after a
		// transient transport error.
		RetryAttempts int
		RetryDelay    time.Duration
	}

	Executor struct {
		chain  Chain
		ledger *ledger.Ledger
		opts   Options
		logger *slog.Logger
	}
)

func New(c Chain, l *ledger.Ledger, opts Options) *Executor {
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = DefaultConfirmTimeout
	}
	if opts.RetryAttempts < 0 {
		opts.RetryAttempts = 0
	}

	return &Executor{
		chain:  c,
		ledger: l,
		opts:   opts,
		logger: logger.Named("step_executor"),
	}
}

// Execute runs one step to a terminal status. It never panics on step
// errors; failures are reported in the Result.
func (e *Executor) Execute(ctx context.Context, ps steps.PlannedStep, env steps.Env) Result {
	start := time.Now()
	logger := e.logger.With("step", ps.ID).With("kind", ps.Kind).With("network", env.Network)
	logger.With("status", StatusRunning).Info("step running")

	var res Result
	switch ps.Kind {
	case steps.KindDeploy:
		res = e.deploy(ctx, ps, env, logger)
	case steps.KindConfigure:
		res = e.configure(ctx, ps, env, logger)
	default:
		res = Result{Status: StatusFailed, Err: fmt.Errorf("%w: unknown kind '%s'", steps.ErrInvalidStep, ps.Kind)}
	}

	if !res.Status.Terminal() {
		res.Err = errors.Join(res.Err, fmt.Errorf("step ended in non-terminal status '%s'", res.Status))
		res.Status = StatusFailed
	}

	res.StepID = ps.ID
	res.Kind = ps.Kind
	res.Duration = time.Since(start)

	logger = logger.With("status", res.Status).With("duration", res.Duration.String())
	for _, w := range res.Warnings {
		logger.With("warning", w.Error()).Warn("step warning")
	}
	if res.Err != nil {
		logger.With("error", res.Err.Error()).Error("step failed")
	} else {
		logger.With("reason", res.Reason).Info("step finished")
	}

	return res
}

// checkRequires verifies the artifacts the plan says must already exist.
func (e *Executor) checkRequires(ctx context.Context, ps steps.PlannedStep, network string) error {
	for _, name := range ps.Requires {
		_, ok, err := e.ledger.Lookup(ctx, name, network)
		if err != nil {
			return fmt.Errorf("failed to look up dependency '%s': %w", name, err)
		}
		if !ok {
			return fmt.Errorf("%w: step '%s' needs artifact '%s', which is not recorded on %s",
				steps.ErrMissingDependency, ps.ID, name, network)
		}
	}
	return nil
}

func (e *Executor) deploy(ctx context.Context, ps steps.PlannedStep, env steps.Env, logger *slog.Logger) Result {
	ds := ps.Deploy
	failed := func(err error) Result {
		return Result{Status: StatusFailed, Err: fmt.Errorf("%w: %s: %w", ErrDeployFailed, ds.Artifact, err)}
	}

	if err := e.checkRequires(ctx, ps, env.Network); err != nil {
		return failed(err)
	}

	var args []any
	if ds.Args != nil {
		resolved, err := ds.Args(env)
		if err != nil {
			return failed(fmt.Errorf("failed to resolve constructor arguments: %w", err))
		}
		args = resolved
	}

	argsHash, err := ledger.ArgsHash(args...)
	if err != nil {
		return failed(err)
	}

	decision, existing, err := e.ledger.Check(ctx, ds.Artifact, env.Network, argsHash)
	if err != nil {
		return failed(err)
	}

	var (
		warnings []error
		expected *common.Address
	)
	switch decision {
	case ledger.DecisionSkip:
		if !e.opts.Force {
			return Result{
				Status:   StatusSkipped,
				Artifact: &existing,
				Reason:   fmt.Sprintf("already deployed at %s", existing.Address.Hex()),
			}
		}
	case ledger.DecisionDrift:
		drift := &ledger.DriftError{
			LogicalName:  ds.Artifact,
			Network:      env.Network,
			Address:      existing.Address,
			RecordedHash: existing.ConstructorArgsHash,
			CurrentHash:  argsHash,
		}
		warnings = append(warnings, drift)
		if !e.opts.Force {
			return Result{
				Status:   StatusSkipped,
				Artifact: &existing,
				Reason:   fmt.Sprintf("already deployed at %s with different constructor arguments", existing.Address.Hex()),
				Warnings: warnings,
			}
		}
	}
	if decision != ledger.DecisionDeploy {
		addr := existing.Address
		expected = &addr
		logger.With("previous", addr.Hex()).Warn("forcing redeploy")
	}

	gasLimit := ds.GasLimit
	sub, err := e.submit(ctx, logger, func() (chain.Submission, error) {
		return e.chain.Deploy(ctx, ds.Contract, args, gasLimit)
	})
	if err != nil {
		res := failed(err)
		res.Warnings = warnings
		return res
	}

	receipt, err := e.wait(ctx, sub, e.opts.ConfirmTimeout)
	if err != nil {
		res := failed(err)
		res.Warnings = warnings
		return res
	}

	address := receipt.ContractAddress
	if address == (common.Address{}) {
		address = sub.Address
	}

	// confirmed on chain, so record even if the run is being cancelled
	recorded, err := e.ledger.Record(context.WithoutCancel(ctx), ledger.RecordRequest{
		Artifact: ledger.Artifact{
			LogicalName:         ds.Artifact,
			Contract:            ds.Contract,
			Network:             env.Network,
			Address:             address,
			ConstructorArgsHash: argsHash,
			TxHash:              receipt.TxHash,
		},
		Force:    expected != nil,
		Expected: expected,
	})
	if err != nil {
		res := failed(fmt.Errorf("deployed at %s but failed to record: %w", address.Hex(), err))
		res.Receipts = []chain.Receipt{receipt}
		res.Warnings = warnings
		return res
	}

	return Result{
		Status:   StatusDeployed,
		Artifact: &recorded,
		Receipts: []chain.Receipt{receipt},
		Reason:   fmt.Sprintf("deployed at %s", address.Hex()),
		Warnings: warnings,
	}
}

// submit retries transient submission errors. A retry only happens when the
// error says the transaction never reached the node.
func (e *Executor) submit(ctx context.Context, logger *slog.Logger, send func() (chain.Submission, error)) (chain.Submission, error) {
	var lastErr error
	for attempt := 0; attempt <= e.opts.RetryAttempts; attempt++ {
		if attempt > 0 {
			logger.
				With("attempt", attempt+1).
				With("error", lastErr.Error()).
				Warn("retrying submission")

			select {
			case <-ctx.Done():
				return chain.Submission{}, ctx.Err()
			case <-time.After(e.opts.RetryDelay):
			}
		}

		sub, err := send()
		if err == nil {
			return sub, nil
		}
		lastErr = err

		if !chain.IsRetryable(err) {
			break
		}
	}

	return chain.Submission{}, lastErr
}

// wait blocks for confirmation, bounded by timeout. Expiry of the timeout
// (as opposed to cancellation of ctx) is reported as ErrTimeout.
func (e *Executor) wait(ctx context.Context, sub chain.Submission, timeout time.Duration) (chain.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	receipt, err := e.chain.WaitConfirmed(waitCtx, sub)
	if err == nil {
		return receipt, nil
	}

	if ctx.Err() == nil && errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
		return chain.Receipt{}, fmt.Errorf("%w after %s: tx %s", ErrTimeout, timeout, sub.Hash.Hex())
	}

	return chain.Receipt{}, err
}
