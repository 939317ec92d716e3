// Package orchestrator drives a whole deployment run: it resolves the
// network configuration, plans the selected steps and executes them in order
// against one chain backend and ledger.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/compose-network/contract-deployer/internal/executor"
	"github.com/compose-network/contract-deployer/internal/ledger"
	"github.com/compose-network/contract-deployer/internal/logger"
	"github.com/compose-network/contract-deployer/internal/netconfig"
	"github.com/compose-network/contract-deployer/internal/report"
	"github.com/compose-network/contract-deployer/internal/steps"
)

type (
	ConfigResolver interface {
		Resolve(networkID string) (netconfig.NetworkConfig, error)
	}

	Planner interface {
		Plan(sel steps.Selection, network string) (steps.Plan, error)
	}

	// ChainDialer opens the signing backend for a network. It is only called
	// once a run is known to send transactions.
	ChainDialer interface {
		Dial(ctx context.Context, network string) (executor.Chain, error)
	}

	DialerFunc func(ctx context.Context, network string) (executor.Chain, error)

	Options struct {
		DryRun bool
		Force  bool
		// ContinueOnConfigureFailure keeps running steps that do not depend on
		// a failed configure step. When false a configure failure halts the run.
		ContinueOnConfigureFailure bool
		Executor                   executor.Options
		// Deployer stands in for the sender when a dry run resolves
		// constructor arguments. Optional.
		Deployer common.Address
		// Out receives the dry-run plan listing. Nil discards it.
		Out io.Writer
	}

	Orchestrator struct {
		resolver ConfigResolver
		planner  Planner
		ledger   *ledger.Ledger
		dialer   ChainDialer
		logger   *slog.Logger
	}
)

func (f DialerFunc) Dial(ctx context.Context, network string) (executor.Chain, error) {
	return f(ctx, network)
}

func DefaultOptions() Options {
	return Options{
		ContinueOnConfigureFailure: true,
		Executor: executor.Options{
			ConfirmTimeout: executor.DefaultConfirmTimeout,
			RetryAttempts:  executor.DefaultRetryAttempts,
			RetryDelay:     executor.DefaultRetryDelay,
		},
	}
}

func New(resolver ConfigResolver, planner Planner, l *ledger.Ledger, dialer ChainDialer) *Orchestrator {
	return &Orchestrator{
		resolver: resolver,
		planner:  planner,
		ledger:   l,
		dialer:   dialer,
		logger:   logger.Named("orchestrator"),
	}
}

// Run executes the plan for sel on network. The returned report is never nil;
// the error is set when the run could not start or was cancelled. Step
// failures are reported through the report's statuses and exit code.
func (o *Orchestrator) Run(ctx context.Context, network string, sel steps.Selection, opts Options) (*report.Report, error) {
	rep := report.New(network, sel, opts.DryRun, opts.Force)
	defer rep.Finish()

	logger := o.logger.With("run_id", rep.RunID).With("network", network).With("selection", rep.Selection)

	fail := func(err error) (*report.Report, error) {
		rep.Fail(err)
		logger.With("error", err.Error()).Error("run failed")
		return rep, err
	}

	cfg, err := o.resolver.Resolve(network)
	if err != nil {
		return fail(fmt.Errorf("failed to resolve network config: %w", err))
	}

	plan, err := o.planner.Plan(sel, network)
	if err != nil {
		return fail(fmt.Errorf("failed to plan steps: %w", err))
	}
	rep.Excluded = plan.Excluded

	logger.With("steps", len(plan.Steps)).With("dry_run", opts.DryRun).Info("plan resolved")
	for _, id := range plan.Excluded {
		logger.With("step", id).Warn("step not available on network, excluded")
	}

	if opts.DryRun {
		return rep, o.dryRun(ctx, plan, cfg, rep, opts)
	}

	if len(plan.Steps) == 0 {
		logger.Info("nothing to do")
		return rep, nil
	}

	c, err := o.dialer.Dial(ctx, network)
	if err != nil {
		return fail(fmt.Errorf("failed to connect to %s: %w", network, err))
	}
	if closer, ok := c.(interface{ Close() }); ok {
		defer closer.Close()
	}

	execOpts := opts.Executor
	execOpts.Force = opts.Force
	exec := executor.New(c, o.ledger, execOpts)

	skipped := make(map[string]string)
	for i, ps := range plan.Steps {
		if ctx.Err() != nil {
			return o.cancel(ctx, rep, plan.Steps[i:], logger)
		}

		if reason, ok := skipped[ps.ID]; ok {
			logger.With("step", ps.ID).With("reason", reason).Warn("step skipped")
			rep.AddSkipped(ps, executor.StatusSkipped, reason)
			continue
		}

		addresses, err := o.ledger.Addresses(ctx, network)
		if err != nil {
			if ctx.Err() != nil {
				return o.cancel(ctx, rep, plan.Steps[i:], logger)
			}
			notRun(rep, plan.Steps[i:], "ledger unavailable")
			return fail(fmt.Errorf("failed to read ledger: %w", err))
		}

		env := steps.Env{
			Network:   network,
			Config:    cfg,
			Deployer:  c.Sender(),
			Addresses: addresses,
		}

		res := exec.Execute(ctx, ps, env)
		rep.AddResult(ps, res)

		if res.Status != executor.StatusFailed {
			continue
		}

		if ctx.Err() != nil {
			return o.cancel(ctx, rep, plan.Steps[i+1:], logger)
		}

		if ps.Kind == steps.KindDeploy || !opts.ContinueOnConfigureFailure {
			reason := fmt.Sprintf("%s step '%s' failed", ps.Kind, ps.ID)
			rep.Halt(reason)
			notRun(rep, plan.Steps[i+1:], "run halted: "+reason)
			logger.With("step", ps.ID).With("remaining", len(plan.Steps)-i-1).Error("run halted")
			return rep, nil
		}

		for _, id := range plan.Dependents(ps.ID) {
			if _, ok := skipped[id]; !ok {
				skipped[id] = fmt.Sprintf("dependency '%s' failed", ps.ID)
			}
		}
	}

	counts := rep.Counts()
	logger.
		With("deployed", counts.Deployed).
		With("skipped", counts.Skipped).
		With("configured", counts.Configured).
		With("failed", counts.Failed).
		With("warnings", len(rep.Warnings)).
		Info("run finished")

	return rep, nil
}

func (o *Orchestrator) cancel(ctx context.Context, rep *report.Report, remaining []steps.PlannedStep, logger *slog.Logger) (*report.Report, error) {
	rep.Canceled = true
	notRun(rep, remaining, "run cancelled")
	logger.With("remaining", len(remaining)).Warn("run cancelled")
	return rep, fmt.Errorf("deployment run cancelled: %w", ctx.Err())
}

func notRun(rep *report.Report, remaining []steps.PlannedStep, reason string) {
	for _, ps := range remaining {
		rep.AddSkipped(ps, executor.StatusPending, reason)
	}
}

// dryRun lists the plan with what the ledger says about each step. The
// chain backend is never dialled.
func (o *Orchestrator) dryRun(ctx context.Context, plan steps.Plan, cfg netconfig.NetworkConfig, rep *report.Report, opts Options) error {
	addresses, err := o.ledger.Addresses(ctx, plan.Network)
	if err != nil {
		rep.Fail(err)
		return fmt.Errorf("failed to read ledger: %w", err)
	}
	env := steps.Env{Network: plan.Network, Config: cfg, Deployer: opts.Deployer, Addresses: addresses}

	lines := make([]report.PlanLine, 0, len(plan.Steps))
	for _, ps := range plan.Steps {
		status := o.ledgerStatus(ctx, ps, env)
		lines = append(lines, report.PlanLine{Step: ps, Ledger: status})
		rep.AddSkipped(ps, executor.StatusPending, "dry run: "+status)
	}

	if opts.Out == nil {
		return nil
	}
	if err := report.WritePlan(opts.Out, plan, lines); err != nil {
		return fmt.Errorf("failed to print plan: %w", err)
	}

	return nil
}

func (o *Orchestrator) ledgerStatus(ctx context.Context, ps steps.PlannedStep, env steps.Env) string {
	if ps.Kind != steps.KindDeploy {
		return "will configure"
	}

	existing, ok, err := o.ledger.Lookup(ctx, ps.Artifact(), env.Network)
	if err != nil {
		return "ledger error: " + err.Error()
	}
	if !ok {
		return "will deploy"
	}

	var args []any
	if ps.Deploy.Args != nil {
		args, err = ps.Deploy.Args(env)
		if err != nil {
			return "recorded at " + existing.Address.Hex()
		}
	}

	hash, err := ledger.ArgsHash(args...)
	if err != nil {
		return "recorded at " + existing.Address.Hex()
	}

	decision, _, err := o.ledger.Check(ctx, ps.Artifact(), env.Network, hash)
	switch {
	case err != nil:
		return "ledger error: " + err.Error()
	case decision == ledger.DecisionDrift:
		return "drift at " + existing.Address.Hex()
	default:
		return "up to date at " + existing.Address.Hex()
	}
}

// IsCancelled reports whether err ended a run through context cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
