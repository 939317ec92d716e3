package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/compose-network/contract-deployer/internal/chain"
	"github.com/compose-network/contract-deployer/internal/ledger"
	"github.com/compose-network/contract-deployer/internal/steps"
)

func (e *Executor) configure(ctx context.Context, ps steps.PlannedStep, env steps.Env, logger *slog.Logger) Result {
	failed := func(res Result, err error) Result {
		res.Status = StatusFailed
		res.Err = fmt.Errorf("%w: %s: %w", ErrConfigureFailed, ps.ID, err)
		return res
	}

	if err := e.checkRequires(ctx, ps, env.Network); err != nil {
		return failed(Result{}, err)
	}

	calls, err := ps.Configure.Calls(env)
	if err != nil {
		return failed(Result{}, fmt.Errorf("failed to resolve configuration calls: %w", err))
	}

	var res Result
	sent := 0
	for _, call := range calls {
		cr := e.applyCall(ctx, call, env, logger)
		res.Calls = append(res.Calls, cr)
		if cr.Receipt != nil {
			res.Receipts = append(res.Receipts, *cr.Receipt)
		}

		switch cr.Status {
		case CallFailed:
			return failed(res, cr.Err)
		case CallSent:
			sent++
		}
	}

	if sent == 0 {
		res.Status = StatusSkipped
		res.Reason = "already configured"
		if len(calls) == 0 {
			res.Reason = "nothing to configure"
		}
		return res
	}

	res.Status = StatusConfigured
	res.Reason = fmt.Sprintf("%d of %d calls sent", sent, len(calls))
	return res
}

func (e *Executor) applyCall(ctx context.Context, call steps.ConfigurationCall, env steps.Env, logger *slog.Logger) CallResult {
	cr := CallResult{Target: call.Target, Method: call.Method}
	fail := func(err error) CallResult {
		cr.Status = CallFailed
		cr.Err = fmt.Errorf("%s.%s: %w", call.Target, call.Method, err)
		return cr
	}

	target, contract, err := e.resolveTarget(ctx, call, env.Network)
	if err != nil {
		return fail(err)
	}

	logger = logger.With("target", call.Target).With("address", target.Hex()).With("method", call.Method)

	guard := call.Guard
	if guard == nil && call.Ownership != nil {
		guard = &steps.Guard{Method: ownerMethod(call.Ownership), Expect: call.Ownership.NewOwner}
	}
	if guard != nil {
		done, err := e.guardSatisfied(ctx, contract, target, guard)
		if err != nil {
			return fail(fmt.Errorf("failed to read %s: %w", guard.Method, err))
		}
		if done {
			logger.Info("call already applied, skipping")
			cr.Status = CallSkipped
			return cr
		}
	}

	sub, err := e.submit(ctx, logger, func() (chain.Submission, error) {
		return e.chain.Transact(ctx, contract, target, call.Method, call.Args, call.GasLimit)
	})
	if err != nil {
		return fail(err)
	}

	timeout := call.ConfirmTimeout
	if timeout <= 0 {
		timeout = e.opts.ConfirmTimeout
	}

	receipt, err := e.wait(ctx, sub, timeout)
	if err != nil {
		return fail(err)
	}
	cr.Receipt = &receipt

	if call.Ownership != nil {
		owner, err := e.readAddress(ctx, contract, target, ownerMethod(call.Ownership))
		if err != nil {
			return fail(fmt.Errorf("failed to verify ownership: %w", err))
		}
		if owner != call.Ownership.NewOwner {
			return fail(fmt.Errorf("%w: owner is %s, expected %s", ErrOwnershipNotTransferred, owner.Hex(), call.Ownership.NewOwner.Hex()))
		}
		logger.With("new_owner", owner.Hex()).Info("ownership transfer verified")
	}

	cr.Status = CallSent
	return cr
}

// resolveTarget returns the address and ABI name a call goes to. Ledger
// targets default to the ABI of the contract they were deployed from.
func (e *Executor) resolveTarget(ctx context.Context, call steps.ConfigurationCall, network string) (common.Address, string, error) {
	if call.Address != nil {
		if call.Contract == "" {
			return common.Address{}, "", fmt.Errorf("%w: call to external %s needs a contract ABI name", steps.ErrInvalidStep, call.Target)
		}
		return *call.Address, call.Contract, nil
	}

	artifact, ok, err := e.ledger.Lookup(ctx, call.Target, network)
	if err != nil {
		return common.Address{}, "", fmt.Errorf("failed to look up target: %w", err)
	}
	if !ok {
		return common.Address{}, "", fmt.Errorf("%w: target '%s' is not recorded on %s", steps.ErrMissingDependency, call.Target, network)
	}

	contract := call.Contract
	if contract == "" {
		contract = artifact.Contract
	}

	return artifact.Address, contract, nil
}

func (e *Executor) guardSatisfied(ctx context.Context, contract string, target common.Address, guard *steps.Guard) (bool, error) {
	out, err := e.chain.Call(ctx, contract, target, guard.Method, guard.Args)
	if err != nil {
		return false, err
	}
	if len(out) != 1 {
		return false, fmt.Errorf("guard %s returned %d values, expected 1", guard.Method, len(out))
	}

	return Equal(out[0], guard.Expect), nil
}

func (e *Executor) readAddress(ctx context.Context, contract string, target common.Address, method string) (common.Address, error) {
	out, err := e.chain.Call(ctx, contract, target, method, nil)
	if err != nil {
		return common.Address{}, err
	}
	if len(out) != 1 {
		return common.Address{}, fmt.Errorf("%s returned %d values", method, len(out))
	}

	addr, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("%s returned %T, not an address", method, out[0])
	}

	return addr, nil
}

func ownerMethod(o *steps.OwnershipTransfer) string {
	if strings.TrimSpace(o.OwnerMethod) == "" {
		return defaultOwnerMethod
	}
	return o.OwnerMethod
}

// Equal compares an on-chain value with an expected one using the same
// canonical form as constructor argument hashing, so uint16(250) equals
// big.NewInt(250).
func Equal(actual, expected any) bool {
	a, err := ledger.ArgsHash(actual)
	if err != nil {
		return false
	}
	b, err := ledger.ArgsHash(expected)
	if err != nil {
		return false
	}
	return a == b
}
