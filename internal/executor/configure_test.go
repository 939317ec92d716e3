package executor

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/compose-network/contract-deployer/internal/chain"
	"github.com/compose-network/contract-deployer/internal/ledger"
	"github.com/compose-network/contract-deployer/internal/steps"
)

func ledgerWithVault(t *testing.T) *ledger.Ledger {
	t.Helper()
	l := ledger.New(ledger.NewMemoryStore())
	_, err := l.Record(context.Background(), ledger.RecordRequest{Artifact: ledger.Artifact{
		LogicalName: "PrizeVault",
		Contract:    "PrizeVault",
		Network:     "testnet",
		Address:     vaultAddr,
	}})
	require.NoError(t, err)
	return l
}

func configureStep(requires []string, calls ...steps.ConfigurationCall) steps.PlannedStep {
	return steps.PlannedStep{
		Step: steps.Step{
			ID:   "030_configure_prize_vault",
			Kind: steps.KindConfigure,
			Configure: &steps.ConfigureSpec{
				Calls: func(steps.Env) ([]steps.ConfigurationCall, error) { return calls, nil },
			},
		},
		Requires: requires,
	}
}

func setFeeCall() steps.ConfigurationCall {
	return steps.ConfigurationCall{
		Target: "PrizeVault",
		Method: "setFeeBps",
		Args:   []any{big.NewInt(250)},
		Guard:  &steps.Guard{Method: "feeBps", Expect: big.NewInt(250)},
	}
}

func TestConfigure_SendsCallAndWaits(t *testing.T) {
	l := ledgerWithVault(t)
	sub := chain.Submission{Hash: common.HexToHash("0xc1")}

	m := new(MockChain)
	m.On("Call", mock.Anything, "PrizeVault", vaultAddr, "feeBps", []any(nil)).Return([]any{uint16(0)}, nil).Once()
	m.On("Transact", mock.Anything, "PrizeVault", vaultAddr, "setFeeBps", []any{big.NewInt(250)}, (*uint64)(nil)).Return(sub, nil).Once()
	m.On("WaitConfirmed", mock.Anything, sub).Return(chain.Receipt{TxHash: sub.Hash}, nil).Once()

	res := New(m, l, fastOptions()).Execute(context.Background(), configureStep([]string{"PrizeVault"}, setFeeCall()), testEnv(t))

	require.NoError(t, res.Err)
	assert.Equal(t, StatusConfigured, res.Status)
	assert.Equal(t, 1, res.Transactions())
	require.Len(t, res.Calls, 1)
	assert.Equal(t, CallSent, res.Calls[0].Status)
	m.AssertExpectations(t)
}

func TestConfigure_GuardSkipsAppliedCall(t *testing.T) {
	l := ledgerWithVault(t)

	m := new(MockChain)
	m.On("Call", mock.Anything, "PrizeVault", vaultAddr, "feeBps", []any(nil)).Return([]any{uint16(250)}, nil).Once()

	res := New(m, l, fastOptions()).Execute(context.Background(), configureStep(nil, setFeeCall()), testEnv(t))

	require.NoError(t, res.Err)
	assert.Equal(t, StatusSkipped, res.Status)
	assert.Equal(t, "already configured", res.Reason)
	m.AssertNotCalled(t, "Transact", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestConfigure_MissingTarget(t *testing.T) {
	l := ledger.New(ledger.NewMemoryStore())
	m := new(MockChain)

	res := New(m, l, fastOptions()).Execute(context.Background(), configureStep(nil, setFeeCall()), testEnv(t))

	assert.Equal(t, StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, ErrConfigureFailed)
	assert.ErrorIs(t, res.Err, steps.ErrMissingDependency)
}

func TestConfigure_MissingRequiredArtifact(t *testing.T) {
	l := ledgerWithVault(t)
	m := new(MockChain)

	res := New(m, l, fastOptions()).Execute(context.Background(), configureStep([]string{"LinearRelease"}, setFeeCall()), testEnv(t))

	assert.Equal(t, StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, steps.ErrMissingDependency)
	m.AssertNotCalled(t, "Call", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestConfigure_RevertedCall(t *testing.T) {
	l := ledgerWithVault(t)
	sub := chain.Submission{Hash: common.HexToHash("0xc1")}

	call := setFeeCall()
	call.Guard = nil
	gas := uint64(80_000)
	call.GasLimit = &gas

	m := new(MockChain)
	m.On("Transact", mock.Anything, "PrizeVault", vaultAddr, "setFeeBps", mock.Anything, &gas).Return(sub, nil).Once()
	m.On("WaitConfirmed", mock.Anything, sub).Return(chain.Receipt{}, chain.ErrReverted).Once()

	res := New(m, l, fastOptions()).Execute(context.Background(), configureStep(nil, call), testEnv(t))

	assert.Equal(t, StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, ErrConfigureFailed)
	assert.ErrorIs(t, res.Err, chain.ErrReverted)
}

func TestConfigure_ExternalTarget(t *testing.T) {
	l := ledgerWithVault(t)
	sub := chain.Submission{Hash: common.HexToHash("0xc2")}

	call := steps.ConfigurationCall{
		Target:   "Lottery",
		Address:  &lotteryAddr,
		Contract: "ILottery",
		Method:   "setPrizeVault",
		Args:     []any{vaultAddr},
	}

	m := new(MockChain)
	m.On("Transact", mock.Anything, "ILottery", lotteryAddr, "setPrizeVault", []any{vaultAddr}, (*uint64)(nil)).Return(sub, nil).Once()
	m.On("WaitConfirmed", mock.Anything, sub).Return(chain.Receipt{TxHash: sub.Hash}, nil).Once()

	res := New(m, l, fastOptions()).Execute(context.Background(), configureStep(nil, call), testEnv(t))

	require.NoError(t, res.Err)
	assert.Equal(t, StatusConfigured, res.Status)
	m.AssertExpectations(t)
}

func ownershipCall() steps.ConfigurationCall {
	return steps.ConfigurationCall{
		Target:    "PrizeVault",
		Method:    "transferOwnership",
		Args:      []any{multisigAddr},
		Ownership: &steps.OwnershipTransfer{NewOwner: multisigAddr},
	}
}

func TestConfigure_OwnershipTransferVerified(t *testing.T) {
	l := ledgerWithVault(t)
	sub := chain.Submission{Hash: common.HexToHash("0xc3")}

	m := new(MockChain)
	m.On("Call", mock.Anything, "PrizeVault", vaultAddr, "owner", []any(nil)).Return([]any{deployerAddr}, nil).Once()
	m.On("Transact", mock.Anything, "PrizeVault", vaultAddr, "transferOwnership", []any{multisigAddr}, (*uint64)(nil)).Return(sub, nil).Once()
	m.On("WaitConfirmed", mock.Anything, sub).Return(chain.Receipt{TxHash: sub.Hash}, nil).Once()
	m.On("Call", mock.Anything, "PrizeVault", vaultAddr, "owner", []any(nil)).Return([]any{multisigAddr}, nil).Once()

	res := New(m, l, fastOptions()).Execute(context.Background(), configureStep(nil, ownershipCall()), testEnv(t))

	require.NoError(t, res.Err)
	assert.Equal(t, StatusConfigured, res.Status)
	m.AssertExpectations(t)
}

func TestConfigure_OwnershipNotTransferred(t *testing.T) {
	l := ledgerWithVault(t)
	sub := chain.Submission{Hash: common.HexToHash("0xc3")}

	m := new(MockChain)
	m.On("Call", mock.Anything, "PrizeVault", vaultAddr, "owner", []any(nil)).Return([]any{deployerAddr}, nil).Twice()
	m.On("Transact", mock.Anything, "PrizeVault", vaultAddr, "transferOwnership", mock.Anything, mock.Anything).Return(sub, nil).Once()
	m.On("WaitConfirmed", mock.Anything, sub).Return(chain.Receipt{TxHash: sub.Hash}, nil).Once()

	res := New(m, l, fastOptions()).Execute(context.Background(), configureStep(nil, ownershipCall()), testEnv(t))

	assert.Equal(t, StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, ErrOwnershipNotTransferred)
	assert.Equal(t, 1, res.Transactions(), "the confirmed transfer is still reported")
}

func TestConfigure_OwnershipAlreadyTransferred(t *testing.T) {
	l := ledgerWithVault(t)

	m := new(MockChain)
	m.On("Call", mock.Anything, "PrizeVault", vaultAddr, "owner", []any(nil)).Return([]any{multisigAddr}, nil).Once()

	res := New(m, l, fastOptions()).Execute(context.Background(), configureStep(nil, ownershipCall()), testEnv(t))

	require.NoError(t, res.Err)
	assert.Equal(t, StatusSkipped, res.Status)
}

func TestConfigure_StopsAtFirstFailure(t *testing.T) {
	l := ledgerWithVault(t)
	sub := chain.Submission{Hash: common.HexToHash("0xc4")}

	first := setFeeCall()
	first.Guard = nil
	second := steps.ConfigurationCall{Target: "PrizeVault", Method: "setDistributor", Args: []any{multisigAddr}}

	m := new(MockChain)
	m.On("Transact", mock.Anything, "PrizeVault", vaultAddr, "setFeeBps", mock.Anything, mock.Anything).Return(sub, nil).Once()
	m.On("WaitConfirmed", mock.Anything, sub).Return(chain.Receipt{}, chain.ErrReverted).Once()

	res := New(m, l, fastOptions()).Execute(context.Background(), configureStep(nil, first, second), testEnv(t))

	assert.Equal(t, StatusFailed, res.Status)
	require.Len(t, res.Calls, 1)
	m.AssertNotCalled(t, "Transact", mock.Anything, "PrizeVault", vaultAddr, "setDistributor", mock.Anything, mock.Anything)
}
