package executor

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/compose-network/contract-deployer/internal/chain"
	"github.com/compose-network/contract-deployer/internal/ledger"
	"github.com/compose-network/contract-deployer/internal/netconfig"
	"github.com/compose-network/contract-deployer/internal/steps"
)

var (
	lotteryAddr  = common.HexToAddress("0x000000000000000000000000000000000000000a")
	playAddr     = common.HexToAddress("0x000000000000000000000000000000000000000b")
	deployerAddr = common.HexToAddress("0x00000000000000000000000000000000000000d0")
	vaultAddr    = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	vaultAddr2   = common.HexToAddress("0x00000000000000000000000000000000000000f2")
	multisigAddr = common.HexToAddress("0x00000000000000000000000000000000000000e1")
)

// MockChain is a mock implementation of Chain for testing.
type MockChain struct {
	mock.Mock
}

func (m *MockChain) Sender() common.Address {
	return deployerAddr
}

func (m *MockChain) Deploy(ctx context.Context, contract string, args []any, gasLimit *uint64) (chain.Submission, error) {
	ret := m.Called(ctx, contract, args, gasLimit)
	return ret.Get(0).(chain.Submission), ret.Error(1)
}

func (m *MockChain) Transact(ctx context.Context, contract string, target common.Address, method string, args []any, gasLimit *uint64) (chain.Submission, error) {
	ret := m.Called(ctx, contract, target, method, args, gasLimit)
	return ret.Get(0).(chain.Submission), ret.Error(1)
}

func (m *MockChain) WaitConfirmed(ctx context.Context, sub chain.Submission) (chain.Receipt, error) {
	ret := m.Called(ctx, sub)
	return ret.Get(0).(chain.Receipt), ret.Error(1)
}

func (m *MockChain) Call(ctx context.Context, contract string, target common.Address, method string, args []any) ([]any, error) {
	ret := m.Called(ctx, contract, target, method, args)
	if ret.Get(0) == nil {
		return nil, ret.Error(1)
	}
	return ret.Get(0).([]any), ret.Error(1)
}

var _ Chain = (*MockChain)(nil)

func testEnv(t *testing.T) steps.Env {
	t.Helper()
	cfg, err := netconfig.Parse("testnet", map[string]any{
		"Lottery": lotteryAddr.Hex(),
		"Tokens":  map[string]any{"PLAY": playAddr.Hex()},
		"Funds":   map[string]any{"Multisig": multisigAddr.Hex()},
	})
	require.NoError(t, err)

	return steps.Env{Network: "testnet", Config: cfg, Deployer: deployerAddr, Addresses: map[string]common.Address{}}
}

func prizeVaultStep() steps.PlannedStep {
	return steps.PlannedStep{Step: steps.Step{
		ID:   "010_deploy_prize_vault",
		Kind: steps.KindDeploy,
		Deploy: &steps.DeploySpec{
			Artifact: "PrizeVault",
			Contract: "PrizeVault",
			Args: func(env steps.Env) ([]any, error) {
				lottery, err := env.Config.Contract("Lottery")
				if err != nil {
					return nil, err
				}
				play, err := env.Config.Token("PLAY")
				if err != nil {
					return nil, err
				}
				return []any{lottery, play, "0", big.NewInt(0)}, nil
			},
		},
	}}
}

func fastOptions() Options {
	return Options{ConfirmTimeout: time.Second, RetryAttempts: 2, RetryDelay: time.Millisecond}
}

func expectDeploy(m *MockChain, addr common.Address, txHash common.Hash) {
	sub := chain.Submission{Hash: txHash, Address: addr}
	m.On("Deploy", mock.Anything, "PrizeVault", mock.Anything, mock.Anything).Return(sub, nil).Once()
	m.On("WaitConfirmed", mock.Anything, sub).Return(chain.Receipt{TxHash: txHash, BlockNumber: 7, ContractAddress: addr}, nil).Once()
}

func TestExecute_DeployRecordsArtifact(t *testing.T) {
	ctx := context.Background()
	l := ledger.New(ledger.NewMemoryStore())
	m := new(MockChain)
	expectDeploy(m, vaultAddr, common.HexToHash("0x01"))

	res := New(m, l, fastOptions()).Execute(ctx, prizeVaultStep(), testEnv(t))

	require.NoError(t, res.Err)
	assert.Equal(t, StatusDeployed, res.Status)
	assert.Equal(t, 1, res.Transactions())
	require.NotNil(t, res.Artifact)
	assert.Equal(t, vaultAddr, res.Artifact.Address)

	m.AssertCalled(t, "Deploy", mock.Anything, "PrizeVault", []any{lotteryAddr, playAddr, "0", big.NewInt(0)}, (*uint64)(nil))

	recorded, ok, err := l.Lookup(ctx, "PrizeVault", "testnet")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, vaultAddr, recorded.Address)
	assert.Equal(t, "testnet", recorded.Network)
	assert.Equal(t, ledger.MustArgsHash(lotteryAddr, playAddr, "0", big.NewInt(0)), recorded.ConstructorArgsHash)
	assert.Equal(t, common.HexToHash("0x01"), recorded.TxHash)
	m.AssertExpectations(t)
}

func TestExecute_SecondRunSkipsWithoutTransactions(t *testing.T) {
	ctx := context.Background()
	l := ledger.New(ledger.NewMemoryStore())

	first := new(MockChain)
	expectDeploy(first, vaultAddr, common.HexToHash("0x01"))
	require.Equal(t, StatusDeployed, New(first, l, fastOptions()).Execute(ctx, prizeVaultStep(), testEnv(t)).Status)

	second := new(MockChain)
	res := New(second, l, fastOptions()).Execute(ctx, prizeVaultStep(), testEnv(t))

	assert.Equal(t, StatusSkipped, res.Status)
	assert.Contains(t, res.Reason, "already deployed")
	assert.Zero(t, res.Transactions())
	assert.Empty(t, res.Warnings)
	second.AssertNotCalled(t, "Deploy", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	second.AssertNotCalled(t, "WaitConfirmed", mock.Anything, mock.Anything)
}

func TestExecute_DriftWarnsAndKeepsAddress(t *testing.T) {
	ctx := context.Background()
	l := ledger.New(ledger.NewMemoryStore())

	m := new(MockChain)
	expectDeploy(m, vaultAddr, common.HexToHash("0x01"))
	require.Equal(t, StatusDeployed, New(m, l, fastOptions()).Execute(ctx, prizeVaultStep(), testEnv(t)).Status)

	changed := prizeVaultStep()
	changed.Deploy.Args = func(steps.Env) ([]any, error) {
		return []any{lotteryAddr, playAddr, "1", big.NewInt(0)}, nil
	}

	again := new(MockChain)
	res := New(again, l, fastOptions()).Execute(ctx, changed, testEnv(t))

	assert.Equal(t, StatusSkipped, res.Status)
	require.Len(t, res.Warnings, 1)
	assert.ErrorIs(t, res.Warnings[0], ledger.ErrConstructorArgsDrift)
	again.AssertNotCalled(t, "Deploy", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	recorded, _, err := l.Lookup(ctx, "PrizeVault", "testnet")
	require.NoError(t, err)
	assert.Equal(t, vaultAddr, recorded.Address)
}

func TestExecute_ForcedRedeploySupersedes(t *testing.T) {
	ctx := context.Background()
	l := ledger.New(ledger.NewMemoryStore())

	m := new(MockChain)
	expectDeploy(m, vaultAddr, common.HexToHash("0x01"))
	require.Equal(t, StatusDeployed, New(m, l, fastOptions()).Execute(ctx, prizeVaultStep(), testEnv(t)).Status)

	forced := new(MockChain)
	expectDeploy(forced, vaultAddr2, common.HexToHash("0x02"))

	opts := fastOptions()
	opts.Force = true
	res := New(forced, l, opts).Execute(ctx, prizeVaultStep(), testEnv(t))

	require.NoError(t, res.Err)
	assert.Equal(t, StatusDeployed, res.Status)
	require.NotNil(t, res.Artifact.Supersedes)
	assert.Equal(t, vaultAddr, *res.Artifact.Supersedes)

	recorded, _, err := l.Lookup(ctx, "PrizeVault", "testnet")
	require.NoError(t, err)
	assert.Equal(t, vaultAddr2, recorded.Address)
	forced.AssertExpectations(t)
}

func TestExecute_DeployTimeoutRecordsNothing(t *testing.T) {
	ctx := context.Background()
	l := ledger.New(ledger.NewMemoryStore())

	sub := chain.Submission{Hash: common.HexToHash("0x01"), Address: vaultAddr}
	m := new(MockChain)
	m.On("Deploy", mock.Anything, "PrizeVault", mock.Anything, mock.Anything).Return(sub, nil).Once()
	m.On("WaitConfirmed", mock.Anything, sub).Run(func(args mock.Arguments) {
		<-args.Get(0).(context.Context).Done()
	}).Return(chain.Receipt{}, context.DeadlineExceeded).Once()

	opts := fastOptions()
	opts.ConfirmTimeout = 20 * time.Millisecond
	res := New(m, l, opts).Execute(ctx, prizeVaultStep(), testEnv(t))

	assert.Equal(t, StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, ErrDeployFailed)
	assert.ErrorIs(t, res.Err, ErrTimeout)

	_, ok, err := l.Lookup(ctx, "PrizeVault", "testnet")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExecute_CancelledBeforeConfirmationRecordsNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l := ledger.New(ledger.NewMemoryStore())

	sub := chain.Submission{Hash: common.HexToHash("0x01"), Address: vaultAddr}
	m := new(MockChain)
	m.On("Deploy", mock.Anything, "PrizeVault", mock.Anything, mock.Anything).Return(sub, nil).Once()
	m.On("WaitConfirmed", mock.Anything, sub).Run(func(args mock.Arguments) {
		cancel()
		<-args.Get(0).(context.Context).Done()
	}).Return(chain.Receipt{}, context.Canceled).Once()

	res := New(m, l, fastOptions()).Execute(ctx, prizeVaultStep(), testEnv(t))

	assert.Equal(t, StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.NotErrorIs(t, res.Err, ErrTimeout)

	_, ok, err := l.Lookup(context.Background(), "PrizeVault", "testnet")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExecute_DeployReverted(t *testing.T) {
	l := ledger.New(ledger.NewMemoryStore())

	sub := chain.Submission{Hash: common.HexToHash("0x01"), Address: vaultAddr}
	m := new(MockChain)
	m.On("Deploy", mock.Anything, "PrizeVault", mock.Anything, mock.Anything).Return(sub, nil).Once()
	m.On("WaitConfirmed", mock.Anything, sub).Return(chain.Receipt{}, chain.ErrReverted).Once()

	res := New(m, l, fastOptions()).Execute(context.Background(), prizeVaultStep(), testEnv(t))

	assert.Equal(t, StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, ErrDeployFailed)
	assert.ErrorIs(t, res.Err, chain.ErrReverted)
}

func TestExecute_RetriesTransientSubmissionErrors(t *testing.T) {
	l := ledger.New(ledger.NewMemoryStore())

	sub := chain.Submission{Hash: common.HexToHash("0x01"), Address: vaultAddr}
	m := new(MockChain)
	m.On("Deploy", mock.Anything, "PrizeVault", mock.Anything, mock.Anything).
		Return(chain.Submission{}, errors.New("dial tcp: connection refused")).Twice()
	m.On("Deploy", mock.Anything, "PrizeVault", mock.Anything, mock.Anything).Return(sub, nil).Once()
	m.On("WaitConfirmed", mock.Anything, sub).Return(chain.Receipt{TxHash: sub.Hash, ContractAddress: vaultAddr}, nil).Once()

	res := New(m, l, fastOptions()).Execute(context.Background(), prizeVaultStep(), testEnv(t))

	require.NoError(t, res.Err)
	assert.Equal(t, StatusDeployed, res.Status)
	m.AssertNumberOfCalls(t, "Deploy", 3)
}

func TestExecute_DoesNotRetryFinalErrors(t *testing.T) {
	l := ledger.New(ledger.NewMemoryStore())

	m := new(MockChain)
	m.On("Deploy", mock.Anything, "PrizeVault", mock.Anything, mock.Anything).
		Return(chain.Submission{}, errors.New("insufficient funds for gas * price + value")).Once()

	res := New(m, l, fastOptions()).Execute(context.Background(), prizeVaultStep(), testEnv(t))

	assert.Equal(t, StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, ErrDeployFailed)
	m.AssertNumberOfCalls(t, "Deploy", 1)
}

func TestExecute_DeployArgsError(t *testing.T) {
	l := ledger.New(ledger.NewMemoryStore())
	env := testEnv(t)
	env.Config, _ = netconfig.Parse("testnet", map[string]any{})

	m := new(MockChain)
	res := New(m, l, fastOptions()).Execute(context.Background(), prizeVaultStep(), env)

	assert.Equal(t, StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, netconfig.ErrMissingValue)
	m.AssertNotCalled(t, "Deploy", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal(uint16(250), big.NewInt(250)))
	assert.True(t, Equal(multisigAddr, multisigAddr))
	assert.True(t, Equal(true, true))
	assert.False(t, Equal(multisigAddr, deployerAddr))
	assert.False(t, Equal("250", big.NewInt(250)))
	assert.False(t, Equal(struct{}{}, struct{}{}))
}

func TestStatus_Terminal(t *testing.T) {
	for _, s := range []Status{StatusDeployed, StatusSkipped, StatusConfigured, StatusFailed} {
		assert.True(t, s.Terminal(), s)
	}
	for _, s := range []Status{StatusPending, StatusRunning, ""} {
		assert.False(t, s.Terminal(), s)
	}
}

func TestExecute_UnknownKindEndsFailed(t *testing.T) {
	l := ledger.New(ledger.NewMemoryStore())
	ps := steps.PlannedStep{Step: steps.Step{ID: "090_unknown", Kind: "migrate"}}

	m := new(MockChain)
	res := New(m, l, fastOptions()).Execute(context.Background(), ps, testEnv(t))

	assert.Equal(t, StatusFailed, res.Status)
	assert.True(t, res.Status.Terminal())
	assert.ErrorIs(t, res.Err, steps.ErrInvalidStep)
}
