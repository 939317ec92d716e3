package orchestrator

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/compose-network/contract-deployer/internal/chain"
	"github.com/compose-network/contract-deployer/internal/executor"
)

var deployerAddr = common.HexToAddress("0x00000000000000000000000000000000000000d0")

type deployCall struct {
	Contract string
	Address  common.Address
	Args     []any
}

// fakeChain is a scripted in-memory chain. Setters named setX store their
// first argument under getter x; transferOwnership stores under owner.
type fakeChain struct {
	mu sync.Mutex

	nonce   uint64
	state   map[common.Address]map[string]any
	deploys []deployCall
	txs     int
	closed  bool

	failDeploy   map[string]error
	failTransact map[string]error
	onDeploy     func(contract string)
	ignoreOwner  bool
}

var _ executor.Chain = (*fakeChain)(nil)

func newFakeChain() *fakeChain {
	return &fakeChain{
		state:        make(map[common.Address]map[string]any),
		failDeploy:   make(map[string]error),
		failTransact: make(map[string]error),
	}
}

func (f *fakeChain) Sender() common.Address {
	return deployerAddr
}

func (f *fakeChain) Close() {
	f.closed = true
}

func (f *fakeChain) Deploy(_ context.Context, contract string, args []any, _ *uint64) (chain.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.failDeploy[contract]; err != nil {
		return chain.Submission{}, err
	}

	addr := crypto.CreateAddress(deployerAddr, f.nonce)
	f.nonce++
	f.deploys = append(f.deploys, deployCall{Contract: contract, Address: addr, Args: args})
	f.state[addr] = map[string]any{"owner": deployerAddr}

	if f.onDeploy != nil {
		f.onDeploy(contract)
	}

	return chain.Submission{Hash: common.BigToHash(new(big.Int).SetUint64(f.nonce)), Address: addr}, nil
}

func (f *fakeChain) Transact(_ context.Context, _ string, target common.Address, method string, args []any, _ *uint64) (chain.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.failTransact[method]; err != nil {
		return chain.Submission{}, err
	}

	f.nonce++
	if _, ok := f.state[target]; !ok {
		f.state[target] = make(map[string]any)
	}

	switch {
	case method == "transferOwnership":
		if !f.ignoreOwner {
			f.state[target]["owner"] = args[0]
		}
	case strings.HasPrefix(method, "set") && len(args) > 0:
		getter := strings.ToLower(method[3:4]) + method[4:]
		f.state[target][getter] = args[0]
	default:
		return chain.Submission{}, fmt.Errorf("fake chain: unsupported method %s", method)
	}

	return chain.Submission{Hash: common.BigToHash(new(big.Int).SetUint64(f.nonce))}, nil
}

func (f *fakeChain) WaitConfirmed(ctx context.Context, sub chain.Submission) (chain.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return chain.Receipt{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.txs++

	return chain.Receipt{TxHash: sub.Hash, BlockNumber: uint64(f.txs), ContractAddress: sub.Address}, nil
}

func (f *fakeChain) Call(_ context.Context, _ string, target common.Address, method string, _ []any) ([]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return []any{f.state[target][method]}, nil
}

func (f *fakeChain) transactions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.txs
}
