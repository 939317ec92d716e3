// Package chain is the deployer's view of an EVM network: it deploys compiled
// contracts, sends contract calls, waits for receipts and reads contract state
// on behalf of a single signing account.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/compose-network/contract-deployer/internal/logger"
)

var (
	ErrReverted        = errors.New("transaction reverted")
	ErrChainIDMismatch = errors.New("chain id mismatch")
)

type (
	// Client is the subset of ethclient.Client the backend needs.
	Client interface {
		bind.ContractBackend
		bind.DeployBackend
		ChainID(ctx context.Context) (*big.Int, error)
	}

	Options struct {
		// ExpectedChainID, when non-zero, must match the node's chain id.
		ExpectedChainID int64
		// DefaultGasLimit is used when a call has no override. Zero means
		// estimate.
		DefaultGasLimit uint64
	}

	// Submission is a sent transaction. Address is set for deployments.
	Submission struct {
		Hash    common.Hash
		Address common.Address
		tx      *types.Transaction
	}

	Receipt struct {
		TxHash          common.Hash
		BlockNumber     uint64
		GasUsed         uint64
		ContractAddress common.Address
	}

	Backend struct {
		client          Client
		closeFn         func()
		contracts       map[string]CompiledContract
		key             *ecdsa.PrivateKey
		sender          common.Address
		chainID         *big.Int
		defaultGasLimit uint64
		logger          *slog.Logger

		// nonce is the next account nonce to sign with, nil until fetched.
		// It only advances after a successful send, so a resend after an
		// ambiguous transport error reuses it and cannot create a second
		// contract.
		mu    sync.Mutex
		nonce *uint64
	}
)

// NewSubmission wraps a transaction that was sent outside the backend.
func NewSubmission(tx *types.Transaction, address common.Address) Submission {
	return Submission{Hash: tx.Hash(), Address: address, tx: tx}
}

// Dial connects to rpcURL and builds a backend signing with key.
func Dial(ctx context.Context, rpcURL string, contracts map[string]CompiledContract, key *ecdsa.PrivateKey, opts Options) (*Backend, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", rpcURL, err)
	}

	b, err := New(ctx, client, contracts, key, opts)
	if err != nil {
		client.Close()
		return nil, err
	}
	b.closeFn = client.Close

	return b, nil
}

func New(ctx context.Context, client Client, contracts map[string]CompiledContract, key *ecdsa.PrivateKey, opts Options) (*Backend, error) {
	sender, err := AddressFromPrivateKey(key)
	if err != nil {
		return nil, err
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}
	if opts.ExpectedChainID != 0 && chainID.Cmp(big.NewInt(opts.ExpectedChainID)) != 0 {
		return nil, fmt.Errorf("%w: node reports %s, expected %d", ErrChainIDMismatch, chainID, opts.ExpectedChainID)
	}

	b := &Backend{
		client:          client,
		contracts:       contracts,
		key:             key,
		sender:          sender,
		chainID:         chainID,
		defaultGasLimit: opts.DefaultGasLimit,
		logger:          logger.Named("chain_backend"),
	}

	b.logger.
		With("chain_id", chainID).
		With("sender", sender.Hex()).
		Info("chain backend ready")

	return b, nil
}

func (b *Backend) Sender() common.Address {
	return b.sender
}

func (b *Backend) ChainID() *big.Int {
	return new(big.Int).Set(b.chainID)
}

func (b *Backend) Close() {
	if b.closeFn != nil {
		b.closeFn()
	}
}

func (b *Backend) contract(name string) (CompiledContract, error) {
	c, ok := b.contracts[name]
	if !ok {
		return CompiledContract{}, fmt.Errorf("%w: '%s' is not in the compiled artifacts", ErrUnknownContract, name)
	}
	return c, nil
}

func (b *Backend) transactor(ctx context.Context, gasLimit *uint64) (*bind.TransactOpts, error) {
	auth, err := bind.NewKeyedTransactorWithChainID(b.key, b.chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}

	nonce, err := b.nextNonce(ctx)
	if err != nil {
		return nil, err
	}

	auth.Context = ctx
	auth.Nonce = new(big.Int).SetUint64(nonce)
	auth.GasLimit = b.defaultGasLimit
	if gasLimit != nil {
		auth.GasLimit = *gasLimit
	}

	return auth, nil
}

func (b *Backend) nextNonce(ctx context.Context) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.nonce != nil {
		return *b.nonce, nil
	}

	nonce, err := b.client.PendingNonceAt(ctx, b.sender)
	if err != nil {
		return 0, fmt.Errorf("failed to get pending nonce: %w", err)
	}
	b.nonce = &nonce

	return nonce, nil
}

// settleNonce advances the local nonce after a send. A retryable error keeps
// it for the resend; any other error drops it so the next send re-reads the
// node's pending nonce.
func (b *Backend) settleNonce(sendErr error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case b.nonce == nil:
	case sendErr == nil:
		next := *b.nonce + 1
		b.nonce = &next
	case !IsRetryable(sendErr):
		b.nonce = nil
	}
}

// Deploy sends the creation transaction for a compiled contract. It does not
// wait for inclusion.
func (b *Backend) Deploy(ctx context.Context, contractName string, args []any, gasLimit *uint64) (Submission, error) {
	contract, err := b.contract(contractName)
	if err != nil {
		return Submission{}, err
	}
	if len(contract.Bytecode) == 0 {
		return Submission{}, fmt.Errorf("contract '%s' has no bytecode", contractName)
	}

	auth, err := b.transactor(ctx, gasLimit)
	if err != nil {
		return Submission{}, err
	}

	address, tx, _, err := bind.DeployContract(auth, contract.ABI, contract.Bytecode, b.client, args...)
	b.settleNonce(err)
	if err != nil {
		return Submission{}, fmt.Errorf("failed to deploy contract: %w", err)
	}

	b.logger.
		With("contract", contractName).
		With("address", address).
		With("tx_hash", tx.Hash().Hex()).
		Info("contract deployment transaction sent")

	return NewSubmission(tx, address), nil
}

// Transact sends method(args...) to the contract at target, encoded with the
// ABI of contractName.
func (b *Backend) Transact(ctx context.Context, contractName string, target common.Address, method string, args []any, gasLimit *uint64) (Submission, error) {
	contract, err := b.contract(contractName)
	if err != nil {
		return Submission{}, err
	}

	auth, err := b.transactor(ctx, gasLimit)
	if err != nil {
		return Submission{}, err
	}

	bound := bind.NewBoundContract(target, contract.ABI, b.client, b.client, b.client)
	tx, err := bound.Transact(auth, method, args...)
	b.settleNonce(err)
	if err != nil {
		return Submission{}, fmt.Errorf("failed to send %s.%s: %w", contractName, method, err)
	}

	b.logger.
		With("contract", contractName).
		With("target", target).
		With("method", method).
		With("tx_hash", tx.Hash().Hex()).
		Info("transaction sent")

	return NewSubmission(tx, common.Address{}), nil
}

// WaitConfirmed blocks until the transaction is mined or ctx ends. A mined
// transaction with a failed status returns ErrReverted.
func (b *Backend) WaitConfirmed(ctx context.Context, sub Submission) (Receipt, error) {
	if sub.tx == nil {
		return Receipt{}, fmt.Errorf("submission %s has no transaction to wait for", sub.Hash.Hex())
	}

	receipt, err := bind.WaitMined(ctx, b.client, sub.tx)
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to wait for transaction %s: %w", sub.Hash.Hex(), err)
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return Receipt{}, fmt.Errorf("%w: %s in block %d", ErrReverted, sub.Hash.Hex(), receipt.BlockNumber.Uint64())
	}

	return Receipt{
		TxHash:          receipt.TxHash,
		BlockNumber:     receipt.BlockNumber.Uint64(),
		GasUsed:         receipt.GasUsed,
		ContractAddress: receipt.ContractAddress,
	}, nil
}

// Call runs a read-only method and returns its decoded outputs.
func (b *Backend) Call(ctx context.Context, contractName string, target common.Address, method string, args []any) ([]any, error) {
	contract, err := b.contract(contractName)
	if err != nil {
		return nil, err
	}

	bound := bind.NewBoundContract(target, contract.ABI, b.client, b.client, b.client)

	var out []any
	if err := bound.Call(&bind.CallOpts{Context: ctx, From: b.sender}, &out, method, args...); err != nil {
		return nil, fmt.Errorf("failed to call %s.%s: %w", contractName, method, err)
	}

	return out, nil
}

// IsRetryable reports whether err is a transport failure worth a resend.
// Some of these (a reset connection, a gateway error) can arrive after the
// node accepted the transaction; the backend resends with the same nonce, so
// the node rejects the duplicate as known or underpriced, both final.
// Reverts, nonce and funding errors are final.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrReverted) {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, final := range []string{"insufficient funds", "nonce", "execution reverted", "already known", "underpriced"} {
		if strings.Contains(msg, final) {
			return false
		}
	}
	for _, transient := range []string{"connection refused", "no such host", "connection reset", "too many requests", "429", "502 bad gateway", "503 service unavailable"} {
		if strings.Contains(msg, transient) {
			return true
		}
	}

	return false
}
