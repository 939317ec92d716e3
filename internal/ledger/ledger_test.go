package ledger

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	addrA = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	addrB = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	addrC = common.HexToAddress("0x00000000000000000000000000000000000000cc")
)

func artifact(name, network string, addr common.Address, hash common.Hash) Artifact {
	return Artifact{
		LogicalName:         name,
		Contract:            name,
		Network:             network,
		Address:             addr,
		ConstructorArgsHash: hash,
	}
}

func TestLedger_Check(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryStore())

	hashX := MustArgsHash(addrA)
	hashY := MustArgsHash(addrB)

	decision, _, err := l.Check(ctx, "PrizeVault", "testnet", hashX)
	require.NoError(t, err)
	assert.Equal(t, DecisionDeploy, decision)

	_, err = l.Record(ctx, RecordRequest{Artifact: artifact("PrizeVault", "testnet", addrC, hashX)})
	require.NoError(t, err)

	decision, existing, err := l.Check(ctx, "PrizeVault", "testnet", hashX)
	require.NoError(t, err)
	assert.Equal(t, DecisionSkip, decision)
	assert.Equal(t, addrC, existing.Address)
	assert.False(t, existing.DeployedAt.IsZero())

	decision, existing, err = l.Check(ctx, "PrizeVault", "testnet", hashY)
	require.NoError(t, err)
	assert.Equal(t, DecisionDrift, decision)
	assert.Equal(t, addrC, existing.Address)

	decision, _, err = l.Check(ctx, "PrizeVault", "mainnet", hashX)
	require.NoError(t, err)
	assert.Equal(t, DecisionDeploy, decision, "records are per network")
}

func TestLedger_RecordRequiresKey(t *testing.T) {
	l := New(NewMemoryStore())
	_, err := l.Record(context.Background(), RecordRequest{Artifact: Artifact{Network: "testnet"}})
	assert.Error(t, err)
}

func TestLedger_Addresses(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryStore())

	_, err := l.Record(ctx, RecordRequest{Artifact: artifact("PrizeVault", "testnet", addrA, common.Hash{})})
	require.NoError(t, err)
	_, err = l.Record(ctx, RecordRequest{Artifact: artifact("LinearRelease", "testnet", addrB, common.Hash{})})
	require.NoError(t, err)
	_, err = l.Record(ctx, RecordRequest{Artifact: artifact("PrizeVault", "mainnet", addrC, common.Hash{})})
	require.NoError(t, err)

	addresses, err := l.Addresses(ctx, "testnet")
	require.NoError(t, err)
	assert.Equal(t, map[string]common.Address{"PrizeVault": addrA, "LinearRelease": addrB}, addresses)

	list, err := l.List(ctx, "testnet")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "LinearRelease", list[0].LogicalName)
}

func TestDriftError(t *testing.T) {
	err := error(&DriftError{LogicalName: "PrizeVault", Network: "testnet", Address: addrA})
	assert.ErrorIs(t, err, ErrConstructorArgsDrift)
	assert.Contains(t, err.Error(), "PrizeVault on testnet")
}

func TestArgsHash(t *testing.T) {
	base := MustArgsHash(addrA, addrB, "0", big.NewInt(0))

	assert.Equal(t, base, MustArgsHash(addrA, addrB, "0", big.NewInt(0)))
	assert.Equal(t, base, MustArgsHash(addrA, addrB, "0", 0), "ints and big ints of equal value match")
	assert.NotEqual(t, base, MustArgsHash(addrA, addrB, "0", "0"), "string and number differ")
	assert.NotEqual(t, base, MustArgsHash(addrB, addrA, "0", big.NewInt(0)), "order matters")
	assert.NotEqual(t, base, MustArgsHash(addrA, addrB, "0"))

	listHash := MustArgsHash([]common.Address{addrA, addrB}, []byte{0x01}, true, uint64(7))
	assert.Equal(t, listHash, MustArgsHash([]any{addrA, addrB}, []byte{0x01}, true, int64(7)))

	_, err := ArgsHash(struct{}{})
	assert.Error(t, err)
}
