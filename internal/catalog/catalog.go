// Package catalog holds the deployment and configuration steps of the
// lottery contract suite.
package catalog

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/compose-network/contract-deployer/internal/netconfig"
	"github.com/compose-network/contract-deployer/internal/steps"
)

// Logical artifact names recorded in the ledger.
const (
	MockPLAY      = "MockPLAY"
	PrizeVault    = "PrizeVault"
	LinearRelease = "LinearRelease"
)

const (
	StepDeployMockPLAY         = "000_deploy_mock_play"
	StepDeployPrizeVault       = "010_deploy_prize_vault"
	StepDeployLinearRelease    = "020_deploy_linear_release"
	StepConfigurePrizeVault    = "030_configure_prize_vault"
	StepConfigureLottery       = "040_configure_lottery"
	StepConfigureLinearRelease = "050_configure_linear_release"
	StepTransferOwnership      = "090_transfer_ownership"
)

// whole tokens minted by the mock PLAY deployment unless MockPLAY.Supply is set
const mockSupplyWhole = 1_000_000_000

// Steps returns the full catalog. The slice is freshly built on every call.
func Steps() []steps.Step {
	return []steps.Step{
		{
			ID:          StepDeployMockPLAY,
			Description: "deploy a mintable PLAY token for local chains",
			Tags:        []string{"mock", "token"},
			Kind:        steps.KindDeploy,
			Networks:    []string{"localnet"},
			Deploy: &steps.DeploySpec{
				Artifact: MockPLAY,
				Contract: "MockERC20",
				Args:     mockPLAYArgs,
			},
		},
		{
			ID:          StepDeployPrizeVault,
			Description: "deploy the prize vault holding lottery winnings",
			Tags:        []string{PrizeVault, "vault", "core"},
			Kind:        steps.KindDeploy,
			// local chains have no PLAY token and read the mock's address
			NetworkDependsOn: map[string][]string{"localnet": {MockPLAY}},
			Deploy: &steps.DeploySpec{
				Artifact: PrizeVault,
				Contract: "PrizeVault",
				Args:     prizeVaultArgs,
			},
		},
		{
			ID:          StepDeployLinearRelease,
			Description: "deploy the linear release schedule for the treasury",
			Tags:        []string{LinearRelease, "release", "core"},
			Kind:        steps.KindDeploy,
			Deploy: &steps.DeploySpec{
				Artifact: LinearRelease,
				Contract: "LinearRelease",
				Args:     linearReleaseArgs,
			},
		},
		{
			ID:          StepConfigurePrizeVault,
			Description: "set the distributor and fee of the prize vault",
			Tags:        []string{"vault", "configure"},
			Kind:        steps.KindConfigure,
			DependsOn:   []string{StepDeployPrizeVault},
			Configure:   &steps.ConfigureSpec{Calls: prizeVaultCalls},
		},
		{
			ID:          StepConfigureLottery,
			Description: "point the lottery at the prize vault",
			Tags:        []string{"lottery", "configure"},
			Kind:        steps.KindConfigure,
			DependsOn:   []string{PrizeVault},
			Configure:   &steps.ConfigureSpec{Calls: lotteryCalls},
		},
		{
			ID:          StepConfigureLinearRelease,
			Description: "set the released token",
			Tags:        []string{"release", "configure"},
			Kind:        steps.KindConfigure,
			DependsOn:   []string{StepDeployLinearRelease},
			Configure:   &steps.ConfigureSpec{Calls: linearReleaseCalls},

			NetworkDependsOn: map[string][]string{"localnet": {MockPLAY}},
		},
		{
			ID:          StepTransferOwnership,
			Description: "hand the vault and the release schedule over to the multisig",
			Tags:        []string{"ownership"},
			Kind:        steps.KindConfigure,
			DependsOn:   []string{StepConfigurePrizeVault, StepConfigureLinearRelease},
			Configure:   &steps.ConfigureSpec{Calls: ownershipCalls},
		},
	}
}

// Register adds the catalog to r.
func Register(r *steps.Registry) error {
	if err := r.Register(Steps()...); err != nil {
		return fmt.Errorf("failed to register step catalog: %w", err)
	}
	return nil
}

func mockPLAYArgs(env steps.Env) ([]any, error) {
	supply, err := uintOr(env.Config, "MockPLAY.Supply", new(big.Int).Mul(big.NewInt(mockSupplyWhole), big.NewInt(1e18)))
	if err != nil {
		return nil, err
	}
	return []any{"PLAY Token", "PLAY", supply}, nil
}

// playToken prefers the configured PLAY token and falls back to the mock
// deployed on local chains. Steps calling it depend on MockPLAY there.
func playToken(env steps.Env) (common.Address, error) {
	if env.Config.HasToken("PLAY") {
		return env.Config.Token("PLAY")
	}
	return env.Address(MockPLAY)
}

// prizeVaultArgs resolves PrizeVault(lottery, token, initialRound, epoch).
func prizeVaultArgs(env steps.Env) ([]any, error) {
	lottery, err := env.Config.Contract("Lottery")
	if err != nil {
		return nil, err
	}
	token, err := playToken(env)
	if err != nil {
		return nil, err
	}
	epoch, err := uintOr(env.Config, "Vault.Epoch", big.NewInt(0))
	if err != nil {
		return nil, err
	}

	return []any{lottery, token, stringOr(env.Config, "Vault.InitialRound", "0"), epoch}, nil
}

// linearReleaseArgs resolves LinearRelease(beneficiary, start, duration, revocable).
func linearReleaseArgs(env steps.Env) ([]any, error) {
	beneficiary, err := env.Config.Contract("Funds.Treasury")
	if err != nil {
		return nil, err
	}
	start, err := env.Config.Uint("LinearRelease.Start")
	if err != nil {
		return nil, err
	}
	duration, err := env.Config.Uint("LinearRelease.Duration")
	if err != nil {
		return nil, err
	}
	revocable, err := env.Config.Bool("LinearRelease.Revocable")
	if err != nil {
		return nil, err
	}

	return []any{beneficiary, start, duration, revocable}, nil
}

func prizeVaultCalls(env steps.Env) ([]steps.ConfigurationCall, error) {
	distributor, err := env.Config.Contract("Vault.Distributor")
	if err != nil {
		return nil, err
	}
	fee, err := env.Config.Uint("Vault.FeeBps")
	if err != nil {
		return nil, err
	}
	if fee.Cmp(big.NewInt(10_000)) > 0 {
		return nil, fmt.Errorf("%w: Vault.FeeBps %s exceeds 10000", netconfig.ErrInvalidValue, fee)
	}

	return []steps.ConfigurationCall{
		{
			Target: PrizeVault,
			Method: "setDistributor",
			Args:   []any{distributor},
			Guard:  &steps.Guard{Method: "distributor", Expect: distributor},
		},
		{
			Target: PrizeVault,
			Method: "setFeeBps",
			Args:   []any{fee},
			Guard:  &steps.Guard{Method: "feeBps", Expect: fee},
		},
	}, nil
}

func lotteryCalls(env steps.Env) ([]steps.ConfigurationCall, error) {
	lottery, err := env.Config.Contract("Lottery")
	if err != nil {
		return nil, err
	}
	vault, err := env.Address(PrizeVault)
	if err != nil {
		return nil, err
	}

	return []steps.ConfigurationCall{{
		Target:   "Lottery",
		Address:  &lottery,
		Contract: "ILottery",
		Method:   "setPrizeVault",
		Args:     []any{vault},
		Guard:    &steps.Guard{Method: "prizeVault", Expect: vault},
	}}, nil
}

func linearReleaseCalls(env steps.Env) ([]steps.ConfigurationCall, error) {
	token, err := playToken(env)
	if err != nil {
		return nil, err
	}

	return []steps.ConfigurationCall{{
		Target: LinearRelease,
		Method: "setToken",
		Args:   []any{token},
		Guard:  &steps.Guard{Method: "token", Expect: token},
	}}, nil
}

func ownershipCalls(env steps.Env) ([]steps.ConfigurationCall, error) {
	multisig, err := env.Config.Contract("Funds.Multisig")
	if err != nil {
		return nil, err
	}

	calls := make([]steps.ConfigurationCall, 0, 2)
	for _, target := range []string{PrizeVault, LinearRelease} {
		calls = append(calls, steps.ConfigurationCall{
			Target:    target,
			Method:    "transferOwnership",
			Args:      []any{multisig},
			Ownership: &steps.OwnershipTransfer{NewOwner: multisig},
		})
	}

	return calls, nil
}

func uintOr(cfg netconfig.NetworkConfig, name string, fallback *big.Int) (*big.Int, error) {
	v, err := cfg.Uint(name)
	if errors.Is(err, netconfig.ErrMissingValue) {
		return fallback, nil
	}
	return v, err
}

func stringOr(cfg netconfig.NetworkConfig, name, fallback string) string {
	v, err := cfg.Param(name)
	if err != nil {
		return fallback
	}
	return v.String()
}
