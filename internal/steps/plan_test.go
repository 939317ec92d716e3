package steps

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func deployStep(id, artifact string, tags []string, deps ...string) Step {
	return Step{
		ID:        id,
		Tags:      tags,
		Kind:      KindDeploy,
		DependsOn: deps,
		Deploy: &DeploySpec{
			Artifact: artifact,
			Contract: artifact,
			Args:     func(Env) ([]any, error) { return nil, nil },
		},
	}
}

func configureStep(id string, tags []string, deps ...string) Step {
	return Step{
		ID:        id,
		Tags:      tags,
		Kind:      KindConfigure,
		DependsOn: deps,
		Configure: &ConfigureSpec{
			Calls: func(Env) ([]ConfigurationCall, error) { return nil, nil },
		},
	}
}

func newRegistry(t *testing.T, steps ...Step) *Registry {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, r.Register(steps...))
	return r
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}

func TestRegistry_RegisterRejects(t *testing.T) {
	tests := []struct {
		name  string
		steps []Step
	}{
		{name: "duplicate id", steps: []Step{deployStep("1_a", "A", nil), deployStep("1_a", "B", nil)}},
		{name: "duplicate artifact", steps: []Step{deployStep("1_a", "A", nil), deployStep("2_a", "A", nil)}},
		{name: "empty id", steps: []Step{deployStep("", "A", nil)}},
		{name: "unknown kind", steps: []Step{{ID: "1_a", Kind: "upgrade"}}},
		{name: "deploy without spec", steps: []Step{{ID: "1_a", Kind: KindDeploy}}},
		{name: "configure without calls", steps: []Step{{ID: "1_a", Kind: KindConfigure, Configure: &ConfigureSpec{}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewRegistry().Register(tt.steps...)
			assert.ErrorIs(t, err, ErrInvalidStep)
		})
	}

	err := NewRegistry().Register(configureStep("1_a", nil, "1_a"))
	assert.ErrorIs(t, err, ErrCyclicDependency)
}

func TestPlan_DependencyOrdering(t *testing.T) {
	r := newRegistry(t,
		configureStep("001_wire", []string{"wire"}, "Vault", "Release"),
		deployStep("900_vault", "Vault", []string{"core"}),
		deployStep("500_release", "Release", []string{"core"}),
	)

	plan, err := r.Plan(Selection{}, "testnet")
	require.NoError(t, err)

	ids := plan.IDs()
	require.Len(t, ids, 3)
	assert.Less(t, indexOf(ids, "900_vault"), indexOf(ids, "001_wire"))
	assert.Less(t, indexOf(ids, "500_release"), indexOf(ids, "001_wire"))
	assert.Equal(t, []string{"500_release", "900_vault", "001_wire"}, ids)

	wire, ok := plan.Find("001_wire")
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"900_vault", "500_release"}, wire.After)
	assert.ElementsMatch(t, []string{"Vault", "Release"}, wire.Requires)
}

func TestPlan_NumericTieBreak(t *testing.T) {
	r := newRegistry(t,
		deployStep("10_c", "C", nil),
		deployStep("2_b", "B", nil),
		deployStep("1_a", "A", nil),
		deployStep("setup", "S", nil),
	)

	plan, err := r.Plan(Selection{}, "testnet")
	require.NoError(t, err)
	assert.Equal(t, []string{"1_a", "2_b", "10_c", "setup"}, plan.IDs())
}

func TestPlan_ExpandsDependenciesAcrossTags(t *testing.T) {
	r := newRegistry(t,
		deployStep("010_vault", "PrizeVault", []string{"vault"}),
		configureStep("030_configure_vault", []string{"config"}, "010_vault"),
		deployStep("020_release", "LinearRelease", []string{"release"}),
	)

	plan, err := r.Plan(Selection{Tags: []string{"config"}}, "testnet")
	require.NoError(t, err)
	assert.Equal(t, []string{"010_vault", "030_configure_vault"}, plan.IDs())

	vault, _ := plan.Find("010_vault")
	assert.True(t, vault.Implicit)
	cfg, _ := plan.Find("030_configure_vault")
	assert.False(t, cfg.Implicit)
}

func TestPlan_SelectByID(t *testing.T) {
	r := newRegistry(t,
		deployStep("010_vault", "PrizeVault", []string{"vault"}),
		deployStep("020_release", "LinearRelease", []string{"release"}),
	)

	plan, err := r.Plan(Selection{IDs: []string{"020_release"}}, "testnet")
	require.NoError(t, err)
	assert.Equal(t, []string{"020_release"}, plan.IDs())

	_, err = r.Plan(Selection{IDs: []string{"999_nope"}}, "testnet")
	assert.ErrorIs(t, err, ErrUnknownStep)
}

func TestPlan_CycleDetection(t *testing.T) {
	r := newRegistry(t,
		configureStep("A", nil, "B"),
		configureStep("B", nil, "A"),
		deployStep("C", "C", nil),
	)

	plan, err := r.Plan(Selection{IDs: []string{"A"}}, "testnet")
	require.ErrorIs(t, err, ErrCyclicDependency)
	assert.Contains(t, err.Error(), "A, B")
	assert.Empty(t, plan.Steps)

	_, err = r.Plan(Selection{}, "testnet")
	assert.ErrorIs(t, err, ErrCyclicDependency)
}

func TestPlan_TransitiveCycle(t *testing.T) {
	r := newRegistry(t,
		configureStep("1", nil, "3"),
		configureStep("2", nil, "1"),
		configureStep("3", nil, "2"),
	)

	_, err := r.Plan(Selection{IDs: []string{"2"}}, "testnet")
	assert.ErrorIs(t, err, ErrCyclicDependency)
}

func TestPlan_NetworkRestriction(t *testing.T) {
	mock := deployStep("000_mock_play", "MockPLAY", []string{"mocks"})
	mock.Networks = []string{"testnet"}

	r := newRegistry(t,
		mock,
		deployStep("010_vault", "PrizeVault", []string{"core"}),
		configureStep("020_fund", []string{"fund"}, "MockPLAY"),
	)

	plan, err := r.Plan(Selection{Tags: []string{"mocks", "core"}}, "mainnet")
	require.NoError(t, err)
	assert.Equal(t, []string{"010_vault"}, plan.IDs())
	assert.Equal(t, []string{"000_mock_play"}, plan.Excluded)

	_, err = r.Plan(Selection{Tags: []string{"fund"}}, "mainnet")
	assert.ErrorIs(t, err, ErrMissingDependency)

	plan, err = r.Plan(Selection{Tags: []string{"fund"}}, "testnet")
	require.NoError(t, err)
	assert.Equal(t, []string{"000_mock_play", "020_fund"}, plan.IDs())
}

func TestPlan_NetworkScopedDependency(t *testing.T) {
	mock := deployStep("000_mock_play", "MockPLAY", nil)
	mock.Networks = []string{"localnet"}

	vault := deployStep("010_vault", "PrizeVault", []string{"core"})
	vault.NetworkDependsOn = map[string][]string{"localnet": {"MockPLAY"}}

	r := newRegistry(t, mock, vault)

	plan, err := r.Plan(Selection{Tags: []string{"core"}}, "localnet")
	require.NoError(t, err)
	assert.Equal(t, []string{"000_mock_play", "010_vault"}, plan.IDs())
	assert.True(t, plan.Steps[0].Implicit)

	plan, err = r.Plan(Selection{Tags: []string{"core"}}, "testnet")
	require.NoError(t, err)
	assert.Equal(t, []string{"010_vault"}, plan.IDs())
	assert.Empty(t, plan.Steps[0].After)
	assert.Empty(t, plan.Steps[0].Requires)
}

func TestStep_NetworkScopedSelfDependency(t *testing.T) {
	s := deployStep("010_vault", "PrizeVault", nil)
	s.NetworkDependsOn = map[string][]string{"localnet": {"010_vault"}}
	assert.ErrorIs(t, s.Validate(), ErrCyclicDependency)
}

func TestPlan_ExternalRequirements(t *testing.T) {
	r := newRegistry(t,
		configureStep("040_configure_lottery", nil, "Lottery"),
	)

	plan, err := r.Plan(Selection{}, "testnet")
	require.NoError(t, err)

	ps, ok := plan.Find("040_configure_lottery")
	require.True(t, ok)
	assert.Equal(t, []string{"Lottery"}, ps.Requires)
	assert.Empty(t, ps.After)
}

func TestPlan_DependentsAndDependencies(t *testing.T) {
	r := newRegistry(t,
		deployStep("1_vault", "Vault", nil),
		configureStep("2_configure_vault", nil, "Vault"),
		configureStep("3_transfer", nil, "2_configure_vault"),
		deployStep("4_release", "Release", nil),
	)

	plan, err := r.Plan(Selection{}, "testnet")
	require.NoError(t, err)

	assert.Equal(t, []string{"2_configure_vault", "3_transfer"}, plan.Dependents("1_vault"))
	assert.Equal(t, []string{"3_transfer"}, plan.Dependents("2_configure_vault"))
	assert.Empty(t, plan.Dependents("4_release"))
	assert.Equal(t, []string{"1_vault", "2_configure_vault"}, plan.Dependencies("3_transfer"))
}

func TestCompareIDs(t *testing.T) {
	assert.Negative(t, CompareIDs("2_a", "10_a"))
	assert.Negative(t, CompareIDs("010_a", "010_b"))
	assert.Positive(t, CompareIDs("setup", "99_z"))
	assert.Negative(t, CompareIDs("alpha", "beta"))
	assert.Zero(t, CompareIDs("1_a", "1_a"))
}

func TestSelection_String(t *testing.T) {
	assert.Equal(t, "all", Selection{}.String())
	assert.Equal(t, "steps=1,2 tags=core", Selection{IDs: []string{"1", "2"}, Tags: []string{"core"}}.String())
}
