// Package steps defines deployment and configuration steps and turns a
// selection of them into an ordered, dependency-complete plan.
package steps

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/compose-network/contract-deployer/internal/netconfig"
)

var (
	ErrInvalidStep       = errors.New("invalid step")
	ErrUnknownStep       = errors.New("unknown step")
	ErrCyclicDependency  = errors.New("cyclic dependency")
	ErrMissingDependency = errors.New("missing dependency")
)

type Kind string

const (
	KindDeploy    Kind = "deploy"
	KindConfigure Kind = "configure"
)

type (
	// Env is what a step sees when resolving its inputs: the network
	// configuration, the deployer identity and the addresses already in the
	// ledger for the network.
	Env struct {
		Network   string
		Config    netconfig.NetworkConfig
		Deployer  common.Address
		Addresses map[string]common.Address
	}

	DeploySpec struct {
		// Artifact is the logical name recorded in the ledger.
		Artifact string
		// Contract names the compiled artifact to deploy.
		Contract string
		Args     func(Env) ([]any, error)
		GasLimit *uint64
	}

	ConfigureSpec struct {
		Calls func(Env) ([]ConfigurationCall, error)
	}

	// ConfigurationCall is one state-changing invocation against an existing
	// contract.
	ConfigurationCall struct {
		// Target is a ledger artifact name. Address, when set, points at a
		// contract outside the ledger (taken from the network config) and
		// Target is then only a label.
		Target   string
		Address  *common.Address
		Contract string
		Method   string
		Args     []any

		GasLimit       *uint64
		ConfirmTimeout time.Duration

		Ownership *OwnershipTransfer
		Guard     *Guard
	}

	// OwnershipTransfer marks a call after which the deployer loses control of
	// the target. OwnerMethod is read back to verify the transfer.
	OwnershipTransfer struct {
		NewOwner    common.Address
		OwnerMethod string
	}

	// Guard reads Method(Args...) before submitting; if the single return
	// value already equals Expect the call is skipped.
	Guard struct {
		Method string
		Args   []any
		Expect any
	}

	Step struct {
		ID          string
		Description string
		Tags        []string
		Kind        Kind
		DependsOn   []string
		// NetworkDependsOn adds dependencies that only apply on the keyed
		// network.
		NetworkDependsOn map[string][]string
		// Networks restricts the step to the listed networks; empty means all.
		Networks  []string
		Deploy    *DeploySpec
		Configure *ConfigureSpec
	}
)

// Address returns the address recorded for a logical name.
func (e Env) Address(name string) (common.Address, error) {
	addr, ok := e.Addresses[name]
	if !ok {
		return common.Address{}, fmt.Errorf("%w: artifact '%s' is not deployed on %s", ErrMissingDependency, name, e.Network)
	}
	return addr, nil
}

func (s Step) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidStep)
	}

	switch s.Kind {
	case KindDeploy:
		if s.Deploy == nil || s.Deploy.Artifact == "" || s.Deploy.Contract == "" {
			return fmt.Errorf("%w: deploy step '%s' needs an artifact and a contract", ErrInvalidStep, s.ID)
		}
		if s.Configure != nil {
			return fmt.Errorf("%w: deploy step '%s' has configure calls", ErrInvalidStep, s.ID)
		}
	case KindConfigure:
		if s.Configure == nil || s.Configure.Calls == nil {
			return fmt.Errorf("%w: configure step '%s' has no calls", ErrInvalidStep, s.ID)
		}
		if s.Deploy != nil {
			return fmt.Errorf("%w: configure step '%s' has a deploy spec", ErrInvalidStep, s.ID)
		}
	default:
		return fmt.Errorf("%w: step '%s' has unknown kind '%s'", ErrInvalidStep, s.ID, s.Kind)
	}

	if slices.Contains(s.DependsOn, s.ID) {
		return fmt.Errorf("%w: step '%s' depends on itself", ErrCyclicDependency, s.ID)
	}
	for network, deps := range s.NetworkDependsOn {
		if slices.Contains(deps, s.ID) {
			return fmt.Errorf("%w: step '%s' depends on itself on %s", ErrCyclicDependency, s.ID, network)
		}
	}

	return nil
}

// Dependencies returns DependsOn followed by the entries scoped to network.
func (s Step) Dependencies(network string) []string {
	scoped := s.NetworkDependsOn[network]
	if len(scoped) == 0 {
		return s.DependsOn
	}
	return append(slices.Clone(s.DependsOn), scoped...)
}

// Artifact returns the logical name a deploy step produces, or "".
func (s Step) Artifact() string {
	if s.Kind != KindDeploy || s.Deploy == nil {
		return ""
	}
	return s.Deploy.Artifact
}

func (s Step) HasTag(tag string) bool {
	return slices.Contains(s.Tags, tag)
}

// RunsOn reports whether the step's network restriction admits network.
func (s Step) RunsOn(network string) bool {
	return len(s.Networks) == 0 || slices.Contains(s.Networks, network)
}
