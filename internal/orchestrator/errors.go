package orchestrator

import (
	"github.com/compose-network/contract-deployer/internal/executor"
	"github.com/compose-network/contract-deployer/internal/ledger"
	"github.com/compose-network/contract-deployer/internal/netconfig"
	"github.com/compose-network/contract-deployer/internal/steps"
)

// Errors a run can surface, re-exported so callers classify them with
// errors.Is without importing every component.
var (
	ErrUnknownNetwork       = netconfig.ErrUnknownNetwork
	ErrUnknownStep          = steps.ErrUnknownStep
	ErrCyclicDependency     = steps.ErrCyclicDependency
	ErrMissingDependency    = steps.ErrMissingDependency
	ErrConstructorArgsDrift = ledger.ErrConstructorArgsDrift
	ErrDeployFailed         = executor.ErrDeployFailed
	ErrConfigureFailed      = executor.ErrConfigureFailed
	ErrTimeout              = executor.ErrTimeout
)
