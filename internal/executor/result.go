package executor

import (
	"errors"
	"time"

	"github.com/compose-network/contract-deployer/internal/chain"
	"github.com/compose-network/contract-deployer/internal/ledger"
	"github.com/compose-network/contract-deployer/internal/steps"
)

var (
	ErrDeployFailed            = errors.New("deploy failed")
	ErrConfigureFailed         = errors.New("configure failed")
	ErrTimeout                 = errors.New("confirmation timed out")
	ErrOwnershipNotTransferred = errors.New("ownership not transferred")
)

// Status is a step's position in Pending -> Running -> terminal.
type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusDeployed   Status = "deployed"
	StatusSkipped    Status = "skipped"
	StatusConfigured Status = "configured"
	StatusFailed     Status = "failed"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusDeployed, StatusSkipped, StatusConfigured, StatusFailed:
		return true
	default:
		return false
	}
}

type (
	CallStatus string

	// CallResult is the outcome of one configuration call.
	CallResult struct {
		Target  string
		Method  string
		Status  CallStatus
		Receipt *chain.Receipt
		Err     error
	}

	Result struct {
		StepID   string
		Kind     steps.Kind
		Status   Status
		Artifact *ledger.Artifact
		Receipts []chain.Receipt
		Calls    []CallResult
		Reason   string
		Warnings []error
		Err      error
		Duration time.Duration
	}
)

const (
	CallSent    CallStatus = "sent"
	CallSkipped CallStatus = "skipped"
	CallFailed  CallStatus = "failed"
)

// Transactions counts the transactions the step got confirmed.
func (r Result) Transactions() int {
	return len(r.Receipts)
}
