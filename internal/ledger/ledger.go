// Package ledger keeps the per-network record of deployed artifacts. A record
// is created once per (logical name, network) and is only replaced by an
// explicit forced redeploy, which supersedes it.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/compose-network/contract-deployer/internal/logger"
)

var (
	// ErrAlreadyRecorded means a non-forced record found an existing entry.
	ErrAlreadyRecorded = errors.New("artifact already recorded")
	// ErrConflict means a forced record lost a compare-and-swap race.
	ErrConflict             = errors.New("ledger entry changed concurrently")
	ErrConstructorArgsDrift = errors.New("constructor arguments drift")
)

type (
	Artifact struct {
		LogicalName         string          `json:"logicalName"`
		Contract            string          `json:"contract"`
		Network             string          `json:"network"`
		Address             common.Address  `json:"address"`
		ConstructorArgsHash common.Hash     `json:"constructorArgsHash"`
		TxHash              common.Hash     `json:"txHash"`
		DeployedAt          time.Time       `json:"deployedAt"`
		Supersedes          *common.Address `json:"supersedes,omitempty"`
	}

	// RecordRequest is a compare-and-swap write. Without Force the write only
	// succeeds when no entry exists. With Force it replaces the entry whose
	// address equals Expected (nil Expected means "no entry yet").
	RecordRequest struct {
		Artifact Artifact
		Force    bool
		Expected *common.Address
	}

	Store interface {
		Lookup(ctx context.Context, logicalName, network string) (Artifact, bool, error)
		Record(ctx context.Context, req RecordRequest) (Artifact, error)
		List(ctx context.Context, network string) ([]Artifact, error)
	}

	Decision int

	Ledger struct {
		store  Store
		logger *slog.Logger
	}
)

const (
	DecisionDeploy Decision = iota
	DecisionSkip
	DecisionDrift
)

func (d Decision) String() string {
	switch d {
	case DecisionDeploy:
		return "deploy"
	case DecisionSkip:
		return "skip"
	case DecisionDrift:
		return "drift"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

func New(store Store) *Ledger {
	return &Ledger{
		store:  store,
		logger: logger.Named("ledger"),
	}
}

func (l *Ledger) Lookup(ctx context.Context, logicalName, network string) (Artifact, bool, error) {
	return l.store.Lookup(ctx, logicalName, network)
}

func (l *Ledger) List(ctx context.Context, network string) ([]Artifact, error) {
	return l.store.List(ctx, network)
}

// Record persists an artifact. DeployedAt defaults to now.
func (l *Ledger) Record(ctx context.Context, req RecordRequest) (Artifact, error) {
	if req.Artifact.LogicalName == "" || req.Artifact.Network == "" {
		return Artifact{}, errors.New("artifact logical name and network are required")
	}
	if req.Artifact.DeployedAt.IsZero() {
		req.Artifact.DeployedAt = time.Now().UTC()
	}

	recorded, err := l.store.Record(ctx, req)
	if err != nil {
		return Artifact{}, err
	}

	l.logger.
		With("network", recorded.Network).
		With("artifact", recorded.LogicalName).
		With("address", recorded.Address.Hex()).
		With("forced", req.Force).
		Info("artifact recorded")

	return recorded, nil
}

// Check decides what a deploy step should do given the args hash it would
// deploy with.
func (l *Ledger) Check(ctx context.Context, logicalName, network string, argsHash common.Hash) (Decision, Artifact, error) {
	existing, ok, err := l.store.Lookup(ctx, logicalName, network)
	if err != nil {
		return DecisionDeploy, Artifact{}, fmt.Errorf("failed to look up '%s' on %s: %w", logicalName, network, err)
	}
	if !ok {
		return DecisionDeploy, Artifact{}, nil
	}
	if existing.ConstructorArgsHash == argsHash {
		return DecisionSkip, existing, nil
	}

	return DecisionDrift, existing, nil
}

// Addresses returns logical name to address for every artifact on network.
func (l *Ledger) Addresses(ctx context.Context, network string) (map[string]common.Address, error) {
	artifacts, err := l.store.List(ctx, network)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts on %s: %w", network, err)
	}

	addresses := make(map[string]common.Address, len(artifacts))
	for _, a := range artifacts {
		addresses[a.LogicalName] = a.Address
	}

	return addresses, nil
}

// DriftError describes a recorded artifact whose constructor arguments no
// longer match.
type DriftError struct {
	LogicalName  string
	Network      string
	Address      common.Address
	RecordedHash common.Hash
	CurrentHash  common.Hash
}

func (e *DriftError) Error() string {
	return fmt.Sprintf("%s on %s at %s: recorded args hash %s, current args hash %s",
		e.LogicalName, e.Network, e.Address.Hex(), e.RecordedHash.Hex(), e.CurrentHash.Hex())
}

func (e *DriftError) Unwrap() error {
	return ErrConstructorArgsDrift
}

// ApplyRecord is the compare-and-swap rule shared by the backends. current is
// the existing entry, if any.
func ApplyRecord(current *Artifact, req RecordRequest) (Artifact, error) {
	next := req.Artifact

	if current == nil {
		if req.Force && req.Expected != nil {
			return Artifact{}, fmt.Errorf("%w: expected %s at %s but no entry exists",
				ErrConflict, next.LogicalName, req.Expected.Hex())
		}
		return next, nil
	}

	if !req.Force {
		return Artifact{}, fmt.Errorf("%w: %s on %s at %s",
			ErrAlreadyRecorded, current.LogicalName, current.Network, current.Address.Hex())
	}
	if req.Expected == nil || *req.Expected != current.Address {
		return Artifact{}, fmt.Errorf("%w: %s on %s is now at %s",
			ErrConflict, current.LogicalName, current.Network, current.Address.Hex())
	}

	old := current.Address
	next.Supersedes = &old

	return next, nil
}
