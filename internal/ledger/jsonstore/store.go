// Package jsonstore persists the deployment ledger as one indented JSON file
// per network, suitable for committing next to the deploy scripts and
// reviewing in diffs.
package jsonstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/compose-network/contract-deployer/internal/infra/filesystem"
	fsjson "github.com/compose-network/contract-deployer/internal/infra/filesystem/json"
	"github.com/compose-network/contract-deployer/internal/ledger"
	"github.com/compose-network/contract-deployer/internal/logger"
)

const lockRetryDelay = 50 * time.Millisecond

type (
	// file is the on-disk layout of <dir>/<network>.json.
	file struct {
		Network   string                     `json:"network"`
		Artifacts map[string]ledger.Artifact `json:"artifacts"`
		History   []ledger.Artifact          `json:"history,omitempty"`
	}

	Store struct {
		dir    string
		reader filesystem.Reader
		writer filesystem.Writer
		logger *slog.Logger

		// mu serialises writers inside the process; the file lock covers
		// other processes.
		mu sync.Mutex
	}
)

func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	return &Store{
		dir:    dir,
		reader: fsjson.NewReader(),
		writer: fsjson.NewWriter(),
		logger: logger.Named("json_ledger"),
	}, nil
}

func (s *Store) path(network string) string {
	return filepath.Join(s.dir, network+".json")
}

func (s *Store) Lookup(ctx context.Context, logicalName, network string) (ledger.Artifact, bool, error) {
	var (
		a  ledger.Artifact
		ok bool
	)
	err := s.withLock(ctx, network, false, func() error {
		f, err := s.load(network)
		if err != nil {
			return err
		}
		a, ok = f.Artifacts[logicalName]
		return nil
	})

	return a, ok, err
}

func (s *Store) List(ctx context.Context, network string) ([]ledger.Artifact, error) {
	var out []ledger.Artifact
	err := s.withLock(ctx, network, false, func() error {
		f, err := s.load(network)
		if err != nil {
			return err
		}
		for _, name := range slices.Sorted(maps.Keys(f.Artifacts)) {
			out = append(out, f.Artifacts[name])
		}
		return nil
	})

	return out, err
}

// Record performs the read-check-write under an exclusive lock on the
// network file so concurrent deployer processes cannot both insert.
func (s *Store) Record(ctx context.Context, req ledger.RecordRequest) (ledger.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	network := req.Artifact.Network
	var recorded ledger.Artifact

	err := s.withLock(ctx, network, true, func() error {
		f, err := s.load(network)
		if err != nil {
			return err
		}

		var current *ledger.Artifact
		if existing, ok := f.Artifacts[req.Artifact.LogicalName]; ok {
			current = &existing
		}

		next, err := ledger.ApplyRecord(current, req)
		if err != nil {
			return err
		}

		if current != nil {
			f.History = append(f.History, *current)
		}
		f.Artifacts[next.LogicalName] = next

		if err := s.writer.WriteJSON(s.path(network), f); err != nil {
			return fmt.Errorf("failed to write ledger file: %w", err)
		}

		recorded = next
		return nil
	})
	if err != nil {
		return ledger.Artifact{}, err
	}

	s.logger.
		With("network", network).
		With("artifact", recorded.LogicalName).
		With("path", s.path(network)).
		Debug("ledger file updated")

	return recorded, nil
}

// History returns superseded records for a network, oldest first.
func (s *Store) History(ctx context.Context, network string) ([]ledger.Artifact, error) {
	var out []ledger.Artifact
	err := s.withLock(ctx, network, false, func() error {
		f, err := s.load(network)
		if err != nil {
			return err
		}
		out = f.History
		return nil
	})

	return out, err
}

func (s *Store) load(network string) (*file, error) {
	f := &file{Network: network}
	if err := s.reader.ReadJSON(s.path(network), f); err != nil {
		if !errors.Is(err, filesystem.ErrNotExist) {
			return nil, fmt.Errorf("failed to read ledger file: %w", err)
		}
	}
	if f.Network != network {
		return nil, fmt.Errorf("ledger file %s belongs to network '%s'", s.path(network), f.Network)
	}
	if f.Artifacts == nil {
		f.Artifacts = make(map[string]ledger.Artifact)
	}

	return f, nil
}

func (s *Store) withLock(ctx context.Context, network string, exclusive bool, fn func() error) error {
	lock := flock.New(s.path(network) + ".lock")

	var (
		locked bool
		err    error
	)
	if exclusive {
		locked, err = lock.TryLockContext(ctx, lockRetryDelay)
	} else {
		locked, err = lock.TryRLockContext(ctx, lockRetryDelay)
	}
	if err != nil {
		return fmt.Errorf("failed to lock ledger for %s: %w", network, err)
	}
	if !locked {
		return fmt.Errorf("failed to lock ledger for %s", network)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			s.logger.With("network", network).With("error", err).Warn("failed to release ledger lock")
		}
	}()

	return fn()
}
