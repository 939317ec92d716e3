package ledger

import (
	"context"
	"slices"
	"strings"
	"sync"
)

type memoryKey struct {
	network string
	name    string
}

// MemoryStore is a process-local Store used by tests and dry runs.
type MemoryStore struct {
	mu        sync.RWMutex
	artifacts map[memoryKey]Artifact
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{artifacts: make(map[memoryKey]Artifact)}
}

func (s *MemoryStore) Lookup(_ context.Context, logicalName, network string) (Artifact, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.artifacts[memoryKey{network: network, name: logicalName}]
	return a, ok, nil
}

func (s *MemoryStore) Record(_ context.Context, req RecordRequest) (Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := memoryKey{network: req.Artifact.Network, name: req.Artifact.LogicalName}

	var current *Artifact
	if existing, ok := s.artifacts[key]; ok {
		current = &existing
	}

	next, err := ApplyRecord(current, req)
	if err != nil {
		return Artifact{}, err
	}
	s.artifacts[key] = next

	return next, nil
}

func (s *MemoryStore) List(_ context.Context, network string) ([]Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Artifact
	for key, a := range s.artifacts {
		if key.network == network {
			out = append(out, a)
		}
	}
	slices.SortFunc(out, func(a, b Artifact) int {
		return strings.Compare(a.LogicalName, b.LogicalName)
	})

	return out, nil
}
