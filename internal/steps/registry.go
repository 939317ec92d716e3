package steps

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Registry is the catalog of known steps.
type Registry struct {
	mu        sync.RWMutex
	steps     map[string]Step
	producers map[string]string // artifact name -> step id
}

func NewRegistry() *Registry {
	return &Registry{
		steps:     make(map[string]Step),
		producers: make(map[string]string),
	}
}

// Register adds steps to the catalog. Duplicate ids and artifacts produced by
// more than one step are rejected.
func (r *Registry) Register(steps ...Step) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range steps {
		if err := s.Validate(); err != nil {
			return err
		}
		if _, ok := r.steps[s.ID]; ok {
			return fmt.Errorf("%w: duplicate step id '%s'", ErrInvalidStep, s.ID)
		}
		if artifact := s.Artifact(); artifact != "" {
			if other, ok := r.producers[artifact]; ok {
				return fmt.Errorf("%w: artifact '%s' is produced by both '%s' and '%s'", ErrInvalidStep, artifact, other, s.ID)
			}
			r.producers[artifact] = s.ID
		}
		r.steps[s.ID] = s
	}

	return nil
}

func (r *Registry) Step(id string) (Step, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.steps[id]
	return s, ok
}

// CompareIDs orders step ids by their leading number when both have one
// ("2_a" before "10_b"), falling back to plain string order.
func CompareIDs(a, b string) int {
	na, resta, oka := numericPrefix(a)
	nb, restb, okb := numericPrefix(b)

	switch {
	case oka && okb:
		if na != nb {
			if na < nb {
				return -1
			}
			return 1
		}
		if c := strings.Compare(resta, restb); c != 0 {
			return c
		}
	case oka:
		return -1
	case okb:
		return 1
	}

	return strings.Compare(a, b)
}

func numericPrefix(id string) (uint64, string, bool) {
	end := 0
	for end < len(id) && id[end] >= '0' && id[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, id, false
	}

	n, err := strconv.ParseUint(id[:end], 10, 64)
	if err != nil {
		return 0, id, false
	}

	return n, id[end:], true
}
