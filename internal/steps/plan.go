package steps

import (
	"fmt"
	"slices"
	"strings"
)

type (
	// Selection picks steps by id or by tag. Both empty selects everything.
	Selection struct {
		IDs  []string
		Tags []string
	}

	PlannedStep struct {
		Step
		// After holds the ids of planned steps this one directly depends on.
		After []string
		// Requires holds artifact names that must be in the ledger before the
		// step runs.
		Requires []string
		// Implicit is true for steps pulled in only as a dependency.
		Implicit bool
	}

	Plan struct {
		Network string
		Steps   []PlannedStep
		// Excluded lists selected steps dropped by their network restriction.
		Excluded []string
	}
)

func (s Selection) IsEmpty() bool {
	return len(s.IDs) == 0 && len(s.Tags) == 0
}

func (s Selection) String() string {
	var parts []string
	if len(s.IDs) > 0 {
		parts = append(parts, "steps="+strings.Join(s.IDs, ","))
	}
	if len(s.Tags) > 0 {
		parts = append(parts, "tags="+strings.Join(s.Tags, ","))
	}
	if len(parts) == 0 {
		return "all"
	}
	return strings.Join(parts, " ")
}

func (s Selection) matches(step Step) bool {
	if s.IsEmpty() {
		return true
	}
	if slices.Contains(s.IDs, step.ID) {
		return true
	}
	for _, tag := range s.Tags {
		if step.HasTag(tag) {
			return true
		}
	}
	return false
}

// Plan resolves a selection into an ordered plan for network:
//
//  1. keep selected steps that run on the network
//  2. pull in dependencies transitively, regardless of tags
//  3. order topologically, breaking ties by step id
//
// A dependency names a step id or an artifact produced by a deploy step.
// Entries of NetworkDependsOn only count on their own network.
// Anything else is an external artifact that must already be in the ledger.
func (r *Registry) Plan(sel Selection, network string) (Plan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, id := range sel.IDs {
		if _, ok := r.steps[id]; !ok {
			return Plan{}, fmt.Errorf("%w: '%s'", ErrUnknownStep, id)
		}
	}

	plan := Plan{Network: network}
	planned := make(map[string]*PlannedStep)
	var queue []string

	for _, s := range r.sortedSteps() {
		if !sel.matches(s) {
			continue
		}
		if !s.RunsOn(network) {
			plan.Excluded = append(plan.Excluded, s.ID)
			continue
		}
		planned[s.ID] = &PlannedStep{Step: s}
		queue = append(queue, s.ID)
	}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		ps := planned[id]

		for _, dep := range ps.Dependencies(network) {
			depID, isStep := r.resolveDependency(dep)
			if !isStep {
				ps.Requires = appendUnique(ps.Requires, dep)
				continue
			}

			depStep := r.steps[depID]
			if !depStep.RunsOn(network) {
				return Plan{}, fmt.Errorf("%w: step '%s' needs '%s', which does not run on %s",
					ErrMissingDependency, id, dep, network)
			}

			ps.After = appendUnique(ps.After, depID)
			if artifact := depStep.Artifact(); artifact != "" {
				ps.Requires = appendUnique(ps.Requires, artifact)
			}

			if _, ok := planned[depID]; !ok {
				planned[depID] = &PlannedStep{Step: depStep, Implicit: true}
				queue = append(queue, depID)
			}
		}
	}

	ordered, err := topoSort(planned)
	if err != nil {
		return Plan{}, err
	}
	plan.Steps = ordered

	return plan, nil
}

func (r *Registry) resolveDependency(dep string) (string, bool) {
	if _, ok := r.steps[dep]; ok {
		return dep, true
	}
	if id, ok := r.producers[dep]; ok {
		return id, true
	}
	return "", false
}

func (r *Registry) sortedSteps() []Step {
	out := make([]Step, 0, len(r.steps))
	for _, s := range r.steps {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b Step) int { return CompareIDs(a.ID, b.ID) })
	return out
}

// topoSort is Kahn's algorithm taking the lowest ready id each round.
func topoSort(planned map[string]*PlannedStep) ([]PlannedStep, error) {
	indegree := make(map[string]int, len(planned))
	dependents := make(map[string][]string, len(planned))
	for id, ps := range planned {
		indegree[id] = len(ps.After)
		for _, dep := range ps.After {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var ready []string
	for id, n := range indegree {
		if n == 0 {
			ready = append(ready, id)
		}
	}

	ordered := make([]PlannedStep, 0, len(planned))
	for len(ready) > 0 {
		slices.SortFunc(ready, CompareIDs)
		id := ready[0]
		ready = ready[1:]

		ordered = append(ordered, *planned[id])
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}

	if len(ordered) != len(planned) {
		var cycle []string
		for id, n := range indegree {
			if n > 0 {
				cycle = append(cycle, id)
			}
		}
		slices.SortFunc(cycle, CompareIDs)
		return nil, fmt.Errorf("%w among steps %s", ErrCyclicDependency, strings.Join(cycle, ", "))
	}

	return ordered, nil
}

// Find returns the planned step with the given id.
func (p Plan) Find(id string) (PlannedStep, bool) {
	for _, ps := range p.Steps {
		if ps.ID == id {
			return ps, true
		}
	}
	return PlannedStep{}, false
}

// Dependents returns the ids of planned steps that transitively depend on id,
// in plan order.
func (p Plan) Dependents(id string) []string {
	affected := map[string]bool{id: true}
	var out []string
	for _, ps := range p.Steps {
		for _, dep := range ps.After {
			if affected[dep] {
				affected[ps.ID] = true
				out = append(out, ps.ID)
				break
			}
		}
	}
	return out
}

// Dependencies returns the ids of planned steps id transitively depends on.
func (p Plan) Dependencies(id string) []string {
	byID := make(map[string]PlannedStep, len(p.Steps))
	for _, ps := range p.Steps {
		byID[ps.ID] = ps
	}

	seen := make(map[string]bool)
	var walk func(string)
	walk = func(cur string) {
		for _, dep := range byID[cur].After {
			if !seen[dep] {
				seen[dep] = true
				walk(dep)
			}
		}
	}
	walk(id)

	var out []string
	for _, ps := range p.Steps {
		if seen[ps.ID] {
			out = append(out, ps.ID)
		}
	}
	return out
}

func (p Plan) IDs() []string {
	ids := make([]string, 0, len(p.Steps))
	for _, ps := range p.Steps {
		ids = append(ids, ps.ID)
	}
	return ids
}

func appendUnique(list []string, v string) []string {
	if slices.Contains(list, v) {
		return list
	}
	return append(list, v)
}
