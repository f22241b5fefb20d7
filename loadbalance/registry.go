package loadbalance

import (
	"slices"
	"sync"
)

// patternState is the target list and rotation cursor of one resolved
// pattern key. States are created lazily and never destroyed, only emptied.
//
// Invariant: 0 <= cursor < max(1, len(targets)).
type patternState struct {
	key     string
	targets []Target
	cursor  int
}

// groupRegistry maps group key → resolved pattern key → state. One mutex
// guards every state; it is held for bookkeeping only, never across an
// Invoke.
type groupRegistry struct {
	mu     sync.Mutex
	groups map[string]map[string]*patternState
}

func newGroupRegistry() *groupRegistry {
	return &groupRegistry{groups: make(map[string]map[string]*patternState)}
}

// stateLocked returns the state for (group, key), creating it if needed.
func (r *groupRegistry) stateLocked(group, key string) *patternState {
	patterns, ok := r.groups[group]
	if !ok {
		patterns = make(map[string]*patternState)
		r.groups[group] = patterns
	}
	s, ok := patterns[key]
	if !ok {
		s = &patternState{key: key}
		patterns[key] = s
	}
	return s
}

// add appends t unless a target with the same id is present. It returns
// whether t was added and the resulting target count.
func (r *groupRegistry) add(group, key string, t Target) (bool, int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.stateLocked(group, key)
	for _, existing := range s.targets {
		if existing.ID == t.ID {
			return false, len(s.targets)
		}
	}
	s.targets = append(s.targets, t)
	return true, len(s.targets)
}

// remove deletes the target with id and resets the cursor. A missing id
// is a no-op.
func (r *groupRegistry) remove(group, key, id string) (bool, int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.stateLocked(group, key)
	i := slices.IndexFunc(s.targets, func(t Target) bool { return t.ID == id })
	if i < 0 {
		return false, len(s.targets)
	}
	s.targets = slices.Delete(s.targets, i, i+1)
	s.cursor = 0
	return true, len(s.targets)
}

func (r *groupRegistry) lookup(group, key string) (*patternState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.groups[group][key]
	return s, ok
}

// next claims the target at the cursor and advances the cursor in the same
// critical section, so two concurrent callers never claim the same slot.
func (r *groupRegistry) next(s *patternState) (Target, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.cursor >= len(s.targets) {
		s.cursor = 0
	}
	if len(s.targets) == 0 {
		return Target{}, false
	}
	t := s.targets[s.cursor]
	s.cursor = (s.cursor + 1) % len(s.targets)
	return t, true
}

func (r *groupRegistry) targets(s *patternState) []Target {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(s.targets)
}

// snapshot copies the requested groups, or all groups when none are given.
func (r *groupRegistry) snapshot(groups []string) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(groups) == 0 {
		for g := range r.groups {
			groups = append(groups, g)
		}
	}

	out := make(Snapshot, len(groups))
	for _, g := range groups {
		patterns, ok := r.groups[g]
		if !ok {
			continue
		}
		views := make(map[string]PatternView, len(patterns))
		for key, s := range patterns {
			targets := make([]TargetView, 0, len(s.targets))
			for _, t := range s.targets {
				targets = append(targets, t.view())
			}
			views[key] = PatternView{Key: key, Cursor: s.cursor, Targets: targets}
		}
		out[g] = views
	}
	return out
}

// entry adapts a patternState to the Entry interface handed to models.
type entry struct {
	registry *groupRegistry
	group    string
	state    *patternState
}

func (e *entry) Group() string { return e.group }

func (e *entry) Key() string { return e.state.key }

func (e *entry) Next() (Target, bool) { return e.registry.next(e.state) }

func (e *entry) Targets() []Target { return e.registry.targets(e.state) }
