package hooks

import "sync"

// Registry stores hook groups per event and matches them against a tool
// name at dispatch time.
type Registry struct {
	mu     sync.RWMutex
	groups map[EventName][]HookGroup
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{groups: make(map[EventName][]HookGroup)}
}

// RegisterGroup appends group to event's group list as-is.
func (r *Registry) RegisterGroup(event EventName, group HookGroup) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groups[event] = append(r.groups[event], group)
}

// Register adds a single hook to event, either into a new group (when
// groupMatcher is non-empty) or folded into the existing group sharing the
// hook's own matcher (or the default, matcher-less group).
func (r *Registry) Register(event EventName, hook Hook, groupMatcher string, sequential bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if groupMatcher != "" {
		r.groups[event] = append(r.groups[event], HookGroup{Matcher: groupMatcher, Sequential: sequential, Hooks: []Hook{hook}})
		return
	}

	matcher := hook.Matcher
	for i, g := range r.groups[event] {
		if g.Matcher == matcher {
			r.groups[event][i].Hooks = append(r.groups[event][i].Hooks, hook)
			return
		}
	}
	r.groups[event] = append(r.groups[event], HookGroup{Matcher: matcher, Sequential: sequential, Hooks: []Hook{hook}})
}

// ForEvent returns the groups registered for event, each filtered down to
// the hooks (and group) that match toolName. Pass "" for toolName to skip
// matching and get every registered group as-is.
func (r *Registry) ForEvent(event EventName, toolName string) []HookGroup {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := r.groups[event]
	if toolName == "" {
		return append([]HookGroup{}, all...)
	}

	var matched []HookGroup
	for _, g := range all {
		if !matchesTool(g.Matcher, toolName) {
			continue
		}
		var hooks []Hook
		for _, h := range g.Hooks {
			if matchesTool(h.Matcher, toolName) {
				hooks = append(hooks, h)
			}
		}
		if len(hooks) > 0 {
			matched = append(matched, HookGroup{Matcher: g.Matcher, Sequential: g.Sequential, Hooks: hooks})
		}
	}
	return matched
}

// HasHooks reports whether any groups are registered for event.
func (r *Registry) HasHooks(event EventName) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.groups[event]) > 0
}

// Clear removes every registered hook, mainly for test setup.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groups = make(map[EventName][]HookGroup)
}
