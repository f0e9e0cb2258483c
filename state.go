package cell

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// StateManager holds the agent's key/value state (goal, rules, tool
// allow-list, ...) scoped per (agent definition, acting identity). Every
// mutation rewrites the whole blob through the StateStore, so concurrent
// writers from different processes are last-write-wins at blob granularity.
// All values must be JSON-serializable.
type StateManager struct {
	mu       sync.Mutex
	store    StateStore
	scope    StateScope
	defaults map[string]any
	state    map[string]any
	logger   *slog.Logger
}

// StateOption configures a StateManager.
type StateOption func(*StateManager)

// WithStateLogger sets a structured logger for state operations.
func WithStateLogger(l *slog.Logger) StateOption {
	return func(s *StateManager) { s.logger = l }
}

// NewStateManager creates a StateManager for the given scope. defaults may
// be nil. Call Load before first use.
func NewStateManager(store StateStore, scope StateScope, defaults map[string]any, opts ...StateOption) *StateManager {
	s := &StateManager{
		store:    store,
		scope:    scope,
		defaults: defaults,
		state:    map[string]any{},
		logger:   nopLogger,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Load merges the persisted state over the supplied defaults: keys missing
// from the store fall back to their default value.
func (s *StateManager) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	persisted, err := s.store.LoadState(ctx, s.scope)
	if err != nil {
		return fmt.Errorf("load state %s/%s: %w", s.scope.Agent, s.scope.Identity, err)
	}

	state := map[string]any{}
	for name, value := range s.defaults {
		state[name] = deepCopyValue(value)
	}
	for name, raw := range persisted {
		var value any
		if err := json.Unmarshal(raw, &value); err != nil {
			return fmt.Errorf("decode state key %q: %w", name, err)
		}
		state[name] = value
	}
	s.state = state
	s.logger.Debug("state loaded", "agent", s.scope.Agent, "keys", len(state))
	return nil
}

// Get returns the value stored under name.
func (s *StateManager) Get(name string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.state[name]
	return v, ok
}

// Set stores value under name and writes the whole blob through.
func (s *StateManager) Set(ctx context.Context, name string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.state[name]
	s.state[name] = value
	if err := s.flush(ctx); err != nil {
		if had {
			s.state[name] = prev
		} else {
			delete(s.state, name)
		}
		return err
	}
	return nil
}

// Delete removes name and writes the whole blob through.
func (s *StateManager) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.state[name]
	if !had {
		return nil
	}
	delete(s.state, name)
	if err := s.flush(ctx); err != nil {
		s.state[name] = prev
		return err
	}
	return nil
}

// Clear empties the state and writes the empty blob through.
func (s *StateManager) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.state
	s.state = map[string]any{}
	if err := s.flush(ctx); err != nil {
		s.state = prev
		return err
	}
	return nil
}

// Export returns a deep, independent snapshot of the current state.
func (s *StateManager) Export() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.state))
	for name, value := range s.state {
		out[name] = deepCopyValue(value)
	}
	return out
}

// flush rewrites the full blob. Caller holds s.mu.
func (s *StateManager) flush(ctx context.Context) error {
	blob := make(map[string]json.RawMessage, len(s.state))
	for name, value := range s.state {
		raw, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("encode state key %q: %w", name, err)
		}
		blob[name] = raw
	}
	if err := s.store.SaveState(ctx, s.scope, blob); err != nil {
		return fmt.Errorf("save state %s/%s: %w", s.scope.Agent, s.scope.Identity, err)
	}
	return nil
}

// deepCopyValue copies a JSON-serializable value by round-tripping it.
// Non-serializable values are returned as-is; flush reports them on the
// next write.
func deepCopyValue(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

// MutexLocker implements Locker with in-process named mutexes. It provides
// no cross-process coordination; use a store- or transport-backed Locker
// when multiple processes share a chat.
type MutexLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewMutexLocker creates an empty MutexLocker.
func NewMutexLocker() *MutexLocker {
	return &MutexLocker{locks: map[string]*sync.Mutex{}}
}

// Lock acquires the named mutex.
func (l *MutexLocker) Lock(_ context.Context, name string) (UnlockFunc, error) {
	l.mu.Lock()
	m, ok := l.locks[name]
	if !ok {
		m = &sync.Mutex{}
		l.locks[name] = m
	}
	l.mu.Unlock()
	m.Lock()
	return func() error {
		m.Unlock()
		return nil
	}, nil
}
