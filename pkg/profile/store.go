package profile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNotFound is returned for names the store does not hold.
var ErrNotFound = errors.New("profile not found")

// Entry is a profile together with its connection state.
type Entry struct {
	Profile Profile
	State   State
	// Missing is set when the file disappeared from disk but the entry is
	// kept because its state is not Disconnected.
	Missing bool
}

// LoadResult summarizes what a Load changed.
type LoadResult struct {
	Added    []string
	Removed  []string
	Retained []string // gone from disk, kept because not Disconnected
}

// Store maps profile names to their configuration and state.
type Store struct {
	dir     string
	scanner Scanner

	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewStore returns an empty store reading profiles from dir.
func NewStore(dir string, scanner Scanner) *Store {
	return &Store{
		dir:     dir,
		scanner: scanner,
		entries: make(map[string]*Entry),
	}
}

// Dir returns the profile directory.
func (s *Store) Dir() string { return s.dir }

// Load rescans the directory and replaces the profile set. State is kept
// for profiles that still exist and new profiles start Disconnected.
// Profiles gone from disk are dropped only when Disconnected.
func (s *Store) Load(ctx context.Context) (LoadResult, error) {
	scanned, err := s.scanner.Scan(ctx, s.dir)
	if err != nil {
		return LoadResult{}, fmt.Errorf("load profiles: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var res LoadResult
	next := make(map[string]*Entry, len(scanned))
	for _, p := range scanned {
		e := &Entry{Profile: p}
		if old, ok := s.entries[p.Name]; ok {
			e.State = old.State
		} else {
			res.Added = append(res.Added, p.Name)
		}
		next[p.Name] = e
	}
	for name, old := range s.entries {
		if _, ok := next[name]; ok {
			continue
		}
		if old.State.Kind == Disconnected {
			res.Removed = append(res.Removed, name)
			continue
		}
		kept := *old
		kept.Missing = true
		next[name] = &kept
		res.Retained = append(res.Retained, name)
	}
	s.entries = next

	sort.Strings(res.Added)
	sort.Strings(res.Removed)
	sort.Strings(res.Retained)
	return res, nil
}

// Get returns a copy of the named entry.
func (s *Store) Get(name string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[name]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// List returns copies of all entries sorted by name.
func (s *Store) List() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Profile.Name < out[j].Profile.Name })
	return out
}

// Names returns the sorted profile names.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.entries))
	for n := range s.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Update atomically replaces the state of name with fn's result. If fn
// returns an error the state is left unchanged and the error is returned.
// It returns the states before and after.
func (s *Store) Update(name string, fn func(cur State) (State, error)) (from, to State, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return State{}, State{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	next, err := fn(e.State)
	if err != nil {
		return e.State, e.State, err
	}
	from = e.State
	e.State = next
	return from, next, nil
}
