package router

import (
	"sync"
	"sync/atomic"

	gateway "github.com/lockgate-ai/lockgate/internal"
)

// PreferenceStore holds per-user routing preferences in a copy-on-write map.
// Reads take an atomic pointer load; writes clone the map and swap it, so the
// routing hot path never blocks on preference updates.
type PreferenceStore struct {
	writeMu sync.Mutex // serializes writers only
	prefs   atomic.Pointer[map[int64]gateway.Preferences]
}

// NewPreferenceStore returns an empty store.
func NewPreferenceStore() *PreferenceStore {
	s := &PreferenceStore{}
	empty := make(map[int64]gateway.Preferences)
	s.prefs.Store(&empty)
	return s
}

// Get returns the user's preferences, defaulted when unset.
func (s *PreferenceStore) Get(userID int64) gateway.Preferences {
	m := *s.prefs.Load()
	if p, ok := m[userID]; ok {
		return p
	}
	return gateway.DefaultPreferences()
}

// Set replaces the user's preferences.
func (s *PreferenceStore) Set(userID int64, p gateway.Preferences) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	old := *s.prefs.Load()
	next := make(map[int64]gateway.Preferences, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[userID] = p
	s.prefs.Store(&next)
}

// Delete removes the user's preferences, restoring defaults.
func (s *PreferenceStore) Delete(userID int64) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	old := *s.prefs.Load()
	if _, ok := old[userID]; !ok {
		return
	}
	next := make(map[int64]gateway.Preferences, len(old))
	for k, v := range old {
		if k != userID {
			next[k] = v
		}
	}
	s.prefs.Store(&next)
}
