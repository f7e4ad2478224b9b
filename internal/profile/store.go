package profile

import (
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/andrei-cloud/go_hce/internal/keypool"
)

// ErrTerminated is returned by Install on a terminated account; the
// terminated state is permanent and survives every later notification.
var ErrTerminated = errors.New("account terminated")

// Store owns the installed profile, the active key pool and the account
// lifecycle flags. The tap path reads it; only the replenishment
// coordinator and the notification handler mutate it.
type Store struct {
	mu         sync.RWMutex
	profile    *AccountProfile
	pool       *keypool.Pool
	disabled   bool
	terminated bool
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{}
}

// Install replaces the profile and pool wholesale and clears the disabled
// flag. Terminated accounts refuse installation.
func (s *Store) Install(p *AccountProfile, pool *keypool.Pool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.terminated {
		return ErrTerminated
	}
	s.profile = p
	s.pool = pool
	s.disabled = false

	log.Info().
		Str("event", "profile_installed").
		Int("pool_size", pool.Size()).
		Int("pool_max", pool.Max()).
		Msg("account profile installed")

	return nil
}

// Invalidate drops the profile and pool, e.g. on a profile-changed
// notification ahead of a fresh fetch.
func (s *Store) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.profile = nil
	s.pool = nil
}

// Disable marks the account disabled and drops profile and pool. A later
// profile update notification may recover the account.
func (s *Store) Disable() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.disabled = true
	s.profile = nil
	s.pool = nil
}

// Terminate marks the account terminated. Termination is irreversible and
// implies disabled.
func (s *Store) Terminate() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.terminated = true
	s.disabled = true
	s.profile = nil
	s.pool = nil
}

// Profile returns the installed profile, nil when absent.
func (s *Store) Profile() *AccountProfile {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.profile
}

// Pool returns the active key pool, nil when absent.
func (s *Store) Pool() *keypool.Pool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.pool
}

// Disabled reports the disabled flag.
func (s *Store) Disabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.disabled
}

// Terminated reports the terminated flag.
func (s *Store) Terminated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.terminated
}

// Ready reports whether a profile and a non-empty pool are resident; the
// tap path fails fast when not.
func (s *Store) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.profile != nil && s.pool != nil && s.pool.Size() > 0
}
