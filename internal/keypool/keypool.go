// Package keypool implements the bounded FIFO pool of single-use payment
// key material. Each unit is consumable at most once; consumption always
// removes the oldest unit so the ATC sequence seen by the terminal network
// stays monotonic.
package keypool

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrEmpty is returned by DequeueOne when no unit is available.
var ErrEmpty = errors.New("key pool empty")

// SingleUseKey is one pre-provisioned unit of per-transaction key material.
type SingleUseKey struct {
	// ProfileHash is the truncated SHA-256 of the profile the unit was
	// derived against.
	ProfileHash []byte    `json:"profile_hash"`
	ATC         uint16    `json:"atc"`
	SessionKey  []byte    `json:"session_key"`
	IDN         []byte    `json:"idn"` // ICC dynamic number
	ExpiresAt   time.Time `json:"expires_at,omitzero"`
}

// Pool is a bounded FIFO multiset of SingleUseKey. All operations are safe
// for concurrent use; enqueue from replenishment and dequeue from the tap
// path may interleave freely.
type Pool struct {
	mu    sync.Mutex
	units []SingleUseKey
	max   int
}

// New returns a pool bounded at max units.
func New(max int) *Pool {
	return &Pool{
		units: make([]SingleUseKey, 0, max),
		max:   max,
	}
}

// Enqueue appends a unit. A full pool drops the unit with a warning
// rather than failing hard; the return value reports acceptance.
func (p *Pool) Enqueue(u SingleUseKey) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.units) >= p.max {
		log.Warn().
			Str("event", "key_pool_full").
			Uint16("atc", u.ATC).
			Int("max", p.max).
			Msg("dropping key unit, pool at declared maximum")

		return false
	}
	p.units = append(p.units, u)

	return true
}

// DequeueOne removes and returns the oldest unit. Callers must treat
// ErrEmpty as "cannot complete this transaction"; the pool is never
// retried synchronously on the tap path.
func (p *Pool) DequeueOne() (SingleUseKey, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.units) == 0 {
		return SingleUseKey{}, ErrEmpty
	}
	u := p.units[0]
	p.units = p.units[1:]

	return u, nil
}

// SweepExpired removes every unit whose expiry falls at or before the next
// sweep instant and returns the number removed. Units without an expiry
// are never swept.
func (p *Pool) SweepExpired(next time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	kept := p.units[:0]
	removed := 0
	for _, u := range p.units {
		if !u.ExpiresAt.IsZero() && !u.ExpiresAt.After(next) {
			removed++
			log.Debug().
				Str("event", "key_unit_expired").
				Uint16("atc", u.ATC).
				Time("expires_at", u.ExpiresAt).
				Msg("removed expiring key unit")

			continue
		}
		kept = append(kept, u)
	}
	p.units = kept

	return removed
}

// Units returns a copy of the resident units, oldest first.
func (p *Pool) Units() []SingleUseKey {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]SingleUseKey, len(p.units))
	copy(out, p.units)

	return out
}

// Size returns the current number of units.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.units)
}

// Max returns the declared maximum.
func (p *Pool) Max() int {
	return p.max
}
