package replenish

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/andrei-cloud/go_hce/internal/keypool"
	"github.com/andrei-cloud/go_hce/internal/profile"
	"github.com/andrei-cloud/go_hce/internal/statuswords"
	"github.com/andrei-cloud/go_hce/internal/transaction"
)

// maxConnectRetry bounds transport-level retries per fetch.
const maxConnectRetry = 3

// defaultSweepInterval applies when the profile does not set one.
const defaultSweepInterval = 30 * time.Minute

// Coordinator owns all traffic to the issuing host: profile refreshes and
// key pool replenishment. At most one fetch of each kind runs at a time
// and the two kinds never overlap.
type Coordinator struct {
	store     *profile.Store
	client    HostClient
	messenger transaction.Messenger

	// fetchMu serializes fetches of both kinds; holders are the fetch
	// goroutines, so waiting on it means waiting for in-flight fetches.
	fetchMu     sync.Mutex
	profileBusy atomic.Bool
	keysBusy    atomic.Bool

	keyMu     sync.RWMutex
	mobileKey []byte
}

// NewCoordinator wires the coordinator.
func NewCoordinator(store *profile.Store, client HostClient, messenger transaction.Messenger) *Coordinator {
	return &Coordinator{
		store:     store,
		client:    client,
		messenger: messenger,
	}
}

// MobileKey returns the notification key from the last profile fetch.
func (c *Coordinator) MobileKey() []byte {
	c.keyMu.RLock()
	defer c.keyMu.RUnlock()

	return c.mobileKey
}

// WaitIdle blocks until no fetch is in flight.
func (c *Coordinator) WaitIdle() {
	c.fetchMu.Lock()
	//nolint:staticcheck // empty critical section is the rendezvous.
	c.fetchMu.Unlock()
}

// FetchProfile refreshes the account profile, the mobile key and a full
// key pool in the background. A fetch already in flight is not doubled.
func (c *Coordinator) FetchProfile() {
	if !c.profileBusy.CompareAndSwap(false, true) {
		log.Info().Str("event", "fetch_skipped").Msg("profile fetch already in flight")

		return
	}

	go func() {
		defer c.profileBusy.Store(false)

		c.fetchMu.Lock()
		defer c.fetchMu.Unlock()

		c.fetchProfile()
	}()
}

// FetchKeys replenishes the key pool in the background. With
// checkThreshold set the fetch is skipped while the pool is above the
// profile's minimum threshold. Implements the machine's Replenisher.
func (c *Coordinator) FetchKeys(checkThreshold bool) {
	if !c.keysBusy.CompareAndSwap(false, true) {
		return
	}

	go func() {
		defer c.keysBusy.Store(false)

		c.fetchMu.Lock()
		defer c.fetchMu.Unlock()

		c.fetchKeys(checkThreshold)
	}()
}

// RunSweeper periodically evicts key units that would expire before the
// next sweep and tops the pool back up. A profile declaring a zero check
// interval disables sweeping; the loop keeps idling so a later profile
// update can re-enable it. Blocks until ctx is done.
func (c *Coordinator) RunSweeper(ctx context.Context) {
	interval, active := c.sweepInterval()
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		interval, active = c.sweepInterval()
		if active {
			c.sweepOnce(interval)
		}

		timer.Reset(interval)
	}
}

// sweepInterval returns the timer period and whether sweeping is enabled.
// No profile, or a profile with a zero check interval, idles the loop at
// the default period without sweeping.
func (c *Coordinator) sweepInterval() (time.Duration, bool) {
	p := c.store.Profile()
	if p == nil {
		return defaultSweepInterval, false
	}
	if d := p.ExpiryCheckInterval(); d > 0 {
		return d, true
	}

	return defaultSweepInterval, false
}

// sweepOnce evicts units expiring before the next sweep and requests a
// threshold-checked top-up.
func (c *Coordinator) sweepOnce(interval time.Duration) {
	pool := c.store.Pool()
	if pool == nil {
		return
	}
	if removed := pool.SweepExpired(time.Now().Add(interval)); removed > 0 {
		log.Info().
			Str("event", "keys_expired").
			Int("removed", removed).
			Msg("expired key units evicted")
	}
	c.FetchKeys(true)
}

func (c *Coordinator) fetchProfile() {
	if err := c.selectAccount(); err != nil {
		return
	}

	key, err := c.client.MobileKey()
	if err != nil {
		log.Error().Err(err).Str("event", "mobile_key_failed").Msg("mobile key fetch failed")
		c.messenger.Post("Invalid mobile key")

		return
	}
	c.keyMu.Lock()
	c.mobileKey = key
	c.keyMu.Unlock()

	raw, err := c.client.Profile()
	if err != nil {
		if errors.Is(err, statuswords.SWCommandNotAllowed) {
			c.store.Disable()
			c.messenger.Post("Account is disabled")

			return
		}
		log.Error().Err(err).Str("event", "profile_fetch_failed").Msg("profile fetch failed")
		c.messenger.Post("Invalid card profile data")

		return
	}

	var p profile.AccountProfile
	if err := json.Unmarshal(raw, &p); err != nil {
		log.Error().Err(err).Str("event", "profile_decode_failed").Msg("profile decode failed")
		c.messenger.Post("Card profile format error")

		return
	}

	pool := keypool.New(p.MaxKeyUnits)
	if err := c.store.Install(&p, pool); err != nil {
		log.Warn().Err(err).Str("event", "install_refused").Msg("profile install refused")

		return
	}

	c.fillPool(&p, pool, p.MaxKeyUnits)
}

func (c *Coordinator) fetchKeys(checkThreshold bool) {
	p := c.store.Profile()
	if p == nil {
		if !c.store.Disabled() && !c.store.Terminated() {
			c.messenger.Post("Missing card data, refresh the card when a connection is available")
		}

		return
	}

	pool := c.store.Pool()
	if pool == nil {
		return
	}
	if checkThreshold && pool.Size() > p.MinKeyThreshold {
		return
	}
	need := pool.Max() - pool.Size()
	if need <= 0 {
		log.Debug().Str("event", "pool_full").Msg("key pool already at maximum")

		return
	}

	if err := c.selectAccount(); err != nil {
		return
	}

	c.fillPool(p, pool, need)
}

// selectAccount opens the host session, retrying transport failures.
// A terminated status latches the store.
func (c *Coordinator) selectAccount() error {
	var err error
	for attempt := 0; attempt < maxConnectRetry; attempt++ {
		if err = c.client.Select(); err == nil {
			return nil
		}

		var sw statuswords.StatusWord
		if errors.As(err, &sw) {
			if errors.Is(err, statuswords.SWFuncNotSupported) {
				c.store.Terminate()
				c.messenger.Post("Account is terminated")
			} else {
				c.messenger.Post("Account not available")
			}

			return err
		}

		log.Warn().
			Err(err).
			Str("event", "host_connect_retry").
			Int("attempt", attempt+1).
			Msg("issuing host connection failed")
	}

	c.messenger.Post("No connection available, try again later")

	return err
}

// fillPool fetches up to n key units and enqueues the valid ones. Units
// bound to a different profile revision are discarded.
func (c *Coordinator) fillPool(p *profile.AccountProfile, pool *keypool.Pool, n int) {
	hash := p.Hash()
	added := 0
	for i := 0; i < n; i++ {
		raw, err := c.client.KeyUnit()
		if err != nil {
			if errors.Is(err, statuswords.SWCommandNotAllowed) {
				c.store.Disable()
				c.messenger.Post("Account is disabled")

				return
			}

			var sw statuswords.StatusWord
			if errors.As(err, &sw) {
				log.Error().Err(err).Str("event", "key_unit_rejected").Msg("key unit refused by host")
				c.messenger.Post("Invalid key unit data")

				continue
			}

			log.Error().Err(err).Str("event", "key_fetch_failed").Msg("key unit fetch failed")
			c.messenger.Post("Key replenishment interrupted")

			break
		}

		var unit keypool.SingleUseKey
		if err := json.Unmarshal(raw, &unit); err != nil {
			log.Error().Err(err).Str("event", "key_decode_failed").Msg("key unit decode failed")
			c.messenger.Post("Key unit format error")

			continue
		}

		if !bytes.Equal(unit.ProfileHash, hash) {
			log.Warn().
				Str("event", "key_hash_mismatch").
				Uint16("atc", unit.ATC).
				Msg("key unit bound to a different profile")
			c.messenger.Post("Corrupted key unit")

			continue
		}

		if pool.Enqueue(unit) {
			added++
		}
	}

	if pool.Size() == 0 {
		c.messenger.Post("No usable key material received, provision the card again")

		return
	}

	log.Info().
		Str("event", "pool_replenished").
		Int("added", added).
		Int("pool_size", pool.Size()).
		Msg("key pool replenished")
}
