// Package state persists the provisioned account across restarts: the
// profile, the unconsumed key units and the lifecycle flags are written
// as a JSON snapshot after every completed tap and loaded at startup.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/andrei-cloud/go_hce/internal/keypool"
	"github.com/andrei-cloud/go_hce/internal/profile"
)

// snapshot is the on-disk layout.
type snapshot struct {
	Profile    *profile.AccountProfile `json:"profile,omitempty"`
	Units      []keypool.SingleUseKey  `json:"units,omitempty"`
	Disabled   bool                    `json:"disabled"`
	Terminated bool                    `json:"terminated"`
}

// FileStore snapshots a profile store to a single JSON file. Writes go
// through a temporary file and rename so a crash never leaves a torn
// snapshot.
type FileStore struct {
	mu    sync.Mutex
	path  string
	store *profile.Store
}

// NewFileStore wires a snapshot file to the store.
func NewFileStore(path string, store *profile.Store) *FileStore {
	return &FileStore{path: path, store: store}
}

// Save writes the current account state. Errors are logged, not
// returned; the tap path must not fail on persistence.
func (f *FileStore) Save() {
	f.mu.Lock()
	defer f.mu.Unlock()

	snap := snapshot{
		Profile:    f.store.Profile(),
		Disabled:   f.store.Disabled(),
		Terminated: f.store.Terminated(),
	}
	if pool := f.store.Pool(); pool != nil {
		snap.Units = pool.Units()
	}

	if err := f.write(snap); err != nil {
		log.Error().
			Err(err).
			Str("event", "state_save_failed").
			Str("path", f.path).
			Msg("account state not persisted")

		return
	}

	log.Debug().
		Str("event", "state_saved").
		Int("units", len(snap.Units)).
		Msg("account state persisted")
}

// Load restores the account state from disk. A missing file is not an
// error; the account simply starts unprovisioned.
func (f *FileStore) Load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	raw, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}

		return fmt.Errorf("read state: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return fmt.Errorf("decode state: %w", err)
	}

	switch {
	case snap.Terminated:
		f.store.Terminate()
	case snap.Disabled:
		f.store.Disable()
	case snap.Profile != nil:
		pool := keypool.New(snap.Profile.MaxKeyUnits)
		for _, u := range snap.Units {
			pool.Enqueue(u)
		}
		if err := f.store.Install(snap.Profile, pool); err != nil {
			return fmt.Errorf("restore profile: %w", err)
		}
	}

	log.Info().
		Str("event", "state_loaded").
		Str("path", f.path).
		Bool("provisioned", snap.Profile != nil).
		Int("units", len(snap.Units)).
		Msg("account state restored")

	return nil
}

func (f *FileStore) write(snap snapshot) error {
	raw, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*")
	if err != nil {
		return fmt.Errorf("state temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()

		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close state: %w", err)
	}

	return os.Rename(tmp.Name(), f.path)
}
