package state

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrei-cloud/go_hce/internal/keypool"
	"github.com/andrei-cloud/go_hce/internal/profile"
)

func testProfile() *profile.AccountProfile {
	return &profile.AccountProfile{
		AID:             []byte{0xA0, 0x00},
		AIP:             []byte{0x19, 0x80},
		MaxKeyUnits:     3,
		MinKeyThreshold: 1,
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "state.json")

	store := profile.NewStore()
	pool := keypool.New(3)
	pool.Enqueue(keypool.SingleUseKey{ATC: 7, SessionKey: make([]byte, 16), IDN: make([]byte, 8)})
	pool.Enqueue(keypool.SingleUseKey{ATC: 8, SessionKey: make([]byte, 16), IDN: make([]byte, 8)})
	require.NoError(t, store.Install(testProfile(), pool))

	NewFileStore(path, store).Save()

	restored := profile.NewStore()
	require.NoError(t, NewFileStore(path, restored).Load())

	require.NotNil(t, restored.Profile())
	assert.Equal(t, store.Profile().Hash(), restored.Profile().Hash())
	assert.Equal(t, 2, restored.Pool().Size())

	u, err := restored.Pool().DequeueOne()
	require.NoError(t, err)
	assert.Equal(t, uint16(7), u.ATC, "unit order survives the round trip")
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	store := profile.NewStore()
	f := NewFileStore(filepath.Join(t.TempDir(), "absent.json"), store)

	require.NoError(t, f.Load())
	assert.Nil(t, store.Profile())
}

func TestLifecycleFlagsPersist(t *testing.T) {
	t.Parallel()

	t.Run("terminated", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "state.json")
		store := profile.NewStore()
		store.Terminate()
		NewFileStore(path, store).Save()

		restored := profile.NewStore()
		require.NoError(t, NewFileStore(path, restored).Load())
		assert.True(t, restored.Terminated())
	})

	t.Run("disabled", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "state.json")
		store := profile.NewStore()
		store.Disable()
		NewFileStore(path, store).Save()

		restored := profile.NewStore()
		require.NoError(t, NewFileStore(path, restored).Load())
		assert.True(t, restored.Disabled())
		assert.False(t, restored.Terminated())
	})
}
