package notify

import (
	"crypto/aes"
	"crypto/cipher"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrei-cloud/go_hce/internal/keypool"
	"github.com/andrei-cloud/go_hce/internal/profile"
)

type fakeKeys struct {
	key []byte
}

func (f fakeKeys) MobileKey() []byte { return f.key }

type fakeFetcher struct {
	mu           sync.Mutex
	profileCalls int
	keyCalls     []bool
	waits        int
}

func (f *fakeFetcher) FetchProfile() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profileCalls++
}

func (f *fakeFetcher) FetchKeys(checkThreshold bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keyCalls = append(f.keyCalls, checkThreshold)
}

func (f *fakeFetcher) WaitIdle() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waits++
}

type captureMessenger struct {
	mu       sync.Mutex
	messages []string
}

func (c *captureMessenger) Post(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
}

func (c *captureMessenger) posted() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.messages))
	copy(out, c.messages)

	return out
}

func seal(t *testing.T, key, plain []byte) []byte {
	t.Helper()

	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	gcm, err := cipher.NewGCM(block)
	require.NoError(t, err)

	nonce := make([]byte, nonceLength)
	nonce[0] = 0x42

	return append(nonce, gcm.Seal(nil, nonce, plain, nil)...)
}

func message(function, format byte) []byte {
	plain := make([]byte, messageLength)
	plain[0] = rmiVersion | function
	plain[1] = rmiVersion | format

	return plain
}

func newTestHandler(t *testing.T) (*Handler, *profile.Store, *fakeFetcher, *captureMessenger, []byte) {
	t.Helper()

	key := make([]byte, 32)
	key[0] = 0x0F

	store := profile.NewStore()
	require.NoError(t, store.Install(&profile.AccountProfile{MaxKeyUnits: 1}, keypool.New(1)))

	fetcher := &fakeFetcher{}
	msgr := &captureMessenger{}
	h := NewHandler(store, fakeKeys{key: key}, fetcher, msgr)

	return h, store, fetcher, msgr, key
}

func TestHandleRejectsUnverifiableMessages(t *testing.T) {
	t.Parallel()

	t.Run("no mobile key", func(t *testing.T) {
		t.Parallel()

		h := NewHandler(profile.NewStore(), fakeKeys{}, &fakeFetcher{}, &captureMessenger{})
		assert.ErrorIs(t, h.Handle([]byte{1, 2, 3}), errNoMobileKey)
	})

	t.Run("garbage ciphertext", func(t *testing.T) {
		t.Parallel()

		h, _, _, _, _ := newTestHandler(t)
		assert.Error(t, h.Handle(make([]byte, 40)))
	})

	t.Run("bad protocol version", func(t *testing.T) {
		t.Parallel()

		h, _, _, _, key := newTestHandler(t)
		plain := message(FuncKeyReplenish, 0)
		plain[0] = 0x20 | FuncKeyReplenish
		assert.ErrorIs(t, h.Handle(seal(t, key, plain)), errInvalidMessage)
	})

	t.Run("wrong plaintext length", func(t *testing.T) {
		t.Parallel()

		h, _, _, _, key := newTestHandler(t)
		assert.ErrorIs(t, h.Handle(seal(t, key, make([]byte, messageLength-1))), errInvalidMessage)
	})

	t.Run("unknown function", func(t *testing.T) {
		t.Parallel()

		h, _, fetcher, _, key := newTestHandler(t)
		assert.Error(t, h.Handle(seal(t, key, message(0x05, 0))))
		assert.Zero(t, fetcher.profileCalls)
	})
}

func TestHandleProfileUpdate(t *testing.T) {
	t.Parallel()

	h, store, fetcher, msgr, key := newTestHandler(t)

	require.NoError(t, h.Handle(seal(t, key, message(FuncProfileUpdate, formatDisplay))))

	assert.Equal(t, 1, fetcher.waits, "in-flight fetches settle first")
	assert.Equal(t, 1, fetcher.profileCalls)
	assert.Nil(t, store.Profile(), "stale profile dropped ahead of the fetch")
	assert.Contains(t, msgr.posted(), "Card data has changed, updating card")
}

func TestHandleProfileUpdateDisabledAccount(t *testing.T) {
	t.Parallel()

	h, store, fetcher, msgr, key := newTestHandler(t)
	store.Disable()

	require.NoError(t, h.Handle(seal(t, key, message(FuncProfileUpdate, formatDisplay))))

	assert.Equal(t, 1, fetcher.profileCalls)
	assert.Contains(t, msgr.posted(), "Account has been enabled, updating card")
}

func TestHandleProfileUpdateTerminatedAccount(t *testing.T) {
	t.Parallel()

	h, store, fetcher, _, key := newTestHandler(t)
	store.Terminate()

	require.NoError(t, h.Handle(seal(t, key, message(FuncProfileUpdate, formatDisplay))))

	assert.Zero(t, fetcher.profileCalls, "terminated accounts ignore profile updates")
}

func TestHandleKeyReplenish(t *testing.T) {
	t.Parallel()

	h, _, fetcher, msgr, key := newTestHandler(t)

	require.NoError(t, h.Handle(seal(t, key, message(FuncKeyReplenish, formatDisplay))))

	assert.Equal(t, []bool{false}, fetcher.keyCalls)
	assert.Contains(t, msgr.posted(), "Updating key pool")
}

func TestHandleDeactivate(t *testing.T) {
	t.Parallel()

	h, store, _, msgr, key := newTestHandler(t)

	require.NoError(t, h.Handle(seal(t, key, message(FuncDeactivate, formatDisplay))))

	assert.True(t, store.Disabled())
	assert.False(t, store.Terminated())
	assert.Contains(t, msgr.posted(), "Account has been disabled")
}

func TestHandleRemoteWipe(t *testing.T) {
	t.Parallel()

	h, store, _, msgr, key := newTestHandler(t)

	require.NoError(t, h.Handle(seal(t, key, message(FuncRemoteWipe, formatDisplay))))

	assert.True(t, store.Terminated())
	assert.Contains(t, msgr.posted(), "Account has been terminated")
}

func TestHandleUnsupportedFunctions(t *testing.T) {
	t.Parallel()

	h, store, fetcher, _, key := newTestHandler(t)

	require.NoError(t, h.Handle(seal(t, key, message(FuncMobileCheck, 0))))
	require.NoError(t, h.Handle(seal(t, key, message(FuncMobilePinChange, 0))))

	assert.Zero(t, fetcher.profileCalls)
	assert.Empty(t, fetcher.keyCalls)
	assert.NotNil(t, store.Profile())
}

func TestHandleSilentMessagesSkipDisplay(t *testing.T) {
	t.Parallel()

	h, _, fetcher, msgr, key := newTestHandler(t)

	require.NoError(t, h.Handle(seal(t, key, message(FuncKeyReplenish, 0))))

	assert.Equal(t, []bool{false}, fetcher.keyCalls)
	assert.Empty(t, msgr.posted())
}
