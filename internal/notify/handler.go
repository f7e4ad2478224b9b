// Package notify processes remote management notifications pushed by the
// issuing host: profile updates, key replenishment requests, account
// deactivation and remote wipe.
package notify

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/andrei-cloud/go_hce/internal/profile"
	"github.com/andrei-cloud/go_hce/internal/transaction"
)

// Remote management information layout. The first plaintext byte carries
// the protocol version in its high bits and the function in its low
// bits; the second carries the session version and the display flag.
const (
	rmiVersionMask = 0xE0
	rmiVersion     = 0x60
	rmiFuncMask    = 0x1F

	FuncProfileUpdate   = 0x01
	FuncKeyReplenish    = 0x02
	FuncMobileCheck     = 0x1C
	FuncMobilePinChange = 0x1D
	FuncDeactivate      = 0x1E
	FuncRemoteWipe      = 0x1F

	formatDisplay = 0x01

	messageLength = 15
	nonceLength   = 12
)

var (
	errNoMobileKey    = errors.New("mobile key not provisioned")
	errInvalidMessage = errors.New("invalid notification message")
)

// KeySource provides the mobile key fetched with the profile.
type KeySource interface {
	MobileKey() []byte
}

// Fetcher triggers background fetches and exposes their completion.
type Fetcher interface {
	FetchProfile()
	FetchKeys(checkThreshold bool)
	WaitIdle()
}

// Handler decrypts and dispatches remote management notifications.
type Handler struct {
	store     *profile.Store
	keys      KeySource
	fetcher   Fetcher
	messenger transaction.Messenger
}

// NewHandler wires the notification handler.
func NewHandler(store *profile.Store, keys KeySource, fetcher Fetcher, messenger transaction.Messenger) *Handler {
	return &Handler{
		store:     store,
		keys:      keys,
		fetcher:   fetcher,
		messenger: messenger,
	}
}

// Handle decrypts one pushed notification and applies it. Malformed or
// unverifiable messages are rejected without side effects.
func (h *Handler) Handle(encrypted []byte) error {
	key := h.keys.MobileKey()
	if len(key) == 0 {
		return errNoMobileKey
	}

	plain, err := decrypt(key, encrypted)
	if err != nil {
		return fmt.Errorf("notification decrypt: %w", err)
	}
	if len(plain) != messageLength ||
		plain[0]&rmiVersionMask != rmiVersion ||
		plain[1]&rmiVersionMask != rmiVersion {
		return errInvalidMessage
	}

	function := plain[0] & rmiFuncMask
	display := plain[1]&formatDisplay != 0

	log.Info().
		Str("event", "notification_received").
		Uint8("function", function).
		Bool("display", display).
		Msg("remote management notification")

	// Let in-flight fetches settle before mutating account state.
	h.fetcher.WaitIdle()

	switch function {
	case FuncProfileUpdate:
		if h.store.Terminated() {
			log.Warn().Str("event", "notification_ignored").Msg("profile update for terminated account")

			return nil
		}
		if display {
			if h.store.Disabled() {
				h.messenger.Post("Account has been enabled, updating card")
			} else {
				h.messenger.Post("Card data has changed, updating card")
			}
		}
		h.store.Invalidate()
		h.fetcher.FetchProfile()
	case FuncKeyReplenish:
		if display {
			h.messenger.Post("Updating key pool")
		}
		h.fetcher.FetchKeys(false)
	case FuncDeactivate:
		h.store.Disable()
		if display {
			h.messenger.Post("Account has been disabled")
		}
	case FuncRemoteWipe:
		h.store.Terminate()
		if display {
			h.messenger.Post("Account has been terminated")
		}
	case FuncMobileCheck, FuncMobilePinChange:
		log.Warn().
			Str("event", "notification_unsupported").
			Uint8("function", function).
			Msg("unsupported remote management function")
	default:
		return fmt.Errorf("unknown remote management function %#02x", function)
	}

	return nil
}

// decrypt opens an AES-GCM sealed message: 12-byte nonce followed by the
// ciphertext and tag.
func decrypt(key, encrypted []byte) ([]byte, error) {
	if len(encrypted) < nonceLength+1 {
		return nil, errInvalidMessage
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return gcm.Open(nil, encrypted[:nonceLength], encrypted[nonceLength:], nil)
}
