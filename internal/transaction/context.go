// Package transaction implements the per-tap command state machine and
// the volatile transaction context that correlates the two taps of a
// double-tap sequence.
package transaction

import "github.com/andrei-cloud/go_hce/internal/emv"

// ContextKind tags the two-tap correlation state.
type ContextKind byte

const (
	ContextNone ContextKind = iota
	ContextFirstTap
	ContextMagstripeFirstTap
	ContextInvalidated
	ContextPreviousTransaction
)

// String returns the kind name for logging.
func (k ContextKind) String() string {
	switch k {
	case ContextNone:
		return "none"
	case ContextFirstTap:
		return "first_tap"
	case ContextMagstripeFirstTap:
		return "magstripe_first_tap"
	case ContextInvalidated:
		return "invalidated"
	case ContextPreviousTransaction:
		return "previous_transaction"
	}

	return "unknown"
}

// PinStatus tracks the mobile PIN sub-status across a two-tap sequence.
type PinStatus byte

const (
	PinNone PinStatus = iota
	PinEntered
	PinLocked
)

// AckStatus tracks the cardholder acknowledgement sub-status.
type AckStatus byte

const (
	AckNone AckStatus = iota
	AckEntered
	AckLocked
)

// Context is the volatile per-tap-pair state. It is reset at tap start
// and cleared on tap completion unless a two-tap sequence is pending.
type Context struct {
	Kind        ContextKind
	Currency    uint16
	Amount      [emv.LengthAmount]byte
	Ack         AckStatus
	Pin         PinStatus
	LSExceeded  bool
	Conflicting bool

	// InteractionInfo accumulates the POS cardholder interaction
	// information returned to mobile-capable readers.
	InteractionInfo [emv.LengthInteractionInfo]byte

	// TerminalType is the PDOL byte captured during GPO.
	TerminalType byte

	// RecordsRead counts successful READ RECORD commands this tap.
	RecordsRead int

	// PinVerified records a prior successful offline PIN verification;
	// the decision engine consumes and resets it.
	PinVerified bool
}

// Reset clears all context state.
func (c *Context) Reset() {
	*c = Context{}
}

// Matches reports whether a tap with the given kind, currency and amount
// continues the stored first-tap context. Currency and amount must be
// byte-identical and the stored kind must match exactly.
func (c *Context) Matches(kind ContextKind, currency uint16, amount [emv.LengthAmount]byte) bool {
	return c.Kind == kind && c.Currency == currency && c.Amount == amount
}

// BeginFirstTap stores the first-tap context for later correlation.
func (c *Context) BeginFirstTap(kind ContextKind, currency uint16, amount [emv.LengthAmount]byte) {
	c.Kind = kind
	c.Currency = currency
	c.Amount = amount
	c.Ack = AckNone
	c.Pin = PinNone
	c.LSExceeded = false
	c.Conflicting = false
}

// Invalidate marks a context conflict: the second tap did not match the
// stored first tap, so the context must not be reused.
func (c *Context) Invalidate() {
	c.Kind = ContextInvalidated
	c.Ack = AckNone
	c.Pin = PinNone
	c.Conflicting = true
	c.InteractionInfo[1] |= emv.InteractionContextConflicting
}
