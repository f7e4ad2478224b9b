package transaction

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/andrei-cloud/go_hce/internal/emv"
)

func TestContextMatches(t *testing.T) {
	t.Parallel()

	amount := [emv.LengthAmount]byte{0, 0, 0, 0, 0x12, 0x50}
	var c Context
	c.BeginFirstTap(ContextFirstTap, 0x0978, amount)

	assert.True(t, c.Matches(ContextFirstTap, 0x0978, amount))
	assert.False(t, c.Matches(ContextMagstripeFirstTap, 0x0978, amount))
	assert.False(t, c.Matches(ContextFirstTap, 0x0840, amount))

	other := amount
	other[5] = 0x51
	assert.False(t, c.Matches(ContextFirstTap, 0x0978, other))
}

func TestContextInvalidate(t *testing.T) {
	t.Parallel()

	var c Context
	c.BeginFirstTap(ContextFirstTap, 0x0978, [emv.LengthAmount]byte{})
	c.Pin = PinEntered
	c.Ack = AckEntered

	c.Invalidate()

	assert.Equal(t, ContextInvalidated, c.Kind)
	assert.Equal(t, PinNone, c.Pin)
	assert.Equal(t, AckNone, c.Ack)
	assert.True(t, c.Conflicting)
	assert.NotZero(t, c.InteractionInfo[1]&emv.InteractionContextConflicting)
}

func TestContextReset(t *testing.T) {
	t.Parallel()

	var c Context
	c.BeginFirstTap(ContextMagstripeFirstTap, 0x0840, [emv.LengthAmount]byte{1})
	c.TerminalType = 0x22
	c.RecordsRead = 3

	c.Reset()
	assert.Equal(t, Context{}, c)
}
