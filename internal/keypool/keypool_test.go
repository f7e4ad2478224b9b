package keypool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unit(atc uint16) SingleUseKey {
	return SingleUseKey{
		ProfileHash: []byte{0x01},
		ATC:         atc,
		SessionKey:  make([]byte, 16),
		IDN:         make([]byte, 8),
	}
}

func TestDequeueOrder(t *testing.T) {
	t.Parallel()

	p := New(3)
	require.True(t, p.Enqueue(unit(1)))
	require.True(t, p.Enqueue(unit(2)))
	require.True(t, p.Enqueue(unit(3)))

	for want := uint16(1); want <= 3; want++ {
		u, err := p.DequeueOne()
		require.NoError(t, err)
		assert.Equal(t, want, u.ATC)
	}

	_, err := p.DequeueOne()
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestEnqueueBounded(t *testing.T) {
	t.Parallel()

	p := New(2)
	assert.True(t, p.Enqueue(unit(1)))
	assert.True(t, p.Enqueue(unit(2)))
	assert.False(t, p.Enqueue(unit(3)), "full pool must drop the unit")
	assert.Equal(t, 2, p.Size())

	// The dropped unit never surfaces.
	u, err := p.DequeueOne()
	require.NoError(t, err)
	assert.Equal(t, uint16(1), u.ATC)
}

func TestSweepExpired(t *testing.T) {
	t.Parallel()

	now := time.Now()
	p := New(4)
	expiring := unit(1)
	expiring.ExpiresAt = now.Add(time.Minute)
	keeper := unit(2)
	keeper.ExpiresAt = now.Add(time.Hour)
	forever := unit(3)
	p.Enqueue(expiring)
	p.Enqueue(keeper)
	p.Enqueue(forever)

	// Sweep looks ahead to the next sweep instant: only the unit that
	// would expire before then is removed.
	removed := p.SweepExpired(now.Add(30 * time.Minute))
	assert.Equal(t, 1, removed)
	assert.Equal(t, 2, p.Size())

	u, err := p.DequeueOne()
	require.NoError(t, err)
	assert.Equal(t, uint16(2), u.ATC)
}

func TestUnitsReturnsCopy(t *testing.T) {
	t.Parallel()

	p := New(2)
	p.Enqueue(unit(7))

	units := p.Units()
	require.Len(t, units, 1)
	units[0].ATC = 99

	again := p.Units()
	assert.Equal(t, uint16(7), again[0].ATC)
}
