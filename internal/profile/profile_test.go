package profile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrei-cloud/go_hce/internal/keypool"
)

func testProfile() *AccountProfile {
	return &AccountProfile{
		AID:          []byte{0xA0, 0x00, 0x00, 0x00, 0x04, 0x10, 0x10},
		PPSEAID:      []byte("2PAY.SYS.DDF01"),
		PPSEResponse: []byte{0x6F, 0x02, 0x85, 0x00},
		AIP:          []byte{0x19, 0x80},
		// SFI 1 records 1-1 and SFI 2 records 1-2.
		AFL:                    []byte{0x08, 0x01, 0x01, 0x00, 0x10, 0x01, 0x02, 0x00},
		SFI1Record1:            []byte{0x70, 0x02, 0x57, 0x00},
		SFI2Record1:            []byte{0x70, 0x02, 0x5A, 0x00},
		SFI2Record2:            []byte{0x70, 0x02, 0x8C, 0x00},
		SFI2Record3:            []byte{0x70, 0x02, 0x8D, 0x00},
		CDOL1RelatedDataLength: 43,
		CRMCountryCode:         0x0840,
		MaxKeyUnits:            3,
		MinKeyThreshold:        1,
	}
}

func TestHashDeterministic(t *testing.T) {
	t.Parallel()

	p := testProfile()
	first := p.Hash()
	require.Len(t, first, TruncatedHashLength)
	assert.Equal(t, first, p.Hash())

	changed := testProfile()
	changed.CRMCountryCode = 0x0978
	assert.NotEqual(t, first, changed.Hash())
}

func TestRecord(t *testing.T) {
	t.Parallel()

	p := testProfile()

	tests := []struct {
		name      string
		sfi       byte
		number    byte
		wantData  []byte
		wantFound bool
	}{
		{name: "sfi1 record1", sfi: 1, number: 1, wantData: p.SFI1Record1, wantFound: true},
		{name: "sfi2 record3", sfi: 2, number: 3, wantData: p.SFI2Record3, wantFound: true},
		{name: "sfi1 missing record", sfi: 1, number: 2, wantData: nil, wantFound: true},
		{name: "unknown sfi", sfi: 3, number: 1, wantData: nil, wantFound: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			data, found := p.Record(tt.sfi, tt.number)
			assert.Equal(t, tt.wantFound, found)
			assert.Equal(t, tt.wantData, data)
		})
	}
}

func TestRecordInAFL(t *testing.T) {
	t.Parallel()

	p := testProfile()

	assert.True(t, p.RecordInAFL(1, 1))
	assert.True(t, p.RecordInAFL(2, 2))
	assert.False(t, p.RecordInAFL(2, 3), "record 3 is outside the AFL range")
	assert.False(t, p.RecordInAFL(3, 1))
}

func TestStoreLifecycle(t *testing.T) {
	t.Parallel()

	s := NewStore()
	assert.False(t, s.Ready())

	pool := keypool.New(3)
	pool.Enqueue(keypool.SingleUseKey{ATC: 1})
	require.NoError(t, s.Install(testProfile(), pool))
	assert.True(t, s.Ready())

	s.Disable()
	assert.True(t, s.Disabled())
	assert.Nil(t, s.Profile())
	assert.False(t, s.Ready())

	// A fresh install recovers a disabled account.
	pool2 := keypool.New(3)
	pool2.Enqueue(keypool.SingleUseKey{ATC: 2})
	require.NoError(t, s.Install(testProfile(), pool2))
	assert.False(t, s.Disabled())

	// Termination is permanent.
	s.Terminate()
	assert.True(t, s.Terminated())
	assert.True(t, s.Disabled())
	assert.ErrorIs(t, s.Install(testProfile(), keypool.New(3)), ErrTerminated)
	assert.True(t, s.Terminated())
}

func TestCardSelectAID(t *testing.T) {
	t.Parallel()

	s := NewStore()
	p := testProfile()
	require.NoError(t, s.Install(p, keypool.New(3)))
	card := NewCard(s)

	fci, payment, ok := card.SelectAID(p.AID)
	require.True(t, ok)
	assert.True(t, payment)
	require.NotEmpty(t, fci)
	assert.Equal(t, byte(0x6F), fci[0])
	assert.Contains(t, string(fci), string(p.AID))

	ppse, payment, ok := card.SelectAID(p.PPSEAID)
	require.True(t, ok)
	assert.False(t, payment)
	assert.Equal(t, p.PPSEResponse, ppse)

	_, _, ok = card.SelectAID([]byte{0xA0, 0x00})
	assert.False(t, ok)
}

func TestCardGPOResponse(t *testing.T) {
	t.Parallel()

	s := NewStore()
	p := testProfile()
	require.NoError(t, s.Install(p, keypool.New(3)))
	card := NewCard(s)

	resp := card.GPOResponse()
	want := []byte{0x77, 0x0E, 0x82, 0x02, 0x19, 0x80, 0x94, 0x08}
	want = append(want, p.AFL...)
	assert.Equal(t, want, resp)
}

func TestCardRecordData(t *testing.T) {
	t.Parallel()

	s := NewStore()
	p := testProfile()
	require.NoError(t, s.Install(p, keypool.New(3)))
	card := NewCard(s)

	data, err := card.RecordData(1, 1)
	require.NoError(t, err)
	assert.Equal(t, p.SFI1Record1, data)

	_, err = card.RecordData(3, 1)
	assert.ErrorContains(t, err, "6A82")

	_, err = card.RecordData(1, 2)
	assert.ErrorContains(t, err, "6A83")

	// SFI 2 record 3 exists but the AFL does not reference it.
	_, err = card.RecordData(2, 3)
	assert.ErrorContains(t, err, "6985")
}
