package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrei-cloud/go_hce/internal/statuswords"
	"github.com/andrei-cloud/go_hce/internal/transaction"
)

func TestParseAPDU(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  []byte
		want transaction.Command
		err  error
	}{
		{
			name: "case 1 header only",
			raw:  []byte{0x00, 0xA4, 0x04, 0x00},
			want: transaction.Command{CLA: 0x00, INS: 0xA4, P1: 0x04},
		},
		{
			name: "case 2 with le",
			raw:  []byte{0x80, 0xA8, 0x00, 0x00, 0x10},
			want: transaction.Command{CLA: 0x80, INS: 0xA8, Le: 0x10},
		},
		{
			name: "case 3 with data",
			raw:  []byte{0x80, 0xA8, 0x00, 0x00, 0x03, 0x83, 0x01, 0x22},
			want: transaction.Command{CLA: 0x80, INS: 0xA8, Data: []byte{0x83, 0x01, 0x22}},
		},
		{
			name: "case 4 with data and le",
			raw:  []byte{0x80, 0xAE, 0x80, 0x00, 0x02, 0xAA, 0xBB, 0x00},
			want: transaction.Command{CLA: 0x80, INS: 0xAE, P1: 0x80, Data: []byte{0xAA, 0xBB}},
		},
		{
			name: "truncated header",
			raw:  []byte{0x00, 0xA4, 0x04},
			err:  statuswords.SWWrongLength,
		},
		{
			name: "lc overruns data",
			raw:  []byte{0x00, 0xA4, 0x04, 0x00, 0x10, 0x01},
			err:  statuswords.SWWrongLength,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := parseAPDU(tt.raw)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMediaFromNames(t *testing.T) {
	t.Parallel()

	got := MediaFromNames([]string{"nfc", "LOOPBACK", "bluetooth", "contact"})
	assert.Equal(
		t,
		[]transaction.Medium{
			transaction.MediumNFC,
			transaction.MediumLoopback,
			transaction.MediumContact,
		},
		got,
	)
}
