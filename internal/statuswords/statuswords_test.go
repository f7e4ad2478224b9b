package statuswords

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusWordError(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "6985: Conditions of use not satisfied", SWConditionsNotSatisfied.Error())
	assert.Equal(t, "9000: No error", SWNoError.Error())
}

func TestStatusWordBytes(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []byte{0x90, 0x00}, SWNoError.Bytes())
	assert.Equal(t, []byte{0x6A, 0x82}, SWFileNotFound.Bytes())
}

func TestStatusWordIs(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("select failed: %w", SWFuncNotSupported)
	assert.True(t, errors.Is(wrapped, SWFuncNotSupported))
	assert.False(t, errors.Is(wrapped, SWFileNotFound))
	assert.False(t, errors.Is(errors.New("plain"), SWFuncNotSupported))
}

func TestLookup(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		code uint16
		want StatusWord
	}{
		{name: "known code", code: 0x6986, want: SWCommandNotAllowed},
		{name: "success code", code: 0x9000, want: SWNoError},
		{
			name: "unknown code",
			code: 0x6283,
			want: StatusWord{0x6283, "Unrecognized status"},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, Lookup(tt.code))
		})
	}
}
