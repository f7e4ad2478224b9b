package emv

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuilder(t *testing.T) {
	t.Parallel()

	var b Builder
	b.PutTag(TagAIP, []byte{0x19, 0x80})
	b.PutTag2(TagCryptogramInfoData, []byte{0x80})
	b.PutUint16Tag2(TagATC, 0x0102)

	want := []byte{
		0x82, 0x02, 0x19, 0x80,
		0x9F, 0x27, 0x01, 0x80,
		0x9F, 0x36, 0x02, 0x01, 0x02,
	}
	assert.Equal(t, want, b.Bytes())
}

func TestBuilderLongForm(t *testing.T) {
	t.Parallel()

	var b Builder
	value := bytes.Repeat([]byte{0xAB}, 128)
	b.PutTag2(TagSignedDynamicAppData, value)

	got := b.Bytes()
	assert.Equal(t, []byte{0x9F, 0x4B, 0x81, 0x80}, got[:4])
	assert.Len(t, got, 4+128)
}

func TestWrapTemplate(t *testing.T) {
	t.Parallel()

	inner := []byte{0x9F, 0x36, 0x02, 0x00, 0x01}
	got := WrapTemplate(TagResponseTemplate, inner)
	assert.Equal(t, append([]byte{0x77, 0x05}, inner...), got)
}

func TestIsOfflineOnlyTerminal(t *testing.T) {
	t.Parallel()

	for _, tt := range []byte{0x13, 0x16, 0x23, 0x26, 0x36} {
		assert.True(t, IsOfflineOnlyTerminal(tt), "terminal type %#02x", tt)
	}
	for _, tt := range []byte{0x11, 0x21, 0x22, 0x34, 0x00} {
		assert.False(t, IsOfflineOnlyTerminal(tt), "terminal type %#02x", tt)
	}
}
