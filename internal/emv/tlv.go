package emv

// Builder assembles BER-TLV response payloads. The zero value is ready to
// use. Lengths up to 255 are supported, with the 0x81 long form emitted
// for values of 128 bytes or more.
type Builder struct {
	buf []byte
}

// PutTag appends a 1-byte tag with its value.
func (b *Builder) PutTag(tag byte, value []byte) {
	b.buf = append(b.buf, tag)
	b.putLength(len(value))
	b.buf = append(b.buf, value...)
}

// PutTag2 appends a 2-byte tag with its value.
func (b *Builder) PutTag2(tag uint16, value []byte) {
	b.buf = append(b.buf, byte(tag>>8), byte(tag))
	b.putLength(len(value))
	b.buf = append(b.buf, value...)
}

// PutUint16Tag2 appends a 2-byte tag holding a big-endian uint16 value.
func (b *Builder) PutUint16Tag2(tag, value uint16) {
	b.PutTag2(tag, []byte{byte(value >> 8), byte(value)})
}

// Bytes returns the assembled payload.
func (b *Builder) Bytes() []byte {
	return b.buf
}

func (b *Builder) putLength(n int) {
	if n >= 128 {
		b.buf = append(b.buf, 0x81)
	}
	b.buf = append(b.buf, byte(n))
}

// WrapTemplate wraps an assembled payload in a constructed template tag.
func WrapTemplate(tag byte, inner []byte) []byte {
	var b Builder
	b.PutTag(tag, inner)

	return b.Bytes()
}
