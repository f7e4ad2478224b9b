// Package statuswords defines ISO 7816 status words using a structured type.
// StatusWord holds the two-byte code and human-readable description.
package statuswords

// Predefined status word instances.
var (
	SWNoError                    = StatusWord{0x9000, "No error"}
	SWWrongLength                = StatusWord{0x6700, "Wrong length"}
	SWSecurityStatusNotSatisfied = StatusWord{0x6982, "Security status not satisfied"}
	SWFileInvalid                = StatusWord{0x6983, "File invalid"}
	SWDataInvalid                = StatusWord{0x6984, "Data invalid"}
	SWConditionsNotSatisfied     = StatusWord{0x6985, "Conditions of use not satisfied"}
	SWCommandNotAllowed          = StatusWord{0x6986, "Command not allowed"}
	SWFuncNotSupported           = StatusWord{0x6A81, "Function not supported"}
	SWFileNotFound               = StatusWord{0x6A82, "File not found"}
	SWRecordNotFound             = StatusWord{0x6A83, "Record not found"}
	SWIncorrectP1P2              = StatusWord{0x6A86, "Incorrect parameters P1-P2"}
	SWInsNotSupported            = StatusWord{0x6D00, "Instruction code not supported"}
	SWClaNotSupported            = StatusWord{0x6E00, "Class not supported"}
	SWUnknown                    = StatusWord{0x6F00, "No precise diagnosis"}
)

// StatusWord represents an ISO 7816 status word with its code and description.
type StatusWord struct {
	Code        uint16 // two-byte status word, e.g. 0x6985
	Description string // human-readable description
}

// Error implements the Go error interface: "<Code>: <Description>".
func (s StatusWord) Error() string {
	const hexDigits = "0123456789ABCDEF"
	code := []byte{
		hexDigits[s.Code>>12&0xF],
		hexDigits[s.Code>>8&0xF],
		hexDigits[s.Code>>4&0xF],
		hexDigits[s.Code&0xF],
	}

	return string(code) + ": " + s.Description
}

// Bytes returns the big-endian two-byte encoding for embedding in responses.
func (s StatusWord) Bytes() []byte {
	return []byte{byte(s.Code >> 8), byte(s.Code)}
}

// Is reports whether target carries the same status code, so StatusWord
// values work with errors.Is regardless of wrapping.
func (s StatusWord) Is(target error) bool {
	sw, ok := target.(StatusWord)

	return ok && sw.Code == s.Code
}

// Lookup resolves a two-byte code to its predefined status word, or a
// generic one carrying the code when it is not known.
func Lookup(code uint16) StatusWord {
	for _, sw := range []StatusWord{
		SWNoError, SWWrongLength, SWSecurityStatusNotSatisfied, SWFileInvalid,
		SWDataInvalid, SWConditionsNotSatisfied, SWCommandNotAllowed,
		SWFuncNotSupported, SWFileNotFound, SWRecordNotFound, SWIncorrectP1P2,
		SWInsNotSupported, SWClaNotSupported, SWUnknown,
	} {
		if sw.Code == code {
			return sw
		}
	}

	return StatusWord{code, "Unrecognized status"}
}
