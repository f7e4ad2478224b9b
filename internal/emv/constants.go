// Package emv defines EMV contactless data element tags, bit masks and
// response building helpers shared by the transaction and risk packages.
package emv

// Field lengths.
const (
	LengthAmount              = 6
	LengthAC                  = 8
	LengthCVMResults          = 3
	LengthCVR                 = 6
	LengthIssuerAppData       = 18
	LengthICCDynamicNumber    = 8
	LengthTransactionDate     = 3
	LengthTVR                 = 5
	LengthUnpredictableNumber = 4
	LengthInteractionInfo     = 3
	LengthPPMSDetails         = 7
)

// 1-byte tags.
const (
	TagFCITemplate        = 0x6F
	TagReadRecordTemplate = 0x70
	TagResponseTemplate   = 0x77
	TagAIP                = 0x82
	TagDFName             = 0x84
	TagAFL                = 0x94
)

// 2-byte tags.
const (
	TagIssuerApplicationData = 0x9F10
	TagApplicationCryptogram = 0x9F26
	TagCryptogramInfoData    = 0x9F27
	TagATC                   = 0x9F36
	TagSignedDynamicAppData  = 0x9F4B
	TagCVC3Track1            = 0x9F60
	TagCVC3Track2            = 0x9F61
	TagInteractionInfo       = 0xDF4B
)

// Application Interchange Profile byte 1 bits.
const (
	AIPByte1CDASupported = 0x01
)

// GENERATE AC P1 reference control parameter.
const (
	ACTypeMask     = 0xC0
	ACTypeAAC      = 0x00
	ACTypeTC       = 0x40
	ACTypeARQC     = 0x80
	ACTypeRFU      = 0xC0
	ACCDARequested = 0x10
)

// Cryptogram Information Data values.
const (
	CIDARQC = 0x80
	CIDTC   = 0x40
	CIDAAC  = 0x00
)

// PPMS Cryptogram Information Data values.
const (
	PPMSCIDSentOnline = 0x01
	PPMSCIDDeclined   = 0x00
)

// Application Control bits.
const (
	AppControlByte2AdditionalCheckTable = 0x04
	AppControlByte3CCCSupported         = 0x20
)

// M/Chip and magstripe CVM Issuer Options bits.
const (
	CVMIssuerPinPreEntryAllowed = 0x04
)

// Card Verification Results bits. CVR is 6 bytes; bytes 4-6 form the
// decisional part matched against issuer action codes.
const (
	CVRByte1ACNotRequestedInSecondGenAC = 0x80
	CVRByte1ARQCReturnedInFirstGenAC    = 0x20
	CVRByte1TCReturnedInFirstGenAC      = 0x10
	CVRByte1AACReturnedInFirstGenAC     = 0x00
	CVRByte1OfflinePinVerified          = 0x01
	CVRByte2CDAReturnedInFirstGenAC     = 0x40
	CVRByte4InternationalTransaction    = 0x04
	CVRByte4DomesticTransaction         = 0x02
	CVRByte4TerminalErroneousOfflinePin = 0x01
	CVRByte6CVMNotSatisfied             = 0x08
)

// PPMS Card Verification Results bits (magstripe profile).
const (
	PPMSCVRByte1OfflinePinVerified          = 0x01
	PPMSCVRByte2CVMNotSatisfied             = 0x40
	PPMSCVRByte2TerminalErroneousOfflinePin = 0x20
	PPMSCVRByte2InternationalTransaction    = 0x08
	PPMSCVRByte2DomesticTransaction         = 0x04
)

// Mobile Support Indicator bits supplied by the reader.
const (
	MSIOfflinePinRequired   = 0x02
	MSIReaderSupportsMobile = 0x01
)

// POS Cardholder Interaction Information byte 2 bits.
const (
	InteractionOfflinePinVerified = 0x10
	InteractionContextConflicting = 0x08
	InteractionAckRequired        = 0x02
	InteractionPinRequired        = 0x01
)

// Transaction Context TLV length. The upstream payment specification
// derives 15 from its field table while the field offsets sum to 13;
// the layout constant keeps the discrepancy explicit instead of
// resolving it silently.
const (
	TransactionContextLength     = 13
	TransactionContextLengthSpec = 15
)

// offline-only terminal types are rejected on GPO, CCC and TC requests.
var offlineOnlyTerminalTypes = map[byte]struct{}{
	0x13: {}, 0x16: {}, 0x23: {}, 0x26: {}, 0x36: {},
}

// IsOfflineOnlyTerminal reports whether the terminal type byte denotes an
// offline-only terminal.
func IsOfflineOnlyTerminal(t byte) bool {
	_, ok := offlineOnlyTerminalTypes[t]

	return ok
}
