// Package risk implements the CVM and card risk management decision
// engine: it resolves GENERATE AC and COMPUTE CRYPTOGRAPHIC CHECKSUM
// requests into accept, decline or go-online outcomes and produces the
// cryptogram-bearing response templates.
package risk

import (
	"encoding/binary"

	"github.com/rs/zerolog/log"

	"github.com/andrei-cloud/go_hce/internal/cryptogram"
	"github.com/andrei-cloud/go_hce/internal/emv"
	"github.com/andrei-cloud/go_hce/internal/profile"
	"github.com/andrei-cloud/go_hce/internal/statuswords"
	"github.com/andrei-cloud/go_hce/internal/transaction"
)

// Minimum CDOL1 related data length carried by GENERATE AC.
const minCDOL1Length = 43

// CDOL1 related data field offsets.
const (
	cdolOffAmount       = 0
	cdolOffCountry      = 12
	cdolOffCurrency     = 19
	cdolOffUN           = 25
	cdolOffTerminalType = 29
	cdolOffDAC          = 30
	cdolOffIDNTerminal  = 32
	cdolOffCVMResults   = 40
	cdolACInputLength   = 29
)

// Checksum data field offsets (16-byte layout).
const (
	cccOffUN           = 0
	cccOffMSI          = 4
	cccOffAmount       = 5
	cccOffCurrency     = 11
	cccOffCountry      = 13
	cccOffTerminalType = 15
	cccDataLength      = 16
)

// Engine decides transaction outcomes against the installed profile. It
// consumes exactly one single-use key per cryptogram-bearing command.
type Engine struct {
	store  *profile.Store
	crypto cryptogram.Service
}

// NewEngine wires the decision engine.
func NewEngine(store *profile.Store, crypto cryptogram.Service) *Engine {
	return &Engine{store: store, crypto: crypto}
}

// GenerateAC resolves a GENERATE AC command: mobile CVM evaluation, the
// two-tap context transition, issuer action code matching and cryptogram
// generation. TC requests are never granted; they downgrade to ARQC or
// AAC.
func (e *Engine) GenerateAC(tc *transaction.Context, p1 byte, data []byte) (*transaction.Outcome, error) {
	p := e.store.Profile()
	if p == nil {
		return nil, statuswords.SWConditionsNotSatisfied
	}

	acType := p1 & emv.ACTypeMask
	cdaRequested := p1&emv.ACCDARequested != 0
	if acType == emv.ACTypeRFU || p1&0x2F != 0 {
		return nil, statuswords.SWIncorrectP1P2
	}
	// CDA is honored only when the AIP advertises it.
	if len(p.AIP) == 0 || p.AIP[0]&emv.AIPByte1CDASupported == 0 {
		cdaRequested = false
	}
	if len(data) < minCDOL1Length || len(data) != p.CDOL1RelatedDataLength {
		return nil, statuswords.SWWrongLength
	}

	var amount [emv.LengthAmount]byte
	copy(amount[:], data[cdolOffAmount:])
	terminalCountry := binary.BigEndian.Uint16(data[cdolOffCountry:])
	currency := binary.BigEndian.Uint16(data[cdolOffCurrency:])
	unpredictableNumber := data[cdolOffUN : cdolOffUN+emv.LengthUnpredictableNumber]
	terminalType := data[cdolOffTerminalType]
	dac := data[cdolOffDAC : cdolOffDAC+2]
	idnTerminal := data[cdolOffIDNTerminal : cdolOffIDNTerminal+emv.LengthICCDynamicNumber]
	cvmResults := data[cdolOffCVMResults : cdolOffCVMResults+emv.LengthCVMResults]

	var cvr [emv.LengthCVR]byte
	if terminalCountry == p.CRMCountryCode {
		cvr[3] |= emv.CVRByte4DomesticTransaction
	} else {
		cvr[3] |= emv.CVRByte4InternationalTransaction
	}

	skipCRM := false
	switch {
	case tc.Kind == transaction.ContextFirstTap || tc.Kind == transaction.ContextMagstripeFirstTap:
		if tc.Matches(transaction.ContextFirstTap, currency, amount) {
			// Second tap of a matching pair.
			if tc.Pin == transaction.PinLocked {
				tc.InteractionInfo[1] |= emv.InteractionPinRequired
				cvr[5] |= emv.CVRByte6CVMNotSatisfied
			}
		} else {
			tc.Invalidate()
			acType = emv.ACTypeAAC
			skipCRM = true
		}
	default:
		tc.BeginFirstTap(transaction.ContextFirstTap, currency, amount)

		if p.MchipCVMIssuerOptions&emv.CVMIssuerPinPreEntryAllowed != 0 && tc.PinVerified {
			tc.Pin = transaction.PinEntered
		} else {
			tc.InteractionInfo[1] |= emv.InteractionPinRequired
			tc.Pin = transaction.PinLocked
			cvr[5] |= emv.CVRByte6CVMNotSatisfied
		}
	}

	if !skipCRM {
		// Terminal claims offline PIN passed while no PIN was entered
		// on the device.
		cvmCode := cvmResults[0] & 0x3F
		if (cvmCode == 0x01 || cvmCode == 0x04) && cvmResults[2] == 0x02 &&
			tc.Pin != transaction.PinEntered {
			tc.Pin = transaction.PinLocked
			tc.InteractionInfo[1] |= emv.InteractionPinRequired
			cvr[5] |= emv.CVRByte6CVMNotSatisfied
			cvr[3] |= emv.CVRByte4TerminalErroneousOfflinePin
		}

		if tc.Pin == transaction.PinEntered {
			cvr[0] |= emv.CVRByte1OfflinePinVerified
		}

		switch acType {
		case emv.ACTypeARQC:
			if ciacMatches(cvr, p.CIACDeclineOnlineCapable) {
				acType = emv.ACTypeAAC
			}
		case emv.ACTypeTC:
			if emv.IsOfflineOnlyTerminal(terminalType) {
				return nil, statuswords.SWConditionsNotSatisfied
			}
			if ciacMatches(cvr, p.CIACDeclineOnlineCapable) {
				acType = emv.ACTypeAAC
			} else {
				acType = emv.ACTypeARQC
			}
		default:
			acType = emv.ACTypeAAC
		}
	}

	tc.PinVerified = false

	var cid byte
	if acType == emv.ACTypeAAC {
		if tc.Kind != transaction.ContextInvalidated && cvr[5]&emv.CVRByte6CVMNotSatisfied == 0 {
			tc.Kind = transaction.ContextPreviousTransaction
		}
		cvr[0] |= emv.CVRByte1AACReturnedInFirstGenAC | emv.CVRByte1ACNotRequestedInSecondGenAC
		cid = emv.CIDAAC
	} else {
		tc.Kind = transaction.ContextPreviousTransaction
		cvr[0] |= emv.CVRByte1ARQCReturnedInFirstGenAC | emv.CVRByte1ACNotRequestedInSecondGenAC
		cid = emv.CIDARQC
		if cdaRequested {
			cvr[1] |= emv.CVRByte2CDAReturnedInFirstGenAC
		}
	}

	suk, err := e.store.Pool().DequeueOne()
	if err != nil {
		return nil, statuswords.SWConditionsNotSatisfied
	}

	// Observed CVR byte 1 bit 3 set in scheme samples; the bit is RFU.
	cvr[0] |= 0x04

	acInput := make([]byte, 0, cdolACInputLength+len(p.AIP)+2+emv.LengthCVR)
	acInput = append(acInput, data[:cdolACInputLength]...)
	acInput = append(acInput, p.AIP...)
	acInput = binary.BigEndian.AppendUint16(acInput, suk.ATC)
	acInput = append(acInput, cvr[:]...)

	ac, err := e.crypto.GenerateAC(cryptogram.ACInput{SessionKey: suk.SessionKey, Data: acInput})
	if err != nil {
		log.Error().Err(err).Str("event", "cryptogram_failed").Msg("application cryptogram generation failed")

		return nil, statuswords.SWConditionsNotSatisfied
	}

	issuerAppData := buildIssuerAppData(p.KeyDerivationIndex, cvr, dac, idnTerminal)

	var b emv.Builder
	b.PutTag2(emv.TagCryptogramInfoData, []byte{cid})
	b.PutUint16Tag2(emv.TagATC, suk.ATC)
	if cid == emv.CIDARQC && cdaRequested {
		sdad, err := e.crypto.GenerateSDAD(cryptogram.SDADInput{
			PrivateKey:          p.ICCPrivateKey,
			ModulusLength:       p.ICCModulusLength,
			IDN:                 suk.IDN,
			CID:                 cid,
			Cryptogram:          ac,
			PDOLData:            []byte{tc.TerminalType},
			CDOL1Data:           data,
			IssuerAppData:       issuerAppData,
			UnpredictableNumber: unpredictableNumber,
		})
		if err != nil {
			log.Error().Err(err).Str("event", "sdad_failed").Msg("signed dynamic application data generation failed")

			return nil, statuswords.SWConditionsNotSatisfied
		}
		b.PutTag2(emv.TagSignedDynamicAppData, sdad)
	} else {
		b.PutTag2(emv.TagApplicationCryptogram, ac)
	}
	b.PutTag2(emv.TagIssuerApplicationData, issuerAppData)
	if cid == emv.CIDAAC {
		b.PutTag2(emv.TagInteractionInfo, tc.InteractionInfo[:])
	}

	log.Info().
		Str("event", "generate_ac_decided").
		Str("cid", cidName(cid)).
		Uint16("atc", suk.ATC).
		Bool("cda", cid == emv.CIDARQC && cdaRequested).
		Msg("cryptogram decision")

	return &transaction.Outcome{
		Response: emv.WrapTemplate(emv.TagResponseTemplate, b.Bytes()),
		Accepted: cid == emv.CIDARQC,
		// A decline that leaves the first-tap context armed expects a
		// second tap; the context must survive the tap boundary.
		TwoTapPending: cid == emv.CIDAAC && tc.Kind != transaction.ContextPreviousTransaction,
	}, nil
}

// ComputeChecksum resolves a COMPUTE CRYPTOGRAPHIC CHECKSUM command for
// the magstripe profile. An accepted transaction returns dynamic CVC3
// values; a declined one on a mobile-capable reader starts a two-tap
// sequence.
func (e *Engine) ComputeChecksum(tc *transaction.Context, data []byte) (*transaction.Outcome, error) {
	p := e.store.Profile()
	if p == nil {
		return nil, statuswords.SWConditionsNotSatisfied
	}
	if len(data) != cccDataLength {
		return nil, statuswords.SWWrongLength
	}
	if len(p.ApplicationControl) < 3 || p.ApplicationControl[2]&emv.AppControlByte3CCCSupported == 0 {
		return nil, statuswords.SWConditionsNotSatisfied
	}

	unpredictableNumber := data[cccOffUN : cccOffUN+emv.LengthUnpredictableNumber]
	msi := data[cccOffMSI]
	var amount [emv.LengthAmount]byte
	copy(amount[:], data[cccOffAmount:])
	currency := binary.BigEndian.Uint16(data[cccOffCurrency:])
	terminalCountry := binary.BigEndian.Uint16(data[cccOffCountry:])
	terminalType := data[cccOffTerminalType]

	if emv.IsOfflineOnlyTerminal(terminalType) {
		return nil, statuswords.SWConditionsNotSatisfied
	}

	var cvr2, cvr3 byte
	if terminalCountry == p.CRMCountryCode {
		cvr2 |= emv.PPMSCVRByte2DomesticTransaction
	} else {
		cvr2 |= emv.PPMSCVRByte2InternationalTransaction
	}

	skipCRM := false
	accept := false
	switch {
	case tc.Kind == transaction.ContextMagstripeFirstTap || tc.Kind == transaction.ContextFirstTap:
		if tc.Matches(transaction.ContextMagstripeFirstTap, currency, amount) {
			// Second tap of a matching pair.
			if tc.Ack == transaction.AckLocked {
				tc.InteractionInfo[1] |= emv.InteractionAckRequired
				cvr2 |= emv.PPMSCVRByte2CVMNotSatisfied
			}
			if tc.Pin == transaction.PinLocked {
				tc.InteractionInfo[1] |= emv.InteractionPinRequired
				cvr2 |= emv.PPMSCVRByte2CVMNotSatisfied
			}
		} else {
			tc.Invalidate()
			skipCRM = true
		}
	default:
		tc.BeginFirstTap(transaction.ContextMagstripeFirstTap, currency, amount)

		if p.MagstripeCVMIssuerOptions&emv.CVMIssuerPinPreEntryAllowed != 0 && tc.PinVerified {
			tc.Pin = transaction.PinEntered
		} else {
			tc.InteractionInfo[1] |= emv.InteractionPinRequired
			tc.Pin = transaction.PinLocked
			cvr2 |= emv.PPMSCVRByte2CVMNotSatisfied
		}
	}

	if !skipCRM {
		if msi&emv.MSIReaderSupportsMobile != 0 && msi&emv.MSIOfflinePinRequired != 0 &&
			tc.Pin != transaction.PinEntered {
			tc.Pin = transaction.PinLocked
			tc.InteractionInfo[1] |= emv.InteractionPinRequired
			cvr2 |= emv.PPMSCVRByte2CVMNotSatisfied | emv.PPMSCVRByte2TerminalErroneousOfflinePin
		}

		if len(p.CIACDeclinePPMS) >= 2 &&
			p.CIACDeclinePPMS[0]&cvr2 == 0 && p.CIACDeclinePPMS[1]&cvr3 == 0 {
			accept = true
		}
	}

	suk, err := e.store.Pool().DequeueOne()
	if err != nil {
		return nil, statuswords.SWConditionsNotSatisfied
	}

	tc.PinVerified = false

	mobileReader := msi&emv.MSIReaderSupportsMobile != 0

	if accept {
		tc.Kind = transaction.ContextPreviousTransaction

		if mobileReader {
			tc.InteractionInfo[1] |= emv.InteractionOfflinePinVerified
		}

		cvc3Track1, err := e.crypto.GenerateCVC3(suk.SessionKey, p.PinIVCVC3Track1, unpredictableNumber)
		if err != nil {
			return nil, statuswords.SWConditionsNotSatisfied
		}
		cvc3Track2, err := e.crypto.GenerateCVC3(suk.SessionKey, p.PinIVCVC3Track2, unpredictableNumber)
		if err != nil {
			return nil, statuswords.SWConditionsNotSatisfied
		}

		var b emv.Builder
		b.PutTag2(emv.TagCVC3Track2, cvc3Track2[len(cvc3Track2)-2:])
		b.PutTag2(emv.TagCVC3Track1, cvc3Track1[len(cvc3Track1)-2:])
		b.PutUint16Tag2(emv.TagATC, suk.ATC)
		if mobileReader {
			b.PutTag2(emv.TagInteractionInfo, tc.InteractionInfo[:])
		}

		log.Info().
			Str("event", "checksum_accepted").
			Uint16("atc", suk.ATC).
			Bool("mobile_reader", mobileReader).
			Msg("magstripe transaction sent online")

		return &transaction.Outcome{
			Response: emv.WrapTemplate(emv.TagResponseTemplate, b.Bytes()),
			Accepted: true,
		}, nil
	}

	// Decline.
	if tc.Kind != transaction.ContextInvalidated && cvr2&emv.PPMSCVRByte2CVMNotSatisfied == 0 {
		tc.Kind = transaction.ContextPreviousTransaction
	}

	if !mobileReader {
		return nil, statuswords.SWSecurityStatusNotSatisfied
	}

	// A mobile-capable reader gets the interaction requirements back and
	// the cardholder retries with a second tap. The consumed ATC is
	// reported decremented so the retry continues the sequence.
	var b emv.Builder
	b.PutUint16Tag2(emv.TagATC, suk.ATC-1)
	b.PutTag2(emv.TagInteractionInfo, tc.InteractionInfo[:])

	log.Info().
		Str("event", "checksum_declined").
		Uint16("atc", suk.ATC).
		Msg("magstripe transaction declined, second tap expected")

	return &transaction.Outcome{
		Response:      emv.WrapTemplate(emv.TagResponseTemplate, b.Bytes()),
		TwoTapPending: true,
	}, nil
}

// ciacMatches reports whether any decisional CVR bit matches the card
// issuer action code.
func ciacMatches(cvr [emv.LengthCVR]byte, ciac []byte) bool {
	if len(ciac) < 3 {
		return false
	}

	return cvr[3]&ciac[0] != 0 || cvr[4]&ciac[1] != 0 || cvr[5]&ciac[2] != 0
}

// buildIssuerAppData assembles the 18-byte issuer application data: key
// derivation index, cryptogram version, CVR, DAC or ICC dynamic number,
// and plaintext counters.
func buildIssuerAppData(kdi byte, cvr [emv.LengthCVR]byte, dac, idnTerminal []byte) []byte {
	out := make([]byte, 0, emv.LengthIssuerAppData)
	out = append(out, kdi, 0x14)
	out = append(out, cvr[:]...)
	if allZero(idnTerminal) {
		out = append(out, dac...)
	} else {
		out = append(out, idnTerminal[:2]...)
	}
	out = append(out, 0, 0, 0, 0, 0, 0, 0, 0xFF)

	return out
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}

	return true
}

func cidName(cid byte) string {
	switch cid {
	case emv.CIDARQC:
		return "arqc"
	case emv.CIDTC:
		return "tc"
	}

	return "aac"
}
