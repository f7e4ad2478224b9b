// Package profile holds the static account profile provisioned by the
// issuing host and the store that owns the profile together with the
// active key pool and the account lifecycle flags.
package profile

import (
	"crypto/sha256"
	"encoding/json"
	"math/big"
	"time"
)

// TruncatedHashLength is the number of SHA-256 bytes bound into each
// single-use key unit for integrity validation against the profile.
const TruncatedHashLength = 24

// ICCPrivateKey carries the RSA-CRT components used for offline data
// authentication. Nil components mean no private key was provisioned.
type ICCPrivateKey struct {
	PrimeP         []byte `json:"prime_p"`
	PrimeQ         []byte `json:"prime_q"`
	ExponentP      []byte `json:"exponent_p"`
	ExponentQ      []byte `json:"exponent_q"`
	CRTCoefficient []byte `json:"crt_coefficient"`
}

// Present reports whether all CRT components were provisioned.
func (k *ICCPrivateKey) Present() bool {
	return k != nil &&
		len(k.PrimeP) > 0 && len(k.PrimeQ) > 0 &&
		len(k.ExponentP) > 0 && len(k.ExponentQ) > 0 &&
		len(k.CRTCoefficient) > 0
}

// Modulus returns p*q.
func (k *ICCPrivateKey) Modulus() *big.Int {
	p := new(big.Int).SetBytes(k.PrimeP)
	q := new(big.Int).SetBytes(k.PrimeQ)

	return p.Mul(p, q)
}

// AccountProfile is the static per-account data set fetched from the
// issuing host. It is immutable once installed; updates replace the whole
// value.
type AccountProfile struct {
	AID            []byte `json:"aid"`
	PPSEAID        []byte `json:"ppse_aid"`
	PPSEResponse   []byte `json:"ppse_response"`
	FCIProprietary []byte `json:"fci_proprietary"` // tag A5 data appended to the FCI

	AIP []byte `json:"aip"`
	AFL []byte `json:"afl"`

	SFI1Record1 []byte `json:"sfi1_record1"`
	SFI2Record1 []byte `json:"sfi2_record1"`
	SFI2Record2 []byte `json:"sfi2_record2"`
	SFI2Record3 []byte `json:"sfi2_record3"`

	CDOL1RelatedDataLength int `json:"cdol1_related_data_length"`

	MchipCVMIssuerOptions     byte   `json:"mchip_cvm_issuer_options"`
	MagstripeCVMIssuerOptions byte   `json:"magstripe_cvm_issuer_options"`
	CRMCountryCode            uint16 `json:"crm_country_code"`
	CIACDeclineOnlineCapable  []byte `json:"ciac_decline_online_capable"` // 3 bytes, CVR bytes 4-6 mask
	CIACDeclinePPMS           []byte `json:"ciac_decline_ppms"`           // 2 bytes, PPMS CVR bytes 2-3 mask
	KeyDerivationIndex        byte   `json:"key_derivation_index"`
	ApplicationControl        []byte `json:"application_control"` // 3 bytes

	PinIVCVC3Track1 []byte `json:"pin_iv_cvc3_track1"`
	PinIVCVC3Track2 []byte `json:"pin_iv_cvc3_track2"`

	ICCPrivateKey    *ICCPrivateKey `json:"icc_private_key,omitempty"`
	ICCModulusLength int            `json:"icc_modulus_length"`

	MaxKeyUnits        int `json:"max_key_units"`
	MinKeyThreshold    int `json:"min_key_threshold"`
	ExpiryCheckMinutes int `json:"expiry_check_minutes"` // zero means never sweep
	DualTapResetMillis int `json:"dual_tap_reset_millis"`
}

// Hash returns the truncated SHA-256 over the profile's canonical JSON
// encoding. Single-use key units carry the same value and are rejected
// on mismatch.
func (p *AccountProfile) Hash() []byte {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil
	}
	sum := sha256.Sum256(raw)

	return sum[:TruncatedHashLength]
}

// Record resolves a static record by SFI and record number. A nil result
// with found=false means the SFI itself is unknown; found=true with a nil
// record means the SFI exists but the record number does not.
func (p *AccountProfile) Record(sfi, number byte) (data []byte, found bool) {
	switch sfi {
	case 1:
		if number == 1 {
			return p.SFI1Record1, true
		}

		return nil, true
	case 2:
		switch number {
		case 1:
			return p.SFI2Record1, true
		case 2:
			return p.SFI2Record2, true
		case 3:
			return p.SFI2Record3, true
		}

		return nil, true
	}

	return nil, false
}

// RecordInAFL reports whether the record is referenced by the profile AFL.
// AFL entries are 4 bytes: SFI in the high 5 bits of byte 0, then first
// and last record numbers.
func (p *AccountProfile) RecordInAFL(sfi, number byte) bool {
	afl := p.AFL
	for off := 0; off+4 <= len(afl); off += 4 {
		entrySfi := afl[off] >> 3
		if sfi == entrySfi && number >= afl[off+1] && number <= afl[off+2] {
			return true
		}
	}

	return false
}

// ExpiryCheckInterval returns the sweep interval, zero when sweeping is
// disabled.
func (p *AccountProfile) ExpiryCheckInterval() time.Duration {
	return time.Duration(p.ExpiryCheckMinutes) * time.Minute
}
