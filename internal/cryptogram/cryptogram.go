// Package cryptogram provides the cryptogram generation service consumed
// by the risk decision engine: application cryptograms (CVN 14), dynamic
// CVC3 values for the magstripe profile, and signed dynamic application
// data for combined DDA/AC generation.
package cryptogram

import (
	"github.com/andrei-cloud/go_hce/internal/profile"
)

// ACInput is the input block for application cryptogram generation:
// amounts, terminal country code, TVR, currency, date, type and
// unpredictable number as delivered by the terminal, followed by AIP,
// ATC and CVR.
type ACInput struct {
	SessionKey []byte
	Data       []byte
}

// SDADInput is the input block for signed dynamic application data.
type SDADInput struct {
	PrivateKey          *profile.ICCPrivateKey
	ModulusLength       int
	IDN                 []byte
	CID                 byte
	Cryptogram          []byte
	PDOLData            []byte
	CDOL1Data           []byte
	IssuerAppData       []byte
	UnpredictableNumber []byte
}

// Service generates cryptograms from pre-provisioned single-use key
// material. Implementations must be local and fast; the tap path calls
// them synchronously.
type Service interface {
	// GenerateAC returns the 8-byte application cryptogram for the input
	// block, or a deterministic failure.
	GenerateAC(in ACInput) ([]byte, error)

	// GenerateCVC3 returns the 8-byte dynamic CVC3 block derived from the
	// track IV and the terminal unpredictable number; callers use the
	// trailing bytes.
	GenerateCVC3(sessionKey, trackIV, unpredictableNumber []byte) ([]byte, error)

	// GenerateSDAD returns signed dynamic application data sized exactly
	// to the declared modulus length, or fails.
	GenerateSDAD(in SDADInput) ([]byte, error)
}
