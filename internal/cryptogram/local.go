package cryptogram

import (
	"crypto/des"
	"crypto/sha1"
	"errors"
	"fmt"
	"math/big"
)

const (
	sessionKeyLength = 16
	blockSize        = 8
)

var (
	errKeyLength     = errors.New("session key must be 16 bytes")
	errIVLength      = errors.New("track IV must be 8 bytes")
	errNoPrivateKey  = errors.New("icc private key not available")
	errModulusLength = errors.New("signature does not match declared modulus length")
)

// LocalService implements Service with in-process primitives: ISO 9797-1
// MAC algorithm 3 under the two-key session key for cryptograms and CVC3,
// and RSA-CRT signing for SDAD.
type LocalService struct{}

// NewLocalService returns the in-process cryptogram service.
func NewLocalService() *LocalService {
	return &LocalService{}
}

// GenerateAC computes the CVN 14 application cryptogram: the input block
// is padded with 0x80 and zeros to a block multiple, then MACed with
// algorithm 3 under the session key halves.
func (s *LocalService) GenerateAC(in ACInput) ([]byte, error) {
	if len(in.SessionKey) != sessionKeyLength {
		return nil, errKeyLength
	}
	if len(in.Data) == 0 {
		return nil, errors.New("empty cryptogram input block")
	}

	padded := make([]byte, 0, len(in.Data)+blockSize)
	padded = append(padded, in.Data...)
	padded = append(padded, 0x80)
	for len(padded)%blockSize != 0 {
		padded = append(padded, 0x00)
	}

	return macAlg3(in.SessionKey, padded)
}

// GenerateCVC3 encrypts the track IV, with its low half mixed with the
// unpredictable number, under the session key.
func (s *LocalService) GenerateCVC3(sessionKey, trackIV, unpredictableNumber []byte) ([]byte, error) {
	if len(sessionKey) != sessionKeyLength {
		return nil, errKeyLength
	}
	if len(trackIV) != blockSize {
		return nil, errIVLength
	}
	if len(unpredictableNumber) != 4 {
		return nil, errors.New("unpredictable number must be 4 bytes")
	}

	block := make([]byte, blockSize)
	copy(block, trackIV)
	for i := range unpredictableNumber {
		block[4+i] ^= unpredictableNumber[i]
	}

	cipher, err := des.NewTripleDESCipher(tripleKey(sessionKey))
	if err != nil {
		return nil, fmt.Errorf("cvc3 cipher: %w", err)
	}
	out := make([]byte, blockSize)
	cipher.Encrypt(out, block)

	return out, nil
}

// GenerateSDAD builds the dynamic application data block (format 0x6A,
// SHA-1, ICC dynamic data carrying the IDN, CID, cryptogram and the
// transaction data hash) and signs it with the ICC private key. The
// result is exactly the declared modulus length.
func (s *LocalService) GenerateSDAD(in SDADInput) ([]byte, error) {
	if !in.PrivateKey.Present() {
		return nil, errNoPrivateKey
	}
	if in.ModulusLength < 64 {
		return nil, errors.New("declared modulus length too short")
	}

	txnHash := sha1.New()
	txnHash.Write(in.PDOLData)
	txnHash.Write(in.CDOL1Data)
	txnHash.Write([]byte{in.CID})
	txnHash.Write(in.IssuerAppData)

	iccDynData := make([]byte, 0, 2+len(in.IDN)+1+len(in.Cryptogram)+sha1.Size)
	iccDynData = append(iccDynData, byte(len(in.IDN)))
	iccDynData = append(iccDynData, in.IDN...)
	iccDynData = append(iccDynData, in.CID)
	iccDynData = append(iccDynData, in.Cryptogram...)
	iccDynData = append(iccDynData, txnHash.Sum(nil)...)

	// Block layout: 6A 05 01 <dyn len> <dyn data> BB..BB <hash> BC.
	padLength := in.ModulusLength - 4 - len(iccDynData) - sha1.Size - 2
	if padLength < 0 {
		return nil, errors.New("icc dynamic data exceeds modulus capacity")
	}
	block := make([]byte, 0, in.ModulusLength)
	block = append(block, 0x6A, 0x05, 0x01, byte(len(iccDynData)))
	block = append(block, iccDynData...)
	for range padLength {
		block = append(block, 0xBB)
	}
	h := sha1.New()
	h.Write(block[1:])
	h.Write(in.UnpredictableNumber)
	block = append(block, h.Sum(nil)...)
	block = append(block, 0xBC)

	sig := signCRT(in, block)
	if len(sig) != in.ModulusLength {
		return nil, errModulusLength
	}

	return sig, nil
}

// macAlg3 computes ISO 9797-1 MAC algorithm 3: single-DES CBC under the
// first key half, with a final triple-DES step.
func macAlg3(sessionKey, padded []byte) ([]byte, error) {
	k1, err := des.NewCipher(sessionKey[:blockSize])
	if err != nil {
		return nil, fmt.Errorf("mac key a: %w", err)
	}
	k2, err := des.NewCipher(sessionKey[blockSize:])
	if err != nil {
		return nil, fmt.Errorf("mac key b: %w", err)
	}

	mac := make([]byte, blockSize)
	for off := 0; off < len(padded); off += blockSize {
		for i := range mac {
			mac[i] ^= padded[off+i]
		}
		k1.Encrypt(mac, mac)
	}
	k2.Decrypt(mac, mac)
	k1.Encrypt(mac, mac)

	return mac, nil
}

// tripleKey expands a two-key bundle to the K1|K2|K1 form required by
// crypto/des.
func tripleKey(sessionKey []byte) []byte {
	k := make([]byte, 0, 24)
	k = append(k, sessionKey...)
	k = append(k, sessionKey[:blockSize]...)

	return k
}

// signCRT performs the RSA-CRT exponentiation over the formatted block and
// returns the smaller of s and n-s, left-padded to the modulus length.
func signCRT(in SDADInput, block []byte) []byte {
	p := new(big.Int).SetBytes(in.PrivateKey.PrimeP)
	q := new(big.Int).SetBytes(in.PrivateKey.PrimeQ)
	dp := new(big.Int).SetBytes(in.PrivateKey.ExponentP)
	dq := new(big.Int).SetBytes(in.PrivateKey.ExponentQ)
	qInv := new(big.Int).SetBytes(in.PrivateKey.CRTCoefficient)
	n := new(big.Int).Mul(p, q)

	m := new(big.Int).SetBytes(block)
	m1 := new(big.Int).Exp(m, dp, p)
	m2 := new(big.Int).Exp(m, dq, q)

	h := new(big.Int).Sub(m1, m2)
	h.Mod(h, p)
	h.Mul(h, qInv)
	h.Mod(h, p)

	sig := new(big.Int).Mul(h, q)
	sig.Add(sig, m2)

	alt := new(big.Int).Sub(n, sig)
	if alt.Cmp(sig) < 0 {
		sig = alt
	}

	out := make([]byte, in.ModulusLength)
	sig.FillBytes(out)

	return out
}
