package keyless

import (
	"encoding/hex"
	"fmt"
)

// PepperSize is the length of a pepper.
const PepperSize = 31

// Pepper is the server-issued blinding value mixed into address derivation.
type Pepper [PepperSize]byte

// PepperFromBytes validates and copies b.
func PepperFromBytes(b []byte) (Pepper, error) {
	var p Pepper
	if len(b) != PepperSize {
		return p, fmt.Errorf("%w: pepper length %d", ErrMaterialCorrupt, len(b))
	}
	copy(p[:], b)
	return p, nil
}

// PepperFromHex decodes a hex pepper as returned by the attestation service.
func PepperFromHex(s string) (Pepper, error) {
	b, err := hex.DecodeString(trimHex(s))
	if err != nil {
		return Pepper{}, fmt.Errorf("%w: pepper: %v", ErrMaterialCorrupt, err)
	}
	return PepperFromBytes(b)
}

// Bytes returns the pepper as a slice.
func (p Pepper) Bytes() []byte {
	return append([]byte(nil), p[:]...)
}

// IsZero reports whether the pepper is unset.
func (p Pepper) IsZero() bool {
	return p == Pepper{}
}

func (p Pepper) String() string {
	return "0x" + hex.EncodeToString(p[:])
}

func trimHex(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
