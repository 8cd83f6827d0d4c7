package keyless

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const proofVersion = 1

// BindingProof ties an ephemeral key, login claims and pepper into a signing
// capability. It travels with every signature.
//
// A proof restored from bytes signs and serializes exactly like a fresh one,
// but Verify still requires the full claim set from the caller.
type BindingProof struct {
	Proof            []byte
	ExpHorizonSecs   uint64
	PublicInputsHash [32]byte
}

// Bytes returns the canonical encoding.
func (p *BindingProof) Bytes() []byte {
	var buf bytes.Buffer
	buf.WriteByte(proofVersion)
	writeUint(&buf, p.ExpHorizonSecs)
	buf.Write(p.PublicInputsHash[:])
	writeField(&buf, p.Proof)
	return buf.Bytes()
}

// BindingProofFromBytes decodes the output of Bytes.
func BindingProofFromBytes(b []byte) (*BindingProof, error) {
	const header = 1 + 8 + 32 + 4
	if len(b) < header {
		return nil, fmt.Errorf("%w: proof length %d", ErrMaterialCorrupt, len(b))
	}
	if b[0] != proofVersion {
		return nil, fmt.Errorf("%w: proof version %d", ErrMaterialCorrupt, b[0])
	}

	p := &BindingProof{ExpHorizonSecs: binary.BigEndian.Uint64(b[1:9])}
	copy(p.PublicInputsHash[:], b[9:41])

	n := binary.BigEndian.Uint32(b[41:45])
	if uint64(len(b)-header) != uint64(n) {
		return nil, fmt.Errorf("%w: proof body length %d, header says %d", ErrMaterialCorrupt, len(b)-header, n)
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: empty proof", ErrMaterialCorrupt)
	}
	p.Proof = append([]byte(nil), b[header:]...)
	return p, nil
}

// Verify checks that the proof attests to the given claims, ephemeral key and seed.
func (p *BindingProof) Verify(c *Claims, key *EphemeralKeyPair, seed AddressSeed) error {
	if !c.Complete() {
		return ErrIncompleteClaims
	}
	want := PublicInputsHash(c, key.PublicKey(), uint64(key.ExpiryDate().Unix()), seed, p.ExpHorizonSecs)
	if want != p.PublicInputsHash {
		return fmt.Errorf("%w: proof does not match public inputs", ErrMaterialCorrupt)
	}
	return nil
}
