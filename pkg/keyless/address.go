package keyless

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/sha3"
)

const (
	addressSeedDomain  = "APTOS::KeylessAddressSeed"
	publicInputsDomain = "APTOS::KeylessPublicInputs"

	// keylessScheme is the authentication key scheme byte for keyless accounts.
	keylessScheme = 0x05
)

// AddressSeed commits to the audience, uid and pepper without revealing them.
type AddressSeed [32]byte

// DeriveAddressSeed computes the seed for an identity.
func DeriveAddressSeed(audience, uidKey, uidValue string, pepper Pepper) AddressSeed {
	h := sha3.New256()
	h.Write([]byte(addressSeedDomain))
	writeField(h, []byte(audience))
	writeField(h, []byte(uidKey))
	writeField(h, []byte(uidValue))
	h.Write(pepper[:])

	var seed AddressSeed
	copy(seed[:], h.Sum(nil))
	return seed
}

// DeriveAccountAddress computes the account address for an issuer and seed.
func DeriveAccountAddress(issuer string, seed AddressSeed) string {
	h := sha3.New256()
	writeField(h, []byte(issuer))
	h.Write(seed[:])
	h.Write([]byte{keylessScheme})
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

// NormalizeAddress validates a 32-byte hex account address and returns it lowercased with 0x.
func NormalizeAddress(addr string) (string, error) {
	b, err := hex.DecodeString(trimHex(strings.TrimSpace(addr)))
	if err != nil || len(b) != 32 {
		return "", fmt.Errorf("%w: address %q", ErrMaterialCorrupt, addr)
	}
	return "0x" + hex.EncodeToString(b), nil
}

// PublicInputsHash binds the claims, ephemeral key and address seed a proof attests to.
func PublicInputsHash(c *Claims, ephemeralPub []byte, ephemeralExpiry uint64, seed AddressSeed, expHorizonSecs uint64) [32]byte {
	h := sha3.New256()
	h.Write([]byte(publicInputsDomain))
	writeField(h, []byte(c.Issuer))
	writeField(h, []byte(c.Subject))
	writeField(h, []byte(c.Audience))
	writeUint(h, uint64(c.ExpiresAt.Unix()))
	writeField(h, ephemeralPub)
	writeUint(h, ephemeralExpiry)
	h.Write(seed[:])
	writeUint(h, expHorizonSecs)

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func writeField(w io.Writer, b []byte) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(b)))
	w.Write(n[:])
	w.Write(b)
}

func writeUint(w io.Writer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.Write(b[:])
}
