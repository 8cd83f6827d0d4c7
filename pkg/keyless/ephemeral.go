package keyless

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/crypto/sha3"
)

const (
	// BlinderSize is the length of the nonce blinder.
	BlinderSize = 31

	ephemeralVersion = 1
	ephemeralSize    = 1 + ed25519.SeedSize + 8 + BlinderSize
	nonceDomain      = "APTOS::KeylessNonce"
)

// EphemeralKeyPair is the short-lived key generated before a login attempt.
// Its nonce is embedded in the login request, so a key serves exactly one login.
type EphemeralKeyPair struct {
	privateKey ed25519.PrivateKey
	expiry     time.Time
	blinder    [BlinderSize]byte
}

// GenerateEphemeralKeyPair creates a fresh key valid until expiry.
func GenerateEphemeralKeyPair(expiry time.Time) (*EphemeralKeyPair, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	k := &EphemeralKeyPair{privateKey: priv, expiry: time.Unix(expiry.Unix(), 0).UTC()}
	if _, err := rand.Read(k.blinder[:]); err != nil {
		return nil, fmt.Errorf("generate blinder: %w", err)
	}
	return k, nil
}

// PublicKey returns the ed25519 public key.
func (k *EphemeralKeyPair) PublicKey() ed25519.PublicKey {
	return k.privateKey.Public().(ed25519.PublicKey)
}

// ExpiryDate returns the instant after which the key must not sign.
func (k *EphemeralKeyPair) ExpiryDate() time.Time {
	return k.expiry
}

// Blinder returns a copy of the nonce blinder.
func (k *EphemeralKeyPair) Blinder() []byte {
	return append([]byte(nil), k.blinder[:]...)
}

// Expired reports whether the key is past its expiry at now.
func (k *EphemeralKeyPair) Expired(now time.Time) bool {
	return !now.Before(k.expiry)
}

// Nonce is the commitment the login token must carry.
func (k *EphemeralKeyPair) Nonce() string {
	return ComputeNonce(k.PublicKey(), uint64(k.expiry.Unix()), k.blinder[:])
}

// ComputeNonce derives the login nonce from the public parts of an ephemeral key.
func ComputeNonce(pub []byte, expirySecs uint64, blinder []byte) string {
	var exp [8]byte
	binary.BigEndian.PutUint64(exp[:], expirySecs)

	h := sha3.New256()
	h.Write([]byte(nonceDomain))
	h.Write(pub)
	h.Write(exp[:])
	h.Write(blinder)
	return hex.EncodeToString(h.Sum(nil))
}

// Sign signs msg with the ephemeral private key.
func (k *EphemeralKeyPair) Sign(msg []byte) []byte {
	return ed25519.Sign(k.privateKey, msg)
}

// Bytes returns the canonical encoding: version, seed, expiry, blinder.
func (k *EphemeralKeyPair) Bytes() []byte {
	out := make([]byte, 0, ephemeralSize)
	out = append(out, ephemeralVersion)
	out = append(out, k.privateKey.Seed()...)
	out = binary.BigEndian.AppendUint64(out, uint64(k.expiry.Unix()))
	out = append(out, k.blinder[:]...)
	return out
}

// EphemeralKeyPairFromBytes decodes the output of Bytes.
func EphemeralKeyPairFromBytes(b []byte) (*EphemeralKeyPair, error) {
	if len(b) != ephemeralSize {
		return nil, fmt.Errorf("%w: ephemeral key length %d", ErrMaterialCorrupt, len(b))
	}
	if b[0] != ephemeralVersion {
		return nil, fmt.Errorf("%w: ephemeral key version %d", ErrMaterialCorrupt, b[0])
	}

	seed := b[1 : 1+ed25519.SeedSize]
	rest := b[1+ed25519.SeedSize:]

	k := &EphemeralKeyPair{
		privateKey: ed25519.NewKeyFromSeed(seed),
		expiry:     time.Unix(int64(binary.BigEndian.Uint64(rest[:8])), 0).UTC(),
	}
	copy(k.blinder[:], rest[8:])
	return k, nil
}
