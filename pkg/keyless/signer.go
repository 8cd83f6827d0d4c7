package keyless

import (
	"crypto/ed25519"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/siddimore/aether-x402/pkg/ledger"
)

// AuthenticatorType tags keyless signatures on submitted transactions.
const AuthenticatorType = "keyless_signature"

// Signer signs ledger transactions as a keyless account.
type Signer struct {
	key        *EphemeralKeyPair
	pepper     Pepper
	proof      *BindingProof
	issuer     string
	audience   string
	uidKey     string
	subjectKey string
	address    string
	authKey    string
	createdAt  time.Time
}

// Address returns the account address.
func (s *Signer) Address() string { return s.address }

// AuthenticationKey returns the account authentication key.
func (s *Signer) AuthenticationKey() string { return s.authKey }

// SubjectKey returns the hashed login subject this signer belongs to.
func (s *Signer) SubjectKey() string { return s.subjectKey }

// Issuer returns the identity provider.
func (s *Signer) Issuer() string { return s.issuer }

// ExpiresAt returns the ephemeral key expiry.
func (s *Signer) ExpiresAt() time.Time { return s.key.ExpiryDate() }

// Expired reports whether the signer can no longer sign at now.
func (s *Signer) Expired(now time.Time) bool { return s.key.Expired(now) }

// PublicKey returns the hex-encoded ephemeral public key.
func (s *Signer) PublicKey() string {
	return "0x" + hex.EncodeToString(s.key.PublicKey())
}

// Proof returns the binding proof attached to every signature.
func (s *Signer) Proof() *BindingProof { return s.proof }

// SharesKey reports whether other signs with the same ephemeral key and proof.
func (s *Signer) SharesKey(other *Signer) bool {
	if other == nil {
		return false
	}
	return subtle.ConstantTimeCompare(s.key.Bytes(), other.key.Bytes()) == 1 &&
		subtle.ConstantTimeCompare(s.proof.Bytes(), other.proof.Bytes()) == 1
}

// SignTransaction signs raw for submission. The sender must be this account.
func (s *Signer) SignTransaction(raw ledger.RawTransaction, now time.Time) (*ledger.SignedTransaction, error) {
	if s.key.Expired(now) {
		return nil, fmt.Errorf("%w: ephemeral key expired at %s", ErrInvalidToken, s.key.ExpiryDate().Format(time.RFC3339))
	}
	if raw.Sender != s.address {
		return nil, fmt.Errorf("sign transaction: sender %s is not %s", raw.Sender, s.address)
	}

	msg, err := raw.SigningMessage()
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}

	return &ledger.SignedTransaction{
		Raw: raw,
		Authenticator: ledger.Authenticator{
			Type:               AuthenticatorType,
			Issuer:             s.issuer,
			EphemeralPublicKey: s.PublicKey(),
			Signature:          "0x" + hex.EncodeToString(s.key.Sign(msg)),
			Proof:              "0x" + hex.EncodeToString(s.proof.Bytes()),
			ExpiryDateSecs:     uint64(s.key.ExpiryDate().Unix()),
		},
	}, nil
}

// Material returns the persistable form of the signer.
func (s *Signer) Material() *IdentityMaterial {
	return &IdentityMaterial{
		Version:      MaterialVersion,
		SubjectKey:   s.subjectKey,
		Issuer:       s.issuer,
		Audience:     s.audience,
		UIDKey:       s.uidKey,
		EphemeralKey: s.key.Bytes(),
		Pepper:       s.pepper.Bytes(),
		Proof:        s.proof.Bytes(),
		Address:      s.address,
		ExpiresAt:    s.key.ExpiryDate(),
		CreatedAt:    s.createdAt,
	}
}

// VerifyTransaction checks the ephemeral signature on a keyless transaction.
// Ledgers use it to reject tampered submissions.
func VerifyTransaction(txn *ledger.SignedTransaction) error {
	auth := txn.Authenticator
	if auth.Type != AuthenticatorType {
		return fmt.Errorf("unsupported authenticator %q", auth.Type)
	}
	pub, err := hex.DecodeString(trimHex(auth.EphemeralPublicKey))
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("bad ephemeral public key")
	}
	sig, err := hex.DecodeString(trimHex(auth.Signature))
	if err != nil {
		return fmt.Errorf("bad signature encoding")
	}
	if auth.Proof == "" {
		return fmt.Errorf("missing binding proof")
	}
	msg, err := txn.Raw.SigningMessage()
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, msg, sig) {
		return fmt.Errorf("signature does not verify")
	}
	return nil
}
