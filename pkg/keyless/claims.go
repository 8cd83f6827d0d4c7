package keyless

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/sha3"
)

// DefaultUIDKey is the claim that identifies the login subject.
const DefaultUIDKey = "sub"

// Claims is the subset of login token claims used for derivation.
type Claims struct {
	Issuer    string
	Subject   string
	Audience  string
	UIDKey    string
	UIDValue  string
	Nonce     string
	ExpiresAt time.Time
}

// Complete reports whether the claim set can validate a binding proof.
func (c *Claims) Complete() bool {
	return c != nil && c.Issuer != "" && c.Subject != "" && c.Audience != "" && !c.ExpiresAt.IsZero()
}

// SubjectKey identifies a login subject across sessions without storing the raw subject.
func (c *Claims) SubjectKey() string {
	return SubjectKey(c.Issuer, c.UIDValue, c.Audience)
}

// SubjectKey hashes issuer, uid value and audience.
func SubjectKey(issuer, uidValue, audience string) string {
	h := sha3.New256()
	for _, part := range []string{issuer, uidValue, audience} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ParseLoginToken extracts claims from a federated login token.
// The signature is not checked here; the attestation service validates it
// against the identity provider's keys before issuing a proof.
func ParseLoginToken(raw string, now time.Time) (*Claims, error) {
	mc := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, mc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	iss, _ := mc.GetIssuer()
	sub, _ := mc.GetSubject()
	aud, _ := mc.GetAudience()
	exp, _ := mc.GetExpirationTime()
	nonce, _ := mc["nonce"].(string)

	c := &Claims{
		Issuer:   iss,
		Subject:  sub,
		UIDKey:   DefaultUIDKey,
		UIDValue: sub,
		Nonce:    nonce,
	}
	if len(aud) > 0 {
		c.Audience = aud[0]
	}
	if exp != nil {
		c.ExpiresAt = exp.Time.UTC()
	}

	switch {
	case c.Issuer == "":
		return nil, fmt.Errorf("%w: missing issuer", ErrInvalidToken)
	case c.Subject == "":
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	case c.Audience == "":
		return nil, fmt.Errorf("%w: missing audience", ErrInvalidToken)
	case c.Nonce == "":
		return nil, fmt.Errorf("%w: missing nonce", ErrInvalidToken)
	case c.ExpiresAt.IsZero():
		return nil, fmt.Errorf("%w: missing expiry", ErrInvalidToken)
	case !now.Before(c.ExpiresAt):
		return nil, fmt.Errorf("%w: expired at %s", ErrInvalidToken, c.ExpiresAt.Format(time.RFC3339))
	}
	return c, nil
}
