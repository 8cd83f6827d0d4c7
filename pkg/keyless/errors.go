package keyless

import "errors"

var (
	// ErrNetwork indicates a transient transport failure talking to the attestation service
	ErrNetwork = errors.New("keyless: network error")

	// ErrRateLimited indicates the attestation service throttled the request.
	// Cached material is never purged because of it.
	ErrRateLimited = errors.New("keyless: rate limited")

	// ErrInvalidToken indicates the login token is expired, malformed or bound to another key
	ErrInvalidToken = errors.New("keyless: invalid login token")

	// ErrMaterialCorrupt indicates persisted identity bytes failed to decode
	ErrMaterialCorrupt = errors.New("keyless: identity material corrupt")

	// ErrDerivationUnavailable indicates retries were exhausted and no cached material exists
	ErrDerivationUnavailable = errors.New("keyless: derivation unavailable")

	// ErrNoMaterial is returned by a MaterialStore that holds nothing for a subject
	ErrNoMaterial = errors.New("keyless: no cached identity material")

	// ErrIncompleteClaims indicates a proof check was attempted without issuer, subject, audience and expiry
	ErrIncompleteClaims = errors.New("keyless: incomplete claim set")
)

// Retryable reports whether err is worth another derivation attempt.
func Retryable(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrRateLimited)
}
