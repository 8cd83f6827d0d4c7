package delegation

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionExhausted indicates the request count or allowance is used up
	ErrSessionExhausted = errors.New("delegation: session exhausted")

	// ErrSessionRevoked indicates the session was revoked
	ErrSessionRevoked = errors.New("delegation: session revoked")

	// ErrSessionExpired indicates the session deadline has passed
	ErrSessionExpired = errors.New("delegation: session expired")

	// ErrMissingAmount indicates the intent carries no recognizable transfer amount
	ErrMissingAmount = errors.New("delegation: intent missing transfer amount")

	// ErrAllowanceExceeded indicates the amount exceeds the remaining allowance
	ErrAllowanceExceeded = errors.New("delegation: allowance exceeded")

	// ErrPersistence indicates the session update could not be stored
	ErrPersistence = errors.New("delegation: persistence failed")

	// ErrTransactionFailed indicates the ledger committed the transaction with a failure status
	ErrTransactionFailed = errors.New("delegation: transaction failed")

	// ErrSessionNotFound is returned by a Store with no record for an id
	ErrSessionNotFound = errors.New("delegation: session not found")

	// ErrNoSigner indicates the session is not linked to a live signer; call Resume
	ErrNoSigner = errors.New("delegation: session has no signer")

	// ErrOwnerMismatch indicates a signer does not own the session
	ErrOwnerMismatch = errors.New("delegation: signer does not own session")

	// ErrInvalidLimits indicates unusable session limits
	ErrInvalidLimits = errors.New("delegation: invalid session limits")

	// ErrStaleSession is returned by a Store asked to overwrite a record with
	// an older or equal version
	ErrStaleSession = errors.New("delegation: stale session version")
)

// SignError reports a signAndSubmit failure. Hash is empty when the
// transaction never reached the ledger. SessionUsable tells the caller
// whether the session can still sign or must be re-created.
type SignError struct {
	Hash          string
	SessionUsable bool
	Err           error
}

func (e *SignError) Error() string {
	state := "session unusable"
	if e.SessionUsable {
		state = "session usable"
	}
	if e.Hash != "" {
		return fmt.Sprintf("sign and submit %s: %v (%s)", e.Hash, e.Err, state)
	}
	return fmt.Sprintf("sign and submit: %v (%s)", e.Err, state)
}

func (e *SignError) Unwrap() error {
	return e.Err
}
