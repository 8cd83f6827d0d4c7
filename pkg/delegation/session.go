// Package delegation meters bounded, pre-authorized signing sessions for a
// keyless account.
package delegation

import (
	"fmt"
	"time"

	"github.com/siddimore/aether-x402/pkg/keyless"
	"github.com/siddimore/aether-x402/pkg/x402"
)

// State is the lifecycle state of a session.
type State string

const (
	StateActive    State = "active"
	StateExhausted State = "exhausted"
	StateRevoked   State = "revoked"
	StateExpired   State = "expired"
)

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateExhausted || s == StateRevoked || s == StateExpired
}

// LogStatus is the outcome recorded for a signing attempt.
type LogStatus string

const (
	LogSuccess LogStatus = "success"
	LogFailed  LogStatus = "failed"
)

// LogEntry is one append-only transaction log record.
type LogEntry struct {
	Hash      string      `json:"hash"`
	Amount    x402.Amount `json:"amount"`
	Recipient string      `json:"recipient,omitempty"`
	Status    LogStatus   `json:"status"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Session is a bounded signing capability for one owner address.
// The live signer is never serialized; Resume re-links it after a restart.
type Session struct {
	ID                string      `json:"id"`
	OwnerAddress      string      `json:"ownerAddress"`
	SubjectKey        string      `json:"subjectKey"`
	MaxRequests       int         `json:"maxRequests"`
	RemainingRequests int         `json:"remainingRequests"`
	TotalAllowance    x402.Amount `json:"totalAllowance"`
	SpentAmount       x402.Amount `json:"spentAmount"`
	CreatedAt         time.Time   `json:"createdAt"`
	ExpiresAt         time.Time   `json:"expiresAt"`
	IsActive          bool        `json:"isActive"`
	State             State       `json:"state"`
	TransactionLog    []LogEntry  `json:"transactionLog"`

	// Version increases with every persisted update.
	Version uint64 `json:"version"`

	signer *keyless.Signer
}

// Signer returns the linked signer, or nil before Resume.
func (s *Session) Signer() *keyless.Signer {
	return s.signer
}

// RemainingAllowance returns totalAllowance - spentAmount.
func (s *Session) RemainingAllowance() x402.Amount {
	if s.SpentAmount >= s.TotalAllowance {
		return 0
	}
	return s.TotalAllowance - s.SpentAmount
}

// Usable reports whether the session may sign at now.
func (s *Session) Usable(now time.Time) bool {
	return s.checkUsable(now) == nil
}

// checkUsable is the fail-closed gate evaluated before every signature.
func (s *Session) checkUsable(now time.Time) error {
	switch {
	case s.State == StateRevoked:
		return ErrSessionRevoked
	case s.State == StateExpired, !now.Before(s.ExpiresAt):
		return ErrSessionExpired
	case !s.IsActive, s.State == StateExhausted, s.RemainingRequests <= 0, s.SpentAmount >= s.TotalAllowance:
		return ErrSessionExhausted
	}
	return nil
}

// Validate checks the counter invariants of a loaded session.
func (s *Session) Validate() error {
	switch {
	case s.ID == "" || s.OwnerAddress == "":
		return fmt.Errorf("session missing id or owner")
	case s.MaxRequests <= 0:
		return fmt.Errorf("session %s: maxRequests %d", s.ID, s.MaxRequests)
	case s.RemainingRequests < 0 || s.RemainingRequests > s.MaxRequests:
		return fmt.Errorf("session %s: remainingRequests %d outside [0,%d]", s.ID, s.RemainingRequests, s.MaxRequests)
	case s.SpentAmount > s.TotalAllowance:
		return fmt.Errorf("session %s: spent %s exceeds allowance %s", s.ID, s.SpentAmount, s.TotalAllowance)
	}
	switch s.State {
	case StateActive, StateExhausted, StateRevoked, StateExpired:
	default:
		return fmt.Errorf("session %s: unknown state %q", s.ID, s.State)
	}
	if s.State.Terminal() && s.IsActive {
		return fmt.Errorf("session %s: active flag set in terminal state %s", s.ID, s.State)
	}
	return nil
}

// Snapshot returns a deep copy without the signer.
func (s *Session) Snapshot() *Session {
	cp := *s
	cp.signer = nil
	cp.TransactionLog = append([]LogEntry(nil), s.TransactionLog...)
	return &cp
}

// adopt replaces the persisted fields of s with those of a newer record.
func (s *Session) adopt(newer *Session) {
	signer := s.signer
	*s = *newer
	s.TransactionLog = append([]LogEntry(nil), newer.TransactionLog...)
	s.signer = signer
}

func (s *Session) terminate(state State) {
	s.IsActive = false
	if !s.State.Terminal() {
		s.State = state
	}
}
