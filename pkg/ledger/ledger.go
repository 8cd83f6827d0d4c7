// Package ledger models the account ledger payments settle on: raw and signed
// transfer transactions, confirmed transaction metadata, and the client
// interfaces the signing and verification sides depend on.
package ledger

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"golang.org/x/crypto/sha3"
)

// TransferFunction is the entry function used for coin transfers.
// Arguments are [recipient, amount] with amount in Octas.
const TransferFunction = "0x1::aptos_account::transfer"

const (
	rawTransactionSalt    = "APTOS::RawTransaction"
	signedTransactionSalt = "APTOS::Transaction"
)

var (
	// ErrNotFound indicates the ledger has no record of a transaction or account
	ErrNotFound = errors.New("ledger: not found")

	// ErrConfirmationTimeout indicates a confirmation wait hit its deadline.
	// The transaction may still commit later; callers must not resubmit.
	ErrConfirmationTimeout = errors.New("ledger: confirmation timeout")

	// ErrRejected indicates the node refused to accept a submission
	ErrRejected = errors.New("ledger: submission rejected")

	// ErrUnavailable indicates a transport or server-side failure talking to the node
	ErrUnavailable = errors.New("ledger: node unavailable")
)

// RawTransaction is an unsigned entry-function call.
type RawTransaction struct {
	Sender                  string   `json:"sender"`
	SequenceNumber          uint64   `json:"sequence_number,string"`
	Function                string   `json:"function"`
	TypeArguments           []string `json:"type_arguments"`
	Arguments               []string `json:"arguments"`
	MaxGasAmount            uint64   `json:"max_gas_amount,string"`
	GasUnitPrice            uint64   `json:"gas_unit_price,string"`
	ExpirationTimestampSecs uint64   `json:"expiration_timestamp_secs,string"`
	ChainID                 uint8    `json:"chain_id"`
}

// SigningMessage returns the bytes a sender signs for this transaction.
func (t *RawTransaction) SigningMessage() ([]byte, error) {
	body, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	prefix := sha3.Sum256([]byte(rawTransactionSalt))
	return append(prefix[:], body...), nil
}

// Authenticator carries a keyless signature over a raw transaction.
// The binding proof travels with every signature.
type Authenticator struct {
	Type               string `json:"type"`
	Issuer             string `json:"issuer"`
	EphemeralPublicKey string `json:"ephemeral_public_key"`
	Signature          string `json:"signature"`
	Proof              string `json:"proof"`
	ExpiryDateSecs     uint64 `json:"expiry_date_secs,string"`
}

// SignedTransaction pairs a raw transaction with its authenticator.
type SignedTransaction struct {
	Raw           RawTransaction `json:"raw"`
	Authenticator Authenticator  `json:"authenticator"`
}

// Hash returns the canonical transaction hash as a 0x-prefixed hex string.
func (s *SignedTransaction) Hash() (string, error) {
	msg, err := s.Raw.SigningMessage()
	if err != nil {
		return "", err
	}
	auth, err := json.Marshal(s.Authenticator)
	if err != nil {
		return "", err
	}
	h := sha3.New256()
	h.Write([]byte(signedTransactionSalt))
	h.Write(msg)
	h.Write(auth)
	return "0x" + hex.EncodeToString(h.Sum(nil)), nil
}

// Transaction is a committed transaction as reported by the ledger.
type Transaction struct {
	Hash         string    `json:"hash"`
	Version      uint64    `json:"version"`
	Success      bool      `json:"success"`
	VMStatus     string    `json:"vmStatus"`
	Sender       string    `json:"sender"`
	Function     string    `json:"function"`
	Arguments    []string  `json:"arguments"`
	GasUsed      uint64    `json:"gasUsed"`
	GasUnitPrice uint64    `json:"gasUnitPrice"`
	Timestamp    time.Time `json:"timestamp"`
}

// Fee returns the gas fee paid in Octas.
func (t *Transaction) Fee() uint64 {
	return t.GasUsed * t.GasUnitPrice
}

// Reader confirms transactions.
type Reader interface {
	// WaitForTransaction blocks until the transaction is committed or ctx is done.
	// A deadline surfaces as ErrConfirmationTimeout.
	WaitForTransaction(ctx context.Context, hash string) (*Transaction, error)
}

// Client is the full ledger surface used by signers.
type Client interface {
	Reader
	SequenceNumber(ctx context.Context, address string) (uint64, error)
	GasUnitPrice(ctx context.Context) (uint64, error)
	ChainID() uint8
	Submit(ctx context.Context, txn *SignedTransaction) (string, error)
}
