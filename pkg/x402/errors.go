package x402

import (
	"errors"
)

var (
	// ErrReplayed indicates the invoice is unknown, already consumed, or being settled by another call
	ErrReplayed = errors.New("x402: unknown or replayed request")

	// ErrExpired indicates the invoice deadline has passed
	ErrExpired = errors.New("x402: invoice expired")

	// ErrConfirmationTimeout indicates the ledger did not confirm the payment in time.
	// The payment is not resubmitted; the invoice stays redeemable until it expires.
	ErrConfirmationTimeout = errors.New("x402: confirmation timeout")

	// ErrTransactionFailed indicates the ledger committed the payment as failed
	ErrTransactionFailed = errors.New("x402: transaction failed")

	// ErrMismatch indicates the confirmed transaction does not pay the invoice
	ErrMismatch = errors.New("x402: payment does not match invoice")

	// ErrInvalidProof indicates a malformed payment proof
	ErrInvalidProof = errors.New("x402: invalid payment proof")

	// ErrLedgerUnavailable indicates the ledger could not be queried
	ErrLedgerUnavailable = errors.New("x402: ledger unavailable")

	// ErrPriceExceeded indicates an invoice asks for more than the caller allowed
	ErrPriceExceeded = errors.New("x402: price exceeds maximum")

	// ErrPaymentExpired indicates the server rejected a paid retry after the invoice expired
	ErrPaymentExpired = errors.New("x402: payment expired")

	// ErrInvoiceNotFound indicates the store holds no redeemable invoice for the request id
	ErrInvoiceNotFound = errors.New("x402: invoice not found")

	// ErrInvoiceClaimed indicates another settlement currently holds the invoice
	ErrInvoiceClaimed = errors.New("x402: invoice claimed")

	// ErrDuplicateInvoice indicates an invoice with the same request id already exists
	ErrDuplicateInvoice = errors.New("x402: duplicate invoice")

	// ErrHashReused indicates the transaction hash already settled another invoice
	ErrHashReused = errors.New("x402: transaction hash already used")
)

// Verification error codes.
const (
	CodeReplayed            = "replayed"
	CodeExpired             = "expired"
	CodeConfirmationTimeout = "confirmation_timeout"
	CodeTransactionFailed   = "transaction_failed"
	CodeMismatch            = "mismatch"
	CodeInvalidProof        = "invalid_proof"
	CodeLedgerUnavailable   = "ledger_unavailable"
)

var codes = []struct {
	err  error
	code string
}{
	{ErrReplayed, CodeReplayed},
	{ErrExpired, CodeExpired},
	{ErrConfirmationTimeout, CodeConfirmationTimeout},
	{ErrTransactionFailed, CodeTransactionFailed},
	{ErrMismatch, CodeMismatch},
	{ErrInvalidProof, CodeInvalidProof},
	{ErrLedgerUnavailable, CodeLedgerUnavailable},
}

// ErrorCode returns the wire code for a settlement error, or "" if err is not one.
func ErrorCode(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return ""
}

// codeError maps a wire code back to its sentinel.
func codeError(code string) error {
	for _, c := range codes {
		if c.code == code {
			return c.err
		}
	}
	return nil
}
