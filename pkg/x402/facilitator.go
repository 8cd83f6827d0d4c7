package x402

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/siddimore/aether-x402/internal/logging"
	"github.com/siddimore/aether-x402/internal/metrics"
	"github.com/siddimore/aether-x402/pkg/ledger"
)

const (
	// DefaultInvoiceTTL is how long an issued invoice stays redeemable.
	DefaultInvoiceTTL = 5 * time.Minute

	// DefaultConfirmTimeout bounds the ledger confirmation wait during settlement.
	DefaultConfirmTimeout = 30 * time.Second

	// clockSkew tolerates ledger timestamps slightly behind the gateway clock.
	clockSkew = 5 * time.Second
)

// IssueRequest describes the request an invoice prices.
type IssueRequest struct {
	Amount      Amount `json:"amount"`
	Description string `json:"description,omitempty"`
	Resource    string `json:"resource,omitempty"`
	BodyDigest  string `json:"bodyDigest,omitempty"`

	// Recipient overrides the facilitator's default payee.
	Recipient string `json:"recipient,omitempty"`
}

// Settler issues invoices and settles proofs against them. Facilitator is the
// local implementation and HTTPFacilitator the remote one.
type Settler interface {
	Issue(ctx context.Context, req IssueRequest) (*PaymentRequirement, error)

	// Invoice returns a pending invoice or ErrInvoiceNotFound.
	Invoice(ctx context.Context, requestID string) (*PaymentRequirement, error)

	VerifyAndSettle(ctx context.Context, proof *PaymentProof) (*Verification, error)
}

// FacilitatorConfig configures a Facilitator.
type FacilitatorConfig struct {
	Ledger         ledger.Reader
	Store          InvoiceStore
	Recipient      string
	Network        NetworkType
	InvoiceTTL     time.Duration
	ConfirmTimeout time.Duration
	Logger         logrus.FieldLogger
	Now            func() time.Time
}

// Facilitator holds single-use invoices and verifies payments against the ledger.
type Facilitator struct {
	ledger         ledger.Reader
	store          InvoiceStore
	recipient      string
	network        NetworkType
	invoiceTTL     time.Duration
	confirmTimeout time.Duration
	log            logrus.FieldLogger
	now            func() time.Time
}

var _ Settler = (*Facilitator)(nil)

// NewFacilitator creates a facilitator.
func NewFacilitator(cfg FacilitatorConfig) (*Facilitator, error) {
	if cfg.Ledger == nil || cfg.Store == nil {
		return nil, errors.New("facilitator: ledger and store required")
	}
	if cfg.Recipient == "" {
		return nil, errors.New("facilitator: recipient required")
	}
	if cfg.InvoiceTTL == 0 {
		cfg.InvoiceTTL = DefaultInvoiceTTL
	}
	if cfg.ConfirmTimeout == 0 {
		cfg.ConfirmTimeout = DefaultConfirmTimeout
	}
	if cfg.Network == "" {
		cfg.Network = NetworkAptosTestnet
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Facilitator{
		ledger:         cfg.Ledger,
		store:          cfg.Store,
		recipient:      cfg.Recipient,
		network:        cfg.Network,
		invoiceTTL:     cfg.InvoiceTTL,
		confirmTimeout: cfg.ConfirmTimeout,
		log:            logging.OrDiscard(cfg.Logger),
		now:            cfg.Now,
	}, nil
}

// Issue creates and stores a single-use invoice.
func (f *Facilitator) Issue(ctx context.Context, req IssueRequest) (*PaymentRequirement, error) {
	if req.Amount == 0 {
		return nil, fmt.Errorf("issue invoice: %w: zero amount", ErrInvalidAmount)
	}
	recipient := req.Recipient
	if recipient == "" {
		recipient = f.recipient
	}

	now := f.now().UTC()
	inv := &PaymentRequirement{
		Amount:      req.Amount,
		Recipient:   recipient,
		RequestID:   uuid.NewString(),
		ExpiresAt:   now.Add(f.invoiceTTL),
		Description: req.Description,
		Scheme:      SchemeExact,
		Network:     f.network,
		Resource:    req.Resource,
		CreatedAt:   now,
		BodyDigest:  req.BodyDigest,
	}
	if err := f.store.Put(ctx, inv); err != nil {
		return nil, fmt.Errorf("issue invoice: %w", err)
	}

	metrics.RecordInvoiceIssued()
	f.log.WithFields(logrus.Fields{
		"request_id": inv.RequestID,
		"amount":     inv.Amount.String(),
		"resource":   inv.Resource,
		"expires_at": inv.ExpiresAt,
	}).Debug("invoice issued")
	return inv, nil
}

// Invoice returns a pending invoice.
func (f *Facilitator) Invoice(ctx context.Context, requestID string) (*PaymentRequirement, error) {
	return f.store.Get(ctx, requestID)
}

// VerifyAndSettle settles proof against its invoice. Protocol rejections are
// reported in the Verification; the error is reserved for store failures.
func (f *Facilitator) VerifyAndSettle(ctx context.Context, proof *PaymentProof) (*Verification, error) {
	receipt, err := f.Settle(ctx, proof)
	if err == nil {
		return &Verification{IsValid: true, Receipt: receipt}, nil
	}
	code := ErrorCode(err)
	if code == "" {
		metrics.RecordSettlement("error")
		return nil, err
	}
	metrics.RecordSettlement(code)
	return &Verification{IsValid: false, Error: code, Message: err.Error()}, nil
}

// Settle verifies proof and consumes its invoice exactly once.
func (f *Facilitator) Settle(ctx context.Context, proof *PaymentProof) (*Receipt, error) {
	if proof == nil || proof.RequestID == "" || proof.TransactionHash == "" {
		return nil, ErrInvalidProof
	}
	log := f.log.WithFields(logrus.Fields{
		"request_id": proof.RequestID,
		"tx_hash":    proof.TransactionHash,
	})

	inv, err := f.store.Claim(ctx, proof.RequestID)
	switch {
	case errors.Is(err, ErrInvoiceNotFound), errors.Is(err, ErrInvoiceClaimed):
		log.Warn("settlement rejected: unknown or replayed request")
		return nil, fmt.Errorf("%w: %s", ErrReplayed, proof.RequestID)
	case err != nil:
		return nil, fmt.Errorf("claim invoice: %w", err)
	}

	if inv.Expired(f.now()) {
		if err := f.store.Delete(ctx, inv.RequestID); err != nil {
			log.WithError(err).Warn("failed to purge expired invoice")
		}
		log.Info("settlement rejected: invoice expired")
		return nil, fmt.Errorf("%w: %s at %s", ErrExpired, inv.RequestID, inv.ExpiresAt.Format(time.RFC3339))
	}

	receipt, err := f.confirm(ctx, inv, proof)
	if err != nil {
		// Store calls run under a context that survives the caller giving up.
		storeCtx := context.WithoutCancel(ctx)
		if retryable(err) {
			// Nothing was learned about the payment; the invoice stays
			// redeemable until it expires.
			if rerr := f.store.Release(storeCtx, inv.RequestID); rerr != nil {
				log.WithError(rerr).Error("failed to release invoice claim")
			}
		} else if derr := f.store.Delete(storeCtx, inv.RequestID); derr != nil {
			log.WithError(derr).Error("failed to discard rejected invoice")
		}
		log.WithError(err).Info("settlement rejected")
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"height": receipt.Height,
		"amount": receipt.Amount.String(),
		"payer":  receipt.Payer,
	}).Info("payment settled")
	return receipt, nil
}

func (f *Facilitator) confirm(ctx context.Context, inv *PaymentRequirement, proof *PaymentProof) (*Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, f.confirmTimeout)
	defer cancel()

	start := time.Now()
	tx, err := f.ledger.WaitForTransaction(waitCtx, proof.TransactionHash)
	switch {
	case errors.Is(err, ledger.ErrConfirmationTimeout):
		return nil, fmt.Errorf("%w: %s", ErrConfirmationTimeout, proof.TransactionHash)
	case errors.Is(err, ledger.ErrNotFound):
		return nil, fmt.Errorf("%w: %s not on ledger", ErrTransactionFailed, proof.TransactionHash)
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	metrics.RecordConfirmation(time.Since(start))

	if !tx.Success {
		return nil, fmt.Errorf("%w: %s: %s", ErrTransactionFailed, tx.Hash, tx.VMStatus)
	}
	if err := matchInvoice(inv, proof, tx); err != nil {
		return nil, err
	}

	if err := f.store.Consume(ctx, inv.RequestID, tx.Hash); err != nil {
		if errors.Is(err, ErrHashReused) {
			return nil, fmt.Errorf("%w: transaction %s already settled another invoice", ErrMismatch, tx.Hash)
		}
		return nil, fmt.Errorf("consume invoice: %w", err)
	}

	return &Receipt{
		TransactionHash: tx.Hash,
		Height:          tx.Version,
		Fee:             Amount(tx.Fee()),
		SettledAt:       f.now().UTC(),
		Amount:          inv.Amount,
		Recipient:       inv.Recipient,
		Payer:           tx.Sender,
		RequestID:       inv.RequestID,
	}, nil
}

// retryable reports whether a failed redemption left the payment undecided:
// the ledger did not answer in time or the store could not record the result.
// Every other failure burns the invoice.
func retryable(err error) bool {
	if errors.Is(err, ErrConfirmationTimeout) || errors.Is(err, ErrLedgerUnavailable) {
		return true
	}
	return ErrorCode(err) == ""
}

// matchInvoice checks the confirmed transaction pays exactly this invoice.
func matchInvoice(inv *PaymentRequirement, proof *PaymentProof, tx *ledger.Transaction) error {
	if tx.Function != ledger.TransferFunction {
		return fmt.Errorf("%w: function %s", ErrMismatch, tx.Function)
	}
	if len(tx.Arguments) != 2 {
		return fmt.Errorf("%w: %d transfer arguments", ErrMismatch, len(tx.Arguments))
	}
	if !SameAddress(tx.Arguments[0], inv.Recipient) {
		return fmt.Errorf("%w: recipient %s, invoice %s", ErrMismatch, tx.Arguments[0], inv.Recipient)
	}
	amount, err := ParseAmount(tx.Arguments[1])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMismatch, err)
	}
	if amount != inv.Amount {
		return fmt.Errorf("%w: amount %s, invoice %s", ErrMismatch, amount, inv.Amount)
	}
	if proof.Sender != "" && !SameAddress(proof.Sender, tx.Sender) {
		return fmt.Errorf("%w: sender %s, proof claims %s", ErrMismatch, tx.Sender, proof.Sender)
	}
	if !tx.Timestamp.IsZero() && tx.Timestamp.Before(inv.CreatedAt.Add(-clockSkew)) {
		return fmt.Errorf("%w: transaction predates invoice", ErrMismatch)
	}
	return nil
}

// SameAddress compares two account addresses ignoring case, the 0x prefix
// and leading zeros.
func SameAddress(a, b string) bool {
	na, nb := normalizeAddress(a), normalizeAddress(b)
	return na != "" && na == nb
}

func normalizeAddress(a string) string {
	a = strings.ToLower(strings.TrimSpace(a))
	a = strings.TrimPrefix(a, "0x")
	if a == "" {
		return ""
	}
	a = strings.TrimLeft(a, "0")
	if a == "" {
		return "0"
	}
	for _, c := range a {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return ""
		}
	}
	return a
}
