package x402

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/siddimore/aether-x402/internal/logging"
)

// DefaultMaxBodyBytes caps the request body a paywall will read and digest.
const DefaultMaxBodyBytes = 1 << 20

// Price is what a request costs. A zero Amount means the request is free.
type Price struct {
	Amount      Amount
	Description string

	// Recipient overrides the settler's default payee; it is also the provider
	// reported to SettlementHooks.
	Recipient string
}

// Pricer prices a request from its method, path and body.
type Pricer interface {
	Price(r *http.Request, body []byte) (Price, error)
}

// PricerFunc adapts a function to Pricer.
type PricerFunc func(r *http.Request, body []byte) (Price, error)

// Price calls f.
func (f PricerFunc) Price(r *http.Request, body []byte) (Price, error) {
	return f(r, body)
}

// FlatPrice charges the same amount for every request.
func FlatPrice(amount Amount, description string) Pricer {
	return PricerFunc(func(*http.Request, []byte) (Price, error) {
		return Price{Amount: amount, Description: description}, nil
	})
}

// ErrNotPriceable is returned by a Pricer when the request names nothing for sale.
var ErrNotPriceable = errors.New("x402: request cannot be priced")

// Config holds the configuration for the paywall middleware.
type Config struct {
	// Settler issues invoices and settles proofs.
	Settler Settler

	// Pricer prices each request.
	Pricer Pricer

	// ExemptPaths lists path prefixes served without payment
	ExemptPaths []string

	// Hooks is told about each paid task outcome. Optional.
	Hooks SettlementHooks

	// MaxBodyBytes caps the request body; defaults to DefaultMaxBodyBytes.
	MaxBodyBytes int64

	Logger logrus.FieldLogger
}

// ErrorResponse is the JSON body of every non-2xx paywall response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// PaymentRequiredResponse is the 402 body: the invoice fields plus an error code.
type PaymentRequiredResponse struct {
	Error string `json:"error"`
	*PaymentRequirement
}

type receiptKey struct{}

// ContextWithReceipt attaches a settlement receipt to ctx.
func ContextWithReceipt(ctx context.Context, r *Receipt) context.Context {
	return context.WithValue(ctx, receiptKey{}, r)
}

// ReceiptFromContext returns the settlement receipt of a paid request.
func ReceiptFromContext(ctx context.Context) (*Receipt, bool) {
	r, ok := ctx.Value(receiptKey{}).(*Receipt)
	return r, ok
}

// Middleware requires payment before passing a request to next.
//
// An unpaid request gets a 402 carrying a fresh invoice. A retry carrying a
// PAYMENT-SIGNATURE proof for that invoice, with the same body, is settled and
// served; the receipt is returned in the PAYMENT-RESPONSE header.
func Middleware(next http.Handler, config Config) http.Handler {
	if config.MaxBodyBytes == 0 {
		config.MaxBodyBytes = DefaultMaxBodyBytes
	}
	log := logging.OrDiscard(config.Logger)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isExemptPath(r.URL.Path, config.ExemptPaths) {
			next.ServeHTTP(w, r)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, config.MaxBodyBytes+1))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "failed to read body")
			return
		}
		if int64(len(body)) > config.MaxBodyBytes {
			writeError(w, http.StatusRequestEntityTooLarge, "invalid_request", "body too large")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		price, err := config.Pricer.Price(r, body)
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, ErrNotPriceable) {
				status = http.StatusNotFound
			}
			writeError(w, status, "not_priceable", err.Error())
			return
		}
		if price.Amount == 0 {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		header := r.Header.Get(HeaderPaymentSignature)
		if header == "" {
			inv, err := config.Settler.Issue(ctx, IssueRequest{
				Amount:      price.Amount,
				Description: price.Description,
				Resource:    r.URL.Path,
				BodyDigest:  BodyDigest(body),
				Recipient:   price.Recipient,
			})
			if err != nil {
				log.WithError(err).Error("failed to issue invoice")
				writeError(w, http.StatusServiceUnavailable, "issue_failed", "could not issue invoice")
				return
			}
			sendPaymentRequired(w, inv)
			return
		}

		proof, err := extractPaymentProof(r, header)
		if err != nil {
			writeError(w, http.StatusBadRequest, CodeInvalidProof, err.Error())
			return
		}
		entry := log.WithFields(logrus.Fields{"request_id": proof.RequestID, "tx_hash": proof.TransactionHash})

		// The invoice is bound to the body it priced. Check before settling so a
		// swapped body never consumes the invoice.
		inv, err := config.Settler.Invoice(ctx, proof.RequestID)
		switch {
		case err == nil:
			if inv.BodyDigest != "" && inv.BodyDigest != BodyDigest(body) {
				writeError(w, http.StatusBadRequest, CodeMismatch, "request body does not match invoice")
				return
			}
		case errors.Is(err, ErrInvoiceNotFound):
			// Settlement reports it as replayed.
		default:
			entry.WithError(err).Error("invoice lookup failed")
			writeError(w, http.StatusBadGateway, "facilitator_unavailable", "could not look up invoice")
			return
		}

		v, err := config.Settler.VerifyAndSettle(ctx, proof)
		if err != nil {
			entry.WithError(err).Error("settlement failed")
			writeError(w, http.StatusBadGateway, "facilitator_unavailable", "could not settle payment")
			return
		}
		if !v.IsValid {
			entry.WithField("code", v.Error).Info("payment rejected")
			writeJSON(w, http.StatusPaymentRequired, ErrorResponse{Error: v.Error, Message: v.Message})
			return
		}

		receipt := v.Receipt
		if encoded, err := EncodeHeader(receipt); err == nil {
			w.Header().Set(HeaderPaymentResponse, encoded)
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ContextWithReceipt(ctx, receipt)))

		if config.Hooks != nil {
			recordOutcome(context.WithoutCancel(ctx), config.Hooks, receipt, rec.status, entry)
		}
	})
}

func recordOutcome(ctx context.Context, hooks SettlementHooks, receipt *Receipt, status int, log logrus.FieldLogger) {
	var err error
	if status < http.StatusBadRequest {
		err = hooks.RecordSuccess(ctx, receipt.Recipient, receipt.Amount)
	} else {
		err = hooks.RecordFailure(ctx, receipt.Recipient)
	}
	if err != nil {
		log.WithError(err).Warn("settlement hook failed")
	}
}

// isExemptPath checks if the requested path is exempt from payment
func isExemptPath(path string, exemptPaths []string) bool {
	for _, exemptPath := range exemptPaths {
		if strings.HasPrefix(path, exemptPath) {
			return true
		}
	}
	return false
}

// extractPaymentProof decodes the proof header and checks it names the same
// invoice as X-Payment-Request-Id when both are present.
func extractPaymentProof(r *http.Request, header string) (*PaymentProof, error) {
	var proof PaymentProof
	if err := DecodeHeader(header, &proof); err != nil {
		return nil, err
	}
	if id := r.Header.Get(HeaderPaymentRequestID); id != "" {
		if proof.RequestID == "" {
			proof.RequestID = id
		} else if proof.RequestID != id {
			return nil, fmt.Errorf("proof request id %s does not match %s", proof.RequestID, id)
		}
	}
	if proof.RequestID == "" || proof.TransactionHash == "" {
		return nil, errors.New("proof missing request id or transaction hash")
	}
	return &proof, nil
}

// sendPaymentRequired writes a 402 with the invoice in both the body and header.
func sendPaymentRequired(w http.ResponseWriter, inv *PaymentRequirement) {
	if encoded, err := EncodeHeader(inv); err == nil {
		w.Header().Set(HeaderPaymentRequired, encoded)
	}
	writeJSON(w, http.StatusPaymentRequired, PaymentRequiredResponse{Error: "payment_required", PaymentRequirement: inv})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusRecorder captures the response status code
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}
