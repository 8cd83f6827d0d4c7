package x402

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/crypto/sha3"
)

// SchemeType represents the payment scheme
type SchemeType string

// SchemeExact is an exact-amount transfer to the invoice recipient.
const SchemeExact SchemeType = "exact"

// NetworkType identifies the ledger network an invoice settles on
type NetworkType string

const (
	NetworkAptosMainnet NetworkType = "aptos:1"
	NetworkAptosTestnet NetworkType = "aptos:2"
	NetworkAptosDevnet  NetworkType = "aptos:devnet"
	NetworkLocal        NetworkType = "aptos:local"
)

// Protocol headers.
const (
	// HeaderPaymentSignature carries the base64 JSON PaymentProof on the paid retry
	HeaderPaymentSignature = "PAYMENT-SIGNATURE"

	// HeaderPaymentRequestID repeats the invoice request id on the paid retry
	HeaderPaymentRequestID = "X-Payment-Request-Id"

	// HeaderPaymentRequired carries the base64 JSON invoice on a 402 response
	HeaderPaymentRequired = "PAYMENT-REQUIRED"

	// HeaderPaymentResponse carries the base64 JSON settlement receipt on the paid response
	HeaderPaymentResponse = "PAYMENT-RESPONSE"
)

// PaymentRequirement is a single-use invoice for one unpaid request.
type PaymentRequirement struct {
	Amount      Amount      `json:"amount"`
	Recipient   string      `json:"recipient"`
	RequestID   string      `json:"requestId"`
	ExpiresAt   time.Time   `json:"expiresAt"`
	Description string      `json:"description,omitempty"`
	Scheme      SchemeType  `json:"scheme"`
	Network     NetworkType `json:"network,omitempty"`
	Resource    string      `json:"resource,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`

	// BodyDigest binds the invoice to the request body it prices.
	BodyDigest string `json:"bodyDigest,omitempty"`
}

// Expired reports whether the invoice is past its deadline at now.
func (r *PaymentRequirement) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// PaymentProof is the evidence a client presents on the paid retry.
type PaymentProof struct {
	TransactionHash   string            `json:"transactionHash"`
	SignerPublicKey   string            `json:"signerPublicKey"`
	SignatureMetadata map[string]string `json:"signatureMetadata,omitempty"`
	Timestamp         time.Time         `json:"timestamp"`
	RequestID         string            `json:"requestId"`
	Sender            string            `json:"sender,omitempty"`
}

// Receipt describes a confirmed settlement.
type Receipt struct {
	TransactionHash string    `json:"transactionHash"`
	Height          uint64    `json:"height"`
	Fee             Amount    `json:"fee"`
	SettledAt       time.Time `json:"settledAt"`
	Amount          Amount    `json:"amount"`
	Recipient       string    `json:"recipient"`
	Payer           string    `json:"payer,omitempty"`
	RequestID       string    `json:"requestId"`
}

// Verification is the outcome of verifyAndSettle.
type Verification struct {
	IsValid bool     `json:"isValid"`
	Error   string   `json:"error,omitempty"`
	Message string   `json:"message,omitempty"`
	Receipt *Receipt `json:"receipt,omitempty"`
}

// Payer produces a proof of payment for an invoice.
type Payer interface {
	Pay(ctx context.Context, invoice *PaymentRequirement) (*PaymentProof, error)
}

// PayerFunc adapts a function to Payer.
type PayerFunc func(ctx context.Context, invoice *PaymentRequirement) (*PaymentProof, error)

// Pay calls f.
func (f PayerFunc) Pay(ctx context.Context, invoice *PaymentRequirement) (*PaymentProof, error) {
	return f(ctx, invoice)
}

// BodyDigest returns the hex sha3-256 of a request body.
func BodyDigest(body []byte) string {
	sum := sha3.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// EncodeHeader returns v as base64 JSON for a protocol header.
func EncodeHeader(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// DecodeHeader decodes a base64 JSON protocol header into v.
func DecodeHeader(value string, v any) error {
	b, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return fmt.Errorf("decode header: %w", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode header: %w", err)
	}
	return nil
}
