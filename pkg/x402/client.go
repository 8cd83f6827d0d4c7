package x402

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/siddimore/aether-x402/internal/logging"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	// Payer pays invoices. Required.
	Payer Payer

	HTTPClient *http.Client
	Logger     logrus.FieldLogger

	// Now is the client clock; defaults to time.Now.
	Now func() time.Time
}

// Request is one task request.
type Request struct {
	Method string
	URL    string
	Body   []byte
	Header http.Header

	// MaxPrice rejects invoices above it before anything is signed. Zero means no cap.
	MaxPrice Amount
}

// Result is the final response of a task request.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       []byte

	// Paid is set when the request went through a payment round.
	Paid    bool
	Invoice *PaymentRequirement
	Proof   *PaymentProof

	// Settlement is the receipt the server attached in PAYMENT-RESPONSE.
	Settlement *Receipt
}

// Decode unmarshals the response body into v.
func (r *Result) Decode(v any) error {
	return json.Unmarshal(r.Body, v)
}

// ExecutionError is a non-success response that is not a payment challenge.
type ExecutionError struct {
	StatusCode int
	Code       string
	Message    string
	Body       []byte
}

func (e *ExecutionError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("x402: request failed with status %d: %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("x402: request failed with status %d", e.StatusCode)
}

// Unwrap maps a settlement error code back to its sentinel.
func (e *ExecutionError) Unwrap() error {
	return codeError(e.Code)
}

// Client drives the two-round payment exchange.
type Client struct {
	payer Payer
	http  *http.Client
	log   logrus.FieldLogger
	now   func() time.Time
}

// NewClient creates a client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Payer == nil {
		return nil, errors.New("x402 client: payer required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Client{
		payer: cfg.Payer,
		http:  cfg.HTTPClient,
		log:   logging.OrDiscard(cfg.Logger),
		now:   cfg.Now,
	}, nil
}

// Do sends req, paying once if the server asks for payment. An invoice is
// never paid twice: a rejected paid retry is returned as an error.
func (c *Client) Do(ctx context.Context, req Request) (*Result, error) {
	resp, err := c.send(ctx, req, nil)
	if err != nil {
		return nil, err
	}
	if isSuccess(resp.StatusCode) {
		return resp, nil
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return nil, executionError(resp)
	}

	inv, err := parseInvoice(resp)
	if err != nil {
		return nil, err
	}
	log := c.log.WithFields(logrus.Fields{
		"request_id": inv.RequestID,
		"amount":     inv.Amount.String(),
		"recipient":  inv.Recipient,
	})

	if req.MaxPrice != 0 && inv.Amount > req.MaxPrice {
		return nil, fmt.Errorf("%w: invoice %s asks %s, maximum %s", ErrPriceExceeded, inv.RequestID, inv.Amount, req.MaxPrice)
	}
	if inv.Expired(c.now()) {
		return nil, fmt.Errorf("%w: invoice %s expired before payment", ErrPaymentExpired, inv.RequestID)
	}

	proof, err := c.payer.Pay(ctx, inv)
	if err != nil {
		return nil, fmt.Errorf("pay invoice %s: %w", inv.RequestID, err)
	}
	log.WithField("tx_hash", proof.TransactionHash).Info("invoice paid")

	paid, err := c.send(ctx, req, proof)
	if err != nil {
		return nil, fmt.Errorf("paid retry for %s (tx %s): %w", inv.RequestID, proof.TransactionHash, err)
	}
	paid.Paid = true
	paid.Invoice = inv
	paid.Proof = proof

	if !isSuccess(paid.StatusCode) {
		execErr := executionError(paid)
		if inv.Expired(c.now()) || execErr.Code == CodeExpired {
			return nil, fmt.Errorf("%w: invoice %s (tx %s): %v", ErrPaymentExpired, inv.RequestID, proof.TransactionHash, execErr)
		}
		return nil, execErr
	}

	if h := paid.Header.Get(HeaderPaymentResponse); h != "" {
		var receipt Receipt
		if err := DecodeHeader(h, &receipt); err != nil {
			log.WithError(err).Warn("ignoring malformed settlement header")
		} else {
			paid.Settlement = &receipt
		}
	}
	return paid, nil
}

func (c *Client) send(ctx context.Context, req Request, proof *PaymentProof) (*Result, error) {
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if len(req.Body) > 0 && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if proof != nil {
		encoded, err := EncodeHeader(proof)
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set(HeaderPaymentSignature, encoded)
		httpReq.Header.Set(HeaderPaymentRequestID, proof.RequestID)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &Result{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

// parseInvoice reads the invoice from the PAYMENT-REQUIRED header, falling
// back to the JSON body.
func parseInvoice(resp *Result) (*PaymentRequirement, error) {
	var inv PaymentRequirement
	if h := resp.Header.Get(HeaderPaymentRequired); h != "" {
		if err := DecodeHeader(h, &inv); err != nil {
			return nil, fmt.Errorf("parse invoice: %w", err)
		}
	} else if err := json.Unmarshal(resp.Body, &inv); err != nil {
		return nil, fmt.Errorf("parse invoice: %w", err)
	}
	if inv.RequestID == "" || inv.Recipient == "" || inv.Amount == 0 {
		return nil, fmt.Errorf("parse invoice: incomplete invoice %+v", inv)
	}
	return &inv, nil
}

func executionError(resp *Result) *ExecutionError {
	e := &ExecutionError{StatusCode: resp.StatusCode, Body: resp.Body}
	var body ErrorResponse
	if json.Unmarshal(resp.Body, &body) == nil {
		e.Code, e.Message = body.Error, body.Message
	}
	return e
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}
