package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// AptosConfig holds REST client configuration.
type AptosConfig struct {
	NodeURL      string // e.g. https://fullnode.testnet.aptoslabs.com/v1
	ChainID      uint8
	Timeout      time.Duration
	PollInterval time.Duration

	// NotFoundGrace is how long WaitForTransaction keeps polling a hash the
	// node does not know before reporting ErrNotFound. A transaction submitted
	// through another fullnode may take a moment to appear here.
	NotFoundGrace time.Duration
}

// AptosClient talks to a fullnode REST API.
type AptosClient struct {
	nodeURL      string
	chainID      uint8
	httpClient    *http.Client
	pollInterval  time.Duration
	notFoundGrace time.Duration
}

var _ Client = (*AptosClient)(nil)

// NewAptosClient creates a new REST client.
func NewAptosClient(cfg AptosConfig) (*AptosClient, error) {
	if cfg.NodeURL == "" {
		return nil, fmt.Errorf("node URL required")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	poll := cfg.PollInterval
	if poll == 0 {
		poll = 500 * time.Millisecond
	}
	grace := cfg.NotFoundGrace
	if grace == 0 {
		grace = 5 * time.Second
	}

	return &AptosClient{
		nodeURL:      strings.TrimRight(cfg.NodeURL, "/"),
		chainID:      cfg.ChainID,
		httpClient:    &http.Client{Timeout: timeout},
		pollInterval:  poll,
		notFoundGrace: grace,
	}, nil
}

// ChainID returns the configured chain id.
func (c *AptosClient) ChainID() uint8 {
	return c.chainID
}

// SequenceNumber returns the next sequence number for an account.
// Accounts that do not exist yet start at zero.
func (c *AptosClient) SequenceNumber(ctx context.Context, address string) (uint64, error) {
	body, err := c.get(ctx, "/accounts/"+address)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return gjson.GetBytes(body, "sequence_number").Uint(), nil
}

// GasUnitPrice returns the node's current gas estimate.
func (c *AptosClient) GasUnitPrice(ctx context.Context) (uint64, error) {
	body, err := c.get(ctx, "/estimate_gas_price")
	if err != nil {
		return 0, err
	}
	price := gjson.GetBytes(body, "gas_estimate").Uint()
	if price == 0 {
		return 0, fmt.Errorf("estimate gas price: empty estimate")
	}
	return price, nil
}

type submitPayload struct {
	Type          string   `json:"type"`
	Function      string   `json:"function"`
	TypeArguments []string `json:"type_arguments"`
	Arguments     []string `json:"arguments"`
}

type submitRequest struct {
	Sender                  string        `json:"sender"`
	SequenceNumber          string        `json:"sequence_number"`
	MaxGasAmount            string        `json:"max_gas_amount"`
	GasUnitPrice            string        `json:"gas_unit_price"`
	ExpirationTimestampSecs string        `json:"expiration_timestamp_secs"`
	Payload                 submitPayload `json:"payload"`
	Signature               Authenticator `json:"signature"`
}

// Submit posts a signed transaction and returns its hash.
func (c *AptosClient) Submit(ctx context.Context, txn *SignedTransaction) (string, error) {
	raw := txn.Raw
	typeArgs := raw.TypeArguments
	if typeArgs == nil {
		typeArgs = []string{}
	}
	req := submitRequest{
		Sender:                  raw.Sender,
		SequenceNumber:          fmt.Sprintf("%d", raw.SequenceNumber),
		MaxGasAmount:            fmt.Sprintf("%d", raw.MaxGasAmount),
		GasUnitPrice:            fmt.Sprintf("%d", raw.GasUnitPrice),
		ExpirationTimestampSecs: fmt.Sprintf("%d", raw.ExpirationTimestampSecs),
		Payload: submitPayload{
			Type:          "entry_function_payload",
			Function:      raw.Function,
			TypeArguments: typeArgs,
			Arguments:     raw.Arguments,
		},
		Signature: txn.Authenticator,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal transaction: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.nodeURL+"/transactions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode >= 500:
		return "", fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		return "", fmt.Errorf("%w: %s", ErrRejected, gjson.GetBytes(respBody, "message").String())
	}

	hash := gjson.GetBytes(respBody, "hash").String()
	if hash == "" {
		return "", fmt.Errorf("%w: response missing hash", ErrRejected)
	}
	return hash, nil
}

// WaitForTransaction polls until the transaction leaves the pending state.
// A hash the node still does not know after the not-found grace period is
// reported as ErrNotFound rather than waiting out ctx.
func (c *AptosClient) WaitForTransaction(ctx context.Context, hash string) (*Transaction, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	start := time.Now()

	for {
		body, err := c.get(ctx, "/transactions/by_hash/"+hash)
		switch {
		case err == nil:
			if gjson.GetBytes(body, "type").String() != "pending_transaction" {
				return parseTransaction(body), nil
			}
		case errors.Is(err, ErrNotFound):
			if time.Since(start) >= c.notFoundGrace {
				return nil, fmt.Errorf("%w: transaction %s", ErrNotFound, hash)
			}
		case ctx.Err() != nil:
		default:
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", ErrConfirmationTimeout, hash, ctx.Err())
		case <-ticker.C:
		}
	}
}

func parseTransaction(body []byte) *Transaction {
	doc := gjson.ParseBytes(body)

	var args []string
	for _, arg := range doc.Get("payload.arguments").Array() {
		args = append(args, arg.String())
	}

	return &Transaction{
		Hash:         doc.Get("hash").String(),
		Version:      doc.Get("version").Uint(),
		Success:      doc.Get("success").Bool(),
		VMStatus:     doc.Get("vm_status").String(),
		Sender:       doc.Get("sender").String(),
		Function:     doc.Get("payload.function").String(),
		Arguments:    args,
		GasUsed:      doc.Get("gas_used").Uint(),
		GasUnitPrice: doc.Get("gas_unit_price").Uint(),
		Timestamp:    time.UnixMicro(doc.Get("timestamp").Int()).UTC(),
	}
}

func (c *AptosClient) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.nodeURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("GET %s: status %d: %s", path, resp.StatusCode, gjson.GetBytes(body, "message").String())
	}
	return body, nil
}
