package x402

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// VerifierConfig holds configuration for a remote facilitator
type VerifierConfig struct {
	// Endpoint is the base URL of the facilitator service
	Endpoint string

	// APIKey is sent as X-API-Key when set
	APIKey string

	// Timeout is the HTTP client timeout. It must exceed the facilitator's
	// confirmation timeout.
	Timeout time.Duration
}

// HTTPFacilitator is a Settler backed by a remote FacilitatorHandler.
type HTTPFacilitator struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

var _ Settler = (*HTTPFacilitator)(nil)

// NewHTTPFacilitator creates a remote facilitator client.
func NewHTTPFacilitator(config VerifierConfig) *HTTPFacilitator {
	if config.Timeout == 0 {
		config.Timeout = DefaultConfirmTimeout + 15*time.Second
	}
	return &HTTPFacilitator{
		endpoint: strings.TrimRight(config.Endpoint, "/"),
		apiKey:   config.APIKey,
		client:   &http.Client{Timeout: config.Timeout},
	}
}

// Issue implements Settler.
func (h *HTTPFacilitator) Issue(ctx context.Context, req IssueRequest) (*PaymentRequirement, error) {
	var inv PaymentRequirement
	if err := h.do(ctx, http.MethodPost, "/invoices", req, http.StatusCreated, &inv); err != nil {
		return nil, fmt.Errorf("issue invoice: %w", err)
	}
	return &inv, nil
}

// Invoice implements Settler.
func (h *HTTPFacilitator) Invoice(ctx context.Context, requestID string) (*PaymentRequirement, error) {
	var inv PaymentRequirement
	err := h.do(ctx, http.MethodGet, "/invoices/"+url.PathEscape(requestID), nil, http.StatusOK, &inv)
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// VerifyAndSettle implements Settler.
func (h *HTTPFacilitator) VerifyAndSettle(ctx context.Context, proof *PaymentProof) (*Verification, error) {
	var v Verification
	if err := h.do(ctx, http.MethodPost, "/settle", proof, http.StatusOK, &v); err != nil {
		return nil, fmt.Errorf("settle: %w", err)
	}
	return &v, nil
}

func (h *HTTPFacilitator) do(ctx context.Context, method, path string, in any, want int, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, h.endpoint+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if h.apiKey != "" {
		req.Header.Set("X-API-Key", h.apiKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrInvoiceNotFound
	}
	if resp.StatusCode != want {
		var e ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("facilitator %s %s: status %d: %s", method, path, resp.StatusCode, e.Message)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// FacilitatorHandler exposes a Facilitator over HTTP:
//
//	POST /invoices       IssueRequest -> 201 PaymentRequirement
//	GET  /invoices/{id}  -> 200 PaymentRequirement | 404
//	POST /settle         PaymentProof -> 200 Verification
//
// When apiKey is set every request must carry it in X-API-Key.
func FacilitatorHandler(f *Facilitator, apiKey string) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /invoices", func(w http.ResponseWriter, r *http.Request) {
		var req IssueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		inv, err := f.Issue(r.Context(), req)
		if errors.Is(err, ErrInvalidAmount) {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "issue_failed", err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, inv)
	})

	mux.HandleFunc("GET /invoices/{id}", func(w http.ResponseWriter, r *http.Request) {
		inv, err := f.Invoice(r.Context(), r.PathValue("id"))
		if errors.Is(err, ErrInvoiceNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "invoice not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, inv)
	})

	mux.HandleFunc("POST /settle", func(w http.ResponseWriter, r *http.Request) {
		var proof PaymentProof
		if err := json.NewDecoder(r.Body).Decode(&proof); err != nil {
			writeError(w, http.StatusBadRequest, CodeInvalidProof, err.Error())
			return
		}
		v, err := f.VerifyAndSettle(r.Context(), &proof)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "settle_failed", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, v)
	})

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if apiKey != "" && r.Header.Get("X-API-Key") != apiKey {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid API key")
			return
		}
		mux.ServeHTTP(w, r)
	})
}
