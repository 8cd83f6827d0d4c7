// Package edge forwards paid requests from a gateway to the upstream agent service.
package edge

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/siddimore/aether-x402/internal/logging"
	"github.com/siddimore/aether-x402/pkg/x402"
)

// Headers the upstream sees for a settled request.
const (
	HeaderVerified    = "X-Payment-Verified"
	HeaderPayer       = "X-Payment-Payer"
	HeaderTransaction = "X-Payment-Transaction"
	HeaderAmount      = "X-Payment-Amount"
	HeaderTimestamp   = "X-Payment-Timestamp"
)

// Config configures a Proxy.
type Config struct {
	// UpstreamURL is the backend to proxy to.
	UpstreamURL string

	Logger logrus.FieldLogger
}

// Proxy is a reverse proxy that annotates paid requests with their settlement.
type Proxy struct {
	target *url.URL
	proxy  *httputil.ReverseProxy
	log    logrus.FieldLogger
}

// NewProxy creates a proxy to cfg.UpstreamURL.
func NewProxy(cfg Config) (*Proxy, error) {
	if cfg.UpstreamURL == "" {
		return nil, errors.New("edge: upstream URL required")
	}
	target, err := url.Parse(cfg.UpstreamURL)
	if err != nil {
		return nil, fmt.Errorf("edge: invalid upstream URL: %w", err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("edge: upstream URL %q needs a scheme and host", cfg.UpstreamURL)
	}

	p := &Proxy{target: target, log: logging.OrDiscard(cfg.Logger)}
	rp := httputil.NewSingleHostReverseProxy(target)

	director := rp.Director
	rp.Director = func(req *http.Request) {
		host := req.Host
		director(req)
		req.Header.Set("X-Forwarded-Host", host)
		req.Header.Set("X-Origin-Host", target.Host)

		// Proofs stay at the gateway; upstream trusts the annotations instead.
		req.Header.Del(x402.HeaderPaymentSignature)
		req.Header.Del(x402.HeaderPaymentRequestID)
		for _, h := range []string{HeaderVerified, HeaderPayer, HeaderTransaction, HeaderAmount, HeaderTimestamp} {
			req.Header.Del(h)
		}

		if receipt, ok := x402.ReceiptFromContext(req.Context()); ok {
			for k, v := range PaymentHeaders(receipt) {
				req.Header.Set(k, v)
			}
		}
	}

	rp.ModifyResponse = func(resp *http.Response) error {
		if receipt, ok := x402.ReceiptFromContext(resp.Request.Context()); ok {
			resp.Header.Set(HeaderVerified, "true")
			resp.Header.Set(HeaderTimestamp, receipt.SettledAt.UTC().Format(time.RFC3339))
		}
		return nil
	}

	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		p.log.WithError(err).WithField("path", r.URL.Path).Error("upstream request failed")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(x402.ErrorResponse{Error: "upstream_unavailable", Message: "agent service unavailable"})
	}

	p.proxy = rp
	return p, nil
}

// Target returns the upstream URL.
func (p *Proxy) Target() *url.URL {
	return p.target
}

// ServeHTTP implements http.Handler.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.proxy.ServeHTTP(w, r)
}

// PaymentHeaders returns the annotations forwarded upstream for a settled request.
func PaymentHeaders(receipt *x402.Receipt) map[string]string {
	return map[string]string{
		HeaderVerified:    "true",
		HeaderPayer:       receipt.Payer,
		HeaderTransaction: receipt.TransactionHash,
		HeaderAmount:      receipt.Amount.String(),
		HeaderTimestamp:   receipt.SettledAt.UTC().Format(time.RFC3339),
	}
}
