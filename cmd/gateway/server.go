package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/siddimore/aether-x402/internal"
	"github.com/siddimore/aether-x402/internal/catalog"
	"github.com/siddimore/aether-x402/internal/config"
	"github.com/siddimore/aether-x402/internal/metrics"
	"github.com/siddimore/aether-x402/pkg/ledger"
	"github.com/siddimore/aether-x402/pkg/x402"
	"github.com/siddimore/aether-x402/pkg/x402/edge"
)

const serviceName = "aether-x402-gateway"

// gateway wires the paywall, the facilitator and the agent proxy.
type gateway struct {
	cfg         *config.Gateway
	catalog     *catalog.Catalog
	settler     x402.Settler
	facilitator *x402.Facilitator // nil when settling remotely
	store       x402.InvoiceStore
	book        *x402.ReputationBook
	limiter     *rateLimiter
	proxy       *edge.Proxy
	log         logrus.FieldLogger
}

// newGateway builds a gateway. chain and store are only used when the
// gateway settles locally.
func newGateway(cfg *config.Gateway, cat *catalog.Catalog, chain ledger.Reader, store x402.InvoiceStore, log logrus.FieldLogger) (*gateway, error) {
	proxy, err := edge.NewProxy(edge.Config{UpstreamURL: cfg.BackendURL, Logger: log})
	if err != nil {
		return nil, err
	}

	g := &gateway{
		cfg:     cfg,
		catalog: cat,
		book:    x402.NewReputationBook(cfg.ReputationLog),
		limiter: newRateLimiter(cfg.RateLimit, cfg.RateBurst, log),
		proxy:   proxy,
		log:     log,
	}

	if cfg.FacilitatorURL != "" {
		g.settler = x402.NewHTTPFacilitator(x402.VerifierConfig{
			Endpoint: cfg.FacilitatorURL,
			APIKey:   cfg.FacilitatorAPIKey,
			Timeout:  cfg.ConfirmTimeout + 15*time.Second,
		})
		return g, nil
	}

	if chain == nil || store == nil {
		return nil, errors.New("gateway: local settlement needs a ledger and an invoice store")
	}
	f, err := x402.NewFacilitator(x402.FacilitatorConfig{
		Ledger:         chain,
		Store:          store,
		Recipient:      cfg.Recipient,
		Network:        x402.NetworkType(cfg.Network),
		InvoiceTTL:     cfg.InvoiceTTL,
		ConfirmTimeout: cfg.ConfirmTimeout,
		Logger:         log,
	})
	if err != nil {
		return nil, err
	}
	g.settler = f
	g.facilitator = f
	g.store = store
	return g, nil
}

func (g *gateway) discovery() x402.DiscoveryInfo {
	return x402.DiscoveryInfo{
		Service:   serviceName,
		Version:   "1.0",
		Scheme:    x402.SchemeExact,
		Network:   x402.NetworkType(g.cfg.Network),
		Recipient: g.cfg.Recipient,
		Currency:  g.cfg.Currency,
		Endpoints: g.catalog.Offerings(),
	}
}

// Handler returns the gateway's routes.
func (g *gateway) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(internal.WithCorrelationID, metrics.InstrumentHandler, g.accessLog)

	r.HandleFunc("/health", g.health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.Handle("/ai/discover", x402.DiscoveryHandler(g.discovery())).Methods(http.MethodGet)
	r.Handle("/ai/estimate", x402.CostEstimateHandler(g.catalog.Cost, g.cfg.Currency)).Methods(http.MethodGet)
	r.Handle("/reputation", x402.ReputationHandler(g.book)).Methods(http.MethodGet)

	if g.facilitator != nil {
		r.PathPrefix("/facilitator/").Handler(
			http.StripPrefix("/facilitator", x402.FacilitatorHandler(g.facilitator, g.cfg.FacilitatorAPIKey)))
	}

	paywall := x402.Middleware(g.proxy, x402.Config{
		Settler:      g.settler,
		Pricer:       g.catalog,
		Hooks:        g.book,
		MaxBodyBytes: g.cfg.MaxBodyBytes,
		Logger:       g.log,
	})
	r.Handle(catalog.ExecutePath, g.limiter.Handler(paywall)).Methods(http.MethodPost)

	return r
}

func (g *gateway) health(w http.ResponseWriter, r *http.Request) {
	mode := "local"
	if g.facilitator == nil {
		mode = "remote"
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":      "healthy",
		"service":     serviceName,
		"facilitator": mode,
		"agents":      len(g.catalog.Agents()),
	})
}

// maintain purges expired invoices and idle rate limiters.
func (g *gateway) maintain(ctx context.Context) {
	if sweeper, ok := g.store.(x402.Sweeper); ok {
		n, err := sweeper.Sweep(ctx)
		if err != nil {
			g.log.WithError(err).Warn("invoice sweep failed")
		}
		metrics.RecordSwept(n)
		if n > 0 {
			g.log.WithField("count", n).Debug("swept expired invoices")
		}
	}
	g.limiter.Cleanup()
}

// schedule runs maintain on the configured cron spec.
func (g *gateway) schedule(ctx context.Context) (*cron.Cron, error) {
	c := cron.New()
	if _, err := c.AddFunc(g.cfg.SweepSchedule, func() { g.maintain(ctx) }); err != nil {
		return nil, err
	}
	c.Start()
	return c, nil
}

type loggedResponse struct {
	http.ResponseWriter
	status int
}

func (l *loggedResponse) WriteHeader(code int) {
	l.status = code
	l.ResponseWriter.WriteHeader(code)
}

func (g *gateway) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggedResponse{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(lw, r)
		g.log.WithFields(logrus.Fields{
			"method":         r.Method,
			"path":           r.URL.Path,
			"status":         lw.status,
			"duration_ms":    time.Since(start).Milliseconds(),
			"correlation_id": internal.CorrelationID(r.Context()),
		}).Info("request")
	})
}
