// Standalone x402 facilitator: issues invoices and settles payment proofs
// for gateways configured with X402_FACILITATOR_URL.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/siddimore/aether-x402/internal"
	"github.com/siddimore/aether-x402/internal/backends"
	"github.com/siddimore/aether-x402/internal/config"
	"github.com/siddimore/aether-x402/internal/logging"
	"github.com/siddimore/aether-x402/internal/metrics"
	"github.com/siddimore/aether-x402/pkg/ledger"
	"github.com/siddimore/aether-x402/pkg/x402"
)

func main() {
	cfg, err := config.LoadFacilitator()
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	log := logging.New(cfg.Logger())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chain, err := backends.OpenLedger(cfg.Ledger, log)
	if err != nil {
		log.WithError(err).Fatal("ledger unavailable")
	}
	store, err := backends.OpenInvoiceStore(ctx, cfg.RedisURL, cfg.RedisPrefix)
	if err != nil {
		log.WithError(err).Fatal("invoice store unavailable")
	}

	handler, err := newHandler(cfg, chain, store, log)
	if err != nil {
		log.WithError(err).Fatal("invalid facilitator configuration")
	}

	jobs := cron.New()
	if sweeper, ok := store.(x402.Sweeper); ok {
		if _, err := jobs.AddFunc(cfg.SweepSchedule, func() { sweep(ctx, sweeper, log) }); err != nil {
			log.WithError(err).Fatal("invalid sweep schedule")
		}
	}
	jobs.Start()
	defer jobs.Stop()

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ConfirmTimeout+5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.WithFields(logrus.Fields{
		"listen":    cfg.ListenAddr,
		"recipient": cfg.Recipient,
		"network":   cfg.Network,
		"redis":     cfg.RedisURL != "",
	}).Info("x402 facilitator starting")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Fatal("facilitator stopped")
	}
}

// newHandler serves the facilitator API at the root plus /health and /metrics.
func newHandler(cfg *config.Facilitator, chain ledger.Reader, store x402.InvoiceStore, log logrus.FieldLogger) (http.Handler, error) {
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

	r := mux.NewRouter()
	r.Use(internal.WithCorrelationID, metrics.InstrumentHandler)
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "healthy", "service": "aether-x402-facilitator"})
	}).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.PathPrefix("/").Handler(x402.FacilitatorHandler(f, cfg.APIKey))
	return r, nil
}

func sweep(ctx context.Context, s x402.Sweeper, log logrus.FieldLogger) {
	n, err := s.Sweep(ctx)
	if err != nil {
		log.WithError(err).Warn("invoice sweep failed")
		return
	}
	metrics.RecordSwept(n)
}
