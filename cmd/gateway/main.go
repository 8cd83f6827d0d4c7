// Aether x402 gateway: a paywall in front of an agent service. Unpaid task
// requests get a 402 invoice; paid retries are settled on the ledger and
// proxied to the backend.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/siddimore/aether-x402/internal/backends"
	"github.com/siddimore/aether-x402/internal/catalog"
	"github.com/siddimore/aether-x402/internal/config"
	"github.com/siddimore/aether-x402/internal/logging"
	"github.com/siddimore/aether-x402/pkg/ledger"
	"github.com/siddimore/aether-x402/pkg/x402"
)

func main() {
	cfg, err := config.LoadGateway()
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	log := logging.New(cfg.Logger())

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("gateway stopped")
	}
}

func run(cfg *config.Gateway, log *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return err
	}

	var (
		chain ledger.Reader
		store x402.InvoiceStore
	)
	if cfg.FacilitatorURL == "" {
		if chain, err = backends.OpenLedger(cfg.Ledger, log); err != nil {
			return err
		}
		if store, err = backends.OpenInvoiceStore(ctx, cfg.RedisURL, cfg.RedisPrefix); err != nil {
			return err
		}
	}

	gw, err := newGateway(cfg, cat, chain, store, log)
	if err != nil {
		return err
	}
	jobs, err := gw.schedule(ctx)
	if err != nil {
		return err
	}
	defer jobs.Stop()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.WithFields(logrus.Fields{
		"listen":  cfg.ListenAddr,
		"backend": cfg.BackendURL,
		"agents":  len(cat.Agents()),
		"network": cfg.Network,
	}).Info("x402 gateway starting")

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ConfirmTimeout+5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
