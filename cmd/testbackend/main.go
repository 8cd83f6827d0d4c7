// Test backend: a stand-in agent service to run behind the x402 gateway. It
// can also host the development attestation service for keyless logins.
package main

import (
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/siddimore/aether-x402/internal/config"
	"github.com/siddimore/aether-x402/internal/logging"
)

func main() {
	cfg, err := config.LoadBackend()
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	log := logging.New(cfg.Logger())

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           newBackend(cfg, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.WithFields(logrus.Fields{
		"listen":      cfg.ListenAddr,
		"attestation": cfg.AttestorSecret != "",
	}).Info("test backend starting; reach it through the x402 gateway")

	if err := srv.ListenAndServe(); err != nil {
		log.WithError(err).Fatal("backend stopped")
	}
}
