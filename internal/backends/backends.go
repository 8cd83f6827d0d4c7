// Package backends opens the ledger and invoice store a process is
// configured for.
package backends

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/siddimore/aether-x402/internal/config"
	"github.com/siddimore/aether-x402/pkg/ledger"
	"github.com/siddimore/aether-x402/pkg/x402"
)

// OpenLedger returns an Aptos REST client, or the in-memory development
// ledger when no node URL is configured.
func OpenLedger(cfg config.Ledger, log logrus.FieldLogger) (ledger.Client, error) {
	if cfg.NodeURL == "" {
		log.Warn("APTOS_NODE_URL not set; using the in-memory development ledger")
		return ledger.NewMemory(uint8(cfg.ChainID)), nil
	}
	client, err := ledger.NewAptosClient(ledger.AptosConfig{
		NodeURL:       cfg.NodeURL,
		ChainID:       uint8(cfg.ChainID),
		Timeout:       cfg.Timeout,
		NotFoundGrace: cfg.NotFoundGrace,
	})
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	return client, nil
}

// OpenInvoiceStore connects to Redis when redisURL is set and falls back to
// a process-local store otherwise.
func OpenInvoiceStore(ctx context.Context, redisURL, prefix string) (x402.InvoiceStore, error) {
	if redisURL == "" {
		return x402.NewMemoryInvoiceStore(), nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("open invoice store: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("open invoice store: ping redis: %w", err)
	}
	return x402.NewRedisInvoiceStore(client, x402.RedisInvoiceConfig{Prefix: prefix}), nil
}
