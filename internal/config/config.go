// Package config loads process configuration from the environment. A .env
// file in the working directory, when present, is loaded first; variables
// already set in the environment win.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"

	"github.com/siddimore/aether-x402/internal/logging"
)

// Logging is shared by every binary.
type Logging struct {
	Level  string `env:"AETHER_LOG_LEVEL,default=info"`
	Format string `env:"AETHER_LOG_FORMAT,default=text"`
}

// Logger returns the logging package config.
func (l Logging) Logger() logging.Config {
	return logging.Config{Level: l.Level, Format: l.Format}
}

// Ledger selects the ledger the process talks to. An empty NodeURL means the
// in-memory development ledger.
type Ledger struct {
	NodeURL       string        `env:"APTOS_NODE_URL"`
	ChainID       int           `env:"APTOS_CHAIN_ID,default=2"`
	Timeout       time.Duration `env:"APTOS_TIMEOUT,default=15s"`
	NotFoundGrace time.Duration `env:"APTOS_NOT_FOUND_GRACE,default=5s"`
}

// Gateway configures cmd/gateway.
type Gateway struct {
	Logging
	Ledger

	ListenAddr  string `env:"GATEWAY_LISTEN_ADDR,default=:8402"`
	BackendURL  string `env:"GATEWAY_BACKEND_URL,default=http://localhost:3000"`
	CatalogPath string `env:"GATEWAY_CATALOG,default=config/agents.yaml"`
	PublicURL   string `env:"GATEWAY_PUBLIC_URL,default=http://localhost:8402"`

	// Recipient is the default payee for catalog entries that name none.
	Recipient string `env:"X402_RECIPIENT"`
	Network   string `env:"X402_NETWORK,default=aptos:2"`
	Currency  string `env:"X402_CURRENCY,default=Octas"`

	InvoiceTTL     time.Duration `env:"X402_INVOICE_TTL,default=5m"`
	ConfirmTimeout time.Duration `env:"X402_CONFIRM_TIMEOUT,default=30s"`
	MaxBodyBytes   int64         `env:"X402_MAX_BODY_BYTES,default=1048576"`

	// FacilitatorURL delegates settlement to a remote facilitator; when empty
	// the gateway settles locally and serves the facilitator API itself.
	FacilitatorURL    string `env:"X402_FACILITATOR_URL"`
	FacilitatorAPIKey string `env:"X402_FACILITATOR_API_KEY"`

	// RedisURL shares invoices between gateway replicas, e.g. redis://localhost:6379/0.
	RedisURL    string `env:"X402_REDIS_URL"`
	RedisPrefix string `env:"X402_REDIS_PREFIX,default=x402:"`

	SweepSchedule string  `env:"X402_SWEEP_SCHEDULE,default=@every 1m"`
	RateLimit     float64 `env:"GATEWAY_RATE_LIMIT,default=10"`
	RateBurst     int     `env:"GATEWAY_RATE_BURST,default=20"`
	ReputationLog int     `env:"GATEWAY_REPUTATION_EVENTS,default=10000"`
}

// Validate checks the fields NewGateway cannot default.
func (g *Gateway) Validate() error {
	if g.Recipient == "" && g.FacilitatorURL == "" {
		return errors.New("config: X402_RECIPIENT is required for a local facilitator")
	}
	if err := requireURL("GATEWAY_BACKEND_URL", g.BackendURL); err != nil {
		return err
	}
	if g.FacilitatorURL != "" {
		if err := requireURL("X402_FACILITATOR_URL", g.FacilitatorURL); err != nil {
			return err
		}
	}
	if g.ChainID < 0 || g.ChainID > 255 {
		return fmt.Errorf("config: APTOS_CHAIN_ID %d out of range", g.ChainID)
	}
	if g.RateLimit <= 0 || g.RateBurst <= 0 {
		return errors.New("config: rate limit and burst must be positive")
	}
	return nil
}

// Facilitator configures the standalone cmd/facilitator service.
type Facilitator struct {
	Logging
	Ledger

	ListenAddr string `env:"FACILITATOR_LISTEN_ADDR,default=:8403"`
	APIKey     string `env:"X402_FACILITATOR_API_KEY"`

	Recipient      string        `env:"X402_RECIPIENT,required"`
	Network        string        `env:"X402_NETWORK,default=aptos:2"`
	InvoiceTTL     time.Duration `env:"X402_INVOICE_TTL,default=5m"`
	ConfirmTimeout time.Duration `env:"X402_CONFIRM_TIMEOUT,default=30s"`

	RedisURL      string `env:"X402_REDIS_URL"`
	RedisPrefix   string `env:"X402_REDIS_PREFIX,default=x402:"`
	SweepSchedule string `env:"X402_SWEEP_SCHEDULE,default=@every 1m"`
}

// LoadFacilitator loads the facilitator service config.
func LoadFacilitator() (*Facilitator, error) {
	var cfg Facilitator
	if err := Load(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Backend configures cmd/testbackend.
type Backend struct {
	Logging

	ListenAddr string `env:"BACKEND_LISTEN_ADDR,default=:3000"`

	// AttestorSecret enables the development attestation service under
	// /attestation when set.
	AttestorSecret string `env:"BACKEND_ATTESTOR_SECRET"`
}

// Agent configures cmd/agent. Flags override these values.
type Agent struct {
	Logging
	Ledger

	StateDir       string `env:"AGENT_STATE_DIR"`
	Passphrase     string `env:"AGENT_PASSPHRASE"`
	GatewayURL     string `env:"AGENT_GATEWAY_URL,default=http://localhost:8402"`
	AttestationURL string `env:"AGENT_ATTESTATION_URL,default=http://localhost:3000/attestation"`

	// DatabaseURL keeps sessions in Postgres instead of the state directory.
	DatabaseURL string `env:"AGENT_DATABASE_URL"`

	MaxRequests int           `env:"AGENT_SESSION_REQUESTS,default=10"`
	Duration    time.Duration `env:"AGENT_SESSION_DURATION,default=1h"`
	Allowance   uint64        `env:"AGENT_SESSION_ALLOWANCE,default=10000000"`
	MaxCost     uint64        `env:"AGENT_MAX_COST"`
	CallTimeout time.Duration `env:"AGENT_CALL_TIMEOUT,default=2m"`
	KeyLifetime time.Duration `env:"AGENT_KEY_LIFETIME,default=24h"`
}

// Load reads .env (if any) and decodes the environment into v.
func Load(v any) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("config: load .env: %w", err)
	}
	if err := envdecode.Decode(v); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("config: decode environment: %w", err)
	}
	return nil
}

// LoadGateway loads and validates the gateway config.
func LoadGateway() (*Gateway, error) {
	var cfg Gateway
	if err := Load(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadBackend loads the test backend config.
func LoadBackend() (*Backend, error) {
	var cfg Backend
	if err := Load(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadAgent loads the agent CLI config.
func LoadAgent() (*Agent, error) {
	var cfg Agent
	if err := Load(&cfg); err != nil {
		return nil, err
	}
	if cfg.StateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("config: state dir: %w", err)
		}
		cfg.StateDir = filepath.Join(home, ".aether")
	}
	return &cfg, nil
}

func requireURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config: %s must be an absolute URL, got %q", name, raw)
	}
	return nil
}
