package x402

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisInvoiceConfig configures a RedisInvoiceStore.
type RedisInvoiceConfig struct {
	// Prefix namespaces every key, e.g. "x402:".
	Prefix string

	// Grace keeps an invoice readable past its deadline so late proofs are
	// reported as expired rather than unknown. Defaults to one minute.
	Grace time.Duration

	// ClaimLease bounds how long a crashed settler can hold an invoice.
	// Defaults to two minutes.
	ClaimLease time.Duration

	// HashRetention is how long settled transaction hashes are remembered.
	HashRetention time.Duration

	// Now is the clock used to compute key TTLs; defaults to time.Now.
	Now func() time.Time
}

// RedisInvoiceStore shares invoices between gateway instances. Invoice keys
// carry their own TTL, so no sweep is needed.
type RedisInvoiceStore struct {
	client redis.UniversalClient
	cfg    RedisInvoiceConfig
}

var _ InvoiceStore = (*RedisInvoiceStore)(nil)

// claimScript returns {0} for a missing invoice, {1} if already claimed and
// {2, invoice} after taking the claim.
var claimScript = redis.NewScript(`
local inv = redis.call('GET', KEYS[1])
if not inv then
	return {0}
end
if not redis.call('SET', KEYS[2], '1', 'NX', 'PX', ARGV[1]) then
	return {1}
end
return {2, inv}
`)

// consumeScript returns 0 if the invoice is not claimed, -1 if the hash was
// already used and 1 once the invoice is consumed.
var consumeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 or redis.call('EXISTS', KEYS[2]) == 0 then
	return 0
end
if not redis.call('SET', KEYS[3], ARGV[1], 'NX', 'PX', ARGV[2]) then
	return -1
end
redis.call('DEL', KEYS[1], KEYS[2])
return 1
`)

// NewRedisInvoiceStore wraps a connected client.
func NewRedisInvoiceStore(client redis.UniversalClient, cfg RedisInvoiceConfig) *RedisInvoiceStore {
	if cfg.Grace == 0 {
		cfg.Grace = time.Minute
	}
	if cfg.ClaimLease == 0 {
		cfg.ClaimLease = 2 * time.Minute
	}
	if cfg.HashRetention == 0 {
		cfg.HashRetention = DefaultHashRetention
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &RedisInvoiceStore{client: client, cfg: cfg}
}

func (s *RedisInvoiceStore) invoiceKey(id string) string { return s.cfg.Prefix + "invoice:" + id }
func (s *RedisInvoiceStore) claimKey(id string) string   { return s.cfg.Prefix + "claim:" + id }
func (s *RedisInvoiceStore) hashKey(hash string) string  { return s.cfg.Prefix + "tx:" + hash }

// Put implements InvoiceStore.
func (s *RedisInvoiceStore) Put(ctx context.Context, inv *PaymentRequirement) error {
	b, err := json.Marshal(inv)
	if err != nil {
		return err
	}
	ttl := inv.ExpiresAt.Sub(s.cfg.Now()) + s.cfg.Grace
	if ttl <= 0 {
		return fmt.Errorf("put invoice %s: %w", inv.RequestID, ErrExpired)
	}

	ok, err := s.client.SetNX(ctx, s.invoiceKey(inv.RequestID), b, ttl).Result()
	if err != nil {
		return fmt.Errorf("put invoice %s: %w", inv.RequestID, err)
	}
	if !ok {
		return ErrDuplicateInvoice
	}
	return nil
}

// Get implements InvoiceStore.
func (s *RedisInvoiceStore) Get(ctx context.Context, requestID string) (*PaymentRequirement, error) {
	b, err := s.client.Get(ctx, s.invoiceKey(requestID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrInvoiceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get invoice %s: %w", requestID, err)
	}
	return decodeInvoice(requestID, b)
}

// Claim implements InvoiceStore.
func (s *RedisInvoiceStore) Claim(ctx context.Context, requestID string) (*PaymentRequirement, error) {
	res, err := claimScript.Run(ctx, s.client,
		[]string{s.invoiceKey(requestID), s.claimKey(requestID)},
		s.cfg.ClaimLease.Milliseconds(),
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("claim invoice %s: %w", requestID, err)
	}
	if len(res) == 0 {
		return nil, fmt.Errorf("claim invoice %s: empty script reply", requestID)
	}

	switch status, _ := res[0].(int64); status {
	case 0:
		return nil, ErrInvoiceNotFound
	case 1:
		return nil, ErrInvoiceClaimed
	}
	if len(res) < 2 {
		return nil, fmt.Errorf("claim invoice %s: missing invoice in reply", requestID)
	}
	raw, _ := res[1].(string)
	return decodeInvoice(requestID, []byte(raw))
}

// Release implements InvoiceStore.
func (s *RedisInvoiceStore) Release(ctx context.Context, requestID string) error {
	if err := s.client.Del(ctx, s.claimKey(requestID)).Err(); err != nil {
		return fmt.Errorf("release invoice %s: %w", requestID, err)
	}
	return nil
}

// Consume implements InvoiceStore.
func (s *RedisInvoiceStore) Consume(ctx context.Context, requestID, txHash string) error {
	res, err := consumeScript.Run(ctx, s.client,
		[]string{s.invoiceKey(requestID), s.claimKey(requestID), s.hashKey(txHash)},
		requestID, s.cfg.HashRetention.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("consume invoice %s: %w", requestID, err)
	}
	switch res {
	case 0:
		return ErrInvoiceNotFound
	case -1:
		return ErrHashReused
	}
	return nil
}

// Delete implements InvoiceStore.
func (s *RedisInvoiceStore) Delete(ctx context.Context, requestID string) error {
	if err := s.client.Del(ctx, s.invoiceKey(requestID), s.claimKey(requestID)).Err(); err != nil {
		return fmt.Errorf("delete invoice %s: %w", requestID, err)
	}
	return nil
}

func decodeInvoice(requestID string, b []byte) (*PaymentRequirement, error) {
	var inv PaymentRequirement
	if err := json.Unmarshal(b, &inv); err != nil {
		return nil, fmt.Errorf("decode invoice %s: %w", requestID, err)
	}
	return &inv, nil
}
