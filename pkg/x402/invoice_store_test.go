package x402

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testInvoice(id string, now time.Time) *PaymentRequirement {
	return &PaymentRequirement{
		Amount:    1_000,
		Recipient: testRecipient,
		RequestID: id,
		ExpiresAt: now.Add(time.Minute),
		Scheme:    SchemeExact,
		CreatedAt: now,
	}
}

// invoiceStoreContract runs the behaviour every InvoiceStore must share.
func invoiceStoreContract(t *testing.T, newStore func(t *testing.T, now time.Time) InvoiceStore) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	t.Run("put and get", func(t *testing.T) {
		s := newStore(t, now)
		require.NoError(t, s.Put(ctx, testInvoice("a", now)))

		got, err := s.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, Amount(1_000), got.Amount)
		assert.True(t, got.ExpiresAt.Equal(now.Add(time.Minute)))

		assert.True(t, errors.Is(s.Put(ctx, testInvoice("a", now)), ErrDuplicateInvoice))

		_, err = s.Get(ctx, "missing")
		assert.True(t, errors.Is(err, ErrInvoiceNotFound))
	})

	t.Run("claim is exclusive", func(t *testing.T) {
		s := newStore(t, now)
		require.NoError(t, s.Put(ctx, testInvoice("a", now)))

		_, err := s.Claim(ctx, "a")
		require.NoError(t, err)

		_, err = s.Claim(ctx, "a")
		assert.True(t, errors.Is(err, ErrInvoiceClaimed))

		require.NoError(t, s.Release(ctx, "a"))
		_, err = s.Claim(ctx, "a")
		assert.NoError(t, err)

		_, err = s.Claim(ctx, "missing")
		assert.True(t, errors.Is(err, ErrInvoiceNotFound))
	})

	t.Run("consume once", func(t *testing.T) {
		s := newStore(t, now)
		require.NoError(t, s.Put(ctx, testInvoice("a", now)))

		assert.True(t, errors.Is(s.Consume(ctx, "a", "0x1"), ErrInvoiceNotFound), "unclaimed")

		_, err := s.Claim(ctx, "a")
		require.NoError(t, err)
		require.NoError(t, s.Consume(ctx, "a", "0x1"))

		_, err = s.Get(ctx, "a")
		assert.True(t, errors.Is(err, ErrInvoiceNotFound))
		_, err = s.Claim(ctx, "a")
		assert.True(t, errors.Is(err, ErrInvoiceNotFound))
	})

	t.Run("hash settles one invoice", func(t *testing.T) {
		s := newStore(t, now)
		require.NoError(t, s.Put(ctx, testInvoice("a", now)))
		require.NoError(t, s.Put(ctx, testInvoice("b", now)))

		_, err := s.Claim(ctx, "a")
		require.NoError(t, err)
		require.NoError(t, s.Consume(ctx, "a", "0x1"))

		_, err = s.Claim(ctx, "b")
		require.NoError(t, err)
		assert.True(t, errors.Is(s.Consume(ctx, "b", "0x1"), ErrHashReused))

		require.NoError(t, s.Release(ctx, "b"))
		_, err = s.Get(ctx, "b")
		assert.NoError(t, err)
	})

	t.Run("delete", func(t *testing.T) {
		s := newStore(t, now)
		require.NoError(t, s.Put(ctx, testInvoice("a", now)))
		_, err := s.Claim(ctx, "a")
		require.NoError(t, err)

		require.NoError(t, s.Delete(ctx, "a"))
		_, err = s.Get(ctx, "a")
		assert.True(t, errors.Is(err, ErrInvoiceNotFound))
		assert.NoError(t, s.Delete(ctx, "a"))
	})
}

func TestMemoryInvoiceStore(t *testing.T) {
	invoiceStoreContract(t, func(t *testing.T, now time.Time) InvoiceStore {
		s := NewMemoryInvoiceStore()
		s.Now = func() time.Time { return now }
		return s
	})
}

func TestMemoryInvoiceStore_Sweep(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	s := NewMemoryInvoiceStore()
	s.Now = clock.Now

	now := clock.Now()
	require.NoError(t, s.Put(ctx, testInvoice("pending", now)))
	require.NoError(t, s.Put(ctx, testInvoice("claimed", now)))
	require.NoError(t, s.Put(ctx, testInvoice("settled", now)))

	_, err := s.Claim(ctx, "claimed")
	require.NoError(t, err)
	_, err = s.Claim(ctx, "settled")
	require.NoError(t, err)
	require.NoError(t, s.Consume(ctx, "settled", "0x1"))

	removed, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	clock.Advance(2 * time.Minute)
	removed, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, s.Len(), "claimed invoice survives until its settler finishes")

	// Settled hashes are forgotten once retention passes.
	clock.Advance(DefaultHashRetention)
	_, err = s.Sweep(ctx)
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, testInvoice("later", clock.Now())))
	_, err = s.Claim(ctx, "later")
	require.NoError(t, err)
	assert.NoError(t, s.Consume(ctx, "later", "0x1"))
}

func newRedisStore(t *testing.T, now time.Time) (*RedisInvoiceStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewRedisInvoiceStore(client, RedisInvoiceConfig{
		Prefix: "x402:",
		Now:    func() time.Time { return now },
	}), mr
}

func TestRedisInvoiceStore(t *testing.T) {
	invoiceStoreContract(t, func(t *testing.T, now time.Time) InvoiceStore {
		s, _ := newRedisStore(t, now)
		return s
	})
}

func TestRedisInvoiceStore_KeysExpire(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	s, mr := newRedisStore(t, now)

	require.NoError(t, s.Put(ctx, testInvoice("a", now)))
	assert.True(t, mr.Exists("x402:invoice:a"))

	ttl := mr.TTL("x402:invoice:a")
	assert.Equal(t, 2*time.Minute, ttl.Round(time.Second))

	// Still readable inside the grace period so settlement can report expiry.
	mr.FastForward(90 * time.Second)
	_, err := s.Get(ctx, "a")
	assert.NoError(t, err)

	mr.FastForward(time.Minute)
	_, err = s.Get(ctx, "a")
	assert.True(t, errors.Is(err, ErrInvoiceNotFound))
}

func TestRedisInvoiceStore_ClaimLeaseExpires(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	s, mr := newRedisStore(t, now)

	inv := testInvoice("a", now)
	inv.ExpiresAt = now.Add(time.Hour)
	require.NoError(t, s.Put(ctx, inv))

	_, err := s.Claim(ctx, "a")
	require.NoError(t, err)

	mr.FastForward(3 * time.Minute)
	_, err = s.Claim(ctx, "a")
	assert.NoError(t, err, "a crashed settler's claim lapses")
}

func TestRedisInvoiceStore_RejectsExpiredPut(t *testing.T) {
	now := time.Now().UTC()
	s, _ := newRedisStore(t, now)

	inv := testInvoice("a", now)
	inv.ExpiresAt = now.Add(-2 * time.Minute)
	assert.True(t, errors.Is(s.Put(context.Background(), inv), ErrExpired))
}
