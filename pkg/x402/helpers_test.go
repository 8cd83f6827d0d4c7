package x402

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/siddimore/aether-x402/pkg/ledger"
)

const (
	testRecipient = "0x00000000000000000000000000000000000000000000000000000000000000a1"
	testSender    = "0x00000000000000000000000000000000000000000000000000000000000000b2"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Now().UTC()}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type settlement struct {
	facilitator *Facilitator
	store       *MemoryInvoiceStore
	chain       *ledger.Memory
	clock       *testClock
	payments    int32
}

func newSettlement(t *testing.T) *settlement {
	t.Helper()
	clock := newTestClock()

	chain := ledger.NewMemory(4)
	chain.Fund(testSender, 100_000_000)

	store := NewMemoryInvoiceStore()
	store.Now = clock.Now

	f, err := NewFacilitator(FacilitatorConfig{
		Ledger:         chain,
		Store:          store,
		Recipient:      testRecipient,
		ConfirmTimeout: 50 * time.Millisecond,
		Now:            clock.Now,
	})
	require.NoError(t, err)

	return &settlement{facilitator: f, store: store, chain: chain, clock: clock}
}

// transfer submits an unsigned transfer from testSender; the memory ledger
// does not verify authenticators unless told to.
func (s *settlement) transfer(t *testing.T, recipient string, amount Amount) string {
	t.Helper()
	ctx := context.Background()
	seq, err := s.chain.SequenceNumber(ctx, testSender)
	require.NoError(t, err)

	hash, err := s.chain.Submit(ctx, &ledger.SignedTransaction{Raw: ledger.RawTransaction{
		Sender:         testSender,
		SequenceNumber: seq,
		Function:       ledger.TransferFunction,
		Arguments:      []string{recipient, amount.String()},
		GasUnitPrice:   100,
		ChainID:        4,
	}})
	require.NoError(t, err)
	return hash
}

func (s *settlement) proof(inv *PaymentRequirement, hash string) *PaymentProof {
	return &PaymentProof{
		TransactionHash: hash,
		SignerPublicKey: "0xpub",
		Timestamp:       s.clock.Now(),
		RequestID:       inv.RequestID,
		Sender:          testSender,
	}
}

func (s *settlement) pay(t *testing.T, inv *PaymentRequirement) *PaymentProof {
	t.Helper()
	return s.proof(inv, s.transfer(t, inv.Recipient, inv.Amount))
}

// payer pays invoices as requested, optionally altering the amount.
func (s *settlement) payer(t *testing.T, amend func(*PaymentRequirement)) Payer {
	return PayerFunc(func(ctx context.Context, inv *PaymentRequirement) (*PaymentProof, error) {
		atomic.AddInt32(&s.payments, 1)
		paid := *inv
		if amend != nil {
			amend(&paid)
		}
		return s.proof(inv, s.transfer(t, paid.Recipient, paid.Amount)), nil
	})
}

func (s *settlement) issue(t *testing.T, amount Amount) *PaymentRequirement {
	t.Helper()
	inv, err := s.facilitator.Issue(context.Background(), IssueRequest{Amount: amount, Description: "test task"})
	require.NoError(t, err)
	return inv
}
