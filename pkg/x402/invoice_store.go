package x402

import (
	"context"
	"sync"
	"time"
)

// DefaultHashRetention is how long a settled transaction hash is remembered.
const DefaultHashRetention = 24 * time.Hour

// InvoiceStore holds pending invoices until they are settled or expire.
//
// Claim is the exclusive step: at most one caller holds an invoice at a time,
// and only the holder may Release or Consume it.
type InvoiceStore interface {
	// Put stores a new invoice. It returns ErrDuplicateInvoice if the request id exists.
	Put(ctx context.Context, inv *PaymentRequirement) error

	// Get returns a pending invoice or ErrInvoiceNotFound.
	Get(ctx context.Context, requestID string) (*PaymentRequirement, error)

	// Claim marks the invoice as being settled. It returns ErrInvoiceNotFound for
	// unknown or consumed invoices and ErrInvoiceClaimed if another caller holds it.
	Claim(ctx context.Context, requestID string) (*PaymentRequirement, error)

	// Release returns a claimed invoice to pending.
	Release(ctx context.Context, requestID string) error

	// Consume settles a claimed invoice with txHash. It returns ErrHashReused,
	// leaving the invoice claimed, if txHash already settled another invoice.
	Consume(ctx context.Context, requestID, txHash string) error

	// Delete drops an invoice in any state.
	Delete(ctx context.Context, requestID string) error
}

// Sweeper is implemented by stores that purge expired records on demand.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

type invoiceEntry struct {
	invoice *PaymentRequirement
	claimed bool
}

// MemoryInvoiceStore is an in-process InvoiceStore. Expired invoices are
// purged by Sweep rather than by timers, so the clock is fully injectable.
type MemoryInvoiceStore struct {
	mu        sync.Mutex
	invoices  map[string]*invoiceEntry
	used      map[string]time.Time
	retention time.Duration

	// Now is the store clock; defaults to time.Now.
	Now func() time.Time
}

var (
	_ InvoiceStore = (*MemoryInvoiceStore)(nil)
	_ Sweeper      = (*MemoryInvoiceStore)(nil)
)

// NewMemoryInvoiceStore creates an empty store.
func NewMemoryInvoiceStore() *MemoryInvoiceStore {
	return &MemoryInvoiceStore{
		invoices:  make(map[string]*invoiceEntry),
		used:      make(map[string]time.Time),
		retention: DefaultHashRetention,
		Now:       time.Now,
	}
}

// Put implements InvoiceStore.
func (s *MemoryInvoiceStore) Put(ctx context.Context, inv *PaymentRequirement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.invoices[inv.RequestID]; ok {
		return ErrDuplicateInvoice
	}
	cp := *inv
	s.invoices[inv.RequestID] = &invoiceEntry{invoice: &cp}
	return nil
}

// Get implements InvoiceStore.
func (s *MemoryInvoiceStore) Get(ctx context.Context, requestID string) (*PaymentRequirement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.invoices[requestID]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	cp := *e.invoice
	return &cp, nil
}

// Claim implements InvoiceStore.
func (s *MemoryInvoiceStore) Claim(ctx context.Context, requestID string) (*PaymentRequirement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.invoices[requestID]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	if e.claimed {
		return nil, ErrInvoiceClaimed
	}
	e.claimed = true
	cp := *e.invoice
	return &cp, nil
}

// Release implements InvoiceStore.
func (s *MemoryInvoiceStore) Release(ctx context.Context, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.invoices[requestID]; ok {
		e.claimed = false
	}
	return nil
}

// Consume implements InvoiceStore.
func (s *MemoryInvoiceStore) Consume(ctx context.Context, requestID, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.invoices[requestID]
	if !ok || !e.claimed {
		return ErrInvoiceNotFound
	}
	if _, used := s.used[txHash]; used {
		return ErrHashReused
	}
	s.used[txHash] = s.Now()
	delete(s.invoices, requestID)
	return nil
}

// Delete implements InvoiceStore.
func (s *MemoryInvoiceStore) Delete(ctx context.Context, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.invoices, requestID)
	return nil
}

// Sweep removes unclaimed expired invoices and forgets old transaction hashes.
func (s *MemoryInvoiceStore) Sweep(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Now()
	removed := 0
	for id, e := range s.invoices {
		if !e.claimed && e.invoice.Expired(now) {
			delete(s.invoices, id)
			removed++
		}
	}
	for hash, at := range s.used {
		if now.Sub(at) > s.retention {
			delete(s.used, hash)
		}
	}
	return removed, nil
}

// Len returns the number of stored invoices.
func (s *MemoryInvoiceStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.invoices)
}
