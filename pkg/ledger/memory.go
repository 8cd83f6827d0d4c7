package ledger

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// Memory is an in-process ledger used for local development and tests.
// Transfers commit synchronously on Submit unless Hold is enabled.
type Memory struct {
	mu       sync.Mutex
	chainID  uint8
	balances map[string]uint64
	seq      map[string]uint64
	txs      map[string]*Transaction
	held     map[string]*Transaction
	version  uint64
	submits  int
	hold     bool
	failNext error
	abortVM  string

	// Now is the ledger clock; defaults to time.Now.
	Now func() time.Time

	// Verify optionally checks authenticators before accepting a submission.
	Verify func(txn *SignedTransaction) error

	// GasUsed is charged for every committed transaction.
	GasUsed uint64
}

var _ Client = (*Memory)(nil)

// NewMemory creates an empty in-memory ledger.
func NewMemory(chainID uint8) *Memory {
	return &Memory{
		chainID:  chainID,
		balances: make(map[string]uint64),
		seq:      make(map[string]uint64),
		txs:      make(map[string]*Transaction),
		held:     make(map[string]*Transaction),
		Now:      time.Now,
		GasUsed:  10,
	}
}

// Fund credits an account.
func (m *Memory) Fund(address string, amount uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[address] += amount
}

// Balance returns an account balance.
func (m *Memory) Balance(address string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[address]
}

// Submissions returns how many transactions were accepted.
func (m *Memory) Submissions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submits
}

// FailNextSubmit makes the next Submit return err without touching state.
func (m *Memory) FailNextSubmit(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

// AbortNext makes the next committed transaction fail with the given VM status.
func (m *Memory) AbortNext(vmStatus string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.abortVM = vmStatus
}

// Hold keeps new transactions pending until Release is called.
func (m *Memory) Hold(hold bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hold = hold
}

// Release commits all held transactions.
func (m *Memory) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for hash, tx := range m.held {
		m.commitLocked(tx)
		delete(m.held, hash)
	}
}

// Put records an arbitrary committed transaction.
func (m *Memory) Put(tx *Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tx.Version == 0 {
		m.version++
		tx.Version = m.version
	}
	m.txs[tx.Hash] = tx
}

// ChainID returns the configured chain id.
func (m *Memory) ChainID() uint8 {
	return m.chainID
}

// SequenceNumber returns the next sequence number for an account.
func (m *Memory) SequenceNumber(ctx context.Context, address string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seq[address], nil
}

// GasUnitPrice returns a fixed gas price.
func (m *Memory) GasUnitPrice(ctx context.Context) (uint64, error) {
	return 100, nil
}

// Submit accepts a signed transaction.
func (m *Memory) Submit(ctx context.Context, txn *SignedTransaction) (string, error) {
	if m.Verify != nil {
		if err := m.Verify(txn); err != nil {
			return "", fmt.Errorf("%w: %v", ErrRejected, err)
		}
	}

	hash, err := txn.Hash()
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return "", err
	}
	if txn.Raw.ChainID != m.chainID {
		return "", fmt.Errorf("%w: chain id %d", ErrRejected, txn.Raw.ChainID)
	}
	if txn.Raw.SequenceNumber != m.seq[txn.Raw.Sender] {
		return "", fmt.Errorf("%w: sequence number %d, expected %d", ErrRejected, txn.Raw.SequenceNumber, m.seq[txn.Raw.Sender])
	}
	m.seq[txn.Raw.Sender]++
	m.submits++

	tx := &Transaction{
		Hash:         hash,
		Sender:       txn.Raw.Sender,
		Function:     txn.Raw.Function,
		Arguments:    append([]string(nil), txn.Raw.Arguments...),
		GasUsed:      m.GasUsed,
		GasUnitPrice: txn.Raw.GasUnitPrice,
		Timestamp:    m.Now().UTC(),
	}

	if m.hold {
		m.held[hash] = tx
		return hash, nil
	}
	m.commitLocked(tx)
	return hash, nil
}

func (m *Memory) commitLocked(tx *Transaction) {
	m.version++
	tx.Version = m.version
	tx.Success, tx.VMStatus = m.executeLocked(tx)
	m.txs[tx.Hash] = tx
}

func (m *Memory) executeLocked(tx *Transaction) (bool, string) {
	if m.abortVM != "" {
		status := m.abortVM
		m.abortVM = ""
		return false, status
	}
	if tx.Function != TransferFunction || len(tx.Arguments) != 2 {
		return false, "EUNSUPPORTED_FUNCTION"
	}
	amount, err := strconv.ParseUint(tx.Arguments[1], 10, 64)
	if err != nil {
		return false, "EINVALID_ARGUMENT"
	}
	if m.balances[tx.Sender] < amount {
		return false, "EINSUFFICIENT_BALANCE"
	}
	m.balances[tx.Sender] -= amount
	m.balances[tx.Arguments[0]] += amount
	return true, "Executed successfully"
}

// WaitForTransaction returns a committed transaction or waits for ctx.
func (m *Memory) WaitForTransaction(ctx context.Context, hash string) (*Transaction, error) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		m.mu.Lock()
		tx, ok := m.txs[hash]
		_, pending := m.held[hash]
		m.mu.Unlock()

		if ok {
			cp := *tx
			return &cp, nil
		}
		if !pending {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", ErrConfirmationTimeout, hash, ctx.Err())
		case <-ticker.C:
		}
	}
}
