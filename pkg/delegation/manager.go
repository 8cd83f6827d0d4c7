package delegation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/siddimore/aether-x402/internal/logging"
	"github.com/siddimore/aether-x402/internal/metrics"
	"github.com/siddimore/aether-x402/pkg/keyless"
	"github.com/siddimore/aether-x402/pkg/ledger"
	"github.com/siddimore/aether-x402/pkg/x402"
)

// Store persists sessions. Writes must be atomic per record.
type Store interface {
	// SaveSession returns ErrStaleSession instead of replacing a record whose
	// Version is not older than s.Version.
	SaveSession(ctx context.Context, s *Session) error
	// LoadSession returns ErrSessionNotFound when no record exists.
	LoadSession(ctx context.Context, id string) (*Session, error)
	DeleteSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context, ownerAddress string) ([]*Session, error)
}

// Locker is implemented by stores shared between processes. LockSession
// blocks until the caller holds the session exclusively or ctx is done.
type Locker interface {
	LockSession(ctx context.Context, id string) (unlock func(), err error)
}

// IdentityForgetter drops cached identity material on logout.
type IdentityForgetter interface {
	Forget(ctx context.Context, subjectKey string) error
}

// Limits bound a new session.
type Limits struct {
	MaxRequests int
	Duration    time.Duration
	Allowance   x402.Amount
}

// TxIntent is an entry-function call to sign. Transfers carry
// [recipient, amount] as arguments.
type TxIntent struct {
	Function  string
	Arguments []string
}

// TransferIntent builds a coin transfer intent.
func TransferIntent(recipient string, amount x402.Amount) TxIntent {
	return TxIntent{
		Function:  ledger.TransferFunction,
		Arguments: []string{recipient, amount.String()},
	}
}

func (t TxIntent) transfer() (string, x402.Amount, error) {
	fn := t.Function
	if fn == "" {
		fn = ledger.TransferFunction
	}
	if fn != ledger.TransferFunction || len(t.Arguments) != 2 || t.Arguments[0] == "" {
		return "", 0, ErrMissingAmount
	}
	amount, err := x402.ParseAmount(t.Arguments[1])
	if err != nil || amount == 0 {
		return "", 0, fmt.Errorf("%w: %q", ErrMissingAmount, t.Arguments[1])
	}
	return t.Arguments[0], amount, nil
}

// SubmitResult is the outcome of a confirmed signature.
type SubmitResult struct {
	Hash        string
	Status      LogStatus
	Transaction *ledger.Transaction
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Ledger     ledger.Client
	Store      Store
	Identities IdentityForgetter
	Logger     logrus.FieldLogger

	// ConfirmTimeout bounds the ledger confirmation wait. Defaults to 30s.
	ConfirmTimeout time.Duration

	// MaxGasAmount caps gas per transaction. Defaults to 2000.
	MaxGasAmount uint64

	// TxTTL is how long a signed transaction stays valid. Defaults to 60s.
	TxTTL time.Duration

	// Now defaults to time.Now.
	Now func() time.Time
}

// Manager creates, meters and retires delegation sessions.
type Manager struct {
	ledger         ledger.Client
	store          Store
	identities     IdentityForgetter
	log            logrus.FieldLogger
	confirmTimeout time.Duration
	maxGas         uint64
	txTTL          time.Duration
	now            func() time.Time

	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	sessions map[string]*Session

	// state guards session fields against readers that do not hold the
	// session lock; see Snapshot.
	state sync.RWMutex
}

// NewManager creates a session manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Ledger == nil {
		return nil, errors.New("delegation: ledger client required")
	}
	if cfg.Store == nil {
		return nil, errors.New("delegation: session store required")
	}
	if cfg.ConfirmTimeout == 0 {
		cfg.ConfirmTimeout = 30 * time.Second
	}
	if cfg.MaxGasAmount == 0 {
		cfg.MaxGasAmount = 2000
	}
	if cfg.TxTTL == 0 {
		cfg.TxTTL = 60 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		ledger:         cfg.Ledger,
		store:          cfg.Store,
		identities:     cfg.Identities,
		log:            logging.OrDiscard(cfg.Logger),
		confirmTimeout: cfg.ConfirmTimeout,
		maxGas:         cfg.MaxGasAmount,
		txTTL:          cfg.TxTTL,
		now:            cfg.Now,
		locks:          make(map[string]*sync.Mutex),
		sessions:       make(map[string]*Session),
	}, nil
}

func (m *Manager) lockFor(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

// acquire takes the in-process session lock and, for shared stores, the
// store lock. Hold it across refresh, ledger calls and persist.
func (m *Manager) acquire(ctx context.Context, id string) (func(), error) {
	lock := m.lockFor(id)
	lock.Lock()
	locker, ok := m.store.(Locker)
	if !ok {
		return lock.Unlock, nil
	}
	unlock, err := locker.LockSession(ctx, id)
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return func() {
		unlock()
		lock.Unlock()
	}, nil
}

// live returns the in-process session object for id, if any.
func (m *Manager) live(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

func (m *Manager) register(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
}

func (m *Manager) mutate(fn func()) {
	m.state.Lock()
	defer m.state.Unlock()
	fn()
}

// refresh brings s up to date with the persisted record. Another copy of the
// session (a second process, or a Load result) may have spent from it since s
// was read. A deleted record means the session was retired by logout.
func (m *Manager) refresh(ctx context.Context, s *Session) error {
	stored, err := m.store.LoadSession(ctx, s.ID)
	if errors.Is(err, ErrSessionNotFound) {
		m.mutate(func() { s.terminate(StateRevoked) })
		return fmt.Errorf("%w: record deleted", ErrSessionRevoked)
	}
	if err != nil {
		return fmt.Errorf("%w: reload: %v", ErrPersistence, err)
	}
	if err := stored.Validate(); err != nil {
		return fmt.Errorf("%w: reload: %v", ErrPersistence, err)
	}
	if stored.Version > s.Version {
		m.mutate(func() { s.adopt(stored) })
	}
	return nil
}

// Snapshot returns a copy of s that is safe to read while other goroutines
// sign with s.
func (m *Manager) Snapshot(s *Session) *Session {
	m.state.RLock()
	defer m.state.RUnlock()
	return s.Snapshot()
}

// HasSigner reports whether s can sign, under the same guard as Snapshot.
func (m *Manager) HasSigner(s *Session) bool {
	return m.signerOf(s) != nil
}

func (m *Manager) signerOf(s *Session) *keyless.Signer {
	m.state.RLock()
	defer m.state.RUnlock()
	return s.signer
}

// CreateSession opens an ACTIVE session bound to signer. The session signs
// with the signer's own ephemeral key and proof; it never mints a new key.
func (m *Manager) CreateSession(ctx context.Context, signer *keyless.Signer, limits Limits) (*Session, error) {
	if signer == nil {
		return nil, fmt.Errorf("create session: %w", ErrNoSigner)
	}
	if limits.MaxRequests <= 0 || limits.Duration <= 0 || limits.Allowance == 0 {
		return nil, fmt.Errorf("create session: %w: %+v", ErrInvalidLimits, limits)
	}

	now := m.now().UTC()
	if signer.Expired(now) {
		return nil, fmt.Errorf("create session: %w", keyless.ErrInvalidToken)
	}
	expiresAt := now.Add(limits.Duration)
	if signer.ExpiresAt().Before(expiresAt) {
		expiresAt = signer.ExpiresAt()
	}

	s := &Session{
		ID:                uuid.NewString(),
		OwnerAddress:      signer.Address(),
		SubjectKey:        signer.SubjectKey(),
		MaxRequests:       limits.MaxRequests,
		RemainingRequests: limits.MaxRequests,
		TotalAllowance:    limits.Allowance,
		CreatedAt:         now,
		ExpiresAt:         expiresAt,
		IsActive:          true,
		State:             StateActive,
		TransactionLog:    []LogEntry{},
		Version:           1,
		signer:            signer,
	}
	if err := m.store.SaveSession(ctx, s); err != nil {
		return nil, fmt.Errorf("create session: %w: %v", ErrPersistence, err)
	}
	m.register(s)

	m.log.WithFields(logrus.Fields{
		"session":      s.ID,
		"owner":        s.OwnerAddress,
		"max_requests": s.MaxRequests,
		"allowance":    s.TotalAllowance.String(),
		"expires_at":   s.ExpiresAt,
	}).Info("delegation session created")
	return s, nil
}

// SignAndSubmit signs intent with the session's signer, submits it and waits
// for confirmation. Only confirmed successes consume budget. The session is
// persisted after every outcome before this returns.
func (m *Manager) SignAndSubmit(ctx context.Context, s *Session, intent TxIntent) (*SubmitResult, error) {
	release, err := m.acquire(ctx, s.ID)
	if err != nil {
		return nil, &SignError{Err: err, SessionUsable: true}
	}
	defer release()

	log := m.log.WithField("session", s.ID)
	if err := m.refresh(ctx, s); err != nil {
		metrics.RecordSignature("refused")
		return nil, &SignError{Err: err, SessionUsable: s.Usable(m.now())}
	}
	now := m.now().UTC()

	if err := s.checkUsable(now); err != nil {
		if errors.Is(err, ErrSessionExpired) && !s.State.Terminal() {
			m.mutate(func() { s.terminate(StateExpired) })
			if perr := m.persist(ctx, s); perr != nil {
				log.WithError(perr).Error("persist expired session")
			}
		}
		metrics.RecordSignature("refused")
		return nil, &SignError{Err: err}
	}
	if s.signer == nil {
		return nil, &SignError{Err: ErrNoSigner, SessionUsable: true}
	}

	recipient, amount, err := intent.transfer()
	if err != nil {
		metrics.RecordSignature("invalid")
		return nil, &SignError{Err: err, SessionUsable: true}
	}
	if amount > s.RemainingAllowance() {
		metrics.RecordSignature("refused")
		return nil, &SignError{
			Err:           fmt.Errorf("%w: %s requested, %s remaining", ErrAllowanceExceeded, amount, s.RemainingAllowance()),
			SessionUsable: true,
		}
	}

	txn, err := m.build(ctx, s, intent, now)
	if err != nil {
		return nil, m.fail(ctx, s, "", recipient, amount, err)
	}

	hash, err := m.ledger.Submit(ctx, txn)
	if err != nil {
		return nil, m.fail(ctx, s, "", recipient, amount, err)
	}
	log = log.WithField("hash", hash)
	log.Debug("transaction submitted")

	waitCtx, cancel := context.WithTimeout(ctx, m.confirmTimeout)
	defer cancel()
	start := time.Now()
	tx, err := m.ledger.WaitForTransaction(waitCtx, hash)
	metrics.RecordConfirmation(time.Since(start))
	if err != nil {
		return nil, m.fail(ctx, s, hash, recipient, amount, err)
	}
	if !tx.Success {
		return nil, m.fail(ctx, s, hash, recipient, amount, fmt.Errorf("%w: %s", ErrTransactionFailed, tx.VMStatus))
	}

	m.mutate(func() {
		s.TransactionLog = append(s.TransactionLog, LogEntry{
			Hash:      hash,
			Amount:    amount,
			Recipient: recipient,
			Status:    LogSuccess,
			Timestamp: m.now().UTC(),
		})
		s.RemainingRequests--
		s.SpentAmount += amount
		if s.RemainingRequests <= 0 || s.SpentAmount >= s.TotalAllowance {
			s.terminate(StateExhausted)
		}
	})

	if err := m.persist(ctx, s); err != nil {
		metrics.RecordSignature("unpersisted")
		log.WithError(err).Error("confirmed transaction not persisted")
		return nil, &SignError{Hash: hash, Err: err, SessionUsable: s.Usable(m.now())}
	}

	metrics.RecordSignature("success")
	log.WithFields(logrus.Fields{
		"amount":    amount.String(),
		"remaining": s.RemainingRequests,
		"spent":     s.SpentAmount.String(),
	}).Info("delegated transfer confirmed")
	return &SubmitResult{Hash: hash, Status: LogSuccess, Transaction: tx}, nil
}

func (m *Manager) build(ctx context.Context, s *Session, intent TxIntent, now time.Time) (*ledger.SignedTransaction, error) {
	seq, err := m.ledger.SequenceNumber(ctx, s.OwnerAddress)
	if err != nil {
		return nil, fmt.Errorf("sequence number: %w", err)
	}
	gasPrice, err := m.ledger.GasUnitPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas price: %w", err)
	}

	fn := intent.Function
	if fn == "" {
		fn = ledger.TransferFunction
	}
	raw := ledger.RawTransaction{
		Sender:                  s.OwnerAddress,
		SequenceNumber:          seq,
		Function:                fn,
		TypeArguments:           []string{},
		Arguments:               append([]string(nil), intent.Arguments...),
		MaxGasAmount:            m.maxGas,
		GasUnitPrice:            gasPrice,
		ExpirationTimestampSecs: uint64(now.Add(m.txTTL).Unix()),
		ChainID:                 m.ledger.ChainID(),
	}
	return s.signer.SignTransaction(raw, now)
}

// fail records a failed attempt without touching the counters.
func (m *Manager) fail(ctx context.Context, s *Session, hash, recipient string, amount x402.Amount, cause error) error {
	m.mutate(func() {
		s.TransactionLog = append(s.TransactionLog, LogEntry{
			Hash:      hash,
			Amount:    amount,
			Recipient: recipient,
			Status:    LogFailed,
			Error:     cause.Error(),
			Timestamp: m.now().UTC(),
		})
	})
	metrics.RecordSignature("failed")

	log := m.log.WithFields(logrus.Fields{"session": s.ID, "hash": hash}).WithError(cause)
	if errors.Is(cause, ledger.ErrConfirmationTimeout) {
		log.Warn("confirmation timed out; transaction may still commit and will not be resubmitted")
	} else {
		log.Warn("delegated transfer failed")
	}

	if err := m.persist(ctx, s); err != nil {
		cause = errors.Join(cause, err)
	}
	return &SignError{Hash: hash, Err: cause, SessionUsable: s.Usable(m.now())}
}

// persist saves s as the next version. On failure the version is rolled
// back so a later refresh can still adopt a record written elsewhere.
func (m *Manager) persist(ctx context.Context, s *Session) error {
	m.mutate(func() { s.Version++ })
	if err := m.store.SaveSession(context.WithoutCancel(ctx), s); err != nil {
		m.mutate(func() { s.Version-- })
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return nil
}

// Revoke permanently deactivates s. Revoking twice is a no-op.
func (m *Manager) Revoke(ctx context.Context, s *Session) error {
	release, err := m.acquire(ctx, s.ID)
	if err != nil {
		return fmt.Errorf("revoke: %w", err)
	}
	defer release()

	if err := m.refresh(ctx, s); err != nil {
		if errors.Is(err, ErrSessionRevoked) {
			return nil
		}
		return fmt.Errorf("revoke: %w", err)
	}
	if s.State == StateRevoked && !s.IsActive {
		return nil
	}
	m.mutate(func() { s.terminate(StateRevoked) })
	if err := m.persist(ctx, s); err != nil {
		return fmt.Errorf("revoke: %w", err)
	}
	m.log.WithField("session", s.ID).WithField("state", s.State).Info("delegation session revoked")
	return nil
}

// Resume links a persisted session to a restored signer. Within one Manager
// every Resume of the same id returns the same *Session.
func (m *Manager) Resume(ctx context.Context, id string, signer *keyless.Signer) (*Session, error) {
	if signer == nil {
		return nil, fmt.Errorf("resume %s: %w", id, ErrNoSigner)
	}
	release, err := m.acquire(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("resume %s: %w", id, err)
	}
	defer release()

	s := m.live(id)
	if s == nil {
		if s, err = m.load(ctx, id); err != nil {
			return nil, err
		}
	} else if err := m.refresh(ctx, s); err != nil {
		return nil, fmt.Errorf("resume %s: %w", id, err)
	}
	if signer.Address() != s.OwnerAddress {
		return nil, fmt.Errorf("resume %s: %w: %s", id, ErrOwnerMismatch, signer.Address())
	}
	m.mutate(func() { s.signer = signer })

	if !s.State.Terminal() && !m.now().Before(s.ExpiresAt) {
		m.mutate(func() { s.terminate(StateExpired) })
		if err := m.persist(ctx, s); err != nil {
			return nil, fmt.Errorf("resume %s: %w", id, err)
		}
	}
	m.register(s)
	return s, nil
}

// Load returns a read-only copy of a session without a signer. Signing with
// it fails with ErrNoSigner; use Resume.
func (m *Manager) Load(ctx context.Context, id string) (*Session, error) {
	if s := m.live(id); s != nil {
		return m.Snapshot(s), nil
	}
	return m.load(ctx, id)
}

func (m *Manager) load(ctx context.Context, id string) (*Session, error) {
	s, err := m.store.LoadSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	return s, nil
}

// Logout revokes and clears every session owned by signer, then drops the
// identity material.
func (m *Manager) Logout(ctx context.Context, signer *keyless.Signer) error {
	sessions, err := m.store.ListSessions(ctx, signer.Address())
	if err != nil {
		return fmt.Errorf("logout: %w", err)
	}

	var errs []error
	for _, s := range sessions {
		if live := m.live(s.ID); live != nil {
			s = live
		}
		if err := m.Revoke(ctx, s); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := m.store.DeleteSession(ctx, s.ID); err != nil && !errors.Is(err, ErrSessionNotFound) {
			errs = append(errs, fmt.Errorf("delete session %s: %w", s.ID, err))
		}
		m.mu.Lock()
		delete(m.locks, s.ID)
		delete(m.sessions, s.ID)
		m.mu.Unlock()
	}
	if m.identities != nil {
		if err := m.identities.Forget(ctx, signer.SubjectKey()); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	m.log.WithField("owner", signer.Address()).Info("logged out")
	return nil
}
