package delegation

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siddimore/aether-x402/pkg/keyless"
	"github.com/siddimore/aether-x402/pkg/ledger"
	"github.com/siddimore/aether-x402/pkg/x402"
)

const recipient = "0x00000000000000000000000000000000000000000000000000000000000000a1"

type identityStore struct {
	mu    sync.Mutex
	items map[string]*keyless.IdentityMaterial
}

func (s *identityStore) SaveIdentity(ctx context.Context, m *keyless.IdentityMaterial) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.items == nil {
		s.items = make(map[string]*keyless.IdentityMaterial)
	}
	s.items[m.SubjectKey] = m
	return nil
}

func (s *identityStore) LoadIdentity(ctx context.Context, subjectKey string) (*keyless.IdentityMaterial, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.items[subjectKey]
	if !ok {
		return nil, keyless.ErrNoMaterial
	}
	return m, nil
}

func (s *identityStore) DeleteIdentity(ctx context.Context, subjectKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, subjectKey)
	return nil
}

type sessionStore struct {
	mu       sync.Mutex
	records  map[string][]byte
	failSave error
	saves    int
}

func newSessionStore() *sessionStore {
	return &sessionStore{records: make(map[string][]byte)}
}

func (s *sessionStore) SaveSession(ctx context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSave != nil {
		return s.failSave
	}
	if prev, ok := s.records[sess.ID]; ok {
		var stored Session
		if err := json.Unmarshal(prev, &stored); err == nil && stored.Version >= sess.Version {
			return ErrStaleSession
		}
	}
	b, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	s.records[sess.ID] = b
	s.saves++
	return nil
}

func (s *sessionStore) LoadSession(ctx context.Context, id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.records[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	var sess Session
	if err := json.Unmarshal(b, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *sessionStore) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

func (s *sessionStore) ListSessions(ctx context.Context, owner string) ([]*Session, error) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var out []*Session
	for _, id := range ids {
		sess, err := s.LoadSession(ctx, id)
		if err != nil {
			return nil, err
		}
		if sess.OwnerAddress == owner {
			out = append(out, sess)
		}
	}
	return out, nil
}

type fixture struct {
	manager    *Manager
	ledger     *ledger.Memory
	store      *sessionStore
	identities *keyless.Service
	idStore    *identityStore
	signer     *keyless.Signer
	now        time.Time
	mu         sync.Mutex
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureFor(t, "agent-owner")
}

func newFixtureFor(t *testing.T, subject string) *fixture {
	t.Helper()
	f := &fixture{
		ledger:  ledger.NewMemory(4),
		store:   newSessionStore(),
		idStore: &identityStore{},
		now:     time.Now().UTC(),
	}
	f.ledger.Verify = keyless.VerifyTransaction

	svc, err := keyless.NewService(keyless.ServiceConfig{
		Attestor: keyless.NewDevAttestor([]byte("pepper-secret")),
		Store:    f.idStore,
	})
	require.NoError(t, err)
	f.identities = svc

	key, err := keyless.GenerateEphemeralKeyPair(time.Now().Add(2 * time.Hour))
	require.NoError(t, err)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss":   "https://accounts.google.com",
		"sub":   subject,
		"aud":   "aether-client",
		"nonce": key.Nonce(),
		"exp":   time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("idp"))
	require.NoError(t, err)

	f.signer, err = svc.Derive(context.Background(), token, key)
	require.NoError(t, err)
	f.ledger.Fund(f.signer.Address(), 100_000_000)

	f.manager, err = NewManager(ManagerConfig{
		Ledger:         f.ledger,
		Store:          f.store,
		Identities:     svc,
		ConfirmTimeout: 50 * time.Millisecond,
		Now:            f.clock,
	})
	require.NoError(t, err)
	return f
}

// peer returns a second manager over the same ledger and store, standing in
// for another process that resumed the same sessions.
func (f *fixture) peer(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(ManagerConfig{
		Ledger:         f.ledger,
		Store:          f.store,
		Identities:     f.identities,
		ConfirmTimeout: 50 * time.Millisecond,
		Now:            f.clock,
	})
	require.NoError(t, err)
	return m
}

func (f *fixture) session(t *testing.T, maxRequests int, allowance x402.Amount) *Session {
	t.Helper()
	s, err := f.manager.CreateSession(context.Background(), f.signer, Limits{
		MaxRequests: maxRequests,
		Duration:    time.Hour,
		Allowance:   allowance,
	})
	require.NoError(t, err)
	return s
}

func assertInvariants(t *testing.T, s *Session) {
	t.Helper()
	assert.LessOrEqual(t, s.SpentAmount, s.TotalAllowance)
	assert.GreaterOrEqual(t, s.RemainingRequests, 0)
	assert.LessOrEqual(t, s.RemainingRequests, s.MaxRequests)
	assert.NoError(t, s.Validate())
}

func TestSignAndSubmit_ExhaustsAfterThreeTransfers(t *testing.T) {
	f := newFixture(t)
	s := f.session(t, 3, 9_000_000)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := f.manager.SignAndSubmit(ctx, s, TransferIntent(recipient, 3_000_000))
		require.NoError(t, err)
		assert.Equal(t, LogSuccess, res.Status)
		assert.NotEmpty(t, res.Hash)
		assertInvariants(t, s)
	}

	assert.Equal(t, 0, s.RemainingRequests)
	assert.Equal(t, x402.Amount(9_000_000), s.SpentAmount)
	assert.False(t, s.IsActive)
	assert.Equal(t, StateExhausted, s.State)
	assert.Equal(t, uint64(9_000_000), f.ledger.Balance(recipient))

	_, err := f.manager.SignAndSubmit(ctx, s, TransferIntent(recipient, 3_000_000))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSessionExhausted))

	var signErr *SignError
	require.True(t, errors.As(err, &signErr))
	assert.False(t, signErr.SessionUsable)
	assert.Empty(t, signErr.Hash)

	assert.Equal(t, 0, s.RemainingRequests)
	assert.Equal(t, x402.Amount(9_000_000), s.SpentAmount)
	assert.Len(t, s.TransactionLog, 3)
	assert.Equal(t, 3, f.ledger.Submissions())
}

func TestSignAndSubmit_FailClosed(t *testing.T) {
	t.Run("revoked", func(t *testing.T) {
		f := newFixture(t)
		s := f.session(t, 3, 9_000_000)
		require.NoError(t, f.manager.Revoke(context.Background(), s))

		_, err := f.manager.SignAndSubmit(context.Background(), s, TransferIntent(recipient, 1))
		assert.True(t, errors.Is(err, ErrSessionRevoked))
		assert.Zero(t, f.ledger.Submissions())
	})

	t.Run("expired", func(t *testing.T) {
		f := newFixture(t)
		s := f.session(t, 3, 9_000_000)
		f.advance(time.Hour)

		_, err := f.manager.SignAndSubmit(context.Background(), s, TransferIntent(recipient, 1))
		assert.True(t, errors.Is(err, ErrSessionExpired))
		assert.Equal(t, StateExpired, s.State)
		assert.False(t, s.IsActive)
		assert.Zero(t, f.ledger.Submissions())

		stored, err := f.store.LoadSession(context.Background(), s.ID)
		require.NoError(t, err)
		assert.Equal(t, StateExpired, stored.State)
	})

	t.Run("allowance spent", func(t *testing.T) {
		f := newFixture(t)
		s := f.session(t, 5, 2_000_000)
		_, err := f.manager.SignAndSubmit(context.Background(), s, TransferIntent(recipient, 2_000_000))
		require.NoError(t, err)
		assert.Equal(t, StateExhausted, s.State)
		assert.Equal(t, 4, s.RemainingRequests)

		_, err = f.manager.SignAndSubmit(context.Background(), s, TransferIntent(recipient, 1))
		assert.True(t, errors.Is(err, ErrSessionExhausted))
		assert.Equal(t, 1, f.ledger.Submissions())
	})
}

func TestSignAndSubmit_RejectsBadIntents(t *testing.T) {
	f := newFixture(t)
	s := f.session(t, 3, 5_000_000)
	ctx := context.Background()

	for _, intent := range []TxIntent{
		{Arguments: []string{recipient}},
		{Arguments: []string{recipient, "1.5"}},
		{Arguments: []string{recipient, "-3"}},
		{Arguments: []string{recipient, "0"}},
		{Function: "0x1::coin::register", Arguments: []string{recipient, "5"}},
	} {
		_, err := f.manager.SignAndSubmit(ctx, s, intent)
		assert.True(t, errors.Is(err, ErrMissingAmount), "intent %+v: %v", intent, err)
	}

	_, err := f.manager.SignAndSubmit(ctx, s, TransferIntent(recipient, 6_000_000))
	assert.True(t, errors.Is(err, ErrAllowanceExceeded))

	var signErr *SignError
	require.True(t, errors.As(err, &signErr))
	assert.True(t, signErr.SessionUsable)
	assert.Empty(t, s.TransactionLog)
	assert.Zero(t, f.ledger.Submissions())
}

func TestSignAndSubmit_FailureDoesNotConsumeBudget(t *testing.T) {
	f := newFixture(t)
	s := f.session(t, 3, 9_000_000)
	ctx := context.Background()

	f.ledger.FailNextSubmit(ledger.ErrUnavailable)
	_, err := f.manager.SignAndSubmit(ctx, s, TransferIntent(recipient, 1_000_000))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledger.ErrUnavailable))

	var signErr *SignError
	require.True(t, errors.As(err, &signErr))
	assert.Empty(t, signErr.Hash)
	assert.True(t, signErr.SessionUsable)

	f.ledger.AbortNext("EINSUFFICIENT_BALANCE")
	_, err = f.manager.SignAndSubmit(ctx, s, TransferIntent(recipient, 1_000_000))
	assert.True(t, errors.Is(err, ErrTransactionFailed))
	require.True(t, errors.As(err, &signErr))
	assert.NotEmpty(t, signErr.Hash)

	assert.Equal(t, 3, s.RemainingRequests)
	assert.Zero(t, s.SpentAmount)
	require.Len(t, s.TransactionLog, 2)
	assert.Equal(t, LogFailed, s.TransactionLog[0].Status)
	assert.Empty(t, s.TransactionLog[0].Hash)
	assert.Equal(t, LogFailed, s.TransactionLog[1].Status)
	assert.Equal(t, signErr.Hash, s.TransactionLog[1].Hash)

	stored, err := f.store.LoadSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, stored.TransactionLog, 2)
}

func TestSignAndSubmit_ConfirmationTimeoutIsNotResubmitted(t *testing.T) {
	f := newFixture(t)
	s := f.session(t, 3, 9_000_000)
	f.ledger.Hold(true)

	_, err := f.manager.SignAndSubmit(context.Background(), s, TransferIntent(recipient, 1_000_000))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledger.ErrConfirmationTimeout))
	assert.Equal(t, 1, f.ledger.Submissions())
	assert.Equal(t, 3, s.RemainingRequests)
	assert.Equal(t, LogFailed, s.TransactionLog[0].Status)
	assert.NotEmpty(t, s.TransactionLog[0].Hash)
}

func TestSignAndSubmit_PersistenceFailureBlocksSuccess(t *testing.T) {
	f := newFixture(t)
	s := f.session(t, 3, 9_000_000)
	f.store.failSave = errors.New("disk full")

	_, err := f.manager.SignAndSubmit(context.Background(), s, TransferIntent(recipient, 1_000_000))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPersistence))

	var signErr *SignError
	require.True(t, errors.As(err, &signErr))
	assert.NotEmpty(t, signErr.Hash)
}

func TestSignAndSubmit_ConcurrentCallsNeverOverspend(t *testing.T) {
	f := newFixture(t)
	s := f.session(t, 10, 5_000_000)

	const workers = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.manager.SignAndSubmit(context.Background(), s, TransferIntent(recipient, 1_000_000))
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
			assert.True(t, errors.Is(err, ErrSessionExhausted) || errors.Is(err, ErrAllowanceExceeded), "unexpected %v", err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, successes)
	assert.Equal(t, x402.Amount(5_000_000), s.SpentAmount)
	assert.Equal(t, 5, s.RemainingRequests)
	assert.Equal(t, uint64(5_000_000), f.ledger.Balance(recipient))
	assertInvariants(t, s)
}

func TestSession_RoundTripAndResume(t *testing.T) {
	f := newFixture(t)
	s := f.session(t, 5, 9_000_000)
	ctx := context.Background()

	_, err := f.manager.SignAndSubmit(ctx, s, TransferIntent(recipient, 2_000_000))
	require.NoError(t, err)
	f.ledger.FailNextSubmit(ledger.ErrUnavailable)
	_, _ = f.manager.SignAndSubmit(ctx, s, TransferIntent(recipient, 1_000_000))

	before, err := json.Marshal(s)
	require.NoError(t, err)

	restoredSigner, err := keyless.RestoreSigner(f.signer.Material(), time.Now())
	require.NoError(t, err)

	resumed, err := f.manager.Resume(ctx, s.ID, restoredSigner)
	require.NoError(t, err)
	assert.Same(t, s, resumed)
	after, err := json.Marshal(resumed)
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
	assert.True(t, resumed.Signer().SharesKey(f.signer))

	_, err = f.manager.SignAndSubmit(ctx, resumed, TransferIntent(recipient, 1_000_000))
	require.NoError(t, err)
	assert.Equal(t, 3, resumed.RemainingRequests)
}

func TestResume_CopiesShareOneBudget(t *testing.T) {
	f := newFixture(t)
	s := f.session(t, 5, 9_000_000)
	ctx := context.Background()

	first, err := f.manager.Resume(ctx, s.ID, f.signer)
	require.NoError(t, err)
	second, err := f.manager.Resume(ctx, s.ID, f.signer)
	require.NoError(t, err)
	assert.Same(t, first, second)

	var wg sync.WaitGroup
	for _, sess := range []*Session{first, second} {
		wg.Add(1)
		go func(sess *Session) {
			defer wg.Done()
			for i := 0; i < 3; i++ {
				_, _ = f.manager.SignAndSubmit(ctx, sess, TransferIntent(recipient, 3_000_000))
			}
		}(sess)
	}
	wg.Wait()

	assert.Equal(t, uint64(9_000_000), f.ledger.Balance(recipient))
	assert.Equal(t, x402.Amount(9_000_000), first.SpentAmount)
	assert.Equal(t, StateExhausted, first.State)
	assertInvariants(t, first)
}

func TestSignAndSubmit_AdoptsSpendFromAnotherManager(t *testing.T) {
	f := newFixture(t)
	s := f.session(t, 5, 9_000_000)
	ctx := context.Background()

	peer := f.peer(t)
	other, err := peer.Resume(ctx, s.ID, f.signer)
	require.NoError(t, err)
	require.NotSame(t, s, other)

	for i := 0; i < 2; i++ {
		_, err := f.manager.SignAndSubmit(ctx, s, TransferIntent(recipient, 3_000_000))
		require.NoError(t, err)
	}

	_, err = peer.SignAndSubmit(ctx, other, TransferIntent(recipient, 3_000_000))
	require.NoError(t, err)
	assert.Equal(t, x402.Amount(9_000_000), other.SpentAmount)
	assert.Equal(t, StateExhausted, other.State)

	_, err = f.manager.SignAndSubmit(ctx, s, TransferIntent(recipient, 3_000_000))
	assert.True(t, errors.Is(err, ErrSessionExhausted))
	assert.Equal(t, x402.Amount(9_000_000), s.SpentAmount)
	assert.Equal(t, uint64(9_000_000), f.ledger.Balance(recipient))
	assert.Equal(t, 3, f.ledger.Submissions())
}

func TestSignAndSubmit_SeesRevocationFromAnotherManager(t *testing.T) {
	ctx := context.Background()

	t.Run("revoked", func(t *testing.T) {
		f := newFixture(t)
		s := f.session(t, 3, 9_000_000)
		other, err := f.manager.Load(ctx, s.ID)
		require.NoError(t, err)
		require.NoError(t, f.peer(t).Revoke(ctx, other))

		_, err = f.manager.SignAndSubmit(ctx, s, TransferIntent(recipient, 1))
		assert.True(t, errors.Is(err, ErrSessionRevoked))
		assert.Equal(t, StateRevoked, s.State)
		assert.Zero(t, f.ledger.Submissions())
	})

	t.Run("logged out", func(t *testing.T) {
		f := newFixture(t)
		s := f.session(t, 3, 9_000_000)
		require.NoError(t, f.peer(t).Logout(ctx, f.signer))

		_, err := f.manager.SignAndSubmit(ctx, s, TransferIntent(recipient, 1))
		assert.True(t, errors.Is(err, ErrSessionRevoked))
		assert.False(t, s.IsActive)
		assert.Zero(t, f.ledger.Submissions())
	})
}

func TestPersist_RejectsStaleCopy(t *testing.T) {
	f := newFixture(t)
	s := f.session(t, 3, 9_000_000)
	ctx := context.Background()

	stale := f.manager.Snapshot(s)
	_, err := f.manager.SignAndSubmit(ctx, s, TransferIntent(recipient, 1_000_000))
	require.NoError(t, err)

	err = f.manager.persist(ctx, stale)
	assert.True(t, errors.Is(err, ErrPersistence))
	assert.True(t, errors.Is(err, ErrStaleSession))
	assert.Equal(t, s.Version-1, stale.Version)

	stored, err := f.store.LoadSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, x402.Amount(1_000_000), stored.SpentAmount)
	assert.Equal(t, s.Version, stored.Version)
}

func TestSnapshot_ConcurrentWithSigning(t *testing.T) {
	f := newFixture(t)
	s := f.session(t, 20, 20_000_000)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			_, _ = f.manager.SignAndSubmit(ctx, s, TransferIntent(recipient, 1_000_000))
		}
	}()
	for {
		snap := f.manager.Snapshot(s)
		assert.Len(t, snap.TransactionLog, 20-snap.RemainingRequests)
		assert.Nil(t, snap.Signer())
		select {
		case <-done:
			assert.Len(t, f.manager.Snapshot(s).TransactionLog, 10)
			return
		default:
		}
	}
}

func TestResume_RejectsOtherOwner(t *testing.T) {
	f := newFixture(t)
	s := f.session(t, 1, 1_000)
	other := newFixtureFor(t, "someone-else")

	_, err := f.manager.Resume(context.Background(), s.ID, other.signer)
	assert.True(t, errors.Is(err, ErrOwnerMismatch))

	_, err = f.manager.Resume(context.Background(), "missing", f.signer)
	assert.True(t, errors.Is(err, ErrSessionNotFound))
}

func TestLoadedSessionNeedsSigner(t *testing.T) {
	f := newFixture(t)
	s := f.session(t, 1, 1_000)

	loaded, err := f.manager.Load(context.Background(), s.ID)
	require.NoError(t, err)

	_, err = f.manager.SignAndSubmit(context.Background(), loaded, TransferIntent(recipient, 10))
	assert.True(t, errors.Is(err, ErrNoSigner))
}

func TestRevoke_Idempotent(t *testing.T) {
	f := newFixture(t)
	s := f.session(t, 3, 9_000_000)

	require.NoError(t, f.manager.Revoke(context.Background(), s))
	saves := f.store.saves
	require.NoError(t, f.manager.Revoke(context.Background(), s))
	assert.Equal(t, saves, f.store.saves)
	assert.Equal(t, StateRevoked, s.State)
	assert.Equal(t, 3, s.RemainingRequests)
}

func TestRevoke_KeepsTerminalState(t *testing.T) {
	f := newFixture(t)
	s := f.session(t, 1, 9_000_000)
	_, err := f.manager.SignAndSubmit(context.Background(), s, TransferIntent(recipient, 1))
	require.NoError(t, err)
	require.Equal(t, StateExhausted, s.State)

	require.NoError(t, f.manager.Revoke(context.Background(), s))
	assert.Equal(t, StateExhausted, s.State)
	assert.False(t, s.IsActive)
}

func TestLogout(t *testing.T) {
	f := newFixture(t)
	f.session(t, 3, 9_000_000)
	f.session(t, 1, 1_000)

	require.NoError(t, f.manager.Logout(context.Background(), f.signer))

	sessions, err := f.store.ListSessions(context.Background(), f.signer.Address())
	require.NoError(t, err)
	assert.Empty(t, sessions)

	_, err = f.idStore.LoadIdentity(context.Background(), f.signer.SubjectKey())
	assert.True(t, errors.Is(err, keyless.ErrNoMaterial))
}

func TestCreateSession(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.CreateSession(context.Background(), f.signer, Limits{MaxRequests: 0, Duration: time.Hour, Allowance: 1})
	assert.True(t, errors.Is(err, ErrInvalidLimits))

	_, err = f.manager.CreateSession(context.Background(), nil, Limits{MaxRequests: 1, Duration: time.Hour, Allowance: 1})
	assert.True(t, errors.Is(err, ErrNoSigner))

	s, err := f.manager.CreateSession(context.Background(), f.signer, Limits{MaxRequests: 2, Duration: 48 * time.Hour, Allowance: 10})
	require.NoError(t, err)
	assert.Equal(t, f.signer.ExpiresAt(), s.ExpiresAt)
	assert.Equal(t, StateActive, s.State)
	assert.True(t, s.IsActive)
	assert.Same(t, f.signer, s.Signer())

	f.store.failSave = errors.New("read-only")
	_, err = f.manager.CreateSession(context.Background(), f.signer, Limits{MaxRequests: 1, Duration: time.Hour, Allowance: 1})
	assert.True(t, errors.Is(err, ErrPersistence))
}

func TestPayer(t *testing.T) {
	f := newFixture(t)
	s := f.session(t, 2, 5_000_000)
	payer := NewPayer(f.manager, s)

	proof, err := payer.Pay(context.Background(), &x402.PaymentRequirement{
		Amount:    2_000_000,
		Recipient: recipient,
		RequestID: "req-1",
		ExpiresAt: time.Now().Add(5 * time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, "req-1", proof.RequestID)
	assert.Equal(t, s.OwnerAddress, proof.Sender)
	assert.Equal(t, f.signer.PublicKey(), proof.SignerPublicKey)
	assert.Equal(t, s.ID, proof.SignatureMetadata["sessionId"])

	tx, err := f.ledger.WaitForTransaction(context.Background(), proof.TransactionHash)
	require.NoError(t, err)
	assert.Equal(t, []string{recipient, "2000000"}, tx.Arguments)
}
