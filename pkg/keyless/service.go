package keyless

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/siddimore/aether-x402/internal/logging"
)

// RetryConfig controls backoff for attestation calls.
type RetryConfig struct {
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultRetryConfig returns the standard attestation backoff.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		BaseDelay:   250 * time.Millisecond,
		Multiplier:  2,
		MaxDelay:    8 * time.Second,
		MaxAttempts: 8,
	}
}

// Backoff returns the wait after the given failed attempt (1-based).
func (c RetryConfig) Backoff(attempt int) time.Duration {
	d := float64(c.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= c.Multiplier
		if d >= float64(c.MaxDelay) {
			return c.MaxDelay
		}
	}
	if time.Duration(d) > c.MaxDelay {
		return c.MaxDelay
	}
	return time.Duration(d)
}

// ServiceConfig configures a Service.
type ServiceConfig struct {
	Attestor Attestor
	Store    MaterialStore
	Retry    RetryConfig
	Logger   logrus.FieldLogger

	// Now defaults to time.Now.
	Now func() time.Time

	// Sleep waits between retries; defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Service derives signers from login tokens and restores them from cached material.
type Service struct {
	attestor Attestor
	store    MaterialStore
	retry    RetryConfig
	log      logrus.FieldLogger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error

	flights   singleflight.Group
	mu        sync.Mutex
	completed map[string]*Signer // keyed by login nonce
}

// NewService creates a derivation service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Attestor == nil {
		return nil, errors.New("keyless: attestor required")
	}
	if cfg.Store == nil {
		return nil, errors.New("keyless: material store required")
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	return &Service{
		attestor:  cfg.Attestor,
		store:     cfg.Store,
		retry:     cfg.Retry,
		log:       logging.OrDiscard(cfg.Logger),
		now:       cfg.Now,
		sleep:     cfg.Sleep,
		completed: make(map[string]*Signer),
	}, nil
}

// Derive turns a login token into a signer bound to key.
//
// Each login attempt derives at most once: concurrent calls for the same
// ephemeral key share one flight and later calls get the same signer back.
func (s *Service) Derive(ctx context.Context, loginToken string, key *EphemeralKeyPair) (*Signer, error) {
	now := s.now()
	claims, err := ParseLoginToken(loginToken, now)
	if err != nil {
		return nil, err
	}
	nonce := key.Nonce()
	if claims.Nonce != nonce {
		return nil, fmt.Errorf("%w: nonce does not match ephemeral key", ErrInvalidToken)
	}
	if key.Expired(now) {
		return nil, fmt.Errorf("%w: ephemeral key expired", ErrInvalidToken)
	}

	if signer, ok, err := s.lookupCompleted(nonce, claims); ok || err != nil {
		return signer, err
	}

	v, err, shared := s.flights.Do(nonce, func() (any, error) {
		if signer, ok, err := s.lookupCompleted(nonce, claims); ok || err != nil {
			return signer, err
		}
		signer, err := s.derive(ctx, loginToken, claims, key)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.completed[nonce] = signer
		s.mu.Unlock()
		return signer, nil
	})
	if shared {
		s.log.WithField("nonce", nonce[:12]).Debug("joined in-flight derivation")
	}
	if err != nil {
		return nil, err
	}
	return v.(*Signer), nil
}

func (s *Service) lookupCompleted(nonce string, claims *Claims) (*Signer, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	signer, ok := s.completed[nonce]
	if !ok {
		return nil, false, nil
	}
	if signer.SubjectKey() != claims.SubjectKey() {
		return nil, false, fmt.Errorf("%w: ephemeral key already bound to another login", ErrInvalidToken)
	}
	return signer, true, nil
}

func (s *Service) derive(ctx context.Context, loginToken string, claims *Claims, key *EphemeralKeyPair) (*Signer, error) {
	subject := claims.SubjectKey()
	log := s.log.WithField("subject", subject[:12])

	cached, err := s.store.LoadIdentity(ctx, subject)
	if err != nil {
		if !errors.Is(err, ErrNoMaterial) {
			log.WithError(err).Warn("cached identity unreadable")
		}
		cached = nil
	}

	req := AttestationRequest{LoginToken: loginToken, Key: key, UIDKey: claims.UIDKey}

	pepper := cachedPepper(cached)
	if pepper.IsZero() {
		err := s.withRetry(ctx, "fetch pepper", func(ctx context.Context) error {
			p, err := s.attestor.FetchPepper(ctx, req)
			pepper = p
			return err
		})
		if err != nil {
			return s.recoverOffline(log, cached, err)
		}
	}
	req.Pepper = pepper

	var proof *BindingProof
	err = s.withRetry(ctx, "prove", func(ctx context.Context) error {
		p, err := s.attestor.Prove(ctx, req)
		proof = p
		return err
	})
	if err != nil {
		return s.recoverOffline(log, cached, err)
	}

	seed := DeriveAddressSeed(claims.Audience, claims.UIDKey, claims.UIDValue, pepper)
	if err := proof.Verify(claims, key, seed); err != nil {
		return nil, fmt.Errorf("derive: %w", err)
	}
	address := DeriveAccountAddress(claims.Issuer, seed)
	if cached != nil && cached.Address != "" && cached.Address != address {
		log.WithFields(logrus.Fields{"cached": cached.Address, "derived": address}).Warn("derived address differs from cached identity")
	}

	signer := &Signer{
		key:        key,
		pepper:     pepper,
		proof:      proof,
		issuer:     claims.Issuer,
		audience:   claims.Audience,
		uidKey:     claims.UIDKey,
		subjectKey: subject,
		address:    address,
		authKey:    address,
		createdAt:  s.now().UTC(),
	}
	if err := s.store.SaveIdentity(ctx, signer.Material()); err != nil {
		return nil, fmt.Errorf("derive: persist identity: %w", err)
	}

	log.WithField("address", address).Info("identity derived")
	return signer, nil
}

func cachedPepper(m *IdentityMaterial) Pepper {
	if m == nil {
		return Pepper{}
	}
	p, err := PepperFromBytes(m.Pepper)
	if err != nil {
		return Pepper{}
	}
	return p
}

func (s *Service) recoverOffline(log logrus.FieldLogger, cached *IdentityMaterial, cause error) (*Signer, error) {
	if !Retryable(cause) {
		return nil, cause
	}
	if cached == nil {
		return nil, fmt.Errorf("%w: %w", ErrDerivationUnavailable, cause)
	}

	signer, err := s.Restore(cached)
	if err != nil {
		return nil, fmt.Errorf("%w: offline recovery: %w", ErrDerivationUnavailable, err)
	}
	log.WithError(cause).Warn("attestation unavailable, restored cached identity")
	return signer, nil
}

func (s *Service) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= s.retry.MaxAttempts; attempt++ {
		if err = fn(ctx); err == nil || !Retryable(err) {
			return err
		}
		if attempt == s.retry.MaxAttempts {
			break
		}

		delay := s.retry.Backoff(attempt)
		s.log.WithFields(logrus.Fields{"op": op, "attempt": attempt, "delay": delay}).WithError(err).Debug("attestation retry")
		if serr := s.sleep(ctx, delay); serr != nil {
			return fmt.Errorf("%s: %w: %v", op, ErrNetwork, serr)
		}
	}
	return fmt.Errorf("%s after %d attempts: %w", op, s.retry.MaxAttempts, err)
}

// Restore rebuilds a signer from persisted material without network access.
// The persisted address is authoritative and is never recomputed.
func (s *Service) Restore(m *IdentityMaterial) (*Signer, error) {
	return RestoreSigner(m, s.now())
}

// RestoreSubject loads and restores the cached identity for a subject.
func (s *Service) RestoreSubject(ctx context.Context, subjectKey string) (*Signer, error) {
	m, err := s.store.LoadIdentity(ctx, subjectKey)
	if err != nil {
		return nil, err
	}
	return s.Restore(m)
}

// Forget drops cached material and completed derivations for a subject.
func (s *Service) Forget(ctx context.Context, subjectKey string) error {
	s.mu.Lock()
	for nonce, signer := range s.completed {
		if signer.SubjectKey() == subjectKey {
			delete(s.completed, nonce)
		}
	}
	s.mu.Unlock()

	if err := s.store.DeleteIdentity(ctx, subjectKey); err != nil && !errors.Is(err, ErrNoMaterial) {
		return fmt.Errorf("forget identity: %w", err)
	}
	return nil
}

// RestoreSigner rebuilds a signer from material. Decode failures are
// ErrMaterialCorrupt; an expired ephemeral key is ErrInvalidToken.
func RestoreSigner(m *IdentityMaterial, now time.Time) (*Signer, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil material", ErrMaterialCorrupt)
	}
	if m.Version != MaterialVersion {
		return nil, fmt.Errorf("%w: material version %d", ErrMaterialCorrupt, m.Version)
	}
	if m.Issuer == "" || m.SubjectKey == "" {
		return nil, fmt.Errorf("%w: missing issuer or subject", ErrMaterialCorrupt)
	}

	key, err := EphemeralKeyPairFromBytes(m.EphemeralKey)
	if err != nil {
		return nil, err
	}
	pepper, err := PepperFromBytes(m.Pepper)
	if err != nil {
		return nil, err
	}
	proof, err := BindingProofFromBytes(m.Proof)
	if err != nil {
		return nil, err
	}
	address, err := NormalizeAddress(m.Address)
	if err != nil {
		return nil, err
	}
	if key.Expired(now) {
		return nil, fmt.Errorf("%w: cached ephemeral key expired at %s", ErrInvalidToken, key.ExpiryDate().Format(time.RFC3339))
	}

	uidKey := m.UIDKey
	if uidKey == "" {
		uidKey = DefaultUIDKey
	}
	return &Signer{
		key:        key,
		pepper:     pepper,
		proof:      proof,
		issuer:     m.Issuer,
		audience:   m.Audience,
		uidKey:     uidKey,
		subjectKey: m.SubjectKey,
		address:    address,
		authKey:    address,
		createdAt:  m.CreatedAt,
	}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
