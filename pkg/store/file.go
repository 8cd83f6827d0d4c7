package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"

	"github.com/siddimore/aether-x402/internal/logging"
	"github.com/siddimore/aether-x402/pkg/delegation"
	"github.com/siddimore/aether-x402/pkg/keyless"
)

const (
	identitiesDir = "identities"
	sessionsDir   = "sessions"
	pendingDir    = "pending"

	lockRetry = 25 * time.Millisecond
)

// FileConfig configures a FileStore.
type FileConfig struct {
	Dir string

	// Passphrase, when set, seals identity material and pending keys at rest.
	Passphrase string

	Logger logrus.FieldLogger
}

// FileStore keeps one JSON file per record under Dir. Writes go through a
// temp file and rename so a crash never leaves a half-written record.
// Processes sharing Dir coordinate session updates through LockSession.
type FileStore struct {
	dir        string
	passphrase string
	scrypt     scryptParams
	log        logrus.FieldLogger
	mu         sync.Mutex

	// sessMu serializes the version check and write in SaveSession.
	sessMu sync.Mutex
}

var (
	_ keyless.MaterialStore = (*FileStore)(nil)
	_ delegation.Store      = (*FileStore)(nil)
	_ delegation.Locker     = (*FileStore)(nil)
)

// NewFileStore creates the directory layout under cfg.Dir.
func NewFileStore(cfg FileConfig) (*FileStore, error) {
	if cfg.Dir == "" {
		return nil, errors.New("store: directory required")
	}
	for _, sub := range []string{identitiesDir, sessionsDir, pendingDir} {
		if err := os.MkdirAll(filepath.Join(cfg.Dir, sub), 0o700); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	return &FileStore{
		dir:        cfg.Dir,
		passphrase: cfg.Passphrase,
		scrypt:     defaultScrypt(),
		log:        logging.OrDiscard(cfg.Logger),
	}, nil
}

func (s *FileStore) path(sub, key string) string {
	return filepath.Join(s.dir, sub, key+".json")
}

// ---------- Identity ----------

// SaveIdentity implements keyless.MaterialStore.
func (s *FileStore) SaveIdentity(ctx context.Context, m *keyless.IdentityMaterial) error {
	if err := validKey(m.SubjectKey); err != nil {
		return err
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.put(identitiesDir, kindIdentity, m.SubjectKey, raw, s.passphrase != "")
}

// LoadIdentity implements keyless.MaterialStore.
func (s *FileStore) LoadIdentity(ctx context.Context, subjectKey string) (*keyless.IdentityMaterial, error) {
	raw, err := s.get(identitiesDir, kindIdentity, subjectKey)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", keyless.ErrNoMaterial, subjectKey)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", keyless.ErrMaterialCorrupt, err)
	}
	var m keyless.IdentityMaterial
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: %w: identity %s: %v", keyless.ErrMaterialCorrupt, ErrCorruptRecord, subjectKey, err)
	}
	return &m, nil
}

// DeleteIdentity implements keyless.MaterialStore.
func (s *FileStore) DeleteIdentity(ctx context.Context, subjectKey string) error {
	return s.remove(identitiesDir, subjectKey)
}

// ListIdentities returns the subject keys with stored material.
func (s *FileStore) ListIdentities(ctx context.Context) ([]string, error) {
	return s.keys(identitiesDir)
}

// ---------- Sessions ----------

// SaveSession implements delegation.Store. A corrupt existing record is
// replaced rather than compared.
func (s *FileStore) SaveSession(ctx context.Context, sess *delegation.Session) error {
	if err := validKey(sess.ID); err != nil {
		return err
	}
	raw, err := json.Marshal(sess)
	if err != nil {
		return err
	}

	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	prev, err := s.LoadSession(ctx, sess.ID)
	switch {
	case err == nil && prev.Version >= sess.Version:
		return fmt.Errorf("%w: session %s is at version %d, write carries %d",
			delegation.ErrStaleSession, sess.ID, prev.Version, sess.Version)
	case err != nil && !errors.Is(err, delegation.ErrSessionNotFound) && !errors.Is(err, ErrCorruptRecord):
		return err
	}
	return s.put(sessionsDir, kindSession, sess.ID, raw, false)
}

// LockSession implements delegation.Locker with an advisory file lock next to
// the session record. The lock is held per open file, so two FileStores in
// one process exclude each other too.
func (s *FileStore) LockSession(ctx context.Context, id string) (func(), error) {
	if err := validKey(id); err != nil {
		return nil, err
	}
	fl := flock.New(filepath.Join(s.dir, sessionsDir, id+".lock"))
	ok, err := fl.TryLockContext(ctx, lockRetry)
	if err != nil {
		return nil, fmt.Errorf("lock session %s: %w", id, err)
	}
	if !ok {
		return nil, fmt.Errorf("lock session %s: %w", id, ctx.Err())
	}
	return func() {
		if err := fl.Unlock(); err != nil {
			s.log.WithError(err).WithField("session", id).Warn("failed to release session lock")
		}
	}, nil
}

// LoadSession implements delegation.Store.
func (s *FileStore) LoadSession(ctx context.Context, id string) (*delegation.Session, error) {
	raw, err := s.get(sessionsDir, kindSession, id)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", delegation.ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var sess delegation.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("%w: session %s: %v", ErrCorruptRecord, id, err)
	}
	return &sess, nil
}

// DeleteSession implements delegation.Store.
func (s *FileStore) DeleteSession(ctx context.Context, id string) error {
	return s.remove(sessionsDir, id)
}

// ListSessions implements delegation.Store. Corrupt records are skipped
// and logged so one bad file does not hide the others.
func (s *FileStore) ListSessions(ctx context.Context, ownerAddress string) ([]*delegation.Session, error) {
	ids, err := s.keys(sessionsDir)
	if err != nil {
		return nil, err
	}
	var out []*delegation.Session
	for _, id := range ids {
		sess, err := s.LoadSession(ctx, id)
		if err != nil {
			s.log.WithError(err).WithField("session", id).Warn("skipping unreadable session record")
			continue
		}
		if ownerAddress == "" || sess.OwnerAddress == ownerAddress {
			out = append(out, sess)
		}
	}
	return out, nil
}

// ---------- Pending login keys ----------

// SavePendingKey stores an ephemeral key generated before login, keyed by its nonce.
func (s *FileStore) SavePendingKey(ctx context.Context, key *keyless.EphemeralKeyPair) error {
	raw, err := json.Marshal(map[string][]byte{"key": key.Bytes()})
	if err != nil {
		return err
	}
	return s.put(pendingDir, kindPending, key.Nonce(), raw, s.passphrase != "")
}

// LoadPendingKey returns the ephemeral key for a login nonce.
func (s *FileStore) LoadPendingKey(ctx context.Context, nonce string) (*keyless.EphemeralKeyPair, error) {
	raw, err := s.get(pendingDir, kindPending, nonce)
	if err != nil {
		return nil, err
	}
	var rec map[string][]byte
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("%w: pending key %s: %v", ErrCorruptRecord, nonce, err)
	}
	return keyless.EphemeralKeyPairFromBytes(rec["key"])
}

// DeletePendingKey drops a pending key once its login completes.
func (s *FileStore) DeletePendingKey(ctx context.Context, nonce string) error {
	return s.remove(pendingDir, nonce)
}

// ---------- io ----------

func (s *FileStore) put(sub, kind, key string, raw []byte, sealed bool) error {
	if err := validKey(key); err != nil {
		return err
	}
	if sealed {
		blob, err := encrypt(s.passphrase, s.scrypt, raw, []byte(kind+"/"+key))
		if err != nil {
			return fmt.Errorf("seal %s %s: %w", kind, key, err)
		}
		raw = blob
	}
	b, err := seal(kind, key, raw, sealed)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeFile(s.path(sub, key), b, 0o600); err != nil {
		return fmt.Errorf("write %s %s: %w", kind, key, err)
	}
	return nil
}

func (s *FileStore) get(sub, kind, key string) ([]byte, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}

	s.mu.Lock()
	b, err := os.ReadFile(s.path(sub, key))
	s.mu.Unlock()
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, kind, key)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s %s: %w", kind, key, err)
	}

	payload, sealed, err := open(kind, key, b)
	if err != nil {
		return nil, err
	}
	if !sealed {
		return payload, nil
	}
	if s.passphrase == "" {
		return nil, fmt.Errorf("%w: %s %s is sealed", ErrWrongPassphrase, kind, key)
	}
	return decrypt(s.passphrase, payload, []byte(kind+"/"+key))
}

func (s *FileStore) remove(sub, key string) error {
	if err := validKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(sub, key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *FileStore) keys(sub string) ([]string, error) {
	s.mu.Lock()
	entries, err := os.ReadDir(filepath.Join(s.dir, sub))
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(keys)
	return keys, nil
}

// writeFile writes bytes via a temp file, then atomically replaces the target.
func writeFile(path string, b []byte, mode os.FileMode) error {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() { _ = os.Remove(tmp) }()

	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Chmod(mode); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
