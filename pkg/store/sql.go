package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/siddimore/aether-x402/internal/logging"
	"github.com/siddimore/aether-x402/pkg/delegation"
	"github.com/siddimore/aether-x402/pkg/keyless"
)

// SQLStore keeps records in PostgreSQL, one row per record. Each save is a
// single UPSERT so a record is never partially written. Session rows carry a
// version and only move forward; LockSession serializes writers across
// processes with an advisory lock.
type SQLStore struct {
	db  *sqlx.DB
	log logrus.FieldLogger
	now func() time.Time
}

var (
	_ keyless.MaterialStore = (*SQLStore)(nil)
	_ delegation.Store      = (*SQLStore)(nil)
	_ delegation.Locker     = (*SQLStore)(nil)
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS identity_material (
		subject_key TEXT PRIMARY KEY,
		address     TEXT NOT NULL,
		record      JSONB NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS delegation_sessions (
		id            TEXT PRIMARY KEY,
		owner_address TEXT NOT NULL,
		state         TEXT NOT NULL,
		record        JSONB NOT NULL,
		version       BIGINT NOT NULL DEFAULT 0,
		updated_at    TIMESTAMPTZ NOT NULL
	)`,
	`ALTER TABLE delegation_sessions ADD COLUMN IF NOT EXISTS version BIGINT NOT NULL DEFAULT 0`,
	`CREATE INDEX IF NOT EXISTS delegation_sessions_owner_idx ON delegation_sessions (owner_address)`,
}

// OpenSQL connects to PostgreSQL.
func OpenSQL(ctx context.Context, dsn string, logger logrus.FieldLogger) (*SQLStore, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewSQLStore(db, logger), nil
}

// NewSQLStore wraps an existing connection.
func NewSQLStore(db *sqlx.DB, logger logrus.FieldLogger) *SQLStore {
	return &SQLStore{db: db, log: logging.OrDiscard(logger), now: time.Now}
}

// Migrate creates the tables if they do not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Close closes the connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

type recordRow struct {
	Key    string `db:"key"`
	Record []byte `db:"record"`
}

// ---------- Identity ----------

// SaveIdentity implements keyless.MaterialStore.
func (s *SQLStore) SaveIdentity(ctx context.Context, m *keyless.IdentityMaterial) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	rec, err := seal(kindIdentity, m.SubjectKey, raw, false)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO identity_material (subject_key, address, record, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (subject_key) DO UPDATE
		SET address = EXCLUDED.address, record = EXCLUDED.record, updated_at = EXCLUDED.updated_at
	`, m.SubjectKey, m.Address, rec, s.now().UTC())
	if err != nil {
		return fmt.Errorf("save identity: %w", err)
	}
	return nil
}

// LoadIdentity implements keyless.MaterialStore.
func (s *SQLStore) LoadIdentity(ctx context.Context, subjectKey string) (*keyless.IdentityMaterial, error) {
	var row recordRow
	err := s.db.GetContext(ctx, &row, `
		SELECT subject_key AS key, record FROM identity_material WHERE subject_key = $1
	`, subjectKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", keyless.ErrNoMaterial, subjectKey)
	}
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}

	payload, _, err := open(kindIdentity, subjectKey, row.Record)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", keyless.ErrMaterialCorrupt, err)
	}
	var m keyless.IdentityMaterial
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("%w: %w: identity %s: %v", keyless.ErrMaterialCorrupt, ErrCorruptRecord, subjectKey, err)
	}
	return &m, nil
}

// DeleteIdentity implements keyless.MaterialStore.
func (s *SQLStore) DeleteIdentity(ctx context.Context, subjectKey string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM identity_material WHERE subject_key = $1`, subjectKey); err != nil {
		return fmt.Errorf("delete identity: %w", err)
	}
	return nil
}

// ---------- Sessions ----------

// SaveSession implements delegation.Store.
func (s *SQLStore) SaveSession(ctx context.Context, sess *delegation.Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	rec, err := seal(kindSession, sess.ID, raw, false)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO delegation_sessions (id, owner_address, state, record, version, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET owner_address = EXCLUDED.owner_address, state = EXCLUDED.state, record = EXCLUDED.record,
			version = EXCLUDED.version, updated_at = EXCLUDED.updated_at
		WHERE delegation_sessions.version < EXCLUDED.version
	`, sess.ID, sess.OwnerAddress, string(sess.State), rec, int64(sess.Version), s.now().UTC())
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: session %s version %d", delegation.ErrStaleSession, sess.ID, sess.Version)
	}
	return nil
}

// LockSession implements delegation.Locker. The advisory lock belongs to a
// pooled connection that is held until unlock.
func (s *SQLStore) LockSession(ctx context.Context, id string) (func(), error) {
	conn, err := s.db.Connx(ctx)
	if err != nil {
		return nil, fmt.Errorf("lock session %s: %w", id, err)
	}
	key := "delegation_sessions/" + id
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock(hashtext($1))`, key); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("lock session %s: %w", id, err)
	}
	return func() {
		if _, err := conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock(hashtext($1))`, key); err != nil {
			s.log.WithError(err).WithField("session", id).Warn("failed to release session lock, dropping connection")
			// A connection still holding the lock must not go back to the pool.
			_ = conn.Raw(func(any) error { return driver.ErrBadConn })
		}
		_ = conn.Close()
	}, nil
}

// LoadSession implements delegation.Store.
func (s *SQLStore) LoadSession(ctx context.Context, id string) (*delegation.Session, error) {
	var row recordRow
	err := s.db.GetContext(ctx, &row, `SELECT id AS key, record FROM delegation_sessions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", delegation.ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return decodeSession(row)
}

func decodeSession(row recordRow) (*delegation.Session, error) {
	payload, _, err := open(kindSession, row.Key, row.Record)
	if err != nil {
		return nil, err
	}
	var sess delegation.Session
	if err := json.Unmarshal(payload, &sess); err != nil {
		return nil, fmt.Errorf("%w: session %s: %v", ErrCorruptRecord, row.Key, err)
	}
	return &sess, nil
}

// DeleteSession implements delegation.Store.
func (s *SQLStore) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM delegation_sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// ListSessions implements delegation.Store. Corrupt rows are skipped.
func (s *SQLStore) ListSessions(ctx context.Context, ownerAddress string) ([]*delegation.Session, error) {
	var rows []recordRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id AS key, record FROM delegation_sessions
		WHERE ($1 = '' OR owner_address = $1)
		ORDER BY updated_at
	`, ownerAddress)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	out := make([]*delegation.Session, 0, len(rows))
	for _, row := range rows {
		sess, err := decodeSession(row)
		if err != nil {
			s.log.WithError(err).WithField("session", row.Key).Warn("skipping unreadable session row")
			continue
		}
		out = append(out, sess)
	}
	return out, nil
}
