// Package store persists identity material, delegation sessions and pending
// login keys as versioned, individually addressable records.
package store

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"golang.org/x/crypto/sha3"
)

// RecordVersion is the current envelope version.
const RecordVersion = 1

const (
	kindIdentity = "identity"
	kindSession  = "session"
	kindPending  = "pending-key"
)

var (
	// ErrCorruptRecord indicates a record failed its checksum or could not be decoded.
	// Other records are unaffected.
	ErrCorruptRecord = errors.New("store: corrupt record")

	// ErrNotFound indicates no record exists for the key
	ErrNotFound = errors.New("store: not found")

	errBadKey = errors.New("store: invalid record key")
)

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// envelope wraps every persisted record.
type envelope struct {
	Version  int             `json:"version"`
	Kind     string          `json:"kind"`
	Key      string          `json:"key"`
	Checksum string          `json:"checksum"`
	Sealed   bool            `json:"sealed,omitempty"`
	Payload  json.RawMessage `json:"payload"`
}

func checksum(payload []byte) string {
	sum := sha3.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func validKey(key string) error {
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("%w: %q", errBadKey, key)
	}
	return nil
}

func seal(kind, key string, payload []byte, sealed bool) ([]byte, error) {
	compact, err := compactJSON(payload)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(envelope{
		Version:  RecordVersion,
		Kind:     kind,
		Key:      key,
		Checksum: checksum(compact),
		Sealed:   sealed,
		Payload:  compact,
	}, "", "  ")
}

// open validates an envelope and returns its payload and sealed flag.
func open(kind, key string, b []byte) ([]byte, bool, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, false, fmt.Errorf("%w: %s %s: %v", ErrCorruptRecord, kind, key, err)
	}
	if env.Version != RecordVersion {
		return nil, false, fmt.Errorf("%w: %s %s: version %d", ErrCorruptRecord, kind, key, env.Version)
	}
	if env.Kind != kind || env.Key != key {
		return nil, false, fmt.Errorf("%w: %s %s: envelope is %s %s", ErrCorruptRecord, kind, key, env.Kind, env.Key)
	}
	payload, err := compactJSON(env.Payload)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %s %s: %v", ErrCorruptRecord, kind, key, err)
	}
	if checksum(payload) != env.Checksum {
		return nil, false, fmt.Errorf("%w: %s %s: checksum mismatch", ErrCorruptRecord, kind, key)
	}
	return payload, env.Sealed, nil
}

// compactJSON strips insignificant whitespace so checksums survive re-indentation.
func compactJSON(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, b); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
