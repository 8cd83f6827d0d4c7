package keyless

import (
	"context"
	"time"
)

// MaterialVersion is the current IdentityMaterial encoding version.
const MaterialVersion = 1

// IdentityMaterial is the persisted form of a derived identity. It holds only
// canonical byte encodings, never live key objects.
type IdentityMaterial struct {
	Version      int       `json:"version"`
	SubjectKey   string    `json:"subjectKey"`
	Issuer       string    `json:"issuer"`
	Audience     string    `json:"audience"`
	UIDKey       string    `json:"uidKey"`
	EphemeralKey []byte    `json:"ephemeralKey"`
	Pepper       []byte    `json:"pepper"`
	Proof        []byte    `json:"proof"`
	Address      string    `json:"address"`
	ExpiresAt    time.Time `json:"expiresAt"`
	CreatedAt    time.Time `json:"createdAt"`
}

// MaterialStore persists identity material keyed by subject.
type MaterialStore interface {
	SaveIdentity(ctx context.Context, m *IdentityMaterial) error
	// LoadIdentity returns ErrNoMaterial when nothing is cached for the subject.
	LoadIdentity(ctx context.Context, subjectKey string) (*IdentityMaterial, error)
	DeleteIdentity(ctx context.Context, subjectKey string) error
}
