package store

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

// ErrWrongPassphrase indicates a sealed record could not be opened.
var ErrWrongPassphrase = errors.New("store: wrong passphrase or tampered record")

const sealVersion = 1

type sealedBlob struct {
	V      int    `json:"v"`
	Salt   []byte `json:"salt"`
	N      int    `json:"scrypt_N"`
	R      int    `json:"scrypt_r"`
	P      int    `json:"scrypt_p"`
	Nonce  []byte `json:"nonce"`
	Cipher []byte `json:"cipher"`
}

type scryptParams struct {
	N, R, P int
}

func defaultScrypt() scryptParams { return scryptParams{N: 1 << 15, R: 8, P: 1} }

// bounded reports whether p costs no more than max. The parameters are read
// from the record, so unchecked values would let a tampered file demand
// gigabytes of memory before authentication fails.
func (p scryptParams) bounded(max scryptParams) bool {
	return p.N > 1 && p.N <= max.N && p.N&(p.N-1) == 0 &&
		p.R > 0 && p.R <= max.R &&
		p.P > 0 && p.P <= max.P
}

// encrypt seals raw with a key derived from passphrase. The record key is
// bound as associated data so sealed payloads cannot be swapped between records.
func encrypt(passphrase string, params scryptParams, raw, ad []byte) ([]byte, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key, err := scrypt.Key([]byte(passphrase), salt, params.N, params.R, params.P, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	return json.Marshal(sealedBlob{
		V:      sealVersion,
		Salt:   salt,
		N:      params.N,
		R:      params.R,
		P:      params.P,
		Nonce:  nonce,
		Cipher: aead.Seal(nil, nonce, raw, ad),
	})
}

func decrypt(passphrase string, b, ad []byte) ([]byte, error) {
	var bl sealedBlob
	if err := json.Unmarshal(b, &bl); err != nil {
		return nil, err
	}
	if bl.V != sealVersion {
		return nil, fmt.Errorf("unsupported seal version %d", bl.V)
	}
	if params := (scryptParams{N: bl.N, R: bl.R, P: bl.P}); !params.bounded(defaultScrypt()) {
		return nil, fmt.Errorf("%w: scrypt parameters N=%d r=%d p=%d out of range", ErrCorruptRecord, bl.N, bl.R, bl.P)
	}
	key, err := scrypt.Key([]byte(passphrase), bl.Salt, bl.N, bl.R, bl.P, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(bl.Nonce) != aead.NonceSize() {
		return nil, ErrWrongPassphrase
	}
	pt, err := aead.Open(nil, bl.Nonce, bl.Cipher, ad)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return pt, nil
}
