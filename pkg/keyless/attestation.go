package keyless

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// AttestationRequest describes one login attempt to the attestation service.
type AttestationRequest struct {
	LoginToken string
	Key        *EphemeralKeyPair
	UIDKey     string
	Pepper     Pepper // set for Prove only
}

// Attestor issues peppers and binding proofs.
type Attestor interface {
	FetchPepper(ctx context.Context, req AttestationRequest) (Pepper, error)
	Prove(ctx context.Context, req AttestationRequest) (*BindingProof, error)
}

// AttestationConfig configures the HTTP attestation client.
type AttestationConfig struct {
	// PepperURL is the pepper service base URL; POST {PepperURL}/v0/fetch
	PepperURL string

	// ProverURL is the prover base URL; POST {ProverURL}/v0/prove
	ProverURL string

	// Timeout is the per-request HTTP timeout
	Timeout time.Duration
}

// HTTPAttestor calls remote pepper and prover services.
type HTTPAttestor struct {
	pepperURL string
	proverURL string
	client    *http.Client
}

var _ Attestor = (*HTTPAttestor)(nil)

// NewHTTPAttestor creates an attestation client.
func NewHTTPAttestor(cfg AttestationConfig) *HTTPAttestor {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	prover := cfg.ProverURL
	if prover == "" {
		prover = cfg.PepperURL
	}
	return &HTTPAttestor{
		pepperURL: strings.TrimRight(cfg.PepperURL, "/"),
		proverURL: strings.TrimRight(prover, "/"),
		client:    &http.Client{Timeout: cfg.Timeout},
	}
}

type attestationBody struct {
	JWT         string `json:"jwt_b64"`
	EPK         string `json:"epk"`
	ExpDateSecs uint64 `json:"exp_date_secs"`
	EPKBlinder  string `json:"epk_blinder"`
	UIDKey      string `json:"uid_key"`
	Pepper      string `json:"pepper,omitempty"`
}

type pepperResponse struct {
	Pepper string `json:"pepper"`
}

type proveResponse struct {
	Proof            string `json:"proof"`
	ExpHorizonSecs   uint64 `json:"exp_horizon_secs"`
	PublicInputsHash string `json:"public_inputs_hash"`
}

func newAttestationBody(req AttestationRequest) attestationBody {
	uidKey := req.UIDKey
	if uidKey == "" {
		uidKey = DefaultUIDKey
	}
	return attestationBody{
		JWT:         base64.RawURLEncoding.EncodeToString([]byte(req.LoginToken)),
		EPK:         "0x" + hex.EncodeToString(req.Key.PublicKey()),
		ExpDateSecs: uint64(req.Key.ExpiryDate().Unix()),
		EPKBlinder:  "0x" + hex.EncodeToString(req.Key.Blinder()),
		UIDKey:      uidKey,
	}
}

// FetchPepper requests the pepper for the login subject.
func (a *HTTPAttestor) FetchPepper(ctx context.Context, req AttestationRequest) (Pepper, error) {
	var resp pepperResponse
	if err := a.post(ctx, a.pepperURL+"/v0/fetch", newAttestationBody(req), &resp); err != nil {
		return Pepper{}, fmt.Errorf("fetch pepper: %w", err)
	}
	return PepperFromHex(resp.Pepper)
}

// Prove requests a binding proof for the login attempt.
func (a *HTTPAttestor) Prove(ctx context.Context, req AttestationRequest) (*BindingProof, error) {
	body := newAttestationBody(req)
	body.Pepper = req.Pepper.String()

	var resp proveResponse
	if err := a.post(ctx, a.proverURL+"/v0/prove", body, &resp); err != nil {
		return nil, fmt.Errorf("prove: %w", err)
	}

	proof, err := hex.DecodeString(trimHex(resp.Proof))
	if err != nil || len(proof) == 0 {
		return nil, fmt.Errorf("%w: proof encoding", ErrMaterialCorrupt)
	}
	hash, err := hex.DecodeString(trimHex(resp.PublicInputsHash))
	if err != nil || len(hash) != 32 {
		return nil, fmt.Errorf("%w: public inputs hash encoding", ErrMaterialCorrupt)
	}

	p := &BindingProof{Proof: proof, ExpHorizonSecs: resp.ExpHorizonSecs}
	copy(p.PublicInputsHash[:], hash)
	return p, nil
}

func (a *HTTPAttestor) post(ctx context.Context, url string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrNetwork, resp.StatusCode)
	case resp.StatusCode == http.StatusBadRequest, resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrInvalidToken, strings.TrimSpace(string(body)))
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMaterialCorrupt, err)
	}
	return nil
}
