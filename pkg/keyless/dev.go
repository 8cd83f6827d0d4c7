package keyless

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/crypto/sha3"
)

// DevAttestor is a deterministic in-process attestation service for local
// networks and tests. Peppers are keyed hashes of the login subject and
// proofs commit to the public inputs hash. It does not check the identity
// provider's token signature.
type DevAttestor struct {
	secret     []byte
	expHorizon time.Duration

	// Now is the clock used to check token expiry.
	Now func() time.Time
}

var _ Attestor = (*DevAttestor)(nil)

// NewDevAttestor creates a dev attestor keyed by secret.
func NewDevAttestor(secret []byte) *DevAttestor {
	return &DevAttestor{
		secret:     append([]byte(nil), secret...),
		expHorizon: 10_000_000 * time.Second,
		Now:        time.Now,
	}
}

type attestationInputs struct {
	token   string
	pub     []byte
	expSecs uint64
	blinder []byte
	uidKey  string
	pepper  Pepper
}

func inputsFromRequest(req AttestationRequest) attestationInputs {
	return attestationInputs{
		token:   req.LoginToken,
		pub:     req.Key.PublicKey(),
		expSecs: uint64(req.Key.ExpiryDate().Unix()),
		blinder: req.Key.Blinder(),
		uidKey:  req.UIDKey,
		pepper:  req.Pepper,
	}
}

// FetchPepper implements Attestor.
func (d *DevAttestor) FetchPepper(ctx context.Context, req AttestationRequest) (Pepper, error) {
	return d.pepperFor(inputsFromRequest(req))
}

// Prove implements Attestor.
func (d *DevAttestor) Prove(ctx context.Context, req AttestationRequest) (*BindingProof, error) {
	return d.prove(inputsFromRequest(req))
}

func (d *DevAttestor) claims(in attestationInputs) (*Claims, error) {
	c, err := ParseLoginToken(in.token, d.Now())
	if err != nil {
		return nil, err
	}
	if in.uidKey != "" && in.uidKey != DefaultUIDKey {
		return nil, fmt.Errorf("%w: unsupported uid key %q", ErrInvalidToken, in.uidKey)
	}
	if c.Nonce != ComputeNonce(in.pub, in.expSecs, in.blinder) {
		return nil, fmt.Errorf("%w: nonce does not commit to ephemeral key", ErrInvalidToken)
	}
	return c, nil
}

func (d *DevAttestor) pepperFor(in attestationInputs) (Pepper, error) {
	c, err := d.claims(in)
	if err != nil {
		return Pepper{}, err
	}
	h := sha3.New256()
	h.Write(d.secret)
	h.Write([]byte(c.SubjectKey()))

	var p Pepper
	copy(p[:], h.Sum(nil))
	return p, nil
}

func (d *DevAttestor) prove(in attestationInputs) (*BindingProof, error) {
	c, err := d.claims(in)
	if err != nil {
		return nil, err
	}
	expected, err := d.pepperFor(in)
	if err != nil {
		return nil, err
	}
	if expected != in.pepper {
		return nil, fmt.Errorf("%w: pepper mismatch", ErrInvalidToken)
	}

	seed := DeriveAddressSeed(c.Audience, c.UIDKey, c.UIDValue, in.pepper)
	horizon := uint64(d.expHorizon / time.Second)
	hash := PublicInputsHash(c, in.pub, in.expSecs, seed, horizon)

	h := sha3.New256()
	h.Write(d.secret)
	h.Write(hash[:])
	return &BindingProof{Proof: h.Sum(nil), ExpHorizonSecs: horizon, PublicInputsHash: hash}, nil
}

// Handler serves the dev attestor over the same HTTP API HTTPAttestor calls.
func (d *DevAttestor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v0/fetch", func(w http.ResponseWriter, r *http.Request) {
		in, ok := decodeAttestationBody(w, r)
		if !ok {
			return
		}
		pepper, err := d.pepperFor(in)
		if err != nil {
			writeAttestationError(w, err)
			return
		}
		writeAttestationJSON(w, pepperResponse{Pepper: pepper.String()})
	})
	mux.HandleFunc("/v0/prove", func(w http.ResponseWriter, r *http.Request) {
		in, ok := decodeAttestationBody(w, r)
		if !ok {
			return
		}
		proof, err := d.prove(in)
		if err != nil {
			writeAttestationError(w, err)
			return
		}
		writeAttestationJSON(w, proveResponse{
			Proof:            "0x" + hex.EncodeToString(proof.Proof),
			ExpHorizonSecs:   proof.ExpHorizonSecs,
			PublicInputsHash: "0x" + hex.EncodeToString(proof.PublicInputsHash[:]),
		})
	})
	return mux
}

func decodeAttestationBody(w http.ResponseWriter, r *http.Request) (attestationInputs, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return attestationInputs{}, false
	}
	var body attestationBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return attestationInputs{}, false
	}

	token, err1 := base64.RawURLEncoding.DecodeString(body.JWT)
	pub, err2 := hex.DecodeString(trimHex(body.EPK))
	blinder, err3 := hex.DecodeString(trimHex(body.EPKBlinder))
	if err := errors.Join(err1, err2, err3); err != nil {
		http.Error(w, "invalid encoding", http.StatusBadRequest)
		return attestationInputs{}, false
	}

	in := attestationInputs{
		token:   string(token),
		pub:     pub,
		expSecs: body.ExpDateSecs,
		blinder: blinder,
		uidKey:  body.UIDKey,
	}
	if body.Pepper != "" {
		p, err := PepperFromHex(body.Pepper)
		if err != nil {
			http.Error(w, "invalid pepper", http.StatusBadRequest)
			return attestationInputs{}, false
		}
		in.pepper = p
	}
	return in, true
}

func writeAttestationError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, ErrInvalidToken) {
		status = http.StatusBadRequest
	}
	http.Error(w, err.Error(), status)
}

func writeAttestationJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
