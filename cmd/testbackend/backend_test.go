package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siddimore/aether-x402/internal/config"
	"github.com/siddimore/aether-x402/internal/logging"
	"github.com/siddimore/aether-x402/pkg/keyless"
	"github.com/siddimore/aether-x402/pkg/store"
	"github.com/siddimore/aether-x402/pkg/x402/edge"
)

func newTestBackend(t *testing.T, secret string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(newBackend(&config.Backend{AttestorSecret: secret}, logging.Discard()))
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body string, header map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestBackend_Health(t *testing.T) {
	srv := newTestBackend(t, "")

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBackend_Execute(t *testing.T) {
	srv := newTestBackend(t, "")

	resp := postJSON(t, srv.URL+"/api/agent/execute",
		`{"agentId":"summarizer","taskType":"summarize","parameters":{"text":"the quick brown fox"}}`,
		map[string]string{edge.HeaderVerified: "true", edge.HeaderTransaction: "0xfeed", edge.HeaderAmount: "2000000"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out TaskResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "Summary (4 words): the quick brown fox", out.Result.Response)
	assert.True(t, out.Payment.Verified)
	assert.Equal(t, "0xfeed", out.Payment.Transaction)
	assert.Equal(t, "2000000", out.Payment.Amount)
}

func TestBackend_ExecuteRequiresAgent(t *testing.T) {
	srv := newTestBackend(t, "")

	resp := postJSON(t, srv.URL+"/api/agent/execute", `{"taskType":"summarize"}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRespond(t *testing.T) {
	long := strings.Repeat("word ", 20)
	got := respond(TaskRequest{TaskType: "summarize", Parameters: json.RawMessage(`{"text":"` + long + `"}`)})
	assert.True(t, strings.HasPrefix(got, "Summary (20 words):"))
	assert.True(t, strings.HasSuffix(got, "..."))

	got = respond(TaskRequest{TaskType: "translate", Parameters: json.RawMessage(`{"text":"hello","target":"fr"}`)})
	assert.Equal(t, "[fr] hello", got)

	got = respond(TaskRequest{AgentID: "echo", TaskType: "ping", Parameters: json.RawMessage(`{"b":1,"a":2}`)})
	assert.Equal(t, `echo handled "ping" with parameters [a, b]`, got)
}

func TestBackend_AttestationDisabledWithoutSecret(t *testing.T) {
	srv := newTestBackend(t, "")

	resp := postJSON(t, srv.URL+"/attestation/dev/login", `{"subject":"alice","nonce":"n"}`, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBackend_DevLoginAndDerive(t *testing.T) {
	srv := newTestBackend(t, "dev-secret")

	key, err := keyless.GenerateEphemeralKeyPair(time.Now().Add(time.Hour))
	require.NoError(t, err)

	body, _ := json.Marshal(devLoginRequest{Subject: "alice", Nonce: key.Nonce()})
	resp, err := http.Post(srv.URL+"/attestation/dev/login", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var login struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&login))

	claims, err := keyless.ParseLoginToken(login.Token, time.Now())
	require.NoError(t, err)
	assert.Equal(t, devIssuer, claims.Issuer)
	assert.Equal(t, "aether-agent", claims.Audience)

	fs, err := store.NewFileStore(store.FileConfig{Dir: t.TempDir(), Passphrase: "pw"})
	require.NoError(t, err)
	svc, err := keyless.NewService(keyless.ServiceConfig{
		Attestor: keyless.NewHTTPAttestor(keyless.AttestationConfig{PepperURL: srv.URL + "/attestation"}),
		Store:    fs,
	})
	require.NoError(t, err)

	signer, err := svc.Derive(context.Background(), login.Token, key)
	require.NoError(t, err)
	assert.NotEmpty(t, signer.Address())
}

func TestBackend_DevLoginValidation(t *testing.T) {
	srv := newTestBackend(t, "dev-secret")

	resp := postJSON(t, srv.URL+"/attestation/dev/login", `{"subject":"alice"}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
