package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siddimore/aether-x402/internal/config"
	"github.com/siddimore/aether-x402/internal/logging"
	"github.com/siddimore/aether-x402/pkg/keyless"
	"github.com/siddimore/aether-x402/pkg/ledger"
	"github.com/siddimore/aether-x402/pkg/store"
	"github.com/siddimore/aether-x402/pkg/x402"
)

const payee = "0x00000000000000000000000000000000000000000000000000000000000000a1"

type harness struct {
	env   *environment
	chain *ledger.Memory
}

func loginToken(t *testing.T, subject, nonce string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss":   "https://login.aether.dev",
		"sub":   subject,
		"aud":   "aether-agent",
		"nonce": nonce,
		"exp":   time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("idp"))
	require.NoError(t, err)
	return token
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	chain := ledger.NewMemory(4)
	chain.Verify = keyless.VerifyTransaction

	dir := t.TempDir()
	fs, err := store.NewFileStore(store.FileConfig{Dir: dir})
	require.NoError(t, err)
	svc, err := keyless.NewService(keyless.ServiceConfig{
		Attestor: keyless.NewDevAttestor([]byte("pepper-secret")),
		Store:    fs,
	})
	require.NoError(t, err)

	idp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/dev/login" {
			http.NotFound(w, r)
			return
		}
		var req struct{ Subject, Nonce string }
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_ = json.NewEncoder(w).Encode(map[string]string{"token": loginToken(t, req.Subject, req.Nonce)})
	}))
	t.Cleanup(idp.Close)

	facilitator, err := x402.NewFacilitator(x402.FacilitatorConfig{
		Ledger:    chain,
		Store:     x402.NewMemoryInvoiceStore(),
		Recipient: payee,
	})
	require.NoError(t, err)
	agent := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var task struct {
			AgentID    string         `json:"agentId"`
			Parameters map[string]any `json:"parameters"`
		}
		_ = json.NewDecoder(r.Body).Decode(&task)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"result": map[string]string{"response": task.AgentID + " says " + task.Parameters["text"].(string)},
		})
	})
	gateway := httptest.NewServer(x402.Middleware(agent, x402.Config{
		Settler: facilitator,
		Pricer:  x402.FlatPrice(2_000_000, "summarize"),
	}))
	t.Cleanup(gateway.Close)

	env := &environment{
		cfg: &config.Agent{
			StateDir:       dir,
			GatewayURL:     gateway.URL,
			AttestationURL: idp.URL,
			MaxRequests:    5,
			Duration:       time.Hour,
			Allowance:      10_000_000,
			CallTimeout:    10 * time.Second,
			KeyLifetime:    2 * time.Hour,
		},
		log:      logging.Discard(),
		files:    fs,
		sessions: fs,
		identity: svc,
		ledger:   chain,
	}
	return &harness{env: env, chain: chain}
}

func (h *harness) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	cmd := newRootCmd(h.env)
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return buf.String(), err
}

// field returns the value printed after label on its own line.
func field(t *testing.T, out, label string) string {
	t.Helper()
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, label) {
			return strings.TrimSpace(strings.TrimPrefix(line, label))
		}
	}
	t.Fatalf("%q not found in output:\n%s", label, out)
	return ""
}

func (h *harness) login(t *testing.T, subject string) string {
	t.Helper()
	out, err := h.run(t, "login", "dev", "--subject", subject)
	require.NoError(t, err, out)
	addr := field(t, out, "Address:")
	h.chain.Fund(addr, 20_000_000)
	return addr
}

func TestWhoami_NotLoggedIn(t *testing.T) {
	h := newHarness(t)

	out, err := h.run(t, "whoami")
	require.NoError(t, err)
	assert.Contains(t, out, "Not logged in.")

	_, err = h.run(t, "session", "create")
	assert.ErrorIs(t, err, ErrNotLoggedIn)
}

func TestLogin_BeginComplete(t *testing.T) {
	h := newHarness(t)

	out, err := h.run(t, "login", "begin")
	require.NoError(t, err)
	nonce := field(t, out, "Nonce:")

	out, err = h.run(t, "login", "complete", loginToken(t, "bob", nonce))
	require.NoError(t, err, out)
	addr := field(t, out, "Address:")
	assert.True(t, strings.HasPrefix(addr, "0x"))

	// The pending key is single use.
	_, err = h.run(t, "login", "complete", loginToken(t, "bob", nonce))
	assert.Error(t, err)

	out, err = h.run(t, "whoami")
	require.NoError(t, err)
	assert.Contains(t, out, addr)
}

func TestLogin_CompleteWithoutPendingKey(t *testing.T) {
	h := newHarness(t)

	_, err := h.run(t, "login", "complete", loginToken(t, "bob", "deadbeef"))
	assert.Error(t, err)
}

func TestSessionAndPaidCall(t *testing.T) {
	h := newHarness(t)
	h.login(t, "alice")

	out, err := h.run(t, "session", "create", "--requests", "3", "--allowance", "5000000")
	require.NoError(t, err, out)
	id := field(t, out, "Session:")
	assert.Equal(t, "active", field(t, out, "State:"))

	out, err = h.run(t, "call", "summarizer", "--session", id, "--task", "summarize", "--param", "text=hello")
	require.NoError(t, err, out)
	assert.Contains(t, out, "summarizer says hello")
	assert.Contains(t, out, "Paid 2000000 Octas")
	assert.Equal(t, uint64(2_000_000), h.chain.Balance(payee))

	out, err = h.run(t, "session", "status", id, "--history")
	require.NoError(t, err, out)
	assert.Equal(t, "2 of 3 remaining", field(t, out, "Requests:"))
	assert.Equal(t, "3000000 of 5000000 remaining", field(t, out, "Allowance:"))
	assert.Contains(t, out, "success")

	out, err = h.run(t, "session", "list")
	require.NoError(t, err)
	assert.Contains(t, out, id)
}

func TestCall_MaxCostRefusesInvoice(t *testing.T) {
	h := newHarness(t)
	h.login(t, "alice")

	out, err := h.run(t, "session", "create")
	require.NoError(t, err, out)
	id := field(t, out, "Session:")

	_, err = h.run(t, "call", "summarizer", "--session", id, "--param", "text=hi", "--max-cost", "1000")
	require.Error(t, err)
	assert.ErrorIs(t, err, x402.ErrPriceExceeded)
	assert.Equal(t, 0, h.chain.Submissions())
}

func TestSessionRevoke(t *testing.T) {
	h := newHarness(t)
	h.login(t, "alice")

	out, err := h.run(t, "session", "create")
	require.NoError(t, err, out)
	id := field(t, out, "Session:")

	out, err = h.run(t, "session", "revoke", id)
	require.NoError(t, err)
	assert.Contains(t, out, "revoked")

	_, err = h.run(t, "call", "summarizer", "--session", id, "--param", "text=hi")
	assert.Error(t, err)
	assert.Equal(t, 0, h.chain.Submissions())
}

func TestLogout(t *testing.T) {
	h := newHarness(t)
	addr := h.login(t, "alice")

	out, err := h.run(t, "session", "create")
	require.NoError(t, err, out)
	id := field(t, out, "Session:")

	out, err = h.run(t, "logout")
	require.NoError(t, err)
	assert.Contains(t, out, addr)

	out, err = h.run(t, "whoami")
	require.NoError(t, err)
	assert.Contains(t, out, "Not logged in.")

	_, err = h.env.sessions.LoadSession(context.Background(), id)
	assert.Error(t, err)
}

func TestIdentityFlagPicksAccount(t *testing.T) {
	h := newHarness(t)
	alice := h.login(t, "alice")
	h.login(t, "carol")

	_, err := h.run(t, "session", "create")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--identity")

	out, err := h.run(t, "session", "create", "--identity", alice)
	require.NoError(t, err, out)
	assert.Equal(t, alice, field(t, out, "Owner:"))
}

func TestMCPServerBuilds(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.env.init(context.Background()))

	srv, err := newMCPServer(context.Background(), h.env, "", 0)
	require.NoError(t, err)
	assert.Nil(t, srv.Session())

	h.login(t, "alice")
	out, err := h.run(t, "session", "create")
	require.NoError(t, err, out)
	id := field(t, out, "Session:")

	srv, err = newMCPServer(context.Background(), h.env, id, 500)
	require.NoError(t, err)
	require.NotNil(t, srv.Session())
	assert.Equal(t, id, srv.Session().ID)
}

func TestSessionManagerNeedsLedger(t *testing.T) {
	h := newHarness(t)
	h.env.ledger = nil

	_, err := h.env.sessionManager()
	assert.Error(t, err)
}

func TestParseParams(t *testing.T) {
	got, err := parseParams([]string{"text=hello world", "n=3", "flags=[\"a\"]"})
	require.NoError(t, err)
	assert.Equal(t, "hello world", got["text"])
	assert.Equal(t, float64(3), got["n"])
	assert.Equal(t, []any{"a"}, got["flags"])

	_, err = parseParams([]string{"novalue"})
	assert.Error(t, err)
}
