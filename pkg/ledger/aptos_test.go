package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestNode(t *testing.T, handler http.HandlerFunc) *AptosClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewAptosClient(AptosConfig{NodeURL: srv.URL, ChainID: 2, PollInterval: 5 * time.Millisecond})
	require.NoError(t, err)
	return client
}

func TestNewAptosClient_RequiresURL(t *testing.T) {
	_, err := NewAptosClient(AptosConfig{})
	assert.Error(t, err)
}

func TestAptosClient_SequenceNumber(t *testing.T) {
	client := newTestNode(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/accounts/0xabc":
			_, _ = w.Write([]byte(`{"sequence_number":"7","authentication_key":"0xabc"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"account not found"}`))
		}
	})

	seq, err := client.SequenceNumber(context.Background(), "0xabc")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), seq)

	seq, err = client.SequenceNumber(context.Background(), "0xnew")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), seq)
}

func TestAptosClient_SubmitAndWait(t *testing.T) {
	var polls int32
	client := newTestNode(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/transactions":
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			payload := body["payload"].(map[string]any)
			assert.Equal(t, "entry_function_payload", payload["type"])
			assert.Equal(t, TransferFunction, payload["function"])
			w.WriteHeader(http.StatusAccepted)
			_, _ = w.Write([]byte(`{"hash":"0xfeed"}`))
		case r.URL.Path == "/transactions/by_hash/0xfeed":
			if atomic.AddInt32(&polls, 1) < 3 {
				_, _ = w.Write([]byte(`{"type":"pending_transaction","hash":"0xfeed"}`))
				return
			}
			_, _ = w.Write([]byte(`{
				"type":"user_transaction","hash":"0xfeed","version":"1234","success":true,
				"vm_status":"Executed successfully","sender":"0xabc","gas_used":"12","gas_unit_price":"100",
				"timestamp":"1700000000000000",
				"payload":{"function":"0x1::aptos_account::transfer","arguments":["0xr1","2000000"]}
			}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	txn := &SignedTransaction{Raw: RawTransaction{
		Sender:    "0xabc",
		Function:  TransferFunction,
		Arguments: []string{"0xr1", "2000000"},
		ChainID:   2,
	}}
	hash, err := client.Submit(context.Background(), txn)
	require.NoError(t, err)
	assert.Equal(t, "0xfeed", hash)

	tx, err := client.WaitForTransaction(context.Background(), hash)
	require.NoError(t, err)
	assert.True(t, tx.Success)
	assert.Equal(t, uint64(1234), tx.Version)
	assert.Equal(t, []string{"0xr1", "2000000"}, tx.Arguments)
	assert.Equal(t, uint64(1200), tx.Fee())
	assert.Equal(t, int64(1700000000), tx.Timestamp.Unix())
}

func TestAptosClient_SubmitRejected(t *testing.T) {
	client := newTestNode(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"SEQUENCE_NUMBER_TOO_OLD"}`))
	})

	_, err := client.Submit(context.Background(), &SignedTransaction{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRejected))
	assert.Contains(t, err.Error(), "SEQUENCE_NUMBER_TOO_OLD")
}

func TestAptosClient_WaitTimesOut(t *testing.T) {
	client := newTestNode(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"type":"pending_transaction"}`))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := client.WaitForTransaction(ctx, "0xslow")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfirmationTimeout))
}

func TestAptosClient_WaitGivesUpOnUnknownHash(t *testing.T) {
	var polls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&polls, 1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"Transaction not found","error_code":"transaction_not_found"}`))
	}))
	t.Cleanup(srv.Close)
	client, err := NewAptosClient(AptosConfig{
		NodeURL:       srv.URL,
		PollInterval:  5 * time.Millisecond,
		NotFoundGrace: 30 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	_, err = client.WaitForTransaction(ctx, "0xfabricated")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrConfirmationTimeout))
	assert.Less(t, time.Since(start), time.Second)
	assert.Greater(t, atomic.LoadInt32(&polls), int32(1))
}

func TestAptosClient_WaitToleratesLateIndexing(t *testing.T) {
	var polls int32
	client := newTestNode(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&polls, 1) < 3 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"type":"user_transaction","hash":"0xlate","success":true,"vm_status":"Executed successfully"}`))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tx, err := client.WaitForTransaction(ctx, "0xlate")
	require.NoError(t, err)
	assert.True(t, tx.Success)
	assert.Equal(t, "0xlate", tx.Hash)
}
