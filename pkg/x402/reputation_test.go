package x402

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const otherProvider = "0x00000000000000000000000000000000000000000000000000000000000000c3"

func TestReputationBook_Report(t *testing.T) {
	ctx := context.Background()
	book := NewReputationBook(0)

	require.NoError(t, book.RecordSuccess(ctx, testRecipient, 2_000_000))
	require.NoError(t, book.RecordSuccess(ctx, testRecipient, 1_000_000))
	require.NoError(t, book.RecordFailure(ctx, testRecipient))
	require.NoError(t, book.RecordSuccess(ctx, otherProvider, 500))

	report := book.Report(ReputationFilter{})
	assert.Equal(t, int64(4), report.TotalTasks)
	assert.Equal(t, Amount(3_000_500), report.TotalVolume)
	assert.InDelta(t, 0.25, report.FailureRate, 1e-9)
	require.Len(t, report.Providers, 2)
	assert.Equal(t, testRecipient, report.Providers[0].Provider)
	assert.InDelta(t, 2.0/3.0, report.Providers[0].Score, 1e-9)

	stats, ok := book.Stats("0xc3")
	require.True(t, ok)
	assert.Equal(t, 1.0, stats.Score)

	_, ok = book.Stats("0xdd")
	assert.False(t, ok)
}

func TestReputationBook_Bounded(t *testing.T) {
	book := NewReputationBook(2)
	for i := 0; i < 5; i++ {
		_ = book.RecordSuccess(context.Background(), testRecipient, 1)
	}
	assert.Equal(t, int64(2), book.Report(ReputationFilter{}).TotalTasks)
}

func TestReputationBook_Since(t *testing.T) {
	clock := newTestClock()
	book := NewReputationBook(0)
	book.Now = clock.Now

	_ = book.RecordSuccess(context.Background(), testRecipient, 1)
	clock.Advance(time.Hour)
	cutoff := clock.Now()
	_ = book.RecordFailure(context.Background(), testRecipient)

	report := book.Report(ReputationFilter{Since: &cutoff})
	assert.Equal(t, int64(1), report.TotalTasks)
	assert.Equal(t, 1.0, report.FailureRate)
}

func TestMultiHooks(t *testing.T) {
	a, b := NewReputationBook(0), NewReputationBook(0)
	hooks := MultiHooks{a, failingHooks{}, b}

	err := hooks.RecordSuccess(context.Background(), testRecipient, 10)
	assert.Error(t, err)

	// Every hook runs even after one fails.
	_, ok := a.Stats(testRecipient)
	assert.True(t, ok)
	_, ok = b.Stats(testRecipient)
	assert.True(t, ok)
}

type failingHooks struct{}

func (failingHooks) RecordSuccess(context.Context, string, Amount) error { return errors.New("down") }
func (failingHooks) RecordFailure(context.Context, string) error         { return errors.New("down") }

func TestReputationHandler(t *testing.T) {
	book := NewReputationBook(0)
	_ = book.RecordSuccess(context.Background(), testRecipient, 7)
	h := ReputationHandler(book)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/reputation?provider=0xa1", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var report ReputationReport
	require.NoError(t, json.NewDecoder(w.Body).Decode(&report))
	assert.Equal(t, Amount(7), report.TotalVolume)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/reputation?since=yesterday", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("POST", "/reputation", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
