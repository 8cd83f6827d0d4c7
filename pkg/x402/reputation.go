package x402

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// ReputationEvent is one settled task outcome.
type ReputationEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Provider  string    `json:"provider"`
	Volume    Amount    `json:"volume"`
	Success   bool      `json:"success"`
}

// ProviderStats aggregates outcomes for one provider.
type ProviderStats struct {
	Provider  string    `json:"provider"`
	Successes int64     `json:"successes"`
	Failures  int64     `json:"failures"`
	Volume    Amount    `json:"volume"`
	Score     float64   `json:"score"`
	LastSeen  time.Time `json:"lastSeen"`
}

// ReputationFilter narrows a report.
type ReputationFilter struct {
	Provider string
	Since    *time.Time
}

// ReputationReport summarizes recorded outcomes.
type ReputationReport struct {
	TotalTasks  int64           `json:"totalTasks"`
	TotalVolume Amount          `json:"totalVolume"`
	FailureRate float64         `json:"failureRate"`
	Providers   []ProviderStats `json:"providers"`
}

// ReputationBook is an in-memory SettlementHooks that keeps a bounded event
// log and derives a per-provider trust score from it.
type ReputationBook struct {
	mu      sync.RWMutex
	events  []ReputationEvent
	maxSize int

	// Now is the book clock; defaults to time.Now.
	Now func() time.Time
}

var _ SettlementHooks = (*ReputationBook)(nil)

// NewReputationBook keeps at most maxSize events; zero means 100k.
func NewReputationBook(maxSize int) *ReputationBook {
	if maxSize <= 0 {
		maxSize = 100000
	}
	return &ReputationBook{
		events:  make([]ReputationEvent, 0, 64),
		maxSize: maxSize,
		Now:     time.Now,
	}
}

// RecordSuccess implements SettlementHooks.
func (b *ReputationBook) RecordSuccess(ctx context.Context, provider string, volume Amount) error {
	b.record(ReputationEvent{Provider: provider, Volume: volume, Success: true})
	return nil
}

// RecordFailure implements SettlementHooks.
func (b *ReputationBook) RecordFailure(ctx context.Context, provider string) error {
	b.record(ReputationEvent{Provider: provider})
	return nil
}

func (b *ReputationBook) record(ev ReputationEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ev.Timestamp = b.Now().UTC()
	if len(b.events) >= b.maxSize {
		b.events = b.events[1:]
	}
	b.events = append(b.events, ev)
}

// Report aggregates recorded events, providers ordered by volume.
func (b *ReputationBook) Report(filter ReputationFilter) *ReputationReport {
	b.mu.RLock()
	defer b.mu.RUnlock()

	report := &ReputationReport{}
	stats := make(map[string]*ProviderStats)
	var failures int64

	for _, ev := range b.events {
		if filter.Provider != "" && !SameAddress(ev.Provider, filter.Provider) {
			continue
		}
		if filter.Since != nil && ev.Timestamp.Before(*filter.Since) {
			continue
		}

		report.TotalTasks++
		ps, ok := stats[ev.Provider]
		if !ok {
			ps = &ProviderStats{Provider: ev.Provider}
			stats[ev.Provider] = ps
		}
		if ev.Success {
			ps.Successes++
			ps.Volume += ev.Volume
			report.TotalVolume += ev.Volume
		} else {
			ps.Failures++
			failures++
		}
		ps.LastSeen = ev.Timestamp
	}

	if report.TotalTasks > 0 {
		report.FailureRate = float64(failures) / float64(report.TotalTasks)
	}
	for _, ps := range stats {
		ps.Score = float64(ps.Successes) / float64(ps.Successes+ps.Failures)
		report.Providers = append(report.Providers, *ps)
	}
	sort.Slice(report.Providers, func(i, j int) bool {
		if report.Providers[i].Volume != report.Providers[j].Volume {
			return report.Providers[i].Volume > report.Providers[j].Volume
		}
		return report.Providers[i].Provider < report.Providers[j].Provider
	})
	return report
}

// Stats returns the aggregate for one provider.
func (b *ReputationBook) Stats(provider string) (ProviderStats, bool) {
	report := b.Report(ReputationFilter{Provider: provider})
	if len(report.Providers) == 0 {
		return ProviderStats{}, false
	}
	return report.Providers[0], true
}

// ReputationHandler serves a JSON report. Query params: provider, since (RFC3339).
func ReputationHandler(book *ReputationBook) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		filter := ReputationFilter{Provider: r.URL.Query().Get("provider")}
		if since := r.URL.Query().Get("since"); since != "" {
			t, err := time.Parse(time.RFC3339, since)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_request", "since must be RFC3339")
				return
			}
			filter.Since = &t
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(book.Report(filter))
	}
}
