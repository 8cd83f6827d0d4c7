package x402

import (
	"net/http"
	"time"
)

// Offering is one payable task a gateway sells.
type Offering struct {
	AgentID     string   `json:"agentId"`
	Path        string   `json:"path"`
	Method      string   `json:"method"`
	Description string   `json:"description"`
	TaskTypes   []string `json:"taskTypes,omitempty"`
	Cost        Amount   `json:"cost"`
	Recipient   string   `json:"recipient,omitempty"`
}

// DiscoveryInfo tells agents what a gateway sells and how to pay for it.
type DiscoveryInfo struct {
	Service   string      `json:"service"`
	Version   string      `json:"version"`
	Scheme    SchemeType  `json:"scheme"`
	Network   NetworkType `json:"network"`
	Recipient string      `json:"recipient"`
	Currency  string      `json:"currency"`
	Endpoints []Offering  `json:"endpoints"`
}

// DiscoveryHandler serves info as JSON.
func DiscoveryHandler(info DiscoveryInfo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, info)
	}
}

// CostEstimate is an upfront price quote. Invoices are issued at the price
// in effect when the task is requested.
type CostEstimate struct {
	AgentID       string    `json:"agentId"`
	EstimatedCost Amount    `json:"estimatedCost"`
	Currency      string    `json:"currency"`
	ValidUntil    time.Time `json:"validUntil"`
}

// CostEstimateHandler quotes the price for ?agentId=.
func CostEstimateHandler(lookup func(agentID string) (Amount, bool), currency string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agentID := r.URL.Query().Get("agentId")
		if agentID == "" {
			writeError(w, http.StatusBadRequest, "invalid_request", "agentId is required")
			return
		}
		cost, ok := lookup(agentID)
		if !ok {
			writeError(w, http.StatusNotFound, "not_found", "unknown agent "+agentID)
			return
		}
		writeJSON(w, http.StatusOK, CostEstimate{
			AgentID:       agentID,
			EstimatedCost: cost,
			Currency:      currency,
			ValidUntil:    time.Now().UTC().Add(DefaultInvoiceTTL),
		})
	}
}
