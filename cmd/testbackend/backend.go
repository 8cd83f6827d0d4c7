package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/siddimore/aether-x402/internal"
	"github.com/siddimore/aether-x402/internal/config"
	"github.com/siddimore/aether-x402/pkg/keyless"
	"github.com/siddimore/aether-x402/pkg/x402/edge"
)

// devIssuer is the issuer of login tokens minted by /attestation/dev/login.
const devIssuer = "https://login.aether.dev"

// TaskRequest is the body of an agent execution request.
type TaskRequest struct {
	AgentID    string          `json:"agentId"`
	TaskType   string          `json:"taskType"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// TaskResult is returned for an executed task.
type TaskResult struct {
	Result struct {
		Response string `json:"response"`
	} `json:"result"`
	AgentID  string `json:"agentId"`
	TaskType string `json:"taskType,omitempty"`
	Payment  struct {
		Verified    bool   `json:"verified"`
		Transaction string `json:"transaction,omitempty"`
		Amount      string `json:"amount,omitempty"`
	} `json:"payment"`
}

func newBackend(cfg *config.Backend, log logrus.FieldLogger) http.Handler {
	r := mux.NewRouter()
	r.Use(internal.WithCorrelationID)

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "server": "test-backend"})
	}).Methods(http.MethodGet)

	r.HandleFunc("/api/agent/execute", executeHandler(log)).Methods(http.MethodPost)

	if cfg.AttestorSecret != "" {
		attestor := keyless.NewDevAttestor([]byte(cfg.AttestorSecret))
		r.HandleFunc("/attestation/dev/login", devLoginHandler([]byte(cfg.AttestorSecret))).Methods(http.MethodPost)
		r.PathPrefix("/attestation/").Handler(http.StripPrefix("/attestation", attestor.Handler()))
	}
	return r
}

func executeHandler(log logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var task TaskRequest
		if err := json.NewDecoder(r.Body).Decode(&task); err != nil || task.AgentID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request", "message": "agentId is required"})
			return
		}

		var out TaskResult
		out.AgentID = task.AgentID
		out.TaskType = task.TaskType
		out.Result.Response = respond(task)
		out.Payment.Verified = r.Header.Get(edge.HeaderVerified) == "true"
		out.Payment.Transaction = r.Header.Get(edge.HeaderTransaction)
		out.Payment.Amount = r.Header.Get(edge.HeaderAmount)

		log.WithFields(logrus.Fields{
			"agent_id":       task.AgentID,
			"task_type":      task.TaskType,
			"paid":           out.Payment.Verified,
			"correlation_id": internal.CorrelationID(r.Context()),
		}).Info("task executed")
		writeJSON(w, http.StatusOK, out)
	}
}

// respond produces a deterministic answer so callers can assert on it.
func respond(task TaskRequest) string {
	var params map[string]any
	_ = json.Unmarshal(task.Parameters, &params)

	switch task.TaskType {
	case "summarize":
		text, _ := params["text"].(string)
		words := strings.Fields(text)
		if len(words) > 12 {
			words = append(words[:12], "...")
		}
		return fmt.Sprintf("Summary (%d words): %s", len(strings.Fields(text)), strings.Join(words, " "))
	case "translate":
		text, _ := params["text"].(string)
		lang, _ := params["target"].(string)
		return fmt.Sprintf("[%s] %s", lang, text)
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return fmt.Sprintf("%s handled %q with parameters [%s]", task.AgentID, task.TaskType, strings.Join(keys, ", "))
}

type devLoginRequest struct {
	Subject  string `json:"subject"`
	Audience string `json:"audience"`
	Nonce    string `json:"nonce"`
}

// devLoginHandler mints a short-lived login token committing to a nonce,
// standing in for a federated identity provider.
func devLoginHandler(secret []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req devLoginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Subject == "" || req.Nonce == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request", "message": "subject and nonce are required"})
			return
		}
		if req.Audience == "" {
			req.Audience = "aether-agent"
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"iss":   devIssuer,
			"sub":   req.Subject,
			"aud":   req.Audience,
			"nonce": req.Nonce,
			"iat":   time.Now().Unix(),
			"exp":   time.Now().Add(time.Hour).Unix(),
		}).SignedString(secret)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal", "message": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"token": token})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
