// Package mcp exposes paid agent calls as Model Context Protocol tools.
//
// Tools spend from a delegation session opened for the logged-in keyless
// account, so an assistant can pay for x402-protected agents without ever
// holding more authority than the session's request and allowance limits.
//
// Usage:
//
//	server, _ := mcp.NewServer(mcp.ServerConfig{
//	    Manager: manager,
//	    Signer:  signer,
//	})
//	server.ListenStdio(ctx) // For CLI usage
//	// or
//	http.Handle("/mcp", server.Handler())
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/siddimore/aether-x402/internal/logging"
	"github.com/siddimore/aether-x402/pkg/delegation"
	"github.com/siddimore/aether-x402/pkg/keyless"
	"github.com/siddimore/aether-x402/pkg/x402"
)

// ============================================================================
// MCP PROTOCOL TYPES
// Based on https://modelcontextprotocol.io/docs/specification
// ============================================================================

// JSONRPCRequest is a JSON-RPC 2.0 request
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse is a JSON-RPC 2.0 response
type JSONRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      interface{}   `json:"id,omitempty"`
	Result  interface{}   `json:"result,omitempty"`
	Error   *JSONRPCError `json:"error,omitempty"`
}

// JSONRPCError is a JSON-RPC 2.0 error
type JSONRPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// MCP error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Tool represents an MCP tool definition
type Tool struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema InputSchema `json:"inputSchema"`
}

// InputSchema defines the tool's input parameters
type InputSchema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties,omitempty"`
	Required   []string            `json:"required,omitempty"`
}

// Property defines a single input property
type Property struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
	Default     any      `json:"default,omitempty"`
}

// ToolResult is the result of a tool call
type ToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// ContentBlock is a piece of content in a tool result
type ContentBlock struct {
	Type string `json:"type"` // "text", "image", "resource"
	Text string `json:"text,omitempty"`
}

// ============================================================================
// X402 MCP SERVER
// ============================================================================

// ServerConfig configures the MCP server
type ServerConfig struct {
	// Manager meters the delegation session tools spend from. Required.
	Manager *delegation.Manager

	// Signer is the logged-in keyless account. Budgets cannot be created without it.
	Signer *keyless.Signer

	// Session resumes an existing delegation session. Optional.
	Session *delegation.Session

	// DefaultLimits apply to x402_budget create when arguments are omitted.
	DefaultLimits delegation.Limits

	// MaxCostPerCall caps a single call regardless of the session allowance. Zero means no cap.
	MaxCostPerCall x402.Amount

	// Currency labels amounts in tool output.
	Currency string

	HTTPClient *http.Client
	Logger     logrus.FieldLogger
}

// Server is the MCP server for x402 payments
type Server struct {
	config ServerConfig
	log    logrus.FieldLogger

	mu      sync.RWMutex
	session *delegation.Session
	cache   map[string]*discoveryCache
}

type discoveryCache struct {
	info      x402.DiscoveryInfo
	expiresAt time.Time
}

const discoveryTTL = 5 * time.Minute

// NewServer creates a new MCP server
func NewServer(config ServerConfig) (*Server, error) {
	if config.Manager == nil {
		return nil, errors.New("mcp: delegation manager required")
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: 90 * time.Second}
	}
	if config.Currency == "" {
		config.Currency = "Octas"
	}
	if config.DefaultLimits.MaxRequests == 0 {
		config.DefaultLimits.MaxRequests = 10
	}
	if config.DefaultLimits.Duration == 0 {
		config.DefaultLimits.Duration = time.Hour
	}
	if config.DefaultLimits.Allowance == 0 {
		config.DefaultLimits.Allowance = 10_000_000
	}

	return &Server{
		config:  config,
		log:     logging.OrDiscard(config.Logger),
		session: config.Session,
		cache:   make(map[string]*discoveryCache),
	}, nil
}

// Session returns the current delegation session, if any.
func (s *Server) Session() *delegation.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session
}

// view returns a consistent copy of the current session for display. The
// live session may be mutated by a concurrent x402_call.
func (s *Server) view() *delegation.Session {
	session := s.Session()
	if session == nil {
		return nil
	}
	return s.config.Manager.Snapshot(session)
}

// GetTools returns the list of available tools
func (s *Server) GetTools() []Tool {
	return []Tool{
		{
			Name:        "x402_discover",
			Description: "Discover the agents a gateway sells and their costs. Use this before calling a paid agent to understand pricing.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"url": textProp("Base URL of the gateway (e.g., https://gateway.example.com)"),
				},
				Required: []string{"url"},
			},
		},
		{
			Name:        "x402_call",
			Description: "Call a paid agent endpoint. A 402 invoice is paid once from the delegation session and the request is retried with the proof.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"url": textProp("Full URL of the agent endpoint to call"),
					"method": {
						Type:        "string",
						Description: "HTTP method",
						Enum:        []string{"GET", "POST", "PUT", "DELETE", "PATCH"},
						Default:     "POST",
					},
					"headers":  objectProp("Additional headers to send (optional)"),
					"body":     textProp("Request body, usually {\"agentId\",\"taskType\",\"parameters\"} (optional)"),
					"max_cost": numberProp("Maximum cost willing to pay for this call, in Octas"),
				},
				Required: []string{"url"},
			},
		},
		{
			Name:        "x402_budget",
			Description: "Manage the delegation session that pays for calls: create, status, resume or revoke.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"action": {
						Type:        "string",
						Description: "Action to perform",
						Enum:        []string{"create", "status", "resume", "revoke"},
					},
					"amount":           numberProp("Total allowance for create, in Octas"),
					"max_requests":     numberProp("Maximum paid requests for create"),
					"duration_minutes": numberProp("Session lifetime for create"),
					"session_id":       textProp("Session to resume"),
				},
				Required: []string{"action"},
			},
		},
		{
			Name:        "x402_estimate",
			Description: "Estimate the cost of an agent call before making it. Nothing is paid.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"url":      textProp("Gateway base URL with agent_id, or a full endpoint URL"),
					"agent_id": textProp("Agent to quote via the gateway's /ai/estimate (optional)"),
					"method": {
						Type:        "string",
						Description: "HTTP method",
						Default:     "POST",
					},
					"body": textProp("Request body to price (optional)"),
				},
				Required: []string{"url"},
			},
		},
		{
			Name:        "x402_history",
			Description: "View the session's payment log and spending.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"limit": {
						Type:        "number",
						Description: "Maximum number of transactions to return",
						Default:     10,
					},
				},
			},
		},
	}
}

func textProp(desc string) Property { return Property{Type: "string", Description: desc} }
func numberProp(desc string) Property { return Property{Type: "number", Description: desc} }
func objectProp(desc string) Property { return Property{Type: "object", Description: desc} }

// CallTool handles a tool call
func (s *Server) CallTool(ctx context.Context, name string, args map[string]interface{}) (*ToolResult, error) {
	switch name {
	case "x402_discover":
		return s.handleDiscover(ctx, args)
	case "x402_call":
		return s.handleCall(ctx, args)
	case "x402_budget":
		return s.handleBudget(ctx, args)
	case "x402_estimate":
		return s.handleEstimate(ctx, args)
	case "x402_history":
		return s.handleHistory(ctx, args)
	default:
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
}

// ============================================================================
// TOOL IMPLEMENTATIONS
// ============================================================================

func (s *Server) handleDiscover(ctx context.Context, args map[string]interface{}) (*ToolResult, error) {
	baseURL, ok := args["url"].(string)
	if !ok || baseURL == "" {
		return errorResult("url is required"), nil
	}
	baseURL = strings.TrimRight(baseURL, "/")

	s.mu.RLock()
	cached, ok := s.cache[baseURL]
	s.mu.RUnlock()
	if ok && time.Now().Before(cached.expiresAt) {
		return formatDiscovery(baseURL, &cached.info), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/ai/discover", nil)
	if err != nil {
		return errorResult(fmt.Sprintf("Failed to create request: %v", err)), nil
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.config.HTTPClient.Do(req)
	if err != nil {
		return errorResult(fmt.Sprintf("Failed to connect to gateway: %v", err)), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// No catalogue; price the base URL directly.
		return s.quote(ctx, http.MethodPost, baseURL, nil)
	}

	var info x402.DiscoveryInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return errorResult(fmt.Sprintf("Failed to parse discovery response: %v", err)), nil
	}

	s.mu.Lock()
	s.cache[baseURL] = &discoveryCache{info: info, expiresAt: time.Now().Add(discoveryTTL)}
	s.mu.Unlock()

	return formatDiscovery(baseURL, &info), nil
}

func (s *Server) handleCall(ctx context.Context, args map[string]interface{}) (*ToolResult, error) {
	target, _ := args["url"].(string)
	if target == "" {
		return errorResult("url is required"), nil
	}
	method, _ := args["method"].(string)
	if method == "" {
		method = http.MethodPost
	}
	body, _ := args["body"].(string)

	session := s.Session()
	if session == nil {
		return errorResult("No budget set. Use x402_budget to create a delegation session first."), nil
	}
	if !s.config.Manager.HasSigner(session) {
		return errorResult("Session is not linked to a signer. Use x402_budget with action resume."), nil
	}
	view := s.config.Manager.Snapshot(session)
	if !view.Usable(time.Now()) {
		return errorResult(fmt.Sprintf("Session %s is %s. Create a new budget.", view.ID, view.State)), nil
	}

	maxCost := s.maxCost(args, view)

	header := http.Header{}
	if h, ok := args["headers"].(map[string]interface{}); ok {
		for k, v := range h {
			if sv, ok := v.(string); ok {
				header.Set(k, sv)
			}
		}
	}

	client, err := x402.NewClient(x402.ClientConfig{
		Payer:      delegation.NewPayer(s.config.Manager, session),
		HTTPClient: s.config.HTTPClient,
		Logger:     s.log,
	})
	if err != nil {
		return nil, err
	}

	res, err := client.Do(ctx, x402.Request{
		Method:   method,
		URL:      target,
		Body:     []byte(body),
		Header:   header,
		MaxPrice: maxCost,
	})
	if err != nil {
		return s.callError(err, maxCost), nil
	}

	var b strings.Builder
	if res.Paid {
		b.WriteString("# Payment Processed\n\n")
		fmt.Fprintf(&b, "- **Amount**: %s %s\n", res.Invoice.Amount, s.config.Currency)
		if res.Settlement != nil {
			fmt.Fprintf(&b, "- **Transaction**: %s\n", res.Settlement.TransactionHash)
		} else {
			fmt.Fprintf(&b, "- **Transaction**: %s\n", res.Proof.TransactionHash)
		}
		view := s.config.Manager.Snapshot(session)
		fmt.Fprintf(&b, "- **Remaining Budget**: %s %s (%d requests)\n",
			view.RemainingAllowance(), s.config.Currency, view.RemainingRequests)
		b.WriteString("\n---\n\n")
	}
	fmt.Fprintf(&b, "Response (Status %d):\n\n%s", res.StatusCode, string(res.Body))
	return textResult(b.String()), nil
}

// maxCost is the smallest of max_cost, the per-call cap and the remaining allowance.
func (s *Server) maxCost(args map[string]interface{}, session *delegation.Session) x402.Amount {
	limit := session.RemainingAllowance()
	if s.config.MaxCostPerCall != 0 && s.config.MaxCostPerCall < limit {
		limit = s.config.MaxCostPerCall
	}
	if mc, ok := args["max_cost"].(float64); ok && mc > 0 && x402.Amount(mc) < limit {
		limit = x402.Amount(mc)
	}
	return limit
}

func (s *Server) callError(err error, maxCost x402.Amount) *ToolResult {
	var (
		execErr *x402.ExecutionError
		signErr *delegation.SignError
	)
	switch {
	case errors.Is(err, x402.ErrPriceExceeded):
		return errorResult(fmt.Sprintf("Cost exceeds your limit of %s %s. Nothing was paid. %v", maxCost, s.config.Currency, err))
	case errors.Is(err, x402.ErrPaymentExpired):
		return errorResult(fmt.Sprintf("Invoice expired. %v", err))
	case errors.As(err, &signErr):
		msg := fmt.Sprintf("Payment failed: %v", signErr.Err)
		if signErr.Hash != "" {
			msg += fmt.Sprintf(" (transaction %s)", signErr.Hash)
		}
		if !signErr.SessionUsable {
			msg += ". The session can no longer sign; create a new budget."
		}
		return errorResult(msg)
	case errors.As(err, &execErr):
		return errorResult(fmt.Sprintf("Request failed with status %d: %s %s\n\n%s",
			execErr.StatusCode, execErr.Code, execErr.Message, string(execErr.Body)))
	default:
		return errorResult(fmt.Sprintf("Request failed: %v", err))
	}
}

func (s *Server) handleBudget(ctx context.Context, args map[string]interface{}) (*ToolResult, error) {
	action, _ := args["action"].(string)

	switch action {
	case "create":
		if s.config.Signer == nil {
			return errorResult("Not logged in. Derive a keyless account before creating a budget."), nil
		}
		limits := s.config.DefaultLimits
		if a, ok := args["amount"].(float64); ok && a > 0 {
			limits.Allowance = x402.Amount(a)
		}
		if n, ok := args["max_requests"].(float64); ok && n > 0 {
			limits.MaxRequests = int(n)
		}
		if m, ok := args["duration_minutes"].(float64); ok && m > 0 {
			limits.Duration = time.Duration(m) * time.Minute
		}

		session, err := s.config.Manager.CreateSession(ctx, s.config.Signer, limits)
		if err != nil {
			return errorResult(fmt.Sprintf("Failed to create budget: %v", err)), nil
		}
		view := s.config.Manager.Snapshot(session)
		s.mu.Lock()
		s.session = session
		s.mu.Unlock()

		return textResult(fmt.Sprintf(
			"✅ Budget created!\n\n- **Session**: %s\n- **Allowance**: %s %s\n- **Requests**: %d\n- **Expires**: %s\n\nYou can now use `x402_call` to make paid agent requests.",
			view.ID, view.TotalAllowance, s.config.Currency, view.MaxRequests,
			view.ExpiresAt.Format(time.RFC3339),
		)), nil

	case "status":
		view := s.view()
		if view == nil {
			return textResult("No budget set. Use `x402_budget` with action `create` to set up a spending budget."), nil
		}
		return textResult(formatStatus(view, s.config.Currency)), nil

	case "resume":
		id, _ := args["session_id"].(string)
		if id == "" {
			return errorResult("session_id is required for resume"), nil
		}
		if s.config.Signer == nil {
			return errorResult("Not logged in. Derive a keyless account before resuming a budget."), nil
		}
		session, err := s.config.Manager.Resume(ctx, id, s.config.Signer)
		if err != nil {
			return errorResult(fmt.Sprintf("Failed to resume session: %v", err)), nil
		}
		view := s.config.Manager.Snapshot(session)
		s.mu.Lock()
		s.session = session
		s.mu.Unlock()
		return textResult(formatStatus(view, s.config.Currency)), nil

	case "revoke":
		session := s.Session()
		if session == nil {
			return textResult("No budget to revoke."), nil
		}
		if err := s.config.Manager.Revoke(ctx, session); err != nil {
			return errorResult(fmt.Sprintf("Failed to revoke session: %v", err)), nil
		}
		view := s.config.Manager.Snapshot(session)
		return textResult(fmt.Sprintf(
			"✅ Budget revoked!\n\n- **Total Spent**: %s %s\n- **Unspent**: %s %s\n- **Transactions**: %d",
			view.SpentAmount, s.config.Currency,
			view.RemainingAllowance(), s.config.Currency,
			len(view.TransactionLog),
		)), nil

	default:
		return errorResult("Invalid action. Use: create, status, resume, or revoke"), nil
	}
}

func (s *Server) handleEstimate(ctx context.Context, args map[string]interface{}) (*ToolResult, error) {
	target, _ := args["url"].(string)
	if target == "" {
		return errorResult("url is required"), nil
	}

	if agentID, _ := args["agent_id"].(string); agentID != "" {
		return s.estimateAgent(ctx, strings.TrimRight(target, "/"), agentID)
	}

	method, _ := args["method"].(string)
	if method == "" {
		method = http.MethodPost
	}
	body, _ := args["body"].(string)
	return s.quote(ctx, method, target, []byte(body))
}

func (s *Server) estimateAgent(ctx context.Context, baseURL, agentID string) (*ToolResult, error) {
	u := baseURL + "/ai/estimate?agentId=" + url.QueryEscape(agentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return errorResult(fmt.Sprintf("Invalid URL: %v", err)), nil
	}
	resp, err := s.config.HTTPClient.Do(req)
	if err != nil {
		return errorResult(fmt.Sprintf("Failed to connect: %v", err)), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e x402.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return errorResult(fmt.Sprintf("Estimate failed (status %d): %s", resp.StatusCode, e.Message)), nil
	}

	var est x402.CostEstimate
	if err := json.NewDecoder(resp.Body).Decode(&est); err != nil {
		return errorResult("Failed to parse estimate response"), nil
	}
	return textResult(fmt.Sprintf(
		"# Cost Estimate\n\n- **Agent**: %s\n- **Cost**: %s %s\n- **Valid Until**: %s",
		est.AgentID, est.EstimatedCost, est.Currency, est.ValidUntil.Format(time.RFC3339),
	)), nil
}

// quote sends an unpaid request and reports the invoice it is answered with.
func (s *Server) quote(ctx context.Context, method, target string, body []byte) (*ToolResult, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, strings.NewReader(string(body)))
	if err != nil {
		return errorResult(fmt.Sprintf("Invalid URL: %v", err)), nil
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.config.HTTPClient.Do(req)
	if err != nil {
		return errorResult(fmt.Sprintf("Failed to connect: %v", err)), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPaymentRequired {
		return textResult(fmt.Sprintf("This endpoint does not require payment (status: %d)", resp.StatusCode)), nil
	}

	var inv x402.PaymentRequirement
	if h := resp.Header.Get(x402.HeaderPaymentRequired); h != "" {
		err = x402.DecodeHeader(h, &inv)
	} else {
		err = json.NewDecoder(resp.Body).Decode(&inv)
	}
	if err != nil || inv.Amount == 0 {
		return errorResult("Endpoint returned 402 without a readable invoice"), nil
	}

	return textResult(fmt.Sprintf(
		"# Cost Estimate\n\n- **URL**: %s\n- **Cost**: %s %s\n- **Network**: %s\n- **Pay To**: %s\n- **Description**: %s\n\nUse `x402_call` to make the paid request.",
		target, inv.Amount, s.config.Currency, inv.Network, inv.Recipient, inv.Description,
	)), nil
}

func (s *Server) handleHistory(ctx context.Context, args map[string]interface{}) (*ToolResult, error) {
	limit := 10
	if l, ok := args["limit"].(float64); ok && l > 0 {
		limit = int(l)
	}

	view := s.view()
	if view == nil || len(view.TransactionLog) == 0 {
		return textResult("No transaction history."), nil
	}
	log := view.TransactionLog

	result := "# Transaction History\n\n"
	result += "| Time | Recipient | Amount | Status | Transaction |\n"
	result += "|------|-----------|--------|--------|-------------|\n"

	start := len(log) - limit
	if start < 0 {
		start = 0
	}

	for i := len(log) - 1; i >= start; i-- {
		tx := log[i]
		status := "✅"
		if tx.Status != delegation.LogSuccess {
			status = "❌"
		}
		result += fmt.Sprintf("| %s | %s | %s %s | %s | %s |\n",
			tx.Timestamp.Format("15:04:05"),
			truncate(tx.Recipient, 18),
			tx.Amount,
			s.config.Currency,
			status,
			truncate(tx.Hash, 18),
		)
	}

	result += fmt.Sprintf("\n**Total Spent**: %s %s", view.SpentAmount, s.config.Currency)

	return textResult(result), nil
}

// ============================================================================
// TRANSPORT: STDIO (for CLI usage)
// ============================================================================

// ListenStdio starts the server on stdin/stdout (standard MCP transport)
func (s *Server) ListenStdio(ctx context.Context) error {
	return s.Serve(ctx, os.Stdin, os.Stdout)
}

// Serve reads newline-delimited JSON-RPC requests from r until EOF.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	reader := bufio.NewReader(r)
	encoder := json.NewEncoder(w)

	for {
		line, err := reader.ReadBytes('\n')
		if len(strings.TrimSpace(string(line))) > 0 {
			var req JSONRPCRequest
			if jerr := json.Unmarshal(line, &req); jerr != nil {
				s.sendError(encoder, nil, ParseError, "Parse error")
			} else {
				s.handleRequest(ctx, encoder, &req)
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// ============================================================================
// TRANSPORT: HTTP (for web usage)
// ============================================================================

// Handler serves JSON-RPC requests POSTed to it.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		var req JSONRPCRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.sendError(json.NewEncoder(w), nil, ParseError, "Parse error")
			return
		}
		s.handleRequest(r.Context(), json.NewEncoder(w), &req)
	})
}

// ============================================================================
// REQUEST HANDLING
// ============================================================================

func (s *Server) handleRequest(ctx context.Context, encoder *json.Encoder, req *JSONRPCRequest) {
	switch req.Method {
	case "initialize":
		s.handleInitialize(encoder, req)
	case "tools/list":
		s.sendResult(encoder, req.ID, map[string]interface{}{"tools": s.GetTools()})
	case "tools/call":
		s.handleToolsCall(ctx, encoder, req)
	default:
		s.sendError(encoder, req.ID, MethodNotFound, "Method not found")
	}
}

func (s *Server) handleInitialize(encoder *json.Encoder, req *JSONRPCRequest) {
	result := map[string]interface{}{
		"protocolVersion": "2024-11-05",
		"serverInfo": map[string]string{
			"name":    "aether-x402-mcp",
			"version": "1.0.0",
		},
		"capabilities": map[string]interface{}{
			"tools": map[string]bool{},
		},
	}
	s.sendResult(encoder, req.ID, result)
}

func (s *Server) handleToolsCall(ctx context.Context, encoder *json.Encoder, req *JSONRPCRequest) {
	var params struct {
		Name      string                 `json:"name"`
		Arguments map[string]interface{} `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.sendError(encoder, req.ID, InvalidParams, "Invalid params")
		return
	}

	s.log.WithField("tool", params.Name).Debug("tool call")
	result, err := s.CallTool(ctx, params.Name, params.Arguments)
	if err != nil {
		s.sendError(encoder, req.ID, InternalError, err.Error())
		return
	}

	s.sendResult(encoder, req.ID, result)
}

func (s *Server) sendResult(encoder *json.Encoder, id interface{}, result interface{}) {
	_ = encoder.Encode(JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	})
}

func (s *Server) sendError(encoder *json.Encoder, id interface{}, code int, message string) {
	_ = encoder.Encode(JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &JSONRPCError{Code: code, Message: message},
	})
}

// ============================================================================
// HELPERS
// ============================================================================

func formatDiscovery(baseURL string, info *x402.DiscoveryInfo) *ToolResult {
	result := fmt.Sprintf("# Gateway Discovery: %s\n\n", baseURL)
	if info.Network != "" {
		result += fmt.Sprintf("Settles on **%s** with scheme **%s**.\n\n", info.Network, info.Scheme)
	}
	result += "## Available Agents:\n\n"
	result += "| Agent | Endpoint | Method | Cost | Description |\n"
	result += "|-------|----------|--------|------|-------------|\n"

	for _, ep := range info.Endpoints {
		result += fmt.Sprintf("| %s | %s | %s | %s %s | %s |\n",
			ep.AgentID, ep.Path, ep.Method, ep.Cost, info.Currency, ep.Description)
	}

	return textResult(result)
}

// formatStatus renders a session snapshot.
func formatStatus(session *delegation.Session, currency string) string {
	return fmt.Sprintf(
		"# Budget Status\n\n- **Session**: %s\n- **State**: %s\n- **Allowance**: %s %s\n- **Spent**: %s %s\n- **Remaining**: %s %s\n- **Requests Left**: %d of %d\n- **Expires**: %s",
		session.ID, session.State,
		session.TotalAllowance, currency,
		session.SpentAmount, currency,
		session.RemainingAllowance(), currency,
		session.RemainingRequests, session.MaxRequests,
		session.ExpiresAt.Format(time.RFC3339),
	)
}

func textResult(text string) *ToolResult {
	return &ToolResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
	}
}

func errorResult(message string) *ToolResult {
	return &ToolResult{
		Content: []ContentBlock{{Type: "text", Text: "❌ Error: " + message}},
		IsError: true,
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
