package commands

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/siddimore/aether-x402/pkg/delegation"
	"github.com/siddimore/aether-x402/pkg/mcp"
	"github.com/siddimore/aether-x402/pkg/x402"
)

func mcpCmd(env *environment) *cobra.Command {
	var (
		sessionID string
		addr      string
		maxCost   uint64
	)
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the x402 payment tools over MCP (stdio by default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, err := newMCPServer(cmd.Context(), env, sessionID, maxCost)
			if err != nil {
				return err
			}
			if addr == "" {
				return srv.ListenStdio(cmd.Context())
			}
			return serveHTTP(cmd.Context(), addr, srv.Handler())
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "resume this delegation session")
	cmd.Flags().StringVar(&addr, "http", "", "serve JSON-RPC over HTTP on this address instead of stdio")
	cmd.Flags().Uint64Var(&maxCost, "max-cost", 0, "cap a single call in Octas")
	return cmd
}

func newMCPServer(ctx context.Context, env *environment, sessionID string, maxCost uint64) (*mcp.Server, error) {
	m, err := env.sessionManager()
	if err != nil {
		return nil, err
	}
	signer, err := env.signer(ctx)
	if err != nil && !errors.Is(err, ErrNotLoggedIn) {
		return nil, err
	}

	var session *delegation.Session
	if sessionID != "" {
		if signer == nil {
			return nil, ErrNotLoggedIn
		}
		if session, err = m.Resume(ctx, sessionID, signer); err != nil {
			return nil, err
		}
	}
	if maxCost == 0 {
		maxCost = env.cfg.MaxCost
	}

	return mcp.NewServer(mcp.ServerConfig{
		Manager: m,
		Signer:  signer,
		Session: session,
		DefaultLimits: delegation.Limits{
			MaxRequests: env.cfg.MaxRequests,
			Duration:    env.cfg.Duration,
			Allowance:   x402.Amount(env.cfg.Allowance),
		},
		MaxCostPerCall: x402.Amount(maxCost),
		HTTPClient:     env.http,
		Logger:         env.log,
	})
}

func serveHTTP(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
