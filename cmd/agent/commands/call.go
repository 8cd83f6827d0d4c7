package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/siddimore/aether-x402/internal/catalog"
	"github.com/siddimore/aether-x402/pkg/delegation"
	"github.com/siddimore/aether-x402/pkg/x402"
)

func callCmd(env *environment) *cobra.Command {
	var (
		sessionID string
		taskType  string
		params    []string
		maxCost   uint64
		raw       bool
	)
	cmd := &cobra.Command{
		Use:   "call <agent-id>",
		Short: "Run a paid agent task through the gateway",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			m, s, err := env.resume(ctx, sessionID)
			if err != nil {
				return err
			}

			parameters, err := parseParams(params)
			if err != nil {
				return err
			}
			body, err := json.Marshal(map[string]any{
				"agentId":    args[0],
				"taskType":   taskType,
				"parameters": parameters,
			})
			if err != nil {
				return err
			}

			limit := s.RemainingAllowance()
			if maxCost == 0 {
				maxCost = env.cfg.MaxCost
			}
			if maxCost > 0 && x402.Amount(maxCost) < limit {
				limit = x402.Amount(maxCost)
			}

			client, err := x402.NewClient(x402.ClientConfig{
				Payer:      delegation.NewPayer(m, s),
				HTTPClient: env.http,
				Logger:     env.log,
			})
			if err != nil {
				return err
			}
			res, err := client.Do(ctx, x402.Request{
				URL:      strings.TrimRight(env.cfg.GatewayURL, "/") + catalog.ExecutePath,
				Body:     body,
				MaxPrice: limit,
			})
			if err != nil {
				return describeCallError(err)
			}

			out := cmd.OutOrStdout()
			if raw {
				_, err := out.Write(append(res.Body, '\n'))
				return err
			}
			var task struct {
				Result struct {
					Response string `json:"response"`
				} `json:"result"`
			}
			if err := res.Decode(&task); err != nil || task.Result.Response == "" {
				fmt.Fprintln(out, strings.TrimSpace(string(res.Body)))
			} else {
				fmt.Fprintln(out, task.Result.Response)
			}
			if res.Settlement != nil {
				fmt.Fprintf(out, "Paid %s Octas in %s (fee %s)\n", res.Settlement.Amount, res.Settlement.TransactionHash, res.Settlement.Fee)
				fmt.Fprintf(out, "Remaining: %d requests, %s Octas\n", s.RemainingRequests, s.RemainingAllowance())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "delegation session to pay from")
	cmd.Flags().StringVar(&taskType, "task", "", "task type")
	cmd.Flags().StringArrayVar(&params, "param", nil, "task parameter key=value (repeatable)")
	cmd.Flags().Uint64Var(&maxCost, "max-cost", 0, "refuse invoices above this many Octas")
	cmd.Flags().BoolVar(&raw, "raw", false, "print the raw response body")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

// parseParams turns key=value pairs into a parameter object. Values that
// parse as JSON keep their type.
func parseParams(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --param %q, want key=value", p)
		}
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err == nil {
			out[k] = decoded
		} else {
			out[k] = v
		}
	}
	return out, nil
}

func describeCallError(err error) error {
	var signErr *delegation.SignError
	var execErr *x402.ExecutionError
	switch {
	case errors.Is(err, x402.ErrPriceExceeded):
		return fmt.Errorf("not paid: %w", err)
	case errors.As(err, &signErr) && signErr.Hash != "":
		return fmt.Errorf("payment %s was submitted but not confirmed; check it before retrying: %w", signErr.Hash, err)
	case errors.As(err, &execErr):
		return fmt.Errorf("gateway returned %d: %w", execErr.StatusCode, err)
	}
	return err
}
