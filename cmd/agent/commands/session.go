package commands

import (
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/siddimore/aether-x402/pkg/delegation"
	"github.com/siddimore/aether-x402/pkg/x402"
)

func sessionCmd(env *environment) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage delegation sessions",
	}
	cmd.AddCommand(sessionCreateCmd(env), sessionStatusCmd(env), sessionListCmd(env), sessionRevokeCmd(env))
	return cmd
}

func sessionCreateCmd(env *environment) *cobra.Command {
	var (
		requests  int
		duration  time.Duration
		allowance uint64
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Pre-authorize a bounded number of payments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			signer, err := env.signer(ctx)
			if err != nil {
				return err
			}
			m, err := env.sessionManager()
			if err != nil {
				return err
			}

			limits := delegation.Limits{MaxRequests: env.cfg.MaxRequests, Duration: env.cfg.Duration, Allowance: x402.Amount(env.cfg.Allowance)}
			if cmd.Flags().Changed("requests") {
				limits.MaxRequests = requests
			}
			if cmd.Flags().Changed("duration") {
				limits.Duration = duration
			}
			if cmd.Flags().Changed("allowance") {
				limits.Allowance = x402.Amount(allowance)
			}

			s, err := m.CreateSession(ctx, signer, limits)
			if err != nil {
				return err
			}
			printSession(cmd.OutOrStdout(), s)
			return nil
		},
	}
	cmd.Flags().IntVar(&requests, "requests", 0, "maximum number of payments")
	cmd.Flags().DurationVar(&duration, "duration", 0, "session lifetime")
	cmd.Flags().Uint64Var(&allowance, "allowance", 0, "total spend allowance in Octas")
	return cmd
}

func sessionStatusCmd(env *environment) *cobra.Command {
	var history bool
	cmd := &cobra.Command{
		Use:   "status <session-id>",
		Short: "Show a session's remaining budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, s, err := env.resume(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printSession(out, s)
			if history && len(s.TransactionLog) > 0 {
				fmt.Fprintln(out)
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "TIME\tSTATUS\tAMOUNT\tRECIPIENT\tHASH")
				for _, e := range s.TransactionLog {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.Timestamp.Format(time.RFC3339), e.Status, e.Amount, e.Recipient, e.Hash)
				}
				tw.Flush()
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&history, "history", false, "include the transaction log")
	return cmd
}

func sessionListCmd(env *environment) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the account's sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			signer, err := env.signer(ctx)
			if err != nil {
				return err
			}
			sessions, err := env.sessions.ListSessions(ctx, signer.Address())
			if err != nil {
				return err
			}
			sort.Slice(sessions, func(i, j int) bool { return sessions[i].CreatedAt.Before(sessions[j].CreatedAt) })

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATE\tREQUESTS\tREMAINING\tEXPIRES")
			for _, s := range sessions {
				fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%s\t%s\n", s.ID, s.State, s.RemainingRequests, s.MaxRequests, s.RemainingAllowance(), s.ExpiresAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
}

func sessionRevokeCmd(env *environment) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <session-id>",
		Short: "Stop a session from signing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, s, err := env.resume(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := m.Revoke(cmd.Context(), s); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Session %s %s\n", s.ID, s.State)
			return nil
		},
	}
}
