package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

func whoamiCmd(env *environment) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "List logged-in accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			signers, err := env.signers(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(signers) == 0 {
				fmt.Fprintln(out, "Not logged in.")
				return nil
			}
			addrs := make([]string, 0, len(signers))
			for a := range signers {
				addrs = append(addrs, a)
			}
			sort.Strings(addrs)
			for i, a := range addrs {
				if i > 0 {
					fmt.Fprintln(out)
				}
				printSigner(out, signers[a])
			}
			return nil
		},
	}
}

func logoutCmd(env *environment) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Revoke every session of the account and forget its identity",
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
			if err := m.Logout(ctx, signer); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Logged out %s\n", signer.Address())
			return nil
		},
	}
}
