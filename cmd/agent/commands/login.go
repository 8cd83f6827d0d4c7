package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/siddimore/aether-x402/pkg/keyless"
)

func loginCmd(env *environment) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Derive a keyless account from a federated login",
		Long: `Login is two steps. "login begin" creates an ephemeral key and prints the
nonce to request from the identity provider; "login complete" takes the
returned token and derives the account. "login dev" does both against the
development attestation service.`,
	}
	cmd.AddCommand(loginBeginCmd(env), loginCompleteCmd(env), loginDevCmd(env))
	return cmd
}

func loginBeginCmd(env *environment) *cobra.Command {
	return &cobra.Command{
		Use:   "begin",
		Short: "Create an ephemeral key and print its login nonce",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := beginLogin(cmd.Context(), env)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Nonce:   %s\n", key.Nonce())
			fmt.Fprintf(out, "Expires: %s\n", key.ExpiryDate().Format(time.RFC3339))
			fmt.Fprintln(out, "Request a login token carrying this nonce, then run `aether login complete <token>`.")
			return nil
		},
	}
}

func loginCompleteCmd(env *environment) *cobra.Command {
	return &cobra.Command{
		Use:   "complete <token>",
		Short: "Derive the account for a login token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := completeLogin(cmd.Context(), env, strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			printSigner(cmd.OutOrStdout(), signer)
			return nil
		},
	}
}

func loginDevCmd(env *environment) *cobra.Command {
	var subject, audience string
	cmd := &cobra.Command{
		Use:   "dev",
		Short: "Log in against the development attestation service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			key, err := beginLogin(ctx, env)
			if err != nil {
				return err
			}
			token, err := devToken(ctx, env, subject, audience, key.Nonce())
			if err != nil {
				return err
			}
			signer, err := completeLogin(ctx, env, token)
			if err != nil {
				return err
			}
			printSigner(cmd.OutOrStdout(), signer)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "login subject (user id)")
	cmd.Flags().StringVar(&audience, "audience", "aether-agent", "client id the token is issued to")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func beginLogin(ctx context.Context, env *environment) (*keyless.EphemeralKeyPair, error) {
	key, err := keyless.GenerateEphemeralKeyPair(time.Now().Add(env.cfg.KeyLifetime))
	if err != nil {
		return nil, err
	}
	if err := env.files.SavePendingKey(ctx, key); err != nil {
		return nil, fmt.Errorf("save pending key: %w", err)
	}
	return key, nil
}

func completeLogin(ctx context.Context, env *environment, token string) (*keyless.Signer, error) {
	claims, err := keyless.ParseLoginToken(token, time.Now())
	if err != nil {
		return nil, err
	}
	key, err := env.files.LoadPendingKey(ctx, claims.Nonce)
	if err != nil {
		return nil, fmt.Errorf("no pending login for this token's nonce: %w", err)
	}
	signer, err := env.identity.Derive(ctx, token, key)
	if err != nil {
		return nil, err
	}
	if err := env.files.DeletePendingKey(ctx, claims.Nonce); err != nil {
		env.log.WithError(err).Warn("failed to delete pending login key")
	}
	return signer, nil
}

// devToken asks the development attestation service to mint a login token.
func devToken(ctx context.Context, env *environment, subject, audience, nonce string) (string, error) {
	body, err := json.Marshal(map[string]string{"subject": subject, "audience": audience, "nonce": nonce})
	if err != nil {
		return "", err
	}
	url := strings.TrimRight(env.cfg.AttestationURL, "/") + "/dev/login"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := env.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("dev login: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("dev login: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("dev login: %w", err)
	}
	return out.Token, nil
}

func printSigner(w io.Writer, s *keyless.Signer) {
	fmt.Fprintf(w, "Address: %s\n", s.Address())
	fmt.Fprintf(w, "Issuer:  %s\n", s.Issuer())
	fmt.Fprintf(w, "Expires: %s\n", s.ExpiresAt().Format(time.RFC3339))
}
