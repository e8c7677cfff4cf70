package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ggoodman/mcp-toolauth/internal/config"
	"github.com/ggoodman/mcp-toolauth/keys"
)

func newTokenCmd() *cobra.Command {
	var (
		subject   string
		scopes    []string
		ttl       time.Duration
		publicOut string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a test token with a fresh key pair",
		Long: `Generate a key pair and print a signed token for TOOLAUTH_ISSUER and
TOOLAUTH_AUDIENCE. The private key is discarded.

With --public-key-out the public key is written as PEM, so a server started
with TOOLAUTH_PUBLIC_KEY_FILE pointing at it accepts the token. Running the
command again replaces the file and the server reloads it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			kp, err := keys.Generate()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("scope") {
				scopes = devScopes(cfg.RequiredScopes)
			}
			tok, err := kp.IssueToken(keys.TokenClaims{
				Subject:  subject,
				Issuer:   cfg.Issuer,
				Audience: []string{cfg.Audience},
				Scopes:   scopes,
				TTL:      ttl,
				Type:     cfg.TokenType,
			})
			if err != nil {
				return err
			}
			if publicOut != "" {
				if err := writePublicKey(kp, publicOut); err != nil {
					return err
				}
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "sub", "dev-user", "token subject")
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "granted scopes (default: every scope the server needs)")
	cmd.Flags().DurationVar(&ttl, "ttl", keys.DefaultTokenTTL, "token lifetime")
	cmd.Flags().StringVar(&publicOut, "public-key-out", "", "write the public key PEM to this path")
	return cmd
}

// writePublicKey replaces path atomically so a watching server never reads a
// partial file.
func writePublicKey(kp *keys.KeyPair, path string) error {
	pemBytes, err := kp.PublicKeyPEM()
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, pemBytes, 0o644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	return nil
}
