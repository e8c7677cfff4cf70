package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/ggoodman/mcp-toolauth/internal/config"
	"github.com/ggoodman/mcp-toolauth/internal/logctx"
	"github.com/ggoodman/mcp-toolauth/oauth"
)

func newLoginCmd() *cobra.Command {
	var (
		verify  bool
		asJSON  bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Obtain a token through the authorization code flow",
		Long: `Run the OAuth authorization code flow from the terminal.

A callback listener is started on the host and path of OAUTH_REDIRECT_URI,
the authorize URL is printed, and the command waits until the browser is
redirected back. The access token is written to stdout.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if !cfg.OAuthEnabled() {
				return errors.New("login requires OAUTH_CLIENT_ID and OAUTH_REDIRECT_URI")
			}
			log := newLogger(cfg, cmd.ErrOrStderr())
			ctx := cmd.Context()

			ex, err := newExchanger(ctx, cfg, log)
			if err != nil {
				return err
			}
			l, err := oauth.NewCallbackListener(ex,
				oauth.WithStateTTL(cfg.OAuth.StateTTL),
				oauth.WithListenerLogger(log),
			)
			if err != nil {
				return err
			}

			u, err := url.Parse(cfg.OAuth.RedirectURI)
			if err != nil {
				return fmt.Errorf("parse redirect uri: %w", err)
			}
			ln, err := net.Listen("tcp", u.Host)
			if err != nil {
				return fmt.Errorf("listen for callback: %w", err)
			}
			mux := http.NewServeMux()
			mux.Handle(callbackPath(cfg.OAuth.RedirectURI), l)
			srv := &http.Server{Handler: logctx.Middleware(mux), ReadHeaderTimeout: 10 * time.Second}
			go func() { _ = srv.Serve(ln) }()
			defer srv.Close()

			f, err := l.Begin(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Open this URL in a browser to sign in:\n\n  %s\n\n", f.AuthorizeURL())

			if timeout <= 0 {
				timeout = cfg.OAuth.StateTTL
			}
			waitCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			tok, err := f.Wait(waitCtx)
			if err != nil {
				return fmt.Errorf("login failed: %w", err)
			}

			if verify {
				if err := verifyObtained(ctx, cfg, tok.AccessToken, cmd); err != nil {
					return err
				}
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(tok)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok.AccessToken)
			return err
		},
	}
	cmd.Flags().BoolVar(&verify, "verify", false, "verify the obtained token against the configured trust source")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full token response as JSON")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "how long to wait for the redirect (default OAUTH_STATE_TTL)")
	return cmd
}

func verifyObtained(ctx context.Context, cfg *config.Config, token string, cmd *cobra.Command) error {
	if cfg.Mode() == config.ModeSelfIssued {
		return errors.New("--verify needs TOOLAUTH_PUBLIC_KEY_FILE, TOOLAUTH_JWKS_URL or TOOLAUTH_DISCOVERY")
	}
	s := &server{cfg: cfg, log: newLogger(cfg, cmd.ErrOrStderr())}
	defer s.Close()
	v, err := s.buildVerifier(ctx)
	if err != nil {
		return err
	}
	p, err := v.Verify(ctx, token)
	if err != nil {
		return fmt.Errorf("obtained token does not verify: %w", err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "verified token for %q (scopes: %v)\n", p.Subject(), p.Scopes())
	return nil
}
