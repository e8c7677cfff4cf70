package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/ggoodman/mcp-toolauth/internal/config"
)

func newServeCmd() *cobra.Command {
	var (
		printToken bool
		devSubject string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the protected tool endpoint",
		Long: `Serve POST /tools/{name} behind bearer-token authentication.

In self-issued mode (no TOOLAUTH_PUBLIC_KEY_FILE, TOOLAUTH_JWKS_URL or
TOOLAUTH_DISCOVERY) a key pair is generated at startup, its public half is
published at /.well-known/jwks.json and a token for local testing is printed
to stderr.

When OAUTH_CLIENT_ID is set, GET /oauth/login starts the authorization code
flow and the redirect URI's path receives the provider's callback.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log := newLogger(cfg, cmd.ErrOrStderr())

			s, err := newServer(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer s.Close()

			if printToken && s.keys != nil {
				tok, err := s.devToken(devSubject)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "self-issued token for %q:\n%s\n", devSubject, tok)
			}

			ln, err := net.Listen("tcp", cfg.Addr)
			if err != nil {
				return err
			}
			return runHTTP(cmd.Context(), ln, s.Handler(), log, cfg)
		},
	}
	cmd.Flags().BoolVar(&printToken, "print-token", true, "print a self-issued token at startup (self-issued mode only)")
	cmd.Flags().StringVar(&devSubject, "sub", "dev-user", "subject of the printed token")
	return cmd
}

// runHTTP serves h on ln until ctx ends, then drains in-flight requests.
func runHTTP(ctx context.Context, ln net.Listener, h http.Handler, log *slog.Logger, cfg *config.Config) error {
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	log.InfoContext(ctx, "server.listen",
		slog.String("addr", ln.Addr().String()),
		slog.String("mode", string(cfg.Mode())),
		slog.Bool("oauth", cfg.OAuthEnabled()))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	log.InfoContext(ctx, "server.stopped")
	return nil
}
