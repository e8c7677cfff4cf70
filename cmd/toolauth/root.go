package main

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/ggoodman/mcp-toolauth/internal/config"
	"github.com/ggoodman/mcp-toolauth/internal/logctx"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "toolauth",
		Short: "Bearer-token guarded tool endpoint",
		Long: `toolauth exposes tools over HTTP behind bearer-token authentication.

Tokens are verified against a self-issued key pair, a PEM public key file,
a JWKS URL or an issuer's discovery document. The OAuth authorization code
flow can be completed in a browser against the server's callback, or from
the terminal with "toolauth login".

Configuration is read from the environment (TOOLAUTH_*, OAUTH_*, REDIS_ADDR,
STATE_KEY_PREFIX, LOG_LEVEL).`,
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newLoginCmd(), newTokenCmd())
	return root
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	return slog.New(logctx.Handler{
		Handler: slog.NewJSONHandler(w, &slog.HandlerOptions{Level: cfg.SlogLevel()}),
	})
}
