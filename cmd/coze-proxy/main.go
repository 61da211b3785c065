package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/dvcrn/coze-proxy/internal/app"
	"github.com/dvcrn/coze-proxy/internal/auth"
	"github.com/dvcrn/coze-proxy/internal/config"
	"github.com/dvcrn/coze-proxy/internal/credentials"
	"github.com/dvcrn/coze-proxy/internal/logger"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func main() {
	log := logger.New()
	if err := newRootCmd(log).Execute(); err != nil {
		log.Error().Err(err).Msg("❌ Command failed")
		os.Exit(1)
	}
}

func newRootCmd(log zerolog.Logger) *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "coze-proxy",
		Short:         "OpenAI-compatible gateway for Coze bots",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, "", log)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("COZE_PROXY_CONFIG"), "Path to the YAML config file")

	root.AddCommand(newServeCmd(&configPath, log))
	root.AddCommand(newTokenCmd(&configPath, log))
	root.AddCommand(newKeyCmd(log))
	return root
}

func newServeCmd(configPath *string, log zerolog.Logger) *cobra.Command {
	var port string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *configPath, port, log)
		},
	}
	cmd.Flags().StringVar(&port, "port", "", "Port to listen on (overrides config and PORT)")
	return cmd
}

func runServe(ctx context.Context, configPath, port string, log zerolog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if port != "" {
		cfg.Server.Port = port
	}

	srv, tokens, err := app.Build(ctx, cfg, log)
	if err != nil {
		return err
	}

	validateTokenAtStartup(ctx, tokens, log)

	log.Info().Str("port", cfg.Server.Port).Msg("Starting server")
	return http.ListenAndServe(":"+cfg.Server.Port, srv)
}

// validateTokenAtStartup mints or loads a token once so configuration
// problems show up before the first request.
func validateTokenAtStartup(ctx context.Context, tokens *auth.TokenManager, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	tok, err := tokens.GetToken(ctx)
	if err != nil {
		log.Error().Err(err).Msg("⚠️  Failed to obtain a Coze token at startup, will retry on first request")
		return
	}
	ev := log.Info().Int("token_length", len(tok.Value)).Bool("cached", tok.Cached)
	if !tok.ExpiresAt.IsZero() {
		ev = ev.Time("expires_at", tok.ExpiresAt)
	}
	ev.Msg("✅ Coze token ready")
}

func newTokenCmd(configPath *string, log zerolog.Logger) *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a Coze access token and print it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			_, tokens, err := app.Build(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}

			get := tokens.GetToken
			if refresh {
				get = tokens.Refresh
			}
			tok, err := get(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok.Value)
			return nil
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "Ignore the token cache")
	return cmd
}

func newKeyCmd(log zerolog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage the local signing key",
	}

	var from string
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Copy a PEM private key to the default key path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pem, err := credentials.NewFSKeySource(from).PrivateKeyPEM(cmd.Context())
			if err != nil {
				return err
			}
			if _, err := auth.ParsePrivateKey(pem); err != nil {
				return err
			}
			path := credentials.DefaultKeyPath()
			if path == "" {
				return fmt.Errorf("could not determine the default key path")
			}
			if err := credentials.InitKeyFile(path, pem); err != nil {
				return err
			}
			log.Info().Str("path", path).Msg("🔑 Signing key installed")
			return nil
		},
	}
	initCmd.Flags().StringVar(&from, "from", "", "PEM file to install")
	_ = initCmd.MarkFlagRequired("from")

	cmd.AddCommand(initCmd)
	return cmd
}
