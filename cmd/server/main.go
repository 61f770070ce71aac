package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"braindump/internal/config"
	httpserver "braindump/internal/http"
	"braindump/internal/mcpserver"
	"braindump/internal/services"
	"braindump/internal/storage"
)

func main() {
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "braindump: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "braindump",
		Short:         "Record, transcribe and structure brainstorming sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newTokenCmd())
	root.AddCommand(newMCPCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	srv, err := httpserver.NewServer(cfg)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("server stopped: %w", err)
	}
	log.Printf("server stopped")
	return nil
}

func newTokenCmd() *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Mint a bearer token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if ttl > 0 {
				cfg.AuthTokenTTL = ttl
			}

			token, expiresAt := services.NewSigner(cfg).IssueUserToken(args[0])
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiresAt.UTC().Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to AUTH_TOKEN_TTL_SECONDS)")
	return cmd
}

func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve saved sessions and structuring as MCP tools over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			store, err := storage.OpenSessionStore(cfg)
			if err != nil {
				return fmt.Errorf("open session store: %w", err)
			}
			defer store.Close()

			// stdout carries the protocol
			log.SetOutput(os.Stderr)

			structuring := services.NewStructuringProxy(services.NewOpenAIService(cfg))
			return mcpserver.Serve(mcpserver.NewTools(store, structuring))
		},
	}
}
