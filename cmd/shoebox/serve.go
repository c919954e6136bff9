package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xiaohaiyan/shoebox/internal/api"
	"github.com/xiaohaiyan/shoebox/internal/auth"
	"github.com/xiaohaiyan/shoebox/internal/config"
	"github.com/xiaohaiyan/shoebox/internal/envelope"
	"github.com/xiaohaiyan/shoebox/internal/extract"
	"github.com/xiaohaiyan/shoebox/internal/llm"
	"github.com/xiaohaiyan/shoebox/internal/session"
	"github.com/xiaohaiyan/shoebox/internal/storage"
	"github.com/xiaohaiyan/shoebox/internal/webhook"
	"github.com/xiaohaiyan/shoebox/internal/wecom"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the callback server",
		Long: `Start the HTTP server that receives messaging callbacks, runs the
extraction workers and the confirmation session sweeper, and serves the
token-scoped REST API.`,
		RunE: runServe,
	}

	cmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	_ = viper.BindPFlag("server.addr", cmd.Flags().Lookup("addr"))

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// Persistence.
	store, err := storage.NewSQLiteStorage(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() { _ = store.Close() }()
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	// Callback security.
	codec, err := envelope.New(cfg.Callback.Token, cfg.Callback.EncodingAESKey, cfg.WeCom.CorpID)
	if err != nil {
		return err
	}

	// Outbound messaging.
	sender, err := wecom.NewClient(cfg.WeCom)
	if err != nil {
		return err
	}

	// Extraction.
	extractor, err := llm.NewClient(cfg.AI)
	if err != nil {
		return err
	}

	// Confirmation sessions.
	sessions := session.NewManager(store, sender, cfg.SessionTTL)
	go sessions.Run(ctx)

	// Extraction worker pool.
	orchestrator := extract.NewOrchestrator(sender, extractor, sessions, extract.Options{
		ImageDir:      cfg.Extract.ImageDir,
		PublicBaseURL: cfg.Server.PublicBaseURL,
		Qianji:        cfg.Qianji,
	})
	pool := extract.NewPool(orchestrator, cfg.Extract.Workers)
	pool.Start(ctx)

	// Web viewer tokens.
	issuer, err := auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if err != nil {
		return err
	}

	// HTTP surface.
	if viper.GetString("logging.level") != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	webhook.NewHandler(codec, sender, sessions, pool, issuer, webhook.Config{
		PublicBaseURL: cfg.Server.PublicBaseURL,
	}).Register(router)
	api.NewHandler(store, issuer).Register(router)

	// Archived receipt images referenced by transaction records.
	router.Static("/log", cfg.Extract.ImageDir)

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	slog.Info("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Server shutdown error", "error", err)
	}

	pool.Wait()
	slog.Info("Shutdown complete")
	return nil
}
