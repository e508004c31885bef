// Command devserver runs the chat API on a local HTTP listener with an
// in-memory session store.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"career-mentor/handler"
	"career-mentor/internal/config"
	"career-mentor/internal/integrations/fallback"
	"career-mentor/internal/integrations/lyzr"
	"career-mentor/internal/repository"
	"career-mentor/internal/usecase"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}

	var agent usecase.AgentClient = fallback.New()
	if cfg.AgentBackend == config.BackendLyzr {
		client, err := lyzr.NewClient(lyzr.Config{
			URL:       cfg.AgentURL,
			APIKey:    cfg.Lyzr.APIKey,
			AgentID:   cfg.Lyzr.AgentID,
			SessionID: cfg.Lyzr.SessionID,
			UserID:    cfg.Lyzr.UserID,
		})
		if err != nil {
			slog.Error("failed to create agent client", "err", err)
			os.Exit(1)
		}
		agent = client
	}

	chatService, err := usecase.NewChatService(agent, repository.NewMemory(), cfg.MaxMessageLength, logger)
	if err != nil {
		slog.Error("failed to create chat service", "err", err)
		os.Exit(1)
	}
	h, err := handler.NewHandler(chatService, handler.WithLogger(logger))
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           h.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("server listening", "addr", srv.Addr, "backend", cfg.AgentBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "err", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "err", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
