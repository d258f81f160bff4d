package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/lbricheux/pointeuse/internal/ledgerserver"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("no .env file found, using environment variables")
	}

	port := getEnv("PORT", "8090")
	dsn := getEnv("LEDGER_DB", "file:pointeuse-ledger.db")
	syncRPS := getEnvFloat("SYNC_RATE_LIMIT", 5)
	syncBurst := getEnvInt("SYNC_RATE_BURST", 10)

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	repo, err := ledgerserver.OpenRepository(dsn)
	if err != nil {
		logger.Error("opening ledger database", "error", err)
		os.Exit(1)
	}
	defer repo.Close()

	svc := ledgerserver.NewService(repo, logger)
	handler := ledgerserver.NewHandler(svc)

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler.Router(syncRPS, syncBurst),
	}

	go func() {
		logger.Info("ledger server starting", "port", port, "db", dsn)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server forced shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
