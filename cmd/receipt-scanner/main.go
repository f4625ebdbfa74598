package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/zombor/receipt-scanner/internal/config"
	"github.com/zombor/receipt-scanner/internal/imagestore"
	"github.com/zombor/receipt-scanner/internal/receipt"
	"github.com/zombor/receipt-scanner/internal/scanlog"
	"github.com/zombor/receipt-scanner/internal/scanning"
	"github.com/zombor/receipt-scanner/pkg/logger"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

const shutdownTimeout = 10 * time.Second

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if cfg.ShowVersion {
		fmt.Println(version)
		os.Exit(0)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.LogLevel, cfg.LogFormat)

	if err := run(cfg); err != nil {
		slog.Error("Server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	slog.Info("Initializing database...")
	db, err := receipt.OpenDB(cfg.DatabaseURL, cfg.LogLevel == "debug")
	if err != nil {
		return err
	}
	defer receipt.CloseDB(db)

	slog.Info("Initializing scan journal...", "path", cfg.JournalPath)
	journal, err := scanlog.Open(cfg.JournalPath)
	if err != nil {
		return err
	}
	defer journal.Close()

	kind := cfg.ScannerType()
	slog.Info("Initializing scanner...", "type", kind)
	scanner, err := scanning.New(scanning.Options{
		Kind:        kind,
		GeminiKey:   cfg.GeminiKey,
		GeminiModel: cfg.GeminiModel,
		OllamaURL:   cfg.OllamaURL,
		OllamaModel: cfg.OllamaModel,
	})
	if err != nil {
		return err
	}
	defer scanner.Close()

	slog.Info("Initializing storage...", "dir", cfg.UploadDir)
	store, err := imagestore.New(cfg.UploadDir)
	if err != nil {
		return err
	}

	service := receipt.NewService(receipt.NewRepository(db), scanner, store, journal)
	server := receipt.NewServer(service, receipt.ServerOptions{
		BasicAuth:   receipt.BasicAuth{Username: cfg.AuthUser, Password: cfg.AuthPass},
		CORSOrigins: cfg.CORSOrigins,
		UploadDir:   store.Root(),
	})

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", httpServer.Addr), "version", version)
		if cfg.AuthUser != "" {
			slog.Info("Basic auth enabled", "user", cfg.AuthUser)
		}
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for interrupt signal
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
