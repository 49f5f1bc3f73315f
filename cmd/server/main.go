package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	llmchat "github.com/MegaGrindStone/llm-chat"
	"github.com/MegaGrindStone/llm-chat/internal/chat"
	"github.com/MegaGrindStone/llm-chat/internal/handlers"
	"github.com/MegaGrindStone/llm-chat/internal/services"
	"github.com/joho/godotenv"
	"gopkg.in/natefinch/lumberjack.v2"
)

type keyValidator interface {
	ValidateKey(ctx context.Context) (bool, error)
}

func main() {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		log.Fatal(fmt.Errorf("error getting user config dir: %w", err))
	}
	dataDir := filepath.Join(cfgDir, "llmchat")
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		log.Fatal(fmt.Errorf("error creating config directory: %w", err))
	}

	cfgFilePath := flag.String("config", filepath.Join(dataDir, "config.yaml"), "path to the config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatal(fmt.Errorf("error loading .env file: %w", err))
	}

	cfg, err := loadConfig(*cfgFilePath, dataDir)
	if err != nil {
		log.Fatal(err)
	}

	logger := newLogger(cfg)

	boltDB, err := services.NewBoltDB(cfg.DBPath)
	if err != nil {
		logger.Error("Failed to open store", slog.String("err", err.Error()))
		os.Exit(1)
	}
	defer boltDB.Close()

	initCtx, initCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer initCancel()

	session, err := chat.NewSession(initCtx, boltDB, cfg.DefaultModel, logger)
	if err != nil {
		logger.Error("Failed to restore session", slog.String("err", err.Error()))
		os.Exit(1)
	}

	tr, err := cfg.LLM.transport(cfg.SystemPrompt, logger)
	if err != nil {
		logger.Error("Failed to create llm transport", slog.String("err", err.Error()))
		os.Exit(1)
	}

	if v, ok := tr.(keyValidator); ok {
		valid, err := v.ValidateKey(initCtx)
		switch {
		case err != nil:
			logger.Warn("Failed to validate api key", slog.String("err", err.Error()))
		case !valid:
			logger.Warn("Configured api key was rejected by the provider")
		}
	}

	catalog := services.NewCatalog(tr, cfg.ModelCacheTTL, logger)
	if options, err := catalog.Models(initCtx); err != nil {
		logger.Warn("Failed to list models, keeping stored selection", slog.String("err", err.Error()))
	} else if model, err := session.ReconcileModel(initCtx, options); err != nil {
		logger.Warn("Failed to reconcile model", slog.String("err", err.Error()))
	} else {
		logger.Info("Model selected", slog.String("model", model))
	}

	m, err := handlers.NewMain(session, tr, boltDB, catalog, cfg.LLM.balance(), logger)
	if err != nil {
		logger.Error("Failed to create handlers", slog.String("err", err.Error()))
		os.Exit(1)
	}

	// Serve static files
	staticFS, err := fs.Sub(llmchat.StaticFS, "static")
	if err != nil {
		logger.Error("Failed to load static files", slog.String("err", err.Error()))
		os.Exit(1)
	}
	fileServer := http.FileServer(http.FS(staticFS))

	mux := http.NewServeMux()
	mux.Handle("/static/", http.StripPrefix("/static/", fileServer))
	mux.HandleFunc("/", m.HandleHome)
	mux.HandleFunc("/chats", m.HandleChats)
	mux.HandleFunc("/chats/cancel", m.HandleCancel)
	mux.HandleFunc("/chats/new", m.HandleNewChat)
	mux.HandleFunc("/chats/select", m.HandleSelectChat)
	mux.HandleFunc("/chats/delete", m.HandleDeleteChat)
	mux.HandleFunc("/chats/move", m.HandleMoveChat)
	mux.HandleFunc("/chats/import", m.HandleImportChat)
	mux.HandleFunc("/status", m.HandleStatus)
	mux.HandleFunc("/folders", m.HandleFolders)
	mux.HandleFunc("/folders/rename", m.HandleRenameFolder)
	mux.HandleFunc("/folders/delete", m.HandleDeleteFolder)
	mux.HandleFunc("/folders/toggle", m.HandleToggleFolder)
	mux.HandleFunc("/models", m.HandleModels)
	mux.HandleFunc("/models/select", m.HandleSelectModel)
	mux.HandleFunc("/usage", m.HandleUsage)
	mux.HandleFunc("/sse", m.HandleSSE)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown sse server", slog.String("err", err.Error()))
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting", slog.String("port", cfg.Port), slog.String("model", session.Model()))
		serverErrors <- srv.ListenAndServe()
	}()

	// Channel to listen for interrupt/terminate signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("Server error", slog.String("err", err.Error()))

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String("err", err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", slog.String("err", err.Error()))
			}
		}
	}
}

// newLogger writes text logs to stderr. With a log file configured, JSON records also go to a rotated file.
func newLogger(cfg config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.logLevel()}
	if cfg.LogFile == "" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}

	rotator := &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    10,
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
	}
	return slog.New(slog.NewJSONHandler(io.MultiWriter(os.Stderr, rotator), opts))
}
