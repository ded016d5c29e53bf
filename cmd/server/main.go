package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MegaGrindStone/ollama-chat/internal/chat"
	"github.com/MegaGrindStone/ollama-chat/internal/handlers"
	"github.com/MegaGrindStone/ollama-chat/internal/services"
	"github.com/hashicorp/go-multierror"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfgPath, err := configPath()
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}

	level := new(slog.LevelVar)
	lvl, _ := cfg.level()
	level.Set(lvl)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ollama, err := services.NewOllama(cfg.Ollama.service(), logger)
	if err != nil {
		return fmt.Errorf("error creating ollama client: %w", err)
	}
	ollamaCfg := ollama.Config()

	controller := chat.NewController(ollama, ollamaCfg.Timeout, logger)
	session := chat.NewSession(controller, chat.SessionConfig{
		Model:        ollamaCfg.Model,
		SystemPrompt: cfg.SystemPrompt,
	}, logger)

	m := handlers.NewMain(session, ollama, ollama, ollama, cfg.TitleGeneratorPrompt, logger)

	watcher, err := newConfigWatcher(cfgPath, func(cfg config) {
		if err := ollama.UpdateConfig(cfg.Ollama.service()); err != nil {
			logger.Error("Rejected ollama config", slog.String(errLoggerKey, err.Error()))
			return
		}
		ollamaCfg := ollama.Config()
		controller.SetTimeout(ollamaCfg.Timeout)
		session.SetModel(ollamaCfg.Model)
		session.SetSystemPrompt(cfg.SystemPrompt)
		m.SetTitlePrompt(cfg.TitleGeneratorPrompt)
		if lvl, err := cfg.level(); err == nil {
			level.Set(lvl)
		}
	}, logger)
	if err != nil {
		return err
	}

	watchCtx, stopWatching := context.WithCancel(context.Background())
	defer stopWatching()
	go watcher.Run(watchCtx)

	mux := http.NewServeMux()
	mux.HandleFunc("/chats", m.HandleChats)
	mux.HandleFunc("/chats/cancel", m.HandleCancel)
	mux.HandleFunc("/chats/clear", m.HandleClear)
	mux.HandleFunc("/messages", m.HandleMessages)
	mux.HandleFunc("/models", m.HandleModels)
	mux.HandleFunc("/health", m.HandleHealth)
	mux.HandleFunc("/sse", m.HandleSSE)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// SSE connections never go idle, so they have to be closed while the server shuts down.
	mainShutdown := make(chan error, 1)
	srv.RegisterOnShutdown(func() {
		mainShutdown <- m.Shutdown(context.Background())
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting",
			slog.String("addr", srv.Addr),
			slog.String("ollama", ollamaCfg.Host),
			slog.String("model", ollamaCfg.Model),
			slog.String("config", cfgPath))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		stopWatching()
		return multierror.Append(fmt.Errorf("server error: %w", err), watcher.Close()).ErrorOrNil()

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var result error
	if err := srv.Shutdown(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("graceful shutdown failed: %w", err))
		if err := srv.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("forcing server close: %w", err))
		}
	}
	select {
	case err := <-mainShutdown:
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to shutdown sse server: %w", err))
		}
	case <-ctx.Done():
	}

	stopWatching()
	if err := watcher.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to close config watcher: %w", err))
	}

	if err := <-serverErrors; !errors.Is(err, http.ErrServerClosed) {
		result = multierror.Append(result, fmt.Errorf("server error: %w", err))
	}

	return result
}
