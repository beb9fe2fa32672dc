package main

import (
	"context"
	"errors"
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

	"github.com/MegaGrindStone/fiesta-web/internal/cache"
	"github.com/MegaGrindStone/fiesta-web/internal/conversation"
	"github.com/MegaGrindStone/fiesta-web/internal/dispatch"
	"github.com/MegaGrindStone/fiesta-web/internal/handlers"
	"github.com/MegaGrindStone/fiesta-web/internal/judge"
	"github.com/MegaGrindStone/fiesta-web/internal/services"
	"github.com/MegaGrindStone/fiesta-web/internal/settings"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("Failed to load .env file: %v", err)
	}

	cfgDir, err := os.UserConfigDir()
	if err != nil {
		log.Fatal(fmt.Errorf("error getting user config dir: %w", err))
	}
	cfgPath := filepath.Join(cfgDir, "fiestaweb")
	if err := os.MkdirAll(cfgPath, 0755); err != nil {
		log.Fatal(fmt.Errorf("error creating config directory: %w", err))
	}

	cfg, err := loadConfig(filepath.Join(cfgPath, "config.yaml"))
	if err != nil {
		log.Fatal(err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))

	storeDir := cfg.StoreDir
	if storeDir == "" {
		storeDir = cfgPath
	}
	boltDB, err := services.NewBoltDB(filepath.Join(storeDir, "store.db"))
	if err != nil {
		log.Fatal(err)
	}
	defer boltDB.Close()

	store := conversation.NewStore(boltDB, logger)
	if err := store.Load(context.Background()); err != nil {
		log.Fatal(err)
	}
	prefs := settings.New(cfg.Models, cfg.MaxModels, cfg.Selected, boltDB, logger)
	if err := prefs.Load(context.Background()); err != nil {
		log.Fatal(err)
	}

	providers, err := cfg.providers(logger)
	if err != nil {
		log.Fatal(err)
	}

	var j dispatch.Judge
	if p, ok := providers[cfg.Judge.Provider]; ok && !cfg.Judge.Disabled {
		kind := cfg.Judge.Provider
		j = judge.New(p, cfg.Judge.Model, func() string { return prefs.Key(kind) }, logger)
	}

	events := handlers.NewEvents(logger)
	ctrl := dispatch.New(store, prefs, providers, cache.New(cfg.CacheTTL), j, events, dispatch.Config{
		FlushInterval: cfg.FlushInterval,
		TickInterval:  cfg.TickInterval,
		CacheTTL:      cfg.CacheTTL,
		MaxModels:     prefs.MaxModels(),
	}, logger)

	m := handlers.NewMain(ctrl, store, prefs, events, logger)

	mux := http.NewServeMux()
	m.Register(mux)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown handlers", slog.String("err", err.Error()))
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting", slog.String("port", cfg.Port), slog.Int("models", len(cfg.Models)))
		serverErrors <- srv.ListenAndServe()
	}()

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

// loadConfig reads the YAML config at path. A missing file yields the defaults.
func loadConfig(path string) (config, error) {
	cfg := config{}

	cfgFile, err := os.Open(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return config{}, fmt.Errorf("error opening config file: %w", err)
	default:
		defer cfgFile.Close()
		if err := yaml.NewDecoder(cfgFile).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return config{}, fmt.Errorf("error decoding config file: %w", err)
		}
	}

	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
