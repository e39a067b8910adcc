// Command liveterp is the live bilingual transcript relay server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/avrillon/liveterp/internal/auth"
	"github.com/avrillon/liveterp/internal/config"
	"github.com/avrillon/liveterp/internal/httpapi"
	"github.com/avrillon/liveterp/internal/hub"
	"github.com/avrillon/liveterp/internal/observe"
	"github.com/avrillon/liveterp/internal/speech"
	"github.com/avrillon/liveterp/internal/store"
	badgerstore "github.com/avrillon/liveterp/internal/store/badger"
	"github.com/avrillon/liveterp/internal/store/postgres"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "liveterp: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "liveterp: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("liveterp starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"storage", cfg.Storage.Driver,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Observability ─────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "liveterp",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Storage ───────────────────────────────────────────────────────────────
	st, err := openStore(ctx, cfg.Storage)
	if err != nil {
		slog.Error("failed to open storage", "err", err)
		return 1
	}
	if st != nil {
		defer func() {
			if err := st.Close(); err != nil {
				slog.Warn("storage close error", "err", err)
			}
		}()
	}

	// ── Hub ───────────────────────────────────────────────────────────────────
	h := hub.New(hub.Config{
		Store:          st,
		HistoryLimit:   cfg.Hub.HistoryLimit,
		ConflictPolicy: hub.ConflictPolicy(cfg.Hub.ConflictPolicy),
		Logger:         logger,
		Metrics:        metrics,
	})
	if st != nil {
		if err := seedSession(ctx, h, st); err != nil {
			slog.Error("failed to seed session", "err", err)
			return 1
		}
	}

	// ── Auth and speech ───────────────────────────────────────────────────────
	authMgr, err := auth.NewManager(cfg.Auth.MasterPassword, cfg.Auth.SecretKey, cfg.Auth.SessionMaxAge)
	if err != nil {
		slog.Error("failed to initialise auth", "err", err)
		return 1
	}

	var tokens httpapi.TokenFetcher
	if cfg.Speech.Key != "" {
		provider, err := speech.New(cfg.Speech.Key, cfg.Speech.Region,
			speech.WithTimeout(cfg.Speech.TokenTimeout))
		if err != nil {
			slog.Error("failed to initialise speech provider", "err", err)
			return 1
		}
		tokens = provider
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	api := httpapi.New(httpapi.Config{
		Hub:           h,
		Store:         st,
		Auth:          authMgr,
		Token:         tokens,
		SendQueueSize: cfg.Hub.SendQueueSize,
		Logger:        logger,
		Metrics:       metrics,
	})
	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server ready — press Ctrl+C to shut down", "addr", cfg.Server.ListenAddr)
		var err error
		if cfg.Server.TLS != nil {
			err = srv.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gCtx.Done()

		slog.Info("shutdown signal received, stopping…")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// Let in-flight transcript writes finish before the store closes.
	h.Drain()
	slog.Info("goodbye")
	return 0
}

// openStore builds the transcript store selected by cfg. Returns nil (and no
// error) for the "none" driver.
func openStore(ctx context.Context, cfg config.StorageConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.StoragePostgres:
		return postgres.NewStore(ctx, cfg.PostgresDSN)
	case config.StorageBadger:
		return badgerstore.Open(cfg.BadgerPath)
	default:
		return nil, nil
	}
}

// seedSession points the hub at the most recent conversation and loads its
// messages as the replayable history. A fresh store gets a first conversation
// created for it.
func seedSession(ctx context.Context, h *hub.Hub, st store.Store) error {
	last, err := st.LastConversation(ctx)
	if errors.Is(err, store.ErrNoConversations) {
		conv, err := h.StartNewSession(ctx)
		if err != nil {
			return err
		}
		slog.Info("no conversation found, created a new one", "session_id", conv.ID)
		return nil
	}
	if err != nil {
		return err
	}

	msgs, err := st.MessagesByConversation(ctx, last.ID)
	if err != nil {
		return err
	}
	entries := make([]hub.HistoryEntry, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, hub.HistoryEntry{
			SourceText:     m.SourceText,
			TargetText:     m.TargetText,
			SourceLanguage: m.SourceLanguage,
			Timestamp:      m.Timestamp,
		})
	}
	h.SeedHistory(last.ID, entries)
	slog.Info("resumed last conversation", "session_id", last.ID, "title", last.Title, "messages", len(msgs))
	return nil
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
