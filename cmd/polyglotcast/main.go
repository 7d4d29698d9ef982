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

	"github.com/polyglotcast/polyglotcast/config"
	"github.com/polyglotcast/polyglotcast/internal/gateway"
	"github.com/polyglotcast/polyglotcast/internal/metrics"
	"github.com/polyglotcast/polyglotcast/internal/quota"
	"github.com/polyglotcast/polyglotcast/internal/radio"
	"github.com/polyglotcast/polyglotcast/internal/session"
	"github.com/polyglotcast/polyglotcast/pkg/events"

	// Register speech backends via init().
	_ "github.com/polyglotcast/polyglotcast/internal/speech/backends/elevenlabs"
	_ "github.com/polyglotcast/polyglotcast/internal/speech/backends/gemini"
	_ "github.com/polyglotcast/polyglotcast/internal/speech/backends/google"
	_ "github.com/polyglotcast/polyglotcast/internal/speech/backends/hfgrammar"
	_ "github.com/polyglotcast/polyglotcast/internal/speech/backends/piper"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("loading config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	meter, err := metrics.New()
	if err != nil {
		logger.Error("initialising metrics", slog.String("error", err.Error()))
		os.Exit(1)
	}

	hub := events.NewHub("polyglotcast")
	go logEvents(ctx, hub, logger)

	registry := session.NewRegistry(hub, logger, time.Duration(cfg.SessionGraceSec)*time.Second)

	var store quota.Store
	if cfg.QuotaRedisURL != "" {
		rs, err := quota.NewRedisStore(cfg.QuotaRedisURL, cfg.QuotaPeriod)
		if err != nil {
			logger.Error("connecting quota store", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer rs.Close()
		store = rs
	} else {
		store = quota.NewMemoryStore()
	}
	gate := quota.NewGate(store, time.Duration(cfg.QuotaBudgetSec)*time.Second, cfg.QuotaPeriod, hub, logger)

	catalog, err := radio.NewCatalog(cfg.VoiceCatalogPath, logger)
	if err != nil {
		logger.Error("loading voice catalog", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if cfg.VoiceCatalogPath != "" {
		go func() {
			if err := catalog.WatchAndReload(ctx.Done()); err != nil {
				logger.Warn("voice catalog watch unavailable", slog.String("error", err.Error()))
			}
		}()
	}
	router := radio.NewRouter(catalog, cfg.ProviderConfig(), logger, meter)
	defer router.Close()

	api := &gateway.API{
		Registry:   registry,
		Gate:       gate,
		Hub:        hub,
		Logger:     logger,
		Metrics:    meter,
		Provider:   cfg.ProviderConfig(),
		SampleRate: 16000,
		WS: &gateway.Handler{
			Registry:         registry,
			Router:           router,
			Hub:              hub,
			Logger:           logger,
			Metrics:          meter,
			TTSEnabled:       cfg.TTSEnabledDefault,
			TTSMaxConcurrent: int64(cfg.TTSMaxConcurrent),
			TTSQueueLimit:    cfg.TTSQueueLimit,
			OutboundLimit:    cfg.OutboundQueueSize,
		},
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("broadcast server listening", slog.String("addr", cfg.HTTPAddr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// logEvents mirrors the session event stream into the structured log.
func logEvents(ctx context.Context, hub *events.Hub, logger *slog.Logger) {
	ch := hub.Subscribe("main-log", 128)
	defer hub.Unsubscribe("main-log")
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			logger.Debug("session event",
				slog.String("event", string(ev.Type)),
				slog.String("session_id", ev.SessionID),
				slog.String("event_id", ev.ID))
		case <-ctx.Done():
			return
		}
	}
}
