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

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"

	"voice-gateway/internal/aibridge"
	"voice-gateway/internal/audio"
	"voice-gateway/internal/audit"
	"voice-gateway/internal/auth"
	"voice-gateway/internal/callerid"
	"voice-gateway/internal/callmgr"
	"voice-gateway/internal/config"
	"voice-gateway/internal/esl"
	"voice-gateway/internal/health"
	"voice-gateway/internal/httpapi"
	"voice-gateway/internal/media"
	"voice-gateway/internal/ratelimit"
	"voice-gateway/pkg/logger"
	"voice-gateway/pkg/utils"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	transcoder, err := audio.NewTranscoder(
		cfg.Audio.ScratchDir, cfg.Audio.RecordingDir,
		cfg.Audio.InputRate, cfg.Audio.OutputRate,
		logger.Component(log, "audio"))
	if err != nil {
		log.Error("transcoder init failed", "err", err)
		os.Exit(1)
	}
	transcoder.StartScratchSweep(rootCtx, 0)

	limiter := ratelimit.NewLimiter(
		ratelimit.NewPostgresStore(db),
		ratelimit.NewRedisBlockCache(rdb),
		ratelimit.Config{
			PerMinute:       cfg.Limits.RatePerMinute,
			PerHour:         cfg.Limits.RatePerHour,
			PerDay:          cfg.Limits.RatePerDay,
			BlockAnonymous:  cfg.Limits.BlockAnonymous,
			BlockedPrefixes: cfg.Limits.BlockedPrefixes,
		},
		logger.Component(log, "ratelimit"))

	eslClient := esl.NewClient(esl.Config{
		Addr:                 cfg.ESLAddr(),
		Password:             cfg.ESL.Password,
		MaxReconnectAttempts: cfg.ESL.ReconnectMaxAttempts,
	}, logger.Component(log, "esl"))

	monitor := health.NewMonitor(30*time.Second, logger.Component(log, "health"))
	monitor.Register(health.ComponentEventSocket, health.EventSocketProbe(eslClient))
	monitor.Register(health.ComponentEngine, health.EngineProbe(eslClient))
	monitor.Register(health.ComponentConversation, health.ConversationProbe(nil, cfg.AI.APIKey))
	monitor.Register(health.ComponentStorage, health.StorageProbe(db, rdb))
	monitor.Register(health.ComponentCodec, health.CodecProbe(eslClient))

	resolver := callerid.NewResolver(
		callerid.NewPostgresDirectory(db),
		nil, // context bundles come from the business platform when present
		cfg.Limits.DefaultCountryCode,
		logger.Component(log, "callerid"))

	conversations := func(cb aibridge.Callbacks) callmgr.Conversation {
		return aibridge.NewSession(aibridge.Config{
			APIKey: cfg.AI.APIKey,
			Model:  cfg.AI.Model,
			Voice:  cfg.AI.Voice,
		}, cb, logger.Component(log, "aibridge"))
	}

	manager := callmgr.NewManager(
		eslClient,
		callmgr.NewPostgresStore(db),
		limiter,
		monitor,
		resolver,
		transcoder,
		conversations,
		callmgr.Config{
			MaxConcurrent:   cfg.Limits.MaxConcurrentCalls,
			MaxCallDuration: cfg.Limits.MaxCallDuration,
			IdleTimeout:     cfg.Limits.IdleTimeout,
			RecordingDir:    cfg.Audio.RecordingDir,
		},
		logger.Component(log, "callmgr"))

	go func() {
		if err := eslClient.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("event socket terminated", "err", err)
			stop()
		}
	}()
	go monitor.Run(rootCtx)
	go manager.Run(rootCtx, eslClient.Events())

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, authManager, httpapi.Handlers{
		Health:    monitor,
		Calls:     manager,
		Blocklist: limiter,
		Audit:     audit.NewService(audit.NewPostgresRepo(db)),
	}, media.NewIngress(manager, logger.Component(log, "media")))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("gateway listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}
