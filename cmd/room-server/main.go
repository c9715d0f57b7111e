package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/park285/cheese-rooms/internal/auth"
	"github.com/park285/cheese-rooms/internal/cache"
	"github.com/park285/cheese-rooms/internal/chat"
	appcfg "github.com/park285/cheese-rooms/internal/config"
	"github.com/park285/cheese-rooms/internal/gateway"
	"github.com/park285/cheese-rooms/internal/hub"
	"github.com/park285/cheese-rooms/internal/msgcat"
	"github.com/park285/cheese-rooms/internal/obslog"
	"github.com/park285/cheese-rooms/internal/outbox"
	"github.com/park285/cheese-rooms/internal/presence"
	"github.com/park285/cheese-rooms/internal/room"
	"github.com/park285/cheese-rooms/internal/rules"
	"github.com/park285/cheese-rooms/internal/store"
)

const requeueInterval = time.Minute

func main() {
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.Init(obslog.Options{
		Level:   cfg.Log.Level,
		Console: cfg.Log.Console,
		ToFile:  cfg.Log.ToFile,
		Caller:  cfg.Log.Caller,
		Format:  cfg.Log.Format,
		File:    cfg.Log.File,
	}); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	logger := obslog.L()
	defer func() { _ = logger.Sync() }()

	dctx, dcancel := context.WithTimeout(context.Background(), 10*time.Second)
	rc, err := cache.Dial(dctx, cfg.RedisURL)
	dcancel()
	if err != nil {
		logger.Fatal("cache_connect_failed", zap.Error(err))
	}

	var repo store.Repository
	if cfg.DatabaseURL != "" {
		pg, err := store.OpenPostgres(cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("store_connect_failed", zap.Error(err))
		}
		repo = pg
	} else {
		logger.Warn("store_in_memory", zap.String("hint", "set DATABASE_URL for durable rooms"))
		repo = store.NewMemoryRepository()
	}
	repo = store.Instrument(repo)

	var verifier auth.Verifier
	switch cfg.AuthMode {
	case appcfg.AuthModeRemote:
		verifier = auth.NewRemoteVerifier(cfg.AuthServiceURL)
	default:
		verifier = auth.NewJWTVerifier(cfg.JWTSecret)
	}

	msgs, err := msgcat.New(cfg.MessagesDir)
	if err != nil {
		logger.Fatal("messages_load_failed", zap.Error(err))
	}

	box := outbox.New(outbox.Options{
		Buffer:      cfg.OutboxBuffer,
		MaxAttempts: cfg.OutboxAttempts,
		Timeout:     cfg.StoreTimeout,
		Logger:      logger,
	})
	h := hub.New(logger)
	manager := room.NewManager(room.Deps{
		Repo:     repo,
		Cache:    rc,
		Presence: presence.NewStore(rc, cfg.PresenceTTL, logger),
		Chat: chat.NewStore(rc, repo, box, chat.Options{
			HighWater: cfg.ChatHighWater,
			LowWater:  cfg.ChatLowWater,
			TTL:       cfg.ChatCacheTTL,
			Logger:    logger,
		}),
		Hub:       h,
		Outbox:    box,
		Engine:    rules.NewChessEngine(),
		Sequencer: room.NewSequencer(rc, cfg.RoomLockTTL, cfg.RoomLockWait, logger),
		Messages:  msgs,
		Logger:    logger,
	}, room.Config{
		Capacity:     cfg.RoomCapacity,
		StoreTimeout: cfg.StoreTimeout,
		BoardTTL:     cfg.ChatCacheTTL,
	})

	gw := gateway.New(manager, h, verifier, gateway.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		SessionBuffer:  cfg.SessionBuffer,
		Health:         rc.Ping,
		Logger:         logger,
	})
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           gw.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go requeueLoop(ctx, box, logger)

	go func() {
		logger.Info("server_listening", zap.String("addr", cfg.ListenAddr), zap.String("auth_mode", cfg.AuthMode))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server_failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("server_stopping")

	sctx, scancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer scancel()
	if err := srv.Shutdown(sctx); err != nil {
		logger.Warn("http_shutdown_failed", zap.Error(err))
	}
	gw.Close()
	if err := box.Close(sctx); err != nil {
		logger.Warn("outbox_drain_incomplete", zap.Error(err), zap.Int("dead_letters", len(box.DeadLetters())))
	}
	_ = repo.Close()
	_ = rc.Close()
	logger.Info("server_stopped")
}

// requeueLoop retries dead-lettered writes once the store may have recovered.
func requeueLoop(ctx context.Context, box *outbox.Queue, logger *zap.Logger) {
	t := time.NewTicker(requeueInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := box.RequeueDead(ctx)
			if err != nil {
				logger.Warn("outbox_requeue_failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("outbox_requeued", zap.Int("tasks", n))
			}
		}
	}
}
