package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"marketplace-calls/internal/audit"
	"marketplace-calls/internal/auth"
	"marketplace-calls/internal/calls"
	"marketplace-calls/internal/config"
	"marketplace-calls/internal/membership"
	"marketplace-calls/internal/notify"
	"marketplace-calls/internal/orders"
	"marketplace-calls/internal/presence"
	"marketplace-calls/internal/realtime"
	"marketplace-calls/pkg/logger"
	"marketplace-calls/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
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

	log := logger.New(cfg.App.Env, cfg.App.NodeID)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{
		MaxOpenConns:    cfg.DB.MaxOpenConns,
		MaxIdleConns:    cfg.DB.MaxIdleConns,
		ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.DB.ConnMaxIdleTime,
	})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	if cfg.DB.AutoMigrate {
		schema := append(append([]string{}, calls.Schema...), audit.Schema...)
		if err := utils.ApplySchema(rootCtx, db, schema...); err != nil {
			log.Error("schema apply failed", "err", err)
			os.Exit(1)
		}
		log.Info("schema ensured", "tables", []string{"call_records", "call_events"})
	}

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	// Realtime transport. Without NATS, events only reach sockets on this node.
	var bus realtime.Bus
	if cfg.NATS.URL != "" {
		nb, err := realtime.DialNATS(cfg.NATS.URL, "marketplace-calls-"+cfg.App.NodeID, log)
		if err != nil {
			log.Error("nats init failed", "err", err)
			os.Exit(1)
		}
		defer nb.Close()
		bus = nb
	} else {
		log.Warn("NATS_URL not set; realtime delivery is node-local")
	}
	hub := realtime.NewHub(realtime.NewRegistry(rdb, 0), bus, log)
	if err := hub.Start(); err != nil {
		log.Error("realtime hub start failed", "err", err)
		os.Exit(1)
	}

	var notifier notify.Dispatcher = notify.LogDispatcher{Log: log}
	if len(cfg.Kafka.Brokers) > 0 {
		kd := notify.NewKafkaDispatcher(cfg.Kafka.Brokers, cfg.Kafka.PushTopic, log)
		defer kd.Close()
		notifier = kd
	}

	tracker := presence.NewTracker(rdb, presence.Options{
		TTL:             cfg.Presence.TTL,
		OfflineTTL:      cfg.Presence.OfflineTTL,
		OnlineThreshold: cfg.Presence.OnlineThreshold,
		Retention:       cfg.Presence.Retention,
	}, log)

	sessions := calls.NewSessionStore(rdb)
	members := membership.NewSet(rdb, sessions, log)

	svc := calls.NewService(calls.Deps{
		Repo:       calls.NewPostgresRepo(db),
		Sessions:   sessions,
		Presence:   tracker,
		Membership: members,
		Transport:  hub,
		Directory:  orders.NewPostgresDirectory(db),
		Notifier:   notifier,
		Journal:    audit.NewService(audit.NewPostgresRepo(db)),
		Log:        log,
	}, calls.Options{
		RingTimeout: cfg.Calls.RingTimeout,
		ActiveTTL:   cfg.Calls.ActiveTTL,
	})

	hub.SetHooks(realtime.Hooks{
		OnConnect: func(ctx context.Context, userID, deviceType, connID string) {
			if err := tracker.UpdatePresence(ctx, userID, presence.ParseDeviceType(deviceType), connID); err != nil {
				log.Warn("presence on connect failed", "user_id", userID, "err", err)
			}
		},
		OnHeartbeat: func(ctx context.Context, userID, deviceType, connID string) {
			if err := tracker.UpdatePresence(ctx, userID, presence.ParseDeviceType(deviceType), connID); err != nil {
				log.Warn("presence heartbeat failed", "user_id", userID, "err", err)
			}
		},
		OnSignoff: func(ctx context.Context, userID string) {
			if err := tracker.MarkOffline(ctx, userID); err != nil {
				log.Warn("presence signoff failed", "user_id", userID, "err", err)
			}
		},
		OnDisconnect: func(ctx context.Context, userID, _ string) {
			svc.HandleDisconnect(ctx, userID)
		},
	})

	// Background workers stop with rootCtx.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		svc.RunReaper(rootCtx, cfg.Calls.ReaperInterval)
	}()
	go func() {
		defer wg.Done()
		tracker.RunSweeper(rootCtx, cfg.Presence.SweepInterval)
	}()

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, routeDeps{
		auth:           authManager,
		calls:          svc,
		presence:       tracker,
		hub:            hub,
		ready:          readiness(db, rdb),
		allowDevTokens: !cfg.IsProduction(),
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Websocket handlers manage their own deadlines after upgrade.
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	// Close sockets first so Shutdown is not held open by hijacked connections.
	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	svc.Stop()
	wg.Wait()
	log.Info("shutdown complete")
}
