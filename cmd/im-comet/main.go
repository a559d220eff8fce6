package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/zhixiangxue/chalk-ai/internal/app"
	"github.com/zhixiangxue/chalk-ai/internal/config"
	"github.com/zhixiangxue/chalk-ai/internal/hub"
	"github.com/zhixiangxue/chalk-ai/internal/metrics"
	"github.com/zhixiangxue/chalk-ai/internal/server"
	"github.com/zhixiangxue/chalk-ai/internal/session"
)

var (
	// Version is injected via -ldflags "-X main.Version=..."
	Version = "dev"
)

func main() {
	var cfgPaths string
	flag.StringVar(&cfgPaths, "c", "./config.yml", "config file path (supports: a.yml,b.yml)")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(cfgPaths)
	if err != nil {
		boot, _ := zap.NewProduction()
		boot.Fatal("load config failed", zap.Error(err))
	}
	log, err := app.NewLogger(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if !cfg.IsDev() {
		gin.SetMode(gin.ReleaseMode)
	}
	metrics.Register()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	core, err := app.NewCore(ctx, cfg, log)
	if err != nil {
		log.Fatal("init failed", zap.Error(err))
	}
	defer core.Close()

	jobs, err := core.JobQueue()
	if err != nil {
		log.Fatal("job queue init failed", zap.Error(err))
	}

	h := hub.New(cfg.Session.EvictWait)
	core.Engine.SetLocal(h)

	mgr := session.NewManager(session.Deps{
		Messages: core.Messages,
		Presence: core.Redis,
		Offline:  core.Redis,
		Broker:   core.Redis,
		Jobs:     jobs,
		Hub:      h,
		Addr:     core.Redis.Addresser(),
		Log:      log.Named("session"),
	}, session.Options{
		HeartbeatInterval: cfg.Session.HeartbeatInterval,
		PresenceTTL:       cfg.Session.PresenceTTL,
		ReplayLimit:       cfg.Session.ReplayLimit,
		InboxSize:         cfg.Session.InboxSize,
		OpTimeout:         cfg.Redis.OpTimeout,
	})

	// Sessions outlive the signal context so shutdown can close them with
	// a proper close frame.
	base, cancelSessions := context.WithCancel(context.Background())
	defer cancelSessions()

	s := &server.Server{
		Sessions: mgr,
		Hub:      h,
		Health:   core.Redis,
		Notifier: core.Engine,
		Presence: core.Redis,
		WS: session.WSOptions{
			WriteTimeout: cfg.Session.WriteTimeout,
			IdleTimeout:  cfg.Session.IdleTimeout,
			MaxFrameSize: cfg.Session.MaxFrameSize,
		},
		Log:  log.Named("http"),
		Base: base,
	}

	if cfg.Queue.Embedded {
		go func() {
			if err := core.RunDistribution(ctx); err != nil {
				log.Error("embedded distribution stopped", zap.Error(err))
			}
		}()
		go core.RunMaintenance(ctx)
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 2 * time.Second,
	}
	go func() {
		log.Info("im-comet listening",
			zap.String("version", Version),
			zap.String("addr", cfg.HTTP.Addr),
			zap.String("store", cfg.Store.Driver),
			zap.String("queue", cfg.Queue.Driver),
			zap.Bool("embedded_worker", cfg.Queue.Embedded))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("im-comet shutting down", zap.Int("sessions", h.Len()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	// Cancelling base closes every transport normally; KickAll then waits
	// for each session to finish cleanup.
	cancelSessions()
	h.KickAll(shutdownCtx)
}
