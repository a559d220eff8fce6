package main

import (
	"context"
	"flag"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/zhixiangxue/chalk-ai/internal/app"
	"github.com/zhixiangxue/chalk-ai/internal/config"
	"github.com/zhixiangxue/chalk-ai/internal/metrics"
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

	metrics.Register()
	msrv := serveMetrics(cfg.Metrics.Addr, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	core, err := app.NewCore(ctx, cfg, log)
	if err != nil {
		log.Fatal("init failed", zap.Error(err))
	}
	defer core.Close()

	log.Info("im-job starting",
		zap.String("version", Version),
		zap.String("queue", cfg.Queue.Driver),
		zap.Duration("maintenance_every", cfg.Maintenance.Every))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		core.RunMaintenance(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := core.RunDistribution(ctx); err != nil {
			log.Error("distribution stopped", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received")
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = msrv.Shutdown(shutdownCtx)
}

func serveMetrics(addr string, log *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 2 * time.Second,
	}
	go func() {
		log.Info("metrics listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	return srv
}
