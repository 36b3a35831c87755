package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	logpkg "github.com/drsammd/safeplay-staging-sub008/common/logger"
	"github.com/drsammd/safeplay-staging-sub008/internal/config"
	"github.com/drsammd/safeplay-staging-sub008/internal/service"
)

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化Logger
	logger, err := logpkg.NewLogger(cfg.Log.Level, cfg.Log.Format, "safeplay-tracking")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Starting safeplay-tracking service",
		zap.String("http_addr", cfg.HTTP.Addr),
		zap.String("state_backend", cfg.Tracking.StateBackend),
		zap.Duration("debounce_window", cfg.Tracking.DebounceWindow),
		zap.Float64("hysteresis_margin", cfg.Tracking.HysteresisMargin),
		zap.Duration("stale_after", cfg.Tracking.StaleAfter),
	)

	// 创建服务
	trackingService, err := service.NewTrackingService(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create tracking service", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 在 goroutine 中启动服务
	errChan := make(chan error, 1)
	go func() {
		errChan <- trackingService.Start(ctx)
	}()

	// 等待中断信号或启动失败
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
	case err := <-errChan:
		if err != nil {
			logger.Error("Tracking service failed", zap.Error(err))
		}
	}

	// 优雅关闭
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := trackingService.Stop(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}
	cancel()

	logger.Info("Service stopped")
}
