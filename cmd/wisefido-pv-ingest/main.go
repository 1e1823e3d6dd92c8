package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"wisefido-pv-ingest/common/logger"
	"wisefido-pv-ingest/internal/config"
	"wisefido-pv-ingest/internal/service"

	"go.uber.org/zap"
)

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化Logger
	zl, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "wisefido-pv-ingest")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zl.Sync()

	zl.Info("Starting wisefido-pv-ingest service",
		zap.String("http_addr", cfg.HTTP.Addr),
		zap.String("db_host", cfg.Database.Host),
		zap.String("db_name", cfg.Database.Database),
		zap.Int("queue_max", cfg.Ingest.QueueMax),
		zap.Int("batch_size", cfg.Ingest.BatchSize),
		zap.Duration("flush_interval", cfg.Ingest.FlushInterval),
	)

	// 创建服务
	ingestService, err := service.NewPVIngestService(cfg, zl)
	if err != nil {
		zl.Fatal("Failed to create pv ingest service", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ingestService.Start(ctx); err != nil {
		zl.Fatal("Failed to start pv ingest service", zap.Error(err))
	}

	// 等待中断信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	zl.Info("Received signal, shutting down", zap.String("signal", sig.String()))

	// 优雅关闭：先等待在途写入，再关闭数据库
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Ingest.ShutdownTimeout+cfg.Ingest.WriteTimeout)
	defer shutdownCancel()
	if err := ingestService.Stop(shutdownCtx); err != nil {
		zl.Error("Error during shutdown", zap.Error(err))
	}
	cancel()

	zl.Info("Service stopped")
}
