package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"wisefido-pv-ingest/internal/config"
	"wisefido-pv-ingest/internal/consumer"
	httpapi "wisefido-pv-ingest/internal/http"
	"wisefido-pv-ingest/internal/ingest"
	"wisefido-pv-ingest/internal/repository"
	"wisefido-pv-ingest/internal/transformer"

	"wisefido-pv-ingest/common/database"
	mqttcommon "wisefido-pv-ingest/common/mqtt"
	rediscommon "wisefido-pv-ingest/common/redis"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// PVIngestService 光伏数据采集服务
// 进程内唯一的队列、刷写 worker 与连接池都挂在这里，显式传给各组件
type PVIngestService struct {
	config *config.Config
	logger *zap.Logger

	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *mqttcommon.Client

	queue    *ingest.Queue
	gate     *ingest.AdmissionGate
	metrics  *ingest.Metrics
	worker   *ingest.FlushWorker
	repo     *repository.PVReadingsRepository
	registry *prometheus.Registry

	mqttConsumer   *consumer.MQTTConsumer
	streamConsumer *consumer.StreamConsumer
	server         *Server

	workerCancel   context.CancelFunc
	consumerCancel context.CancelFunc
	consumerWG     sync.WaitGroup
}

// NewPVIngestService 创建服务（连接数据库与可选的 Redis / MQTT）
func NewPVIngestService(cfg *config.Config, logger *zap.Logger) (*PVIngestService, error) {
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s, err := newPVIngestService(cfg, db, logger)
	if err != nil {
		database.Close(db)
		return nil, err
	}

	if cfg.Ingest.AutoMigrate {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Ingest.WriteTimeout)
		err := s.repo.EnsureSchema(ctx)
		cancel()
		if err != nil {
			s.closeClients()
			return nil, err
		}
	}

	if cfg.Consumers.Stream.Enabled {
		s.redisClient = rediscommon.NewRedisClient(&cfg.Redis)
		if err := rediscommon.Ping(context.Background(), s.redisClient); err != nil {
			s.closeClients()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.streamConsumer = consumer.NewStreamConsumer(&cfg.Consumers.Stream, s.redisClient, s.gate, s.metrics, logger)
	}

	if cfg.Consumers.MQTT.Enabled {
		s.mqttClient, err = mqttcommon.NewClient(&cfg.MQTT, logger)
		if err != nil {
			s.closeClients()
			return nil, fmt.Errorf("failed to connect to MQTT broker: %w", err)
		}
		s.mqttConsumer = consumer.NewMQTTConsumer(&cfg.Consumers.MQTT, cfg.MQTT.QoS, s.mqttClient, s.gate, s.metrics, logger)
	}

	return s, nil
}

// newPVIngestService 组装与数据库无关的部分
func newPVIngestService(cfg *config.Config, db *sql.DB, logger *zap.Logger) (*PVIngestService, error) {
	registry := prometheus.NewRegistry()
	if err := registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("failed to register go collector: %w", err)
	}
	if err := registry.Register(collectors.NewDBStatsCollector(db, cfg.Database.Database)); err != nil {
		return nil, fmt.Errorf("failed to register db stats collector: %w", err)
	}

	queue := ingest.NewQueue(cfg.Ingest.QueueMax)
	metrics := ingest.NewMetrics(registry, queue.Len)
	gate := ingest.NewAdmissionGate(queue, metrics)
	repo := repository.NewPVReadingsRepository(db, logger)

	worker := ingest.NewFlushWorker(
		queue,
		transformer.NewPVTransformer(logger),
		repo,
		metrics,
		ingest.FlushConfig{
			BatchSize:     cfg.Ingest.BatchSize,
			FlushInterval: cfg.Ingest.FlushInterval,
			WriteTimeout:  cfg.Ingest.WriteTimeout,
		},
		logger,
	)

	router := httpapi.NewRouter(logger)
	router.RegisterIngestRoutes(
		httpapi.NewIngestHandler(gate, metrics, logger),
		httpapi.NewEventsHandler(repo, logger),
	)
	router.RegisterOpsRoutes(
		httpapi.NewOpsHandler(repo, gate, metrics, logger),
		promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	)

	return &PVIngestService{
		config:   cfg,
		logger:   logger,
		db:       db,
		queue:    queue,
		gate:     gate,
		metrics:  metrics,
		worker:   worker,
		repo:     repo,
		registry: registry,
		server:   NewServer(cfg.HTTP.Addr, httpapi.WithCORS(router, cfg.HTTP.CORSAllowedOrigins), logger),
	}, nil
}

// Start 启动刷写 worker、可选入口与 HTTP 服务（不阻塞）
func (s *PVIngestService) Start(ctx context.Context) error {
	s.logger.Info("Starting pv ingest service components")

	workerCtx, workerCancel := context.WithCancel(ctx)
	s.workerCancel = workerCancel
	go s.worker.Run(workerCtx)

	consumerCtx, consumerCancel := context.WithCancel(ctx)
	s.consumerCancel = consumerCancel

	if s.streamConsumer != nil {
		s.consumerWG.Add(1)
		go func() {
			defer s.consumerWG.Done()
			if err := s.streamConsumer.Start(consumerCtx); err != nil {
				s.logger.Error("Stream consumer exited", zap.Error(err))
			}
		}()
	}

	if s.mqttConsumer != nil {
		s.consumerWG.Add(1)
		go func() {
			defer s.consumerWG.Done()
			if err := s.mqttConsumer.Start(consumerCtx); err != nil {
				s.logger.Error("MQTT consumer exited", zap.Error(err))
			}
		}()
	}

	go func() {
		if err := s.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server failed", zap.Error(err))
		}
	}()

	s.logger.Info("PV ingest service started",
		zap.String("http_addr", s.config.HTTP.Addr),
		zap.Int("queue_max", s.config.Ingest.QueueMax),
		zap.Int("batch_size", s.config.Ingest.BatchSize),
		zap.Duration("flush_interval", s.config.Ingest.FlushInterval),
		zap.Bool("mqtt_enabled", s.mqttConsumer != nil),
		zap.Bool("stream_enabled", s.streamConsumer != nil),
	)
	return nil
}

// Stop 停止服务
// 顺序：停止接收（HTTP、入口）-> 取消 worker 并等待在途写入 -> 关闭连接
func (s *PVIngestService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping pv ingest service")

	if err := s.server.Stop(ctx); err != nil {
		s.logger.Error("Error stopping HTTP server", zap.Error(err))
	}

	if s.mqttConsumer != nil {
		s.mqttConsumer.Stop()
	}
	if s.consumerCancel != nil {
		s.consumerCancel()
	}
	s.consumerWG.Wait()

	var stopErr error
	if s.workerCancel != nil {
		s.workerCancel()
		timeout := s.config.Ingest.ShutdownTimeout
		select {
		case <-s.worker.Done():
		case <-time.After(timeout):
			stopErr = fmt.Errorf("flush worker did not stop within %s", timeout)
			s.logger.Error("Flush worker did not stop in time", zap.Duration("timeout", timeout))
		case <-ctx.Done():
			stopErr = ctx.Err()
		}
	}

	s.closeClients()

	s.logger.Info("PV ingest service stopped")
	return stopErr
}

func (s *PVIngestService) closeClients() {
	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}
	if s.redisClient != nil {
		if err := rediscommon.Close(s.redisClient); err != nil {
			s.logger.Error("Error closing Redis client", zap.Error(err))
		}
	}
	if s.db != nil {
		if err := database.Close(s.db); err != nil {
			s.logger.Error("Error closing database connection", zap.Error(err))
		}
	}
}
