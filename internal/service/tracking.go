package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/drsammd/safeplay-staging-sub008/common/database"
	mqttcommon "github.com/drsammd/safeplay-staging-sub008/common/mqtt"
	rediscommon "github.com/drsammd/safeplay-staging-sub008/common/redis"
	"github.com/drsammd/safeplay-staging-sub008/internal/config"
	"github.com/drsammd/safeplay-staging-sub008/internal/consumer"
	"github.com/drsammd/safeplay-staging-sub008/internal/directory"
	httpapi "github.com/drsammd/safeplay-staging-sub008/internal/http"
	"github.com/drsammd/safeplay-staging-sub008/internal/persist"
	"github.com/drsammd/safeplay-staging-sub008/internal/repository"
	"github.com/drsammd/safeplay-staging-sub008/internal/tracking"
)

var errMQTTDisconnected = errors.New("mqtt client disconnected")

// TrackingService 位置追踪服务（组装并管理所有组件的生命周期）
type TrackingService struct {
	config *config.Config
	logger *zap.Logger

	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *mqttcommon.Client

	registry    *prometheus.Registry
	store       tracking.StateStore
	tracker     *tracking.Tracker
	writeBehind *persist.WriteBehind
	repo        *repository.LocationRepository

	streamConsumer      *consumer.StreamConsumer
	recognitionConsumer *consumer.RecognitionConsumer

	router *httpapi.Router
	server *Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTrackingService 创建位置追踪服务
func NewTrackingService(cfg *config.Config, logger *zap.Logger) (*TrackingService, error) {
	s := &TrackingService{
		config:   cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := tracking.NewMetrics(s.registry)

	// Redis（状态存储或 Streams 输入需要）
	if cfg.Tracking.StateBackend == config.BackendRedis || cfg.Stream.Enabled {
		s.redisClient = rediscommon.NewRedisClient(&cfg.Redis)
		if err := rediscommon.Ping(context.Background(), s.redisClient); err != nil {
			s.close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
	}

	// 状态存储
	switch cfg.Tracking.StateBackend {
	case config.BackendRedis:
		s.store = tracking.NewRedisStore(s.redisClient, logger)
	default:
		s.store = tracking.NewMemoryStore()
	}

	// 写后持久化
	var persister tracking.Persister
	if cfg.Persist.Enabled {
		db, err := database.NewPostgresDB(&cfg.Database)
		if err != nil {
			s.close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		s.repo = repository.NewLocationRepository(db, logger)
		if err := s.repo.EnsureSchema(context.Background()); err != nil {
			s.close()
			return nil, err
		}
		s.writeBehind = persist.NewWriteBehind(s.repo, persist.Config{
			QueueSize:     cfg.Persist.QueueSize,
			BatchSize:     cfg.Persist.BatchSize,
			FlushInterval: cfg.Persist.FlushInterval,
		}, metrics, logger)
		persister = s.writeBehind
	}

	s.tracker = tracking.NewTracker(s.store, tracking.NewPolicy(tracking.PolicyConfig{
		DebounceWindow:   cfg.Tracking.DebounceWindow,
		HysteresisMargin: cfg.Tracking.HysteresisMargin,
		StaleAfter:       cfg.Tracking.StaleAfter,
	}), tracking.Options{
		HistoryLimit: cfg.Tracking.HistoryLimit,
		SnapshotTTL:  cfg.Tracking.SnapshotTTL,
		Persister:    persister,
		Metrics:      metrics,
	}, logger)

	// 扫码网关 Streams 输入
	if cfg.Stream.Enabled {
		s.streamConsumer = consumer.NewStreamConsumer(consumer.StreamConfig{
			Stream:        cfg.Stream.Input,
			ConsumerGroup: cfg.Stream.ConsumerGroup,
			ConsumerName:  cfg.Stream.ConsumerName,
			BatchSize:     cfg.Stream.BatchSize,
			MaxDeliveries: cfg.Stream.MaxDeliveries,
		}, s.redisClient, s.tracker, logger)
	}

	// 摄像头识别 MQTT 输入
	if cfg.Recognition.Enabled {
		mqttClient, err := mqttcommon.NewClient(&cfg.MQTT, logger)
		if err != nil {
			s.close()
			return nil, fmt.Errorf("failed to connect to mqtt: %w", err)
		}
		s.mqttClient = mqttClient
		dir := directory.NewClient(cfg.Directory.BaseURL, cfg.Directory.Timeout, cfg.Directory.CacheTTL, logger)
		s.recognitionConsumer = consumer.NewRecognitionConsumer(
			mqttClient, dir, s.tracker, cfg.Recognition.Topic, cfg.Recognition.PlacementTopic, cfg.MQTT.QoS, logger,
		)
	}

	s.router = httpapi.NewRouter(logger)
	s.router.RegisterTrackingRoutes(httpapi.NewTrackingHandler(s.tracker, logger))
	s.router.RegisterOpsRoutes(s.health, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	s.server = NewServer(cfg.HTTP.Addr, s.router, logger)

	return s, nil
}

// Handler HTTP 处理器
func (s *TrackingService) Handler() http.Handler {
	return s.router
}

// Start 启动服务，阻塞直到 ctx 取消或某个组件出错
func (s *TrackingService) Start(ctx context.Context) error {
	s.logger.Info("Starting tracking service components",
		zap.String("state_backend", s.config.Tracking.StateBackend),
		zap.Bool("persist_enabled", s.writeBehind != nil),
		zap.Bool("stream_enabled", s.streamConsumer != nil),
		zap.Bool("recognition_enabled", s.recognitionConsumer != nil),
	)

	// 内存存储从数据库预热
	if s.repo != nil && s.config.Tracking.StateBackend == config.BackendMemory {
		states, err := s.repo.LoadStates(ctx)
		if err != nil {
			return fmt.Errorf("failed to load persisted states: %w", err)
		}
		n, err := s.tracker.Restore(ctx, states)
		if err != nil {
			return fmt.Errorf("failed to restore states: %w", err)
		}
		s.logger.Info("Restored child states", zap.Int("restored", n))
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	errCh := make(chan error, 3)

	if s.writeBehind != nil {
		s.writeBehind.Start(runCtx)
	}

	s.goRun(errCh, "stream consumer", s.streamConsumer != nil, func() error {
		return s.streamConsumer.Start(runCtx)
	})
	s.goRun(errCh, "recognition consumer", s.recognitionConsumer != nil, func() error {
		return s.recognitionConsumer.Start(runCtx)
	})
	s.goRun(errCh, "http server", true, s.server.Start)

	s.logger.Info("Tracking service started successfully")

	select {
	case <-runCtx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *TrackingService) goRun(errCh chan<- error, name string, enabled bool, run func() error) {
	if !enabled {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := run(); err != nil {
			errCh <- fmt.Errorf("%s: %w", name, err)
		}
	}()
}

// Stop 按启动的逆序停止组件
func (s *TrackingService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping tracking service")

	if err := s.server.Stop(ctx); err != nil {
		s.logger.Error("Error stopping HTTP server", zap.Error(err))
	}
	if s.recognitionConsumer != nil {
		_ = s.recognitionConsumer.Stop(ctx)
	}
	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("Timed out waiting for consumers to stop")
	}

	if s.writeBehind != nil {
		if err := s.writeBehind.Stop(ctx); err != nil {
			s.logger.Error("Error flushing write-behind queue", zap.Error(err))
		}
	}

	s.close()
	s.logger.Info("Tracking service stopped")
	return nil
}

// health 健康检查：Redis 存储需要可连通，启用识别输入时 MQTT 需要在线
func (s *TrackingService) health(ctx context.Context) error {
	if p, ok := s.store.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(ctx); err != nil {
			return err
		}
	}
	if s.mqttClient != nil && !s.mqttClient.IsConnected() {
		return errMQTTDisconnected
	}
	return nil
}

func (s *TrackingService) close() {
	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}
	if err := rediscommon.Close(s.redisClient); err != nil {
		s.logger.Error("Error closing Redis client", zap.Error(err))
	}
	if err := database.Close(s.db); err != nil {
		s.logger.Error("Error closing database connection", zap.Error(err))
	}
}
