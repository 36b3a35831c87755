package persist

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/drsammd/safeplay-staging-sub008/internal/tracking"
)

// Saver 批量持久化接口（repository.LocationRepository 实现）
type Saver interface {
	SaveBatch(ctx context.Context, changes []tracking.Change) error
}

// Config 写后持久化参数
type Config struct {
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
	MaxAttempts   int // 单批写入最大尝试次数，默认 3
}

// WriteBehind 异步写后持久化
// Enqueue 永不阻塞追踪核心：队列满时丢弃并计数，由后台 worker 按批量或定时写入
type WriteBehind struct {
	saver   Saver
	cfg     Config
	metrics *tracking.Metrics
	logger  *zap.Logger

	queue chan tracking.Change
	stop  chan struct{}
	done  chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewWriteBehind 创建写后持久化 worker
func NewWriteBehind(saver Saver, cfg Config, metrics *tracking.Metrics, logger *zap.Logger) *WriteBehind {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &WriteBehind{
		saver:   saver,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
		queue:   make(chan tracking.Change, cfg.QueueSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Enqueue 提交一次状态变化（非阻塞）
func (w *WriteBehind) Enqueue(change tracking.Change) {
	select {
	case w.queue <- change:
	default:
		w.metrics.RecordPersistDropped()
		w.logger.Warn("Persist queue full, dropping change",
			zap.String("child_id", change.State.ChildID),
			zap.Int("queue_size", w.cfg.QueueSize),
		)
	}
}

// Start 启动后台 worker
func (w *WriteBehind) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		w.logger.Info("Write-behind persister started",
			zap.Int("batch_size", w.cfg.BatchSize),
			zap.Duration("flush_interval", w.cfg.FlushInterval),
		)
		go w.run(ctx)
	})
}

// Stop 停止 worker 并写入剩余数据
func (w *WriteBehind) Stop(ctx context.Context) error {
	w.stopOnce.Do(func() { close(w.stop) })
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *WriteBehind) run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]tracking.Change, 0, w.cfg.BatchSize)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		w.save(ctx, batch)
		batch = make([]tracking.Change, 0, w.cfg.BatchSize)
	}

	for {
		select {
		case c := <-w.queue:
			batch = append(batch, c)
			if len(batch) >= w.cfg.BatchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		case <-w.stop:
			w.drain(&batch)
			flush(context.Background())
			return
		case <-ctx.Done():
			w.drain(&batch)
			flush(context.Background())
			return
		}
	}
}

// drain 取出队列中剩余的变化
func (w *WriteBehind) drain(batch *[]tracking.Change) {
	for {
		select {
		case c := <-w.queue:
			*batch = append(*batch, c)
		default:
			return
		}
	}
}

func (w *WriteBehind) save(ctx context.Context, batch []tracking.Change) {
	backoff := 100 * time.Millisecond
	for attempt := 1; ; attempt++ {
		saveCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := w.saver.SaveBatch(saveCtx, batch)
		cancel()
		if err == nil {
			w.logger.Debug("Persisted batch", zap.Int("size", len(batch)))
			return
		}
		if attempt >= w.cfg.MaxAttempts {
			w.logger.Error("Failed to persist batch, giving up",
				zap.Int("size", len(batch)),
				zap.Int("attempts", attempt),
				zap.Error(err),
			)
			return
		}
		w.logger.Warn("Failed to persist batch, retrying",
			zap.Int("size", len(batch)),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff *= 2
	}
}
