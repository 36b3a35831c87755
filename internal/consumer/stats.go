package consumer

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/drsammd/safeplay-staging-sub008/internal/models"
	"github.com/drsammd/safeplay-staging-sub008/internal/tracking"
)

// Ingestor 追踪核心的写入接口（tracking.Tracker 实现）
type Ingestor interface {
	Ingest(ctx context.Context, obs models.LocationObservation) (*tracking.IngestResult, error)
	CheckOut(ctx context.Context, childID string, at time.Time) (*tracking.CheckOutResult, error)
}

// Stats 消费者处理统计（定期输出到日志）
type Stats struct {
	mu sync.RWMutex

	Processed int64 // 处理的消息总数
	Accepted  int64 // 对账接受
	Discarded int64 // 对账丢弃（superseded / debounced）
	CheckOuts int64 // 签出
	Invalid   int64 // 解析或校验失败（不会重试）
	Failed    int64 // 基础设施失败（可重试）
	Dropped   int64 // 重试次数耗尽后丢弃

	StartTime time.Time
}

// GetSnapshot 获取统计快照（线程安全）
func (s *Stats) GetSnapshot() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		Processed: s.Processed,
		Accepted:  s.Accepted,
		Discarded: s.Discarded,
		CheckOuts: s.CheckOuts,
		Invalid:   s.Invalid,
		Failed:    s.Failed,
		Dropped:   s.Dropped,
		StartTime: s.StartTime,
	}
}

func (s *Stats) record(outcome models.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Processed++
	if outcome == models.OutcomeAccepted {
		s.Accepted++
	} else {
		s.Discarded++
	}
}

func (s *Stats) recordCheckOut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Processed++
	s.CheckOuts++
}

func (s *Stats) recordDropped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Dropped++
}

func (s *Stats) recordError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Processed++
	if isPermanent(err) {
		s.Invalid++
	} else {
		s.Failed++
	}
}

// isPermanent 重试也不会成功的错误（非法输入、损坏的状态、未知摄像头）
func isPermanent(err error) bool {
	return errors.Is(err, tracking.ErrInvalidObservation) ||
		errors.Is(err, tracking.ErrCorruptState) ||
		errors.Is(err, errInvalidMessage) ||
		isCameraNotFound(err)
}

// reportStats 定期输出统计
func reportStats(ctx context.Context, name string, stats *Stats, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := stats.GetSnapshot()
			logger.Info("Consumer stats",
				zap.String("consumer", name),
				zap.Int64("processed", snap.Processed),
				zap.Int64("accepted", snap.Accepted),
				zap.Int64("discarded", snap.Discarded),
				zap.Int64("checkouts", snap.CheckOuts),
				zap.Int64("invalid", snap.Invalid),
				zap.Int64("failed", snap.Failed),
				zap.Int64("dropped", snap.Dropped),
				zap.Duration("uptime", time.Since(snap.StartTime)),
			)
		}
	}
}
