package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	rediscommon "github.com/drsammd/safeplay-staging-sub008/common/redis"
	"github.com/drsammd/safeplay-staging-sub008/internal/models"
	"github.com/drsammd/safeplay-staging-sub008/internal/tracking"
)

// 扫码网关事件类型
const (
	ActionObservation = "observation"
	ActionCheckIn     = "checkin"
	ActionCheckOut    = "checkout"
)

// StreamEvent 扫码网关发布到 Redis Streams 的事件（data 字段 JSON）
type StreamEvent struct {
	Action string `json:"action"` // 为空时视为 observation
	models.LocationObservation
	Confidence *float64 `json:"confidence,omitempty"` // 签入时缺省为 1.0
}

// StreamConfig Streams 消费参数
type StreamConfig struct {
	Stream        string
	ConsumerGroup string
	ConsumerName  string
	BatchSize     int64
	Block         time.Duration
	MaxDeliveries int64 // 可重试失败的最大投递次数，超过后确认并丢弃，默认 5
}

// StreamConsumer 扫码网关 Redis Streams 消费者
//
// 处理成功或永久失败（非法消息）的消息会被 XACK；
// 存储不可用的消息保留在 pending 列表中，下一轮重放；
// 投递次数达到 MaxDeliveries 后确认并丢弃，避免单条消息阻塞整个流
type StreamConsumer struct {
	cfg         StreamConfig
	redisClient *redis.Client
	ingestor    Ingestor
	stats       *Stats
	logger      *zap.Logger

	hasPending bool
}

// NewStreamConsumer 创建 Streams 消费者
func NewStreamConsumer(cfg StreamConfig, redisClient *redis.Client, ingestor Ingestor, logger *zap.Logger) *StreamConsumer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Block <= 0 {
		cfg.Block = 2 * time.Second
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 5
	}
	return &StreamConsumer{
		cfg:         cfg,
		redisClient: redisClient,
		ingestor:    ingestor,
		stats:       &Stats{StartTime: time.Now()},
		logger:      logger,
		hasPending:  true, // 启动时先处理上次遗留的 pending 消息
	}
}

// Stats 处理统计
func (c *StreamConsumer) Stats() Stats {
	return c.stats.GetSnapshot()
}

// Start 启动消费循环，阻塞直到 ctx 取消
func (c *StreamConsumer) Start(ctx context.Context) error {
	if err := rediscommon.CreateConsumerGroup(ctx, c.redisClient, c.cfg.Stream, c.cfg.ConsumerGroup); err != nil {
		return fmt.Errorf("failed to create consumer group for %s: %w", c.cfg.Stream, err)
	}

	c.logger.Info("Stream consumer started",
		zap.String("consumer_group", c.cfg.ConsumerGroup),
		zap.String("consumer_name", c.cfg.ConsumerName),
		zap.String("stream", c.cfg.Stream),
	)

	statsCtx, statsCancel := context.WithCancel(ctx)
	defer statsCancel()
	go reportStats(statsCtx, "stream", c.stats, time.Minute, c.logger)

	backoffDuration := time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := c.consumeOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("Failed to consume stream",
				zap.Error(err),
				zap.Duration("backoff", backoffDuration),
			)

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoffDuration):
				backoffDuration *= 2
				if backoffDuration > maxBackoff {
					backoffDuration = maxBackoff
				}
			}
		} else {
			backoffDuration = time.Second
		}
	}
}

// consumeOnce 先重放 pending 消息，再读取新消息
func (c *StreamConsumer) consumeOnce(ctx context.Context) error {
	if c.hasPending {
		pending, err := rediscommon.ReadPendingFromStream(ctx, c.redisClient, c.cfg.Stream, c.cfg.ConsumerGroup, c.cfg.ConsumerName, c.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("failed to read pending messages: %w", err)
		}
		if len(pending) == 0 {
			c.hasPending = false
		} else {
			return c.processBatch(ctx, pending)
		}
	}

	messages, err := rediscommon.ReadFromStream(ctx, c.redisClient, c.cfg.Stream, c.cfg.ConsumerGroup, c.cfg.ConsumerName, c.cfg.BatchSize, c.cfg.Block)
	if err != nil {
		return fmt.Errorf("failed to read from stream: %w", err)
	}
	return c.processBatch(ctx, messages)
}

// processBatch 处理一批消息，存储不可用时返回错误触发退避
func (c *StreamConsumer) processBatch(ctx context.Context, messages []rediscommon.StreamMessage) error {
	var retryable error
	for _, msg := range messages {
		err := c.processMessage(ctx, msg)
		switch {
		case err == nil, isPermanent(err):
			c.ack(ctx, msg.ID)
		case c.exhausted(ctx, msg.ID):
			c.stats.recordDropped()
			c.logger.Error("Dropping stream message after repeated failures",
				zap.String("stream_id", msg.ID),
				zap.Int64("max_deliveries", c.cfg.MaxDeliveries),
				zap.Error(err),
			)
			c.ack(ctx, msg.ID)
		default:
			c.hasPending = true
			retryable = err
		}
	}
	if retryable != nil {
		return fmt.Errorf("messages left pending: %w", retryable)
	}
	return nil
}

func (c *StreamConsumer) ack(ctx context.Context, id string) {
	if err := rediscommon.Ack(ctx, c.redisClient, c.cfg.Stream, c.cfg.ConsumerGroup, id); err != nil {
		c.logger.Error("Failed to ack message",
			zap.String("stream_id", id),
			zap.Error(err),
		)
	}
}

// exhausted 消息投递次数是否已达上限（查询失败时按未达上限处理）
func (c *StreamConsumer) exhausted(ctx context.Context, id string) bool {
	n, err := rediscommon.DeliveryCount(ctx, c.redisClient, c.cfg.Stream, c.cfg.ConsumerGroup, id)
	if err != nil {
		c.logger.Warn("Failed to read delivery count",
			zap.String("stream_id", id),
			zap.Error(err),
		)
		return false
	}
	return n >= c.cfg.MaxDeliveries
}

// processMessage 处理单条消息
func (c *StreamConsumer) processMessage(ctx context.Context, msg rediscommon.StreamMessage) error {
	event, err := parseStreamEvent(msg)
	if err != nil {
		c.stats.recordError(err)
		c.logger.Warn("Dropping malformed stream message",
			zap.String("stream_id", msg.ID),
			zap.Error(err),
		)
		return err
	}

	switch event.Action {
	case ActionCheckOut:
		_, err = c.ingestor.CheckOut(ctx, event.ChildID, event.Timestamp)
		if err == nil {
			c.stats.recordCheckOut()
		}
	case ActionCheckIn:
		var result *tracking.IngestResult
		result, err = c.ingestor.Ingest(ctx, tracking.AsCheckIn(tracking.CheckIn{
			LocationObservation: event.LocationObservation,
			Confidence:          event.Confidence,
		}))
		if err == nil {
			c.stats.record(result.Outcome)
		}
	default:
		var result *tracking.IngestResult
		result, err = c.ingestor.Ingest(ctx, event.LocationObservation)
		if err == nil {
			c.stats.record(result.Outcome)
		}
	}

	if err != nil {
		c.stats.recordError(err)
		if isPermanent(err) {
			c.logger.Warn("Rejected stream event",
				zap.String("stream_id", msg.ID),
				zap.String("action", event.Action),
				zap.Error(err),
			)
		} else {
			c.logger.Error("Failed to process stream event",
				zap.String("stream_id", msg.ID),
				zap.String("action", event.Action),
				zap.Error(err),
			)
		}
		return err
	}
	return nil
}

func parseStreamEvent(msg rediscommon.StreamMessage) (*StreamEvent, error) {
	raw, ok := msg.Values["data"]
	if !ok {
		return nil, fmt.Errorf("%w: missing data field", errInvalidMessage)
	}
	data, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("%w: data field is not a string", errInvalidMessage)
	}

	var event StreamEvent
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidMessage, err)
	}
	if event.Confidence != nil {
		event.LocationObservation.Confidence = *event.Confidence
	}
	event.Action = strings.ToLower(strings.TrimSpace(event.Action))
	switch event.Action {
	case "":
		event.Action = ActionObservation
	case ActionObservation, ActionCheckIn, ActionCheckOut:
	default:
		return nil, fmt.Errorf("%w: unknown action %q", errInvalidMessage, event.Action)
	}
	return &event, nil
}
