package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	mqttcommon "github.com/drsammd/safeplay-staging-sub008/common/mqtt"
	"github.com/drsammd/safeplay-staging-sub008/internal/directory"
	"github.com/drsammd/safeplay-staging-sub008/internal/models"
)

var errInvalidMessage = errors.New("invalid message")

// Subscriber MQTT 订阅接口（common/mqtt.Client 实现）
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqttcommon.MessageHandler) error
	Unsubscribe(topics ...string) error
}

// CameraResolver 摄像头位置查询（directory.Client 实现）
type CameraResolver interface {
	Resolve(ctx context.Context, cameraID string) (*directory.Placement, error)
	Invalidate(cameraID string)
}

// RecognitionPayload 摄像头人脸识别事件
type RecognitionPayload struct {
	ChildID    string           `json:"childId"`
	Confidence float64          `json:"confidence"`
	CameraID   string           `json:"cameraId"`
	Timestamp  int64            `json:"timestamp"` // 毫秒时间戳，0 表示使用接收时间
	Position   *models.Position `json:"position,omitempty"`
}

// RecognitionConsumer 人脸识别 MQTT 消费者
// 识别主题: safeplay/cameras/{cameraId}/recognition
// 位置变更主题: safeplay/cameras/{cameraId}/placement（场馆管理移动摄像头后发布，清除位置缓存）
type RecognitionConsumer struct {
	subscriber     Subscriber
	resolver       CameraResolver
	ingestor       Ingestor
	topic          string
	placementTopic string
	qos            byte
	stats          *Stats
	logger         *zap.Logger
}

// NewRecognitionConsumer 创建人脸识别消费者，placementTopic 为空时不订阅位置变更
func NewRecognitionConsumer(subscriber Subscriber, resolver CameraResolver, ingestor Ingestor, topic, placementTopic string, qos byte, logger *zap.Logger) *RecognitionConsumer {
	return &RecognitionConsumer{
		subscriber:     subscriber,
		resolver:       resolver,
		ingestor:       ingestor,
		topic:          topic,
		placementTopic: placementTopic,
		qos:            qos,
		stats:          &Stats{StartTime: time.Now()},
		logger:         logger,
	}
}

// Stats 处理统计
func (c *RecognitionConsumer) Stats() Stats {
	return c.stats.GetSnapshot()
}

// Start 订阅识别主题，阻塞直到 ctx 取消
func (c *RecognitionConsumer) Start(ctx context.Context) error {
	handler := func(topic string, payload []byte) error {
		return c.handleMessage(ctx, topic, payload)
	}
	if err := c.subscriber.Subscribe(c.topic, c.qos, handler); err != nil {
		return fmt.Errorf("failed to subscribe to recognition topic: %w", err)
	}
	if c.placementTopic != "" {
		if err := c.subscriber.Subscribe(c.placementTopic, c.qos, c.handlePlacementChange); err != nil {
			return fmt.Errorf("failed to subscribe to placement topic: %w", err)
		}
	}

	c.logger.Info("Recognition consumer started", zap.String("topic", c.topic))

	go reportStats(ctx, "recognition", c.stats, time.Minute, c.logger)

	<-ctx.Done()
	return nil
}

// Stop 取消订阅
func (c *RecognitionConsumer) Stop(ctx context.Context) error {
	topics := []string{c.topic}
	if c.placementTopic != "" {
		topics = append(topics, c.placementTopic)
	}
	if err := c.subscriber.Unsubscribe(topics...); err != nil {
		c.logger.Error("Failed to unsubscribe", zap.Error(err))
	}
	c.logger.Info("Recognition consumer stopped")
	return nil
}

// handleMessage 处理单条识别事件
func (c *RecognitionConsumer) handleMessage(ctx context.Context, topic string, payload []byte) error {
	obs, err := c.toObservation(ctx, topic, payload)
	if err != nil {
		c.stats.recordError(err)
		c.logger.Warn("Dropping recognition event",
			zap.String("topic", topic),
			zap.Error(err),
		)
		return err
	}

	result, err := c.ingestor.Ingest(ctx, *obs)
	if err != nil {
		c.stats.recordError(err)
		c.logger.Error("Failed to ingest recognition event",
			zap.String("child_id", obs.ChildID),
			zap.String("camera_id", obs.CameraID),
			zap.Error(err),
		)
		return err
	}
	c.stats.record(result.Outcome)
	return nil
}

// handlePlacementChange 摄像头被移动：清除缓存，下一次识别重新查询目录
func (c *RecognitionConsumer) handlePlacementChange(topic string, payload []byte) error {
	var p struct {
		CameraID string `json:"cameraId"`
	}
	if len(payload) > 0 {
		_ = json.Unmarshal(payload, &p)
	}
	cameraID := strings.TrimSpace(p.CameraID)
	if cameraID == "" {
		cameraID = cameraFromTopic(topic)
	}
	if cameraID == "" {
		return fmt.Errorf("%w: no camera id in placement change on %s", errInvalidMessage, topic)
	}

	c.resolver.Invalidate(cameraID)
	c.logger.Info("Camera placement changed", zap.String("camera_id", cameraID))
	return nil
}

func (c *RecognitionConsumer) toObservation(ctx context.Context, topic string, payload []byte) (*models.LocationObservation, error) {
	var p RecognitionPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidMessage, err)
	}

	cameraID := strings.TrimSpace(p.CameraID)
	if cameraID == "" {
		cameraID = cameraFromTopic(topic)
	}
	if cameraID == "" {
		return nil, fmt.Errorf("%w: no camera id in payload or topic %s", errInvalidMessage, topic)
	}

	placement, err := c.resolver.Resolve(ctx, cameraID)
	if err != nil {
		return nil, err
	}

	obs := &models.LocationObservation{
		ChildID:    p.ChildID,
		VenueID:    placement.VenueID,
		Zone:       placement.Zone,
		Position:   placement.Position,
		Confidence: p.Confidence,
		SourceKind: models.SourceFaceRecognition,
		CameraID:   cameraID,
	}
	if p.Position != nil {
		obs.Position = p.Position
	}
	if p.Timestamp > 0 {
		obs.Timestamp = time.UnixMilli(p.Timestamp).UTC()
	}
	return obs, nil
}

// cameraFromTopic 从 safeplay/cameras/{cameraId}/... 中提取 cameraId
func cameraFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 4 || parts[1] != "cameras" {
		return ""
	}
	return strings.TrimSpace(parts[2])
}

func isCameraNotFound(err error) bool {
	return errors.Is(err, directory.ErrCameraNotFound)
}
