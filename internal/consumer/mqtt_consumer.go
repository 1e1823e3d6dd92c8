package consumer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"wisefido-pv-ingest/internal/config"
	"wisefido-pv-ingest/internal/ingest"
	"wisefido-pv-ingest/internal/models"

	mqttcommon "wisefido-pv-ingest/common/mqtt"

	"go.uber.org/zap"
)

// Subscriber MQTT 订阅接口（由 common/mqtt.Client 实现）
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqttcommon.MessageHandler) error
	Unsubscribe(topics ...string) error
}

// MQTTConsumer 订阅设备遥测主题，把记录交给准入门
type MQTTConsumer struct {
	config     *config.MQTTIngressConfig
	qos        byte
	subscriber Subscriber
	gate       ingest.Submitter
	metrics    *ingest.Metrics
	logger     *zap.Logger
}

// NewMQTTConsumer 创建MQTT消费者
func NewMQTTConsumer(
	cfg *config.MQTTIngressConfig,
	qos byte,
	subscriber Subscriber,
	gate ingest.Submitter,
	metrics *ingest.Metrics,
	logger *zap.Logger,
) *MQTTConsumer {
	return &MQTTConsumer{
		config:     cfg,
		qos:        qos,
		subscriber: subscriber,
		gate:       gate,
		metrics:    metrics,
		logger:     logger,
	}
}

// Start 订阅主题并阻塞到 ctx 取消
func (c *MQTTConsumer) Start(ctx context.Context) error {
	if err := c.subscriber.Subscribe(c.config.Topic, c.qos, c.handleMessage); err != nil {
		return fmt.Errorf("failed to subscribe to telemetry topic: %w", err)
	}

	c.logger.Info("MQTT consumer started", zap.String("topic", c.config.Topic))

	<-ctx.Done()
	return nil
}

// Stop 取消订阅
func (c *MQTTConsumer) Stop() {
	if err := c.subscriber.Unsubscribe(c.config.Topic); err != nil {
		c.logger.Error("Failed to unsubscribe", zap.Error(err))
	}
	c.logger.Info("MQTT consumer stopped")
}

// handleMessage 处理一条遥测消息
// 主题格式: pv/{device_id}/telemetry；消息体未携带 device_id 时取主题中的设备 ID
func (c *MQTTConsumer) handleMessage(topic string, payload []byte) error {
	reading, err := models.DecodeReading(payload, deviceIDFromTopic(topic))
	if err != nil {
		c.metrics.RecordInvalidPayload("mqtt")
		return fmt.Errorf("invalid reading on %s: %w", topic, err)
	}

	if err := c.gate.Submit(reading); err != nil {
		if errors.Is(err, ingest.ErrQueueFull) {
			// MQTT 没有回复通道，只能记录
			c.logger.Warn("Queue full, dropping MQTT reading",
				zap.String("topic", topic),
				zap.String("device_id", reading.DeviceID),
			)
			return nil
		}
		return fmt.Errorf("failed to submit reading: %w", err)
	}

	c.logger.Debug("Queued MQTT reading",
		zap.String("topic", topic),
		zap.String("device_id", reading.DeviceID),
	)
	return nil
}

func deviceIDFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 {
		return ""
	}
	return parts[1]
}
