package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"wisefido-pv-ingest/internal/config"
	"wisefido-pv-ingest/internal/ingest"
	"wisefido-pv-ingest/internal/models"

	rediscommon "wisefido-pv-ingest/common/redis"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const (
	// 队列满时重读自己的待确认消息前的等待
	queueFullBackoff = 100 * time.Millisecond
	// XREADGROUP 阻塞时长
	defaultReadBlock = time.Second
)

// StreamConsumer Redis Streams 消费者
// 入队成功才 XACK；队列已满时消息保持 pending，下一轮从 "0" 重读
type StreamConsumer struct {
	config      *config.StreamIngressConfig
	redisClient *redis.Client
	gate        ingest.Submitter
	metrics     *ingest.Metrics
	logger      *zap.Logger

	block   time.Duration
	pending bool // 是否有未确认、需要重读的消息
}

// NewStreamConsumer 创建 Streams 消费者
func NewStreamConsumer(
	cfg *config.StreamIngressConfig,
	redisClient *redis.Client,
	gate ingest.Submitter,
	metrics *ingest.Metrics,
	logger *zap.Logger,
) *StreamConsumer {
	return &StreamConsumer{
		config:      cfg,
		redisClient: redisClient,
		gate:        gate,
		metrics:     metrics,
		logger:      logger,
		block:       defaultReadBlock,
		// 启动时先处理上次遗留的 pending 消息
		pending: true,
	}
}

// Start 启动消费者
func (c *StreamConsumer) Start(ctx context.Context) error {
	if err := rediscommon.CreateConsumerGroup(ctx, c.redisClient, c.config.Stream, c.config.ConsumerGroup); err != nil {
		return fmt.Errorf("failed to create consumer group for %s: %w", c.config.Stream, err)
	}

	c.logger.Info("Stream consumer started",
		zap.String("stream", c.config.Stream),
		zap.String("consumer_group", c.config.ConsumerGroup),
		zap.String("consumer_name", c.config.ConsumerName),
	)

	backoffDuration := time.Second // 初始退避时间
	maxBackoff := 30 * time.Second // 最大退避时间

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		err := c.consumeOnce(ctx)
		switch {
		case err == nil:
			backoffDuration = time.Second
			continue
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, ingest.ErrQueueFull):
			backoffDuration = time.Second
			if !sleepCtx(ctx, queueFullBackoff) {
				return nil
			}
		default:
			c.logger.Error("Failed to consume stream",
				zap.String("stream", c.config.Stream),
				zap.Duration("backoff", backoffDuration),
				zap.Error(err),
			)
			if !sleepCtx(ctx, backoffDuration) {
				return nil
			}
			// 指数退避，但不超过最大值
			backoffDuration *= 2
			if backoffDuration > maxBackoff {
				backoffDuration = maxBackoff
			}
		}
	}
}

// consumeOnce 读取一批消息并交给准入门
// 返回 ingest.ErrQueueFull 表示本批有消息未入队，保持 pending
func (c *StreamConsumer) consumeOnce(ctx context.Context) error {
	startID := ">"
	if c.pending {
		startID = "0"
	}

	messages, err := rediscommon.ReadFromStream(ctx, c.redisClient, rediscommon.ReadArgs{
		Stream:   c.config.Stream,
		Group:    c.config.ConsumerGroup,
		Consumer: c.config.ConsumerName,
		Count:    c.config.BatchSize,
		StartID:  startID,
		Block:    c.block,
	})
	if err != nil {
		return fmt.Errorf("failed to read from stream %s: %w", c.config.Stream, err)
	}

	if c.pending && len(messages) == 0 {
		c.pending = false
		return nil
	}

	var ackIDs []string
	var submitErr error
	for _, msg := range messages {
		ack, err := c.processMessage(msg)
		if ack {
			ackIDs = append(ackIDs, msg.ID)
		}
		if err != nil {
			submitErr = err
			break
		}
	}

	if err := rediscommon.AckMessages(ctx, c.redisClient, c.config.Stream, c.config.ConsumerGroup, ackIDs...); err != nil {
		return fmt.Errorf("failed to ack messages: %w", err)
	}

	if submitErr != nil {
		c.pending = true
		return submitErr
	}
	return nil
}

// processMessage 处理单条消息，返回是否应确认
// 无法解析的消息确认后丢弃（重读也无法成功）
func (c *StreamConsumer) processMessage(msg rediscommon.StreamMessage) (bool, error) {
	data, _ := msg.Values["data"].(string)
	reading, err := models.DecodeReading([]byte(data), "")
	if err != nil {
		c.metrics.RecordInvalidPayload("stream")
		c.logger.Warn("Dropping undecodable stream message",
			zap.String("stream", msg.Stream),
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		return true, nil
	}

	if err := c.gate.Submit(reading); err != nil {
		if errors.Is(err, ingest.ErrQueueFull) {
			c.logger.Debug("Queue full, leaving stream message pending",
				zap.String("message_id", msg.ID),
				zap.String("device_id", reading.DeviceID),
			)
			return false, err
		}
		c.logger.Warn("Failed to submit stream reading",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		return true, nil
	}

	return true, nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
