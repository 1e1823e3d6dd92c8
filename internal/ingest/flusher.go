package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"wisefido-pv-ingest/internal/models"
	"wisefido-pv-ingest/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// BatchWriter 批量写入接口（由 repository.PVReadingsRepository 实现）
type BatchWriter interface {
	BulkInsert(ctx context.Context, rows []*models.StorageRow) (int, error)
}

// BatchTransformer 批量转换接口（由 transformer.PVTransformer 实现）
type BatchTransformer interface {
	TransformBatch(readings []*models.Reading) ([]*models.StorageRow, int)
}

// FlushConfig 刷写参数
type FlushConfig struct {
	BatchSize     int           // 单批最大条数
	FlushInterval time.Duration // 队列为空时的等待间隔
	WriteTimeout  time.Duration // 单批写入超时
}

// FlushWorker 唯一的出队方：按 大小/时间 混合触发把队列写入数据库
// 写入失败整批丢弃，不重新入队
type FlushWorker struct {
	queue       *Queue
	transformer BatchTransformer
	writer      BatchWriter
	metrics     *Metrics
	cfg         FlushConfig
	logger      *zap.Logger

	done chan struct{}
}

// NewFlushWorker 创建刷写 worker
func NewFlushWorker(
	queue *Queue,
	transformer BatchTransformer,
	writer BatchWriter,
	metrics *Metrics,
	cfg FlushConfig,
	logger *zap.Logger,
) *FlushWorker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 20 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	return &FlushWorker{
		queue:       queue,
		transformer: transformer,
		writer:      writer,
		metrics:     metrics,
		cfg:         cfg,
		logger:      logger,
		done:        make(chan struct{}),
	}
}

// Run 运行刷写循环，直到 ctx 取消
// 取消后不再出队；正在进行的写入使用独立的超时上下文，允许其自然完成
func (w *FlushWorker) Run(ctx context.Context) {
	defer close(w.done)

	w.logger.Info("Flush worker started",
		zap.Int("batch_size", w.cfg.BatchSize),
		zap.Duration("flush_interval", w.cfg.FlushInterval),
		zap.Int("queue_capacity", w.queue.Cap()),
	)

	idle := time.NewTimer(w.cfg.FlushInterval)
	defer idle.Stop()

	for ctx.Err() == nil {
		if w.flushOnce(ctx) {
			continue
		}

		// 队列为空：等待 FlushInterval 后重新检查
		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(w.cfg.FlushInterval)

		select {
		case <-ctx.Done():
		case <-idle.C:
		}
	}

	if remaining := w.queue.Len(); remaining > 0 {
		w.logger.Warn("Dropping queued readings on shutdown", zap.Int("count", remaining))
	}
	w.logger.Info("Flush worker stopped")
}

// Done 在 Run 返回后关闭
func (w *FlushWorker) Done() <-chan struct{} {
	return w.done
}

// flushOnce 执行一个周期；队列为空时返回 false
func (w *FlushWorker) flushOnce(ctx context.Context) (worked bool) {
	cycleStart := time.Now()
	batchID := uuid.NewString()

	var batch []*models.Reading
	defer func() {
		if r := recover(); r != nil {
			worked = true
			w.logger.Error("Recovered panic in flush cycle",
				zap.String("batch_id", batchID),
				zap.Int("batch_size", len(batch)),
				zap.Any("panic", r),
			)
			w.metrics.RecordBatchFailed(len(batch), "panic", fmt.Errorf("panic: %v", r))
		}
	}()

	batch = w.queue.Drain(w.cfg.BatchSize)
	if len(batch) == 0 {
		return false
	}

	rows, rejected := w.transformer.TransformBatch(batch)
	w.metrics.RecordTransformRejected(rejected)
	if len(rows) == 0 {
		w.logger.Warn("No valid readings in batch, skipping write",
			zap.String("batch_id", batchID),
			zap.Int("batch_size", len(batch)),
			zap.Int("rejected", rejected),
		)
		return true
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.WriteTimeout)
	defer cancel()

	writeStart := time.Now()
	n, err := w.writer.BulkInsert(writeCtx, rows)
	writeDuration := time.Since(writeStart)

	if err != nil {
		kind := string(repository.WriteErrorUnknown)
		var we *repository.WriteError
		if errors.As(err, &we) {
			kind = string(we.Kind)
		}
		w.logger.Error("Failed to write batch, dropping",
			zap.String("batch_id", batchID),
			zap.Int("batch_size", len(rows)),
			zap.String("error_kind", kind),
			zap.Duration("db_duration", writeDuration),
			zap.Error(err),
		)
		w.metrics.RecordBatchFailed(len(rows), kind, err)
		return true
	}

	cycleDuration := time.Since(cycleStart)
	w.metrics.RecordBatchWritten(n, writeDuration, cycleDuration)
	w.logger.Info("Inserted batch",
		zap.String("batch_id", batchID),
		zap.Int("rows", n),
		zap.Int("rejected", rejected),
		zap.Duration("db_duration", writeDuration),
		zap.Duration("cycle_duration", cycleDuration),
	)
	return true
}
