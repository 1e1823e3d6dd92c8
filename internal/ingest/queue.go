package ingest

import (
	"errors"

	"wisefido-pv-ingest/internal/models"
)

var (
	// ErrQueueFull 队列已满，调用方稍后重试
	ErrQueueFull = errors.New("queue full")
	// ErrNilReading 空记录
	ErrNilReading = errors.New("nil reading")
)

// Queue 有界 FIFO 内存队列
// 多个生产者通过 Submit 入队；只有 FlushWorker 调用 Drain 出队
type Queue struct {
	items chan *models.Reading
}

// NewQueue 创建容量为 capacity 的队列
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		items: make(chan *models.Reading, capacity),
	}
}

// Submit 准入检查：队列未满则入队，否则返回 ErrQueueFull，不修改队列
// 不阻塞，也不做任何 I/O
func (q *Queue) Submit(r *models.Reading) error {
	if r == nil {
		return ErrNilReading
	}
	select {
	case q.items <- r:
		return nil
	default:
		return ErrQueueFull
	}
}

// Drain 从队头取出最多 max 条，队列为空时提前返回
func (q *Queue) Drain(max int) []*models.Reading {
	if max <= 0 {
		return nil
	}
	var batch []*models.Reading
	for len(batch) < max {
		select {
		case r := <-q.items:
			batch = append(batch, r)
		default:
			return batch
		}
	}
	return batch
}

// Len 当前排队条数
func (q *Queue) Len() int {
	return len(q.items)
}

// Cap 队列容量
func (q *Queue) Cap() int {
	return cap(q.items)
}
