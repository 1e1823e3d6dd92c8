package ingest

import (
	"wisefido-pv-ingest/internal/models"
)

// Submitter 准入接口（HTTP、MQTT、Redis Streams 入口共用）
type Submitter interface {
	Submit(r *models.Reading) error
}

// AdmissionGate 准入门：容量检查 + 指标
type AdmissionGate struct {
	queue   *Queue
	metrics *Metrics
}

// NewAdmissionGate 创建准入门
func NewAdmissionGate(queue *Queue, metrics *Metrics) *AdmissionGate {
	return &AdmissionGate{queue: queue, metrics: metrics}
}

// Submit 入队；队列已满返回 ErrQueueFull（可重试）
func (g *AdmissionGate) Submit(r *models.Reading) error {
	err := g.queue.Submit(r)
	switch err {
	case nil:
		g.metrics.RecordAccepted()
	case ErrQueueFull:
		g.metrics.RecordRejected()
	}
	return err
}

// Len 当前排队条数
func (g *AdmissionGate) Len() int {
	return g.queue.Len()
}

// Cap 队列容量
func (g *AdmissionGate) Cap() int {
	return g.queue.Cap()
}
