package ingest

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsPrefix = "pv_ingest_"

// Metrics 采集管道监控指标
// 计数同时写入 prometheus 采集器（reg 为 nil 时只保留内存计数）
type Metrics struct {
	mu sync.RWMutex

	// 准入统计
	ReadingsAccepted int64 // 入队成功
	ReadingsRejected int64 // 队列已满被拒绝
	InvalidPayloads  int64 // 入口处无法解析或缺少必填字段

	// 写入统计
	TransformRejected int64 // 转换失败被丢弃的记录
	RowsWritten       int64 // 成功写入的行数
	BatchesWritten    int64 // 成功写入的批次
	BatchesFailed     int64 // 写入失败（整批丢弃）的批次
	RowsDropped       int64 // 随失败批次丢弃的行数

	// 性能指标
	TotalWriteTime time.Duration
	LastFlushTime  time.Time
	LastError      string

	StartTime time.Time

	acceptedTotal    prometheus.Counter
	rejectedTotal    prometheus.Counter
	invalidTotal     *prometheus.CounterVec
	transformTotal   prometheus.Counter
	rowsWrittenTotal prometheus.Counter
	batchesFailed    *prometheus.CounterVec
	writeDuration    prometheus.Histogram
	cycleDuration    prometheus.Histogram
}

// NewMetrics 创建指标；queueLen 用于 pv_ingest_queue_length
func NewMetrics(reg prometheus.Registerer, queueLen func() int) *Metrics {
	m := &Metrics{StartTime: time.Now()}
	if reg == nil {
		return m
	}

	factory := promauto.With(reg)
	m.acceptedTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: metricsPrefix + "readings_accepted_total",
		Help: "Number of readings accepted into the ingestion queue",
	})
	m.rejectedTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: metricsPrefix + "readings_rejected_total",
		Help: "Number of readings rejected because the ingestion queue was full",
	})
	m.invalidTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: metricsPrefix + "invalid_payloads_total",
		Help: "Number of payloads rejected at the boundary grouped by source",
	}, []string{"source"})
	m.transformTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: metricsPrefix + "transform_rejected_total",
		Help: "Number of readings dropped by the transformer",
	})
	m.rowsWrittenTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: metricsPrefix + "rows_written_total",
		Help: "Number of rows committed to pv_readings",
	})
	m.batchesFailed = factory.NewCounterVec(prometheus.CounterOpts{
		Name: metricsPrefix + "batches_failed_total",
		Help: "Number of dropped batches grouped by failure kind",
	}, []string{"kind"})
	m.writeDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Name:    metricsPrefix + "write_duration_seconds",
		Help:    "Duration of bulk inserts",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	})
	m.cycleDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Name:    metricsPrefix + "cycle_duration_seconds",
		Help:    "Duration of flush cycles that carried work",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	})
	if queueLen != nil {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: metricsPrefix + "queue_length",
			Help: "Number of readings waiting in the ingestion queue",
		}, func() float64 { return float64(queueLen()) })
	}

	return m
}

// GetSnapshot 获取指标快照（线程安全）
func (m *Metrics) GetSnapshot() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Metrics{
		ReadingsAccepted:  m.ReadingsAccepted,
		ReadingsRejected:  m.ReadingsRejected,
		InvalidPayloads:   m.InvalidPayloads,
		TransformRejected: m.TransformRejected,
		RowsWritten:       m.RowsWritten,
		BatchesWritten:    m.BatchesWritten,
		BatchesFailed:     m.BatchesFailed,
		RowsDropped:       m.RowsDropped,
		TotalWriteTime:    m.TotalWriteTime,
		LastFlushTime:     m.LastFlushTime,
		LastError:         m.LastError,
		StartTime:         m.StartTime,
	}
}

// RecordAccepted 入队成功
func (m *Metrics) RecordAccepted() {
	m.mu.Lock()
	m.ReadingsAccepted++
	m.mu.Unlock()
	if m.acceptedTotal != nil {
		m.acceptedTotal.Inc()
	}
}

// RecordRejected 队列已满
func (m *Metrics) RecordRejected() {
	m.mu.Lock()
	m.ReadingsRejected++
	m.mu.Unlock()
	if m.rejectedTotal != nil {
		m.rejectedTotal.Inc()
	}
}

// RecordInvalidPayload 入口处拒绝的消息（source: http / mqtt / stream）
func (m *Metrics) RecordInvalidPayload(source string) {
	m.mu.Lock()
	m.InvalidPayloads++
	m.mu.Unlock()
	if m.invalidTotal != nil {
		m.invalidTotal.WithLabelValues(source).Inc()
	}
}

// RecordTransformRejected 转换失败的记录数
func (m *Metrics) RecordTransformRejected(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	m.TransformRejected += int64(n)
	m.mu.Unlock()
	if m.transformTotal != nil {
		m.transformTotal.Add(float64(n))
	}
}

// RecordBatchWritten 批次写入成功
func (m *Metrics) RecordBatchWritten(rows int, writeDuration, cycleDuration time.Duration) {
	m.mu.Lock()
	m.BatchesWritten++
	m.RowsWritten += int64(rows)
	m.TotalWriteTime += writeDuration
	m.LastFlushTime = time.Now()
	m.mu.Unlock()

	if m.rowsWrittenTotal != nil {
		m.rowsWrittenTotal.Add(float64(rows))
		m.writeDuration.Observe(writeDuration.Seconds())
		m.cycleDuration.Observe(cycleDuration.Seconds())
	}
}

// RecordBatchFailed 批次写入失败，整批丢弃
func (m *Metrics) RecordBatchFailed(rows int, kind string, err error) {
	m.mu.Lock()
	m.BatchesFailed++
	m.RowsDropped += int64(rows)
	if err != nil {
		m.LastError = err.Error()
	}
	m.mu.Unlock()

	if m.batchesFailed != nil {
		m.batchesFailed.WithLabelValues(kind).Inc()
	}
}
