package ingest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"wisefido-pv-ingest/internal/models"
	"wisefido-pv-ingest/internal/repository"
	"wisefido-pv-ingest/internal/transformer"
)

func reading(deviceID string) *models.Reading {
	return &models.Reading{
		DeviceID:     deviceID,
		Timestamp:    models.TimestampString("2024-01-01T00:00:00Z"),
		Location:     &models.Location{Site: "site-a", Coordinates: &models.Coordinates{Lat: 1, Lon: 2}},
		Measurements: &models.Measurements{ACPower: 1},
		Status:       &models.Status{Operational: true},
		Metadata:     &models.Metadata{FirmwareVersion: "1.0.0", ConnectionType: "wifi"},
	}
}

// recordingWriter 记录每批写入的设备 ID
type recordingWriter struct {
	mu      sync.Mutex
	batches [][]string
	err     error
	calls   int32
}

func (w *recordingWriter) BulkInsert(_ context.Context, rows []*models.StorageRow) (int, error) {
	atomic.AddInt32(&w.calls, 1)
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.DeviceID)
	}
	w.mu.Lock()
	w.batches = append(w.batches, ids)
	w.mu.Unlock()
	if w.err != nil {
		return 0, w.err
	}
	return len(rows), nil
}

func (w *recordingWriter) snapshot() [][]string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([][]string, len(w.batches))
	copy(out, w.batches)
	return out
}

func (w *recordingWriter) written() []string {
	var all []string
	for _, b := range w.snapshot() {
		all = append(all, b...)
	}
	return all
}

func newTestWorker(q *Queue, w BatchWriter, cfg FlushConfig) (*FlushWorker, *Metrics) {
	m := NewMetrics(nil, nil)
	return NewFlushWorker(q, transformer.NewPVTransformer(zap.NewNop()), w, m, cfg, zap.NewNop()), m
}

func TestQueue_SubmitAndCapacity(t *testing.T) {
	q := NewQueue(3)

	for i := 0; i < 3; i++ {
		before := q.Len()
		require.NoError(t, q.Submit(reading("pv")))
		assert.Equal(t, before+1, q.Len())
	}

	err := q.Submit(reading("pv"))
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 3, q.Len())
	assert.Equal(t, 3, q.Cap())

	assert.ErrorIs(t, q.Submit(nil), ErrNilReading)
}

func TestQueue_DrainFIFO(t *testing.T) {
	q := NewQueue(10)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, q.Submit(reading(id)))
	}

	first := q.Drain(3)
	require.Len(t, first, 3)
	assert.Equal(t, "a", first[0].DeviceID)
	assert.Equal(t, "c", first[2].DeviceID)

	rest := q.Drain(10)
	require.Len(t, rest, 2)
	assert.Equal(t, "d", rest[0].DeviceID)
	assert.Equal(t, "e", rest[1].DeviceID)

	assert.Empty(t, q.Drain(10))
	assert.Nil(t, q.Drain(0))
}

func TestQueue_ConcurrentSubmitNeverExceedsCapacity(t *testing.T) {
	q := NewQueue(100)

	var accepted, rejected int64
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if err := q.Submit(reading("pv")); err != nil {
					atomic.AddInt64(&rejected, 1)
				} else {
					atomic.AddInt64(&accepted, 1)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(100), accepted)
	assert.Equal(t, int64(700), rejected)
	assert.Equal(t, 100, q.Len())
}

func TestAdmissionGate_RecordsMetrics(t *testing.T) {
	q := NewQueue(1)
	m := NewMetrics(nil, nil)
	gate := NewAdmissionGate(q, m)

	require.NoError(t, gate.Submit(reading("pv")))
	assert.ErrorIs(t, gate.Submit(reading("pv")), ErrQueueFull)

	snap := m.GetSnapshot()
	assert.Equal(t, int64(1), snap.ReadingsAccepted)
	assert.Equal(t, int64(1), snap.ReadingsRejected)
	assert.Equal(t, 1, gate.Len())
	assert.Equal(t, 1, gate.Cap())
}

func TestFlushWorker_SparseArrivalFlushedWithinInterval(t *testing.T) {
	q := NewQueue(100)
	w := &recordingWriter{}
	worker, _ := newTestWorker(q, w, FlushConfig{BatchSize: 10, FlushInterval: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.Run(ctx)

	// 让 worker 进入空闲等待
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, q.Submit(reading("single")))

	assert.Eventually(t, func() bool {
		return len(w.written()) == 1
	}, 500*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, []string{"single"}, w.written())
}

func TestFlushWorker_BatchSizeCapsBatches(t *testing.T) {
	q := NewQueue(100)
	for i := 0; i < 25; i++ {
		require.NoError(t, q.Submit(reading("pv")))
	}

	w := &recordingWriter{}
	worker, m := newTestWorker(q, w, FlushConfig{BatchSize: 10, FlushInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.Run(ctx)

	assert.Eventually(t, func() bool {
		return len(w.written()) == 25
	}, time.Second, 5*time.Millisecond)

	batches := w.snapshot()
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 10)
	assert.Len(t, batches[1], 10)
	assert.Len(t, batches[2], 5)
	assert.Equal(t, int64(25), m.GetSnapshot().RowsWritten)
	assert.Equal(t, int64(3), m.GetSnapshot().BatchesWritten)
}

func TestFlushWorker_PreservesFIFOAcrossBatches(t *testing.T) {
	q := NewQueue(100)
	var want []string
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		want = append(want, id)
		require.NoError(t, q.Submit(reading(id)))
	}

	w := &recordingWriter{}
	worker, _ := newTestWorker(q, w, FlushConfig{BatchSize: 3, FlushInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.Run(ctx)

	assert.Eventually(t, func() bool {
		return len(w.written()) == len(want)
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, want, w.written())
}

func TestFlushWorker_DropsInvalidReadingsOnly(t *testing.T) {
	q := NewQueue(100)
	for i := 0; i < 4; i++ {
		require.NoError(t, q.Submit(reading("ok")))
	}
	broken := reading("broken")
	broken.Measurements = nil
	require.NoError(t, q.Submit(broken))

	w := &recordingWriter{}
	worker, m := newTestWorker(q, w, FlushConfig{BatchSize: 100, FlushInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.Run(ctx)

	assert.Eventually(t, func() bool {
		return len(w.written()) == 4
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), m.GetSnapshot().TransformRejected)
}

func TestFlushWorker_AllInvalidSkipsWrite(t *testing.T) {
	q := NewQueue(10)
	broken := reading("broken")
	broken.Location = nil
	require.NoError(t, q.Submit(broken))

	w := &recordingWriter{}
	worker, m := newTestWorker(q, w, FlushConfig{BatchSize: 10, FlushInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	go worker.Run(ctx)

	assert.Eventually(t, func() bool {
		return m.GetSnapshot().TransformRejected == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-worker.Done()

	assert.Equal(t, int32(0), atomic.LoadInt32(&w.calls))
}

func TestFlushWorker_WriteFailureDropsBatchAndContinues(t *testing.T) {
	q := NewQueue(100)
	w := &recordingWriter{err: &repository.WriteError{Kind: repository.WriteErrorTransient, Rows: 3, Err: errors.New("connection refused")}}
	worker, m := newTestWorker(q, w, FlushConfig{BatchSize: 3, FlushInterval: 5 * time.Millisecond})

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Submit(reading("lost")))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.Run(ctx)

	assert.Eventually(t, func() bool {
		return m.GetSnapshot().BatchesFailed == 1
	}, time.Second, 5*time.Millisecond)
	// 失败的批次不会回到队列
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, int64(3), m.GetSnapshot().RowsDropped)

	// worker 仍在运行，继续处理后续批次
	require.NoError(t, q.Submit(reading("next")))
	assert.Eventually(t, func() bool {
		return m.GetSnapshot().BatchesFailed == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"lost", "lost", "lost", "next"}, w.written())
}

type panickingTransformer struct {
	calls int32
}

func (p *panickingTransformer) TransformBatch(readings []*models.Reading) ([]*models.StorageRow, int) {
	if atomic.AddInt32(&p.calls, 1) == 1 {
		panic("unexpected shape")
	}
	return transformer.NewPVTransformer(zap.NewNop()).TransformBatch(readings)
}

func TestFlushWorker_RecoversFromPanic(t *testing.T) {
	q := NewQueue(10)
	w := &recordingWriter{}
	m := NewMetrics(nil, nil)
	worker := NewFlushWorker(q, &panickingTransformer{}, w, m,
		FlushConfig{BatchSize: 1, FlushInterval: 5 * time.Millisecond}, zap.NewNop())

	require.NoError(t, q.Submit(reading("boom")))
	require.NoError(t, q.Submit(reading("fine")))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.Run(ctx)

	assert.Eventually(t, func() bool {
		return len(w.written()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"fine"}, w.written())
	assert.Equal(t, int64(1), m.GetSnapshot().BatchesFailed)
}

// blockingWriter 写入阻塞直到 release 关闭
type blockingWriter struct {
	started chan struct{}
	release chan struct{}
	ctxErr  error
	rows    int32
}

func (b *blockingWriter) BulkInsert(ctx context.Context, rows []*models.StorageRow) (int, error) {
	close(b.started)
	<-b.release
	b.ctxErr = ctx.Err()
	atomic.StoreInt32(&b.rows, int32(len(rows)))
	return len(rows), nil
}

func TestFlushWorker_CancelWaitsForInFlightWrite(t *testing.T) {
	q := NewQueue(10)
	require.NoError(t, q.Submit(reading("inflight")))

	b := &blockingWriter{started: make(chan struct{}), release: make(chan struct{})}
	worker, m := newTestWorker(q, b, FlushConfig{BatchSize: 10, FlushInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	go worker.Run(ctx)

	<-b.started
	cancel()

	select {
	case <-worker.Done():
		t.Fatal("worker stopped before in-flight write finished")
	case <-time.After(30 * time.Millisecond):
	}

	close(b.release)
	select {
	case <-worker.Done():
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after write finished")
	}

	// 写入上下文不随 worker 取消
	assert.NoError(t, b.ctxErr)
	assert.Equal(t, int32(1), atomic.LoadInt32(&b.rows))
	assert.Equal(t, int64(1), m.GetSnapshot().RowsWritten)
}

func TestFlushWorker_StopsDrainingAfterCancel(t *testing.T) {
	q := NewQueue(10)
	w := &recordingWriter{}
	worker, _ := newTestWorker(q, w, FlushConfig{BatchSize: 10, FlushInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	go worker.Run(ctx)
	cancel()
	<-worker.Done()

	require.NoError(t, q.Submit(reading("late")))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, q.Len())
	assert.Empty(t, w.written())
}

func TestMetrics_Prometheus(t *testing.T) {
	reg := prometheus.NewRegistry()
	q := NewQueue(5)
	m := NewMetrics(reg, q.Len)

	require.NoError(t, q.Submit(reading("pv")))
	m.RecordAccepted()
	m.RecordRejected()
	m.RecordTransformRejected(2)
	m.RecordBatchWritten(7, 3*time.Millisecond, 4*time.Millisecond)
	m.RecordBatchFailed(4, string(repository.WriteErrorData), errors.New("bad row"))

	assert.Equal(t, float64(1), testutil.ToFloat64(m.acceptedTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.rejectedTotal))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.transformTotal))
	assert.Equal(t, float64(7), testutil.ToFloat64(m.rowsWrittenTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.batchesFailed.WithLabelValues("data")))

	families, err := reg.Gather()
	require.NoError(t, err)
	var queueLen float64 = -1
	for _, f := range families {
		if f.GetName() == "pv_ingest_queue_length" {
			queueLen = f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	assert.Equal(t, float64(1), queueLen)

	snap := m.GetSnapshot()
	assert.Equal(t, "bad row", snap.LastError)
	assert.Equal(t, int64(4), snap.RowsDropped)
}
