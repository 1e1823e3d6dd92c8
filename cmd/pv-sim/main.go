package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"wisefido-pv-ingest/common/config"
	"wisefido-pv-ingest/common/logger"
	mqttcommon "wisefido-pv-ingest/common/mqtt"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// counters 发送结果统计
type counters struct {
	accepted int64
	rejected int64 // 503 队列已满
	failed   int64
}

type sender interface {
	send(ctx context.Context, deviceID string, payload []byte) outcome
}

type outcome int

const (
	outcomeAccepted outcome = iota
	outcomeRejected
	outcomeFailed
)

// httpSender 通过 /api/submit 提交
type httpSender struct {
	client *resty.Client
}

func newHTTPSender(baseURL string, timeout time.Duration) *httpSender {
	return &httpSender{
		client: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json").
			SetHeader("Accept", "application/json"),
	}
}

func (s *httpSender) send(ctx context.Context, _ string, payload []byte) outcome {
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(payload).
		Post("/api/submit")
	if err != nil {
		return outcomeFailed
	}
	switch resp.StatusCode() {
	case http.StatusOK:
		return outcomeAccepted
	case http.StatusServiceUnavailable:
		return outcomeRejected
	default:
		return outcomeFailed
	}
}

// mqttSender 发布到 pv/{device_id}/telemetry
type mqttSender struct {
	client *mqttcommon.Client
}

func (s *mqttSender) send(_ context.Context, deviceID string, payload []byte) outcome {
	if err := s.client.Publish(fmt.Sprintf("pv/%s/telemetry", deviceID), 1, false, payload); err != nil {
		return outcomeFailed
	}
	return outcomeAccepted
}

func main() {
	url := flag.String("url", "http://localhost:8000", "Ingest service base URL")
	mode := flag.String("mode", "http", "Transport: http or mqtt")
	broker := flag.String("broker", "tcp://localhost:1883", "MQTT broker address (mode=mqtt)")
	devices := flag.Int("devices", 10, "Number of simulated devices")
	rate := flag.Float64("rate", 50, "Readings per second across all devices")
	duration := flag.Duration("duration", 30*time.Second, "How long to run (0 = until interrupted)")
	badRatio := flag.Float64("bad-ratio", 0.05, "Fraction of readings with malformed fields")
	seed := flag.Int64("seed", time.Now().UnixNano(), "Random seed")
	flag.Parse()

	if *devices <= 0 || *rate <= 0 {
		log.Fatalf("devices and rate must be positive")
	}

	zl, err := logger.NewLogger("info", "console", "pv-sim")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zl.Sync()

	var s sender
	switch *mode {
	case "http":
		s = newHTTPSender(*url, 5*time.Second)
	case "mqtt":
		client, err := mqttcommon.NewClient(&config.MQTTConfig{
			Broker:   *broker,
			ClientID: fmt.Sprintf("pv-sim-%d", time.Now().UnixNano()),
		}, zl)
		if err != nil {
			zl.Fatal("Failed to connect to MQTT broker", zap.Error(err))
		}
		defer client.Disconnect()
		s = &mqttSender{client: client}
	default:
		zl.Fatal("Unknown mode", zap.String("mode", *mode))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	zl.Info("Starting simulator",
		zap.String("mode", *mode),
		zap.Int("devices", *devices),
		zap.Float64("rate", *rate),
		zap.Duration("duration", *duration),
		zap.Float64("bad_ratio", *badRatio),
	)

	start := time.Now()
	c := run(ctx, s, *devices, *rate, *badRatio, rand.New(rand.NewSource(*seed)))
	elapsed := time.Since(start)

	zl.Info("Simulator finished",
		zap.Int64("accepted", c.accepted),
		zap.Int64("rejected", c.rejected),
		zap.Int64("failed", c.failed),
		zap.Duration("elapsed", elapsed),
		zap.Float64("accepted_per_sec", float64(c.accepted)/math.Max(elapsed.Seconds(), 0.001)),
	)
}

// run 按固定速率轮流为每个设备发送记录，直到 ctx 结束
func run(ctx context.Context, s sender, devices int, rate, badRatio float64, rng *rand.Rand) *counters {
	c := &counters{}
	interval := time.Duration(float64(time.Second) / rate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	// 并发上限，避免服务变慢时无限堆积请求
	sem := make(chan struct{}, 64)

	for i := 0; ; i++ {
		select {
		case <-ctx.Done():
			wg.Wait()
			return c
		case <-ticker.C:
		}

		deviceID := fmt.Sprintf("pv-%04d", i%devices)
		payload, err := json.Marshal(buildReading(rng, deviceID, time.Now().UTC(), badRatio))
		if err != nil {
			atomic.AddInt64(&c.failed, 1)
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return c
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			switch s.send(ctx, deviceID, payload) {
			case outcomeAccepted:
				atomic.AddInt64(&c.accepted, 1)
			case outcomeRejected:
				atomic.AddInt64(&c.rejected, 1)
			default:
				atomic.AddInt64(&c.failed, 1)
			}
		}()
	}
}

var sites = []string{"kathmandu-rooftop", "pokhara-farm", "lalitpur-school"}

// buildReading 生成一条模拟记录；badRatio 概率生成非数字故障码或无法解析的时间戳
func buildReading(rng *rand.Rand, deviceID string, now time.Time, badRatio float64) map[string]any {
	hour := float64(now.Hour()) + float64(now.Minute())/60
	// 白天出力呈正弦曲线
	sun := math.Max(0, math.Sin((hour-6)/12*math.Pi))
	acPower := 5000*sun + rng.Float64()*50
	dcVoltage := 550 + 80*sun + rng.Float64()*5
	dcCurrent := 0.0
	if dcVoltage > 0 {
		dcCurrent = acPower / dcVoltage * 1.03
	}

	timestamp := now.Format(time.RFC3339Nano)
	var faultCode any
	if rng.Float64() < 0.02 {
		faultCode = rng.Intn(900) + 100
	}

	if rng.Float64() < badRatio {
		if rng.Intn(2) == 0 {
			faultCode = "E-OVERHEAT"
		} else {
			timestamp = "not-a-timestamp"
		}
	}

	site := sites[rng.Intn(len(sites))]
	return map[string]any{
		"device_id": deviceID,
		"timestamp": timestamp,
		"location": map[string]any{
			"site":        site,
			"coordinates": map[string]any{"lat": 27.7 + rng.Float64()*0.5, "lon": 85.3 + rng.Float64()*0.5},
		},
		"measurements": map[string]any{
			"ac_power":            round2(acPower),
			"dc_voltage":          round2(dcVoltage),
			"dc_current":          round2(dcCurrent),
			"temperature_module":  round2(20 + 30*sun + rng.Float64()*2),
			"temperature_ambient": round2(15 + 10*sun + rng.Float64()*2),
		},
		"status": map[string]any{
			"operational": faultCode == nil,
			"fault_code":  faultCode,
		},
		"metadata": map[string]any{
			"firmware_version": "2.4.1",
			"connection_type":  []string{"4G", "wifi", "ethernet"}[rng.Intn(3)],
		},
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
