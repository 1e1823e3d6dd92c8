package transformer

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"wisefido-pv-ingest/internal/models"

	"go.uber.org/zap"
)

var (
	// ErrMissingField 缺少必需的（嵌套）字段
	ErrMissingField = errors.New("missing field")
	// ErrInvalidTimestamp 时间戳无法解析
	ErrInvalidTimestamp = errors.New("invalid timestamp")
)

// TransformError 单条记录转换失败
type TransformError struct {
	DeviceID string
	Field    string
	Err      error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("device %s: %s: %v", e.DeviceID, e.Field, e.Err)
}

func (e *TransformError) Unwrap() error {
	return e.Err
}

// 接受的 ISO-8601 格式；末尾的 Z 在解析前被替换为 +00:00
var isoLayouts = []string{
	"2006-01-02T15:04:05-07:00",
	"2006-01-02T15:04:05-0700",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05-07:00",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04-07:00",
	"2006-01-02T15:04",
	"2006-01-02",
}

// PVTransformer 光伏遥测数据转换器：Reading -> StorageRow
type PVTransformer struct {
	logger *zap.Logger
}

// NewPVTransformer 创建转换器
func NewPVTransformer(logger *zap.Logger) *PVTransformer {
	return &PVTransformer{logger: logger}
}

// Transform 转换单条记录
// 故障码无法解析时置为空，不拒绝记录；时间戳或嵌套字段异常时拒绝该条记录
func (t *PVTransformer) Transform(r *models.Reading) (*models.StorageRow, error) {
	if r == nil {
		return nil, &TransformError{Field: "reading", Err: ErrMissingField}
	}
	if r.DeviceID == "" {
		return nil, &TransformError{Field: "device_id", Err: ErrMissingField}
	}

	ts, err := ResolveTimestamp(r.Timestamp)
	if err != nil {
		return nil, &TransformError{DeviceID: r.DeviceID, Field: "timestamp", Err: err}
	}

	switch {
	case r.Location == nil:
		return nil, missing(r.DeviceID, "location")
	case r.Location.Coordinates == nil:
		return nil, missing(r.DeviceID, "location.coordinates")
	case r.Measurements == nil:
		return nil, missing(r.DeviceID, "measurements")
	case r.Status == nil:
		return nil, missing(r.DeviceID, "status")
	case r.Metadata == nil:
		return nil, missing(r.DeviceID, "metadata")
	}

	metadata, err := json.Marshal(r.Metadata)
	if err != nil {
		return nil, &TransformError{DeviceID: r.DeviceID, Field: "metadata", Err: err}
	}

	return &models.StorageRow{
		Timestamp:          ts,
		Time:               ts,
		DeviceID:           r.DeviceID,
		Site:               r.Location.Site,
		Lat:                r.Location.Coordinates.Lat,
		Lon:                r.Location.Coordinates.Lon,
		ACPower:            r.Measurements.ACPower,
		DCVoltage:          r.Measurements.DCVoltage,
		DCCurrent:          r.Measurements.DCCurrent,
		TemperatureModule:  r.Measurements.TemperatureModule,
		TemperatureAmbient: r.Measurements.TemperatureAmbient,
		Operational:        r.Status.Operational,
		FaultCode:          ParseFaultCode(r.Status.FaultCode),
		Metadata:           string(metadata),
	}, nil
}

// TransformBatch 逐条转换，失败的记录记录日志后丢弃，返回成功的行与被拒绝的条数
// 输出顺序与输入一致（去掉被拒绝的记录）
func (t *PVTransformer) TransformBatch(readings []*models.Reading) ([]*models.StorageRow, int) {
	rows := make([]*models.StorageRow, 0, len(readings))
	rejected := 0

	for _, r := range readings {
		row, err := t.Transform(r)
		if err != nil {
			rejected++
			deviceID := ""
			if r != nil {
				deviceID = r.DeviceID
			}
			t.logger.Warn("Skipping invalid record",
				zap.String("device_id", deviceID),
				zap.Error(err),
			)
			continue
		}
		rows = append(rows, row)
	}

	return rows, rejected
}

func missing(deviceID, field string) error {
	return &TransformError{DeviceID: deviceID, Field: field, Err: ErrMissingField}
}

// ResolveTimestamp 解析时间戳，统一转为 UTC
// 不带时区偏移的时间按 UTC 处理
func ResolveTimestamp(ts models.Timestamp) (time.Time, error) {
	if ts.IsResolved() {
		return ts.Time.UTC(), nil
	}

	s := strings.TrimSpace(ts.Raw)
	if s == "" {
		return time.Time{}, ErrMissingField
	}
	if strings.HasSuffix(s, "Z") || strings.HasSuffix(s, "z") {
		s = s[:len(s)-1] + "+00:00"
	}

	for _, layout := range isoLayouts {
		if parsed, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return parsed.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTimestamp, ts.Raw)
}

// ParseFaultCode 解析故障码
// 整数原样保留；纯数字字符串转为整数；其他情况返回 nil
func ParseFaultCode(v interface{}) *int {
	switch val := v.(type) {
	case nil:
		return nil
	case int:
		return &val
	case int32:
		n := int(val)
		return &n
	case int64:
		if val > math.MaxInt32 || val < math.MinInt32 {
			return nil
		}
		n := int(val)
		return &n
	case float64:
		// encoding/json 把数字解码为 float64；只接受整数值
		if val != math.Trunc(val) || val > math.MaxInt32 || val < math.MinInt32 {
			return nil
		}
		n := int(val)
		return &n
	case json.Number:
		n, err := strconv.ParseInt(val.String(), 10, 32)
		if err != nil {
			return nil
		}
		i := int(n)
		return &i
	case string:
		if !isDigits(val) {
			return nil
		}
		n, err := strconv.ParseInt(val, 10, 32)
		if err != nil {
			return nil
		}
		i := int(n)
		return &i
	default:
		return nil
	}
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
