package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMissingRequired 缺少 device_id 或 timestamp
var ErrMissingRequired = errors.New("missing required field")

// Coordinates 站点经纬度
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Location 站点位置
type Location struct {
	Site        string       `json:"site"`
	Coordinates *Coordinates `json:"coordinates"`
}

// Measurements 光伏设备测量值
type Measurements struct {
	ACPower            float64 `json:"ac_power"`
	DCVoltage          float64 `json:"dc_voltage"`
	DCCurrent          float64 `json:"dc_current"`
	TemperatureModule  float64 `json:"temperature_module"`
	TemperatureAmbient float64 `json:"temperature_ambient"`
}

// Status 运行状态
// FaultCode 可能是整数、数字字符串、非数字字符串或 null，由转换阶段处理
type Status struct {
	Operational bool        `json:"operational"`
	FaultCode   interface{} `json:"fault_code"`
}

// Metadata 设备元数据
type Metadata struct {
	FirmwareVersion string `json:"firmware_version"`
	ConnectionType  string `json:"connection_type"`
}

// Reading 单条光伏遥测数据（入口处接收的原始形式）
// 嵌套字段使用指针：缺失的嵌套对象在转换阶段被拒绝，而不是在入口处
type Reading struct {
	DeviceID     string        `json:"device_id"`
	Timestamp    Timestamp     `json:"timestamp"`
	Location     *Location     `json:"location"`
	Measurements *Measurements `json:"measurements"`
	Status       *Status       `json:"status"`
	Metadata     *Metadata     `json:"metadata"`
}

// CheckRequired 入口只检查 device_id 与 timestamp，其余字段留给转换阶段
func (r *Reading) CheckRequired() error {
	var missing []string
	if r.DeviceID == "" {
		missing = append(missing, "device_id")
	}
	if r.Timestamp.IsZero() {
		missing = append(missing, "timestamp")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingRequired, strings.Join(missing, ", "))
	}
	return nil
}

// DecodeReading 解析 JSON 记录（HTTP、MQTT、Redis Streams 共用）
// deviceID 非空且消息体未携带 device_id 时使用它（如 MQTT 主题中的设备 ID）
func DecodeReading(payload []byte, deviceID string) (*Reading, error) {
	var r Reading
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, fmt.Errorf("failed to decode reading: %w", err)
	}
	if r.DeviceID == "" {
		r.DeviceID = deviceID
	}
	if err := r.CheckRequired(); err != nil {
		return nil, err
	}
	return &r, nil
}

// Timestamp 时间戳：可以是已解析的时间，也可以是待解析的 ISO-8601 字符串
type Timestamp struct {
	Time time.Time
	Raw  string
}

// TimestampOf 由已解析时间构造
func TimestampOf(t time.Time) Timestamp {
	return Timestamp{Time: t}
}

// TimestampString 由原始字符串构造（不在此处解析）
func TimestampString(s string) Timestamp {
	return Timestamp{Raw: s}
}

// IsZero 是否缺失
func (t Timestamp) IsZero() bool {
	return t.Raw == "" && t.Time.IsZero()
}

// IsResolved 是否已是解析后的时间
func (t Timestamp) IsResolved() bool {
	return t.Raw == "" && !t.Time.IsZero()
}

// UnmarshalJSON 字符串原样保留；数字按 Unix 秒解析
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*t = Timestamp{}
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = Timestamp{Raw: s}
		return nil
	}

	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return fmt.Errorf("timestamp must be a string or unix seconds: %w", err)
	}
	whole := int64(secs)
	nanos := int64((secs - float64(whole)) * float64(time.Second))
	*t = Timestamp{Time: time.Unix(whole, nanos).UTC()}
	return nil
}

// MarshalJSON 原始字符串优先，否则输出 RFC3339Nano
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.Raw != "" {
		return json.Marshal(t.Raw)
	}
	if t.Time.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time.UTC().Format(time.RFC3339Nano))
}

// String 便于日志输出
func (t Timestamp) String() string {
	if t.Raw != "" {
		return t.Raw
	}
	return t.Time.UTC().Format(time.RFC3339Nano)
}
