package models

import (
	"encoding/json"
	"time"
)

// PVReadingsTable 目标表
const PVReadingsTable = "pv_readings"

// StorageColumns pv_readings 列顺序（批量写入与 StorageRow.Values 保持一致）
var StorageColumns = []string{
	"timestamp",
	"time",
	"device_id",
	"site",
	"lat",
	"lon",
	"ac_power",
	"dc_voltage",
	"dc_current",
	"temperature_module",
	"temperature_ambient",
	"operational",
	"fault_code",
	"metadata",
}

// StorageRow 转换后、可直接写入的数据行
// Timestamp 与 Time 取自同一源时间：time 列是时序表的分区键
type StorageRow struct {
	Timestamp          time.Time
	Time               time.Time
	DeviceID           string
	Site               string
	Lat                float64
	Lon                float64
	ACPower            float64
	DCVoltage          float64
	DCCurrent          float64
	TemperatureModule  float64
	TemperatureAmbient float64
	Operational        bool
	FaultCode          *int
	Metadata           string // JSON 文本
}

// Values 按 StorageColumns 的顺序返回列值
func (r *StorageRow) Values() []interface{} {
	var faultCode interface{}
	if r.FaultCode != nil {
		faultCode = int64(*r.FaultCode)
	}
	return []interface{}{
		r.Timestamp,
		r.Time,
		r.DeviceID,
		r.Site,
		r.Lat,
		r.Lon,
		r.ACPower,
		r.DCVoltage,
		r.DCCurrent,
		r.TemperatureModule,
		r.TemperatureAmbient,
		r.Operational,
		faultCode,
		r.Metadata,
	}
}

// PVReadingRecord 读路径返回的记录
type PVReadingRecord struct {
	Timestamp          time.Time       `json:"timestamp"`
	Time               time.Time       `json:"time"`
	DeviceID           string          `json:"device_id"`
	Site               string          `json:"site"`
	Lat                float64         `json:"lat"`
	Lon                float64         `json:"lon"`
	ACPower            float64         `json:"ac_power"`
	DCVoltage          float64         `json:"dc_voltage"`
	DCCurrent          float64         `json:"dc_current"`
	TemperatureModule  float64         `json:"temperature_module"`
	TemperatureAmbient float64         `json:"temperature_ambient"`
	Operational        bool            `json:"operational"`
	FaultCode          *int            `json:"fault_code"`
	Metadata           json.RawMessage `json:"metadata"`
}
