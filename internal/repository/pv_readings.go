package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"wisefido-pv-ingest/internal/models"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

const (
	// DefaultQueryLimit 查询默认返回条数
	DefaultQueryLimit = 100
	// MaxQueryLimit 查询最大返回条数
	MaxQueryLimit = 1000
)

// PVReadingsRepository pv_readings 时序表仓库
type PVReadingsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPVReadingsRepository 创建 pv_readings 仓库
func NewPVReadingsRepository(db *sql.DB, logger *zap.Logger) *PVReadingsRepository {
	return &PVReadingsRepository{
		db:     db,
		logger: logger,
	}
}

// BulkInsert 使用 COPY 协议在一个事务内批量写入
// 任意一步失败整批回滚，返回 *WriteError；成功返回写入行数
func (r *PVReadingsRepository) BulkInsert(ctx context.Context, rows []*models.StorageRow) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, newWriteError("begin", len(rows), err)
	}

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn(models.PVReadingsTable, models.StorageColumns...))
	if err != nil {
		r.rollback(tx)
		return 0, newWriteError("prepare copy", len(rows), err)
	}

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row.Values()...); err != nil {
			stmt.Close()
			r.rollback(tx)
			return 0, newWriteError("copy row", len(rows), err)
		}
	}

	// 无参数的 Exec 把缓冲数据刷到服务端并结束 COPY
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		r.rollback(tx)
		return 0, newWriteError("copy flush", len(rows), err)
	}

	if err := stmt.Close(); err != nil {
		r.rollback(tx)
		return 0, newWriteError("close copy", len(rows), err)
	}

	if err := tx.Commit(); err != nil {
		return 0, newWriteError("commit", len(rows), err)
	}

	return len(rows), nil
}

func (r *PVReadingsRepository) rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
		r.logger.Warn("Failed to rollback bulk insert", zap.Error(err))
	}
}

// GetReadings 查询最近的记录，按 timestamp 倒序
// deviceID 为空时不过滤设备
func (r *PVReadingsRepository) GetReadings(ctx context.Context, deviceID string, limit int) ([]*models.PVReadingRecord, error) {
	limit = NormalizeLimit(limit)

	var (
		rows *sql.Rows
		err  error
	)
	if deviceID != "" {
		rows, err = r.db.QueryContext(ctx, `
			SELECT timestamp, time, device_id, site, lat, lon,
			       ac_power, dc_voltage, dc_current,
			       temperature_module, temperature_ambient,
			       operational, fault_code, metadata
			FROM pv_readings
			WHERE device_id = $1
			ORDER BY timestamp DESC
			LIMIT $2
		`, deviceID, limit)
	} else {
		rows, err = r.db.QueryContext(ctx, `
			SELECT timestamp, time, device_id, site, lat, lon,
			       ac_power, dc_voltage, dc_current,
			       temperature_module, temperature_ambient,
			       operational, fault_code, metadata
			FROM pv_readings
			ORDER BY timestamp DESC
			LIMIT $1
		`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query pv_readings: %w", err)
	}
	defer rows.Close()

	results := make([]*models.PVReadingRecord, 0, limit)
	for rows.Next() {
		item := &models.PVReadingRecord{}
		var faultCode sql.NullInt64
		var metadata sql.NullString

		err := rows.Scan(
			&item.Timestamp,
			&item.Time,
			&item.DeviceID,
			&item.Site,
			&item.Lat,
			&item.Lon,
			&item.ACPower,
			&item.DCVoltage,
			&item.DCCurrent,
			&item.TemperatureModule,
			&item.TemperatureAmbient,
			&item.Operational,
			&faultCode,
			&metadata,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		if faultCode.Valid {
			fc := int(faultCode.Int64)
			item.FaultCode = &fc
		}
		if metadata.Valid && json.Valid([]byte(metadata.String)) {
			item.Metadata = json.RawMessage(metadata.String)
		} else {
			item.Metadata = json.RawMessage("null")
		}

		results = append(results, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}

	return results, nil
}

// Ping 检查数据库连通性
func (r *PVReadingsRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// NormalizeLimit 限制查询条数在 [1, MaxQueryLimit]，非正数使用默认值
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		return MaxQueryLimit
	}
	return limit
}
