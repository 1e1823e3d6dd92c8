package repository

import (
	"context"
	_ "embed"
	"fmt"
)

// Schema pv_readings 建表语句（幂等）
//
//go:embed schema.sql
var Schema string

// EnsureSchema 创建 pv_readings 表与索引（已存在则跳过）
func (r *PVReadingsRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply pv_readings schema: %w", err)
	}
	r.logger.Info("pv_readings schema ensured")
	return nil
}
