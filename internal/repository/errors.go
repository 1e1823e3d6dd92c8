package repository

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/lib/pq"
)

// WriteErrorKind 批量写入失败类型
type WriteErrorKind string

const (
	// WriteErrorTransient 连接/资源类故障，稍后可能恢复
	WriteErrorTransient WriteErrorKind = "transient"
	// WriteErrorData 数据或表结构约束错误
	WriteErrorData WriteErrorKind = "data"
	// WriteErrorUnknown 无法归类
	WriteErrorUnknown WriteErrorKind = "unknown"
)

// WriteError 批量写入失败（整批回滚）
type WriteError struct {
	Kind WriteErrorKind
	Rows int
	Op   string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("bulk insert of %d rows failed (%s, %s): %v", e.Rows, e.Kind, e.Op, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// SQLState 返回底层 PostgreSQL 错误码（没有时为空）
func (e *WriteError) SQLState() string {
	var pqErr *pq.Error
	if errors.As(e.Err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

func newWriteError(op string, rows int, err error) *WriteError {
	return &WriteError{Kind: classifyError(err), Rows: rows, Op: op, Err: err}
}

// classifyError 根据 SQLSTATE 类别和连接错误类型归类
func classifyError(err error) WriteErrorKind {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", // connection exception
			"40", // transaction rollback
			"53", // insufficient resources
			"57": // operator intervention
			return WriteErrorTransient
		case "22", // data exception
			"23", // integrity constraint violation
			"42": // syntax error or access rule violation
			return WriteErrorData
		}
		return WriteErrorUnknown
	}

	var netErr net.Error
	switch {
	case errors.Is(err, driver.ErrBadConn),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.As(err, &netErr):
		return WriteErrorTransient
	}

	return WriteErrorUnknown
}

// IsTransient 判断错误是否为暂时性写入失败
func IsTransient(err error) bool {
	var we *WriteError
	return errors.As(err, &we) && we.Kind == WriteErrorTransient
}
