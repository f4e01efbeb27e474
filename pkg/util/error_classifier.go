package util

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"

	"goalpath/internal/model"
	"goalpath/pkg/circuitbreaker"

	"github.com/jackc/pgx/v5/pgconn"
)

// IsRetryableError determines if an error is worth redelivering.
// Returns: (isRetryable, errorType)
func IsRetryableError(err error) (bool, string) {
	if err == nil {
		return false, ""
	}

	// 数据格式错误 - 不可重试
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return false, "json_decode_error"
	}

	// 领域错误
	switch {
	case errors.Is(err, model.ErrValidation):
		return false, "validation"
	case errors.Is(err, model.ErrNotFound):
		return false, "not_found"
	case errors.Is(err, model.ErrDuplicate):
		// 幂等写入已存在
		return false, "duplicate"
	case errors.Is(err, model.ErrConflict):
		// 并发写入，重投后会重新读取
		return true, "conflict"
	case errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen):
		return true, "planner_breaker_open"
	case errors.Is(err, model.ErrUpstreamGeneration):
		return true, "upstream_generation"
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true, "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return false, "context_canceled"
	}

	// Network errors - 可重试
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true, "network_timeout"
		}
		return true, "network_error"
	}

	// Postgres 连接类错误（SQLSTATE 08xxx）及序列化失败 - 可重试
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if strings.HasPrefix(pgErr.Code, "08") || pgErr.Code == "40001" || pgErr.Code == "40P01" {
			return true, "db_transient"
		}
		return false, "db_error"
	}
	if pgconn.SafeToRetry(err) {
		return true, "db_connection_error"
	}

	// 默认：未知错误，保守处理 - 不重试
	return false, "unknown_error"
}

// ShouldRetry checks if an error should be retried based on retry count
func ShouldRetry(retryCount int64, maxRetries int64, isRetryable bool) bool {
	if !isRetryable {
		return false
	}
	return retryCount <= maxRetries
}
