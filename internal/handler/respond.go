package handler

import (
	"errors"
	"net/http"
	"time"

	"goalpath/internal/model"
	"goalpath/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Context keys set by the auth middleware.
const (
	CtxUserID = "user_id"
	CtxRole   = "role"
)

func userID(c *gin.Context) string {
	return c.GetString(CtxUserID)
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrConflict), errors.Is(err, model.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, model.ErrUpstreamGeneration):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func respondError(c *gin.Context, log *zap.Logger, op string, err error) {
	status := statusFor(err)
	fields := []zap.Field{
		zap.String("user_id", userID(c)),
		zap.Int("status", status),
		zap.Error(err),
	}
	l := logger.WithTrace(c.Request.Context(), log)
	msg := err.Error()
	if status >= http.StatusInternalServerError && status != http.StatusBadGateway {
		l.Error(op+": failed", fields...)
		msg = "internal error"
	} else {
		l.Warn(op+": rejected", fields...)
	}
	c.JSON(status, gin.H{"error": msg})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

// parseDate accepts YYYY-MM-DD or RFC 3339. Empty input yields nil.
func parseDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, model.Validationf("invalid date %q", s)
	}
	return &t, nil
}
