package util

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Deduper struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewDeduper(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *Deduper {
	return &Deduper{rdb: rdb, ttl: ttl, logger: logger}
}

// AcquireOnce claims handler+key for ttl.
// Returns true the first time, false for a duplicate within ttl.
func (d *Deduper) AcquireOnce(ctx context.Context, handler, key string) bool {
	dedupKey := "dedup:" + handler + ":" + key

	ok, err := d.rdb.SetNX(ctx, dedupKey, 1, d.ttl).Result()
	if err != nil {
		// Redis 不可用时不阻止处理，下游写入本身是幂等的
		d.logger.Warn("Redis dedup check failed, allowing processing",
			zap.String("handler", handler),
			zap.String("key", key),
			zap.Error(err),
		)
		return true
	}

	if !ok {
		d.logger.Info("Skipped duplicated event",
			zap.String("handler", handler),
			zap.String("dedup_key", dedupKey),
		)
	}
	return ok
}

// Release drops the claim so a failed attempt can be redelivered and processed.
func (d *Deduper) Release(ctx context.Context, handler, key string) {
	if err := d.rdb.Del(ctx, "dedup:"+handler+":"+key).Err(); err != nil {
		d.logger.Warn("Failed to release dedup key", zap.String("handler", handler), zap.Error(err))
	}
}

// Done 判断 handler+key 是否已经处理成功过。
// 与 AcquireOnce 不同，处理中途崩溃不会留下标记，重投递会被再次处理。
func (d *Deduper) Done(ctx context.Context, handler, key string) bool {
	n, err := d.rdb.Exists(ctx, "done:"+handler+":"+key).Result()
	if err != nil {
		d.logger.Warn("Redis done check failed, allowing processing",
			zap.String("handler", handler),
			zap.String("key", key),
			zap.Error(err),
		)
		return false
	}
	if n > 0 {
		d.logger.Info("Skipped already processed event",
			zap.String("handler", handler),
			zap.String("key", key),
		)
	}
	return n > 0
}

// MarkDone 在处理成功后记录 handler+key，保留 ttl。
func (d *Deduper) MarkDone(ctx context.Context, handler, key string) {
	if err := d.rdb.Set(ctx, "done:"+handler+":"+key, 1, d.ttl).Err(); err != nil {
		d.logger.Warn("Failed to mark event done", zap.String("handler", handler), zap.Error(err))
	}
}
