// Package cache keeps per-user read projections of goals and milestones in
// redis. Writers invalidate; readers fall back to the repository on any
// redis error.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"goalpath/internal/events"
	"goalpath/internal/model"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Loader[T any] func(ctx context.Context) (T, error)

// Cache is what the service layer reads through.
type Cache interface {
	Goals(ctx context.Context, userID string, load Loader[[]model.Goal]) ([]model.Goal, error)
	Milestones(ctx context.Context, userID, goalID string, load Loader[[]model.Milestone]) ([]model.Milestone, error)
	// Invalidate drops the user's goal list and the milestone lists of goalIDs.
	Invalidate(ctx context.Context, userID string, goalIDs ...string)
}

func goalsKey(userID string) string {
	return "proj:goals:" + userID
}

func milestonesKey(userID, goalID string) string {
	return "proj:milestones:" + userID + ":" + goalID
}

type Projection struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

var _ Cache = (*Projection)(nil)

func NewProjection(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *Projection {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Projection{rdb: rdb, ttl: ttl, logger: logger}
}

func (p *Projection) Goals(ctx context.Context, userID string, load Loader[[]model.Goal]) ([]model.Goal, error) {
	return readThrough(ctx, p, goalsKey(userID), load)
}

func (p *Projection) Milestones(ctx context.Context, userID, goalID string, load Loader[[]model.Milestone]) ([]model.Milestone, error) {
	return readThrough(ctx, p, milestonesKey(userID, goalID), load)
}

func (p *Projection) Invalidate(ctx context.Context, userID string, goalIDs ...string) {
	keys := []string{goalsKey(userID)}
	for _, id := range goalIDs {
		if id != "" {
			keys = append(keys, milestonesKey(userID, id))
		}
	}
	if err := p.rdb.Del(ctx, keys...).Err(); err != nil {
		p.logger.Warn("Failed to invalidate projection",
			zap.String("user_id", userID),
			zap.Strings("keys", keys),
			zap.Error(err),
		)
	}
}

func readThrough[T any](ctx context.Context, p *Projection, key string, load Loader[T]) (T, error) {
	raw, err := p.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var v T
		if jerr := json.Unmarshal(raw, &v); jerr == nil {
			return v, nil
		}
		p.logger.Warn("Dropping undecodable projection", zap.String("key", key))
	} else if !errors.Is(err, redis.Nil) {
		p.logger.Warn("Projection read failed, loading from store", zap.String("key", key), zap.Error(err))
	}

	v, err := load(ctx)
	if err != nil {
		return v, err
	}
	if data, jerr := json.Marshal(v); jerr == nil {
		if serr := p.rdb.Set(ctx, key, data, p.ttl).Err(); serr != nil {
			p.logger.Debug("Projection write failed", zap.String("key", key), zap.Error(serr))
		}
	}
	return v, nil
}

// Passthrough is the cache used when redis is not configured.
type Passthrough struct{}

func (Passthrough) Goals(ctx context.Context, _ string, load Loader[[]model.Goal]) ([]model.Goal, error) {
	return load(ctx)
}

func (Passthrough) Milestones(ctx context.Context, _, _ string, load Loader[[]model.Milestone]) ([]model.Milestone, error) {
	return load(ctx)
}

func (Passthrough) Invalidate(context.Context, string, ...string) {}

// InvalidatingSink drops projections touched by goal and milestone events
// before forwarding them. Background writers such as the roadmap pipeline
// reach the cache this way.
type InvalidatingSink struct {
	next  events.Sink
	cache Cache
}

func NewInvalidatingSink(next events.Sink, c Cache) *InvalidatingSink {
	return &InvalidatingSink{next: next, cache: c}
}

func (s *InvalidatingSink) Emit(ctx context.Context, e events.Event) error {
	switch p := e.Payload.(type) {
	case events.RoadmapPayload:
		s.cache.Invalidate(ctx, p.UserID, p.GoalID)
	case events.MilestonePayload:
		s.cache.Invalidate(ctx, p.UserID, p.GoalID)
	case events.GoalPayload:
		s.cache.Invalidate(ctx, p.UserID, p.GoalID)
	}
	return s.next.Emit(ctx, e)
}
