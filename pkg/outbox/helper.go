package outbox

import (
	"context"
	"encoding/json"
)

// Insert 序列化 payload 并写入 outbox；q 可以是连接池或业务事务
func Insert(ctx context.Context, q Querier, repo *Repository, aggregateType, aggregateID, routingKey string, payload any) (*Event, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	event := &Event{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		RoutingKey:    routingKey,
		Payload:       payloadJSON,
		Status:        StatusPending,
	}
	if err := repo.InsertEvent(ctx, q, event); err != nil {
		return nil, err
	}
	return event, nil
}
