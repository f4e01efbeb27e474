package mq

import (
	"context"
	"errors"
	"testing"

	"goalpath/internal/model"

	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
)

func TestDecide(t *testing.T) {
	action, _ := Decide(nil, 1, 3)
	assert.Equal(t, ActionAck, action)

	action, kind := Decide(model.Conflictf("goals g1"), 1, 3)
	assert.Equal(t, ActionRequeue, action)
	assert.Equal(t, "conflict", kind)

	action, _ = Decide(context.DeadlineExceeded, 4, 3)
	assert.Equal(t, ActionDeadLetter, action)

	action, kind = Decide(model.Validationf("bad payload"), 1, 3)
	assert.Equal(t, ActionDeadLetter, action)
	assert.Equal(t, "validation", kind)

	action, _ = Decide(errors.New("???"), 1, 3)
	assert.Equal(t, ActionDeadLetter, action)
}

func TestMessageKey(t *testing.T) {
	withID := amqp091.Delivery{MessageId: "outbox-42", Body: []byte(`{}`)}
	assert.Equal(t, "outbox-42", messageKey(withID))

	a := amqp091.Delivery{Body: []byte(`{"goal_id":"g1"}`)}
	b := amqp091.Delivery{Body: []byte(`{"goal_id":"g1"}`)}
	c := amqp091.Delivery{Body: []byte(`{"goal_id":"g2"}`)}
	assert.Equal(t, messageKey(a), messageKey(b))
	assert.NotEqual(t, messageKey(a), messageKey(c))
	assert.Len(t, messageKey(a), 16)
}
