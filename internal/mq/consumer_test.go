package mq

import (
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
)

func TestDeliveryAttempt(t *testing.T) {
	tests := []struct {
		name string
		raw  amqp.Delivery
		want int
	}{
		{"first", amqp.Delivery{}, 1},
		{"redelivered classic", amqp.Delivery{Redelivered: true}, 2},
		{"quorum count", amqp.Delivery{Headers: amqp.Table{"x-delivery-count": int64(3)}}, 4},
		{"quorum count int32", amqp.Delivery{Headers: amqp.Table{"x-delivery-count": int32(1)}}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, deliveryAttempt(tt.raw))
		})
	}
}

func TestNewDelivery_OrderingKey(t *testing.T) {
	raw := amqp.Delivery{
		MessageId: "m-1",
		Body:      []byte(`{}`),
		Headers:   amqp.Table{HeaderOrderingKey: "run-1"},
	}

	d := newDelivery(raw)
	assert.Equal(t, "m-1", d.MessageID)
	assert.Equal(t, "run-1", d.OrderingKey)
	assert.Equal(t, 1, d.Attempt)
	assert.Equal(t, []byte(`{}`), d.Body)
}
