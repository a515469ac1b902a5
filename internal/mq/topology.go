package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — тип для имени обменника.
type Exchange string

// Queue — тип для имени очереди.
type Queue string

// RoutingKey — тип для ключа маршрутизации.
type RoutingKey string

// Exchanges — имена обменников.
const (
	ExchangeEvents        Exchange = "scribe.events"
	ExchangeTasks         Exchange = "scribe.tasks"
	ExchangeNotifications Exchange = "scribe.notifications"
	ExchangeDLQ           Exchange = "scribe.dlq"
)

// Queues — имена очередей.
const (
	QueueOrchestratorEvents Queue = "events.orchestrator"
	QueueIngestEvents       Queue = "events.ingest"
	QueueTasksReady         Queue = "tasks.ready"
	QueueDLQEvents          Queue = "dlq.events"
	QueueDLQTasks           Queue = "dlq.tasks"
)

// Routing keys. В scribe.events ключом служит тип события.
const (
	RoutingKeyStepCompleted RoutingKey = "*.completed"
	RoutingKeyStepStarted   RoutingKey = "*.started"
	RoutingKeyStepFailed    RoutingKey = "*.failed"
	RoutingKeyObjectFinal   RoutingKey = "object.finalized"
	RoutingKeyReady         RoutingKey = "ready"
	RoutingKeyDLQEvents     RoutingKey = "events"
	RoutingKeyDLQTasks      RoutingKey = "tasks"
)

// DefaultDeliveryLimit — сколько раз брокер доставляет сообщение до отправки в DLQ.
const DefaultDeliveryLimit = 5

// HeaderOrderingKey — заголовок с ключом упорядочивания (run_id).
const HeaderOrderingKey = "x-ordering-key"

// SetupTopology объявляет exchanges, queues и bindings.
// deliveryLimit ограничивает число доставок для очередей событий (quorum queues).
func SetupTopology(ctx context.Context, conn *Connection, deliveryLimit int) error {
	if deliveryLimit <= 0 {
		deliveryLimit = DefaultDeliveryLimit
	}

	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		if err := declareExchanges(ch); err != nil {
			return err
		}
		if err := declareQueues(ch, deliveryLimit); err != nil {
			return err
		}
		return bindQueues(ch)
	})
}

// declareExchanges создаёт обменники.
func declareExchanges(ch *amqp.Channel) error {
	exchanges := []struct {
		name Exchange
		kind string
	}{
		{ExchangeEvents, amqp.ExchangeTopic},
		{ExchangeTasks, amqp.ExchangeDirect},
		{ExchangeNotifications, amqp.ExchangeFanout},
		{ExchangeDLQ, amqp.ExchangeDirect},
	}

	for _, ex := range exchanges {
		err := ch.ExchangeDeclare(
			string(ex.name), // name
			ex.kind,         // type
			true,            // durable
			false,           // auto-deleted
			false,           // internal
			false,           // no-wait
			nil,             // arguments
		)
		if err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex.name, err)
		}
	}

	return nil
}

// declareQueues создаёт очереди.
//
// Очереди событий — quorum: брокер считает доставки (x-delivery-count)
// и после deliveryLimit отправляет сообщение в DLQ.
func declareQueues(ch *amqp.Channel, deliveryLimit int) error {
	eventArgs := amqp.Table{
		"x-queue-type":              "quorum",
		"x-delivery-limit":          deliveryLimit,
		"x-dead-letter-exchange":    string(ExchangeDLQ),
		"x-dead-letter-routing-key": string(RoutingKeyDLQEvents),
	}
	taskArgs := amqp.Table{
		"x-queue-type":              "quorum",
		"x-delivery-limit":          deliveryLimit,
		"x-dead-letter-exchange":    string(ExchangeDLQ),
		"x-dead-letter-routing-key": string(RoutingKeyDLQTasks),
	}

	queues := []struct {
		name Queue
		args amqp.Table
	}{
		{QueueOrchestratorEvents, eventArgs},
		{QueueIngestEvents, eventArgs},
		{QueueTasksReady, taskArgs},
		{QueueDLQEvents, nil},
		{QueueDLQTasks, nil},
	}

	for _, q := range queues {
		_, err := ch.QueueDeclare(
			string(q.name), // name
			true,           // durable
			false,          // delete when unused
			false,          // exclusive
			false,          // no-wait
			q.args,         // arguments
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", q.name, err)
		}
	}

	return nil
}

// bindQueues привязывает очереди к обменникам.
func bindQueues(ch *amqp.Channel) error {
	bindings := []struct {
		queue      Queue
		routingKey RoutingKey
		exchange   Exchange
	}{
		{QueueOrchestratorEvents, RoutingKeyStepCompleted, ExchangeEvents},
		{QueueOrchestratorEvents, RoutingKeyStepStarted, ExchangeEvents},
		{QueueOrchestratorEvents, RoutingKeyStepFailed, ExchangeEvents},
		{QueueIngestEvents, RoutingKeyObjectFinal, ExchangeEvents},
		{QueueTasksReady, RoutingKeyReady, ExchangeTasks},
		{QueueDLQEvents, RoutingKeyDLQEvents, ExchangeDLQ},
		{QueueDLQTasks, RoutingKeyDLQTasks, ExchangeDLQ},
	}

	for _, b := range bindings {
		err := ch.QueueBind(
			string(b.queue),      // queue name
			string(b.routingKey), // routing key
			string(b.exchange),   // exchange
			false,                // no-wait
			nil,                  // arguments
		)
		if err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", b.queue, b.exchange, err)
		}
	}

	return nil
}

// TopologyInfo возвращает описание топологии для логирования.
func TopologyInfo() string {
	return `
  Scribe RabbitMQ Topology:

    scribe.events (topic)
    ├── events.orchestrator [*.completed, *.started, *.failed]   quorum, DLQ: dlq.events
    │       Consumer: Orchestrator (prefetch 1)
    └── events.ingest [object.finalized]                         quorum, DLQ: dlq.events
            Consumer: Ingest

    scribe.tasks (direct)
    └── tasks.ready [ready]                                      quorum, DLQ: dlq.tasks
            Consumer: Worker

    scribe.notifications (fanout)
            run.completed для внешних подписчиков

    scribe.dlq (direct)
    ├── dlq.events [events]
    └── dlq.tasks  [tasks]
            Manual processing
  `
}
