// Package broker describes the message broker capability the subscription engine
// is built on, and ships three implementations of it.
//
// The capability follows the AMQP 0.9.1 model: publishers send to an exchange with a
// routing key, queues are bound to exchanges with binding keys, and consumers are
// attached to queues.
//
// Interface hierarchy:
//   - Connection: process-wide handle, owned by whoever created it
//     └── Channel: exchange/queue/binding declarations, publish, consume, cancel
//     └── Delivery: a consumed message with Ack/Nack
//
// Implementations:
//   - Local: in-process exchanges with direct, topic and fanout routing
//   - NATS: core NATS, exchanges map to subject prefixes and topic bindings to
//     subject wildcards ("*" to "*", a trailing "#" to ">")
//   - AMQP: RabbitMQ through amqp091-go
//
// Example usage:
//
//	conn := broker.Local()
//	ch, err := conn.Channel(ctx)
//	if err != nil {
//	    return err
//	}
//	defer ch.Close()
//
//	_ = ch.DeclareExchange(ctx, broker.ExchangeSpec{Name: "events", Kind: broker.KindTopic})
//	queue, _ := ch.DeclareQueue(ctx, broker.QueueSpec{Exclusive: true, AutoDelete: true})
//	_ = ch.BindQueue(ctx, queue, "events", "orders.*")
//	tag, _ := ch.Consume(ctx, queue, func(d broker.Delivery) {
//	    fmt.Println(d.RoutingKey, string(d.Body))
//	    _ = d.Ack()
//	})
//	defer ch.Cancel(ctx, tag)
//
//	_ = ch.Publish(ctx, "events", "orders.created", broker.Message{Body: []byte(`{}`)})
package broker
