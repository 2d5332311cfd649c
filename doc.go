/*
Package triggerbus exposes broker-backed event streams as pull-based sequences for a
subscription layer, for example the one behind GraphQL subscriptions.

Producers publish named events (triggers) with a JSON-serializable payload. Consumers
subscribe to a trigger and pull the payloads published after they subscribed, until
they cancel.

# Basic Usage

	conn := broker.Local()
	defer conn.Close()

	engine, err := triggerbus.New(conn,
		triggerbus.WithExchange("graphql", broker.KindTopic, false, true),
	)
	if err != nil {
		// Handle error
	}
	defer engine.Close(ctx)

	it, err := engine.AsyncIterator(ctx, "FIRST_EVENT")
	if err != nil {
		// Handle error
	}
	defer it.Return(ctx)

	go engine.Publish(ctx, "FIRST_EVENT", map[string]any{"id": 1})

	for event, err := range it.All(ctx) {
		if err != nil {
			// Handle error
		}
		fmt.Println(event.Trigger, event.Get("id").Int())
	}

# Architecture

The package is built around a few components:

1. Engine (engine.go)
  - Publishes events to the exchange, the trigger is the routing key
  - Gives every subscription its own exclusive queue, the broker does the fan-out
  - Tears queues and consumers down on Unsubscribe

2. Iterators (iterator.go and pkg/pull)
  - Broker callbacks push into a bounded mailbox, consumers pull from it
  - A pull that arrives first waits in a single slot and gets the next push directly
  - Return closes the mailbox first, so a waiting pull finishes immediately

3. Brokers (package broker)
  - In-memory, NATS and AMQP 0.9.1 implementations of one channel interface

4. Filtering (package filter)
  - Predicates applied after each pull, outside the delivery path

# Errors

Failures are classified with sentinels matched through errors.Is: ErrTransport,
ErrTopology, ErrUnknownSubscription and ErrConcurrentPull.
*/
package triggerbus
