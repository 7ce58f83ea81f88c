// Package courier is a messaging reliability layer on top of Watermill and
// native broker clients. It gives every message type its own typed pipeline,
// its own bounded channel and, optionally, its own circuit breaker, while all
// types share one physical consumer unless a type asks for a dedicated one.
//
// A minimal setup fills Config, creates a Service, registers types with
// Register and calls Start:
//
//	svc := courier.NewService(conf, courier.NewSlogServiceLogger(slog.Default()), ctx, courier.ServiceDependencies{})
//	orders, _ := courier.Register(svc, courier.TypeRegistration[Order]{
//		Name:    "order.created",
//		Handler: handleOrder,
//	})
//	go svc.Start(ctx)
//	_ = orders.Publish(ctx, Order{ID: "o-1"})
//
// # Transports
//
// The transport is selected by Config.PubSubSystem:
//   - channel: in-memory Go channels for tests and single-process setups
//   - kafka: Kafka through Sarama consumer groups
//   - kafka-go: Kafka through segmentio/kafka-go
//   - rabbitmq: AMQP durable queues
//   - aws: SNS/SQS with LocalStack support
//   - nats and nats-jetstream: NATS core and JetStream
//   - http: request/response delivery
//
// # Back-pressure
//
// Records are routed by their courier_type header into the channel of their
// type. When a channel crosses its high watermark the poll loop pauses the
// physical consumer and resumes it once every channel it feeds is below its
// low watermark. A per-type breaker that opens pauses the loop the same way,
// and the record that hit the open breaker is sought back so nothing is lost.
//
// # Outbox and inbox
//
// With a store configured (memory, sqlite or postgres), publishes are written
// to an outbound table inside the caller's transaction and dispatched by the
// outbox worker. The worker runs as a single node, elects one leader through a
// lease, or owns a shard of the partition-key buckets. Consumption is
// deduplicated through the inbound table, keyed by an xxhash of the type,
// partition key and payload; when the store is unavailable the inbox fails
// closed and the record is redelivered.
//
// # Hooks and observability
//
// JobHooks run around every consume pipeline. Prometheus collectors,
// OpenTelemetry spans and a read-only web UI exposing Service.Snapshot are
// wired from Config.
package courier
