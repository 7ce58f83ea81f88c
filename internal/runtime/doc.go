/*
Package runtime provides the core message processing infrastructure for courier.

# Architecture Overview

The runtime package turns one physical broker connection into per-type
processing lanes. Every registered message type gets its own bounded
channel, an optional circuit breaker and two ordered pipelines, one for
publishing and one for consuming. Outbound messages can be persisted in the
same transaction as the business change that produced them and inbound
messages are deduplicated before the handler runs.

# Package Structure

## Core Service (service.go)

The Service struct is the central orchestrator that wires together:
  - The transport producer and consumer factory
  - The durable store behind the outbox and inbox
  - The subscription registry and its poll loops
  - The outbox worker and the inbox purger
  - HTTP servers for metrics and the status API

## Type Registration (registration.go)

Register builds the publish and consume pipelines of a type and Publish
sends a message through the publish pipeline of its type.

## Stages (middleware.go, hooks.go)

Pipeline stages for cross-cutting concerns:
  - Recoverer: Panic recovery
  - CorrelationID: Ensures message traceability
  - Logging: Structured logging of every pipeline run
  - Tracing: OpenTelemetry spans propagated through headers
  - Metrics: Prometheus counters and latency histograms
  - JobHooks: Start, done and error callbacks
  - Retry: Exponential backoff retry logic
  - Serialize and Deserialize: Codec handling
  - ProducerBreaker: Fails fast while the shared producer is unhealthy
  - Dispatch: Hands the message to the broker

The outbox-write and inbox-guard stages live in the outbox and inbox
sub-packages.

## Stats & Monitoring (models.go, resources.go, metrics.go)

Per-type statistics and service snapshots:
  - Latency percentiles (p50, p95, p99)
  - Throughput tracking
  - Error categorization
  - Channel depth, breaker and poll loop state
  - Resource usage sampling

## Status API (webui.go)

HTTP API for introspecting type and consumer state.

# Sub-packages

  - breaker/: Sliding-window circuit breaker
  - channel/: Bounded per-type queue with watermarks
  - codec/: JSON and protobuf codecs
  - config/: Service configuration with validation
  - consumer/: Poll loops, dispatchers and the subscription registry
  - envelope/: The per-message pipeline carrier
  - errors/: Sentinel errors and error types
  - ids/: ULID generation
  - inbox/: Deduplication guard and purger
  - jsoncodec/: JSON marshaling utilities
  - logging/: Logger interface and adapters
  - metadata/: Ordered message headers
  - outbox/: Outbox-write stage, worker and coordination strategies
  - pipeline/: Stage and invoker primitives
  - storage/: Durable store contract

# Usage Example

	cfg := &courier.Config{
		PubSubSystem:   "kafka",
		KafkaBrokers:   []string{"localhost:9092"},
		StoreDriver:    "postgres",
		PostgresURL:    "postgres://localhost/app?sslmode=disable",
		MetricsEnabled: true,
	}

	svc := courier.NewService(cfg, logger, ctx, courier.ServiceDependencies{})

	orders, _ := courier.Register(svc, courier.TypeRegistration[Order]{
		Name:    "orders",
		Handler: processOrder,
	})

	_ = svc.Transact(ctx, func(ctx context.Context) error {
		return orders.Publish(ctx, Order{ID: "42"})
	})

	svc.Start(ctx)
*/
package runtime
