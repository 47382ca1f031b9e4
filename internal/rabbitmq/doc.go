// Package rabbitmq provides the broker interaction engine of the pipeline.
//
// This package includes:
//   - Engine: owns the broker session, hands out logical channels and runs
//     channel procedures under one retry policy (Execute)
//   - Publisher: declares a queue's topology and publishes to it
//   - Consumer: runs a Handler against a queue, either unbounded or for a
//     single message within a deadline
//   - QueueTopology: the durable queue, router exchange, dead-letter
//     exchange and routing-key binding of every pipeline queue
//
// Errors crossing the Engine boundary are *BrokerError values; KindOf
// classifies the errors a procedure can return.
package rabbitmq
