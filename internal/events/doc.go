// Package events publishes thread lifecycle events to the audit log and,
// optionally, to a RabbitMQ topic exchange.
package events
