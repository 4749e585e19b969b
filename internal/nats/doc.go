// Package nats provides an optional local control plane for the pool: an
// embedded NATS server plus a bridge that fans pool lifecycle events out
// to NATS subjects and turns control messages into supervisor commands.
//
// # Subject Hierarchy
//
//	prefork.pool.events.{kind}   # lifecycle events (supervisor → subscribers)
//	prefork.control.pool         # pool commands (operators → supervisor)
//
// The package uses fire-and-forget messaging (core NATS, no JetStream) and
// the embedded server binds to loopback by default; like the signal
// interface, this is a single-host surface.
//
// # Debugging with nats CLI
//
// Monitor all pool events:
//
//	nats sub "prefork.pool.events.>"
//
// Scale the pool up by two workers:
//
//	nats pub "prefork.control.pool" '{"action":"scale","delta":2,"reason":"manual"}'
//
// Request a rolling restart:
//
//	nats pub "prefork.control.pool" '{"action":"rolling_restart","reason":"new binary"}'
package nats
