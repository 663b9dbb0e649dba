// Package protocol defines the worker-facing request vocabulary and the
// lifecycle events delivered to the run's event sink.
//
// Requests form a closed tagged variant: every message a worker can send is
// one Kind plus an Envelope, so the router dispatches with an exhaustive
// switch instead of runtime type probing. Reply shapes are plain structs
// shared by the boundary server and client.
//
// Interactive, display, exception, and debug requests are not interpreted by
// the coordinator at all; they are forwarded to the event sink, which owns
// their reply.
package protocol
