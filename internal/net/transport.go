package net

import (
	"context"

	"github.com/l1jgo/netplay/internal/net/packet"
)

// Handler receives inbound packets.
type Handler func(p packet.Packet)

// Transport is the send/receive capability every variant implements: the
// reliable stream transport, the fault-injection decorator and test doubles.
//
// Implementations deliver inbound packets and state transitions on the
// scheduler thread they were built with.
type Transport interface {
	// Connect reaches StateConnected and starts delivering inbound packets,
	// or settles in StateFailed and returns the underlying error.
	Connect(ctx context.Context, host string, port int) error
	// Disconnect stops delivery. Packets still queued are discarded.
	Disconnect() error
	// Send is a silent no-op unless connected.
	Send(p packet.Packet)
	// OnPacket subscribes to inbound packets.
	OnPacket(fn Handler) (remove func())
	// Connection exposes the endpoint state. Never nil.
	Connection() *Connection
	// Dispose disconnects and releases the transport. Idempotent.
	Dispose() error
}
