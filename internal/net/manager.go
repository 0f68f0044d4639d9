package net

import (
	"context"

	"github.com/l1jgo/netplay/internal/core/event"
	"github.com/l1jgo/netplay/internal/net/packet"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/l1jgo/netplay/internal/net"

// Manager sits above a Transport: it stamps outgoing sequence numbers from
// its own counter, dispatches inbound packets by type and lets the
// underlying transport be swapped at runtime.
type Manager struct {
	transport Transport
	detach    func()
	registry  *packet.Registry
	sent      event.Listeners[Handler]
	seq       uint64
	tracer    trace.Tracer
	log       *zap.Logger
}

func NewManager(t Transport, log *zap.Logger) *Manager {
	m := &Manager{
		registry: packet.NewRegistry(log.Named("dispatch")),
		tracer:   otel.Tracer(tracerName),
		log:      log.Named("manager"),
	}
	m.attach(t)
	return m
}

func (m *Manager) attach(t Transport) {
	m.transport = t
	m.detach = t.OnPacket(m.dispatch)
}

func (m *Manager) dispatch(p packet.Packet) {
	if err := m.registry.Dispatch(p); err != nil {
		m.log.Warn("packet handler failed", zap.Error(err))
	}
}

// Transport returns the current transport.
func (m *Manager) Transport() Transport { return m.transport }

// Connection returns the current transport's connection.
func (m *Manager) Connection() *Connection { return m.transport.Connection() }

func (m *Manager) Connect(ctx context.Context, host string, port int) error {
	ctx, span := m.tracer.Start(ctx, "net.Connect", trace.WithAttributes(
		attribute.String("net.peer.name", host),
		attribute.Int("net.peer.port", port),
	))
	defer span.End()

	if err := m.transport.Connect(ctx, host, port); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (m *Manager) Disconnect() error {
	return m.transport.Disconnect()
}

// Send stamps the next sequence number on a new packet and hands it to the
// transport. The packet is returned even when the transport drops it.
func (m *Manager) Send(typ packet.Type, payload map[string]any, opts ...packet.Option) packet.Packet {
	m.seq++
	p := packet.New(m.seq, typ, payload, opts...)
	m.transport.Send(p)
	for _, fn := range m.sent.Snapshot() {
		fn(p)
	}
	return p
}

// LastSeq returns the most recently assigned sequence number.
func (m *Manager) LastSeq() uint64 { return m.seq }

// On registers fn for inbound packets of type t. Handlers for one type run
// in registration order.
func (m *Manager) On(t packet.Type, fn packet.HandlerFunc) (remove func()) {
	return m.registry.Register(t, fn)
}

// OnSent taps every packet passed to Send.
func (m *Manager) OnSent(fn Handler) (remove func()) {
	return m.sent.Add(fn)
}

// SwapTransport disconnects and disposes the current transport, then
// attaches t. Registered handlers and the sequence counter carry over.
func (m *Manager) SwapTransport(t Transport) error {
	old := m.transport
	m.detach()
	if err := old.Disconnect(); err != nil {
		m.log.Warn("disconnect during swap failed", zap.Error(err))
	}
	if err := old.Dispose(); err != nil {
		m.log.Warn("dispose during swap failed", zap.Error(err))
	}
	m.attach(t)
	return nil
}

// Dispose releases the transport.
func (m *Manager) Dispose() error {
	m.detach()
	return m.transport.Dispose()
}
