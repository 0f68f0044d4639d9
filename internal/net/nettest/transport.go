// Package nettest provides an in-memory Transport double.
package nettest

import (
	"context"
	"fmt"

	"github.com/l1jgo/netplay/internal/core/event"
	gonet "github.com/l1jgo/netplay/internal/net"
	"github.com/l1jgo/netplay/internal/net/packet"
)

// Transport records sent packets and delivers injected ones synchronously.
// It is not safe for concurrent use.
type Transport struct {
	// ConnectErr, when set, makes Connect fail with it.
	ConnectErr error

	Sent        []packet.Packet
	Connects    int
	Disconnects int
	Disposed    bool

	conn     *gonet.Connection
	handlers event.Listeners[gonet.Handler]
}

var _ gonet.Transport = (*Transport)(nil)

func New() *Transport {
	return &Transport{conn: gonet.NewConnection("", 0)}
}

func (t *Transport) Connect(_ context.Context, host string, port int) error {
	if t.Disposed {
		return gonet.ErrDisposed
	}
	t.Connects++
	t.conn.Host, t.conn.Port = host, port
	t.conn.SetState(gonet.StateConnecting)
	if t.ConnectErr != nil {
		t.conn.SetState(gonet.StateFailed)
		return fmt.Errorf("connect %s: %w", t.conn.Addr(), t.ConnectErr)
	}
	t.conn.SetState(gonet.StateConnected)
	return nil
}

func (t *Transport) Disconnect() error {
	t.Disconnects++
	t.conn.SetState(gonet.StateDisconnected)
	return nil
}

func (t *Transport) Send(p packet.Packet) {
	if !t.conn.IsConnected() {
		return
	}
	t.Sent = append(t.Sent, p)
}

func (t *Transport) OnPacket(fn gonet.Handler) (remove func()) {
	return t.handlers.Add(fn)
}

func (t *Transport) Connection() *gonet.Connection { return t.conn }

func (t *Transport) Dispose() error {
	if t.Disposed {
		return nil
	}
	t.Disconnect()
	t.Disposed = true
	t.handlers.Clear()
	return nil
}

// Inject delivers p to subscribers as if it arrived from the wire. Nothing
// is delivered unless connected.
func (t *Transport) Inject(p packet.Packet) {
	if !t.conn.IsConnected() {
		return
	}
	for _, fn := range t.handlers.Snapshot() {
		fn(p)
	}
}

// Subscribers returns the number of inbound subscribers.
func (t *Transport) Subscribers() int { return t.handlers.Len() }

// Reset forgets recorded sends.
func (t *Transport) Reset() { t.Sent = nil }
