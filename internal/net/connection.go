package net

import (
	"fmt"
	"time"

	"github.com/l1jgo/netplay/internal/core/event"
)

// State is the lifecycle phase of one endpoint relationship.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// StateListener observes transitions.
type StateListener func(prev, next State)

// Connection tracks one endpoint. It does not validate transitions; the
// owning transport drives it.
type Connection struct {
	Host string
	Port int

	state          State
	latency        time.Duration
	packetLoss     float64
	reconnectCount int
	connectedAt    time.Time

	listeners event.Listeners[StateListener]
	now       func() time.Time
}

func NewConnection(host string, port int) *Connection {
	return &Connection{Host: host, Port: port, now: time.Now}
}

// Addr returns host:port.
func (c *Connection) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c *Connection) State() State { return c.state }

// SetState moves to s and notifies listeners. Setting the current state is a
// no-op. The first transition into connected records ConnectedAt.
func (c *Connection) SetState(s State) {
	if s == c.state {
		return
	}
	prev := c.state
	c.state = s
	if s == StateConnected && c.connectedAt.IsZero() {
		c.connectedAt = c.now()
	}
	for _, fn := range c.listeners.Snapshot() {
		fn(prev, s)
	}
}

// OnStateChange registers fn and returns a func removing it.
func (c *Connection) OnStateChange(fn StateListener) (remove func()) {
	return c.listeners.Add(fn)
}

// IsBusy is true while a connection attempt is in flight.
func (c *Connection) IsBusy() bool {
	return c.state == StateConnecting || c.state == StateReconnecting
}

func (c *Connection) IsConnected() bool { return c.state == StateConnected }

// ConnectedAt returns the time of the first successful connect.
func (c *Connection) ConnectedAt() (time.Time, bool) {
	return c.connectedAt, !c.connectedAt.IsZero()
}

func (c *Connection) Latency() time.Duration { return c.latency }

func (c *Connection) SetLatency(d time.Duration) {
	if d < 0 {
		d = 0
	}
	c.latency = d
}

// PacketLoss is the measured loss ratio in [0,1].
func (c *Connection) PacketLoss() float64 { return c.packetLoss }

func (c *Connection) SetPacketLoss(v float64) {
	switch {
	case v < 0:
		v = 0
	case v > 1:
		v = 1
	}
	c.packetLoss = v
}

func (c *Connection) ReconnectCount() int { return c.reconnectCount }

func (c *Connection) incReconnect() { c.reconnectCount++ }
