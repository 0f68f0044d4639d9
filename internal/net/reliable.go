package net

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/l1jgo/netplay/internal/core/event"
	"github.com/l1jgo/netplay/internal/net/packet"
	"github.com/l1jgo/netplay/internal/sched"
	"go.uber.org/zap"
)

// maxOutstandingPings bounds the unanswered pings remembered for latency.
const maxOutstandingPings = 8

// ErrDisposed is returned by operations on a disposed transport.
var ErrDisposed = errors.New("transport disposed")

// ReliableConfig tunes a Reliable transport. Zero fields take defaults.
type ReliableConfig struct {
	KeepAlive         time.Duration // ping interval, default 2s
	OutQueueSize      int           // frames buffered for the writer, default 256
	ReconnectAttempts int           // 0 disables automatic reconnects
	ReconnectDelay    time.Duration // default 1s
	DialTimeout       time.Duration // used for automatic reconnects, default 5s
}

func (c ReliableConfig) withDefaults() ReliableConfig {
	if c.KeepAlive <= 0 {
		c.KeepAlive = 2 * time.Second
	}
	if c.OutQueueSize <= 0 {
		c.OutQueueSize = 256
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	return c
}

// Reliable is the default ordered, reliable transport. Stream I/O runs in a
// reader and a writer goroutine per link; everything else happens on the
// scheduler thread.
type Reliable struct {
	dialer Dialer
	sched  sched.Scheduler
	cfg    ReliableConfig
	log    *zap.Logger

	conn     *Connection
	handlers event.Listeners[Handler]

	link      *link
	pingSeq   uint64               // keepalive counter, independent of any manager
	pings     map[uint64]time.Time // outstanding keepalive pings by seq
	keepalive sched.Task
	retry     sched.Task
	attempts  int
	disposed  bool
}

// link is one live stream. A new link is created per successful dial so
// late I/O events from an old link can be recognized and discarded.
type link struct {
	wire      Conn
	out       chan []byte
	closeCh   chan struct{}
	closeOnce sync.Once
}

func (l *link) close() {
	l.closeOnce.Do(func() {
		close(l.closeCh)
		l.wire.Close()
	})
}

func NewReliable(d Dialer, s sched.Scheduler, cfg ReliableConfig, log *zap.Logger) *Reliable {
	return &Reliable{
		dialer: d,
		sched:  s,
		cfg:    cfg.withDefaults(),
		log:    log.Named("reliable"),
		conn:   NewConnection("", 0),
		pings:  make(map[uint64]time.Time),
	}
}

func (r *Reliable) Connection() *Connection { return r.conn }

func (r *Reliable) OnPacket(fn Handler) (remove func()) {
	return r.handlers.Add(fn)
}

// Connect dials host:port. On failure the connection settles in
// StateFailed and the dial error is returned wrapped.
func (r *Reliable) Connect(ctx context.Context, host string, port int) error {
	if r.disposed {
		return ErrDisposed
	}
	if r.link != nil {
		if r.conn.Host == host && r.conn.Port == port && r.conn.IsConnected() {
			return nil
		}
		r.teardownLink()
	}
	sched.Stop(r.retry)
	r.retry = nil
	r.attempts = 0

	r.conn.Host, r.conn.Port = host, port
	r.conn.SetState(StateConnecting)

	wire, err := r.dialer.Dial(ctx, host, port)
	if err != nil {
		r.log.Warn("connect failed", zap.String("addr", r.conn.Addr()), zap.Error(err))
		r.conn.SetState(StateFailed)
		return fmt.Errorf("connect %s: %w", r.conn.Addr(), err)
	}
	r.attach(wire)
	return nil
}

func (r *Reliable) attach(wire Conn) {
	l := &link{
		wire:    wire,
		out:     make(chan []byte, r.cfg.OutQueueSize),
		closeCh: make(chan struct{}),
	}
	r.link = l
	r.attempts = 0
	go r.readLoop(l)
	go r.writeLoop(l)

	r.log.Info("connected", zap.String("addr", r.conn.Addr()), zap.String("remote", wire.RemoteAddr()))
	r.conn.SetState(StateConnected)
	if r.link == l {
		r.keepalive = r.sched.Every(r.cfg.KeepAlive, r.sendPing)
	}
}

// Disconnect closes the current link. Inbound packets already read but not
// yet delivered are discarded. Safe to call when not connected.
func (r *Reliable) Disconnect() error {
	sched.Stop(r.retry)
	r.retry = nil
	r.teardownLink()
	r.conn.SetState(StateDisconnected)
	return nil
}

// Dispose disconnects and drops every subscriber. Idempotent.
func (r *Reliable) Dispose() error {
	if r.disposed {
		return nil
	}
	err := r.Disconnect()
	r.disposed = true
	r.handlers.Clear()
	return err
}

func (r *Reliable) teardownLink() {
	sched.Stop(r.keepalive)
	r.keepalive = nil
	clear(r.pings)
	if r.link != nil {
		r.link.close()
		r.link = nil
	}
}

// Send queues p for the writer goroutine. A full queue drops the packet
// rather than stalling the scheduler thread.
func (r *Reliable) Send(p packet.Packet) {
	if r.link == nil || !r.conn.IsConnected() {
		return
	}
	data, err := packet.Marshal(p)
	if err != nil {
		r.log.Warn("packet encode failed", zap.String("type", p.Type.String()), zap.Error(err))
		return
	}
	select {
	case r.link.out <- data:
	default:
		r.log.Warn("output queue full, dropping packet",
			zap.String("type", p.Type.String()),
			zap.Uint64("seq", p.Seq),
		)
	}
}

func (r *Reliable) sendPing() {
	if !r.conn.IsConnected() {
		return
	}
	now := r.sched.Now()
	r.pingSeq++
	r.pings[r.pingSeq] = now
	if len(r.pings) > maxOutstandingPings {
		delete(r.pings, r.pingSeq-maxOutstandingPings)
	}
	r.Send(packet.New(r.pingSeq, packet.TypePing,
		map[string]any{"ping": true},
		packet.WithPriority(packet.PriorityHigh),
		packet.WithTimestamp(now),
	))
}

// readLoop runs in its own goroutine and hands every frame to the scheduler.
func (r *Reliable) readLoop(l *link) {
	for {
		data, err := l.wire.ReadMessage()
		if err != nil {
			r.sched.Post(func() { r.linkLost(l, err) })
			return
		}
		r.sched.Post(func() { r.deliver(l, data) })
	}
}

// writeLoop runs in its own goroutine and writes queued frames in order.
func (r *Reliable) writeLoop(l *link) {
	for {
		select {
		case data := <-l.out:
			if err := l.wire.WriteMessage(data); err != nil {
				r.sched.Post(func() { r.linkLost(l, err) })
				return
			}
		case <-l.closeCh:
			return
		}
	}
}

func (r *Reliable) deliver(l *link, data []byte) {
	if r.link != l {
		return
	}
	p, err := packet.Unmarshal(data)
	if err != nil {
		r.log.Warn("dropping malformed packet", zap.Int("size", len(data)), zap.Error(err))
		return
	}
	if p.Type == packet.TypePing {
		r.handlePing(p)
	}
	for _, fn := range r.handlers.Snapshot() {
		fn(p)
		if r.link != l {
			return // a handler disconnected us
		}
	}
}

func (r *Reliable) handlePing(p packet.Packet) {
	if p.Flag("pong") {
		sentAt, ok := r.pings[p.Seq]
		if !ok {
			r.log.Debug("ignoring unsolicited pong", zap.Uint64("seq", p.Seq))
			return
		}
		r.conn.SetLatency(r.sched.Now().Sub(sentAt))
		// Older pings still outstanding were lost.
		for seq := range r.pings {
			if seq <= p.Seq {
				delete(r.pings, seq)
			}
		}
		return
	}
	r.Send(Pong(p, r.sched.Now()))
}

// Pong builds the reply to a keepalive ping.
func Pong(ping packet.Packet, now time.Time) packet.Packet {
	return packet.New(ping.Seq, packet.TypePing,
		map[string]any{"pong": true},
		packet.WithPriority(packet.PriorityHigh),
		packet.WithTimestamp(now),
	)
}

func (r *Reliable) linkLost(l *link, err error) {
	if r.link != l {
		return
	}
	r.log.Warn("connection lost", zap.String("addr", r.conn.Addr()), zap.Error(err))
	r.teardownLink()
	if r.cfg.ReconnectAttempts <= 0 || r.disposed {
		r.conn.SetState(StateFailed)
		return
	}
	r.attempts = 0
	r.conn.SetState(StateReconnecting)
	r.retry = r.sched.After(r.cfg.ReconnectDelay, r.retryConnect)
}

func (r *Reliable) retryConnect() {
	r.retry = nil
	if r.disposed || r.conn.State() != StateReconnecting {
		return
	}
	r.attempts++
	r.conn.incReconnect()

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.DialTimeout)
	wire, err := r.dialer.Dial(ctx, r.conn.Host, r.conn.Port)
	cancel()
	if err != nil {
		r.log.Warn("reconnect failed",
			zap.String("addr", r.conn.Addr()),
			zap.Int("attempt", r.attempts),
			zap.Error(err),
		)
		if r.attempts >= r.cfg.ReconnectAttempts {
			r.conn.SetState(StateFailed)
			return
		}
		r.retry = r.sched.After(r.cfg.ReconnectDelay, r.retryConnect)
		return
	}
	r.attach(wire)
}
