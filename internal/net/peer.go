package net

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/l1jgo/netplay/internal/net/packet"
	"github.com/l1jgo/netplay/internal/sched"
	"go.uber.org/zap"
)

// Remote is the server's view of one connected client.
type Remote interface {
	ID() uint64
	Addr() string
	Send(p packet.Packet)
	Close()
}

// PeerHandler receives peer lifecycle events and inbound packets on the
// scheduler thread. Keepalive pings are answered by the peer itself and
// never reach the handler.
type PeerHandler interface {
	PeerJoined(r Remote)
	PeerPacket(r Remote, p packet.Packet)
	PeerLeft(r Remote)
}

// Peer is a single accepted client connection. Network I/O runs in
// dedicated goroutines; handler callbacks run on the scheduler.
type Peer struct {
	id   uint64
	wire Conn
	addr string

	out       chan []byte
	closeCh   chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool

	// Per-second packet rate limiter (readLoop goroutine only, no lock needed)
	pktPerSec  int
	pktCount   int
	pktResetAt int64

	readTimeout time.Duration

	log *zap.Logger
}

func newPeer(wire Conn, id uint64, outSize, pktPerSec int, log *zap.Logger) *Peer {
	return &Peer{
		id:        id,
		wire:      wire,
		addr:      wire.RemoteAddr(),
		out:       make(chan []byte, outSize),
		closeCh:   make(chan struct{}),
		pktPerSec: pktPerSec,
		log:       log.With(zap.Uint64("peer", id)),
	}
}

func (p *Peer) ID() uint64 { return p.id }

func (p *Peer) Addr() string { return p.addr }

func (p *Peer) IsClosed() bool { return p.closed.Load() }

// Send queues a packet for the writer goroutine. If the queue is full the
// peer is too slow to keep up and gets disconnected.
func (p *Peer) Send(pkt packet.Packet) {
	if p.closed.Load() {
		return
	}
	data, err := packet.Marshal(pkt)
	if err != nil {
		p.log.Warn("packet encode failed", zap.String("type", pkt.Type.String()), zap.Error(err))
		return
	}
	select {
	case p.out <- data:
	default:
		p.log.Warn("output queue full, closing slow peer")
		p.Close()
	}
}

// Close shuts the peer down. Idempotent.
func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		close(p.closeCh)
		p.wire.Close()
	})
}

func (p *Peer) start(s sched.Scheduler, h PeerHandler, onDead func(*Peer)) {
	go p.readLoop(s, h, onDead)
	go p.writeLoop()
}

// readLoop decodes frames and posts them to the scheduler. It is the only
// place that reports the peer dead, so PeerLeft fires exactly once.
func (p *Peer) readLoop(s sched.Scheduler, h PeerHandler, onDead func(*Peer)) {
	defer func() {
		p.Close()
		onDead(p)
	}()

	rd, _ := p.wire.(readDeadliner)
	for {
		if rd != nil && p.readTimeout > 0 {
			rd.SetReadDeadline(time.Now().Add(p.readTimeout))
		}
		data, err := p.wire.ReadMessage()
		if err != nil {
			if !p.closed.Load() {
				p.log.Debug("read error", zap.Error(err))
			}
			return
		}

		if p.pktPerSec > 0 {
			now := time.Now().Unix()
			if now != p.pktResetAt {
				p.pktCount = 0
				p.pktResetAt = now
			}
			p.pktCount++
			if p.pktCount > p.pktPerSec {
				p.log.Warn("packet rate exceeded, disconnecting", zap.Int("pps", p.pktCount))
				return
			}
		}

		pkt, err := packet.Unmarshal(data)
		if err != nil {
			p.log.Warn("dropping malformed packet", zap.Int("size", len(data)), zap.Error(err))
			continue
		}
		s.Post(func() {
			if p.closed.Load() {
				return
			}
			if pkt.Type == packet.TypePing {
				if !pkt.Flag("pong") {
					p.Send(Pong(pkt, s.Now()))
				}
				return
			}
			h.PeerPacket(p, pkt)
		})
	}
}

func (p *Peer) writeLoop() {
	defer p.Close()

	for {
		select {
		case data := <-p.out:
			if err := p.wire.WriteMessage(data); err != nil {
				if !p.closed.Load() {
					p.log.Debug("write error", zap.Error(err))
				}
				return
			}
		case <-p.closeCh:
			return
		}
	}
}
