package net

import (
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/l1jgo/netplay/internal/sched"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ServerConfig tunes accepted peers. Zero fields take defaults.
type ServerConfig struct {
	OutQueueSize     int
	PacketsPerSecond int // 0 = unlimited
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration // idle limit between inbound frames, 0 = none
	WSPath           string
}

// Server accepts TCP and WebSocket clients speaking the packet protocol and
// reports them to a PeerHandler through the scheduler.
type Server struct {
	listener net.Listener
	sched    sched.Scheduler
	handler  PeerHandler
	cfg      ServerConfig
	upgrader websocket.Upgrader
	nextID   atomic.Uint64
	log      *zap.Logger

	mu    sync.Mutex
	peers map[uint64]*Peer

	closeCh   chan struct{}
	closeOnce sync.Once
}

func NewServer(bindAddr string, s sched.Scheduler, h PeerHandler, cfg ServerConfig, log *zap.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, err
	}
	if cfg.OutQueueSize <= 0 {
		cfg.OutQueueSize = 256
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.WSPath == "" {
		cfg.WSPath = "/ws"
	}
	return &Server{
		listener: ln,
		sched:    s,
		handler:  h,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log:     log.Named("server"),
		peers:   make(map[uint64]*Peer),
		closeCh: make(chan struct{}),
	}, nil
}

// AcceptLoop runs in its own goroutine until Shutdown.
func (s *Server) AcceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closeCh:
				return // server shutting down
			default:
			}
			s.log.Error("accept failed", zap.Error(err))
			continue
		}
		s.register(NewFrameConn(conn, s.cfg.WriteTimeout))
	}
}

// ServeWS upgrades an HTTP request to a WebSocket peer.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	c, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	s.register(NewWebSocketConn(c, s.cfg.WriteTimeout))
}

// Routes returns the HTTP surface: the WebSocket endpoint, Prometheus
// metrics from g and a health check.
func (s *Server) Routes(g prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get(s.cfg.WSPath, s.ServeWS)
	if g != nil {
		r.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	}
	return r
}

func (s *Server) register(wire Conn) {
	select {
	case <-s.closeCh:
		wire.Close()
		return
	default:
	}

	id := s.nextID.Add(1)
	p := newPeer(wire, id, s.cfg.OutQueueSize, s.cfg.PacketsPerSecond, s.log)
	p.readTimeout = s.cfg.ReadTimeout

	s.mu.Lock()
	s.peers[id] = p
	s.mu.Unlock()

	s.log.Info("peer connected", zap.Uint64("peer", id), zap.String("addr", p.Addr()))
	// Join is posted before the read loop starts so it precedes every packet.
	s.sched.Post(func() { s.handler.PeerJoined(p) })
	p.start(s.sched, s.handler, s.peerDead)
}

func (s *Server) peerDead(p *Peer) {
	s.mu.Lock()
	delete(s.peers, p.ID())
	s.mu.Unlock()
	s.log.Info("peer disconnected", zap.Uint64("peer", p.ID()))
	s.sched.Post(func() { s.handler.PeerLeft(p) })
}

// PeerCount returns the number of live peers.
func (s *Server) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Shutdown stops accepting and closes every peer.
func (s *Server) Shutdown() {
	s.closeOnce.Do(func() {
		close(s.closeCh)
		s.listener.Close()
	})
	s.mu.Lock()
	peers := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()
	for _, p := range peers {
		p.Close()
	}
}

// Addr returns the listener's address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}
