package net

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/l1jgo/netplay/internal/net/packet"
	"github.com/l1jgo/netplay/internal/sched"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// echoHandler answers every packet with its payload under "echo".
type echoHandler struct {
	joined chan uint64
	left   chan uint64
}

func newEchoHandler() *echoHandler {
	return &echoHandler{joined: make(chan uint64, 8), left: make(chan uint64, 8)}
}

func (h *echoHandler) PeerJoined(r Remote) { h.joined <- r.ID() }

func (h *echoHandler) PeerPacket(r Remote, p packet.Packet) {
	r.Send(packet.New(p.Seq, packet.TypeReliable, map[string]any{"echo": p.Payload["msg"]}))
}

func (h *echoHandler) PeerLeft(r Remote) { h.left <- r.ID() }

func startLoop(t *testing.T) *sched.Loop {
	t.Helper()
	loop := sched.NewLoop(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	t.Cleanup(func() {
		cancel()
		loop.Close()
	})
	return loop
}

// onLoop runs fn on the scheduler thread and waits for it.
func onLoop(t *testing.T, s sched.Scheduler, fn func()) {
	t.Helper()
	done := make(chan struct{})
	s.Post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler callback timed out")
	}
}

func recvWithin(t *testing.T, ch <-chan packet.Packet) packet.Packet {
	t.Helper()
	select {
	case p := <-ch:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("no packet received")
	}
	return packet.Packet{}
}

func exerciseEcho(t *testing.T, loop *sched.Loop, d Dialer, host string, port int) {
	t.Helper()
	client := NewReliable(d, loop, ReliableConfig{KeepAlive: 20 * time.Millisecond}, zap.NewNop())
	inbox := make(chan packet.Packet, 16)

	var connectErr error
	onLoop(t, loop, func() {
		client.OnPacket(func(p packet.Packet) {
			if p.Type == packet.TypeReliable {
				inbox <- p
			}
		})
		connectErr = client.Connect(context.Background(), host, port)
		if connectErr == nil {
			client.Send(packet.New(1, packet.TypeReliable, map[string]any{"msg": "hello"}))
		}
	})
	if connectErr != nil {
		t.Fatalf("Connect: %v", connectErr)
	}
	defer onLoop(t, loop, func() { client.Dispose() })

	reply := recvWithin(t, inbox)
	if reply.Seq != 1 || reply.Payload["echo"] != "hello" {
		t.Fatalf("unexpected reply: %+v", reply)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		var latency time.Duration
		onLoop(t, loop, func() { latency = client.Connection().Latency() })
		if latency > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("keepalive never measured latency")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServerEchoOverTCP(t *testing.T) {
	loop := startLoop(t)
	h := newEchoHandler()
	srv, err := NewServer("127.0.0.1:0", loop, h, ServerConfig{}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	go srv.AcceptLoop()
	defer srv.Shutdown()

	addr := srv.Addr().(*net.TCPAddr)
	exerciseEcho(t, loop, TCPDialer{Timeout: time.Second}, "127.0.0.1", addr.Port)

	select {
	case <-h.joined:
	case <-time.After(time.Second):
		t.Fatal("PeerJoined never fired")
	}
	select {
	case <-h.left:
	case <-time.After(5 * time.Second):
		t.Fatal("PeerLeft never fired after client disposal")
	}
}

func TestServerEchoOverWebSocket(t *testing.T) {
	loop := startLoop(t)
	h := newEchoHandler()
	srv, err := NewServer("127.0.0.1:0", loop, h, ServerConfig{WSPath: "/play"}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer srv.Shutdown()

	ts := httptest.NewServer(srv.Routes(prometheus.NewRegistry()))
	defer ts.Close()

	u, _ := url.Parse(ts.URL)
	host, portStr, _ := net.SplitHostPort(u.Host)
	port, _ := strconv.Atoi(portStr)
	exerciseEcho(t, loop, WebSocketDialer{Path: "/play"}, host, port)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Fatalf("healthz = %d %q", resp.StatusCode, body)
	}

	resp, err = http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", resp.StatusCode)
	}
}

func TestServerDropsMalformedAndKeepsPeer(t *testing.T) {
	loop := startLoop(t)
	h := newEchoHandler()
	srv, err := NewServer("127.0.0.1:0", loop, h, ServerConfig{}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	go srv.AcceptLoop()
	defer srv.Shutdown()

	conn, err := TCPDialer{Timeout: time.Second}.Dial(context.Background(), "127.0.0.1", srv.Addr().(*net.TCPAddr).Port)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage([]byte("{broken")); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, _ := packet.Marshal(packet.New(4, packet.TypeReliable, map[string]any{"msg": "still here"}))
	if err := conn.WriteMessage(data); err != nil {
		t.Fatalf("write: %v", err)
	}
	reply, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	p, err := packet.Unmarshal(reply)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if p.Seq != 4 || p.Payload["echo"] != "still here" {
		t.Fatalf("unexpected reply %+v", p)
	}
	if srv.PeerCount() != 1 {
		t.Fatalf("PeerCount = %d", srv.PeerCount())
	}
}

func TestServerDropsIdlePeer(t *testing.T) {
	loop := startLoop(t)
	h := newEchoHandler()
	srv, err := NewServer("127.0.0.1:0", loop, h, ServerConfig{ReadTimeout: 50 * time.Millisecond}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	go srv.AcceptLoop()
	defer srv.Shutdown()

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	id := <-h.joined
	select {
	case left := <-h.left:
		if left != id {
			t.Fatalf("left peer %d, want %d", left, id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("idle peer was never dropped")
	}
}
