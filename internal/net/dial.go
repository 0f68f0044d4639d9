package net

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is a message-oriented, ordered, reliable stream. ReadMessage is
// called from one goroutine and WriteMessage from another.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
	RemoteAddr() string
}

// Dialer opens a Conn to host:port.
type Dialer interface {
	Dial(ctx context.Context, host string, port int) (Conn, error)
}

// readDeadliner is implemented by Conns that support idle read timeouts.
type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, host string, port int) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, host string, port int) (Conn, error) {
	return f(ctx, host, port)
}

// TCPDialer dials plain TCP and frames messages with WriteFrame/ReadFrame.
type TCPDialer struct {
	Timeout      time.Duration
	WriteTimeout time.Duration
}

func (d TCPDialer) Dial(ctx context.Context, host string, port int) (Conn, error) {
	nd := net.Dialer{Timeout: d.Timeout}
	c, err := nd.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	return NewFrameConn(c, d.WriteTimeout), nil
}

// frameConn adapts a byte stream to Conn.
type frameConn struct {
	c            net.Conn
	writeTimeout time.Duration
}

// NewFrameConn wraps a raw stream with length-prefixed framing.
func NewFrameConn(c net.Conn, writeTimeout time.Duration) Conn {
	return &frameConn{c: c, writeTimeout: writeTimeout}
}

func (f *frameConn) ReadMessage() ([]byte, error) { return ReadFrame(f.c) }

func (f *frameConn) WriteMessage(data []byte) error {
	if f.writeTimeout > 0 {
		f.c.SetWriteDeadline(time.Now().Add(f.writeTimeout))
	}
	return WriteFrame(f.c, data)
}

func (f *frameConn) Close() error { return f.c.Close() }

func (f *frameConn) SetReadDeadline(t time.Time) error { return f.c.SetReadDeadline(t) }

func (f *frameConn) RemoteAddr() string { return f.c.RemoteAddr().String() }

// WebSocketDialer dials ws://host:port/Path. Each packet is one text message.
type WebSocketDialer struct {
	Path         string
	Dialer       *websocket.Dialer // nil means websocket.DefaultDialer
	WriteTimeout time.Duration
}

func (d WebSocketDialer) Dial(ctx context.Context, host string, port int) (Conn, error) {
	u := url.URL{Scheme: "ws", Host: net.JoinHostPort(host, strconv.Itoa(port)), Path: d.Path}
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	c, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake (%s): %w", resp.Status, err)
		}
		return nil, err
	}
	return NewWebSocketConn(c, d.WriteTimeout), nil
}

type wsConn struct {
	c            *websocket.Conn
	writeTimeout time.Duration
}

// NewWebSocketConn adapts an established websocket to Conn.
func NewWebSocketConn(c *websocket.Conn, writeTimeout time.Duration) Conn {
	return &wsConn{c: c, writeTimeout: writeTimeout}
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	_, msg, err := w.c.ReadMessage()
	return msg, err
}

func (w *wsConn) WriteMessage(data []byte) error {
	if w.writeTimeout > 0 {
		w.c.SetWriteDeadline(time.Now().Add(w.writeTimeout))
	}
	return w.c.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) Close() error {
	w.c.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return w.c.Close()
}

func (w *wsConn) RemoteAddr() string { return w.c.RemoteAddr().String() }

func (w *wsConn) SetReadDeadline(t time.Time) error { return w.c.SetReadDeadline(t) }
