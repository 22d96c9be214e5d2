package longlink

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/danmuck/imlink/internal/wsconn"
)

// Dialer opens the socket for one long-link attempt.
type Dialer interface {
	Dial(ctx context.Context, addr string) (net.Conn, error)
}

// TCPDialer dials a plain TCP stream.
type TCPDialer struct {
	KeepAlive time.Duration
}

func (d TCPDialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	nd := net.Dialer{KeepAlive: d.KeepAlive}
	return nd.DialContext(ctx, "tcp", addr)
}

// WebSocketDialer carries the long-link over binary WebSocket messages.
type WebSocketDialer struct {
	Path             string
	Header           http.Header
	HandshakeTimeout time.Duration
}

func (d WebSocketDialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	path := d.Path
	if path == "" {
		path = "/ws"
	}
	u := url.URL{Scheme: "ws", Host: addr, Path: path}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	ws, resp, err := dialer.DialContext(ctx, u.String(), d.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return wsconn.New(ws), nil
}
