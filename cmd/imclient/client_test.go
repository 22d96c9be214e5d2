package main

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/danmuck/imlink/internal/server"
	"github.com/danmuck/imlink/internal/testutil/testlog"
	"github.com/danmuck/imlink/internal/transport"
)

func startServer(t *testing.T) (string, uint16) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	srv := server.New(server.Config{Clients: map[string]string{"alice": "s3cret"}})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx, ln)
	t.Cleanup(cancel)
	host, port, _ := net.SplitHostPort(ln.Addr().String())
	p, _ := strconv.Atoi(port)
	return host, uint16(p)
}

func testClientConfig(host string, port uint16) clientConfig {
	cfg := defaultClientConfig()
	cfg.Host, cfg.Port = host, port
	cfg.ClientID, cfg.Secret = "alice", "s3cret"
	cfg.ConnectTimeout = time.Second
	return cfg
}

func TestClientRunsUntilCanceled(t *testing.T) {
	testlog.Start(t)
	host, port := startServer(t)
	cfg := testClientConfig(host, port)
	cfg.PingInterval = 20 * time.Millisecond
	c := newClient(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.run(ctx) }()

	select {
	case <-c.connected:
	case <-time.After(3 * time.Second):
		t.Fatalf("client never connected")
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("run did not return after cancel")
	}
}

func TestClientStopsOnRejectedIdentify(t *testing.T) {
	testlog.Start(t)
	host, port := startServer(t)
	cfg := testClientConfig(host, port)
	cfg.Secret = "wrong"
	if err := newClient(cfg).run(context.Background()); !errors.Is(err, transport.ErrIdentifyRejected) {
		t.Fatalf("err=%v", err)
	}
}

func TestClientGivesUpAfterMaxAttempts(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	_, port, _ := net.SplitHostPort(ln.Addr().String())
	ln.Close()
	p, _ := strconv.Atoi(port)

	cfg := testClientConfig("127.0.0.1", uint16(p))
	cfg.MaxConnectAttempts = 2
	if err := newClient(cfg).run(context.Background()); !errors.Is(err, transport.ErrConnectFailed) {
		t.Fatalf("err=%v", err)
	}
}

func TestClientAttemptBudgetCountsLinksDroppedBeforeConnected(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	_, port, _ := net.SplitHostPort(ln.Addr().String())
	p, _ := strconv.Atoi(port)

	cfg := testClientConfig("127.0.0.1", uint16(p))
	cfg.MaxConnectAttempts = 2
	done := make(chan error, 1)
	go func() { done <- newClient(cfg).run(context.Background()) }()
	select {
	case err := <-done:
		if !errors.Is(err, transport.ErrLinkClosed) {
			t.Fatalf("err=%v want ErrLinkClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("client kept retrying past max attempts")
	}
}

func TestClientBackoffUsesSessionConfig(t *testing.T) {
	testlog.Start(t)
	cfg := testClientConfig("127.0.0.1", 1)
	cfg.ConnectTimeout = 2 * time.Second
	c := newClient(cfg)
	if c.session.ConnectTimeout != 2*time.Second {
		t.Fatalf("session connect timeout=%v", c.session.ConnectTimeout)
	}
	if c.session.Backoff.InitialDelay <= 0 {
		t.Fatalf("session backoff unset: %+v", c.session.Backoff)
	}
}
