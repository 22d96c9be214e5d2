package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/imlink/internal/buffer"
	"github.com/danmuck/imlink/internal/identify"
	"github.com/danmuck/imlink/internal/longlink"
	"github.com/danmuck/imlink/internal/protocol/frame"
	"github.com/danmuck/imlink/internal/testutil/testlog"
)

// fakeServer answers every identify frame with reply(body) and echoes
// application frames back to the client.
type fakeServer struct {
	ln        net.Listener
	accepted  atomic.Int32
	identifys atomic.Int32
	reply     func(body []byte) []byte
}

func startFakeServer(t *testing.T, reply func(body []byte) []byte) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &fakeServer{ln: ln, reply: reply}
	t.Cleanup(func() { ln.Close() })
	go s.serve()
	return s
}

func (s *fakeServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.accepted.Add(1)
		go s.handle(conn)
	}
}

func (s *fakeServer) handle(conn net.Conn) {
	defer conn.Close()
	for {
		f, err := frame.ReadFrame(conn, frame.DefaultVersion)
		if err != nil {
			return
		}
		if f.TaskID == frame.IdentifyTaskID {
			s.identifys.Add(1)
			f.Body = s.reply(f.Body)
		}
		if err := frame.WriteFrame(conn, frame.DefaultVersion, f); err != nil {
			return
		}
	}
}

func (s *fakeServer) endpoint(t *testing.T) Endpoint {
	t.Helper()
	host, port, err := net.SplitHostPort(s.ln.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		t.Fatalf("port: %v", err)
	}
	return Endpoint{Host: host, Port: uint16(p)}
}

func echoOK(body []byte) []byte { return []byte("ok") }

func acceptOK() identify.FuncCallback {
	return identify.FuncCallback{
		Produce: func(out *buffer.Buffer) (identify.Timing, uint32) {
			out.Write([]byte{1, 2, 3, 4})
			return identify.Now(), 1
		},
		Verify: func(resp *buffer.Buffer) identify.Step {
			if string(resp.Bytes(0)) == "ok" {
				return identify.StepOK
			}
			return identify.StepFail
		},
	}
}

type harness struct {
	tr     *Transport
	events chan Event
	frames chan frame.Frame
	done   chan error
}

func newHarness(t *testing.T, cb identify.Callback, ep Endpoint) *harness {
	t.Helper()
	h := &harness{
		events: make(chan Event, 32),
		frames: make(chan frame.Frame, 32),
		done:   make(chan error, 1),
	}
	h.tr = New(nil, cb, Options{
		OnEvent: func(ev Event) { h.events <- ev },
		OnFrame: func(f frame.Frame) { h.frames <- f },
	})
	h.tr.SetLongLinkEndpoint(ep)
	t.Cleanup(h.tr.Shutdown)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.tr.EnsureLongLinkConnected(context.Background()); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	go func() { h.done <- h.tr.DriveEvents(context.Background()) }()
}

func (h *harness) waitEvent(t *testing.T, kind longlink.ResponseKind) Event {
	t.Helper()
	for {
		select {
		case ev := <-h.events:
			if ev.Kind == kind {
				return ev
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for %v", kind)
		}
	}
}

func (h *harness) result(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatalf("DriveEvents did not return")
		return nil
	}
}

func TestHandshakeAndShutdown(t *testing.T) {
	testlog.Start(t)
	srv := startFakeServer(t, func(body []byte) []byte {
		if !bytes.Equal(body, []byte{1, 2, 3, 4}) {
			return []byte("bad")
		}
		return []byte("ok")
	})
	h := newHarness(t, acceptOK(), srv.endpoint(t))
	h.start(t)

	for _, want := range []longlink.ResponseKind{
		longlink.ResponseConnecting,
		longlink.ResponseCheckIdentify,
		longlink.ResponseConnected,
	} {
		if ev := <-h.events; ev.Kind != want {
			t.Fatalf("event=%v want %v", ev.Kind, want)
		}
	}
	if !h.tr.IsConnected() {
		t.Fatalf("transport not connected, state=%v", h.tr.State())
	}

	h.tr.Shutdown()
	if err := h.result(t); err != nil {
		t.Fatalf("clean shutdown err=%v", err)
	}
	if ev := <-h.events; ev.Kind != longlink.ResponseDisconnected {
		t.Fatalf("event=%v want disconnected", ev.Kind)
	}
	if h.tr.IsConnected() || h.tr.State() != longlink.StateDisconnected {
		t.Fatalf("state after shutdown=%v", h.tr.State())
	}
}

func TestEnsureIsIdempotent(t *testing.T) {
	testlog.Start(t)
	srv := startFakeServer(t, echoOK)
	h := newHarness(t, acceptOK(), srv.endpoint(t))
	for i := 0; i < 3; i++ {
		if err := h.tr.EnsureLongLinkConnected(context.Background()); err != nil {
			t.Fatalf("ensure %d: %v", i, err)
		}
	}
	go func() { h.done <- h.tr.DriveEvents(context.Background()) }()
	h.waitEvent(t, longlink.ResponseConnected)
	time.Sleep(50 * time.Millisecond)
	if n := srv.accepted.Load(); n != 1 {
		t.Fatalf("server accepted %d connections", n)
	}
}

func TestPreconditions(t *testing.T) {
	testlog.Start(t)
	tr := New(nil, nil, Options{})
	if err := tr.DriveEvents(context.Background()); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("drive err=%v", err)
	}
	if err := tr.EnsureLongLinkConnected(context.Background()); !errors.Is(err, ErrNoEndpoint) {
		t.Fatalf("ensure err=%v", err)
	}
	if err := tr.Send(context.Background(), 1, 1, nil); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("send err=%v", err)
	}
	if err := tr.Send(context.Background(), 1, 1, make([]byte, frame.MaxBodyLen+1)); !errors.Is(err, frame.ErrBodyTooLarge) {
		t.Fatalf("oversize send err=%v", err)
	}
	if tr.State() != longlink.StateNone {
		t.Fatalf("state=%v", tr.State())
	}
}

func TestConnectFailThenFreshLink(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	dead := &fakeServer{ln: ln}
	ep := dead.endpoint(t)
	ln.Close()

	h := newHarness(t, acceptOK(), ep)
	h.start(t)
	if err := h.result(t); !errors.Is(err, ErrConnectFailed) {
		t.Fatalf("err=%v want ErrConnectFailed", err)
	}
	h.waitEvent(t, longlink.ResponseConnectFail)
	if h.tr.State() != longlink.StateConnectFail {
		t.Fatalf("state=%v", h.tr.State())
	}

	srv := startFakeServer(t, echoOK)
	h.tr.SetLongLinkEndpoint(srv.endpoint(t))
	h.start(t)
	h.waitEvent(t, longlink.ResponseConnected)
}

func TestIdentifyRejected(t *testing.T) {
	testlog.Start(t)
	srv := startFakeServer(t, func([]byte) []byte { return []byte("no") })
	h := newHarness(t, acceptOK(), srv.endpoint(t))
	h.start(t)
	if err := h.result(t); !errors.Is(err, ErrIdentifyRejected) {
		t.Fatalf("err=%v want ErrIdentifyRejected", err)
	}
	if h.tr.IsConnected() {
		t.Fatalf("rejected link reported connected")
	}
}

func TestIdentifyRetrySendsFreshPayload(t *testing.T) {
	testlog.Start(t)
	srv := startFakeServer(t, echoOK)
	var verdicts atomic.Int32
	cb := acceptOK()
	cb.Verify = func(*buffer.Buffer) identify.Step {
		if verdicts.Add(1) == 1 {
			return identify.StepRetry
		}
		return identify.StepOK
	}
	h := newHarness(t, cb, srv.endpoint(t))
	h.start(t)
	h.waitEvent(t, longlink.ResponseConnected)
	if n := srv.identifys.Load(); n != 2 {
		t.Fatalf("server saw %d identify frames, want 2", n)
	}
}

func TestDeferredIdentifyNotSent(t *testing.T) {
	testlog.Start(t)
	srv := startFakeServer(t, echoOK)
	cb := identify.FuncCallback{
		Produce: func(*buffer.Buffer) (identify.Timing, uint32) {
			return identify.Delayed(time.Second), 1
		},
	}
	h := newHarness(t, cb, srv.endpoint(t))
	h.start(t)
	h.waitEvent(t, longlink.ResponseCheckIdentify)
	time.Sleep(50 * time.Millisecond)
	if n := srv.identifys.Load(); n != 0 {
		t.Fatalf("server saw %d identify frames", n)
	}
	if h.tr.State() != longlink.StateCheckIdentify {
		t.Fatalf("state=%v", h.tr.State())
	}
}

func TestSendEchoesThroughOnFrame(t *testing.T) {
	testlog.Start(t)
	srv := startFakeServer(t, echoOK)
	h := newHarness(t, acceptOK(), srv.endpoint(t))
	h.start(t)
	// Queued before the handshake finishes; written after Connected.
	if err := h.tr.Send(context.Background(), 7, 11, []byte("ping")); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case f := <-h.frames:
		if f.CmdID != 7 || f.TaskID != 11 || string(f.Body) != "ping" {
			t.Fatalf("echo=%+v", f)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no echo")
	}
}

func TestTokenHandshakeEndToEnd(t *testing.T) {
	testlog.Start(t)
	verifier := identify.NewTokenVerifier(map[string]string{"alice": "s3cret"})
	srv := startFakeServer(t, func(body []byte) []byte {
		ack, err := identify.MarshalIdentifyAck(verifier.Verify(body))
		if err != nil {
			return nil
		}
		return ack
	})
	cb := &identify.TokenAuthenticator{ClientID: "alice", Secret: []byte("s3cret"), CmdID: 1}
	h := newHarness(t, cb, srv.endpoint(t))
	h.start(t)
	h.waitEvent(t, longlink.ResponseConnected)

	bad := &identify.TokenAuthenticator{ClientID: "alice", Secret: []byte("wrong"), CmdID: 1}
	h2 := newHarness(t, bad, srv.endpoint(t))
	h2.start(t)
	if err := h2.result(t); !errors.Is(err, ErrIdentifyRejected) {
		t.Fatalf("bad secret err=%v", err)
	}
}

func TestEndpoint(t *testing.T) {
	testlog.Start(t)
	var src NetSource
	if _, ok := src.LongLink(); ok {
		t.Fatalf("empty source reported endpoint")
	}
	src.SetLongLink(Endpoint{Host: "::1", Port: 8080})
	ep, ok := src.LongLink()
	if !ok || ep.Addr() != "[::1]:8080" {
		t.Fatalf("endpoint=%v ok=%v", ep, ok)
	}
	src.SetShortLink(Endpoint{Host: "example.com", Port: 80})
	if ep, ok := src.ShortLink(); !ok || ep.String() != "example.com:80" {
		t.Fatalf("short=%v ok=%v", ep, ok)
	}
}

func TestRejectionAckFollowedByCloseReportsRejected(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		f, err := frame.ReadFrame(conn, frame.DefaultVersion)
		if err != nil {
			return
		}
		f.Body = []byte("no")
		frame.WriteFrame(conn, frame.DefaultVersion, f)
	}()

	h := newHarness(t, acceptOK(), (&fakeServer{ln: ln}).endpoint(t))
	h.start(t)
	if err := h.result(t); !errors.Is(err, ErrIdentifyRejected) {
		t.Fatalf("err=%v want ErrIdentifyRejected", err)
	}
}

func TestRetryThenDeferredPayloadKeepsVerifying(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		f, err := frame.ReadFrame(conn, frame.DefaultVersion)
		if err != nil {
			return
		}
		f.Body = []byte("retry")
		frame.WriteFrame(conn, frame.DefaultVersion, f)
		time.Sleep(50 * time.Millisecond)
		f.Body = []byte("ok")
		frame.WriteFrame(conn, frame.DefaultVersion, f)
		io.Copy(io.Discard, conn)
	}()

	var produced atomic.Int32
	cb := identify.FuncCallback{
		Produce: func(out *buffer.Buffer) (identify.Timing, uint32) {
			if produced.Add(1) > 1 {
				return identify.Never(), 1
			}
			out.Write([]byte("id"))
			return identify.Now(), 1
		},
		Verify: func(resp *buffer.Buffer) identify.Step {
			if string(resp.Bytes(0)) == "retry" {
				return identify.StepRetry
			}
			return identify.StepOK
		},
	}
	h := newHarness(t, cb, (&fakeServer{ln: ln}).endpoint(t))
	h.start(t)
	h.waitEvent(t, longlink.ResponseConnected)
}
