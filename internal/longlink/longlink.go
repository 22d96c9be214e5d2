package longlink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/imlink/internal/buffer"
	"github.com/danmuck/imlink/internal/observability"
	"github.com/danmuck/imlink/internal/protocol/frame"
	"github.com/danmuck/imlink/internal/protocol/session"
)

var (
	ErrLinkClosed       = errors.New("longlink: link closed")
	ErrShutdown         = errors.New("longlink: shutdown")
	ErrProtocol         = errors.New("longlink: protocol violation")
	ErrIdentifyRejected = errors.New("longlink: identify rejected")
	ErrAlreadyStarted   = errors.New("longlink: already started")
)

// LongLink is one persistent connection and its event loop. A LongLink
// runs once; a new connection attempt needs a new LongLink.
type LongLink struct {
	id     string
	cfg    session.Config
	codec  frame.Codec
	dialer Dialer

	reqCh  chan Request
	respCh chan<- Response

	shutdown     chan struct{}
	shutdownOnce sync.Once
	done         chan struct{}
	started      atomic.Bool
	state        atomic.Uint32

	// Owned by the loop goroutine.
	identifyQ       Queue
	sendQ           Queue
	held            []frame.Frame
	awaitingVerdict bool
}

// New builds a link that reports on resp. A nil dialer dials TCP.
func New(codec frame.Codec, dialer Dialer, cfg session.Config, resp chan<- Response) *LongLink {
	cfg = cfg.WithDefaults()
	if dialer == nil {
		dialer = TCPDialer{}
	}
	return &LongLink{
		id:       uuid.NewString(),
		cfg:      cfg,
		codec:    codec,
		dialer:   dialer,
		reqCh:    make(chan Request, cfg.RequestQueueSize),
		respCh:   resp,
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (l *LongLink) ID() string {
	return l.id
}

func (l *LongLink) State() State {
	return State(l.state.Load())
}

// Done is closed once the loop has exited.
func (l *LongLink) Done() <-chan struct{} {
	return l.done
}

// Shutdown signals the loop to report Disconnected and exit. Safe to call
// more than once and from any goroutine.
func (l *LongLink) Shutdown() {
	l.shutdownOnce.Do(func() { close(l.shutdown) })
}

// Submit hands req to the loop.
func (l *LongLink) Submit(ctx context.Context, req Request) error {
	select {
	case <-l.done:
		return ErrLinkClosed
	default:
	}
	select {
	case l.reqCh <- req:
		return nil
	case <-l.done:
		return ErrLinkClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run connects to addr and drives the link until it terminates. It
// returns after the terminal response has been reported.
func (l *LongLink) Run(ctx context.Context, addr string) error {
	if !l.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	defer close(l.done)

	logger := log.With().Str("link", l.id).Str("addr", addr).Logger()

	l.setState(StateConnecting)
	l.emit(Response{Kind: ResponseConnecting})
	logger.Info().Msg("long-link connecting")

	conn, err := l.dial(ctx, addr)
	if err != nil {
		logger.Warn().Err(err).Msg("long-link connect failed")
		l.setState(StateConnectFail)
		l.finish(ctx, Response{Kind: ResponseConnectFail, Err: err})
		return nil
	}
	defer conn.Close()

	l.setState(StateCheckIdentify)
	l.emit(Response{Kind: ResponseCheckIdentify})
	logger.Info().Str("local", conn.LocalAddr().String()).Msg("long-link socket connected, awaiting identify")

	chunks := make(chan []byte, 16)
	readErr := make(chan error, 1)
	go l.readLoop(conn, chunks, readErr)

	recv := buffer.New(buffer.DefaultUnitSize)
	recv.Reserve(l.cfg.ReadBufferSize)

	err = l.loop(ctx, conn, recv, chunks, readErr)
	l.setState(StateDisconnected)
	switch {
	case errors.Is(err, ErrShutdown):
		logger.Info().Msg("long-link shut down")
		err = nil
	default:
		logger.Warn().Err(err).Msg("long-link disconnected")
	}
	l.finish(ctx, Response{Kind: ResponseDisconnected, Err: err})
	return nil
}

func (l *LongLink) dial(ctx context.Context, addr string) (net.Conn, error) {
	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if l.cfg.ConnectTimeout > 0 {
		var cancelTimeout context.CancelFunc
		dialCtx, cancelTimeout = context.WithTimeout(dialCtx, l.cfg.ConnectTimeout)
		defer cancelTimeout()
	}
	go func() {
		select {
		case <-l.shutdown:
			cancel()
		case <-dialCtx.Done():
		}
	}()
	return l.dialer.Dial(dialCtx, addr)
}

func (l *LongLink) loop(ctx context.Context, conn net.Conn, recv *buffer.Buffer, chunks <-chan []byte, readErr <-chan error) error {
	// Set once the socket has failed while an identify verdict is pending.
	var closedErr error
	for {
		if l.stopping() {
			return ErrShutdown
		}
		if closedErr == nil && l.writable() {
			if err := l.writeHead(conn); err != nil {
				return err
			}
			continue
		}

		select {
		case <-l.shutdown:
			return ErrShutdown
		case <-ctx.Done():
			return ctx.Err()
		case req := <-l.reqCh:
			if l.stopping() {
				return ErrShutdown
			}
			if closedErr != nil {
				switch req.Kind {
				case RequestIdentifyRejected:
					return ErrIdentifyRejected
				case RequestIdentifyAccepted, RequestIdentifyRetry, RequestCheckIdentify:
					return closedErr
				}
			}
			if err := l.handleRequest(req); err != nil {
				return err
			}
		case chunk := <-chunks:
			if l.stopping() {
				return ErrShutdown
			}
			if err := l.receive(recv, chunk); err != nil {
				return err
			}
		case err := <-readErr:
			// The reader queues every chunk before its error.
			if err := l.drainChunks(recv, chunks); err != nil {
				return err
			}
			if errors.Is(err, io.EOF) {
				err = fmt.Errorf("%w: peer closed", ErrLinkClosed)
			}
			if !l.awaitingVerdict {
				return err
			}
			log.Debug().Str("link", l.id).Err(err).Msg("socket closed before identify verdict")
			closedErr = err
			readErr = nil
		}
	}
}

func (l *LongLink) receive(recv *buffer.Buffer, chunk []byte) error {
	recv.WriteAt(recv.Len(), chunk)
	return l.drain(recv)
}

func (l *LongLink) drainChunks(recv *buffer.Buffer, chunks <-chan []byte) error {
	for {
		select {
		case chunk := <-chunks:
			if err := l.receive(recv, chunk); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (l *LongLink) stopping() bool {
	select {
	case <-l.shutdown:
		return true
	default:
		return false
	}
}

func (l *LongLink) readLoop(conn net.Conn, chunks chan<- []byte, readErr chan<- error) {
	buf := make([]byte, l.cfg.ReadBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case chunks <- chunk:
			case <-l.done:
				return
			}
		}
		if err != nil {
			readErr <- err
			return
		}
	}
}

func (l *LongLink) writable() bool {
	if l.identifyQ.Len() > 0 {
		return true
	}
	return l.State() == StateConnected && l.sendQ.Len() > 0
}

func (l *LongLink) writeHead(conn net.Conn) error {
	q := &l.sendQ
	if l.identifyQ.Len() > 0 {
		q = &l.identifyQ
	}
	item, _ := q.Peek()

	out := buffer.New(buffer.DefaultUnitSize)
	if err := l.codec.Encode(item.CmdID, item.TaskID, item.Payload, nil, out); err != nil {
		log.Warn().Str("link", l.id).Uint32("cmd", item.CmdID).Err(err).Msg("dropping unencodable frame")
		q.Pop()
		return nil
	}

	if err := conn.SetWriteDeadline(time.Now().Add(l.cfg.WriteTimeout)); err != nil {
		return err
	}
	wire := out.Bytes(0)
	if _, err := conn.Write(wire); err != nil {
		return err
	}
	q.Pop()
	observability.RecordFrame(observability.SideClient, observability.DirectionOut, len(wire))
	log.Debug().
		Str("link", l.id).
		Uint32("cmd", item.CmdID).
		Uint32("task", item.TaskID).
		Int("bytes", len(wire)).
		Msg("frame written")
	return nil
}

func (l *LongLink) handleRequest(req Request) error {
	switch req.Kind {
	case RequestCheckIdentify:
		if l.State() != StateCheckIdentify {
			log.Debug().Str("link", l.id).Str("state", l.State().String()).Msg("identify payload ignored outside check_identify")
			return nil
		}
		l.awaitingVerdict = false
		l.identifyQ.Push(Outgoing{CmdID: req.CmdID, TaskID: req.TaskID, Payload: req.Payload})
	case RequestIdentifyAccepted:
		if l.State() != StateCheckIdentify {
			return nil
		}
		l.identifyQ.Clear()
		l.awaitingVerdict = false
		l.setState(StateConnected)
		l.emit(Response{Kind: ResponseConnected})
		log.Info().Str("link", l.id).Msg("long-link connected")
		held := l.held
		l.held = nil
		for _, f := range held {
			l.emit(Response{Kind: ResponseFrame, Frame: f})
		}
	case RequestIdentifyRejected:
		return ErrIdentifyRejected
	case RequestIdentifyRetry:
		// The next frame answers the next identify payload.
		l.awaitingVerdict = false
	case RequestSend:
		l.sendQ.Push(Outgoing{CmdID: req.CmdID, TaskID: req.TaskID, Payload: req.Payload})
	default:
		log.Warn().Str("link", l.id).Str("kind", req.Kind.String()).Msg("unknown request")
	}
	return nil
}

// drain decodes every complete frame at the front of recv.
func (l *LongLink) drain(recv *buffer.Buffer) error {
	for {
		body := &buffer.Buffer{}
		h, status := l.codec.Decode(recv, body, nil)
		switch status {
		case frame.DecodeContinue:
			recv.Compact()
			return nil
		case frame.DecodeFail:
			observability.RecordDecodeFailure(observability.SideClient)
			return ErrProtocol
		}
		recv.Seek(h.FrameLen(), io.SeekCurrent)
		observability.RecordFrame(observability.SideClient, observability.DirectionIn, h.FrameLen())
		l.deliver(frame.Frame{CmdID: h.CmdID, TaskID: h.TaskID, Body: body.Bytes(0)})
	}
}

func (l *LongLink) deliver(f frame.Frame) {
	log.Debug().Str("link", l.id).Uint32("cmd", f.CmdID).Uint32("task", f.TaskID).Int("body", len(f.Body)).Msg("frame received")
	switch l.State() {
	case StateCheckIdentify:
		if l.awaitingVerdict {
			l.held = append(l.held, f)
			return
		}
		l.awaitingVerdict = true
		l.emit(Response{Kind: ResponseIdentify, Frame: f})
	default:
		l.emit(Response{Kind: ResponseFrame, Frame: f})
	}
}

// finish reports the terminal response unless ctx ends first.
func (l *LongLink) finish(ctx context.Context, r Response) {
	select {
	case l.respCh <- r:
		return
	default:
	}
	select {
	case l.respCh <- r:
	case <-ctx.Done():
		log.Warn().Str("link", l.id).Str("response", r.Kind.String()).Msg("terminal response dropped, consumer gone")
	}
}

// emit reports a non-terminal response unless shutdown wins the race.
func (l *LongLink) emit(r Response) {
	select {
	case l.respCh <- r:
	case <-l.shutdown:
	}
}

func (l *LongLink) setState(s State) {
	l.state.Store(uint32(s))
	observability.RecordLifecycle(s.String())
}
