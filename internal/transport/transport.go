// Package transport owns the long-link on behalf of a caller. It starts at
// most one link at a time, runs the identify handshake against the
// caller's Callback, and forwards lifecycle events and inbound frames.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/imlink/internal/buffer"
	"github.com/danmuck/imlink/internal/identify"
	"github.com/danmuck/imlink/internal/longlink"
	"github.com/danmuck/imlink/internal/observability"
	"github.com/danmuck/imlink/internal/protocol/frame"
	"github.com/danmuck/imlink/internal/protocol/session"
)

var (
	ErrNoEndpoint       = errors.New("transport: long-link endpoint not set")
	ErrNotStarted       = errors.New("transport: long-link not started")
	ErrConnectFailed    = errors.New("transport: connect failed")
	ErrIdentifyRejected = errors.New("transport: identify rejected")
	ErrLinkClosed       = errors.New("transport: link closed")
)

// Event is a lifecycle transition reported by the running link.
type Event struct {
	Kind   longlink.ResponseKind
	LinkID string
	Err    error
}

type Options struct {
	// Dialer opens the socket. Nil dials TCP.
	Dialer  longlink.Dialer
	Session session.Config
	// OnEvent sees every lifecycle transition, in order.
	OnEvent func(Event)
	// OnFrame sees inbound frames once the link is connected.
	OnFrame func(frame.Frame)
}

type Transport struct {
	codec    frame.Codec
	callback identify.Callback
	opts     Options
	source   NetSource

	mu        sync.Mutex
	link      *longlink.LongLink
	resp      chan longlink.Response
	lastState longlink.State
}

// New builds a Transport. A nil codec uses the default codec at the
// default version.
func New(codec frame.Codec, callback identify.Callback, opts Options) *Transport {
	if codec == nil {
		codec = frame.NewCodec(frame.DefaultVersion)
	}
	if callback == nil {
		callback = identify.FuncCallback{}
	}
	opts.Session = opts.Session.WithDefaults()
	return &Transport{
		codec:    codec,
		callback: callback,
		opts:     opts,
	}
}

// SetLongLinkEndpoint sets the target for the next connect attempt.
func (t *Transport) SetLongLinkEndpoint(e Endpoint) {
	t.source.SetLongLink(e)
}

func (t *Transport) SetShortLinkEndpoint(e Endpoint) {
	t.source.SetShortLink(e)
}

func (t *Transport) NetSource() *NetSource {
	return &t.source
}

// EnsureLongLinkConnected starts a link unless one is already running.
// ctx bounds the lifetime of a link started by this call.
func (t *Transport) EnsureLongLinkConnected(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.link != nil {
		select {
		case <-t.link.Done():
			t.lastState = t.link.State()
			t.link, t.resp = nil, nil
		default:
			return nil
		}
	}

	endpoint, ok := t.source.LongLink()
	if !ok {
		return ErrNoEndpoint
	}
	resp := make(chan longlink.Response, t.opts.Session.ResponseQueueSize)
	link := longlink.New(t.codec, t.opts.Dialer, t.opts.Session, resp)
	t.link, t.resp = link, resp

	log.Info().Str("link", link.ID()).Str("endpoint", endpoint.Addr()).Msg("starting long-link")
	go func() {
		if err := link.Run(ctx, endpoint.Addr()); err != nil {
			log.Warn().Str("link", link.ID()).Err(err).Msg("long-link run refused")
		}
	}()
	return nil
}

// DriveEvents consumes the current link's responses until it terminates.
// It returns nil after a clean Shutdown, ErrConnectFailed,
// ErrIdentifyRejected or ErrLinkClosed on failure, or ctx.Err().
func (t *Transport) DriveEvents(ctx context.Context) error {
	t.mu.Lock()
	link, resp := t.link, t.resp
	t.mu.Unlock()
	if link == nil {
		return ErrNotStarted
	}

	var identifyStart time.Time
	for {
		var r longlink.Response
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r = <-resp:
		}

		logger := log.With().Str("link", link.ID()).Str("event", r.Kind.String()).Logger()
		switch r.Kind {
		case longlink.ResponseFrame:
			if t.opts.OnFrame != nil {
				t.opts.OnFrame(r.Frame)
			}
			continue
		case longlink.ResponseConnecting:
			logger.Debug().Msg("long-link connecting")
		case longlink.ResponseCheckIdentify:
			identifyStart = time.Now()
			t.sendIdentify(ctx, link)
		case longlink.ResponseIdentify:
			t.verifyIdentify(ctx, link, r.Frame, identifyStart)
			continue
		case longlink.ResponseConnected:
			logger.Info().Msg("long-link ready")
		case longlink.ResponseDisconnected, longlink.ResponseConnectFail:
			t.release(link)
		}
		t.notify(Event{Kind: r.Kind, LinkID: link.ID(), Err: r.Err})

		switch r.Kind {
		case longlink.ResponseConnectFail:
			return fmt.Errorf("%w: %v", ErrConnectFailed, r.Err)
		case longlink.ResponseDisconnected:
			switch {
			case r.Err == nil:
				return nil
			case errors.Is(r.Err, longlink.ErrIdentifyRejected):
				return ErrIdentifyRejected
			default:
				return fmt.Errorf("%w: %v", ErrLinkClosed, r.Err)
			}
		}
	}
}

func (t *Transport) sendIdentify(ctx context.Context, link *longlink.LongLink) {
	payload := buffer.New(buffer.DefaultUnitSize)
	timing, cmdID := t.callback.IdentifyPayload(payload)
	if timing.Kind != identify.TimingNow {
		log.Info().Str("link", link.ID()).Str("timing", timing.String()).Msg("identify payload not sent")
		return
	}
	if err := link.Submit(ctx, longlink.CheckIdentify(payload, cmdID)); err != nil {
		log.Warn().Str("link", link.ID()).Err(err).Msg("identify payload not queued")
	}
}

func (t *Transport) verifyIdentify(ctx context.Context, link *longlink.LongLink, f frame.Frame, started time.Time) {
	body := buffer.NewFrom(f.Body)
	body.Seek(0, io.SeekStart)
	step := t.callback.VerifyIdentify(body)
	if !started.IsZero() {
		observability.RecordIdentify(step.String(), time.Since(started))
	}
	log.Debug().Str("link", link.ID()).Str("step", step.String()).Msg("identify verdict")

	var err error
	switch step {
	case identify.StepOK:
		err = link.Submit(ctx, longlink.IdentifyAccepted())
	case identify.StepRetry:
		if err = link.Submit(ctx, longlink.IdentifyRetry()); err == nil {
			t.sendIdentify(ctx, link)
		}
	default:
		err = link.Submit(ctx, longlink.IdentifyRejected())
	}
	if err != nil {
		log.Warn().Str("link", link.ID()).Err(err).Msg("identify verdict not delivered")
	}
}

func (t *Transport) notify(ev Event) {
	if t.opts.OnEvent != nil {
		t.opts.OnEvent(ev)
	}
}

func (t *Transport) release(link *longlink.LongLink) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastState = link.State()
	if t.link == link {
		t.link, t.resp = nil, nil
	}
}

// Send queues an application frame on the current link. Frames queued
// before the handshake completes are written once it does.
func (t *Transport) Send(ctx context.Context, cmdID, taskID uint32, payload []byte) error {
	if len(payload) > frame.MaxBodyLen {
		return fmt.Errorf("%w: %d bytes", frame.ErrBodyTooLarge, len(payload))
	}
	t.mu.Lock()
	link := t.link
	t.mu.Unlock()
	if link == nil {
		return ErrNotStarted
	}
	return link.Submit(ctx, longlink.Send(cmdID, taskID, buffer.NewFrom(payload)))
}

func (t *Transport) IsConnected() bool {
	return t.State() == longlink.StateConnected
}

func (t *Transport) State() longlink.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.link != nil {
		return t.link.State()
	}
	return t.lastState
}

// Shutdown signals the running link to disconnect. DriveEvents observes
// the resulting Disconnected event.
func (t *Transport) Shutdown() {
	t.mu.Lock()
	link := t.link
	t.mu.Unlock()
	if link != nil {
		link.Shutdown()
	}
}
