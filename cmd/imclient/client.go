package main

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/imlink/internal/identify"
	"github.com/danmuck/imlink/internal/longlink"
	"github.com/danmuck/imlink/internal/protocol/frame"
	"github.com/danmuck/imlink/internal/protocol/session"
	"github.com/danmuck/imlink/internal/transport"
)

type client struct {
	cfg     clientConfig
	session session.Config
	tr      *transport.Transport
	rng     *rand.Rand

	connected chan struct{}
	// reached is set when the current link reports Connected.
	reached atomic.Bool
}

func newClient(cfg clientConfig) *client {
	c := &client{
		cfg:       cfg,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		connected: make(chan struct{}, 1),
	}

	var dialer longlink.Dialer = longlink.TCPDialer{KeepAlive: 30 * time.Second}
	if cfg.Transport == transportWebSocket {
		dialer = longlink.WebSocketDialer{Path: cfg.WSPath, HandshakeTimeout: cfg.ConnectTimeout}
	}
	sessionCfg := session.DefaultConfig()
	sessionCfg.ConnectTimeout = cfg.ConnectTimeout
	c.session = sessionCfg

	auth := &identify.TokenAuthenticator{
		ClientID: cfg.ClientID,
		Secret:   []byte(cfg.Secret),
		CmdID:    cfg.IdentifyCmd,
	}
	c.tr = transport.New(frame.NewCodec(cfg.Version), auth, transport.Options{
		Dialer:  dialer,
		Session: sessionCfg,
		OnEvent: c.onEvent,
		OnFrame: c.onFrame,
	})
	c.tr.SetLongLinkEndpoint(transport.Endpoint{Host: cfg.Host, Port: cfg.Port})
	return c
}

func (c *client) onEvent(ev transport.Event) {
	e := log.Info()
	if ev.Err != nil {
		e = log.Warn().Err(ev.Err)
	}
	e.Str("link", ev.LinkID).Str("event", ev.Kind.String()).Msg("long-link event")
	if ev.Kind == longlink.ResponseConnected {
		c.reached.Store(true)
		select {
		case c.connected <- struct{}{}:
		default:
		}
	}
}

func (c *client) onFrame(f frame.Frame) {
	log.Info().
		Uint32("cmd", f.CmdID).
		Uint32("task", f.TaskID).
		Int("body", len(f.Body)).
		Msg("frame received")
}

// run keeps a long-link up until ctx is done, the server rejects the
// identify, or MaxConnectAttempts consecutive attempts fail.
func (c *client) run(ctx context.Context) error {
	go c.pingLoop(ctx)

	attempt := 0
	for {
		attempt++
		if err := c.tr.EnsureLongLinkConnected(ctx); err != nil {
			return err
		}
		err := c.tr.DriveEvents(ctx)
		reached := c.reached.Swap(false)
		switch {
		case err == nil:
			return nil
		case ctx.Err() != nil:
			c.tr.Shutdown()
			return nil
		case errors.Is(err, transport.ErrIdentifyRejected):
			return err
		case reached:
			// Dropped after connecting; the attempt budget starts over.
			attempt = 0
		}
		if !c.shouldRetry(attempt) {
			return err
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("long-link down, retrying")
		if err := session.SleepBackoff(ctx, c.session.Backoff, attempt, c.rng); err != nil {
			return nil
		}
	}
}

func (c *client) shouldRetry(attempt int) bool {
	if c.cfg.MaxConnectAttempts <= 0 {
		return true
	}
	return attempt < c.cfg.MaxConnectAttempts
}

func (c *client) pingLoop(ctx context.Context) {
	if c.cfg.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	var task uint32
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.tr.IsConnected() {
				continue
			}
			task++
			if err := c.tr.Send(ctx, c.cfg.PingCmd, task, []byte("ping")); err != nil {
				log.Debug().Err(err).Msg("ping not queued")
			}
		}
	}
}
