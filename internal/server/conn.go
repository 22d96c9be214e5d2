package server

import (
	"bufio"
	"errors"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/danmuck/imlink/internal/identify"
	"github.com/danmuck/imlink/internal/observability"
	"github.com/danmuck/imlink/internal/protocol/frame"
)

// HandleConn runs one long-link connection to completion: identify first,
// then echo. It closes conn before returning.
func (s *Server) HandleConn(conn net.Conn) {
	s.trackConn(conn)
	defer s.untrackConn(conn)
	defer conn.Close()

	logger := log.With().
		Str("server", s.ID).
		Str("conn", uuid.NewString()).
		Str("remote", conn.RemoteAddr().String()).
		Logger()
	active := s.active.Add(1)
	logger.Info().Int64("active", active).Msg("client connected")
	defer func() {
		logger.Info().Int64("active", s.active.Add(-1)).Msg("client disconnected")
	}()

	var limiter *rate.Limiter
	if s.cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.RatePerSecond), s.cfg.RateBurst)
	}

	reader := bufio.NewReader(conn)
	clientID := ""
	for {
		timeout := s.cfg.IdleTimeout
		if clientID == "" {
			timeout = s.cfg.IdentifyTimeout
		}
		_ = conn.SetReadDeadline(time.Now().Add(timeout))

		f, err := frame.ReadFrame(reader, s.cfg.Version)
		if err != nil {
			s.logReadErr(logger, err)
			return
		}
		observability.RecordFrame(observability.SideServer, observability.DirectionIn, frame.HeaderLen+len(f.Body))

		if clientID == "" {
			id, keep := s.identify(logger, conn, f)
			if !keep {
				return
			}
			clientID = id
			if clientID != "" {
				logger = logger.With().Str("client", clientID).Logger()
			}
			continue
		}

		if limiter != nil && !limiter.Allow() {
			observability.RecordRateLimited()
			logger.Warn().Uint32("cmd", f.CmdID).Uint32("task", f.TaskID).Msg("frame dropped by rate limit")
			continue
		}
		if err := s.write(conn, f); err != nil {
			logger.Warn().Err(err).Msg("echo write failed")
			return
		}
	}
}

// identify answers one pre-auth frame. It returns the accepted client id
// ("" while still pending) and whether the connection stays open.
func (s *Server) identify(logger zerolog.Logger, conn net.Conn, f frame.Frame) (string, bool) {
	if f.TaskID != frame.IdentifyTaskID {
		logger.Warn().Uint32("cmd", f.CmdID).Uint32("task", f.TaskID).Msg("application frame before identify")
		return "", false
	}
	ack := s.verifier.Verify(f.Body)
	observability.RecordServerIdentify(ack.Status)

	body, err := identify.MarshalIdentifyAck(ack)
	if err != nil {
		logger.Error().Err(err).Msg("identify ack not encoded")
		return "", false
	}
	if err := s.write(conn, frame.Frame{CmdID: f.CmdID, TaskID: frame.IdentifyTaskID, Body: body}); err != nil {
		logger.Warn().Err(err).Msg("identify ack write failed")
		return "", false
	}

	event := logger.Info()
	if ack.Status != identify.AckStatusAccepted {
		event = logger.Warn()
	}
	event.
		Str("client", ack.ClientID).
		Str("status", ack.Status).
		Uint32("code", ack.Code).
		Msg("identify verdict")

	switch ack.Status {
	case identify.AckStatusAccepted:
		return ack.ClientID, true
	case identify.AckStatusRetry:
		return "", true
	default:
		return "", false
	}
}

func (s *Server) write(conn net.Conn, f frame.Frame) error {
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := frame.WriteFrame(conn, s.cfg.Version, f); err != nil {
		return err
	}
	observability.RecordFrame(observability.SideServer, observability.DirectionOut, frame.HeaderLen+len(f.Body))
	return nil
}

func (s *Server) logReadErr(logger zerolog.Logger, err error) {
	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		return
	case errors.Is(err, frame.ErrVersionMismatch):
		observability.RecordDecodeFailure(observability.SideServer)
		logger.Warn().Err(err).Msg("frame rejected")
	case errors.As(err, &netErr) && netErr.Timeout():
		logger.Info().Msg("read deadline reached")
	default:
		logger.Warn().Err(err).Msg("read failed")
	}
}
