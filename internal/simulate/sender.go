package simulate

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/satindergrewal/thermafuse/internal/wire"
)

// Config parameterises one sender.
type Config struct {
	Name        string // for logs
	Addr        string
	Rate        float64       // frames per second
	Count       int           // stop after this many frames, 0 = run until cancelled
	RetryDelay  time.Duration // between failed connection attempts
	DialTimeout time.Duration
}

// Sender streams framed payloads from a Source to a receiver, reconnecting
// whenever the connection drops. Frames generated while disconnected are
// lost, so sequence ids show the gap.
type Sender struct {
	cfg    Config
	src    Source
	logger zerolog.Logger
	now    func() time.Time

	// OnSent is called after each frame is written. Optional.
	OnSent func(seq uint32, size int)

	sent     atomic.Uint64
	failed   atomic.Uint64
	connects atomic.Uint64
}

// NewSender creates a sender.
func NewSender(cfg Config, src Source) *Sender {
	if cfg.Rate <= 0 {
		cfg.Rate = 10
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	return &Sender{
		cfg:    cfg,
		src:    src,
		logger: log.With().Str("sender", cfg.Name).Str("addr", cfg.Addr).Logger(),
		now:    time.Now,
	}
}

// Run sends until Count frames have been generated or ctx is cancelled.
// It returns nil in both cases; payload errors are returned at once.
func (s *Sender) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Duration(float64(time.Second) / s.cfg.Rate))
	defer ticker.Stop()

	var conn net.Conn
	defer func() {
		if conn != nil {
			conn.Close()
		}
	}()
	dialer := net.Dialer{Timeout: s.cfg.DialTimeout}

	for seq := uint32(0); s.cfg.Count == 0 || int(seq) < s.cfg.Count; seq++ {
		for conn == nil {
			c, err := dialer.DialContext(ctx, "tcp", s.cfg.Addr)
			if err == nil {
				conn = c
				s.connects.Add(1)
				s.logger.Info().Msg("connected")
				break
			}
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Debug().Err(err).Msg("connect failed, retrying")
			if !sleep(ctx, s.cfg.RetryDelay) {
				return nil
			}
		}

		payload, err := s.src.Payload(seq)
		if err != nil {
			return err
		}
		ts := uint64(s.now().UnixMicro())
		if err := wire.WriteFrame(conn, ts, seq, payload); err != nil {
			s.failed.Add(1)
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Warn().Err(err).Uint32("seq", seq).Msg("disconnected, reconnecting")
			}
			conn.Close()
			conn = nil
		} else {
			s.sent.Add(1)
			if s.OnSent != nil {
				s.OnSent(seq, len(payload))
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
	return nil
}

// Sent returns the number of frames written successfully.
func (s *Sender) Sent() uint64 { return s.sent.Load() }

// Failed returns the number of frames lost to write errors.
func (s *Sender) Failed() uint64 { return s.failed.Load() }

// Connects returns the number of successful connections.
func (s *Sender) Connects() uint64 { return s.connects.Load() }

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
