package receiver

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
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/satindergrewal/thermafuse/internal/frame"
	"github.com/satindergrewal/thermafuse/internal/wire"
)

// State of a receiver's connection loop.
type State int32

const (
	StateStopped State = iota
	StateListening
	StateConnected
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateListening:
		return "listening"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	default:
		return "stopped"
	}
}

// EventKind classifies a status event.
type EventKind string

const (
	EventListening    EventKind = "listening"
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
	EventBindError    EventKind = "bind_error"
	EventStopped      EventKind = "stopped"
)

// Event is a human-readable status change, for logs and operator feeds.
type Event struct {
	Role    string    `json:"role"`
	Kind    EventKind `json:"kind"`
	Message string    `json:"message"`
	Remote  string    `json:"remote,omitempty"`
	Session string    `json:"session,omitempty"`
	At      time.Time `json:"at"`
}

// StatusFunc receives status events. It must not block.
type StatusFunc func(Event)

// Config parameterises one receiver.
type Config struct {
	Role           frame.Role
	Addr           string
	AcceptTimeout  time.Duration
	BindRetryDelay time.Duration
	MaxPayload     int
}

// Stats is a point-in-time snapshot of receiver counters.
type Stats struct {
	Role           string    `json:"role"`
	State          string    `json:"state"`
	Addr           string    `json:"addr"`
	Remote         string    `json:"remote,omitempty"`
	Session        string    `json:"session,omitempty"`
	Connections    uint64    `json:"connections"`
	Disconnects    uint64    `json:"disconnects"`
	BindFailures   uint64    `json:"bind_failures"`
	FramesReceived uint64    `json:"frames_received"`
	FramesDecoded  uint64    `json:"frames_decoded"`
	FramesDropped  uint64    `json:"frames_dropped"`
	BytesRead      uint64    `json:"bytes_read"`
	LastFrame      time.Time `json:"last_frame"`
}

// Receiver accepts one sensor connection at a time, decodes each framed
// payload and pushes the result into its queue.
type Receiver struct {
	cfg      Config
	queue    *frame.Queue
	decoder  Decoder
	onStatus StatusFunc
	logger   zerolog.Logger

	state          atomic.Int32
	connections    atomic.Uint64
	disconnects    atomic.Uint64
	bindFailures   atomic.Uint64
	framesReceived atomic.Uint64
	framesDecoded  atomic.Uint64
	framesDropped  atomic.Uint64
	bytesRead      atomic.Uint64
	lastFrame      atomic.Int64 // unix nanos

	mu      sync.Mutex
	addr    string
	remote  string
	session string
}

// New creates a receiver. onStatus may be nil.
func New(cfg Config, q *frame.Queue, dec Decoder, onStatus StatusFunc) *Receiver {
	if cfg.AcceptTimeout <= 0 {
		cfg.AcceptTimeout = time.Second
	}
	if cfg.BindRetryDelay <= 0 {
		cfg.BindRetryDelay = 2 * time.Second
	}
	return &Receiver{
		cfg:      cfg,
		queue:    q,
		decoder:  dec,
		onStatus: onStatus,
		logger:   log.With().Str("role", cfg.Role.String()).Logger(),
	}
}

// Run listens, accepts and reads until ctx is cancelled. Bind failures and
// connection errors are retried; Run only returns on cancellation.
func (r *Receiver) Run(ctx context.Context) {
	defer func() {
		r.state.Store(int32(StateStopped))
		r.emit(EventStopped, "receiver stopped", "", "")
	}()

	for ctx.Err() == nil {
		ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", r.cfg.Addr)
		if err != nil {
			r.bindFailures.Add(1)
			r.state.Store(int32(StateBackoff))
			r.emit(EventBindError, fmt.Sprintf("bind %s failed: %v; retrying in %v", r.cfg.Addr, err, r.cfg.BindRetryDelay), "", "")
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.cfg.BindRetryDelay):
				continue
			}
		}

		r.mu.Lock()
		r.addr = ln.Addr().String()
		r.mu.Unlock()
		r.state.Store(int32(StateListening))
		r.emit(EventListening, "listening on "+ln.Addr().String(), "", "")

		err = r.serve(ctx, ln)
		ln.Close()
		if err != nil && ctx.Err() == nil {
			r.logger.Warn().Err(err).Msg("listener failed, rebinding")
		}
	}
}

type deadliner interface {
	SetDeadline(time.Time) error
}

// serve accepts clients one at a time until ctx is cancelled or the listener
// fails. The accept deadline bounds how long cancellation goes unnoticed.
func (r *Receiver) serve(ctx context.Context, ln net.Listener) error {
	dl, _ := ln.(deadliner)
	for {
		if ctx.Err() != nil {
			return nil
		}
		if dl != nil {
			dl.SetDeadline(time.Now().Add(r.cfg.AcceptTimeout))
		}
		conn, err := ln.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		r.handle(ctx, conn)
		r.state.Store(int32(StateListening))
	}
}

func (r *Receiver) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	// Unblock a pending read on shutdown.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	session := uuid.NewString()
	remote := conn.RemoteAddr().String()
	r.mu.Lock()
	r.remote, r.session = remote, session
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.remote, r.session = "", ""
		r.mu.Unlock()
	}()

	r.connections.Add(1)
	r.state.Store(int32(StateConnected))
	r.emit(EventConnected, "client connected from "+remote, remote, session)

	err := r.readLoop(conn)

	r.disconnects.Add(1)
	reason := "client closed connection"
	if err != nil && !errors.Is(err, io.EOF) {
		reason = err.Error()
	}
	if ctx.Err() != nil {
		reason = "shutdown"
	}
	r.emit(EventDisconnected, "client disconnected: "+reason, remote, session)
}

// readLoop reads frames until the stream ends or a transport error occurs.
// Undecodable payloads are dropped without closing the connection.
func (r *Receiver) readLoop(conn net.Conn) error {
	var buf []byte
	for {
		h, err := wire.ReadHeader(conn)
		if err != nil {
			return err
		}
		payload, err := wire.ReadPayload(conn, h, r.cfg.MaxPayload, buf)
		if err != nil {
			return err
		}
		buf = payload
		r.bytesRead.Add(uint64(wire.HeaderSize + len(payload)))
		r.framesReceived.Add(1)

		f, err := r.decoder.Decode(h, payload)
		if err != nil {
			r.framesDropped.Add(1)
			r.logger.Debug().Err(err).Uint32("seq", h.Seq).Msg("frame dropped")
			continue
		}
		now := time.Now()
		f.Received = now
		r.queue.Push(f)
		r.framesDecoded.Add(1)
		r.lastFrame.Store(now.UnixNano())
	}
}

func (r *Receiver) emit(kind EventKind, msg, remote, session string) {
	level := zerolog.InfoLevel
	if kind == EventBindError {
		level = zerolog.WarnLevel
	}
	r.logger.WithLevel(level).Str("event", string(kind)).Str("remote", remote).Str("session", session).Msg(msg)

	if r.onStatus != nil {
		r.onStatus(Event{
			Role:    r.cfg.Role.String(),
			Kind:    kind,
			Message: msg,
			Remote:  remote,
			Session: session,
			At:      time.Now(),
		})
	}
}

// State returns the current connection state.
func (r *Receiver) State() State {
	return State(r.state.Load())
}

// Addr returns the bound listen address, empty until the first bind.
func (r *Receiver) Addr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addr
}

// Stats returns a snapshot of the receiver counters.
func (r *Receiver) Stats() Stats {
	r.mu.Lock()
	addr, remote, session := r.addr, r.remote, r.session
	r.mu.Unlock()

	var last time.Time
	if ns := r.lastFrame.Load(); ns != 0 {
		last = time.Unix(0, ns)
	}
	return Stats{
		Role:           r.cfg.Role.String(),
		State:          r.State().String(),
		Addr:           addr,
		Remote:         remote,
		Session:        session,
		Connections:    r.connections.Load(),
		Disconnects:    r.disconnects.Load(),
		BindFailures:   r.bindFailures.Load(),
		FramesReceived: r.framesReceived.Load(),
		FramesDecoded:  r.framesDecoded.Load(),
		FramesDropped:  r.framesDropped.Load(),
		BytesRead:      r.bytesRead.Load(),
		LastFrame:      last,
	}
}
