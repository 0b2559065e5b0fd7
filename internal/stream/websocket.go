package stream

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// DefaultHistory is the number of events replayed to a new log client.
const DefaultHistory = 64

const writeWait = 5 * time.Second

// LogFeed keeps a short history of status events and pushes new ones to
// WebSocket clients as JSON text messages.
type LogFeed struct {
	broadcaster *Broadcaster[[]byte]
	upgrader    websocket.Upgrader

	mu      sync.Mutex
	history [][]byte
	next    int
	full    bool
}

// NewLogFeed creates a feed that replays up to history events on connect.
func NewLogFeed(history int) *LogFeed {
	if history < 1 {
		history = DefaultHistory
	}
	return &LogFeed{
		broadcaster: NewBroadcaster[[]byte](history),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		history: make([][]byte, history),
	}
}

// Publish records v and sends it to every connected client.
func (f *LogFeed) Publish(v any) {
	msg, err := json.Marshal(v)
	if err != nil {
		log.Warn().Err(err).Msg("log feed encode failed")
		return
	}
	// Record and broadcast under one lock so subscribe sees each event in
	// exactly one of history or the channel.
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history[f.next] = msg
	f.next = (f.next + 1) % len(f.history)
	if f.next == 0 {
		f.full = true
	}
	f.broadcaster.Publish(msg)
}

// History returns the recorded events, oldest first.
func (f *LogFeed) History() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot()
}

// subscribe registers a listener and returns the backlog to replay first.
func (f *LogFeed) subscribe() (*Listener[[]byte], [][]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.broadcaster.Subscribe(), f.snapshot()
}

func (f *LogFeed) snapshot() [][]byte {
	if !f.full {
		return append([][]byte(nil), f.history[:f.next]...)
	}
	out := make([][]byte, 0, len(f.history))
	out = append(out, f.history[f.next:]...)
	return append(out, f.history[:f.next]...)
}

// ClientCount returns the number of connected clients.
func (f *LogFeed) ClientCount() int {
	return f.broadcaster.ListenerCount()
}

func (f *LogFeed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	listener, backlog := f.subscribe()
	defer f.broadcaster.Unsubscribe(listener)

	logger := log.With().Str("remote", r.RemoteAddr).Logger()
	logger.Info().Int("clients", f.ClientCount()).Msg("log client connected")
	defer logger.Info().Msg("log client disconnected")

	// Reader drains control frames and notices the close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(msg []byte) bool {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(websocket.TextMessage, msg) == nil
	}

	for _, msg := range backlog {
		if !send(msg) {
			return
		}
	}

	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case <-listener.Done():
			return
		case msg := <-listener.C:
			if !send(msg) {
				return
			}
		}
	}
}
