package stream

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/satindergrewal/thermafuse/internal/fusion"
)

// TelemetryLabel is the data channel label the browser must open.
const TelemetryLabel = "telemetry"

// Telemetry is the per-bundle message sent over the data channel.
type Telemetry struct {
	Type string `json:"type"`
	fusion.Meta
}

func telemetryMessage(b *fusion.Bundle) ([]byte, error) {
	return json.Marshal(Telemetry{Type: "bundle", Meta: b.Meta})
}

// WebRTCHandler negotiates peers that receive bundle metadata over a data
// channel. The offer must carry a data channel labelled TelemetryLabel.
type WebRTCHandler struct {
	broadcaster *Broadcaster[*fusion.Bundle]
	config      webrtc.Configuration
	mu          sync.Mutex
	peers       map[string]*webrtc.PeerConnection
}

// NewWebRTCHandler creates a WebRTC telemetry handler.
func NewWebRTCHandler(b *Broadcaster[*fusion.Bundle]) *WebRTCHandler {
	return &WebRTCHandler{
		broadcaster: b,
		peers:       make(map[string]*webrtc.PeerConnection),
	}
}

// PeerCount returns the number of active WebRTC peers.
func (h *WebRTCHandler) PeerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

func (h *WebRTCHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.WriteHeader(http.StatusOK)
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}

	var offer webrtc.SessionDescription
	if err := json.NewDecoder(r.Body).Decode(&offer); err != nil || offer.SDP == "" {
		http.Error(w, "invalid SDP offer", http.StatusBadRequest)
		return
	}

	pc, err := webrtc.NewPeerConnection(h.config)
	if err != nil {
		http.Error(w, "create peer connection failed", http.StatusInternalServerError)
		return
	}

	id := uuid.NewString()
	logger := log.With().Str("peer", id).Str("remote", r.RemoteAddr).Logger()

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != TelemetryLabel {
			logger.Debug().Str("label", dc.Label()).Msg("ignoring data channel")
			return
		}
		dc.OnOpen(func() {
			go h.streamToPeer(id, dc)
		})
	})

	if err := pc.SetRemoteDescription(offer); err != nil {
		pc.Close()
		http.Error(w, "set remote description failed", http.StatusBadRequest)
		return
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		http.Error(w, "create answer failed", http.StatusInternalServerError)
		return
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		http.Error(w, "set local description failed", http.StatusInternalServerError)
		return
	}

	select {
	case <-gatherComplete:
	case <-r.Context().Done():
		pc.Close()
		return
	}

	h.mu.Lock()
	h.peers[id] = pc
	h.mu.Unlock()

	logger.Info().Int("peers", h.PeerCount()).Msg("webrtc peer connected")

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateFailed ||
			s == webrtc.PeerConnectionStateClosed ||
			s == webrtc.PeerConnectionStateDisconnected {
			if h.removePeer(id) {
				pc.Close()
				logger.Info().Int("peers", h.PeerCount()).Msg("webrtc peer disconnected")
			}
		}
	})

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	json.NewEncoder(w).Encode(pc.LocalDescription())
}

func (h *WebRTCHandler) streamToPeer(id string, dc *webrtc.DataChannel) {
	listener := h.broadcaster.Subscribe()
	defer h.broadcaster.Unsubscribe(listener)

	closed := make(chan struct{})
	var once sync.Once
	dc.OnClose(func() { once.Do(func() { close(closed) }) })

	for {
		select {
		case <-closed:
			return
		case <-listener.Done():
			return
		case b, ok := <-listener.C:
			if !ok {
				return
			}
			msg, err := telemetryMessage(b)
			if err != nil {
				log.Warn().Err(err).Str("peer", id).Msg("telemetry encode failed")
				continue
			}
			if err := dc.SendText(string(msg)); err != nil {
				return
			}
		}
	}
}

// Close tears down every peer.
func (h *WebRTCHandler) Close() {
	h.mu.Lock()
	peers := h.peers
	h.peers = make(map[string]*webrtc.PeerConnection)
	h.mu.Unlock()
	for _, pc := range peers {
		pc.Close()
	}
}

func (h *WebRTCHandler) removePeer(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.peers[id]; !ok {
		return false
	}
	delete(h.peers, id)
	return true
}
