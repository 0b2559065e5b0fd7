package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/satindergrewal/thermafuse/internal/align"
	"github.com/satindergrewal/thermafuse/internal/fusion"
	"github.com/satindergrewal/thermafuse/internal/perf"
	"github.com/satindergrewal/thermafuse/internal/receiver"
	"github.com/satindergrewal/thermafuse/internal/reconstruct"
)

// Controller is the engine surface the API drives.
type Controller interface {
	Stats() fusion.Stats
	SetMode(fusion.Mode)
	SetStyle(fusion.Style)
	ToggleChecker() fusion.Style
	Nudge(align.Update) (align.Params, error)
	ResetAlignment() (align.Params, error)
}

// StatsSource is anything that reports receiver counters.
type StatsSource interface {
	Stats() receiver.Stats
}

// Publisher receives control events for the operator log feed.
type Publisher interface {
	Publish(v any)
}

// ControlEvent records an operator action.
type ControlEvent struct {
	Kind   string    `json:"kind"`
	Action string    `json:"action"`
	Value  any       `json:"value,omitempty"`
	At     time.Time `json:"at"`
}

// Status is the /api/status payload.
type Status struct {
	Engine      fusion.Stats      `json:"engine"`
	Receivers   []receiver.Stats  `json:"receivers"`
	Perf        *perf.Snapshot    `json:"perf,omitempty"`
	Reconstruct ReconstructStatus `json:"reconstruct"`
	Clients     map[string]int    `json:"clients,omitempty"`
}

// ReconstructStatus reports the 4D trigger state.
type ReconstructStatus struct {
	Enabled bool                `json:"enabled"`
	Last    *reconstruct.Result `json:"last,omitempty"`
}

// Server holds the handlers' dependencies. Only Engine is required.
type Server struct {
	Engine      Controller
	Receivers   []StatsSource
	Reconstruct *reconstruct.Client
	Perf        *perf.Monitor
	Feed        Publisher
	Clients     func() map[string]int
}

// Register mounts the control routes on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/mode", s.handleMode)
	mux.HandleFunc("/api/style", s.handleStyle)
	mux.HandleFunc("/api/checker", s.handleChecker)
	mux.HandleFunc("/api/align", s.handleAlign)
	mux.HandleFunc("/api/align/reset", s.handleAlignReset)
	mux.HandleFunc("/api/reconstruct", s.handleReconstruct)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func (s *Server) publish(action string, value any) {
	log.Info().Str("action", action).Interface("value", value).Msg("control")
	if s.Feed != nil {
		s.Feed.Publish(ControlEvent{Kind: "control", Action: action, Value: value, At: time.Now()})
	}
}

// Snapshot gathers the current status.
func (s *Server) Snapshot() Status {
	st := Status{Engine: s.Engine.Stats(), Receivers: []receiver.Stats{}}
	for _, r := range s.Receivers {
		st.Receivers = append(st.Receivers, r.Stats())
	}
	if s.Perf != nil {
		p := s.Perf.Snapshot()
		st.Perf = &p
	}
	if s.Reconstruct != nil {
		st.Reconstruct = ReconstructStatus{Enabled: s.Reconstruct.Enabled(), Last: s.Reconstruct.Last()}
	}
	if s.Clients != nil {
		st.Clients = s.Clients()
	}
	return st
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET required", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.Snapshot())
}

func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	m, err := fusion.ParseMode(req.Mode)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.Engine.SetMode(m)
	s.publish("set_mode", m.String())
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "mode": m.String()})
}

func (s *Server) handleStyle(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		Style string `json:"style"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	st, err := fusion.ParseStyle(req.Style)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.Engine.SetStyle(st)
	s.publish("set_style", st.String())
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "style": st.String()})
}

func (s *Server) handleChecker(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	st := s.Engine.ToggleChecker()
	s.publish("toggle_checker", st.String())
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "style": st.String()})
}

func (s *Server) handleAlign(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var u align.Update
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	p, err := s.Engine.Nudge(u)
	s.writeAlignment(w, "nudge_alignment", p, err)
}

func (s *Server) handleAlignReset(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	p, err := s.Engine.ResetAlignment()
	s.writeAlignment(w, "reset_alignment", p, err)
}

// writeAlignment reports the applied alignment. A persistence failure still
// leaves the new value in effect, so it is surfaced as a warning.
func (s *Server) writeAlignment(w http.ResponseWriter, action string, p align.Params, err error) {
	resp := map[string]any{"ok": true, "alignment": p}
	if errors.Is(err, align.ErrInvalidUpdate) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		resp["warning"] = err.Error()
	}
	s.publish(action, p)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReconstruct(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	if s.Reconstruct == nil || !s.Reconstruct.Enabled() {
		http.Error(w, reconstruct.ErrDisabled.Error(), http.StatusServiceUnavailable)
		return
	}
	st := s.Engine.Stats()
	id, err := s.Reconstruct.Trigger(reconstruct.Request{
		Mode:      st.Mode,
		Style:     st.Style,
		Alignment: st.Alignment,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	s.publish("reconstruct", id)
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "id": id})
}
