package stream

import (
	"fmt"
	"image"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/satindergrewal/thermafuse/internal/correct"
	"github.com/satindergrewal/thermafuse/internal/fusion"
)

const boundary = "thermafuse-frame"

// DefaultJPEGQuality is used when the handler is created with quality <= 0.
const DefaultJPEGQuality = 80

// Views lists the bundle images the MJPEG handler can serve.
var Views = []string{"fused", "thermal", "events", "roi", "depth"}

// View picks the named image out of a bundle. ok is false for unknown names;
// img is nil when the bundle lacks that image.
func View(b *fusion.Bundle, name string) (img image.Image, ok bool) {
	var rgba *image.RGBA
	switch name {
	case "", "fused":
		rgba = b.Fused
	case "thermal":
		rgba = b.Thermal
	case "events":
		rgba = b.Events
	case "roi":
		rgba = b.ROI
	case "depth":
		rgba = b.Depth
	default:
		return nil, false
	}
	if rgba == nil {
		return nil, true
	}
	return rgba, true
}

// MJPEGHandler serves bundles as a multipart/x-mixed-replace JPEG stream.
// The view query parameter selects which bundle image is sent.
type MJPEGHandler struct {
	broadcaster *Broadcaster[*fusion.Bundle]
	quality     int
}

// NewMJPEGHandler creates an MJPEG preview handler.
func NewMJPEGHandler(b *Broadcaster[*fusion.Bundle], quality int) *MJPEGHandler {
	if quality <= 0 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	return &MJPEGHandler{broadcaster: b, quality: quality}
}

func (h *MJPEGHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	view := r.URL.Query().Get("view")
	if _, ok := View(&fusion.Bundle{}, view); !ok {
		http.Error(w, fmt.Sprintf("unknown view %q", view), http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	mw := multipart.NewWriter(w)
	if err := mw.SetBoundary(boundary); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+boundary)
	w.Header().Set("Cache-Control", "no-cache, no-store")
	w.Header().Set("Connection", "close")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	listener := h.broadcaster.Subscribe()
	defer h.broadcaster.Unsubscribe(listener)

	logger := log.With().Str("remote", r.RemoteAddr).Str("view", view).Logger()
	logger.Info().Int("listeners", h.broadcaster.ListenerCount()).Msg("mjpeg client connected")
	defer logger.Info().Msg("mjpeg client disconnected")

	for {
		select {
		case <-r.Context().Done():
			return
		case <-listener.Done():
			return
		case b, ok := <-listener.C:
			if !ok {
				return
			}
			img, _ := View(b, view)
			if img == nil {
				continue
			}
			frame, err := correct.EncodeJPEG(img, h.quality)
			if err != nil {
				logger.Warn().Err(err).Msg("jpeg encode failed")
				continue
			}
			part, err := mw.CreatePart(textproto.MIMEHeader{
				"Content-Type":   {"image/jpeg"},
				"Content-Length": {strconv.Itoa(len(frame))},
			})
			if err != nil {
				return
			}
			if _, err := part.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
