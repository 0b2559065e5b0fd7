package stream

import (
	"image"
	"image/color"
	"image/jpeg"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/satindergrewal/thermafuse/internal/fusion"
)

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

func testBundle() *fusion.Bundle {
	return &fusion.Bundle{
		Fused:   solid(64, 40, color.RGBA{200, 200, 200, 255}),
		Thermal: solid(32, 24, color.RGBA{255, 0, 0, 255}),
		Events:  solid(64, 40, color.RGBA{0, 0, 0, 255}),
		ROI:     solid(120, 120, color.RGBA{255, 0, 255, 255}),
		Depth:   solid(120, 120, color.RGBA{255, 255, 0, 255}),
		Meta:    fusion.Meta{Mode: "ADJUST", Style: "BLEND", VisibleSeq: 7},
	}
}

func waitListeners(t *testing.T, count func() int, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for count() < want {
		if time.Now().After(deadline) {
			t.Fatalf("listener count = %d, want %d", count(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// --- View ---

func TestView(t *testing.T) {
	b := testBundle()
	tests := []struct {
		name  string
		wantW int
		ok    bool
	}{
		{"", 64, true},
		{"fused", 64, true},
		{"thermal", 32, true},
		{"events", 64, true},
		{"roi", 120, true},
		{"depth", 120, true},
		{"bogus", 0, false},
	}
	for _, tt := range tests {
		img, ok := View(b, tt.name)
		if ok != tt.ok {
			t.Errorf("View(%q) ok = %v, want %v", tt.name, ok, tt.ok)
			continue
		}
		if ok && img.Bounds().Dx() != tt.wantW {
			t.Errorf("View(%q) width = %d, want %d", tt.name, img.Bounds().Dx(), tt.wantW)
		}
	}
}

func TestViewMissingImage(t *testing.T) {
	img, ok := View(&fusion.Bundle{}, "thermal")
	if !ok {
		t.Fatal("View(thermal) ok = false, want true")
	}
	if img != nil {
		t.Errorf("View of empty bundle = %v, want nil", img)
	}
}

// --- MJPEG handler ---

func TestMJPEGUnknownView(t *testing.T) {
	h := NewMJPEGHandler(NewBroadcaster[*fusion.Bundle](2), 0)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stream?view=nope", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestMJPEGStreamsSelectedView(t *testing.T) {
	b := NewBroadcaster[*fusion.Bundle](2)
	srv := httptest.NewServer(NewMJPEGHandler(b, 90))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/stream?view=thermal")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		t.Fatal(err)
	}
	if mediaType != "multipart/x-mixed-replace" {
		t.Fatalf("media type = %q, want multipart/x-mixed-replace", mediaType)
	}

	waitListeners(t, b.ListenerCount, 1)
	b.Publish(testBundle())

	mr := multipart.NewReader(resp.Body, params["boundary"])
	part, err := mr.NextPart()
	if err != nil {
		t.Fatalf("NextPart: %v", err)
	}
	if ct := part.Header.Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("part Content-Type = %q, want image/jpeg", ct)
	}
	img, err := jpeg.Decode(part)
	if err != nil {
		t.Fatalf("decode part: %v", err)
	}
	if got := img.Bounds().Size(); got != image.Pt(32, 24) {
		t.Errorf("thermal view size = %v, want (32,24)", got)
	}
	r, g, _, _ := img.At(16, 12).RGBA()
	if r>>8 < 200 || g>>8 > 60 {
		t.Errorf("thermal view pixel = (%d,%d), want red", r>>8, g>>8)
	}
}

func TestMJPEGUnsubscribesOnDisconnect(t *testing.T) {
	b := NewBroadcaster[*fusion.Bundle](2)
	srv := httptest.NewServer(NewMJPEGHandler(b, 0))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/stream")
	if err != nil {
		t.Fatal(err)
	}
	waitListeners(t, b.ListenerCount, 1)
	resp.Body.Close()

	deadline := time.Now().Add(2 * time.Second)
	for b.ListenerCount() != 0 {
		// the handler notices the close on its next write
		b.Publish(testBundle())
		if time.Now().After(deadline) {
			t.Fatalf("ListenerCount = %d after disconnect, want 0", b.ListenerCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}
