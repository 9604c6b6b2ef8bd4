package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/pixoo-fleet/pixoo-daemon/internal/capability"
	"github.com/pixoo-fleet/pixoo-daemon/internal/errs"
)

// frameBuffer is the abstract draw buffer every driver accumulates
// between Clear and Push calls. HTTP panels encode it as a flat JSON
// pixel array; the buffer itself is protocol-agnostic.
type frameBuffer struct {
	width, height int
	pixels        []RGBA
}

func newFrameBuffer(w, h int) *frameBuffer {
	return &frameBuffer{width: w, height: h, pixels: make([]RGBA, w*h)}
}

func (f *frameBuffer) clear() {
	for i := range f.pixels {
		f.pixels[i] = RGBA{}
	}
}

func (f *frameBuffer) set(p Point, c RGBA) {
	if p.X < 0 || p.X >= f.width || p.Y < 0 || p.Y >= f.height {
		return
	}
	f.pixels[p.Y*f.width+p.X] = c
}

func (f *frameBuffer) line(p0, p1 Point, c RGBA) {
	// Bresenham's, the standard integer-only line rasterizer.
	dx, dy := abs(p1.X-p0.X), -abs(p1.Y-p0.Y)
	sx, sy := sign(p1.X-p0.X), sign(p1.Y-p0.Y)
	err := dx + dy
	x, y := p0.X, p0.Y
	for {
		f.set(Point{x, y}, c)
		if x == p1.X && y == p1.Y {
			break
		}
		e2 := 2 * err
		if e2 >= dy {
			err += dy
			x += sx
		}
		if e2 <= dx {
			err += dx
			y += sy
		}
	}
}

func (f *frameBuffer) fillRect(topLeft, bottomRight Point, c RGBA) {
	for y := topLeft.Y; y <= bottomRight.Y; y++ {
		for x := topLeft.X; x <= bottomRight.X; x++ {
			f.set(Point{x, y}, c)
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func sign(v int) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

// httpFramePayload is the wire format pushed to an HTTP-JSON panel.
type httpFramePayload struct {
	Width  int     `json:"width"`
	Height int     `json:"height"`
	Pixels [][]int `json:"pixels"` // [r,g,b,a] per pixel, row-major
}

// HTTP is a driver for 64x64-class panels controlled over a simple
// HTTP-JSON protocol: POST the full frame, GET a liveness endpoint.
// Brightness/power are optional operations gated by capability flags.
type HTTP struct {
	mu       sync.Mutex
	caps     capability.Capabilities
	buf      *frameBuffer
	ready    bool
	metrics  Metrics

	baseURL string
	client  *http.Client
}

// NewHTTP returns an HTTP driver targeting baseURL (e.g. "http://10.0.0.5").
func NewHTTP(baseURL string, caps capability.Capabilities, timeout time.Duration) *HTTP {
	return &HTTP{
		caps:    caps,
		buf:     newFrameBuffer(caps.Width, caps.Height),
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (h *HTTP) Initialize(ctx context.Context) error {
	res := h.HealthCheck(ctx)
	h.mu.Lock()
	h.ready = res.OK
	h.mu.Unlock()
	if !res.OK && res.Err != nil {
		return errs.NewTransportError(errs.Context{Source: "http.Initialize"}, res.Err)
	}
	return nil
}

func (h *HTTP) IsReady() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ready
}

func (h *HTTP) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.ready = false
	h.mu.Unlock()
	return nil
}

func (h *HTTP) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf.clear()
}

func (h *HTTP) Push(ctx context.Context) (time.Duration, error) {
	h.mu.Lock()
	payload := h.encodeLocked()
	h.mu.Unlock()

	t0 := time.Now()
	body, err := json.Marshal(payload)
	if err != nil {
		h.metrics.recordError()
		return 0, errs.NewTransportError(errs.Context{Source: "http.Push"}, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/frame", bytes.NewReader(body))
	if err != nil {
		h.metrics.recordError()
		return 0, errs.NewTransportError(errs.Context{Source: "http.Push"}, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		h.metrics.recordError()
		return 0, errs.NewTransportError(errs.Context{Source: "http.Push"}, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		h.metrics.recordError()
		return 0, errs.NewTransportError(errs.Context{Source: "http.Push"}, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	frametime := time.Since(t0)
	h.metrics.recordPush(frametime, time.Now())
	return frametime, nil
}

func (h *HTTP) encodeLocked() httpFramePayload {
	pixels := make([][]int, len(h.buf.pixels))
	for i, p := range h.buf.pixels {
		pixels[i] = []int{int(p.R), int(p.G), int(p.B), int(p.A)}
	}
	return httpFramePayload{Width: h.buf.width, Height: h.buf.height, Pixels: pixels}
}

func (h *HTTP) DrawPixel(p Point, c RGBA) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf.set(p, c)
}

func (h *HTTP) DrawLine(p0, p1 Point, c RGBA) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf.line(p0, p1, c)
}

func (h *HTTP) FillRect(topLeft, bottomRight Point, c RGBA) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf.fillRect(topLeft, bottomRight, c)
}

func (h *HTTP) DrawText(text string, at Point, c RGBA, align Align) error {
	if !h.caps.HasTextRendering {
		return errs.NewCapabilityError(errs.Context{Source: "http.DrawText"}, errs.ErrNotSupported)
	}
	// Real panels accept a text draw op server-side; the bitmap-font
	// fallback for drivers lacking this capability lives with scenes,
	// not here.
	h.mu.Lock()
	defer h.mu.Unlock()
	_ = text
	_ = at
	_ = align
	return nil
}

func (h *HTTP) SetBrightness(ctx context.Context, level int) error {
	if !h.caps.HasBrightnessControl {
		return errs.NewCapabilityError(errs.Context{Source: "http.SetBrightness"}, errs.ErrNotSupported)
	}
	return h.postJSON(ctx, "/brightness", map[string]int{"brightness": level})
}

func (h *HTTP) SetDisplayPower(ctx context.Context, on bool) error {
	return h.postJSON(ctx, "/power", map[string]bool{"on": on})
}

func (h *HTTP) PlayTone(ctx context.Context, freqHz int, durationMS int) error {
	if !h.caps.HasAudio {
		return errs.NewCapabilityError(errs.Context{Source: "http.PlayTone"}, errs.ErrNotSupported)
	}
	return h.postJSON(ctx, "/tone", map[string]int{"freqHz": freqHz, "ms": durationMS})
}

func (h *HTTP) ShowIcon(ctx context.Context, id string) error {
	if !h.caps.HasIconSupport {
		return errs.NewCapabilityError(errs.Context{Source: "http.ShowIcon"}, errs.ErrNotSupported)
	}
	return h.postJSON(ctx, "/icon", map[string]string{"id": id})
}

func (h *HTTP) postJSON(ctx context.Context, path string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return errs.NewTransportError(errs.Context{Source: "http" + path}, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return errs.NewTransportError(errs.Context{Source: "http" + path}, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.client.Do(req)
	if err != nil {
		return errs.NewTransportError(errs.Context{Source: "http" + path}, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errs.NewTransportError(errs.Context{Source: "http" + path}, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	return nil
}

func (h *HTTP) HealthCheck(ctx context.Context) HealthResult {
	t0 := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/healthz", nil)
	if err != nil {
		return HealthResult{OK: false, Err: err}
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return HealthResult{OK: false, Err: err}
	}
	defer resp.Body.Close()
	latency := time.Since(t0)
	if resp.StatusCode != http.StatusOK {
		return HealthResult{OK: false, LatencyMS: latency.Milliseconds(), Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
	h.metrics.recordSeen(time.Now())
	return HealthResult{OK: true, LatencyMS: latency.Milliseconds()}
}

func (h *HTTP) Metrics() *Metrics { return &h.metrics }

func (h *HTTP) Capabilities() capability.Capabilities { return h.caps }

var _ Driver = (*HTTP)(nil)
