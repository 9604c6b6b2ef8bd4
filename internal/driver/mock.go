package driver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pixoo-fleet/pixoo-daemon/internal/capability"
	"github.com/pixoo-fleet/pixoo-daemon/internal/errs"
)

// Mock is structurally identical to a real driver but performs no I/O.
// It exists for testing and for standing in for offline devices
// without changing any code path above the Driver interface: Push
// updates pushes/lastSeenTs as if a frame reached hardware, and
// HealthCheck always succeeds with a small simulated latency.
type Mock struct {
	mu      sync.Mutex
	caps    capability.Capabilities
	ready   bool
	metrics Metrics

	// SimulatedLatency is added to HealthCheck's reported latency; it
	// exists so tests can assert on the field without needing a real
	// clock skew.
	SimulatedLatency time.Duration

	// FailNextPushes, when >0, makes the next N calls to Push fail
	// before succeeding again. Used by this package's tests of the
	// push-failure path.
	FailNextPushes int
}

// NewMock returns a Mock driver for the given capabilities.
func NewMock(caps capability.Capabilities) *Mock {
	return &Mock{caps: caps, SimulatedLatency: 2 * time.Millisecond}
}

func (m *Mock) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ready = true
	return nil
}

func (m *Mock) IsReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready
}

func (m *Mock) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ready = false
	return nil
}

func (m *Mock) Clear() {}

func (m *Mock) Push(ctx context.Context) (time.Duration, error) {
	m.mu.Lock()
	if m.FailNextPushes > 0 {
		m.FailNextPushes--
		m.mu.Unlock()
		m.metrics.recordError()
		return 0, errs.NewTransportError(errs.Context{Source: "mock.Push"}, fmt.Errorf("simulated push failure"))
	}
	m.mu.Unlock()

	frametime := time.Millisecond
	m.metrics.recordPush(frametime, time.Now())
	return frametime, nil
}

func (m *Mock) DrawPixel(p Point, c RGBA)                {}
func (m *Mock) DrawLine(p0, p1 Point, c RGBA)             {}
func (m *Mock) FillRect(topLeft, bottomRight Point, c RGBA) {}

func (m *Mock) DrawText(text string, at Point, c RGBA, align Align) error {
	if !m.caps.HasTextRendering {
		return errs.NewCapabilityError(errs.Context{Source: "mock.DrawText"}, errs.ErrNotSupported)
	}
	return nil
}

func (m *Mock) SetBrightness(ctx context.Context, level int) error {
	if !m.caps.HasBrightnessControl {
		return errs.NewCapabilityError(errs.Context{Source: "mock.SetBrightness"}, errs.ErrNotSupported)
	}
	return nil
}

func (m *Mock) SetDisplayPower(ctx context.Context, on bool) error { return nil }

func (m *Mock) PlayTone(ctx context.Context, freqHz int, durationMS int) error {
	if !m.caps.HasAudio {
		return errs.NewCapabilityError(errs.Context{Source: "mock.PlayTone"}, errs.ErrNotSupported)
	}
	return nil
}

func (m *Mock) ShowIcon(ctx context.Context, id string) error {
	if !m.caps.HasIconSupport {
		return errs.NewCapabilityError(errs.Context{Source: "mock.ShowIcon"}, errs.ErrNotSupported)
	}
	return nil
}

func (m *Mock) HealthCheck(ctx context.Context) HealthResult {
	m.metrics.recordSeen(time.Now())
	return HealthResult{OK: true, LatencyMS: m.SimulatedLatency.Milliseconds()}
}

func (m *Mock) Metrics() *Metrics { return &m.metrics }

func (m *Mock) Capabilities() capability.Capabilities { return m.caps }

var _ Driver = (*Mock)(nil)
