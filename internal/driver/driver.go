// Package driver defines the abstract contract every display driver
// must satisfy (§4.1) and the metrics every driver accumulates.
// Concrete drivers (HTTP-JSON panels, MQTT-JSON clocks, the mock
// stand-in) live alongside this contract; higher layers only ever see
// the Driver interface.
package driver

import (
	"context"
	"sync"
	"time"

	"github.com/pixoo-fleet/pixoo-daemon/internal/capability"
)

// RGBA is a pixel color value.
type RGBA struct {
	R, G, B, A uint8
}

// Point is a pixel coordinate.
type Point struct {
	X, Y int
}

// Align controls text placement within drawText.
type Align int

const (
	AlignLeft Align = iota
	AlignCenter
	AlignRight
)

// HealthResult is the outcome of a cheap liveness probe.
type HealthResult struct {
	OK        bool
	LatencyMS int64
	Err       error
}

// Metrics accumulates the counters a Device surfaces about its Driver.
// It is safe for concurrent use; every field is updated under the
// embedded mutex so readers (the State Store, the HTTP status
// endpoint) always see an internally consistent snapshot.
type Metrics struct {
	mu sync.RWMutex

	Pushes          uint64
	Errors          uint64
	Skipped         uint64
	LastFrametimeMS int64
	LastSeenTS      time.Time
}

// Snapshot returns a copy of the current metrics.
func (m *Metrics) Snapshot() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Metrics{
		Pushes:          m.Pushes,
		Errors:          m.Errors,
		Skipped:         m.Skipped,
		LastFrametimeMS: m.LastFrametimeMS,
		LastSeenTS:      m.LastSeenTS,
	}
}

func (m *Metrics) recordPush(frametime time.Duration, seenAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Pushes++
	m.LastFrametimeMS = frametime.Milliseconds()
	m.LastSeenTS = seenAt
}

func (m *Metrics) recordError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Errors++
}

func (m *Metrics) recordSkipped() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Skipped++
}

func (m *Metrics) recordSeen(seenAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LastSeenTS = seenAt
}

// RecordError increments the Errors counter. Exported so the scheduler
// can account for failures (e.g. a scene render error or a rejected
// command) that never reach the driver's own push/healthCheck path.
func (m *Metrics) RecordError() { m.recordError() }

// RecordSkipped increments the Skipped counter.
func (m *Metrics) RecordSkipped() { m.recordSkipped() }

// Driver is the abstract operation set every display exposes,
// regardless of wire protocol. All operations are capability-gated:
// an optional operation a driver's hardware cannot do returns
// errs.ErrNotSupported, which the driver itself wraps in a
// CapabilityError.
type Driver interface {
	// Initialize prepares the driver for use (opening connections,
	// probing the device). It must be idempotent.
	Initialize(ctx context.Context) error
	IsReady() bool
	Shutdown(ctx context.Context) error

	Clear()
	// Push commits the internal buffer to hardware. On success it
	// returns the measured frame time and updates LastSeenTS.
	Push(ctx context.Context) (time.Duration, error)

	DrawPixel(p Point, c RGBA)
	DrawLine(p0, p1 Point, c RGBA)
	FillRect(topLeft, bottomRight Point, c RGBA)
	DrawText(text string, at Point, c RGBA, align Align) error

	// Optional operations. Each corresponds to a capability flag;
	// drivers whose hardware lacks the capability return a
	// CapabilityError wrapping errs.ErrNotSupported.
	SetBrightness(ctx context.Context, level int) error
	SetDisplayPower(ctx context.Context, on bool) error
	PlayTone(ctx context.Context, freqHz int, durationMS int) error
	ShowIcon(ctx context.Context, id string) error

	HealthCheck(ctx context.Context) HealthResult
	Metrics() *Metrics
	Capabilities() capability.Capabilities
}

// Kind identifies a driver implementation for config parsing and
// hot-swap requests.
type Kind string

const (
	KindRealHTTP Kind = "real-http"
	KindRealMQTT Kind = "real-mqtt"
	KindMock     Kind = "mock"
)
