// Package scene defines the scene contract (§4.4/§9) and the registry
// that maps a scene name to its module. Scenes are stateless
// singletons: a tagged record of three functions plus metadata, never
// a class hierarchy. All per-invocation state lives in the State
// Store's SceneInstanceState, addressed by the Context passed into
// each function.
package scene

import (
	"context"
	"fmt"
	"sync"

	"github.com/pixoo-fleet/pixoo-daemon/internal/capability"
	"github.com/pixoo-fleet/pixoo-daemon/internal/driver"
)

// Context is passed to Init/Render/Cleanup. It exposes the device's
// driver and a scoped view of the State Store for this (device,
// scene) pair; scenes must never reach outside it for I/O or timers —
// doing so is a contract violation per §4.4.
type Context interface {
	context.Context

	Host() string
	DeviceType() string
	Capabilities() capability.Capabilities
	GenerationID() uint64

	// Driver is the device's current driver, the only surface a scene
	// may draw through. Holding onto it past one render call is
	// unsafe: a hot-swap may replace it before the next tick.
	Driver() driver.Driver

	// Get/Set address the scene's own per-device key-value bag
	// (SceneInstanceState). Get returns ok=false for an unset key.
	Get(key string) (value interface{}, ok bool)
	Set(key string, value interface{})

	// FrameCount and StartedAt are framework-managed fields of
	// SceneInstanceState; scenes read them but never set them.
	FrameCount() uint64
	StartedAt() int64 // unix millis

	// Payload is the scene-specific parameter bag supplied by the
	// Switch command that activated this scene.
	Payload() map[string]interface{}
}

// InitFunc prepares a scene instance. A non-nil error aborts the
// switch that triggered it (§4.5 step 4).
type InitFunc func(ctx Context) error

// RenderFunc paints one frame and returns the delay in milliseconds
// until the next tick, or nil if the scene is finished (playState
// becomes complete). It may block on driver I/O.
type RenderFunc func(ctx Context) (nextDelayMS *int, err error)

// CleanupFunc releases any scene-held resources. Errors are logged
// but never block the next switch (§4.5).
type CleanupFunc func(ctx Context) error

// ScheduleWindow is optional metadata for §4.5 "Schedule gating": a
// weekday mask plus a daily [Start,End) window, evaluated in local
// time once per minute.
type ScheduleWindow struct {
	WeekdayMask uint8 // bit 0 = Sunday, per time.Weekday
	StartMinute int   // minutes since local midnight, inclusive
	EndMinute   int   // minutes since local midnight, exclusive
}

// InWindow reports whether minute-of-day `nowMinute` on weekday `wd`
// falls inside the window. DST transitions are not special-cased:
// minute-of-day is evaluated against whatever wall-clock local time
// reports at call time, so a "spring forward" skips an hour of
// coverage and a "fall back" repeats one, exactly as a naive
// wall-clock cron entry would (documented Open Question (a)).
func (w ScheduleWindow) InWindow(wd int, nowMinute int) bool {
	if w.WeekdayMask&(1<<uint(wd)) == 0 {
		return false
	}
	if w.StartMinute <= w.EndMinute {
		return nowMinute >= w.StartMinute && nowMinute < w.EndMinute
	}
	// window wraps past midnight
	return nowMinute >= w.StartMinute || nowMinute < w.EndMinute
}

// Module is the immutable value describing a scene. It carries no
// instance state; the same Module value drives every device running
// it.
type Module struct {
	Name string

	// WantsLoop selects the render-loop vs. static-render-once path
	// in the scheduler (§4.5). A "static" scene is simply one with
	// WantsLoop=false; there is no separate subclass.
	WantsLoop bool

	RequiredCapabilities []capability.Requirement

	// DeviceTypes restricts which configured device types may run
	// this scene; nil/empty means "any".
	DeviceTypes []string

	// AdaptiveTiming enables the §4.5 adaptive-timing rule.
	AdaptiveTiming bool

	// SceneTimeoutMinutes, if >0, auto-stops the scene after this
	// budget since the last switch (§4.5 "Timeouts").
	SceneTimeoutMinutes int

	// Schedule, if non-nil, enables §4.5 "Schedule gating".
	Schedule *ScheduleWindow

	Init    InitFunc
	Render  RenderFunc
	Cleanup CleanupFunc
}

// AllowsDeviceType reports whether m's DeviceTypes allow-list permits
// deviceType (an empty allow-list permits any type).
func (m Module) AllowsDeviceType(deviceType string) bool {
	return m.allowsDeviceType(deviceType)
}

func (m Module) allowsDeviceType(deviceType string) bool {
	if len(m.DeviceTypes) == 0 {
		return true
	}
	for _, dt := range m.DeviceTypes {
		if dt == deviceType {
			return true
		}
	}
	return false
}

// Registry maps scene name to Module. It is populated once at
// startup and read concurrently by many device schedulers; mutation
// after startup is not a supported usage so its lock only protects
// against concurrent registration during tests.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]Module
}

// NewRegistry returns an empty scene registry.
func NewRegistry() *Registry {
	return &Registry{modules: map[string]Module{}}
}

// Register adds a scene module. It returns an error if the name is
// already registered (names are unique, per §4.4) or the module is
// incomplete.
func (r *Registry) Register(m Module) error {
	if m.Name == "" {
		return fmt.Errorf("scene: module has no name")
	}
	if m.Render == nil {
		return fmt.Errorf("scene %q: Render is required", m.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.modules[m.Name]; exists {
		return fmt.Errorf("scene %q is already registered", m.Name)
	}
	r.modules[m.Name] = m
	return nil
}

// Get returns the module registered under name.
func (r *Registry) Get(name string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[name]
	return m, ok
}

// List returns every module compatible with deviceType and caps. An
// empty deviceType matches every module regardless of its allow-list.
func (r *Registry) List(deviceType string, caps capability.Capabilities) []Module {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Module, 0, len(r.modules))
	for _, m := range r.modules {
		if deviceType != "" && !m.allowsDeviceType(deviceType) {
			continue
		}
		if !caps.Satisfies(m.RequiredCapabilities) {
			continue
		}
		out = append(out, m)
	}
	return out
}
