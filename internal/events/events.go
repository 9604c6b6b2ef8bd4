// Package events defines the wire-shape records the scheduler hands
// to the Observability Publisher (§4.9). It is a standalone package,
// not owned by scheduler or observability, so neither has to import
// the other.
package events

import "time"

// Transition is published on every state transition for a device:
// switch, status change, generation bump, play-state change, error.
type Transition struct {
	Host         string            `json:"host"`
	DeviceType   string            `json:"deviceType"`
	ActiveScene  string            `json:"activeScene"`
	TargetScene  string            `json:"targetScene"`
	GenerationID uint64            `json:"generationId"`
	Status       string            `json:"status"`
	PlayState    string            `json:"playState"`
	Timestamp    time.Time         `json:"ts"`
	BuildNumber  string            `json:"buildNumber"`
	GitCommit    string            `json:"gitCommit"`
	Version      string            `json:"version"`
	Capabilities map[string]interface{} `json:"capabilities,omitempty"`
	Error        string            `json:"error,omitempty"`

	// Internal is part of the published payload, but the scheduler
	// does not set it: every Transition it publishes carries false,
	// whether the change came from an operator command or from the
	// scheduler itself (startup scene, schedule gating, fallback,
	// watchdog, hot-swap).
	Internal bool `json:"internal"`
}

// MetricsTick is published after every successful push.
type MetricsTick struct {
	Host         string    `json:"host"`
	SceneName    string    `json:"sceneName"`
	FrametimeMS  int64     `json:"frametimeMs"`
	Pushes       uint64    `json:"pushes"`
	Errors       uint64    `json:"errors"`
	LastSeenTS   time.Time `json:"lastSeenTs"`
	GenerationID uint64    `json:"generationId"`
}

// FrameOutcome reports one discrete frame-level accounting event — a
// render/push failure or a stale-generation skip — at the moment the
// scheduler's driver.Metrics accumulator (§4.8) records it, so the
// Observability Publisher can mirror the same counter into the
// process-wide Prometheus registry.
type FrameOutcome struct {
	Host      string
	SceneName string
	Errored   bool
	Skipped   bool
}

// Publisher is implemented by the Observability Publisher and called
// directly by the scheduler on every transition/tick. Implementations
// must be non-blocking: a slow subscriber drops frames instead of
// stalling the scheduler (§4.9).
type Publisher interface {
	PublishTransition(Transition)
	PublishMetricsTick(MetricsTick)
	PublishFrameOutcome(FrameOutcome)
}

// NoopPublisher discards every event; useful in tests that don't
// assert on observability output.
type NoopPublisher struct{}

func (NoopPublisher) PublishTransition(Transition)     {}
func (NoopPublisher) PublishMetricsTick(MetricsTick)   {}
func (NoopPublisher) PublishFrameOutcome(FrameOutcome) {}
