// Package watchdog implements per-device health monitoring (§4.7):
// periodic liveness probes against a device's driver, an independent
// staleness check against lastSeenTs, and a configured recovery
// action when a device goes stale. The polling/threshold shape is
// grounded on the teacher's pkg/healthmonitor.HealthMonitor — a
// single Run loop ticking on its own interval, probing every
// registered target concurrently and bounding each probe with a
// timeout — adapted from one shared interval across many HTTP
// targets to one independently-configured interval per device.
package watchdog

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pixoo-fleet/pixoo-daemon/internal/registry"
	"github.com/pixoo-fleet/pixoo-daemon/internal/scheduler"
)

// Action names a recovery action taken when a device's lastSeenTs
// goes stale past Policy.TimeoutMinutes.
type Action string

const (
	ActionRestart       Action = "restart"
	ActionFallbackScene Action = "fallback-scene"
	ActionMQTTCommand   Action = "mqtt-command"
	ActionNotify        Action = "notify"
)

// MQTTPublisher is the narrow surface the mqtt-command action needs.
// Defined here (not imported from mqtttransport) to keep the watchdog
// decoupled from the concrete transport, mirroring how the scheduler
// depends only on events.Publisher rather than a concrete sink.
type MQTTPublisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// MQTTCommandStep is one publish issued by the mqtt-command action.
type MQTTCommandStep struct {
	Topic   string
	Payload []byte
}

// Policy is one device's watchdog configuration (§6 config document's
// `watchdog` block).
type Policy struct {
	Host                       string
	Enabled                    bool
	HealthCheckIntervalSeconds int
	CheckWhenOff               bool
	TimeoutMinutes             int
	Action                     Action
	FallbackScene              string
	MQTTCommandSequence        []MQTTCommandStep
}

func (p Policy) interval() time.Duration {
	if p.HealthCheckIntervalSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(p.HealthCheckIntervalSeconds) * time.Second
}

func (p Policy) timeout() time.Duration {
	if p.TimeoutMinutes <= 0 {
		return time.Minute
	}
	return time.Duration(p.TimeoutMinutes) * time.Minute
}

// target is the per-device runtime state the watchdog tracks. Each
// target ticks on its own goroutine at its own interval, so a slow or
// wedged device can never delay another device's health checks —
// the same isolation property the scheduler provides for render ticks.
//
// lastSeen only tracks this watchdog's own successful probes. The
// canonical last-seen timestamp (§3's DriverMetrics.lastSeenTs,
// updated by a successful push() too, per the Glossary's "via push
// or healthCheck") also lives on the device's driver metrics; staleness
// is always evaluated against the later of the two (effectiveLastSeen)
// so a device that is actively rendering and pushing frames is never
// declared stale merely because its healthCheck endpoint specifically
// is having trouble.
type target struct {
	policy Policy
	dev    *registry.Device

	mu         sync.Mutex
	lastSeen   time.Time
	lastLatency int64
	lastErr    error
}

// effectiveLastSeen returns the later of the watchdog's own last
// successful probe and the driver's own lastSeenTs (set on a
// successful push, independently of any health probe).
func (t *target) effectiveLastSeen() time.Time {
	t.mu.Lock()
	probeSeen := t.lastSeen
	t.mu.Unlock()

	pushSeen := t.dev.Driver().Metrics().Snapshot().LastSeenTS
	if pushSeen.After(probeSeen) {
		return pushSeen
	}
	return probeSeen
}

// Watchdog owns one target per watched device.
type Watchdog struct {
	log     logrus.FieldLogger
	mgr     *scheduler.Manager
	mqtt    MQTTPublisher
	probeTO time.Duration

	mu      sync.Mutex
	targets map[string]*target
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a Watchdog. probeTimeout bounds every individual
// HealthCheck call so a stuck device can never wedge the watchdog
// loop (§5 "a stuck device must never wedge its scheduler for longer
// than that timeout" — the same rule applied to health probes).
func New(mgr *scheduler.Manager, mqtt MQTTPublisher, probeTimeout time.Duration, log logrus.FieldLogger) *Watchdog {
	if probeTimeout <= 0 {
		probeTimeout = 5 * time.Second
	}
	return &Watchdog{
		log:     log,
		mgr:     mgr,
		mqtt:    mqtt,
		probeTO: probeTimeout,
		targets: map[string]*target{},
	}
}

// Watch registers dev under policy. Call before Start.
func (w *Watchdog) Watch(dev *registry.Device, policy Policy) {
	if !policy.Enabled {
		return
	}
	policy.Host = dev.Host
	w.mu.Lock()
	defer w.mu.Unlock()
	w.targets[dev.Host] = &target{policy: policy, dev: dev, lastSeen: time.Now()}
}

// Start launches one monitoring goroutine per registered target.
func (w *Watchdog) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	targets := make([]*target, 0, len(w.targets))
	for _, t := range w.targets {
		targets = append(targets, t)
	}
	w.mu.Unlock()

	for _, t := range targets {
		w.wg.Add(1)
		go w.run(runCtx, t)
	}
}

// Stop cancels every monitoring goroutine and waits for them to exit.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	w.wg.Wait()
}

func (w *Watchdog) run(ctx context.Context, t *target) {
	defer w.wg.Done()
	ticker := time.NewTicker(t.policy.interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.probe(ctx, t)
			w.evaluateStaleness(ctx, t)
		}
	}
}

func (w *Watchdog) probe(ctx context.Context, t *target) {
	if !t.policy.CheckWhenOff {
		a, ok := w.mgr.Get(t.policy.Host)
		if ok && !a.Snapshot().DisplayOn {
			return
		}
	}

	probeCtx, cancel := context.WithTimeout(ctx, w.probeTO)
	defer cancel()

	result := t.dev.Driver().HealthCheck(probeCtx)

	t.mu.Lock()
	defer t.mu.Unlock()
	if result.OK {
		t.lastSeen = time.Now()
		t.lastLatency = result.LatencyMS
		t.lastErr = nil
		return
	}
	// Per §4.7: on failure, lastSeenTs is left untouched and the
	// error is recorded for the status surface, at debug level only —
	// a single missed probe is not itself actionable.
	t.lastErr = result.Err
	w.log.WithField("host", t.policy.Host).Debug("watchdog: health probe failed")
}

func (w *Watchdog) evaluateStaleness(ctx context.Context, t *target) {
	age := time.Since(t.effectiveLastSeen())

	if age <= t.policy.timeout() {
		return
	}

	w.log.WithField("host", t.policy.Host).
		WithField("ageSeconds", age.Seconds()).
		Warnf("watchdog: device stale past timeout, taking action %q", t.policy.Action)

	switch t.policy.Action {
	case ActionRestart:
		_ = w.mgr.Enqueue(t.policy.Host, scheduler.ResetCommand{})
	case ActionFallbackScene:
		if t.policy.FallbackScene != "" {
			_ = w.mgr.Enqueue(t.policy.Host, scheduler.SwitchCommand{Scene: t.policy.FallbackScene, Clear: true, Internal: true})
		}
	case ActionMQTTCommand:
		if w.mqtt == nil {
			return
		}
		for _, step := range t.policy.MQTTCommandSequence {
			if err := w.mqtt.Publish(step.Topic, 0, false, step.Payload); err != nil {
				w.log.WithError(err).WithField("host", t.policy.Host).Warn("watchdog: mqtt-command action failed to publish")
			}
		}
	case ActionNotify:
		// log only; already logged above.
	}

	// Reset the staleness clock regardless of action so a single
	// timeout doesn't re-fire every tick until the device genuinely
	// recovers.
	t.mu.Lock()
	t.lastSeen = time.Now()
	t.mu.Unlock()
}

// Status reports a device's last-known health for the HTTP/WS surface.
type Status struct {
	Host      string
	LastSeen  time.Time
	LatencyMS int64
	LastError error
}

// Status returns the current health snapshot for host, if watched.
func (w *Watchdog) Status(host string) (Status, bool) {
	w.mu.Lock()
	t, ok := w.targets[host]
	w.mu.Unlock()
	if !ok {
		return Status{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return Status{Host: host, LastSeen: t.lastSeen, LatencyMS: t.lastLatency, LastError: t.lastErr}, true
}
