// Package observability implements the Observability Publisher
// (§4.9): it receives every Transition and MetricsTick the scheduler
// emits and fans each out to subscribers (MQTT, WebSocket, the
// Prometheus registry) without ever blocking the scheduler. The
// bounded, drop-oldest per-subscriber queue is the same shape as
// internal/statestore's Subscribe/notify — one queue and one consumer
// goroutine per subscriber, publish-side send is always non-blocking.
package observability

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pixoo-fleet/pixoo-daemon/internal/events"
	"github.com/pixoo-fleet/pixoo-daemon/internal/metrics"
)

const subscriberQueueCapacity = 128

// TransitionHandler observes a published Transition.
type TransitionHandler func(events.Transition)

// MetricsTickHandler observes a published MetricsTick.
type MetricsTickHandler func(events.MetricsTick)

type subscription struct {
	onTransition TransitionHandler
	onTick       MetricsTickHandler
	queue        chan interface{}
	done         chan struct{}
}

// Publisher implements events.Publisher, fanning every event out to
// subscribers and into the Prometheus registry.
type Publisher struct {
	log logrus.FieldLogger
	met *metrics.Metrics

	mu   sync.Mutex
	subs []*subscription
}

var _ events.Publisher = (*Publisher)(nil)

// New builds a Publisher. met may be metrics.Noop() if no Prometheus
// registry is wired (e.g. in tests).
func New(met *metrics.Metrics, log logrus.FieldLogger) *Publisher {
	if met == nil {
		met = metrics.Noop()
	}
	return &Publisher{log: log, met: met}
}

// Subscribe registers a subscriber. Either handler may be nil if the
// subscriber only cares about one event kind. The returned func
// unsubscribes and stops the subscriber's consumer goroutine.
func (p *Publisher) Subscribe(onTransition TransitionHandler, onTick MetricsTickHandler) func() {
	sub := &subscription{
		onTransition: onTransition,
		onTick:       onTick,
		queue:        make(chan interface{}, subscriberQueueCapacity),
		done:         make(chan struct{}),
	}

	p.mu.Lock()
	p.subs = append(p.subs, sub)
	p.mu.Unlock()

	go func() {
		for {
			select {
			case v := <-sub.queue:
				switch e := v.(type) {
				case events.Transition:
					if sub.onTransition != nil {
						sub.onTransition(e)
					}
				case events.MetricsTick:
					if sub.onTick != nil {
						sub.onTick(e)
					}
				}
			case <-sub.done:
				return
			}
		}
	}()

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		for i, existing := range p.subs {
			if existing == sub {
				p.subs = append(p.subs[:i], p.subs[i+1:]...)
				break
			}
		}
		close(sub.done)
	}
}

// PublishTransition implements events.Publisher.
func (p *Publisher) PublishTransition(t events.Transition) {
	p.met.SetGenerationID(t.Host, t.GenerationID)
	p.met.SetDeviceHealthy(t.Host, t.Error == "")
	p.enqueue(t)
}

// PublishMetricsTick implements events.Publisher.
func (p *Publisher) PublishMetricsTick(m events.MetricsTick) {
	p.met.RecordFramePushed(m.Host, m.SceneName)
	p.met.ObserveFrametime(m.Host, time.Duration(m.FrametimeMS)*time.Millisecond)
	p.enqueue(m)
}

// PublishFrameOutcome implements events.Publisher. It mirrors a
// frame-level failure or stale-generation skip — already counted on
// the device's driver.Metrics accumulator (§4.8) — into the
// Prometheus registry, so `/metrics` exposes the same counts the
// State Store and HTTP status endpoint already surface.
func (p *Publisher) PublishFrameOutcome(o events.FrameOutcome) {
	if o.Errored {
		p.met.RecordFrameError(o.Host, o.SceneName)
	}
	if o.Skipped {
		p.met.RecordFrameSkipped(o.Host, o.SceneName)
	}
}

func (p *Publisher) enqueue(v interface{}) {
	p.mu.Lock()
	subs := make([]*subscription, len(p.subs))
	copy(subs, p.subs)
	p.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.queue <- v:
		default:
			// drop-oldest: make room then retry once, per §4.9 — a
			// slow subscriber must never stall the scheduler.
			select {
			case <-sub.queue:
			default:
			}
			select {
			case sub.queue <- v:
			default:
			}
		}
	}
}

// Close stops every subscriber's consumer goroutine.
func (p *Publisher) Close() {
	p.mu.Lock()
	subs := p.subs
	p.subs = nil
	p.mu.Unlock()
	for _, sub := range subs {
		close(sub.done)
	}
}
