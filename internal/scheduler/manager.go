package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pixoo-fleet/pixoo-daemon/internal/driver"
	"github.com/pixoo-fleet/pixoo-daemon/internal/errs"
	"github.com/pixoo-fleet/pixoo-daemon/internal/events"
	"github.com/pixoo-fleet/pixoo-daemon/internal/registry"
	"github.com/pixoo-fleet/pixoo-daemon/internal/scene"
	"github.com/pixoo-fleet/pixoo-daemon/internal/statestore"
)

// hotSwapTimeout bounds how long HotSwapDriver waits for the target
// actor to complete the swap before giving up.
const hotSwapTimeout = 10 * time.Second

// Manager owns one Actor per configured device and satisfies
// registry.SchedulerControl, closing the wiring loop described in
// §4.2: the Registry asks the Manager to perform a hot-swap, the
// Manager enqueues it onto the right actor's mailbox like any other
// command.
type Manager struct {
	log logrus.FieldLogger

	mu     sync.RWMutex
	actors map[string]*Actor
	cancel context.CancelFunc
}

var _ registry.SchedulerControl = (*Manager)(nil)

// NewManager builds one Actor per device in reg, wired to scenes,
// store, and pub. configs supplies per-device startup/failure policy
// keyed by host.
func NewManager(reg *registry.Registry, scenes *scene.Registry, store *statestore.Store, pub events.Publisher, log logrus.FieldLogger, configs map[string]ActorConfig) *Manager {
	m := &Manager{log: log, actors: map[string]*Actor{}}
	for _, dev := range reg.List() {
		cfg, ok := configs[dev.Host]
		if !ok {
			cfg = ActorConfig{Host: dev.Host, DeviceType: dev.DeviceType}
		}
		cfg.Host = dev.Host
		cfg.DeviceType = dev.DeviceType
		m.actors[dev.Host] = NewActor(cfg, dev, scenes, store, pub, log)
	}
	return m
}

// Start launches every actor's Run loop under a context derived from
// ctx; Shutdown cancels that context, which stops them all.
func (m *Manager) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	actors := make([]*Actor, 0, len(m.actors))
	for _, a := range m.actors {
		actors = append(actors, a)
	}
	m.mu.Unlock()

	for _, a := range actors {
		go a.Run(runCtx)
	}
}

// Get returns the actor for host.
func (m *Manager) Get(host string) (*Actor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.actors[host]
	return a, ok
}

// Enqueue dispatches cmd to host's mailbox.
func (m *Manager) Enqueue(host string, cmd Command) error {
	a, ok := m.Get(host)
	if !ok {
		return errs.NewValidationError(errs.Context{Source: "scheduler.Manager", Host: host}, fmt.Errorf("unknown device %q", host))
	}
	return a.Enqueue(cmd)
}

// HotSwapDriver implements registry.SchedulerControl: it enqueues a
// hot-swap onto the device's own mailbox (preserving FIFO ordering
// with any command already queued) and blocks until the swap lands or
// hotSwapTimeout elapses.
func (m *Manager) HotSwapDriver(host string, newDriver driver.Driver, newKind driver.Kind) error {
	a, ok := m.Get(host)
	if !ok {
		return errs.NewValidationError(errs.Context{Source: "scheduler.Manager", Host: host}, fmt.Errorf("unknown device %q", host))
	}

	done := make(chan struct{})
	if err := a.Enqueue(hotSwapCommand{driver: newDriver, kind: newKind, done: done}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-time.After(hotSwapTimeout):
		return fmt.Errorf("scheduler: hot-swap for device %q timed out", host)
	}
}

// Shutdown sends Shutdown to every actor and waits (bounded by
// timeout) for all of them to drain, per the graceful-shutdown budget
// in §5.
func (m *Manager) Shutdown(timeout time.Duration) {
	m.mu.RLock()
	actors := make([]*Actor, 0, len(m.actors))
	for _, a := range m.actors {
		actors = append(actors, a)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, a := range actors {
		wg.Add(1)
		go func(a *Actor) {
			defer wg.Done()
			done := make(chan struct{})
			if err := a.Enqueue(ShutdownCommand{Done: done}); err != nil {
				m.log.WithError(err).WithField("host", a.cfg.Host).Warn("scheduler: shutdown command dropped, mailbox full")
				return
			}
			select {
			case <-done:
			case <-time.After(timeout):
				m.log.WithField("host", a.cfg.Host).Warn("scheduler: shutdown timed out waiting for actor to drain")
			}
		}(a)
	}

	waitC := make(chan struct{})
	go func() { wg.Wait(); close(waitC) }()
	select {
	case <-waitC:
	case <-time.After(timeout):
	}

	m.mu.RLock()
	cancel := m.cancel
	m.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
}
