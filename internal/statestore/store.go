// Package statestore implements the single in-memory source of truth
// described in §4.3: three namespaces (global, per-device, per
// (scene,device)), dotted-path addressing, subscriber notification,
// and debounced persistence of a narrow, explicitly-listed subset of
// fields.
package statestore

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Path addresses a value in the store. The first segment selects the
// namespace ("global", "device", "scene"); the remaining segments
// address within it, e.g. "device.10.0.0.5.brightness" or
// "scene.10.0.0.5.clock.frameCount".
type Path string

func (p Path) segments() []string {
	return strings.Split(string(p), ".")
}

// SubscribeFunc observes a committed mutation. It must not block and
// must not call back into the Store synchronously — Store enforces
// this by invoking every subscriber on its own goroutine, reading
// from its own bounded, drop-oldest queue, so a subscriber's own call
// into Set/Update can never deadlock against the mutation that
// triggered it.
type SubscribeFunc func(path Path, oldVal, newVal interface{})

const subscriberQueueCapacity = 64

type subscription struct {
	prefix string
	queue  chan notification
	done   chan struct{}
}

type notification struct {
	path           Path
	oldVal, newVal interface{}
}

// namespace is one of the three top-level trees. Each is guarded by
// its own lock so mutations to unrelated namespaces (or unrelated
// devices within the device namespace) never contend.
type namespace struct {
	mu   sync.Mutex
	data map[string]interface{}
}

func newNamespace() *namespace { return &namespace{data: map[string]interface{}{}} }

// Store is the process-wide state repository.
type Store struct {
	log logrus.FieldLogger

	global *namespace
	// device and scene namespaces are additionally sharded per-host
	// so that mutating one device's subtree never blocks another's,
	// per the per-device lock requirement in §4.3/§5.
	devicesMu sync.Mutex
	devices   map[string]*namespace

	scenesMu sync.Mutex
	scenes   map[string]*namespace // keyed by host; scene name is a segment within

	subsMu sync.Mutex
	subs   []*subscription

	persist *persister
}

// New returns an empty Store. If persistPath is non-empty, mutations
// to persisted fields are debounced and flushed to that file.
func New(log logrus.FieldLogger, persistPath string, debounce time.Duration) *Store {
	s := &Store{
		log:     log,
		global:  newNamespace(),
		devices: map[string]*namespace{},
		scenes:  map[string]*namespace{},
	}
	if persistPath != "" {
		s.persist = newPersister(s, persistPath, debounce, log)
	}
	return s
}

func (s *Store) namespaceFor(segments []string) (*namespace, []string, error) {
	if len(segments) < 1 {
		return nil, nil, fmt.Errorf("statestore: empty path")
	}
	switch segments[0] {
	case "global":
		return s.global, segments[1:], nil
	case "device":
		if len(segments) < 2 {
			return nil, nil, fmt.Errorf("statestore: device path missing host: %v", segments)
		}
		return s.deviceNamespace(segments[1]), segments[2:], nil
	case "scene":
		if len(segments) < 2 {
			return nil, nil, fmt.Errorf("statestore: scene path missing host: %v", segments)
		}
		return s.sceneNamespace(segments[1]), segments[2:], nil
	default:
		return nil, nil, fmt.Errorf("statestore: unknown namespace %q", segments[0])
	}
}

func (s *Store) deviceNamespace(host string) *namespace {
	s.devicesMu.Lock()
	defer s.devicesMu.Unlock()
	ns, ok := s.devices[host]
	if !ok {
		ns = newNamespace()
		s.devices[host] = ns
	}
	return ns
}

func (s *Store) sceneNamespace(host string) *namespace {
	s.scenesMu.Lock()
	defer s.scenesMu.Unlock()
	ns, ok := s.scenes[host]
	if !ok {
		ns = newNamespace()
		s.scenes[host] = ns
	}
	return ns
}

// Get returns the value at path, or def if unset.
func (s *Store) Get(path Path, def interface{}) interface{} {
	ns, rest, err := s.namespaceFor(path.segments())
	if err != nil {
		return def
	}
	ns.mu.Lock()
	defer ns.mu.Unlock()
	v, ok := getNested(ns.data, rest)
	if !ok {
		return def
	}
	return v
}

// Set writes value at path, notifying subscribers and scheduling
// debounced persistence if this path is persisted.
func (s *Store) Set(path Path, value interface{}) error {
	ns, rest, err := s.namespaceFor(path.segments())
	if err != nil {
		return err
	}

	ns.mu.Lock()
	oldVal, _ := getNested(ns.data, rest)
	setNested(ns.data, rest, value)
	ns.mu.Unlock()

	s.notify(path, oldVal, value)
	if s.persist != nil && isPersistedPath(path) {
		s.persist.scheduleWrite()
	}
	return nil
}

// UpdateFunc performs an atomic read-modify-write; it receives the
// current value (or nil if unset) and returns the new value.
type UpdateFunc func(current interface{}) interface{}

// Update atomically reads, transforms, and writes the value at path.
func (s *Store) Update(path Path, fn UpdateFunc) error {
	ns, rest, err := s.namespaceFor(path.segments())
	if err != nil {
		return err
	}

	ns.mu.Lock()
	oldVal, _ := getNested(ns.data, rest)
	newVal := fn(oldVal)
	setNested(ns.data, rest, newVal)
	ns.mu.Unlock()

	s.notify(path, oldVal, newVal)
	if s.persist != nil && isPersistedPath(path) {
		s.persist.scheduleWrite()
	}
	return nil
}

// Subscribe registers cb to be invoked for every mutation whose path
// starts with prefix. It returns an unsubscribe function.
func (s *Store) Subscribe(prefix string, cb SubscribeFunc) func() {
	sub := &subscription{
		prefix: prefix,
		queue:  make(chan notification, subscriberQueueCapacity),
		done:   make(chan struct{}),
	}

	s.subsMu.Lock()
	s.subs = append(s.subs, sub)
	s.subsMu.Unlock()

	go func() {
		for {
			select {
			case n := <-sub.queue:
				cb(n.path, n.oldVal, n.newVal)
			case <-sub.done:
				return
			}
		}
	}()

	return func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		for i, existing := range s.subs {
			if existing == sub {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				break
			}
		}
		close(sub.done)
	}
}

func (s *Store) notify(path Path, oldVal, newVal interface{}) {
	s.subsMu.Lock()
	subs := make([]*subscription, len(s.subs))
	copy(subs, s.subs)
	s.subsMu.Unlock()

	strPath := string(path)
	for _, sub := range subs {
		if !strings.HasPrefix(strPath, sub.prefix) {
			continue
		}
		n := notification{path: path, oldVal: oldVal, newVal: newVal}
		select {
		case sub.queue <- n:
		default:
			// drop-oldest: make room then retry once.
			select {
			case <-sub.queue:
			default:
			}
			select {
			case sub.queue <- n:
			default:
			}
		}
	}
}

// Close stops all subscriber goroutines and flushes pending
// persistence synchronously, per the graceful-shutdown budget in §5.
func (s *Store) Close() error {
	s.subsMu.Lock()
	subs := s.subs
	s.subs = nil
	s.subsMu.Unlock()
	for _, sub := range subs {
		close(sub.done)
	}
	if s.persist != nil {
		return s.persist.flush()
	}
	return nil
}

func getNested(root map[string]interface{}, segments []string) (interface{}, bool) {
	cur := interface{}(root)
	for _, seg := range segments {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func setNested(root map[string]interface{}, segments []string, value interface{}) {
	if len(segments) == 0 {
		return
	}
	cur := root
	for _, seg := range segments[:len(segments)-1] {
		next, ok := cur[seg].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			cur[seg] = next
		}
		cur = next
	}
	cur[segments[len(segments)-1]] = value
}
