package scheduler

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/pixoo-fleet/pixoo-daemon/internal/capability"
	"github.com/pixoo-fleet/pixoo-daemon/internal/driver"
	"github.com/pixoo-fleet/pixoo-daemon/internal/errs"
	"github.com/pixoo-fleet/pixoo-daemon/internal/events"
	"github.com/pixoo-fleet/pixoo-daemon/internal/registry"
	"github.com/pixoo-fleet/pixoo-daemon/internal/scene"
	"github.com/pixoo-fleet/pixoo-daemon/internal/statestore"
)

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func testCaps() capability.Capabilities {
	return capability.Capabilities{
		Width: 64, Height: 64, ColorDepth: 24,
		HasTextRendering: true, HasPrimitiveDrawing: true,
		HasBrightnessControl: true, MaxBrightness: 100, MaxFPS: 60,
	}
}

func newTestDevice(t *testing.T, host string) *registry.Device {
	t.Helper()
	reg, err := registry.New(
		[]registry.DeviceConfig{{Host: host, DeviceType: "test", DriverKind: driver.KindMock}},
		map[string]map[driver.Kind]registry.DriverFactory{
			"test": {driver.KindMock: func(cfg registry.DeviceConfig, caps capability.Capabilities) (driver.Driver, error) {
				return driver.NewMock(caps), nil
			}},
		},
		map[string]capability.Capabilities{"test": testCaps()},
	)
	require.NoError(t, err)
	dev, ok := reg.Get(host)
	require.True(t, ok)
	return dev
}

// loopingScene returns a scene that ticks forever at delayMS,
// incrementing a counter each render so tests can assert on it.
func loopingScene(name string, delayMS int, counter *int64CounterT) scene.Module {
	return scene.Module{
		Name:      name,
		WantsLoop: true,
		Render: func(ctx scene.Context) (*int, error) {
			counter.inc()
			d := delayMS
			return &d, nil
		},
	}
}

func staticOnceScene(name string) scene.Module {
	return scene.Module{
		Name: name,
		Render: func(ctx scene.Context) (*int, error) {
			return nil, nil
		},
	}
}

type int64CounterT struct {
	mu sync.Mutex
	n  int64
}

func (c *int64CounterT) inc() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
}

func (c *int64CounterT) get() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func newTestActor(t *testing.T, host string, modules ...scene.Module) (*Actor, *registry.Device) {
	t.Helper()
	dev := newTestDevice(t, host)
	reg := scene.NewRegistry()
	for _, m := range modules {
		require.NoError(t, reg.Register(m))
	}
	store := statestore.New(testLogger(), "", 0)
	a := NewActor(ActorConfig{Host: host, DeviceType: "test"}, dev, reg, store, events.NoopPublisher{}, testLogger())
	return a, dev
}

func TestSwitchActivatesSceneAndBumpsGeneration(t *testing.T) {
	counter := &int64CounterT{}
	a, _ := newTestActor(t, "h1", loopingScene("anim", 20, counter))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	require.NoError(t, a.Enqueue(SwitchCommand{Scene: "anim", Clear: true}))

	require.Eventually(t, func() bool {
		snap := a.Snapshot()
		return snap.ActiveScene == "anim" && snap.Status == StatusRunning
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, uint64(1), a.Snapshot().GenerationID)

	require.Eventually(t, func() bool { return counter.get() > 0 }, time.Second, 5*time.Millisecond)
}

func TestRapidSwitchSequenceEndsOnLastSceneWithMonotonicGeneration(t *testing.T) {
	cA, cB, cC := &int64CounterT{}, &int64CounterT{}, &int64CounterT{}
	a, _ := newTestActor(t, "h1",
		loopingScene("A", 5, cA),
		loopingScene("B", 5, cB),
		loopingScene("C", 5, cC),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	require.NoError(t, a.Enqueue(SwitchCommand{Scene: "A"}))
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, a.Enqueue(SwitchCommand{Scene: "B"}))
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, a.Enqueue(SwitchCommand{Scene: "C"}))

	require.Eventually(t, func() bool {
		return a.Snapshot().ActiveScene == "C"
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, uint64(3), a.Snapshot().GenerationID)
}

func TestSceneCompletionSetsPlayStateCompleteAndRestartAdvancesGeneration(t *testing.T) {
	a, _ := newTestActor(t, "h1", staticOnceScene("splash"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	require.NoError(t, a.Enqueue(SwitchCommand{Scene: "splash"}))

	require.Eventually(t, func() bool {
		snap := a.Snapshot()
		return snap.PlayState == PlayStateComplete && snap.Status == StatusIdle
	}, time.Second, 5*time.Millisecond)

	genBefore := a.Snapshot().GenerationID
	require.NoError(t, a.Enqueue(RestartCommand{}))

	require.Eventually(t, func() bool {
		return a.Snapshot().PlayState == PlayStatePlaying || a.Snapshot().PlayState == PlayStateComplete
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, genBefore+1, a.Snapshot().GenerationID)
}

func TestPauseResumeDoesNotChangeGeneration(t *testing.T) {
	counter := &int64CounterT{}
	a, _ := newTestActor(t, "h1", loopingScene("anim", 10, counter))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	require.NoError(t, a.Enqueue(SwitchCommand{Scene: "anim"}))
	require.Eventually(t, func() bool { return a.Snapshot().Status == StatusRunning }, time.Second, 5*time.Millisecond)

	gen := a.Snapshot().GenerationID
	require.NoError(t, a.Enqueue(PauseCommand{}))
	require.Eventually(t, func() bool { return a.Snapshot().PlayState == PlayStatePaused }, time.Second, 5*time.Millisecond)

	require.NoError(t, a.Enqueue(ResumeCommand{}))
	require.Eventually(t, func() bool { return a.Snapshot().PlayState == PlayStatePlaying }, time.Second, 5*time.Millisecond)

	require.Equal(t, gen, a.Snapshot().GenerationID)
}

func TestTwoDevicesAreIsolated(t *testing.T) {
	cA := &int64CounterT{}
	cB := &int64CounterT{}
	a1, _ := newTestActor(t, "h1", loopingScene("anim", 10, cA))
	a2, _ := newTestActor(t, "h2", loopingScene("anim", 10, cB))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a1.Run(ctx)
	go a2.Run(ctx)

	require.NoError(t, a1.Enqueue(SwitchCommand{Scene: "anim"}))
	require.NoError(t, a2.Enqueue(SwitchCommand{Scene: "anim"}))

	require.Eventually(t, func() bool {
		return a1.Snapshot().Status == StatusRunning && a2.Snapshot().Status == StatusRunning
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, a1.Enqueue(PauseCommand{}))
	require.Eventually(t, func() bool { return a1.Snapshot().PlayState == PlayStatePaused }, time.Second, 5*time.Millisecond)

	before := cB.get()
	time.Sleep(50 * time.Millisecond)
	require.Greater(t, cB.get(), before, "device 2 must keep ticking while device 1 is paused")
	require.Equal(t, StatusRunning, a2.Snapshot().Status)
}

func TestDriverFailureRecoveryDoesNotChangeGeneration(t *testing.T) {
	dev := newTestDevice(t, "h1")

	failures := 0
	var mu sync.Mutex
	mod := scene.Module{
		Name:      "flaky",
		WantsLoop: true,
		Render: func(ctx scene.Context) (*int, error) {
			mu.Lock()
			defer mu.Unlock()
			if failures < 5 {
				failures++
				return nil, errs.NewTransportError(errs.Context{}, assertErr)
			}
			d := 10
			return &d, nil
		},
	}
	reg := scene.NewRegistry()
	require.NoError(t, reg.Register(mod))
	store := statestore.New(testLogger(), "", 0)
	a := NewActor(ActorConfig{Host: "h1", DeviceType: "test", FailureK: 100}, dev, reg, store, events.NoopPublisher{}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	require.NoError(t, a.Enqueue(SwitchCommand{Scene: "flaky"}))
	require.Eventually(t, func() bool { return a.Snapshot().ActiveScene == "flaky" }, time.Second, 5*time.Millisecond)
	gen := a.Snapshot().GenerationID

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return failures >= 5
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return a.Snapshot().Status == StatusRunning
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, gen, a.Snapshot().GenerationID, "recovering from render failures must not change generation")
}

// TestSwitchPersistsActiveSceneAndPlayStateToStore exercises spec §3's
// "Persistence (narrow)" contract directly: a live Switch/Stop must
// land activeScene and playState in the State Store itself — the only
// thing that arms the debounced persistence write — not merely in the
// Actor's own in-memory Snapshot.
func TestSwitchPersistsActiveSceneAndPlayStateToStore(t *testing.T) {
	counter := &int64CounterT{}
	dev := newTestDevice(t, "h1")
	reg := scene.NewRegistry()
	require.NoError(t, reg.Register(loopingScene("anim", 20, counter)))
	store := statestore.New(testLogger(), "", 0)
	a := NewActor(ActorConfig{Host: "h1", DeviceType: "test"}, dev, reg, store, events.NoopPublisher{}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	require.NoError(t, a.Enqueue(SwitchCommand{Scene: "anim", Clear: true}))

	require.Eventually(t, func() bool {
		return store.Get(statestore.Path("device.h1.activeScene"), "") == "anim" &&
			store.Get(statestore.Path("device.h1.playState"), "") == string(PlayStatePlaying)
	}, time.Second, 5*time.Millisecond, "a live switch must land activeScene/playState in the Store, not just the Actor's own snapshot")

	require.NoError(t, a.Enqueue(StopCommand{}))

	require.Eventually(t, func() bool {
		return store.Get(statestore.Path("device.h1.activeScene"), "unset") == "" &&
			store.Get(statestore.Path("device.h1.playState"), "") == string(PlayStateStopped)
	}, time.Second, 5*time.Millisecond, "stop must clear activeScene and mark playState stopped in the Store")
}

var assertErr = errFixture("simulated render failure")

type errFixture string

func (e errFixture) Error() string { return string(e) }

// TestStaleRenderResultIsDroppedOnMidFlightSwitch exercises the
// stale-drop invariant (§8 testable property 2): a render tick started
// at generation g that completes after the device has already moved
// on to g' > g must have no observable effect through the framework —
// counted only as a skip, never as a frame advance.
func TestStaleRenderResultIsDroppedOnMidFlightSwitch(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)

	slow := scene.Module{
		Name:      "slow",
		WantsLoop: true,
		Render: func(ctx scene.Context) (*int, error) {
			select {
			case started <- struct{}{}:
			default:
			}
			<-release
			d := 1000
			return &d, nil
		},
	}
	other := staticOnceScene("other")

	dev := newTestDevice(t, "h1")
	reg := scene.NewRegistry()
	require.NoError(t, reg.Register(slow))
	require.NoError(t, reg.Register(other))
	store := statestore.New(testLogger(), "", 0)
	a := NewActor(ActorConfig{Host: "h1", DeviceType: "test"}, dev, reg, store, events.NoopPublisher{}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	require.NoError(t, a.Enqueue(SwitchCommand{Scene: "slow"}))

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("slow render never started")
	}

	genBeforeSwitch := a.Snapshot().GenerationID

	// Switch away while the first render is still blocked inside Render,
	// racing a generation bump against the in-flight tick.
	require.NoError(t, a.Enqueue(SwitchCommand{Scene: "other"}))

	require.Eventually(t, func() bool {
		return a.Snapshot().GenerationID > genBeforeSwitch
	}, time.Second, 5*time.Millisecond, "switch must bump generation without waiting for the stale render")

	require.Eventually(t, func() bool {
		snap := a.Snapshot()
		return snap.ActiveScene == "other" && snap.Status == StatusIdle
	}, time.Second, 5*time.Millisecond, "switch target must take effect independently of the stale render")

	genAfterSwitch := a.Snapshot().GenerationID
	skippedBefore := dev.Driver().Metrics().Snapshot().Skipped

	close(release)

	require.Eventually(t, func() bool {
		return dev.Driver().Metrics().Snapshot().Skipped > skippedBefore
	}, time.Second, 5*time.Millisecond, "a stale tick must be counted as skipped")

	require.Equal(t, genAfterSwitch, a.Snapshot().GenerationID, "a stale result must not perturb the current generation")
	require.Equal(t, "other", a.Snapshot().ActiveScene, "a stale result must not perturb the current scene")

	fc := store.Get(statestore.Path("scene.h1.slow.frameCount"), uint64(0))
	require.Equal(t, uint64(0), fc, "a stale tick must never advance SceneInstanceState.frameCount")
}
