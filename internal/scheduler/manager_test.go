package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pixoo-fleet/pixoo-daemon/internal/capability"
	"github.com/pixoo-fleet/pixoo-daemon/internal/driver"
	"github.com/pixoo-fleet/pixoo-daemon/internal/registry"
	"github.com/pixoo-fleet/pixoo-daemon/internal/scene"
	"github.com/pixoo-fleet/pixoo-daemon/internal/statestore"
)

func newTestRegistry(t *testing.T, hosts ...string) *registry.Registry {
	t.Helper()
	configs := make([]registry.DeviceConfig, 0, len(hosts))
	for _, h := range hosts {
		configs = append(configs, registry.DeviceConfig{Host: h, DeviceType: "test", DriverKind: driver.KindMock})
	}
	reg, err := registry.New(
		configs,
		map[string]map[driver.Kind]registry.DriverFactory{
			"test": {driver.KindMock: func(cfg registry.DeviceConfig, caps capability.Capabilities) (driver.Driver, error) {
				return driver.NewMock(caps), nil
			}},
		},
		map[string]capability.Capabilities{"test": testCaps()},
	)
	require.NoError(t, err)
	return reg
}

func TestHotSwapPreservesActiveSceneWithExactlyOneGenerationBump(t *testing.T) {
	counter := &int64CounterT{}
	reg := newTestRegistry(t, "h1")
	sceneReg := scene.NewRegistry()
	require.NoError(t, sceneReg.Register(loopingScene("anim", 10, counter)))
	store := statestore.New(testLogger(), "", 0)

	mgr := NewManager(reg, sceneReg, store, nil, testLogger(), nil)
	reg.SetControl(mgr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mgr.Start(ctx)

	require.NoError(t, mgr.Enqueue("h1", SwitchCommand{Scene: "anim", Clear: true}))

	a, ok := mgr.Get("h1")
	require.True(t, ok)
	require.Eventually(t, func() bool { return a.Snapshot().Status == StatusRunning }, time.Second, 5*time.Millisecond)

	genBefore := a.Snapshot().GenerationID

	newDrv := driver.NewMock(testCaps())
	require.NoError(t, mgr.HotSwapDriver("h1", newDrv, driver.KindMock))

	require.Eventually(t, func() bool {
		snap := a.Snapshot()
		return snap.ActiveScene == "anim" && snap.Status == StatusRunning
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, genBefore+1, a.Snapshot().GenerationID, "hot-swap must advance generationId exactly once")

	dev, ok := reg.Get("h1")
	require.True(t, ok)
	require.Same(t, newDrv, dev.Driver(), "registry must observe the swapped driver")

	before := counter.get()
	require.Eventually(t, func() bool { return counter.get() > before }, time.Second, 5*time.Millisecond)
}

func TestHotSwapUnknownDeviceFails(t *testing.T) {
	reg := newTestRegistry(t, "h1")
	sceneReg := scene.NewRegistry()
	store := statestore.New(testLogger(), "", 0)
	mgr := NewManager(reg, sceneReg, store, nil, testLogger(), nil)

	err := mgr.HotSwapDriver("ghost", driver.NewMock(testCaps()), driver.KindMock)
	require.Error(t, err)
}

func TestManagerShutdownDrainsAllActors(t *testing.T) {
	reg := newTestRegistry(t, "h1", "h2")
	sceneReg := scene.NewRegistry()
	require.NoError(t, sceneReg.Register(loopingScene("anim", 10, &int64CounterT{})))
	store := statestore.New(testLogger(), "", 0)
	mgr := NewManager(reg, sceneReg, store, nil, testLogger(), nil)

	ctx := context.Background()
	mgr.Start(ctx)

	require.NoError(t, mgr.Enqueue("h1", SwitchCommand{Scene: "anim"}))
	require.NoError(t, mgr.Enqueue("h2", SwitchCommand{Scene: "anim"}))

	a1, _ := mgr.Get("h1")
	a2, _ := mgr.Get("h2")
	require.Eventually(t, func() bool {
		return a1.Snapshot().Status == StatusRunning && a2.Snapshot().Status == StatusRunning
	}, time.Second, 5*time.Millisecond)

	mgr.Shutdown(2 * time.Second)

	require.Eventually(t, func() bool {
		select {
		case <-a1.Done():
			select {
			case <-a2.Done():
				return true
			default:
				return false
			}
		default:
			return false
		}
	}, 3*time.Second, 10*time.Millisecond)
}
