package registry

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pixoo-fleet/pixoo-daemon/internal/capability"
	"github.com/pixoo-fleet/pixoo-daemon/internal/driver"
	"github.com/pixoo-fleet/pixoo-daemon/internal/errs"
)

func testCaps() capability.Capabilities {
	return capability.Capabilities{
		Width: 64, Height: 64, ColorDepth: 24,
		HasTextRendering: true, HasPrimitiveDrawing: true,
		HasBrightnessControl: true, MaxBrightness: 100, MaxFPS: 30,
	}
}

func mockFactory(cfg DeviceConfig, caps capability.Capabilities) (driver.Driver, error) {
	return driver.NewMock(caps), nil
}

func testFactories() map[string]map[driver.Kind]DriverFactory {
	return map[string]map[driver.Kind]DriverFactory{
		"pixoo64": {driver.KindMock: mockFactory},
	}
}

type fakeControl struct {
	calls int
	reg   *Registry
}

func (f *fakeControl) HotSwapDriver(host string, newDriver driver.Driver, newKind driver.Kind) error {
	f.calls++
	dev, ok := f.reg.Get(host)
	if !ok {
		return nil
	}
	dev.InstallDriver(newDriver, newKind)
	return nil
}

func TestRegistryGetAndList(t *testing.T) {
	r, err := New(
		[]DeviceConfig{{Host: "10.0.0.1", DeviceType: "pixoo64", DriverKind: driver.KindMock}},
		testFactories(),
		map[string]capability.Capabilities{"pixoo64": testCaps()},
	)
	require.NoError(t, err)

	dev, ok := r.Get("10.0.0.1")
	require.True(t, ok)
	require.Equal(t, driver.KindMock, dev.Kind())
	require.Len(t, r.List(), 1)

	_, ok = r.Get("nope")
	require.False(t, ok)
}

func TestRegistryUnknownDeviceTypeIsFatalConfigError(t *testing.T) {
	_, err := New(
		[]DeviceConfig{{Host: "10.0.0.1", DeviceType: "unknown-type", DriverKind: driver.KindMock}},
		testFactories(),
		map[string]capability.Capabilities{"pixoo64": testCaps()},
	)
	require.Error(t, err)
	require.True(t, errs.IsFatalConfigError(err))
}

func TestSetDriverHotSwapsThroughControl(t *testing.T) {
	r, err := New(
		[]DeviceConfig{{Host: "10.0.0.1", DeviceType: "pixoo64", DriverKind: driver.KindMock}},
		testFactories(),
		map[string]capability.Capabilities{"pixoo64": testCaps()},
	)
	require.NoError(t, err)

	control := &fakeControl{reg: r}
	r.SetControl(control)

	require.NoError(t, r.SetDriver("10.0.0.1", driver.KindMock))
	require.Equal(t, 1, control.calls)

	dev, _ := r.Get("10.0.0.1")
	require.Equal(t, driver.KindMock, dev.Kind())
}

func TestSetDriverWithoutControlWiredFails(t *testing.T) {
	r, err := New(
		[]DeviceConfig{{Host: "10.0.0.1", DeviceType: "pixoo64", DriverKind: driver.KindMock}},
		testFactories(),
		map[string]capability.Capabilities{"pixoo64": testCaps()},
	)
	require.NoError(t, err)
	require.Error(t, r.SetDriver("10.0.0.1", driver.KindMock))
}
