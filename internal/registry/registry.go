// Package registry implements the Device Registry (§4.2): the
// authoritative list of configured devices, one Driver instance per
// device, and the atomic hot-swap operation that replaces a device's
// driver in place.
package registry

import (
	"fmt"
	"sync"

	"github.com/pixoo-fleet/pixoo-daemon/internal/capability"
	"github.com/pixoo-fleet/pixoo-daemon/internal/driver"
	"github.com/pixoo-fleet/pixoo-daemon/internal/errs"
)

// DeviceConfig is the parsed, validated configuration for one device.
type DeviceConfig struct {
	Host        string
	DisplayName string
	DeviceType  string
	DriverKind  driver.Kind
}

// DriverFactory builds a concrete Driver for a device. The
// composition root registers one factory per (deviceType, Kind) pair
// so this package never has to import the concrete driver
// implementations' transport dependencies directly.
type DriverFactory func(cfg DeviceConfig, caps capability.Capabilities) (driver.Driver, error)

// Device is one configured display. Its driver field is guarded by a
// mutex because hot-swap (SetDriver) replaces it while other
// goroutines (the HTTP status endpoint, the Watchdog) may be reading
// it concurrently; the swap itself is serialized through the
// scheduler so a render is never interrupted mid-push.
type Device struct {
	Host         string
	DisplayName  string
	DeviceType   string
	Capabilities capability.Capabilities

	mu      sync.Mutex
	drv     driver.Driver
	kind    driver.Kind
}

// Driver returns the currently installed driver. Safe to call
// concurrently with SetDriver.
func (d *Device) Driver() driver.Driver {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.drv
}

// Kind reports the currently installed driver's kind.
func (d *Device) Kind() driver.Kind {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.kind
}

func (d *Device) setDriver(drv driver.Driver, kind driver.Kind) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.drv = drv
	d.kind = kind
}

// SchedulerControl is the narrow slice of the scheduler the Registry
// needs to perform a hot-swap without importing the scheduler package
// (which in turn depends on Device). The composition root wires a
// *scheduler.Manager in here, satisfying this interface structurally.
type SchedulerControl interface {
	// HotSwapDriver stops the named device's render loop, shuts down
	// the old driver, installs newDriver through
	// Device.InstallDriver, then re-arms the active scene under a
	// freshly bumped generation. It must advance
	// generationId exactly once for the whole operation, per §4.2.
	HotSwapDriver(host string, newDriver driver.Driver, newKind driver.Kind) error
}

// Registry is the process-wide device list.
type Registry struct {
	mu       sync.RWMutex
	devices  map[string]*Device
	factories map[string]map[driver.Kind]DriverFactory
	control  SchedulerControl
}

// New builds a Registry from validated device configs. factories maps
// deviceType to the DriverFactory for each Kind that type supports;
// an unknown (deviceType, Kind) pair at construction time is a
// FatalConfigError, per §4.2's "unknown device type" failure mode.
func New(configs []DeviceConfig, factories map[string]map[driver.Kind]DriverFactory, caps map[string]capability.Capabilities) (*Registry, error) {
	r := &Registry{
		devices:   map[string]*Device{},
		factories: factories,
	}

	for _, cfg := range configs {
		cap, ok := caps[cfg.DeviceType]
		if !ok {
			return nil, errs.NewFatalConfigError(errs.Context{Source: "registry", Host: cfg.Host},
				fmt.Errorf("unknown device type %q", cfg.DeviceType))
		}
		factory, err := r.factoryFor(cfg.DeviceType, cfg.DriverKind)
		if err != nil {
			return nil, errs.NewFatalConfigError(errs.Context{Source: "registry", Host: cfg.Host}, err)
		}
		drv, err := factory(cfg, cap)
		if err != nil {
			return nil, errs.NewFatalConfigError(errs.Context{Source: "registry", Host: cfg.Host}, err)
		}

		dev := &Device{
			Host:         cfg.Host,
			DisplayName:  cfg.DisplayName,
			DeviceType:   cfg.DeviceType,
			Capabilities: cap,
		}
		dev.setDriver(drv, cfg.DriverKind)
		r.devices[cfg.Host] = dev
	}

	return r, nil
}

// SetControl wires the scheduler after both Registry and Manager have
// been constructed, breaking the otherwise-circular initialization
// order between the two packages.
func (r *Registry) SetControl(control SchedulerControl) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.control = control
}

func (r *Registry) factoryFor(deviceType string, kind driver.Kind) (DriverFactory, error) {
	byKind, ok := r.factories[deviceType]
	if !ok {
		return nil, fmt.Errorf("no driver factories registered for device type %q", deviceType)
	}
	factory, ok := byKind[kind]
	if !ok {
		return nil, fmt.Errorf("device type %q has no %q driver factory", deviceType, kind)
	}
	return factory, nil
}

// Get returns the device registered at host.
func (r *Registry) Get(host string) (*Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[host]
	return d, ok
}

// List returns every configured device.
func (r *Registry) List() []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	return out
}

// SetDriver performs the atomic hot-swap described in §4.2: build the
// new driver from this device's (possibly different) kind, then hand
// it to the scheduler to install under the device lock. The
// scheduler stops the loop, shuts down the old driver, installs the
// new one, and re-arms the active scene, advancing generationId
// exactly once.
func (r *Registry) SetDriver(host string, kind driver.Kind) error {
	r.mu.RLock()
	dev, ok := r.devices[host]
	control := r.control
	r.mu.RUnlock()
	if !ok {
		return errs.NewValidationError(errs.Context{Source: "registry", Host: host}, fmt.Errorf("unknown device %q", host))
	}
	if control == nil {
		return fmt.Errorf("registry: scheduler control not wired")
	}

	factory, err := r.factoryFor(dev.DeviceType, kind)
	if err != nil {
		return errs.NewValidationError(errs.Context{Source: "registry", Host: host}, err)
	}
	cfg := DeviceConfig{Host: dev.Host, DisplayName: dev.DisplayName, DeviceType: dev.DeviceType, DriverKind: kind}
	newDrv, err := factory(cfg, dev.Capabilities)
	if err != nil {
		return errs.NewValidationError(errs.Context{Source: "registry", Host: host}, err)
	}

	return control.HotSwapDriver(host, newDrv, kind)
}

// InstallDriver is called by the scheduler's actor goroutine, after
// it has bumped the device's generation, to complete a hot-swap. A
// render started before the swap may still be running against the old
// driver; its result is discarded as stale.
func (d *Device) InstallDriver(drv driver.Driver, kind driver.Kind) {
	d.setDriver(drv, kind)
}
