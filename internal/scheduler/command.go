package scheduler

import "github.com/pixoo-fleet/pixoo-daemon/internal/driver"

// Command is a typed message accepted by a device's mailbox. Commands
// are processed strictly FIFO by the device's single actor goroutine
// (§4.5).
type Command interface {
	commandName() string
}

// SwitchCommand activates a scene. Internal is set by the watchdog's
// fallback-scene action; the actor does not read it, so it has no
// effect on the switch or on the published Transition.
type SwitchCommand struct {
	Scene    string
	Payload  map[string]interface{}
	Clear    bool
	Internal bool
}

func (SwitchCommand) commandName() string { return "switch" }

// PauseCommand freezes the render loop between ticks.
type PauseCommand struct{}

func (PauseCommand) commandName() string { return "pause" }

// ResumeCommand wakes a paused loop without bumping generationId.
type ResumeCommand struct{}

func (ResumeCommand) commandName() string { return "resume" }

// StopCommand clears the display and idles the device.
type StopCommand struct{}

func (StopCommand) commandName() string { return "stop" }

// RestartCommand re-switches to the active scene with clear=true.
type RestartCommand struct{}

func (RestartCommand) commandName() string { return "restart" }

// SetBrightnessCommand sets display brightness, 0..100.
type SetBrightnessCommand struct {
	Level int
}

func (SetBrightnessCommand) commandName() string { return "set-brightness" }

// SetPowerCommand toggles display power.
type SetPowerCommand struct {
	On bool
}

func (SetPowerCommand) commandName() string { return "set-power" }

// ResetCommand is equivalent to Stop followed by re-arming the active
// scene from scratch; used by the Watchdog's restart action.
type ResetCommand struct{}

func (ResetCommand) commandName() string { return "reset" }

// ShutdownCommand drains and terminates the actor. Done, if non-nil,
// is closed once shutdown (cleanup + driver.Shutdown) completes.
type ShutdownCommand struct {
	Done chan struct{}
}

func (ShutdownCommand) commandName() string { return "shutdown" }

// hotSwapCommand is enqueued by the Registry (through Manager) to
// install a new driver without losing DeviceRuntimeState. It is not
// part of the public command surface — callers use
// Manager.HotSwapDriver, which builds and enqueues it.
type hotSwapCommand struct {
	driver driver.Driver
	kind   driver.Kind
	done   chan struct{}
}

func (hotSwapCommand) commandName() string { return "hot-swap" }
