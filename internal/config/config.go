// Package config loads and validates the daemon's structured
// configuration document (§6) and exposes the pieces the composition
// root needs to build every other component: device configs, MQTT
// broker options, the web control-plane port, and per-device watchdog
// policy. It is decoded with sigs.k8s.io/yaml, grounded on the
// teacher's pkg/assets package (single JSON-tag struct, YAML-or-JSON
// tolerant decode). The HTTP device-list response is built from its
// own view type in internal/httpapi, not from this struct.
package config

import (
	"fmt"
	"os"

	"sigs.k8s.io/yaml"

	"github.com/pixoo-fleet/pixoo-daemon/internal/capability"
	"github.com/pixoo-fleet/pixoo-daemon/internal/cronspec"
	"github.com/pixoo-fleet/pixoo-daemon/internal/driver"
	"github.com/pixoo-fleet/pixoo-daemon/internal/errs"
	"github.com/pixoo-fleet/pixoo-daemon/internal/scene"
)

// WatchdogConfig is the `watchdog` block of one device's config entry.
type WatchdogConfig struct {
	Enabled                    bool               `json:"enabled"`
	HealthCheckIntervalSeconds int                `json:"healthCheckIntervalSeconds"`
	CheckWhenOff               bool               `json:"checkWhenOff"`
	TimeoutMinutes             int                `json:"timeoutMinutes"`
	Action                     string             `json:"action"`
	FallbackScene              string             `json:"fallbackScene,omitempty"`
	MQTTCommandSequence        []MQTTCommandEntry `json:"mqttCommandSequence,omitempty"`
}

// MQTTCommandEntry is one publish step of a "mqtt-command" watchdog action.
type MQTTCommandEntry struct {
	Topic   string `json:"topic"`
	Payload string `json:"payload"`
}

// ScheduleConfig describes a scene's optional activation window
// (§4.5 "Schedule gating"). Weekdays accepts a cron-style day-of-week
// field ("1-5", "MON-FRI", "*"), resolved to a bitmask by
// internal/cronspec using github.com/robfig/cron/v3's field parser —
// a real cron implementation instead of hand-rolled weekday parsing.
type ScheduleConfig struct {
	Weekdays    string `json:"weekdays"`
	StartMinute int    `json:"startMinute"`
	EndMinute   int    `json:"endMinute"`
}

// DeviceEntry is one element of the config document's `devices` list.
type DeviceEntry struct {
	Host        string         `json:"host"`
	DeviceType  string         `json:"deviceType"`
	Driver      string         `json:"driver"`
	DisplayName string         `json:"displayName,omitempty"`
	StartupScene string        `json:"startupScene,omitempty"`
	Brightness  int            `json:"brightness,omitempty"`
	// DisplayOn is the device's configured power state absent any
	// persisted snapshot (§3's DeviceRuntimeState.displayOn); nil
	// defaults to on. A device that was previously persisted powered
	// off comes back off regardless of this field — see
	// cmd/pixoo-daemon/wiring.go's actorConfigsFrom.
	DisplayOn    *bool          `json:"displayOn,omitempty"`
	// LoggingLevel seeds DeviceRuntimeState.loggingLevel (§3) absent a
	// persisted snapshot.
	LoggingLevel string         `json:"loggingLevel,omitempty"`
	Watchdog    WatchdogConfig `json:"watchdog,omitempty"`

	FailureK            int    `json:"failureK,omitempty"`
	FailureWindowSeconds int   `json:"failureWindowSeconds,omitempty"`
	FallbackScene       string `json:"fallbackScene,omitempty"`
}

// MQTTConfig is the `mqtt` block.
type MQTTConfig struct {
	BrokerURL string `json:"brokerUrl"`
	Username  string `json:"username,omitempty"`
	Password  string `json:"password,omitempty"`
	TopicBase string `json:"topicBase"`
}

// WebUIConfig is the `webui` block.
type WebUIConfig struct {
	Port int    `json:"port"`
	Auth string `json:"auth,omitempty"`
}

// PersistenceConfig controls the narrow state snapshot described in §3.
type PersistenceConfig struct {
	Path              string `json:"path,omitempty"`
	DebounceSeconds   int    `json:"debounceSeconds,omitempty"`
}

// Document is the full parsed configuration document (§6).
type Document struct {
	Devices     []DeviceEntry     `json:"devices"`
	MQTT        MQTTConfig        `json:"mqtt"`
	WebUI       WebUIConfig       `json:"webui"`
	Persistence PersistenceConfig `json:"persistence,omitempty"`
	LogLevel    string            `json:"logLevel,omitempty"`
}

// Load reads and parses path. A parse failure or a validation failure
// is returned as a FatalConfigError (§7); the caller aborts startup.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.NewFatalConfigError(errs.Context{Source: "config.Load"}, err)
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errs.NewFatalConfigError(errs.Context{Source: "config.Load"}, fmt.Errorf("parsing %s: %w", path, err))
	}
	doc.applyDefaults()
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (d *Document) applyDefaults() {
	if d.MQTT.TopicBase == "" {
		d.MQTT.TopicBase = "/home/pixoo"
	}
	if d.WebUI.Port == 0 {
		d.WebUI.Port = 10829
	}
	if d.Persistence.DebounceSeconds == 0 {
		d.Persistence.DebounceSeconds = 10
	}
	if d.LogLevel == "" {
		d.LogLevel = "info"
	}
	for i := range d.Devices {
		if d.Devices[i].Driver == "" {
			d.Devices[i].Driver = "mock"
		}
		if d.Devices[i].Brightness == 0 {
			d.Devices[i].Brightness = 100
		}
		if d.Devices[i].DisplayOn == nil {
			on := true
			d.Devices[i].DisplayOn = &on
		}
		if d.Devices[i].LoggingLevel == "" {
			d.Devices[i].LoggingLevel = "info"
		}
	}
}

// Validate checks the document for the FatalConfigError-class
// failures §4.2/§7 name: unknown deviceType is caught later by the
// Registry (it needs the capability table); here we check the
// structural invariants Load alone can see.
func (d *Document) Validate() error {
	seen := map[string]bool{}
	for _, dev := range d.Devices {
		if dev.Host == "" {
			return errs.NewFatalConfigError(errs.Context{Source: "config.Validate"}, fmt.Errorf("device entry missing host"))
		}
		if seen[dev.Host] {
			return errs.NewFatalConfigError(errs.Context{Source: "config.Validate", Host: dev.Host}, fmt.Errorf("duplicate device host %q", dev.Host))
		}
		seen[dev.Host] = true
		if dev.DeviceType == "" {
			return errs.NewFatalConfigError(errs.Context{Source: "config.Validate", Host: dev.Host}, fmt.Errorf("device %q missing deviceType", dev.Host))
		}
		switch dev.Driver {
		case "real", "real-http", "real-mqtt", "mock":
		default:
			return errs.NewFatalConfigError(errs.Context{Source: "config.Validate", Host: dev.Host}, fmt.Errorf("device %q has unknown driver kind %q", dev.Host, dev.Driver))
		}
		if dev.Brightness < 0 || dev.Brightness > 100 {
			return errs.NewFatalConfigError(errs.Context{Source: "config.Validate", Host: dev.Host}, fmt.Errorf("device %q brightness %d out of range", dev.Host, dev.Brightness))
		}
		if dev.Watchdog.Enabled {
			switch dev.Watchdog.Action {
			case "restart", "fallback-scene", "mqtt-command", "notify":
			default:
				return errs.NewFatalConfigError(errs.Context{Source: "config.Validate", Host: dev.Host}, fmt.Errorf("device %q has unknown watchdog action %q", dev.Host, dev.Watchdog.Action))
			}
			if dev.Watchdog.Action == "fallback-scene" && dev.Watchdog.FallbackScene == "" {
				return errs.NewFatalConfigError(errs.Context{Source: "config.Validate", Host: dev.Host}, fmt.Errorf("device %q watchdog action fallback-scene requires fallbackScene", dev.Host))
			}
		}
	}
	if d.MQTT.BrokerURL == "" {
		return errs.NewFatalConfigError(errs.Context{Source: "config.Validate"}, fmt.Errorf("mqtt.brokerUrl is required"))
	}
	if d.WebUI.Port <= 0 || d.WebUI.Port > 65535 {
		return errs.NewFatalConfigError(errs.Context{Source: "config.Validate"}, fmt.Errorf("webui.port %d out of range", d.WebUI.Port))
	}
	return nil
}

// DriverKind maps the document's string driver field to the concrete
// driver.Kind enum.
func (e DeviceEntry) DriverKind() driver.Kind {
	switch e.Driver {
	case "real", "real-http":
		return driver.KindRealHTTP
	case "real-mqtt":
		return driver.KindRealMQTT
	default:
		return driver.KindMock
	}
}

// ScheduleWindow converts a ScheduleConfig into the runtime
// scene.ScheduleWindow, resolving the weekday field via cronspec.
func (s ScheduleConfig) ScheduleWindow() (*scene.ScheduleWindow, error) {
	if s.Weekdays == "" {
		return nil, nil
	}
	mask, err := cronspec.WeekdayMask(s.Weekdays)
	if err != nil {
		return nil, fmt.Errorf("config: parsing schedule weekdays %q: %w", s.Weekdays, err)
	}
	return &scene.ScheduleWindow{WeekdayMask: mask, StartMinute: s.StartMinute, EndMinute: s.EndMinute}, nil
}

// CapabilityTable is supplied by the composition root (it is not part
// of the config document — capabilities are a property of a
// deviceType, not something an operator edits per device) so Load
// never needs to import internal/capability's construction details
// beyond the type itself.
type CapabilityTable map[string]capability.Capabilities

// BuiltinCapabilities describes the two reference device families
// named in spec.md §1: a 64x64 HTTP-controlled panel and a 32x8
// MQTT-controlled clock. The composition root uses this table as-is;
// no other deviceType entries are loaded.
func BuiltinCapabilities() CapabilityTable {
	return CapabilityTable{
		"pixoo64": {
			Width: 64, Height: 64, ColorDepth: 24,
			HasAudio: true, HasTextRendering: true, HasPrimitiveDrawing: true,
			HasIconSupport: true, HasBrightnessControl: true,
			MinBrightness: 0, MaxBrightness: 100, MaxFPS: 30,
		},
		"clock32x8": {
			Width: 32, Height: 8, ColorDepth: 24,
			HasAudio: false, HasTextRendering: false, HasPrimitiveDrawing: true,
			HasIconSupport: false, HasBrightnessControl: true,
			MinBrightness: 10, MaxBrightness: 100, MaxFPS: 5,
		},
	}
}
