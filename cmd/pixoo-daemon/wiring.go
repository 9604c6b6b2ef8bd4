package main

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pixoo-fleet/pixoo-daemon/internal/capability"
	"github.com/pixoo-fleet/pixoo-daemon/internal/config"
	"github.com/pixoo-fleet/pixoo-daemon/internal/driver"
	"github.com/pixoo-fleet/pixoo-daemon/internal/mqtttransport"
	"github.com/pixoo-fleet/pixoo-daemon/internal/registry"
	"github.com/pixoo-fleet/pixoo-daemon/internal/scheduler"
	"github.com/pixoo-fleet/pixoo-daemon/internal/statestore"
	"github.com/pixoo-fleet/pixoo-daemon/internal/watchdog"
)

const driverHTTPTimeout = 5 * time.Second

// buildFactories returns a DriverFactory for every Kind, for each
// deviceType the config document uses. Every kind's construction logic is
// device-type-agnostic — it only needs the device's host and
// capability record — so the same three closures are installed for
// every deviceType present, per registry.New's contract.
func buildFactories(doc *config.Document, caps config.CapabilityTable, mqttClient mqtttransport.Client) map[string]map[driver.Kind]registry.DriverFactory {
	out := map[string]map[driver.Kind]registry.DriverFactory{}
	seen := map[string]bool{}
	for _, dev := range doc.Devices {
		if seen[dev.DeviceType] {
			continue
		}
		seen[dev.DeviceType] = true
		out[dev.DeviceType] = map[driver.Kind]registry.DriverFactory{
			driver.KindMock: func(cfg registry.DeviceConfig, caps capability.Capabilities) (driver.Driver, error) {
				return driver.NewMock(caps), nil
			},
			driver.KindRealHTTP: func(cfg registry.DeviceConfig, caps capability.Capabilities) (driver.Driver, error) {
				return driver.NewHTTP("http://"+cfg.Host, caps, driverHTTPTimeout), nil
			},
			driver.KindRealMQTT: func(cfg registry.DeviceConfig, caps capability.Capabilities) (driver.Driver, error) {
				topic := doc.MQTT.TopicBase + "/" + cfg.Host
				return driver.NewMQTT(mqttClient, topic, caps), nil
			},
		}
	}
	return out
}

func deviceConfigsFrom(doc *config.Document) []registry.DeviceConfig {
	out := make([]registry.DeviceConfig, 0, len(doc.Devices))
	for _, d := range doc.Devices {
		out = append(out, registry.DeviceConfig{
			Host:        d.Host,
			DisplayName: d.DisplayName,
			DeviceType:  d.DeviceType,
			DriverKind:  d.DriverKind(),
		})
	}
	return out
}

// actorConfigsFrom builds one ActorConfig per configured device,
// overriding the config document's startup defaults with whatever was
// persisted for that host (§3's "Persisted state layout") the same
// way StartupScene is already overridden by a restored activeScene —
// so a device that was powered off, dimmed, or paused before a
// restart comes back the way it left off instead of back to its
// config-document defaults.
func actorConfigsFrom(doc *config.Document, persisted map[string]statestore.DeviceSnapshot, buildVersion, buildNumber, gitCommit string) map[string]scheduler.ActorConfig {
	out := map[string]scheduler.ActorConfig{}
	for _, d := range doc.Devices {
		startup := d.StartupScene
		brightness := d.Brightness
		displayOn := true
		if d.DisplayOn != nil {
			displayOn = *d.DisplayOn
		}
		loggingLevel := d.LoggingLevel
		var playState scheduler.PlayState

		if snap, ok := persisted[d.Host]; ok {
			if snap.ActiveScene != "" {
				startup = snap.ActiveScene
			}
			brightness = snap.Brightness
			displayOn = snap.DisplayOn
			if snap.LoggingLevel != "" {
				loggingLevel = snap.LoggingLevel
			}
			playState = scheduler.PlayState(snap.PlayState)
		}

		failureK := d.FailureK
		if failureK <= 0 {
			failureK = 5
		}
		failureW := d.FailureWindowSeconds
		if failureW <= 0 {
			failureW = 60
		}
		out[d.Host] = scheduler.ActorConfig{
			Host:                d.Host,
			DeviceType:          d.DeviceType,
			StartupScene:        startup,
			InitialBrightness:   brightness,
			InitialDisplayOn:    displayOn,
			InitialPlayState:    playState,
			InitialLoggingLevel: loggingLevel,
			FailureK:            failureK,
			FailureW:            time.Duration(failureW) * time.Second,
			FallbackScene:       d.FallbackScene,
			BuildVersion:        buildVersion,
			BuildNumber:         buildNumber,
			GitCommit:           gitCommit,
		}
	}
	return out
}

func watchdogPolicyFrom(d config.DeviceEntry) watchdog.Policy {
	steps := make([]watchdog.MQTTCommandStep, 0, len(d.Watchdog.MQTTCommandSequence))
	for _, s := range d.Watchdog.MQTTCommandSequence {
		steps = append(steps, watchdog.MQTTCommandStep{Topic: s.Topic, Payload: []byte(s.Payload)})
	}
	return watchdog.Policy{
		Host:                       d.Host,
		Enabled:                    d.Watchdog.Enabled,
		HealthCheckIntervalSeconds: d.Watchdog.HealthCheckIntervalSeconds,
		CheckWhenOff:               d.Watchdog.CheckWhenOff,
		TimeoutMinutes:             d.Watchdog.TimeoutMinutes,
		Action:                     watchdog.Action(d.Watchdog.Action),
		FallbackScene:              d.Watchdog.FallbackScene,
		MQTTCommandSequence:        steps,
	}
}

func newLogger(level string) *logrus.Logger {
	log := logrus.New()
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	log.SetFormatter(&logrus.JSONFormatter{})
	return log
}
