// Package router implements the Command Router (§4.6): it accepts
// raw commands from transport adapters (MQTT topic tree, HTTP
// handlers), parses and validates them into the scheduler's typed
// Command values, resolves the target device via the Registry, and
// hands off to that device's mailbox. The router never touches a
// driver or scene API directly — every effect flows through
// scheduler.Manager.Enqueue, the same discipline the teacher's
// command-router equivalent (etchsketch's Manager, see
// HandleDeviceUpdates) applies: decode, validate, delegate, wrap
// every failure with the originating device in its error.
package router

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/pixoo-fleet/pixoo-daemon/internal/driver"
	"github.com/pixoo-fleet/pixoo-daemon/internal/errs"
	"github.com/pixoo-fleet/pixoo-daemon/internal/registry"
	"github.com/pixoo-fleet/pixoo-daemon/internal/scheduler"
	"github.com/pixoo-fleet/pixoo-daemon/internal/statestore"
)

// Router is stateless aside from subscription bookkeeping (§4.6) and
// the per-device command rate limiter: it holds references to the
// Registry, Manager, and State Store it dispatches into, but carries
// no per-command state of its own.
type Router struct {
	topicBase string
	reg       *registry.Registry
	mgr       *scheduler.Manager
	store     *statestore.Store
	log       logrus.FieldLogger
	limiters  *hostLimiters
}

// New builds a Router. topicBase is the MQTT topic prefix (default
// "/home/pixoo", configurable per §6). Mutating commands are throttled
// per device at commandRateLimit events/sec with a burst of
// commandRateBurst, grounded on the teacher's
// pkg/ratelimiter.DefaultControllerRateLimiter (a golang.org/x/time/rate
// token bucket guarding retry/request volume) — here guarding a
// single device's mailbox from a flapping sensor or buggy automation
// spamming switch commands, not retry backoff.
func New(topicBase string, reg *registry.Registry, mgr *scheduler.Manager, store *statestore.Store, log logrus.FieldLogger) *Router {
	return &Router{
		topicBase: strings.TrimSuffix(topicBase, "/"), reg: reg, mgr: mgr, store: store, log: log,
		limiters: newHostLimiters(commandRateLimit, commandRateBurst),
	}
}

type sceneSwitchPayload struct {
	Scene string                 `json:"scene"`
	Clear bool                   `json:"clear"`
	Extra map[string]interface{} `json:"-"`
}

// UnmarshalJSON captures unknown keys into Extra as scene parameters,
// per §6's `{ scene, clear?:bool, ...sceneParams }` shape.
func (p *sceneSwitchPayload) UnmarshalJSON(data []byte) error {
	type alias sceneSwitchPayload
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	delete(raw, "scene")
	delete(raw, "clear")
	a.Extra = raw
	*p = sceneSwitchPayload(a)
	return nil
}

type driverSwitchPayload struct {
	Driver string `json:"driver"`
}

type powerPayload struct {
	On bool `json:"on"`
}

type brightnessPayload struct {
	Brightness int `json:"brightness"`
}

type stateUpdatePayload struct {
	DeviceIP  string      `json:"deviceIp"`
	SceneName string      `json:"sceneName"`
	StateKey  string      `json:"stateKey"`
	Value     interface{} `json:"value"`
}

// HandleMQTT parses topic per the tree in §6 and dispatches payload.
// Invalid topics are dropped with a warning; unknown devices are
// logged as a warning (MQTT has no caller to return an error to).
func (r *Router) HandleMQTT(topic string, payload []byte) {
	rest := strings.TrimPrefix(topic, r.topicBase+"/")
	if rest == topic {
		r.log.WithField("topic", topic).Warn("router: topic outside configured base, dropped")
		return
	}
	segments := strings.Split(rest, "/")

	if len(segments) == 2 && segments[0] == "state" && segments[1] == "update" {
		r.handleStateUpdate(payload)
		return
	}
	if len(segments) < 2 {
		r.log.WithField("topic", topic).Warn("router: malformed topic, dropped")
		return
	}

	host := segments[0]
	if _, ok := r.reg.Get(host); !ok {
		r.log.WithField("host", host).WithField("topic", topic).Warn("router: unknown device, dropped")
		return
	}
	if !r.limiters.Allow(host) {
		r.log.WithField("host", host).WithField("topic", topic).Warn("router: command rate limit exceeded, dropped")
		return
	}

	rest2 := strings.Join(segments[1:], "/")
	cmd, err := r.parse(host, rest2, payload)
	if err != nil {
		r.log.WithError(err).WithField("host", host).WithField("topic", topic).Warn("router: invalid command, dropped")
		return
	}
	if cmd == nil {
		return
	}
	if err := r.mgr.Enqueue(host, cmd); err != nil {
		r.log.WithError(err).WithField("host", host).Warn("router: dispatch failed")
	}
}

// parse turns a (host, sub-topic, payload) triple into a scheduler
// Command, or an error for an unrecognized/invalid combination. It is
// also used directly by the HTTP handlers (§6), which share the same
// payload shapes as the MQTT topic tree.
func (r *Router) parse(host, subTopic string, payload []byte) (scheduler.Command, error) {
	switch subTopic {
	case "scene/switch":
		var p sceneSwitchPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, errs.NewValidationError(errs.Context{Source: "router", Host: host}, fmt.Errorf("scene/switch: %w", err))
		}
		if p.Scene == "" {
			return nil, errs.NewValidationError(errs.Context{Source: "router", Host: host}, fmt.Errorf("scene/switch: missing scene"))
		}
		return scheduler.SwitchCommand{Scene: p.Scene, Payload: p.Extra, Clear: p.Clear}, nil

	case "scene/pause":
		return scheduler.PauseCommand{}, nil
	case "scene/resume":
		return scheduler.ResumeCommand{}, nil
	case "scene/stop":
		return scheduler.StopCommand{}, nil
	case "scene/restart":
		return scheduler.RestartCommand{}, nil

	case "driver/switch":
		var p driverSwitchPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, errs.NewValidationError(errs.Context{Source: "router", Host: host}, fmt.Errorf("driver/switch: %w", err))
		}
		kind, err := parseDriverKind(p.Driver)
		if err != nil {
			return nil, errs.NewValidationError(errs.Context{Source: "router", Host: host}, err)
		}
		// Driver hot-swap is a Registry operation (it builds the new
		// driver instance), not a scheduler Command; dispatch it
		// directly and return nil so the caller does not also enqueue.
		if err := r.reg.SetDriver(host, kind); err != nil {
			return nil, err
		}
		return nil, nil

	case "device/reset":
		return scheduler.ResetCommand{}, nil

	case "display/power":
		var p powerPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, errs.NewValidationError(errs.Context{Source: "router", Host: host}, fmt.Errorf("display/power: %w", err))
		}
		return scheduler.SetPowerCommand{On: p.On}, nil

	case "display/brightness":
		var p brightnessPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, errs.NewValidationError(errs.Context{Source: "router", Host: host}, fmt.Errorf("display/brightness: %w", err))
		}
		if p.Brightness < 0 || p.Brightness > 100 {
			return nil, errs.NewValidationError(errs.Context{Source: "router", Host: host}, fmt.Errorf("display/brightness: %d out of range 0..100", p.Brightness))
		}
		return scheduler.SetBrightnessCommand{Level: p.Brightness}, nil

	default:
		return nil, fmt.Errorf("router: unrecognized command topic %q", subTopic)
	}
}

func (r *Router) handleStateUpdate(payload []byte) {
	var p stateUpdatePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		r.log.WithError(err).Warn("router: malformed state/update payload, dropped")
		return
	}
	if p.DeviceIP == "" || p.SceneName == "" || p.StateKey == "" {
		r.log.Warn("router: state/update missing required fields, dropped")
		return
	}
	path := statestore.Path("scene." + p.DeviceIP + "." + p.SceneName + ".data." + p.StateKey)
	if err := r.store.Set(path, p.Value); err != nil {
		r.log.WithError(err).Warn("router: state/update failed to apply")
	}
}

func parseDriverKind(s string) (driver.Kind, error) {
	switch s {
	case "real", "real-http":
		return driver.KindRealHTTP, nil
	case "real-mqtt":
		return driver.KindRealMQTT, nil
	case "mock":
		return driver.KindMock, nil
	default:
		return "", fmt.Errorf("unknown driver kind %q", s)
	}
}

// Dispatch is the HTTP-side entry point: it shares parse's payload
// shapes but returns the error directly (so a handler can translate
// it into a 4xx) instead of only logging it.
func (r *Router) Dispatch(host, commandTopic string, payload []byte) error {
	if _, ok := r.reg.Get(host); !ok {
		return errs.NewValidationError(errs.Context{Source: "router", Host: host}, fmt.Errorf("unknown device %q", host))
	}
	if !r.limiters.Allow(host) {
		return errs.NewTransportError(errs.Context{Source: "router", Host: host}, fmt.Errorf("command rate limit exceeded for device %q", host))
	}
	cmd, err := r.parse(host, commandTopic, payload)
	if err != nil {
		return err
	}
	if cmd == nil {
		return nil
	}
	return r.mgr.Enqueue(host, cmd)
}
