package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pixoo-fleet/pixoo-daemon/internal/capability"
	"github.com/pixoo-fleet/pixoo-daemon/internal/errs"
	"github.com/pixoo-fleet/pixoo-daemon/internal/mqtttransport"
)

// mqttFramePayload is the wire format published to an MQTT-JSON clock.
type mqttFramePayload struct {
	Width  int     `json:"width"`
	Height int     `json:"height"`
	Pixels [][]int `json:"pixels"`
	Seq    uint64  `json:"seq"`
}

// MQTT is a driver for 32x8-class clocks controlled entirely over
// MQTT: a frame is published retained to "<topic>/frame", and
// liveness is inferred from the broker accepting the publish rather
// than a dedicated request/response probe (the device has no
// synchronous transport to answer one).
type MQTT struct {
	mu      sync.Mutex
	caps    capability.Capabilities
	buf     *frameBuffer
	ready   bool
	metrics Metrics
	seq     uint64

	client mqtttransport.Client
	topic  string
}

// NewMQTT returns an MQTT driver publishing frames under topic
// (e.g. "/home/pixoo/192.168.1.40"; Push appends "/frame") via the
// shared client.
func NewMQTT(client mqtttransport.Client, topic string, caps capability.Capabilities) *MQTT {
	return &MQTT{
		client: client,
		topic:  topic,
		caps:   caps,
		buf:    newFrameBuffer(caps.Width, caps.Height),
	}
}

func (d *MQTT) Initialize(ctx context.Context) error {
	d.mu.Lock()
	d.ready = d.client.Connected()
	d.mu.Unlock()
	if !d.ready {
		return errs.NewTransportError(errs.Context{Source: "mqtt.Initialize"}, fmt.Errorf("mqtt client not connected"))
	}
	return nil
}

func (d *MQTT) IsReady() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ready
}

func (d *MQTT) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.ready = false
	d.mu.Unlock()
	return nil
}

func (d *MQTT) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buf.clear()
}

func (d *MQTT) Push(ctx context.Context) (time.Duration, error) {
	d.mu.Lock()
	d.seq++
	payload := mqttFramePayload{
		Width:  d.buf.width,
		Height: d.buf.height,
		Seq:    d.seq,
	}
	payload.Pixels = make([][]int, len(d.buf.pixels))
	for i, p := range d.buf.pixels {
		payload.Pixels[i] = []int{int(p.R), int(p.G), int(p.B), int(p.A)}
	}
	d.mu.Unlock()

	t0 := time.Now()
	data, err := json.Marshal(payload)
	if err != nil {
		d.metrics.recordError()
		return 0, errs.NewTransportError(errs.Context{Source: "mqtt.Push"}, err)
	}

	if err := d.client.Publish(d.topic+"/frame", 0, true, data); err != nil {
		d.metrics.recordError()
		return 0, errs.NewTransportError(errs.Context{Source: "mqtt.Push"}, err)
	}

	frametime := time.Since(t0)
	now := time.Now()
	d.metrics.recordPush(frametime, now)
	return frametime, nil
}

func (d *MQTT) DrawPixel(p Point, c RGBA) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buf.set(p, c)
}

func (d *MQTT) DrawLine(p0, p1 Point, c RGBA) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buf.line(p0, p1, c)
}

func (d *MQTT) FillRect(topLeft, bottomRight Point, c RGBA) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buf.fillRect(topLeft, bottomRight, c)
}

func (d *MQTT) DrawText(text string, at Point, c RGBA, align Align) error {
	if !d.caps.HasTextRendering {
		return errs.NewCapabilityError(errs.Context{Source: "mqtt.DrawText"}, errs.ErrNotSupported)
	}
	return nil
}

func (d *MQTT) SetBrightness(ctx context.Context, level int) error {
	if !d.caps.HasBrightnessControl {
		return errs.NewCapabilityError(errs.Context{Source: "mqtt.SetBrightness"}, errs.ErrNotSupported)
	}
	data, _ := json.Marshal(map[string]int{"brightness": level})
	if err := d.client.Publish(d.topic+"/brightness", 0, true, data); err != nil {
		return errs.NewTransportError(errs.Context{Source: "mqtt.SetBrightness"}, err)
	}
	return nil
}

func (d *MQTT) SetDisplayPower(ctx context.Context, on bool) error {
	data, _ := json.Marshal(map[string]bool{"on": on})
	if err := d.client.Publish(d.topic+"/power", 0, true, data); err != nil {
		return errs.NewTransportError(errs.Context{Source: "mqtt.SetDisplayPower"}, err)
	}
	return nil
}

func (d *MQTT) PlayTone(ctx context.Context, freqHz int, durationMS int) error {
	return errs.NewCapabilityError(errs.Context{Source: "mqtt.PlayTone"}, errs.ErrNotSupported)
}

func (d *MQTT) ShowIcon(ctx context.Context, id string) error {
	if !d.caps.HasIconSupport {
		return errs.NewCapabilityError(errs.Context{Source: "mqtt.ShowIcon"}, errs.ErrNotSupported)
	}
	data, _ := json.Marshal(map[string]string{"id": id})
	if err := d.client.Publish(d.topic+"/icon", 0, false, data); err != nil {
		return errs.NewTransportError(errs.Context{Source: "mqtt.ShowIcon"}, err)
	}
	return nil
}

// HealthCheck for an MQTT-only device is a best-effort publish to a
// non-retained ping subtopic; there is no synchronous transport to block
// on, so success means "the broker accepted the publish", not "the
// physical device acknowledged it".
func (d *MQTT) HealthCheck(ctx context.Context) HealthResult {
	t0 := time.Now()
	if !d.client.Connected() {
		return HealthResult{OK: false, Err: fmt.Errorf("mqtt client not connected")}
	}
	if err := d.client.Publish(d.topic+"/ping", 0, false, []byte("1")); err != nil {
		return HealthResult{OK: false, Err: err}
	}
	latency := time.Since(t0)
	d.metrics.recordSeen(time.Now())
	return HealthResult{OK: true, LatencyMS: latency.Milliseconds()}
}

func (d *MQTT) Metrics() *Metrics { return &d.metrics }

func (d *MQTT) Capabilities() capability.Capabilities { return d.caps }

var _ Driver = (*MQTT)(nil)
