// Package metrics exposes the counters described in §4.8 (driver
// push/error/skip accounting, frametime) and the scheduler's
// generation/status surface as Prometheus collectors. The shape —
// package-level collector vars, a `registerables` slice, and a
// `Register` function returning a struct of bound closures — follows
// the teacher's pkg/healthmonitor/metrics.go, swapping
// k8s.io/component-base/metrics for github.com/prometheus/client_golang
// directly since this daemon has no apiserver metrics registry to
// plug into.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	framesPushedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixoo_frames_pushed_total",
			Help: "Total frames successfully pushed to a device.",
		},
		[]string{"host", "scene"},
	)

	frameErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixoo_frame_errors_total",
			Help: "Total frame push or render failures.",
		},
		[]string{"host", "scene"},
	)

	framesSkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixoo_frames_skipped_total",
			Help: "Total stale-generation render results discarded without reaching the device.",
		},
		[]string{"host", "scene"},
	)

	frametimeMS = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pixoo_frametime_milliseconds",
			Help: "Most recent measured frametime per device.",
		},
		[]string{"host"},
	)

	generationID = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pixoo_scheduler_generation_id",
			Help: "Current generation id per device; must be non-decreasing for any device.",
		},
		[]string{"host"},
	)

	deviceHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pixoo_device_healthy",
			Help: "1 if the device's most recent state transition carried no error, else 0.",
		},
		[]string{"host"},
	)

	registerables = []prometheus.Collector{
		framesPushedTotal,
		frameErrorsTotal,
		framesSkippedTotal,
		frametimeMS,
		generationID,
		deviceHealthy,
	}
)

// Metrics is a set of bound closures handed to every component that
// needs to record a sample, mirroring the teacher's pattern of
// exporting a struct of functions rather than the raw collector vars
// so callers can't accidentally register a collector twice.
type Metrics struct {
	RecordFramePushed  func(host, scene string)
	RecordFrameError   func(host, scene string)
	RecordFrameSkipped func(host, scene string)
	ObserveFrametime   func(host string, d time.Duration)
	SetGenerationID    func(host string, gen uint64)
	SetDeviceHealthy   func(host string, healthy bool)
}

// Register registers every collector above with reg and returns the
// bound-closure surface. Calling it twice on different Registry
// instances is safe (tests construct a fresh *prometheus.Registry per
// case); registering twice on the *same* Registry panics, exactly as
// the underlying client_golang API does.
func Register(reg *prometheus.Registry) *Metrics {
	for _, c := range registerables {
		reg.MustRegister(c)
	}
	return &Metrics{
		RecordFramePushed: func(host, scene string) {
			framesPushedTotal.WithLabelValues(host, scene).Inc()
		},
		RecordFrameError: func(host, scene string) {
			frameErrorsTotal.WithLabelValues(host, scene).Inc()
		},
		RecordFrameSkipped: func(host, scene string) {
			framesSkippedTotal.WithLabelValues(host, scene).Inc()
		},
		ObserveFrametime: func(host string, d time.Duration) {
			frametimeMS.WithLabelValues(host).Set(float64(d.Milliseconds()))
		},
		SetGenerationID: func(host string, gen uint64) {
			generationID.WithLabelValues(host).Set(float64(gen))
		},
		SetDeviceHealthy: func(host string, healthy bool) {
			v := 0.0
			if healthy {
				v = 1.0
			}
			deviceHealthy.WithLabelValues(host).Set(v)
		},
	}
}

// Noop returns a Metrics whose closures discard every sample, for
// tests and code paths that run before the registry is wired.
func Noop() *Metrics {
	return &Metrics{
		RecordFramePushed:  func(string, string) {},
		RecordFrameError:   func(string, string) {},
		RecordFrameSkipped: func(string, string) {},
		ObserveFrametime:   func(string, time.Duration) {},
		SetGenerationID:    func(string, uint64) {},
		SetDeviceHealthy:   func(string, bool) {},
	}
}
