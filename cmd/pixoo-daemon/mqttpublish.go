package main

import (
	"encoding/json"

	"github.com/sirupsen/logrus"

	"github.com/pixoo-fleet/pixoo-daemon/internal/events"
	"github.com/pixoo-fleet/pixoo-daemon/internal/mqtttransport"
	"github.com/pixoo-fleet/pixoo-daemon/internal/observability"
)

// wireMQTTPublisher subscribes to every Transition and MetricsTick the
// Observability Publisher emits and republishes them on the MQTT topic
// tree described in spec.md §6: a transition lands on
// "<topicBase>/<host>/scene/state" and a successful-push metrics tick
// lands on "<topicBase>/<host>/ok". Publishing runs on the
// subscriber's own goroutine (per observability.Publisher's
// drop-oldest queue), so a slow or disconnected broker never stalls a
// device's scheduler.
func wireMQTTPublisher(pub *observability.Publisher, client mqtttransport.Client, topicBase string, log logrus.FieldLogger) func() {
	return pub.Subscribe(
		func(t events.Transition) {
			data, err := json.Marshal(t)
			if err != nil {
				log.WithError(err).Warn("mqttpublish: failed to marshal transition")
				return
			}
			topic := topicBase + "/" + t.Host + "/scene/state"
			if err := client.Publish(topic, 0, true, data); err != nil {
				log.WithError(err).WithField("topic", topic).Debug("mqttpublish: publish failed")
			}
		},
		func(m events.MetricsTick) {
			data, err := json.Marshal(m)
			if err != nil {
				log.WithError(err).Warn("mqttpublish: failed to marshal metrics tick")
				return
			}
			topic := topicBase + "/" + m.Host + "/ok"
			if err := client.Publish(topic, 0, false, data); err != nil {
				log.WithError(err).WithField("topic", topic).Debug("mqttpublish: publish failed")
			}
		},
	)
}
