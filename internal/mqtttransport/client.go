// Package mqtttransport wraps github.com/eclipse/paho.mqtt.golang
// behind a narrow, injectable interface. The MQTT client is a shared
// resource across every device (§5): one physical connection, fanned
// out to per-device drivers and the Observability Publisher. Treating
// it as an injectable transport (per spec.md §1's "MQTT wire client
// itself (treated as an injectable transport)") lets tests substitute
// a fake without standing up a broker.
package mqtttransport

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
)

// Client is the subset of paho's Client this daemon depends on.
// Publish/Subscribe must be safe for concurrent use and non-blocking
// from the caller's perspective beyond the WaitTimeout below.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error
	Connected() bool
	Disconnect()
}

const publishTimeout = 5 * time.Second

// pahoClient adapts mqtt.Client to Client.
type pahoClient struct {
	inner mqtt.Client
	log   logrus.FieldLogger
}

// Options configures the underlying paho connection.
type Options struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
}

// New dials brokerURL and returns a connected Client. The paho
// client's internal diagnostic logger is wired to a zap logger kept
// separate from the application's logrus output, mirroring the
// teacher's layering of a low-level diagnostic logger underneath its
// own events.Recorder.
func New(opts Options, log logrus.FieldLogger) (Client, error) {
	zapLogger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("mqtttransport: building diagnostic logger: %w", err)
	}
	sugar := zapLogger.Sugar()

	mqttOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true)
	if opts.Username != "" {
		mqttOpts.SetUsername(opts.Username)
		mqttOpts.SetPassword(opts.Password)
	}
	mqttOpts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		sugar.Errorw("mqtt connection lost", "error", err)
		log.WithError(err).Warn("mqtt connection lost, auto-reconnect engaged")
	})

	inner := mqtt.NewClient(mqttOpts)
	token := inner.Connect()
	if !token.WaitTimeout(publishTimeout) {
		return nil, fmt.Errorf("mqtttransport: timed out connecting to %s", opts.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtttransport: connecting to %s: %w", opts.BrokerURL, err)
	}

	return &pahoClient{inner: inner, log: log}, nil
}

func (c *pahoClient) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := c.inner.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtttransport: publish to %s timed out", topic)
	}
	return token.Error()
}

func (c *pahoClient) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	token := c.inner.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtttransport: subscribe to %s timed out", topic)
	}
	return token.Error()
}

func (c *pahoClient) Connected() bool { return c.inner.IsConnected() }

func (c *pahoClient) Disconnect() { c.inner.Disconnect(250) }
