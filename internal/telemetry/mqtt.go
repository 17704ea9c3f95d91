package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/ups-emulator/internal/config"
)

type mqttPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

type MQTTSink struct {
	client  mqttPublisher
	topic   string
	timeout time.Duration
	close   func()
}

type voltagePayload struct {
	ADCValue     int     `json:"adc_value"`
	RawVoltage   float64 `json:"raw_voltage"`
	InputVoltage float64 `json:"input_voltage"`
}

// NewMQTTSink connects to the broker but does not fail when it is
// unreachable; paho keeps retrying in the background and publishes fail fast
// until it succeeds.
func NewMQTTSink(cfg config.MQTT) *MQTTSink {
	timeout := time.Duration(cfg.PublishTimeoutMS) * time.Millisecond

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(timeout).
		SetOnConnectHandler(func(mqtt.Client) {
			log.Info().Str("broker", cfg.Broker).Msg("Connected to MQTT broker")
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warn().Err(err).Str("broker", cfg.Broker).Msg("Lost MQTT connection")
		})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		log.Warn().Str("broker", cfg.Broker).Msg("MQTT broker not reachable yet, retrying in background")
	} else if err := token.Error(); err != nil {
		log.Warn().Err(err).Str("broker", cfg.Broker).Msg("MQTT connect failed")
	}

	return &MQTTSink{
		client:  client,
		topic:   cfg.Topic,
		timeout: timeout,
		close:   func() { client.Disconnect(250) },
	}
}

func (s *MQTTSink) Publish(_ context.Context, r Reading) error {
	payload, err := json.Marshal(voltagePayload{
		ADCValue:     r.Raw,
		RawVoltage:   round2(r.RawVoltage),
		InputVoltage: round2(r.Voltage),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal telemetry: %w", err)
	}

	token := s.client.Publish(s.topic, 0, false, payload)
	if !token.WaitTimeout(s.timeout) {
		return fmt.Errorf("mqtt publish to %s timed out after %s", s.topic, s.timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish to %s: %w", s.topic, err)
	}

	log.Debug().Str("topic", s.topic).RawJSON("payload", payload).Msg("Published telemetry")
	return nil
}

func (s *MQTTSink) Close() {
	if s.close != nil {
		s.close()
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
