package telemetry

import (
	"context"
	"errors"
	"fmt"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/ups-emulator/internal/config"
)

type gauger interface {
	Gauge(name string, value float64, tags []string, rate float64) error
	Close() error
}

// DatadogSink emits the reading as DogStatsD gauges. UDP sends do not block.
type DatadogSink struct {
	client gauger
}

func NewDatadogSink(cfg config.Datadog) (*DatadogSink, error) {
	client, err := statsd.New(cfg.AgentAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create DogStatsD client: %w", err)
	}

	client.Namespace = cfg.Namespace
	client.Tags = cfg.Tags

	log.Info().
		Str("addr", cfg.AgentAddr).
		Str("namespace", cfg.Namespace).
		Strs("tags", cfg.Tags).
		Msg("Datadog metrics initialized")

	return &DatadogSink{client: client}, nil
}

func (s *DatadogSink) Publish(_ context.Context, r Reading) error {
	tags := []string{"state:" + r.State.String()}

	var errs []error
	gauge := func(name string, value float64) {
		if err := s.client.Gauge(name, value, tags, 1); err != nil {
			errs = append(errs, fmt.Errorf("gauge %s: %w", name, err))
		}
	}

	gauge("battery.voltage", r.Voltage)
	gauge("battery.raw_voltage", r.RawVoltage)
	gauge("battery.charge", float64(r.Percent))
	gauge("adc.raw", float64(r.Raw))

	return errors.Join(errs...)
}

func (s *DatadogSink) Close() {
	if err := s.client.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close DogStatsD client")
	}
}
