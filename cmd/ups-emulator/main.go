package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/ups-emulator/db"
	"github.com/thatsimonsguy/ups-emulator/internal/adc"
	"github.com/thatsimonsguy/ups-emulator/internal/config"
	"github.com/thatsimonsguy/ups-emulator/internal/emulator"
	"github.com/thatsimonsguy/ups-emulator/internal/episodes"
	"github.com/thatsimonsguy/ups-emulator/internal/logging"
	"github.com/thatsimonsguy/ups-emulator/internal/notifications"
	"github.com/thatsimonsguy/ups-emulator/internal/serialline"
	"github.com/thatsimonsguy/ups-emulator/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	logging.Init(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		log.Fatal().Err(err).Bool("invalid_config", config.IsConfigError(err)).Msg("Refusing to start")
	}

	log.Info().
		Str("config_file", cfg.ConfigFile).
		Str("serial_port", cfg.Serial.Port).
		Float64("low_voltage", cfg.Thresholds.LowVoltage).
		Float64("critical_voltage", cfg.Thresholds.CriticalVoltage).
		Int("shutdown_delay", cfg.Thresholds.ShutdownDelaySeconds).
		Msg("Starting UPS emulator")

	if cfg.SimulationMode {
		log.Warn().Msg("SIMULATION MODE ENABLED - always reporting a full battery on mains")
	}

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("UPS emulator failed")
	}
	log.Info().Msg("UPS emulator stopped")
}

func run(cfg config.Config) error {
	source, err := adc.New(cfg.ADC)
	if err != nil {
		return fmt.Errorf("failed to set up ADC: %w", err)
	}

	port, err := serialline.Open(cfg.Serial)
	if err != nil {
		return err
	}
	defer port.Close()

	sink := buildTelemetry(cfg)
	defer sink.Close()

	var dbConn *sql.DB
	if cfg.HistoryDB != "" {
		dbConn, err = db.Open(cfg.HistoryDB)
		if err != nil {
			return fmt.Errorf("failed to open episode history %s: %w", cfg.HistoryDB, err)
		}
		defer dbConn.Close()
	}

	collaborators := emulator.Collaborators{
		Source:    source,
		Lines:     port,
		Out:       port,
		Telemetry: sink,
	}

	recorder, err := buildRecorder(cfg, dbConn)
	if err != nil {
		return err
	}
	if recorder != nil {
		defer recorder.Close()
		collaborators.Observer = recorder
	}

	loop, err := emulator.New(cfg, collaborators)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return loop.Run(ctx)
}

func buildTelemetry(cfg config.Config) telemetry.Sink {
	var sinks telemetry.Multi
	if cfg.MQTT.Enabled {
		sinks = append(sinks, telemetry.NewMQTTSink(cfg.MQTT))
	}
	if cfg.Datadog.Enabled {
		dd, err := telemetry.NewDatadogSink(cfg.Datadog)
		if err != nil {
			log.Warn().Err(err).Msg("Datadog metrics disabled")
		} else {
			sinks = append(sinks, dd)
		}
	}

	if len(sinks) == 0 {
		log.Info().Msg("Telemetry disabled")
		return telemetry.Noop{}
	}
	return sinks
}

// buildRecorder returns nil when neither history nor notifications are
// configured.
func buildRecorder(cfg config.Config, dbConn *sql.DB) (*episodes.Recorder, error) {
	notifier := notifications.New(cfg.Notifications)
	if dbConn == nil && notifier == nil {
		return nil, nil
	}

	// a nil *Notifier must not reach the sender interface
	if notifier == nil {
		return episodes.NewRecorder(dbConn, nil, time.Now())
	}
	return episodes.NewRecorder(dbConn, notifier, time.Now())
}
