package emulator

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/ups-emulator/internal/adc"
	"github.com/thatsimonsguy/ups-emulator/internal/calibration"
	"github.com/thatsimonsguy/ups-emulator/internal/classifier"
	"github.com/thatsimonsguy/ups-emulator/internal/config"
	"github.com/thatsimonsguy/ups-emulator/internal/model"
	"github.com/thatsimonsguy/ups-emulator/internal/protocol"
	"github.com/thatsimonsguy/ups-emulator/internal/telemetry"
)

const statusLogInterval = time.Second

// LineSource yields at most one complete command line per call and never blocks.
type LineSource interface {
	PollLine() (string, bool, error)
}

// EpisodeObserver is told when the battery crosses the low-voltage threshold.
type EpisodeObserver interface {
	OnEnter(at time.Time, voltage float64)
	OnExit(at time.Time, voltage float64)
}

type noopObserver struct{}

func (noopObserver) OnEnter(time.Time, float64) {}
func (noopObserver) OnExit(time.Time, float64)  {}

// Collaborators are the external pieces the loop drives.
type Collaborators struct {
	Source    adc.Source
	Lines     LineSource
	Out       io.Writer
	Telemetry telemetry.Sink
	Observer  EpisodeObserver
}

// Loop owns all mutable emulator state. It is not safe for concurrent use;
// Run is the only intended caller of Tick.
type Loop struct {
	source    adc.Source
	lines     LineSource
	out       io.Writer
	sink      telemetry.Sink
	observer  EpisodeObserver
	responder *protocol.Responder

	params       calibration.Params
	thresholds   model.Thresholds
	defaults     config.StatusDefaults
	simulation   bool
	samplePeriod time.Duration

	hysteresis   model.HysteresisState
	latest       model.StatusSnapshot
	haveSnapshot bool
	telemetryDue telemetry.Throttle
	statusLogDue telemetry.Throttle

	now   func() time.Time
	sleep func(time.Duration)
}

func New(cfg config.Config, c Collaborators) (*Loop, error) {
	if c.Source == nil || c.Lines == nil || c.Out == nil {
		return nil, fmt.Errorf("emulator: sample source, line source and writer are required")
	}

	params, err := calibration.NewParams(cfg.Calibration, cfg.ADC.MaxRaw)
	if err != nil {
		return nil, fmt.Errorf("emulator: %w", err)
	}

	l := &Loop{
		source:    c.Source,
		lines:     c.Lines,
		out:       c.Out,
		sink:      c.Telemetry,
		observer:  c.Observer,
		responder: protocol.NewResponder(cfg.Identity, cfg.Ratings),

		params:       params,
		thresholds:   ThresholdsFromConfig(cfg.Thresholds),
		defaults:     cfg.Defaults,
		simulation:   cfg.SimulationMode,
		samplePeriod: time.Duration(cfg.SamplePeriodMS) * time.Millisecond,

		telemetryDue: telemetry.Throttle{Interval: time.Duration(cfg.TelemetryIntervalSeconds) * time.Second},
		statusLogDue: telemetry.Throttle{Interval: statusLogInterval},

		now:   time.Now,
		sleep: time.Sleep,
	}
	if l.sink == nil {
		l.sink = telemetry.Noop{}
	}
	if l.observer == nil {
		l.observer = noopObserver{}
	}
	return l, nil
}

func ThresholdsFromConfig(t config.Thresholds) model.Thresholds {
	return model.Thresholds{
		LowVoltage:           t.LowVoltage,
		CriticalVoltage:      t.CriticalVoltage,
		FullVoltage:          t.FullVoltage,
		ShutdownDelaySeconds: t.ShutdownDelaySeconds,
	}
}

// Run ticks until ctx is cancelled or the line source fails. The pause between
// iterations is not interruptible; cancellation is noticed at the next
// iteration boundary.
func (l *Loop) Run(ctx context.Context) error {
	log.Info().
		Bool("simulation", l.simulation).
		Dur("sample_period", l.samplePeriod).
		Msg("Sampling loop started")

	for {
		if err := ctx.Err(); err != nil {
			log.Info().Msg("Sampling loop stopped")
			return nil
		}
		if err := l.Tick(ctx, l.now()); err != nil {
			return err
		}
		l.sleep(l.samplePeriod)
	}
}

// Tick runs one iteration: sample, classify, publish telemetry when due and
// answer at most one pending command from this iteration's snapshot. Only a
// failed line source is returned; everything else is logged and retried.
func (l *Loop) Tick(ctx context.Context, now time.Time) error {
	if sample, ok := l.sample(now); ok {
		l.update(ctx, sample)
	}
	return l.serveCommand()
}

func (l *Loop) sample(now time.Time) (model.VoltageSample, bool) {
	raw, err := l.source.ReadRaw()
	if err != nil {
		log.Error().Err(err).Msg("Failed to read ADC")
		return model.VoltageSample{}, false
	}

	rawVoltage, err := calibration.Uncalibrated(raw, l.params)
	if err != nil {
		log.Error().Err(err).Int("raw", raw).Msg("Rejected ADC sample")
		return model.VoltageSample{}, false
	}
	voltage, err := calibration.Calibrate(raw, l.params)
	if err != nil {
		log.Error().Err(err).Int("raw", raw).Msg("Rejected ADC sample")
		return model.VoltageSample{}, false
	}

	return model.VoltageSample{Raw: raw, RawVoltage: rawVoltage, Voltage: voltage, TakenAt: now}, true
}

func (l *Loop) update(ctx context.Context, s model.VoltageSample) {
	episodeStart := l.hysteresis.EpisodeStart
	c, transition := classifier.Classify(s.Voltage, l.thresholds, &l.hysteresis, s.TakenAt)

	switch transition {
	case classifier.TransitionEntered:
		log.Warn().
			Float64("voltage", s.Voltage).
			Float64("threshold", l.thresholds.LowVoltage).
			Msg("Battery voltage below threshold")
		l.observer.OnEnter(s.TakenAt, s.Voltage)
	case classifier.TransitionExited:
		log.Info().
			Float64("voltage", s.Voltage).
			Dur("duration", s.TakenAt.Sub(episodeStart)).
			Msg("Battery voltage restored to normal")
		l.observer.OnExit(s.TakenAt, s.Voltage)
	}

	if l.simulation {
		l.latest = protocol.SimulatedSnapshot(l.defaults)
	} else {
		l.latest = protocol.BuildSnapshot(c, s.Voltage, l.defaults)
	}
	l.latest.TakenAt = s.TakenAt
	l.haveSnapshot = true

	if l.statusLogDue.Due(s.TakenAt) {
		log.Debug().
			Int("adc", s.Raw).
			Float64("raw_voltage", s.RawVoltage).
			Float64("voltage", s.Voltage).
			Str("state", c.State.String()).
			Int("battery_percent", c.BatteryPercent).
			Msg("Battery status")
	}

	if l.telemetryDue.Due(s.TakenAt) {
		r := telemetry.Reading{
			Raw:        s.Raw,
			RawVoltage: s.RawVoltage,
			Voltage:    s.Voltage,
			State:      c.State,
			Percent:    c.BatteryPercent,
			Time:       s.TakenAt,
		}
		if err := l.sink.Publish(ctx, r); err != nil {
			log.Warn().Err(err).Msg("Telemetry publish failed")
		}
	}
}

func (l *Loop) serveCommand() error {
	line, ok, err := l.lines.PollLine()
	if err != nil {
		return fmt.Errorf("line source: %w", err)
	}
	if !ok {
		return nil
	}

	cmd := protocol.ParseCommand(line)
	if cmd == protocol.Unrecognized {
		log.Debug().Str("line", line).Msg("Ignoring unrecognized command")
		return nil
	}

	snap, ok := l.Latest()
	if !ok && l.simulation {
		snap, ok = protocol.SimulatedSnapshot(l.defaults), true
	}
	if cmd == protocol.StatusInquiry && !ok {
		log.Debug().Msg("No sample yet, ignoring status inquiry")
		return nil
	}

	if _, err := l.responder.Respond(l.out, cmd, snap); err != nil {
		log.Error().Err(err).Str("command", cmd.String()).Msg("Failed to write reply")
		return nil
	}
	log.Debug().Str("command", cmd.String()).Msg("Answered command")
	return nil
}

// Latest returns the snapshot from the most recent successful sample.
func (l *Loop) Latest() (model.StatusSnapshot, bool) {
	return l.latest, l.haveSnapshot
}

// Hysteresis returns the current low-voltage episode state.
func (l *Loop) Hysteresis() model.HysteresisState {
	return l.hysteresis
}
