package classifier

import (
	"math"
	"time"

	"github.com/thatsimonsguy/ups-emulator/internal/model"
)

// Transition reports an edge of the low-voltage episode flag.
type Transition int

const (
	TransitionNone Transition = iota
	TransitionEntered
	TransitionExited
)

func (t Transition) String() string {
	switch t {
	case TransitionEntered:
		return "entered"
	case TransitionExited:
		return "exited"
	default:
		return "none"
	}
}

// runtimeGuard absorbs float noise such as (14.0-13.6)*60 = 23.999...
const runtimeGuard = 1e-9

// Classify maps a calibrated voltage to a state, charge and runtime estimate.
// The result depends only on voltage and t; h is updated as a side effect so
// callers can report episode edges.
func Classify(voltage float64, t model.Thresholds, h *model.HysteresisState, now time.Time) (model.Classification, Transition) {
	c := model.Classification{
		State:          stateFor(voltage, t),
		BatteryPercent: Percent(voltage, t),
		RuntimeSeconds: Runtime(voltage, t),
	}

	return c, updateHysteresis(voltage, t, h, now)
}

func stateFor(voltage float64, t model.Thresholds) model.OperationalState {
	switch {
	case voltage <= t.CriticalVoltage:
		return model.OnBatteryDischargingLowBattery
	case voltage <= t.LowVoltage:
		return model.OnBatteryDischarging
	default:
		return model.Online
	}
}

// Percent interpolates linearly between critical (0%) and full (100%).
func Percent(voltage float64, t model.Thresholds) int {
	if voltage <= t.CriticalVoltage {
		return 0
	}
	if voltage >= t.FullVoltage {
		return 100
	}
	pct := math.Round((voltage - t.CriticalVoltage) / (t.FullVoltage - t.CriticalVoltage) * 100)
	return int(math.Max(0, math.Min(100, pct)))
}

// Runtime is a coarse estimate, not a discharge model. Above the low
// threshold each tenth of a volt is worth six seconds on top of the shutdown
// delay; that slope has no physical basis and is kept as is.
func Runtime(voltage float64, t model.Thresholds) int {
	switch {
	case voltage <= t.CriticalVoltage:
		return 0
	case voltage <= t.LowVoltage:
		return t.ShutdownDelaySeconds
	default:
		return int(math.Floor((voltage-t.LowVoltage)*60+runtimeGuard)) + t.ShutdownDelaySeconds
	}
}

func updateHysteresis(voltage float64, t model.Thresholds, h *model.HysteresisState, now time.Time) Transition {
	if h == nil {
		return TransitionNone
	}

	low := voltage <= t.LowVoltage
	switch {
	case low && !h.InLowVoltageEpisode:
		h.InLowVoltageEpisode = true
		h.EpisodeStart = now
		return TransitionEntered
	case !low && h.InLowVoltageEpisode:
		h.InLowVoltageEpisode = false
		h.EpisodeStart = time.Time{}
		return TransitionExited
	}
	return TransitionNone
}
