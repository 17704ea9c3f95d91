package model

import "time"

type OperationalState int

const (
	Online OperationalState = iota
	OnBatteryDischarging
	OnBatteryDischargingLowBattery
)

// String returns the NUT-style status string for the state.
func (s OperationalState) String() string {
	switch s {
	case OnBatteryDischarging:
		return "OB DISCHRG"
	case OnBatteryDischargingLowBattery:
		return "OB DISCHRG LB"
	default:
		return "OL"
	}
}

type Thresholds struct {
	LowVoltage           float64
	CriticalVoltage      float64
	FullVoltage          float64
	ShutdownDelaySeconds int
}

type VoltageSample struct {
	Raw        int
	RawVoltage float64 // before the empirical correction
	Voltage    float64
	TakenAt    time.Time
}

type Classification struct {
	State          OperationalState
	BatteryPercent int
	RuntimeSeconds int
}

// HysteresisState tracks the current low-voltage episode. EpisodeStart is
// only meaningful while InLowVoltageEpisode is true.
type HysteresisState struct {
	InLowVoltageEpisode bool
	EpisodeStart        time.Time
}

type StatusSnapshot struct {
	InputVoltage   float64
	OutputVoltage  float64
	LoadPercent    int
	LineFrequency  float64
	BatteryVoltage float64
	Temperature    float64
	StatusBits     string

	State          OperationalState
	BatteryPercent int
	RuntimeSeconds int
	TakenAt        time.Time
}

type Episode struct {
	ID           int64
	StartedAt    time.Time
	EndedAt      time.Time
	StartVoltage float64
	EndVoltage   float64
	Open         bool
}
