// Package calibration converts raw ADC counts into the battery voltage seen
// on the far side of the resistive divider.
package calibration

import (
	"errors"
	"fmt"
	"math"

	"github.com/thatsimonsguy/ups-emulator/internal/config"
)

var (
	ErrRawOutOfRange = errors.New("raw sample out of range")
	ErrInvalidFactor = errors.New("calibration factor must be positive and finite")
)

// Params is the immutable linear transform applied to every sample.
type Params struct {
	DividerRatio    float64
	ReferenceFactor float64 // volts per ADC count at the pin
	Correction      float64
	MaxRaw          int
}

func NewParams(cal config.Calibration, maxRaw int) (Params, error) {
	p := Params{
		DividerRatio: cal.DividerRatio,
		Correction:   1.0,
		MaxRaw:       maxRaw,
	}

	if err := checkFactor("adc reference denominator", cal.ADCReferenceDenominator); err != nil {
		return p, err
	}
	p.ReferenceFactor = cal.ADCReferenceNumerator / cal.ADCReferenceDenominator

	if cal.UseCalibration {
		corr, err := CorrectionFactor(cal.TheoreticalReading, cal.MultimeterReading)
		if err != nil {
			return p, err
		}
		p.Correction = corr
	}

	if err := p.validate(); err != nil {
		return p, err
	}
	return p, nil
}

// CorrectionFactor is the ratio between what a multimeter reads and what the
// uncorrected transform reported for the same input.
func CorrectionFactor(theoretical, measured float64) (float64, error) {
	if err := checkFactor("theoretical reading", theoretical); err != nil {
		return 0, err
	}
	if err := checkFactor("multimeter reading", measured); err != nil {
		return 0, err
	}
	return measured / theoretical, nil
}

// Uncalibrated returns the divider input voltage before the empirical correction.
func Uncalibrated(raw int, p Params) (float64, error) {
	if raw < 0 || (p.MaxRaw > 0 && raw > p.MaxRaw) {
		return 0, fmt.Errorf("%w: %d not in 0..%d", ErrRawOutOfRange, raw, p.MaxRaw)
	}
	return float64(raw) * p.ReferenceFactor * p.DividerRatio, nil
}

func Calibrate(raw int, p Params) (float64, error) {
	v, err := Uncalibrated(raw, p)
	if err != nil {
		return 0, err
	}
	return v * p.Correction, nil
}

func (p Params) validate() error {
	if err := checkFactor("divider ratio", p.DividerRatio); err != nil {
		return err
	}
	if err := checkFactor("reference factor", p.ReferenceFactor); err != nil {
		return err
	}
	return checkFactor("correction", p.Correction)
}

func checkFactor(name string, v float64) error {
	if !(v > 0) || math.IsInf(v, 0) {
		return fmt.Errorf("%w: %s = %v", ErrInvalidFactor, name, v)
	}
	return nil
}
