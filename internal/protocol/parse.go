package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/thatsimonsguy/ups-emulator/internal/model"
)

var ErrMalformedReply = errors.New("malformed reply")

// ParseStatusReply decodes a Q1 reply, as written by FormatStatus or by a
// real Megatec UPS.
func ParseStatusReply(reply string) (model.StatusSnapshot, error) {
	var s model.StatusSnapshot

	reply = strings.TrimRight(reply, "\r\n")
	if len(reply) == 0 || reply[0] != StatusPrefix {
		return s, fmt.Errorf("%w: missing %q prefix", ErrMalformedReply, StatusPrefix)
	}

	fields := strings.Fields(reply[1:])
	if len(fields) != 8 {
		return s, fmt.Errorf("%w: expected 8 fields, got %d", ErrMalformedReply, len(fields))
	}

	floats := make([]float64, 0, 6)
	for _, i := range []int{0, 2, 4, 5, 6} {
		f, err := strconv.ParseFloat(fields[i], 64)
		if err != nil {
			return s, fmt.Errorf("%w: field %d: %v", ErrMalformedReply, i, err)
		}
		floats = append(floats, f)
	}
	load, err := strconv.Atoi(fields[3])
	if err != nil {
		return s, fmt.Errorf("%w: load: %v", ErrMalformedReply, err)
	}

	bits := fields[7]
	if len(bits) != 8 || strings.Trim(bits, "01") != "" {
		return s, fmt.Errorf("%w: status bits %q", ErrMalformedReply, bits)
	}

	s.InputVoltage = floats[0]
	s.OutputVoltage = floats[1]
	s.LoadPercent = load
	s.LineFrequency = floats[2]
	s.BatteryVoltage = floats[3]
	s.Temperature = floats[4]
	s.StatusBits = bits

	switch {
	case bits[0] == '1' && bits[1] == '1':
		s.State = model.OnBatteryDischargingLowBattery
	case bits[0] == '1':
		s.State = model.OnBatteryDischarging
	default:
		s.State = model.Online
	}
	return s, nil
}
