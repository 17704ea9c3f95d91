// Package protocol implements the Megatec "Q1" serial UPS protocol spoken by
// NUT's blazer_ser and nutdrv_qx drivers.
//
// Every request is a single line terminated by a carriage return. Replies are
// fixed width and also carriage-return terminated; monitoring software parses
// them positionally, so the formats below must not drift.
package protocol

import (
	"fmt"
	"io"
	"strings"

	"github.com/thatsimonsguy/ups-emulator/internal/config"
	"github.com/thatsimonsguy/ups-emulator/internal/model"
)

const (
	StatusPrefix = '('
	InfoPrefix   = '#'
	Terminator   = '\r'
)

type Command int

const (
	Unrecognized Command = iota
	StatusInquiry
	RatingInquiry
	InformationInquiry
)

func (c Command) String() string {
	switch c {
	case StatusInquiry:
		return "Q1"
	case RatingInquiry:
		return "F"
	case InformationInquiry:
		return "I"
	default:
		return "unrecognized"
	}
}

// ParseCommand matches one received line against the closed command set.
// Matching is case-sensitive; the terminator and any newline left over from
// a CRLF sender are stripped first.
func ParseCommand(line string) Command {
	line = strings.Trim(line, "\r\n")
	switch line {
	case "Q1":
		return StatusInquiry
	case "F":
		return RatingInquiry
	case "I":
		return InformationInquiry
	default:
		return Unrecognized
	}
}

// StatusBits encodes b7..b0 of the Q1 reply. Only utility fail (b7) and
// battery low (b6) are ever set.
func StatusBits(state model.OperationalState) string {
	switch state {
	case model.OnBatteryDischargingLowBattery:
		return "11000000"
	case model.OnBatteryDischarging:
		return "10000000"
	default:
		return "00000000"
	}
}

// BuildSnapshot combines a classification with the fixed readings for
// quantities the hardware cannot measure.
func BuildSnapshot(c model.Classification, batteryVoltage float64, d config.StatusDefaults) model.StatusSnapshot {
	return model.StatusSnapshot{
		InputVoltage:   d.InputVoltage,
		OutputVoltage:  d.InputVoltage,
		LoadPercent:    d.LoadPercent,
		LineFrequency:  d.LineFrequency,
		BatteryVoltage: batteryVoltage,
		Temperature:    d.Temperature,
		StatusBits:     StatusBits(c.State),
		State:          c.State,
		BatteryPercent: c.BatteryPercent,
		RuntimeSeconds: c.RuntimeSeconds,
	}
}

const (
	simulatedBatteryVoltage = 14.4
	simulatedRuntime        = 3600
)

// SimulatedSnapshot reports a fully charged battery on mains, used to test a
// NAS integration without a real battery attached.
func SimulatedSnapshot(d config.StatusDefaults) model.StatusSnapshot {
	return BuildSnapshot(model.Classification{
		State:          model.Online,
		BatteryPercent: 100,
		RuntimeSeconds: simulatedRuntime,
	}, simulatedBatteryVoltage, d)
}

type Responder struct {
	identity string
	rating   string
}

func NewResponder(id config.Identity, r config.Ratings) *Responder {
	return &Responder{
		identity: fmt.Sprintf("%c%-15.15s%-10.10s%-10.10s%c", InfoPrefix, id.Company, id.Model, id.Version, Terminator),
		rating:   fmt.Sprintf("%c%05.1f %03d %05.2f %04.1f%c", InfoPrefix, r.Voltage, r.Current, r.BatteryVoltage, r.Frequency, Terminator),
	}
}

// Reply returns the bytes to send for cmd, or nil for an unrecognized command.
func (r *Responder) Reply(cmd Command, snap model.StatusSnapshot) []byte {
	switch cmd {
	case StatusInquiry:
		return []byte(FormatStatus(snap))
	case RatingInquiry:
		return []byte(r.rating)
	case InformationInquiry:
		return []byte(r.identity)
	default:
		return nil
	}
}

// Respond writes the reply for cmd to w. Unrecognized commands write nothing.
func (r *Responder) Respond(w io.Writer, cmd Command, snap model.StatusSnapshot) (int, error) {
	reply := r.Reply(cmd, snap)
	if len(reply) == 0 {
		return 0, nil
	}
	n, err := w.Write(reply)
	if err != nil {
		return n, fmt.Errorf("failed to write %s reply: %w", cmd, err)
	}
	return n, nil
}

// FormatStatus renders (MMM.M NNN.N PPP.P QQQ RR.R SS.SS TT.T b7..b0<cr>.
func FormatStatus(s model.StatusSnapshot) string {
	bits := s.StatusBits
	if bits == "" {
		bits = StatusBits(s.State)
	}
	return fmt.Sprintf("%c%05.1f %05.1f %05.1f %03d %04.1f %05.2f %04.1f %s%c",
		StatusPrefix,
		s.InputVoltage,
		s.InputVoltage, // input fault voltage, no transients are tracked
		s.OutputVoltage,
		s.LoadPercent,
		s.LineFrequency,
		s.BatteryVoltage,
		s.Temperature,
		bits,
		Terminator,
	)
}
