package telemetry

import (
	"context"
	"errors"
	"time"

	"github.com/thatsimonsguy/ups-emulator/internal/model"
)

type Reading struct {
	Raw        int
	RawVoltage float64
	Voltage    float64
	State      model.OperationalState
	Percent    int
	Time       time.Time
}

// Sink is a best-effort telemetry destination. Implementations must bound
// how long Publish can take.
type Sink interface {
	Publish(ctx context.Context, r Reading) error
	Close()
}

type Noop struct{}

func (Noop) Publish(context.Context, Reading) error { return nil }
func (Noop) Close()                                 {}

// Multi publishes to every sink, even when an earlier one fails.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, r Reading) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() {
	for _, s := range m {
		s.Close()
	}
}

// Throttle gates publishing to one attempt per Interval. A failed attempt
// still consumes the slot; the next try waits for the next interval.
type Throttle struct {
	Interval time.Duration
	last     time.Time
}

func (t *Throttle) Due(now time.Time) bool {
	if !t.last.IsZero() && now.Sub(t.last) < t.Interval {
		return false
	}
	t.last = now
	return true
}
