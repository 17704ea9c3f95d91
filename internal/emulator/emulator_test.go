package emulator

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/ups-emulator/internal/config"
	"github.com/thatsimonsguy/ups-emulator/internal/model"
	"github.com/thatsimonsguy/ups-emulator/internal/telemetry"
)

// With the default divider and reference, one ADC step is 0.0178125 V.
const (
	rawOnline   = 786 // 14.0006 V
	rawOnBatt   = 730 // 13.003 V
	rawCritical = 610 // 10.8656 V
)

type fakeSource struct {
	raws []int
	err  error
}

func (s *fakeSource) ReadRaw() (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	raw := s.raws[0]
	if len(s.raws) > 1 {
		s.raws = s.raws[1:]
	}
	return raw, nil
}

type fakeLines struct {
	lines []string
	err   error
}

func (f *fakeLines) PollLine() (string, bool, error) {
	if f.err != nil {
		return "", false, f.err
	}
	if len(f.lines) == 0 {
		return "", false, nil
	}
	line := f.lines[0]
	f.lines = f.lines[1:]
	return line, true, nil
}

type recordingSink struct {
	readings []telemetry.Reading
	err      error
}

func (s *recordingSink) Publish(_ context.Context, r telemetry.Reading) error {
	s.readings = append(s.readings, r)
	return s.err
}

func (s *recordingSink) Close() {}

type edge struct {
	entered bool
	at      time.Time
	voltage float64
}

type recordingObserver struct {
	edges []edge
}

func (o *recordingObserver) OnEnter(at time.Time, v float64) {
	o.edges = append(o.edges, edge{true, at, v})
}

func (o *recordingObserver) OnExit(at time.Time, v float64) {
	o.edges = append(o.edges, edge{false, at, v})
}

type harness struct {
	loop     *Loop
	source   *fakeSource
	lines    *fakeLines
	out      *bytes.Buffer
	sink     *recordingSink
	observer *recordingObserver
}

func newHarness(t *testing.T, mutate func(*config.Config), raws ...int) *harness {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(&cfg)
	}

	h := &harness{
		source:   &fakeSource{raws: raws},
		lines:    &fakeLines{},
		out:      &bytes.Buffer{},
		sink:     &recordingSink{},
		observer: &recordingObserver{},
	}
	loop, err := New(cfg, Collaborators{
		Source:    h.source,
		Lines:     h.lines,
		Out:       h.out,
		Telemetry: h.sink,
		Observer:  h.observer,
	})
	require.NoError(t, err)
	h.loop = loop
	return h
}

var t0 = time.Date(2024, 5, 4, 3, 2, 1, 0, time.UTC)

func TestTick_AnswersStatusInquiry(t *testing.T) {
	tests := []struct {
		name    string
		raw     int
		want    string
		state   model.OperationalState
		percent int
	}{
		{"online", rawOnline, "(230.0 230.0 230.0 050 50.0 14.00 25.0 00000000\r", model.Online, 83},
		{"on battery", rawOnBatt, "(230.0 230.0 230.0 050 50.0 13.00 25.0 10000000\r", model.OnBatteryDischarging, 42},
		{"critical", rawCritical, "(230.0 230.0 230.0 050 50.0 10.87 25.0 11000000\r", model.OnBatteryDischargingLowBattery, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil, tt.raw)
			h.lines.lines = []string{"Q1\r"}

			h.loop.Tick(context.Background(), t0)

			assert.Equal(t, tt.want, h.out.String())
			snap, ok := h.loop.Latest()
			require.True(t, ok)
			assert.Equal(t, tt.state, snap.State)
			assert.Equal(t, tt.percent, snap.BatteryPercent)
			assert.Equal(t, t0, snap.TakenAt)
		})
	}
}

func TestTick_ConstantReplies(t *testing.T) {
	h := newHarness(t, nil, rawOnline)
	h.lines.lines = []string{"F\r", "I\r", "F\r"}

	require.NoError(t, h.loop.Tick(context.Background(), t0))
	assert.Equal(t, "#230.0 010 12.00 50.0\r", h.out.String())

	h.out.Reset()
	h.loop.Tick(context.Background(), t0.Add(100*time.Millisecond))
	assert.Equal(t, "#DIY-ESP8266    UPS-V1    1.0       \r", h.out.String())

	h.out.Reset()
	h.loop.Tick(context.Background(), t0.Add(200*time.Millisecond))
	assert.Equal(t, "#230.0 010 12.00 50.0\r", h.out.String())
}

func TestTick_IgnoresUnknownCommands(t *testing.T) {
	h := newHarness(t, nil, rawOnline)
	h.lines.lines = []string{"XYZ\r", "q1\r", "\r"}

	for i := 0; i < 3; i++ {
		h.loop.Tick(context.Background(), t0.Add(time.Duration(i)*100*time.Millisecond))
	}
	assert.Zero(t, h.out.Len())
}

func TestTick_OneCommandPerIteration(t *testing.T) {
	h := newHarness(t, nil, rawOnline)
	h.lines.lines = []string{"F\r", "F\r"}

	h.loop.Tick(context.Background(), t0)
	assert.Equal(t, "#230.0 010 12.00 50.0\r", h.out.String())
	assert.Len(t, h.lines.lines, 1)
}

func TestTick_ReportsEpisodeEdges(t *testing.T) {
	h := newHarness(t, nil, rawOnline, rawOnBatt, rawOnBatt, rawCritical, rawOnline)

	var flags []bool
	for i := 0; i < 5; i++ {
		h.loop.Tick(context.Background(), t0.Add(time.Duration(i)*time.Second))
		flags = append(flags, h.loop.Hysteresis().InLowVoltageEpisode)
	}

	assert.Equal(t, []bool{false, true, true, true, false}, flags)
	require.Len(t, h.observer.edges, 2)
	assert.True(t, h.observer.edges[0].entered)
	assert.Equal(t, t0.Add(time.Second), h.observer.edges[0].at)
	assert.InDelta(t, 13.003, h.observer.edges[0].voltage, 0.001)
	assert.False(t, h.observer.edges[1].entered)
	assert.Equal(t, t0.Add(4*time.Second), h.observer.edges[1].at)
}

func TestTick_ThrottlesTelemetry(t *testing.T) {
	h := newHarness(t, nil, rawOnline)

	for ms := 0; ms <= 10000; ms += 100 {
		h.loop.Tick(context.Background(), t0.Add(time.Duration(ms)*time.Millisecond))
	}

	require.Len(t, h.sink.readings, 3)
	r := h.sink.readings[0]
	assert.Equal(t, rawOnline, r.Raw)
	assert.InDelta(t, 14.0006, r.Voltage, 0.001)
	assert.Equal(t, model.Online, r.State)
	assert.Equal(t, t0.Add(5*time.Second), h.sink.readings[1].Time)
}

func TestTick_TelemetryFailureDoesNotStopSampling(t *testing.T) {
	h := newHarness(t, nil, rawOnBatt)
	h.sink.err = errors.New("broker unreachable")
	h.lines.lines = []string{"Q1\r"}

	h.loop.Tick(context.Background(), t0)

	assert.Len(t, h.sink.readings, 1)
	assert.Contains(t, h.out.String(), "10000000")
}

func TestTick_SampleErrorKeepsLastSnapshot(t *testing.T) {
	h := newHarness(t, nil, rawOnBatt)
	h.loop.Tick(context.Background(), t0)

	h.source.err = errors.New("EIO")
	h.lines.lines = []string{"Q1\r"}
	h.loop.Tick(context.Background(), t0.Add(100*time.Millisecond))

	assert.Equal(t, "(230.0 230.0 230.0 050 50.0 13.00 25.0 10000000\r", h.out.String())
}

func TestTick_NoSampleYet(t *testing.T) {
	h := newHarness(t, nil)
	h.source.err = errors.New("EIO")
	h.lines.lines = []string{"Q1\r", "I\r"}

	h.loop.Tick(context.Background(), t0)
	assert.Zero(t, h.out.Len())

	h.loop.Tick(context.Background(), t0.Add(100*time.Millisecond))
	assert.Equal(t, "#DIY-ESP8266    UPS-V1    1.0       \r", h.out.String())
}

func TestTick_OutOfRangeSampleSkipped(t *testing.T) {
	h := newHarness(t, nil, 5000)
	h.loop.Tick(context.Background(), t0)

	_, ok := h.loop.Latest()
	assert.False(t, ok)
	assert.Empty(t, h.sink.readings)
}

func TestTick_SimulationMode(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) { cfg.SimulationMode = true }, rawCritical)
	h.lines.lines = []string{"Q1\r"}

	h.loop.Tick(context.Background(), t0)

	assert.Equal(t, "(230.0 230.0 230.0 050 50.0 14.40 25.0 00000000\r", h.out.String())
	snap, _ := h.loop.Latest()
	assert.Equal(t, 100, snap.BatteryPercent)
	assert.Equal(t, 3600, snap.RuntimeSeconds)

	// the real reading still drives hysteresis and telemetry
	assert.True(t, h.loop.Hysteresis().InLowVoltageEpisode)
	require.Len(t, h.sink.readings, 1)
	assert.Equal(t, model.OnBatteryDischargingLowBattery, h.sink.readings[0].State)
}

func TestTick_LineSourceFailure(t *testing.T) {
	h := newHarness(t, nil, rawOnline)
	h.lines.err = errors.New("device unplugged")

	err := h.loop.Tick(context.Background(), t0)

	assert.ErrorContains(t, err, "device unplugged")
	assert.Zero(t, h.out.Len())
	_, ok := h.loop.Latest()
	assert.True(t, ok)
}

func TestRun_ReturnsLineSourceFailure(t *testing.T) {
	h := newHarness(t, nil, rawOnline)

	ticks := 0
	h.loop.now = func() time.Time { return t0 }
	h.loop.sleep = func(time.Duration) {
		ticks++
		if ticks == 2 {
			h.lines.err = errors.New("device unplugged")
		}
	}

	err := h.loop.Run(context.Background())
	assert.ErrorContains(t, err, "device unplugged")
	assert.Equal(t, 2, ticks)
}

func TestRun_StopsOnCancel(t *testing.T) {
	h := newHarness(t, nil, rawOnline)
	ctx, cancel := context.WithCancel(context.Background())

	ticks := 0
	clock := t0
	h.loop.now = func() time.Time { return clock }
	h.loop.sleep = func(d time.Duration) {
		assert.Equal(t, 100*time.Millisecond, d)
		clock = clock.Add(d)
		ticks++
		if ticks == 3 {
			cancel()
		}
	}

	require.NoError(t, h.loop.Run(ctx))
	assert.Equal(t, 3, ticks)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	cfg := config.Default()

	_, err := New(cfg, Collaborators{})
	assert.Error(t, err)
}

func TestNew_RejectsBadCalibration(t *testing.T) {
	cfg := config.Default()
	cfg.Calibration.UseCalibration = true
	cfg.Calibration.TheoreticalReading = 0

	_, err := New(cfg, Collaborators{Source: &fakeSource{raws: []int{1}}, Lines: &fakeLines{}, Out: &bytes.Buffer{}})
	assert.Error(t, err)
}
