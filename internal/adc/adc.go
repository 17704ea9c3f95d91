package adc

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/ups-emulator/internal/config"
)

var ErrOutOfRange = errors.New("adc value out of range")

// Source yields one raw conversion per call.
type Source interface {
	ReadRaw() (int, error)
}

func New(cfg config.ADC) (Source, error) {
	switch cfg.Source {
	case "sysfs":
		return &SysfsSource{Path: cfg.Path, MaxRaw: cfg.MaxRaw, Retries: cfg.Retries}, nil
	case "static":
		return StaticSource(cfg.StaticValue), nil
	default:
		return nil, fmt.Errorf("unknown adc source %q", cfg.Source)
	}
}

// SysfsSource reads an IIO channel such as
// /sys/bus/iio/devices/iio:device0/in_voltage0_raw.
type SysfsSource struct {
	Path    string
	MaxRaw  int
	Retries int
}

var retryDelay = 5 * time.Millisecond

func (s *SysfsSource) ReadRaw() (int, error) {
	return readRawWithRetries(s.Path, s.MaxRaw, s.Retries)
}

func readRawWithRetries(path string, maxRaw, retries int) (int, error) {
	raw, err := readRaw(path, maxRaw)
	if err != nil && retries > 0 && !errors.Is(err, ErrOutOfRange) {
		log.Debug().Err(err).Int("retries_left", retries).Msg("retrying adc read")
		time.Sleep(retryDelay)
		return readRawWithRetries(path, maxRaw, retries-1)
	}
	return raw, err
}

var readRaw = func(path string, maxRaw int) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read adc: %w", err)
	}

	raw, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("failed to parse adc value %q: %w", strings.TrimSpace(string(data)), err)
	}
	if raw < 0 || (maxRaw > 0 && raw > maxRaw) {
		return 0, fmt.Errorf("%w: %d not in 0..%d", ErrOutOfRange, raw, maxRaw)
	}
	return raw, nil
}

// StaticSource always returns the same value, for bench runs without a divider.
type StaticSource int

func (s StaticSource) ReadRaw() (int, error) {
	return int(s), nil
}
