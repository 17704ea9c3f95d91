package adc

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/ups-emulator/internal/config"
)

func writeRaw(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "in_voltage0_raw")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func TestSysfsSource_ReadsValue(t *testing.T) {
	src := &SysfsSource{Path: writeRaw(t, "746\n"), MaxRaw: 1023}

	raw, err := src.ReadRaw()
	require.NoError(t, err)
	assert.Equal(t, 746, raw)
}

func TestSysfsSource_OutOfRange(t *testing.T) {
	src := &SysfsSource{Path: writeRaw(t, "4095\n"), MaxRaw: 1023, Retries: 3}

	_, err := src.ReadRaw()
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestSysfsSource_Garbage(t *testing.T) {
	src := &SysfsSource{Path: writeRaw(t, "not a number"), MaxRaw: 1023}

	_, err := src.ReadRaw()
	assert.Error(t, err)
}

func TestSysfsSource_MissingFile(t *testing.T) {
	src := &SysfsSource{Path: filepath.Join(t.TempDir(), "missing"), MaxRaw: 1023}

	_, err := src.ReadRaw()
	assert.Error(t, err)
}

func TestSysfsSource_RetriesTransientErrors(t *testing.T) {
	origReadRaw := readRaw
	origDelay := retryDelay
	defer func() {
		readRaw = origReadRaw
		retryDelay = origDelay
	}()
	retryDelay = 0

	calls := 0
	readRaw = func(string, int) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("EAGAIN")
		}
		return 512, nil
	}

	raw, err := (&SysfsSource{Path: "unused", MaxRaw: 1023, Retries: 2}).ReadRaw()
	require.NoError(t, err)
	assert.Equal(t, 512, raw)
	assert.Equal(t, 3, calls)
}

func TestSysfsSource_GivesUpAfterRetries(t *testing.T) {
	origReadRaw := readRaw
	origDelay := retryDelay
	defer func() {
		readRaw = origReadRaw
		retryDelay = origDelay
	}()
	retryDelay = 0

	calls := 0
	readRaw = func(string, int) (int, error) {
		calls++
		return 0, errors.New("EIO")
	}

	_, err := (&SysfsSource{Path: "unused", MaxRaw: 1023, Retries: 2}).ReadRaw()
	assert.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestNew(t *testing.T) {
	src, err := New(config.ADC{Source: "static", StaticValue: 800, MaxRaw: 1023})
	require.NoError(t, err)
	raw, err := src.ReadRaw()
	require.NoError(t, err)
	assert.Equal(t, 800, raw)

	src, err = New(config.ADC{Source: "sysfs", Path: "/tmp/x", MaxRaw: 1023})
	require.NoError(t, err)
	assert.IsType(t, &SysfsSource{}, src)

	_, err = New(config.ADC{Source: "spi"})
	assert.Error(t, err)
}
