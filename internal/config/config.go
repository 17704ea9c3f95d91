package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

type Calibration struct {
	DividerRatio            float64 `json:"divider_ratio"`
	ADCReferenceNumerator   float64 `json:"adc_reference_numerator"`
	ADCReferenceDenominator float64 `json:"adc_reference_denominator"`

	// optional multimeter correction
	UseCalibration     bool    `json:"use_calibration"`
	TheoreticalReading float64 `json:"theoretical_reading"`
	MultimeterReading  float64 `json:"multimeter_reading"`
}

type Thresholds struct {
	LowVoltage           float64 `json:"low_voltage"`
	CriticalVoltage      float64 `json:"critical_voltage"`
	FullVoltage          float64 `json:"full_voltage"`
	ShutdownDelaySeconds int     `json:"shutdown_delay_seconds"`
}

type ADC struct {
	Source      string `json:"source"` // "sysfs" or "static"
	Path        string `json:"path"`
	StaticValue int    `json:"static_value"`
	MaxRaw      int    `json:"max_raw"`
	Retries     int    `json:"retries"`
}

type Serial struct {
	Port          string `json:"port"`
	Baud          int    `json:"baud"`
	ReadTimeoutMS int    `json:"read_timeout_ms"`
}

type MQTT struct {
	Enabled          bool   `json:"enabled"`
	Broker           string `json:"broker"`
	Topic            string `json:"topic"`
	ClientID         string `json:"client_id"`
	PublishTimeoutMS int    `json:"publish_timeout_ms"`

	Username string `json:"-"`
	Password string `json:"-"`
}

type Datadog struct {
	Enabled   bool     `json:"enabled"`
	AgentAddr string   `json:"agent_addr"`
	Namespace string   `json:"namespace"`
	Tags      []string `json:"tags"`
}

type Notifications struct {
	NtfyTopic      string `json:"ntfy_topic"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

type Identity struct {
	Company string `json:"company"`
	Model   string `json:"model"`
	Version string `json:"version"`
}

type Ratings struct {
	Voltage        float64 `json:"voltage"`
	Current        int     `json:"current"`
	BatteryVoltage float64 `json:"battery_voltage"`
	Frequency      float64 `json:"frequency"`
}

// StatusDefaults are reported for quantities the hardware does not measure.
type StatusDefaults struct {
	InputVoltage  float64 `json:"input_voltage"`
	LineFrequency float64 `json:"line_frequency"`
	LoadPercent   int     `json:"load_percent"`
	Temperature   float64 `json:"temperature"`
}

type Config struct {
	ConfigFile string
	EnvFile    string
	LogLevel   zerolog.Level

	LogFile   string `json:"log_file"`
	HistoryDB string `json:"history_db"`

	Calibration Calibration `json:"calibration"`
	Thresholds  Thresholds  `json:"thresholds"`

	SimulationMode           bool `json:"simulation_mode"`
	SamplePeriodMS           int  `json:"sample_period_ms"`
	TelemetryIntervalSeconds int  `json:"telemetry_interval_seconds"`

	ADC           ADC            `json:"adc"`
	Serial        Serial         `json:"serial"`
	MQTT          MQTT           `json:"mqtt"`
	Datadog       Datadog        `json:"datadog"`
	Notifications Notifications  `json:"notifications"`
	Identity      Identity       `json:"identity"`
	Ratings       Ratings        `json:"ratings"`
	Defaults      StatusDefaults `json:"status_defaults"`
}

const defaultShutdownDelaySeconds = 30

// Default returns a fully defaulted Config. Config files are decoded over it,
// so fields whose zero value is meaningful, like the shutdown delay, keep
// their default only when the file omits them.
func Default() Config {
	var cfg Config
	cfg.Thresholds.ShutdownDelaySeconds = defaultShutdownDelaySeconds
	cfg.ApplyDefaults()
	return cfg
}

// ConfigError lists every problem found while validating a Config.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

func Load() (Config, error) {
	cfg := Default()
	var logLevel string

	flag.StringVar(&cfg.ConfigFile, "config-file", "config.json", "Path to emulator config file")
	flag.StringVar(&cfg.EnvFile, "env-file", ".env", "Optional env file holding MQTT credentials and ntfy topic")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	cfg.LogLevel = parseLogLevel(logLevel)

	if err := decodeFile(&cfg, cfg.ConfigFile); err != nil {
		return cfg, err
	}

	if err := LoadEnv(&cfg, cfg.EnvFile); err != nil {
		return cfg, err
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadFile reads a config file without touching flags or the environment.
// Defaults are applied but the result is not validated.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	if err := decodeFile(&cfg, path); err != nil {
		return cfg, err
	}
	cfg.ConfigFile = path
	cfg.ApplyDefaults()
	return cfg, nil
}

func decodeFile(cfg *Config, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to load config file: %w", err)
	}
	defer file.Close()

	if err := json.NewDecoder(file).Decode(cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// LoadEnv reads secrets from the environment, first loading path if it exists.
// Variables already set in the environment win over the file.
func LoadEnv(cfg *Config, path string) error {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err != nil {
				return fmt.Errorf("failed to load env file %s: %w", path, err)
			}
		}
	}

	cfg.MQTT.Username = os.Getenv("MQTT_USERNAME")
	cfg.MQTT.Password = os.Getenv("MQTT_PASSWORD")
	if topic := os.Getenv("NTFY_TOPIC"); topic != "" {
		cfg.Notifications.NtfyTopic = topic
	}
	return nil
}

func parseLogLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// ApplyDefaults fills zero values with the stock D1 Mini / 12V lead-acid setup.
func (cfg *Config) ApplyDefaults() {
	c := &cfg.Calibration
	if c.DividerRatio == 0 {
		c.DividerRatio = 5.7
	}
	if c.ADCReferenceNumerator == 0 {
		c.ADCReferenceNumerator = 32
	}
	if c.ADCReferenceDenominator == 0 {
		c.ADCReferenceDenominator = 10240
	}

	t := &cfg.Thresholds
	if t.LowVoltage == 0 {
		t.LowVoltage = 13.6
	}
	if t.CriticalVoltage == 0 {
		t.CriticalVoltage = 12.0
	}
	if t.FullVoltage == 0 {
		t.FullVoltage = 14.4
	}

	if cfg.SamplePeriodMS == 0 {
		cfg.SamplePeriodMS = 100
	}
	if cfg.TelemetryIntervalSeconds == 0 {
		cfg.TelemetryIntervalSeconds = 5
	}

	if cfg.ADC.Source == "" {
		cfg.ADC.Source = "sysfs"
	}
	if cfg.ADC.Path == "" {
		cfg.ADC.Path = "/sys/bus/iio/devices/iio:device0/in_voltage0_raw"
	}
	if cfg.ADC.MaxRaw == 0 {
		cfg.ADC.MaxRaw = 1023
	}

	if cfg.Serial.Port == "" {
		cfg.Serial.Port = "/dev/ttyUSB0"
	}
	if cfg.Serial.Baud == 0 {
		cfg.Serial.Baud = 2400
	}
	if cfg.Serial.ReadTimeoutMS == 0 {
		cfg.Serial.ReadTimeoutMS = 10
	}

	if cfg.MQTT.Topic == "" {
		cfg.MQTT.Topic = "ups-emulator"
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "ups-emulator"
	}
	if cfg.MQTT.PublishTimeoutMS == 0 {
		cfg.MQTT.PublishTimeoutMS = 2000
	}

	if cfg.Datadog.AgentAddr == "" {
		cfg.Datadog.AgentAddr = "127.0.0.1:8125"
	}
	if cfg.Datadog.Namespace == "" {
		cfg.Datadog.Namespace = "ups."
	}

	if cfg.Notifications.TimeoutSeconds == 0 {
		cfg.Notifications.TimeoutSeconds = 2
	}

	id := &cfg.Identity
	if id.Company == "" {
		id.Company = "DIY-ESP8266"
	}
	if id.Model == "" {
		id.Model = "UPS-V1"
	}
	if id.Version == "" {
		id.Version = "1.0"
	}

	r := &cfg.Ratings
	if r.Voltage == 0 {
		r.Voltage = 230.0
	}
	if r.Current == 0 {
		r.Current = 10
	}
	if r.BatteryVoltage == 0 {
		r.BatteryVoltage = 12.00
	}
	if r.Frequency == 0 {
		r.Frequency = 50.0
	}

	d := &cfg.Defaults
	if d.InputVoltage == 0 {
		d.InputVoltage = 230.0
	}
	if d.LineFrequency == 0 {
		d.LineFrequency = 50.0
	}
	if d.LoadPercent == 0 {
		d.LoadPercent = 50
	}
	if d.Temperature == 0 {
		d.Temperature = 25.0
	}
}

// Validate checks threshold ordering, calibration factors and that reply
// values fit their fixed-width fields. A non-nil result is always a
// *ConfigError.
func (cfg *Config) Validate() error {
	var problems []string

	positive := func(name string, v float64) {
		if !(v > 0) || math.IsInf(v, 0) {
			problems = append(problems, fmt.Sprintf("%s must be a positive finite number, got %v", name, v))
		}
	}

	c := cfg.Calibration
	positive("calibration.divider_ratio", c.DividerRatio)
	positive("calibration.adc_reference_numerator", c.ADCReferenceNumerator)
	positive("calibration.adc_reference_denominator", c.ADCReferenceDenominator)
	if c.UseCalibration {
		positive("calibration.theoretical_reading", c.TheoreticalReading)
		positive("calibration.multimeter_reading", c.MultimeterReading)
	}

	t := cfg.Thresholds
	if t.CriticalVoltage >= t.LowVoltage {
		problems = append(problems, fmt.Sprintf("thresholds.critical_voltage (%.2f) must be below thresholds.low_voltage (%.2f)", t.CriticalVoltage, t.LowVoltage))
	}
	if t.LowVoltage >= t.FullVoltage {
		problems = append(problems, fmt.Sprintf("thresholds.low_voltage (%.2f) must be below thresholds.full_voltage (%.2f)", t.LowVoltage, t.FullVoltage))
	}
	if t.ShutdownDelaySeconds < 0 {
		problems = append(problems, "thresholds.shutdown_delay_seconds must not be negative")
	}

	if cfg.SamplePeriodMS <= 0 {
		problems = append(problems, "sample_period_ms must be positive")
	}
	if cfg.TelemetryIntervalSeconds <= 0 {
		problems = append(problems, "telemetry_interval_seconds must be positive")
	}

	switch cfg.ADC.Source {
	case "sysfs", "static":
	default:
		problems = append(problems, fmt.Sprintf("adc.source %q is not one of sysfs, static", cfg.ADC.Source))
	}
	if cfg.ADC.MaxRaw <= 0 {
		problems = append(problems, "adc.max_raw must be positive")
	}
	if cfg.ADC.Source == "static" && (cfg.ADC.StaticValue < 0 || cfg.ADC.StaticValue > cfg.ADC.MaxRaw) {
		problems = append(problems, fmt.Sprintf("adc.static_value %d outside 0..%d", cfg.ADC.StaticValue, cfg.ADC.MaxRaw))
	}

	if cfg.MQTT.Enabled && cfg.MQTT.Broker == "" {
		problems = append(problems, "mqtt.broker is required when mqtt is enabled")
	}

	// reply fields are fixed width; larger values would shift every later field
	within := func(name string, v, lo, hi float64) {
		if !(v >= lo && v < hi) {
			problems = append(problems, fmt.Sprintf("%s must be in [%g, %g), got %v", name, lo, hi, v))
		}
	}
	within("ratings.voltage", cfg.Ratings.Voltage, 0, 1000)
	within("ratings.current", float64(cfg.Ratings.Current), 0, 1000)
	within("ratings.battery_voltage", cfg.Ratings.BatteryVoltage, 0, 100)
	within("ratings.frequency", cfg.Ratings.Frequency, 0, 100)
	within("status_defaults.input_voltage", cfg.Defaults.InputVoltage, 0, 1000)
	within("status_defaults.line_frequency", cfg.Defaults.LineFrequency, 0, 100)
	within("status_defaults.load_percent", float64(cfg.Defaults.LoadPercent), 0, 101)
	within("status_defaults.temperature", cfg.Defaults.Temperature, -9.9, 100)

	if len(problems) > 0 {
		return &ConfigError{Problems: problems}
	}
	return nil
}

// IsConfigError reports whether err was produced by Validate.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
