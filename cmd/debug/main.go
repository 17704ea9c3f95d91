package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/thatsimonsguy/ups-emulator/db"
	"github.com/thatsimonsguy/ups-emulator/internal/calibration"
	"github.com/thatsimonsguy/ups-emulator/internal/classifier"
	"github.com/thatsimonsguy/ups-emulator/internal/config"
	"github.com/thatsimonsguy/ups-emulator/internal/emulator"
	"github.com/thatsimonsguy/ups-emulator/internal/protocol"
)

func main() {
	DebugCLI()
}

func DebugCLI() {
	var dbPath, command, line, configFile string
	var voltage float64
	var raw, limit int
	var olderThan time.Duration
	flag.StringVar(&dbPath, "db", "data/ups.db", "Path to the SQLite episode history")
	flag.StringVar(&command, "cmd", "", "Command to run: classify, reply, calibrate, parse, episodes, prune")
	flag.StringVar(&configFile, "config-file", "", "Optional emulator config file for thresholds and calibration")
	flag.StringVar(&line, "line", "", "Protocol line: a command for reply, a Q1 answer for parse")
	flag.Float64Var(&voltage, "voltage", 0, "Calibrated battery voltage")
	flag.IntVar(&raw, "raw", 0, "Raw ADC value")
	flag.IntVar(&limit, "limit", 20, "Number of episodes to list")
	flag.DurationVar(&olderThan, "older-than", 30*24*time.Hour, "Prune episodes that ended longer ago than this")
	help := flag.Bool("help", false, "Show help")
	flag.Parse()

	if *help || command == "" {
		fmt.Println("\nUsage of ups-debug:")
		fmt.Println("  -cmd string\tCommand to run: classify, reply, calibrate, parse, episodes, prune")
		fmt.Println("  -config-file string\tOptional emulator config file (defaults otherwise)")
		fmt.Println("  -voltage float\tCalibrated battery voltage for classify and reply")
		fmt.Println("  -line string\tProtocol command for reply, Q1 answer for parse")
		fmt.Println("  -raw int\tRaw ADC value for calibrate")
		fmt.Println("  -db string\tPath to the SQLite episode history (default 'data/ups.db')")
		fmt.Println("  -limit int\tNumber of episodes to list")
		fmt.Println("  -older-than duration\tAge cutoff for prune")
		fmt.Println("  -help\tShow this help message")
		os.Exit(0)
	}

	cfg, err := loadConfig(configFile)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	switch command {
	case "classify":
		err = classify(cfg, voltage)
	case "reply":
		if line == "" {
			fmt.Println("Error: -line is required")
			os.Exit(1)
		}
		err = reply(cfg, line, voltage)
	case "calibrate":
		err = calibrate(cfg, raw)
	case "parse":
		err = parse(line)
	case "episodes":
		err = db.ListEpisodesCLI(os.Stdout, dbPath, limit)
	case "prune":
		err = db.PruneEpisodesCLI(os.Stdout, dbPath, olderThan)
	default:
		fmt.Println("Invalid command")
		os.Exit(1)
	}

	if err != nil {
		fmt.Printf("Command %s failed: %v\n", command, err)
		os.Exit(1)
	}
}

func loadConfig(path string) (config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.LoadFile(path); err != nil {
			return cfg, err
		}
	}
	return cfg, cfg.Validate()
}

func classify(cfg config.Config, voltage float64) error {
	t := emulator.ThresholdsFromConfig(cfg.Thresholds)
	c, _ := classifier.Classify(voltage, t, nil, time.Now())

	fmt.Printf("Voltage:  %.2fV\n", voltage)
	fmt.Printf("State:    %s\n", c.State)
	fmt.Printf("Battery:  %d%%\n", c.BatteryPercent)
	fmt.Printf("Runtime:  %ds\n", c.RuntimeSeconds)
	fmt.Printf("Q1 reply: %q\n", protocol.FormatStatus(protocol.BuildSnapshot(c, voltage, cfg.Defaults)))
	return nil
}

func reply(cfg config.Config, line string, voltage float64) error {
	cmd := protocol.ParseCommand(line)
	if cmd == protocol.Unrecognized {
		fmt.Printf("%q is not a recognized command, the emulator stays silent\n", line)
		return nil
	}

	t := emulator.ThresholdsFromConfig(cfg.Thresholds)
	c, _ := classifier.Classify(voltage, t, nil, time.Now())
	snap := protocol.BuildSnapshot(c, voltage, cfg.Defaults)
	if cfg.SimulationMode {
		snap = protocol.SimulatedSnapshot(cfg.Defaults)
	}

	out := protocol.NewResponder(cfg.Identity, cfg.Ratings).Reply(cmd, snap)
	fmt.Printf("%s -> %q (%d bytes)\n", cmd, out, len(out))
	return nil
}

func calibrate(cfg config.Config, raw int) error {
	p, err := calibration.NewParams(cfg.Calibration, cfg.ADC.MaxRaw)
	if err != nil {
		return err
	}
	rawVoltage, err := calibration.Uncalibrated(raw, p)
	if err != nil {
		return err
	}
	v, err := calibration.Calibrate(raw, p)
	if err != nil {
		return err
	}

	fmt.Printf("ADC value:   %d\n", raw)
	fmt.Printf("Raw voltage: %.3fV\n", rawVoltage)
	fmt.Printf("Calibrated:  %.3fV (correction %.4f)\n", v, p.Correction)
	return nil
}

func parse(line string) error {
	s, err := protocol.ParseStatusReply(line)
	if err != nil {
		return err
	}

	fmt.Printf("Input voltage:   %.1fV\n", s.InputVoltage)
	fmt.Printf("Output voltage:  %.1fV\n", s.OutputVoltage)
	fmt.Printf("Load:            %d%%\n", s.LoadPercent)
	fmt.Printf("Frequency:       %.1fHz\n", s.LineFrequency)
	fmt.Printf("Battery voltage: %.2fV\n", s.BatteryVoltage)
	fmt.Printf("Temperature:     %.1fC\n", s.Temperature)
	fmt.Printf("Status bits:     %s (%s)\n", s.StatusBits, s.State)
	return nil
}
