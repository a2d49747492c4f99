package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Config is the machine description loaded at startup. Everything a
// component tunes at runtime (M92, M201, M204, ...) starts from here and
// may later be overridden by the saved settings image.
type Config struct {
	Serial  SerialConfig  `toml:"serial"`
	Log     LogConfig     `toml:"log"`
	Motion  MotionConfig  `toml:"motion"`
	Hotend  HeaterConfig  `toml:"hotend"`
	Bed     HeaterConfig  `toml:"bed"`
	Safety  SafetyConfig  `toml:"safety"`
	Storage StorageConfig `toml:"storage"`
}

type SerialConfig struct {
	Device string `toml:"device"`
	Baud   int    `toml:"baud"`
}

type LogConfig struct {
	File       string `toml:"file"`
	Level      int8   `toml:"level"`
	Color      bool   `toml:"color"`
	MaxSize    int    `toml:"max_size"`
	MaxBackups int    `toml:"max_backups"`
	MaxAge     int    `toml:"max_age"`
}

type MotionConfig struct {
	AxisStepsPerMm      [4]float64 `toml:"axis_steps_per_mm"`
	MaxFeedrate         [4]float64 `toml:"max_feedrate"`
	MaxAcceleration     [4]float64 `toml:"max_acceleration"`
	MaxJerk             [4]float64 `toml:"max_jerk"`
	Acceleration        float64    `toml:"acceleration"`
	RetractAcceleration float64    `toml:"retract_acceleration"`
	TravelAcceleration  float64    `toml:"travel_acceleration"`
	MinFeedrate         float64    `toml:"min_feedrate"`
	MinTravelFeedrate   float64    `toml:"min_travel_feedrate"`
	MinSegmentTimeUs    int64      `toml:"min_segment_time_us"`
	HomeOffset          [3]float64 `toml:"home_offset"`
}

type HeaterConfig struct {
	Control        string  `toml:"control"` // "pid" or "watermark"
	PidKp          float64 `toml:"pid_kp"`
	PidKi          float64 `toml:"pid_ki"`
	PidKd          float64 `toml:"pid_kd"`
	Hysteresis     float64 `toml:"hysteresis"`
	MinTemp        float64 `toml:"min_temp"`
	MaxTemp        float64 `toml:"max_temp"`
	ThermistorFile string  `toml:"thermistor_file"`
}

type SafetyConfig struct {
	MinExtrudeTemp      float64 `toml:"min_extrude_temp"`
	AllowColdExtrude    bool    `toml:"allow_cold_extrude"`
	MaxExtrudeLengthMm  float64 `toml:"max_extrude_length_mm"`
	RunawayPeriodSec    float64 `toml:"runaway_period_sec"`
	RunawayHysteresis   float64 `toml:"runaway_hysteresis"`
	BedRunawayPeriodSec float64 `toml:"bed_runaway_period_sec"`
	BedRunawayHyst      float64 `toml:"bed_runaway_hysteresis"`
	WatchPeriodSec      float64 `toml:"watch_period_sec"`
	WatchIncrease       float64 `toml:"watch_increase"`
	BedWatchPeriodSec   float64 `toml:"bed_watch_period_sec"`
	BedWatchIncrease    float64 `toml:"bed_watch_increase"`
	StepperIdleSec      float64 `toml:"stepper_idle_sec"`
}

type StorageConfig struct {
	SettingsFile string `toml:"settings_file"`
}

// Default returns the configuration of the stock i3 Plus machine. A
// config file only needs to override what differs.
func Default() *Config {
	return &Config{
		Serial: SerialConfig{Device: "/dev/ttyUSB0", Baud: 115200},
		Log:    LogConfig{File: "i3go.log", Level: 0, Color: true, MaxSize: 20, MaxBackups: 3, MaxAge: 14},
		Motion: MotionConfig{
			AxisStepsPerMm:      [4]float64{80, 80, 400, 100},
			MaxFeedrate:         [4]float64{300, 300, 5, 25},
			MaxAcceleration:     [4]float64{1500, 1500, 100, 10000},
			MaxJerk:             [4]float64{10, 10, 0.4, 5},
			Acceleration:        1000,
			RetractAcceleration: 2000,
			TravelAcceleration:  2000,
			MinFeedrate:         0.05,
			MinTravelFeedrate:   0.05,
			MinSegmentTimeUs:    20000,
		},
		Hotend: HeaterConfig{
			Control:    "pid",
			PidKp:      21.0,
			PidKi:      1.25,
			PidKd:      86.0,
			Hysteresis: 2.0,
			MinTemp:    5,
			MaxTemp:    275,
		},
		Bed: HeaterConfig{
			Control:    "watermark",
			Hysteresis: 2.0,
			MinTemp:    5,
			MaxTemp:    150,
		},
		Safety: SafetyConfig{
			MinExtrudeTemp:      170,
			MaxExtrudeLengthMm:  200,
			RunawayPeriodSec:    40,
			RunawayHysteresis:   4,
			BedRunawayPeriodSec: 20,
			BedRunawayHyst:      2,
			WatchPeriodSec:      20,
			WatchIncrease:       2,
			BedWatchPeriodSec:   60,
			BedWatchIncrease:    2,
			StepperIdleSec:      600,
		},
		Storage: StorageConfig{SettingsFile: "i3go.eep"},
	}
}

// Load reads a TOML config file over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	for i, v := range cfg.Motion.AxisStepsPerMm {
		if v <= 0 {
			return nil, fmt.Errorf("config: axis_steps_per_mm[%d] must be > 0", i)
		}
	}
	return cfg, nil
}
