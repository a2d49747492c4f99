// Persisted machine settings: the M500/M501/M502/M503 family. The image
// is a little-endian packed snapshot bracketed by a version tag and a
// CRC16, stored in a file standing in for the EEPROM.
package project

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"i3go/common/config"
	"i3go/common/file"
	"i3go/common/logger"
)

const SETTINGS_VERSION = "V24"

type PreheatPreset struct {
	Hotend float64
	Bed    float64
	Fan    uint8
}

// Settings owns every persisted tunable and moves them in and out of the
// planner and temperature controller.
type Settings struct {
	planner     *Planner
	temperature *Temperature
	path        string

	Home_offset [3]float64
	Presets     [3]PreheatPreset

	Hotend_pid [3]float64
	Bed_pid    [3]float64
}

func NewSettings(cfg *config.Config, planner *Planner, temperature *Temperature) *Settings {
	self := &Settings{}
	self.planner = planner
	self.temperature = temperature
	self.path = cfg.Storage.SettingsFile
	self.Reset(cfg)
	return self
}

// Reset restores the factory defaults from the machine config (M502).
func (self *Settings) Reset(cfg *config.Config) {
	self.planner.Apply_motion_limits(
		cfg.Motion.AxisStepsPerMm, cfg.Motion.MaxFeedrate, cfg.Motion.MaxAcceleration, cfg.Motion.MaxJerk,
		cfg.Motion.Acceleration, cfg.Motion.RetractAcceleration, cfg.Motion.TravelAcceleration,
		cfg.Motion.MinFeedrate, cfg.Motion.MinTravelFeedrate, cfg.Motion.MinSegmentTimeUs)
	self.Home_offset = cfg.Motion.HomeOffset
	self.Hotend_pid = [3]float64{cfg.Hotend.PidKp, cfg.Hotend.PidKi, cfg.Hotend.PidKd}
	self.Bed_pid = [3]float64{cfg.Bed.PidKp, cfg.Bed.PidKi, cfg.Bed.PidKd}
	self.Presets = [3]PreheatPreset{
		{Hotend: 190, Bed: 60, Fan: 0},
		{Hotend: 240, Bed: 80, Fan: 0},
		{Hotend: 200, Bed: 0, Fan: 255},
	}
	self.apply_pid()
}

func (self *Settings) apply_pid() {
	if pid, ok := self.temperature.control.(*ControlPID); ok {
		pid.Set_gains(self.Hotend_pid[0], self.Hotend_pid[1], self.Hotend_pid[2])
	}
}

func put_f32(buf *bytes.Buffer, v float64) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], math.Float32bits(float32(v)))
	buf.Write(b[:])
}

func get_f32(buf *bytes.Reader) (float64, error) {
	var b [4]byte
	if _, err := buf.Read(b[:]); err != nil {
		return 0, err
	}
	return float64(math.Float32frombits(binary.LittleEndian.Uint32(b[:]))), nil
}

// Pack serializes the settings image: version tag, payload in the fixed
// field order, CRC16 of the payload.
func (self *Settings) Pack() []byte {
	p := self.planner
	payload := &bytes.Buffer{}
	for i := 0; i < NUM_AXIS; i++ {
		put_f32(payload, p.Axis_steps_per_mm[i])
	}
	for i := 0; i < NUM_AXIS; i++ {
		put_f32(payload, p.Max_feedrate_mm_s[i])
	}
	for i := 0; i < NUM_AXIS; i++ {
		put_f32(payload, p.Max_acceleration_mm_per_s2[i])
	}
	put_f32(payload, p.Acceleration)
	put_f32(payload, p.Retract_acceleration)
	put_f32(payload, p.Travel_acceleration)
	put_f32(payload, p.Min_feedrate_mm_s)
	put_f32(payload, p.Min_travel_feedrate_mm_s)
	var seg [8]byte
	binary.LittleEndian.PutUint64(seg[:], uint64(p.Min_segment_time_us))
	payload.Write(seg[:])
	for i := 0; i < NUM_AXIS; i++ {
		put_f32(payload, p.Max_jerk[i])
	}
	for i := 0; i < 3; i++ {
		put_f32(payload, self.Home_offset[i])
	}
	for i := 0; i < 3; i++ {
		put_f32(payload, self.Hotend_pid[i])
	}
	for i := 0; i < 3; i++ {
		put_f32(payload, self.Bed_pid[i])
	}
	put_f32(payload, self.temperature.Min_extrude_temp)
	if self.temperature.Allow_cold_extrude {
		payload.WriteByte(1)
	} else {
		payload.WriteByte(0)
	}
	for i := 0; i < 3; i++ {
		put_f32(payload, self.Presets[i].Hotend)
		put_f32(payload, self.Presets[i].Bed)
		payload.WriteByte(self.Presets[i].Fan)
	}
	for i := 0; i < FAN_COUNT; i++ {
		payload.WriteByte(p.Fan_speeds[i])
	}

	out := &bytes.Buffer{}
	out.WriteString(SETTINGS_VERSION)
	out.Write(payload.Bytes())
	var crc [2]byte
	binary.LittleEndian.PutUint16(crc[:], Crc16(payload.Bytes()))
	out.Write(crc[:])
	return out.Bytes()
}

// Unpack validates and applies a settings image.
func (self *Settings) Unpack(data []byte) error {
	if len(data) < len(SETTINGS_VERSION)+2 {
		return fmt.Errorf("settings: image truncated (%d bytes)", len(data))
	}
	if string(data[:len(SETTINGS_VERSION)]) != SETTINGS_VERSION {
		return fmt.Errorf("settings: version mismatch, want %s", SETTINGS_VERSION)
	}
	payload := data[len(SETTINGS_VERSION) : len(data)-2]
	stored := binary.LittleEndian.Uint16(data[len(data)-2:])
	if got := Crc16(payload); got != stored {
		return fmt.Errorf("settings: CRC mismatch (stored %04x, computed %04x)", stored, got)
	}

	buf := bytes.NewReader(payload)
	read := func(dst *float64) error {
		v, err := get_f32(buf)
		if err != nil {
			return err
		}
		*dst = v
		return nil
	}

	p := self.planner
	for i := 0; i < NUM_AXIS; i++ {
		if err := read(&p.Axis_steps_per_mm[i]); err != nil {
			return err
		}
	}
	for i := 0; i < NUM_AXIS; i++ {
		if err := read(&p.Max_feedrate_mm_s[i]); err != nil {
			return err
		}
	}
	for i := 0; i < NUM_AXIS; i++ {
		if err := read(&p.Max_acceleration_mm_per_s2[i]); err != nil {
			return err
		}
	}
	if err := read(&p.Acceleration); err != nil {
		return err
	}
	if err := read(&p.Retract_acceleration); err != nil {
		return err
	}
	if err := read(&p.Travel_acceleration); err != nil {
		return err
	}
	if err := read(&p.Min_feedrate_mm_s); err != nil {
		return err
	}
	if err := read(&p.Min_travel_feedrate_mm_s); err != nil {
		return err
	}
	var seg [8]byte
	if _, err := buf.Read(seg[:]); err != nil {
		return err
	}
	p.Min_segment_time_us = int64(binary.LittleEndian.Uint64(seg[:]))
	for i := 0; i < NUM_AXIS; i++ {
		if err := read(&p.Max_jerk[i]); err != nil {
			return err
		}
	}
	for i := 0; i < 3; i++ {
		if err := read(&self.Home_offset[i]); err != nil {
			return err
		}
	}
	for i := 0; i < 3; i++ {
		if err := read(&self.Hotend_pid[i]); err != nil {
			return err
		}
	}
	for i := 0; i < 3; i++ {
		if err := read(&self.Bed_pid[i]); err != nil {
			return err
		}
	}
	if err := read(&self.temperature.Min_extrude_temp); err != nil {
		return err
	}
	flag, err := buf.ReadByte()
	if err != nil {
		return err
	}
	self.temperature.Allow_cold_extrude = flag != 0
	for i := 0; i < 3; i++ {
		if err := read(&self.Presets[i].Hotend); err != nil {
			return err
		}
		if err := read(&self.Presets[i].Bed); err != nil {
			return err
		}
		fan, err := buf.ReadByte()
		if err != nil {
			return err
		}
		self.Presets[i].Fan = fan
	}
	for i := 0; i < FAN_COUNT; i++ {
		fan, err := buf.ReadByte()
		if err != nil {
			return err
		}
		p.Fan_speeds[i] = fan
	}

	p.Refresh_positioning()
	self.apply_pid()
	return nil
}

// Save writes the image (M500).
func (self *Settings) Save() error {
	img := self.Pack()
	if err := file.WriteFileWithSync(self.path, img); err != nil {
		return fmt.Errorf("settings: save: %w", err)
	}
	logger.Infof("settings stored (%d bytes, crc ok)", len(img))
	return nil
}

// Load reads the image back (M501). Missing file is not an error; the
// defaults stay.
func (self *Settings) Load() error {
	data, err := os.ReadFile(self.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("settings: load: %w", err)
	}
	return self.Unpack(data)
}
