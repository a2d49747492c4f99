// Temperature control: ADC oversampling pipeline, heater power
// computation, and the thermal safety guards that kill the machine when
// a sensor or heater misbehaves.
package project

import (
	"fmt"
	"math"
	"sync/atomic"

	"i3go/common/config"
	"i3go/common/lock"
	"i3go/common/logger"
)

const (
	HEATER_HOTEND = 0
	HEATER_BED    = 1
	HEATER_COUNT  = 2

	// Oversample window of the running averages in the tick context.
	TEMP_AVG_COUNT = 32

	// Window of the signed-delta trend estimator.
	TREND_MEAN_COUNT = 8

	PID_PARAM_BASE = 255.0
)

// Thermal-runaway guard states.
type TRState uint8

const (
	TRInactive TRState = iota
	TRFirstHeating
	TRStable
	TRRunaway
)

// AdcReader supplies raw 10-bit conversions; the board wires the real
// mux, tests wire a thermal model.
type AdcReader interface {
	Read_hotend() uint16
	Read_bed() uint16
}

// The ADC pipeline states, advanced one per tick. Each sensor gets a full
// tick of charge time between select and read.
type sensorState uint8

const (
	sensorInitHotend sensorState = iota
	sensorReadHotend
	sensorInitBed
	sensorReadBed
)

// runningAverage keeps a windowed sum; each new sample displaces one
// average-sized share of the window.
type runningAverage struct {
	sum    float64
	primed bool
}

func (ra *runningAverage) add(v float64) {
	if !ra.primed {
		ra.sum = v * TEMP_AVG_COUNT
		ra.primed = true
		return
	}
	ra.sum = ra.sum - ra.sum/TEMP_AVG_COUNT + v
}

func (ra *runningAverage) get() float64 {
	return ra.sum / TEMP_AVG_COUNT
}

// tempTrend keeps a running mean of signed temperature deltas; the sign
// says whether the element is warming or cooling overall.
type tempTrend struct {
	positive bool
	meanSum  float64
}

func (tt *tempTrend) append(delta float64, positive bool) {
	tt.meanSum -= tt.meanSum / TREND_MEAN_COUNT
	if positive == tt.positive {
		tt.meanSum += delta
	} else {
		if delta > tt.meanSum {
			tt.meanSum = delta - tt.meanSum
			tt.positive = !tt.positive
		} else {
			tt.meanSum -= delta
		}
	}
}

func (tt *tempTrend) rising() bool {
	return tt.positive
}

// HeaterControl computes a 0..255 duty from current and target.
type HeaterControl interface {
	Get_power(current, target float64) uint8
}

// Bang-bang with hysteresis: full power until target+delta, off until
// target-delta.
type ControlBangBang struct {
	Max_delta float64
	heating   bool
}

func NewControlBangBang(max_delta float64) *ControlBangBang {
	return &ControlBangBang{Max_delta: max_delta}
}

func (self *ControlBangBang) Get_power(current, target float64) uint8 {
	if self.heating && current >= target+self.Max_delta {
		self.heating = false
	} else if !self.heating && current <= target-self.Max_delta {
		self.heating = true
	}
	if self.heating {
		return 255
	}
	return 0
}

type ControlPID struct {
	Kp float64
	Ki float64
	Kd float64

	temp_integ_max  float64
	prev_temp       float64
	prev_temp_deriv float64
	prev_temp_integ float64
	primed          bool
}

func NewControlPID(kp, ki, kd float64) *ControlPID {
	self := &ControlPID{}
	self.Set_gains(kp, ki, kd)
	return self
}

func (self *ControlPID) Set_gains(kp, ki, kd float64) {
	self.Kp = kp / PID_PARAM_BASE
	self.Ki = ki / PID_PARAM_BASE
	self.Kd = kd / PID_PARAM_BASE
	self.temp_integ_max = 0
	if self.Ki != 0 {
		self.temp_integ_max = 1.0 / self.Ki
	}
}

func (self *ControlPID) Get_power(current, target float64) uint8 {
	if !self.primed {
		self.prev_temp = current
		self.primed = true
	}
	temp_diff := current - self.prev_temp
	temp_deriv := (self.prev_temp_deriv*(TREND_MEAN_COUNT-1) + temp_diff) / TREND_MEAN_COUNT

	temp_err := target - current
	temp_integ := self.prev_temp_integ + temp_err
	temp_integ = math.Max(0, math.Min(self.temp_integ_max, temp_integ))

	co := self.Kp*temp_err + self.Ki*temp_integ - self.Kd*temp_deriv
	bounded := math.Max(0, math.Min(1.0, co))

	self.prev_temp = current
	self.prev_temp_deriv = temp_deriv
	if co == bounded {
		self.prev_temp_integ = temp_integ
	}
	return uint8(bounded * 255.0)
}

// Temperature owns both heaters: conversion, control, and safety. The
// tick context runs Adc_isr; the foreground runs Manage_heater.
type Temperature struct {
	adc     AdcReader
	critsec lock.Critical
	report  Reporter
	kill    func(msg string)

	table     *ThermistorTable
	bed_table *ThermistorTable

	// Tick-side oversampling state.
	sensor_state sensorState
	avg_hotend   runningAverage
	avg_bed      runningAverage

	// Published pair, guarded by critsec; ready flag written last.
	raw_hotend uint16
	raw_bed    uint16
	raw_ready  bool

	Current_temperature     float64
	Current_temperature_bed float64
	Target_temperature      float64
	Target_temperature_bed  float64

	// Duties read by the soft-PWM tick; byte-size stores, atomic here.
	soft_pwm_amount uint32
	is_bed_heating  uint32

	control     HeaterControl
	bed_control HeaterControl
	trend       tempTrend

	Min_temp     float64
	Max_temp     float64
	Bed_min_temp float64
	Bed_max_temp float64
	min_raw      float64
	max_raw      float64
	bed_min_raw  float64
	bed_max_raw  float64

	Min_extrude_temp      float64
	Allow_cold_extrude    bool
	Max_extrude_length_mm float64

	// Watch-rise guard.
	watch_period_ms      int64
	watch_increase       float64
	watch_target_temp    float64
	watch_heater_next_ms int64
	bed_watch_period_ms  int64
	bed_watch_increase   float64
	watch_target_bed     float64
	watch_bed_next_ms    int64

	// Thermal-runaway guard.
	tr_period_ms     int64
	tr_hysteresis    float64
	tr_state         TRState
	tr_timer_ms      int64
	tr_target        float64
	tr_bed_period_ms int64
	tr_bed_hyst      float64
	tr_bed_state     TRState
	tr_bed_timer_ms  int64
	tr_bed_target    float64

	// While autotuning, Manage_heater keeps converting and guarding but
	// leaves the duty to the tuner.
	autotuning bool

	killed bool
}

func NewTemperature(cfg *config.Config, adc AdcReader, report Reporter, kill func(msg string)) *Temperature {
	self := &Temperature{}
	self.adc = adc
	self.report = report
	self.kill = kill

	self.table = DefaultThermistorTable()
	if cfg.Hotend.ThermistorFile != "" {
		table, err := LoadThermistorTable(cfg.Hotend.ThermistorFile)
		if err != nil {
			logger.Panicf("temperature: hotend thermistor: %v", err)
		}
		self.table = table
	}
	self.bed_table = DefaultThermistorTable()
	if cfg.Bed.ThermistorFile != "" {
		table, err := LoadThermistorTable(cfg.Bed.ThermistorFile)
		if err != nil {
			logger.Panicf("temperature: bed thermistor: %v", err)
		}
		self.bed_table = table
	}

	self.Min_temp = cfg.Hotend.MinTemp
	self.Max_temp = cfg.Hotend.MaxTemp
	self.Bed_min_temp = cfg.Bed.MinTemp
	self.Bed_max_temp = cfg.Bed.MaxTemp
	self.min_raw = self.table.Raw_for_temperature(self.Min_temp)
	self.max_raw = self.table.Raw_for_temperature(self.Max_temp)
	self.bed_min_raw = self.bed_table.Raw_for_temperature(self.Bed_min_temp)
	self.bed_max_raw = self.bed_table.Raw_for_temperature(self.Bed_max_temp)

	switch cfg.Hotend.Control {
	case "watermark":
		self.control = NewControlBangBang(cfg.Hotend.Hysteresis)
	case "", "pid":
		self.control = NewControlPID(cfg.Hotend.PidKp, cfg.Hotend.PidKi, cfg.Hotend.PidKd)
	default:
		logger.Panicf("temperature: unknown hotend control %q", cfg.Hotend.Control)
	}
	self.bed_control = NewControlBangBang(cfg.Bed.Hysteresis)

	self.Min_extrude_temp = cfg.Safety.MinExtrudeTemp
	self.Allow_cold_extrude = cfg.Safety.AllowColdExtrude
	self.Max_extrude_length_mm = cfg.Safety.MaxExtrudeLengthMm

	self.watch_period_ms = int64(cfg.Safety.WatchPeriodSec * 1000)
	self.watch_increase = cfg.Safety.WatchIncrease
	self.bed_watch_period_ms = int64(cfg.Safety.BedWatchPeriodSec * 1000)
	self.bed_watch_increase = cfg.Safety.BedWatchIncrease

	self.tr_period_ms = int64(cfg.Safety.RunawayPeriodSec * 1000)
	self.tr_hysteresis = cfg.Safety.RunawayHysteresis
	self.tr_bed_period_ms = int64(cfg.Safety.BedRunawayPeriodSec * 1000)
	self.tr_bed_hyst = cfg.Safety.BedRunawayHyst

	return self
}

// Adc_isr advances the sampling state machine one state per tick. A
// sensor is selected on one tick and read on the next, giving the input
// a full tick to charge.
func (self *Temperature) Adc_isr() {
	switch self.sensor_state {
	case sensorInitHotend:
		self.sensor_state = sensorReadHotend
	case sensorReadHotend:
		self.avg_hotend.add(float64(self.adc.Read_hotend()) * OVERSAMPLENR)
		self.sensor_state = sensorInitBed
	case sensorInitBed:
		self.sensor_state = sensorReadBed
	case sensorReadBed:
		self.avg_bed.add(float64(self.adc.Read_bed()) * OVERSAMPLENR)
		hotend := uint16(self.avg_hotend.get())
		bed := uint16(self.avg_bed.get())
		self.critsec.Section(func() {
			self.raw_hotend = hotend
			self.raw_bed = bed
			self.raw_ready = true
		})
		self.sensor_state = sensorInitHotend
	}
}

// Soft_pwm_amount is the hotend duty as read by the PWM tick.
func (self *Temperature) Soft_pwm_amount() uint8 {
	return uint8(atomic.LoadUint32(&self.soft_pwm_amount))
}

func (self *Temperature) set_soft_pwm_amount(v uint8) {
	atomic.StoreUint32(&self.soft_pwm_amount, uint32(v))
}

// Bed_pwm_amount: the bed has no proportional driver, just on/off.
func (self *Temperature) Bed_pwm_amount() uint8 {
	if atomic.LoadUint32(&self.is_bed_heating) != 0 {
		return 255
	}
	return 0
}

func (self *Temperature) set_bed_heating(on bool) {
	if on {
		atomic.StoreUint32(&self.is_bed_heating, 1)
	} else {
		atomic.StoreUint32(&self.is_bed_heating, 0)
	}
}

func (self *Temperature) Is_coldextrude() bool {
	if self.Allow_cold_extrude {
		return false
	}
	return self.Current_temperature < self.Min_extrude_temp
}

func (self *Temperature) Trend_rising() bool {
	return self.trend.rising()
}

func (self *Temperature) Set_target_hotend(celsius float64, now_ms int64) {
	if celsius != 0 && (celsius < self.Min_temp || celsius > self.Max_temp) {
		logger.Panicf("temperature: requested hotend temperature (%.1f) out of range (%.1f:%.1f)",
			celsius, self.Min_temp, self.Max_temp)
	}
	self.Target_temperature = celsius
	self.start_watching_heater(now_ms)
}

func (self *Temperature) Set_target_bed(celsius float64, now_ms int64) {
	self.Target_temperature_bed = math.Min(celsius, self.Bed_max_temp)
	self.start_watching_bed(now_ms)
}

// start_watching_heater arms the anti-stuck check when the hotend is well
// below its new target.
func (self *Temperature) start_watching_heater(now_ms int64) {
	if self.Current_temperature < self.Target_temperature-(self.watch_increase+self.tr_hysteresis+1) {
		self.watch_target_temp = self.Current_temperature + self.watch_increase
		self.watch_heater_next_ms = now_ms + self.watch_period_ms
	} else {
		self.watch_heater_next_ms = 0
	}
}

func (self *Temperature) start_watching_bed(now_ms int64) {
	if self.Current_temperature_bed < self.Target_temperature_bed-(self.bed_watch_increase+self.tr_bed_hyst+1) {
		self.watch_target_bed = self.Current_temperature_bed + self.bed_watch_increase
		self.watch_bed_next_ms = now_ms + self.bed_watch_period_ms
	} else {
		self.watch_bed_next_ms = 0
	}
}

func (self *Temperature) temp_error(msg string) {
	if self.killed {
		self.Disable_all_heaters()
		return
	}
	self.killed = true
	self.Disable_all_heaters()
	if self.report != nil {
		self.report.Error(msg)
	}
	logger.Errorf("thermal fault: %s", msg)
	if self.kill != nil {
		self.kill(msg)
	}
}

func (self *Temperature) max_temp_error(heater int) {
	self.temp_error(fmt.Sprintf("MAXTEMP triggered on heater %d", heater))
}

func (self *Temperature) min_temp_error(heater int) {
	self.temp_error(fmt.Sprintf("MINTEMP triggered on heater %d", heater))
}

// thermal_runaway_protection: {Inactive, FirstHeating, Stable, Runaway}.
// Any target change restarts the guard.
func (self *Temperature) thermal_runaway_protection(state *TRState, timer *int64, tr_target *float64,
	current, target float64, period_ms int64, hysteresis float64, now_ms int64, heater int) {
	if *tr_target != target {
		*tr_target = target
		if target > 0 {
			*state = TRFirstHeating
		} else {
			*state = TRInactive
		}
	}

	switch *state {
	case TRInactive:
	case TRFirstHeating:
		if current < *tr_target {
			break
		}
		*state = TRStable
		fallthrough
	case TRStable:
		if current >= *tr_target-hysteresis {
			*timer = now_ms + period_ms
			break
		}
		if now_ms < *timer {
			break
		}
		*state = TRRunaway
		fallthrough
	case TRRunaway:
		self.temp_error(fmt.Sprintf("thermal runaway on heater %d", heater))
	}
}

// update_temperatures_from_raw consumes the published ADC pair. Returns
// false while no fresh pair is available. Raw min/max faults only fire
// when a target is set; a cold machine with open sensor lines must not
// kill itself.
func (self *Temperature) update_temperatures_from_raw() bool {
	var hotend, bed uint16
	fresh := false
	self.critsec.Section(func() {
		if !self.raw_ready {
			return
		}
		hotend = self.raw_hotend
		bed = self.raw_bed
		self.raw_ready = false
		fresh = true
	})
	if !fresh {
		return false
	}

	raw := float64(hotend)
	braw := float64(bed)
	if self.table.Temp_is_falling() {
		if raw <= self.max_raw && self.Target_temperature > 0 {
			self.max_temp_error(HEATER_HOTEND)
		}
		if raw >= self.min_raw && self.Target_temperature > 0 {
			self.min_temp_error(HEATER_HOTEND)
		}
	} else {
		if raw >= self.max_raw && self.Target_temperature > 0 {
			self.max_temp_error(HEATER_HOTEND)
		}
		if raw <= self.min_raw && self.Target_temperature > 0 {
			self.min_temp_error(HEATER_HOTEND)
		}
	}
	if self.bed_table.Temp_is_falling() {
		if braw <= self.bed_max_raw && self.Target_temperature_bed > 0 {
			self.max_temp_error(HEATER_BED)
		}
		if braw >= self.bed_min_raw && self.Target_temperature_bed > 0 {
			self.min_temp_error(HEATER_BED)
		}
	} else {
		if braw >= self.bed_max_raw && self.Target_temperature_bed > 0 {
			self.max_temp_error(HEATER_BED)
		}
		if braw <= self.bed_min_raw && self.Target_temperature_bed > 0 {
			self.min_temp_error(HEATER_BED)
		}
	}

	previous := self.Current_temperature
	self.Current_temperature = self.table.Temperature(raw)
	self.Current_temperature_bed = self.bed_table.Temperature(braw)

	if self.Current_temperature >= previous {
		self.trend.append(self.Current_temperature-previous, true)
	} else {
		self.trend.append(previous-self.Current_temperature, false)
	}
	return true
}

// Manage_heater runs the whole non-tick half: conversion, guards, and
// duty updates. Call it from idle(); it does nothing until a fresh ADC
// pair has been published.
func (self *Temperature) Manage_heater(now_ms int64) bool {
	if !self.update_temperatures_from_raw() {
		return false
	}
	if self.killed {
		return true
	}

	self.thermal_runaway_protection(&self.tr_state, &self.tr_timer_ms, &self.tr_target,
		self.Current_temperature, self.Target_temperature, self.tr_period_ms, self.tr_hysteresis, now_ms, HEATER_HOTEND)
	if self.killed {
		return true
	}

	// Make sure a freshly targeted heater actually warms up.
	if self.watch_heater_next_ms != 0 && now_ms >= self.watch_heater_next_ms {
		if self.Current_temperature < self.watch_target_temp {
			self.temp_error("heating failed on heater 0")
			return true
		}
		self.start_watching_heater(now_ms)
	}
	if self.watch_bed_next_ms != 0 && now_ms >= self.watch_bed_next_ms {
		if self.Current_temperature_bed < self.watch_target_bed {
			self.temp_error("heating failed on bed")
			return true
		}
		self.start_watching_bed(now_ms)
	}

	self.thermal_runaway_protection(&self.tr_bed_state, &self.tr_bed_timer_ms, &self.tr_bed_target,
		self.Current_temperature_bed, self.Target_temperature_bed, self.tr_bed_period_ms, self.tr_bed_hyst, now_ms, HEATER_BED)
	if self.killed {
		return true
	}

	if self.autotuning {
		return true
	}

	// Failsafe ordering: zero target always wins, out-of-range always
	// forces off, only then does the control algorithm get a say.
	if self.Target_temperature == 0 {
		self.set_soft_pwm_amount(0)
	} else if self.Current_temperature <= self.Min_temp || self.Current_temperature >= self.Max_temp {
		self.set_soft_pwm_amount(0)
	} else {
		self.set_soft_pwm_amount(self.control.Get_power(self.Current_temperature, self.Target_temperature))
	}

	if self.Target_temperature_bed == 0 {
		self.set_bed_heating(false)
	} else if self.Current_temperature_bed >= self.Bed_min_temp && self.Current_temperature_bed <= self.Bed_max_temp {
		self.set_bed_heating(self.bed_control.Get_power(self.Current_temperature_bed, self.Target_temperature_bed) > 0)
	} else {
		self.set_bed_heating(false)
	}

	return true
}

// Disable_all_heaters zeroes the targets and duties. Called on its own
// for M112 and both from the thermal fault and the machine kill path.
func (self *Temperature) Disable_all_heaters() {
	self.Target_temperature = 0
	self.Target_temperature_bed = 0
	self.watch_heater_next_ms = 0
	self.watch_bed_next_ms = 0
	self.set_soft_pwm_amount(0)
	self.set_bed_heating(false)
}

func (self *Temperature) Is_killed() bool {
	return self.killed
}

// Report_line renders the M105 answer.
func (self *Temperature) Report_line() string {
	return fmt.Sprintf("T:%.1f /%.1f B:%.1f /%.1f @:%d B@:%d",
		self.Current_temperature, self.Target_temperature,
		self.Current_temperature_bed, self.Target_temperature_bed,
		self.Soft_pwm_amount(), self.Bed_pwm_amount())
}
