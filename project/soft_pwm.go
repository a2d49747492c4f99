// Software PWM for the heater and fan outputs, run from the same timer
// tick as the ADC pipeline at one eighth of its rate.
package project

import "sync/atomic"

// PinWriter drives the physical outputs. The PWM tick and All_off write
// whole pin states through it, so the pin state never sees a
// read-modify-write race.
type PinWriter interface {
	Write_heater(heater int, on bool)
	Write_fan(fan int, on bool)
}

// NullPinWriter is the headless sink.
type NullPinWriter struct{}

func (NullPinWriter) Write_heater(int, bool) {}
func (NullPinWriter) Write_fan(int, bool)    {}

// The PWM section runs every Nth ADC tick.
const SOFT_PWM_SKIP_MASK = 8

type SoftPwm struct {
	out         PinWriter
	temperature *Temperature

	skip_counter uint8
	pwm_counter  uint8

	fan_amount [FAN_COUNT]uint32
}

func NewSoftPwm(temperature *Temperature, out PinWriter) *SoftPwm {
	self := &SoftPwm{}
	self.temperature = temperature
	self.out = out
	return self
}

func (self *SoftPwm) Set_fan_amount(fan int, amount uint8) {
	if fan >= 0 && fan < FAN_COUNT {
		atomic.StoreUint32(&self.fan_amount[fan], uint32(amount))
	}
}

func (self *SoftPwm) Fan_amount(fan int) uint8 {
	return uint8(atomic.LoadUint32(&self.fan_amount[fan]))
}

// Isr advances the plain-counter PWM. An output is high while the
// counter sits at or below its duty, so duty 0 is always-off and 255 is
// effectively always-on.
func (self *SoftPwm) Isr() {
	self.skip_counter++
	if self.skip_counter%SOFT_PWM_SKIP_MASK != 0 {
		return
	}

	hotend_pwm := self.temperature.Soft_pwm_amount()
	bed_pwm := self.temperature.Bed_pwm_amount()

	self.out.Write_heater(HEATER_HOTEND, self.pwm_counter <= hotend_pwm && hotend_pwm > 0)
	self.out.Write_heater(HEATER_BED, self.pwm_counter <= bed_pwm && bed_pwm > 0)
	for i := 0; i < FAN_COUNT; i++ {
		fan_pwm := self.Fan_amount(i)
		self.out.Write_fan(i, self.pwm_counter <= fan_pwm && fan_pwm > 0)
	}

	self.pwm_counter++
}

// All_off slams every output low; used by the kill path ahead of and
// after the targets are cleared.
func (self *SoftPwm) All_off() {
	self.out.Write_heater(HEATER_HOTEND, false)
	self.out.Write_heater(HEATER_BED, false)
	for i := 0; i < FAN_COUNT; i++ {
		self.out.Write_fan(i, false)
	}
}
